package coordinator

import (
	"math/big"
	"testing"

	"zkrollup-node/common"
	"zkrollup-node/test"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAggregator(t *testing.T, storage *memStorage) *Aggregator {
	a, err := NewAggregator(AggregatorConfig{
		MaxBlocksToCommit:  2,
		MaxBlocksToProve:   3,
		MaxBlocksToExecute: 10,
	}, storage)
	require.NoError(t, err)
	return a
}

func assertOps(t *testing.T, ops []common.AggregatedOperation, ranges ...[2]common.BlockNum) {
	require.Equal(t, len(ranges), len(ops))
	for i, r := range ranges {
		assert.Equal(t, r[0], ops[i].FromBlock)
		assert.Equal(t, r[1], ops[i].ToBlock)
	}
}

func TestAggregatorBlockOrder(t *testing.T) {
	storage := newMemStorage()
	a := newTestAggregator(t, storage)
	addBlocks(t, storage, 3)

	require.NoError(t, a.Step())
	commits := storage.unsentOps(common.ActionCommitBlocks)
	assertOps(t, commits, [2]common.BlockNum{1, 2}, [2]common.BlockNum{3, 3})
	// nothing is proven yet
	last, err := storage.LastProverJobBlock(common.ProverJobAggregated)
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(0), last)

	// block 3 has a proof but block 1 does not
	storage.storeProof(common.ProverJobSingleBlock, 3, 3)
	require.NoError(t, a.Step())
	last, err = storage.LastProverJobBlock(common.ProverJobAggregated)
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(0), last)

	storage.storeProof(common.ProverJobSingleBlock, 1, 1)
	storage.storeProof(common.ProverJobSingleBlock, 2, 2)
	require.NoError(t, a.Step())
	job := storage.jobs[len(storage.jobs)-1]
	assert.Equal(t, common.ProverJobAggregated, job.JobType)
	assert.Equal(t, common.BlockNum(1), job.FirstBlock)
	assert.Equal(t, common.BlockNum(3), job.LastBlock)
	assert.Equal(t, 3, job.BlockSize)
	assert.Equal(t, common.ProverJobIdle, job.Status)

	// the proof waits for the commit of its blocks
	storage.storeProof(common.ProverJobAggregated, 1, 3)
	require.NoError(t, a.Step())
	assert.Equal(t, 0, len(storage.unsentOps(common.ActionProveBlocks)))
	storage.confirm(commits[0].ID)
	require.NoError(t, a.Step())
	assert.Equal(t, 0, len(storage.unsentOps(common.ActionProveBlocks)))
	storage.confirm(commits[1].ID)
	require.NoError(t, a.Step())
	proves := storage.unsentOps(common.ActionProveBlocks)
	assertOps(t, proves, [2]common.BlockNum{1, 3})

	// execution waits for the proof to be confirmed
	require.NoError(t, a.Step())
	assert.Equal(t, 0, len(storage.unsentOps(common.ActionExecuteBlocks)))
	storage.confirm(proves[0].ID)
	require.NoError(t, a.Step())
	executes := storage.unsentOps(common.ActionExecuteBlocks)
	assertOps(t, executes, [2]common.BlockNum{1, 3})

	// deposits only, nothing to withdraw
	storage.confirm(executes[0].ID)
	require.NoError(t, a.Step())
	assert.Equal(t, 0, len(storage.unsentOps(common.ActionCompleteWithdrawals)))
	assert.Equal(t, common.BlockNum(3), a.withdrawalsChecked)
}

func withdrawBlock(number common.BlockNum) *common.BlockCommitRequest {
	req := test.GenBlock(number, uint64(number-1), 1)
	index := uint32(1)
	req.Block.Transactions = append(req.Block.Transactions, common.ExecutedOperation{
		Tx: &common.ExecutedTx{
			Success: true,
			Op: &common.WithdrawOp{
				AccountID: 1,
				Amount:    big.NewInt(1),
				Fee:       big.NewInt(0),
			},
			BlockIndex: &index,
		},
	})
	return req
}

func TestAggregatorCompleteWithdrawals(t *testing.T) {
	storage := newMemStorage()
	a := newTestAggregator(t, storage)
	require.NoError(t, storage.AddBlock(test.GenBlock(1, 0, 1)))
	require.NoError(t, storage.AddBlock(withdrawBlock(2)))

	confirmed := func(action common.AggregatedActionType, from, to common.BlockNum) {
		op := common.AggregatedOperation{ActionType: action, FromBlock: from, ToBlock: to}
		require.NoError(t, storage.AddAggregatedOperation(&op))
		storage.confirm(op.ID)
	}
	confirmed(common.ActionCommitBlocks, 1, 2)
	confirmed(common.ActionProveBlocks, 1, 2)
	confirmed(common.ActionExecuteBlocks, 1, 1)

	require.NoError(t, a.Step())
	assert.Equal(t, 0, len(storage.unsentOps(common.ActionCompleteWithdrawals)))
	executes := storage.unsentOps(common.ActionExecuteBlocks)
	assertOps(t, executes, [2]common.BlockNum{2, 2})

	storage.confirm(executes[0].ID)
	require.NoError(t, a.Step())
	withdrawals := storage.unsentOps(common.ActionCompleteWithdrawals)
	assertOps(t, withdrawals, [2]common.BlockNum{2, 2})

	// a restarted aggregator does not complete them again
	a = newTestAggregator(t, storage)
	assert.Equal(t, common.BlockNum(2), a.withdrawalsChecked)
	require.NoError(t, a.Step())
	assert.Equal(t, 1, len(storage.unsentOps(common.ActionCompleteWithdrawals)))
}
