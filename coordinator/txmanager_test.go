package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/test"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type txManagerTest struct {
	ctx     context.Context
	client  *test.Client
	storage *memStorage
	txm     *TxManager
}

func newTxManagerTest(t *testing.T, nBlocks int) *txManagerTest {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	client := newTestClient(clock)
	storage := newMemStorage()
	addBlocks(t, storage, nBlocks)
	gas := NewGasAdjuster(GasAdjusterConfig{PriceFactor: 2, LimitUpdateInterval: time.Minute},
		client, nil, clock)
	txm, err := NewTxManager(ctx, testCoordinatorConfig().TxManager, client, storage, gas, big.NewInt(1))
	require.NoError(t, err)
	return &txManagerTest{ctx: ctx, client: client, storage: storage, txm: txm}
}

func (tt *txManagerTest) addOperation(t *testing.T, action common.AggregatedActionType,
	from, to common.BlockNum) *common.AggregatedOperation {
	op := common.AggregatedOperation{ActionType: action, FromBlock: from, ToBlock: to}
	require.NoError(t, tt.storage.AddAggregatedOperation(&op))
	return &op
}

func (tt *txManagerTest) mine(n int) {
	for i := 0; i < n; i++ {
		tt.client.CtlMineBlock()
	}
}

func (tt *txManagerTest) ethOp(t *testing.T, agg *common.AggregatedOperation) common.EthOperation {
	ops := tt.storage.ethOpsOf(agg.ID)
	require.Equal(t, 1, len(ops))
	return ops[0]
}

func TestTxManagerConfirm(t *testing.T) {
	tt := newTxManagerTest(t, 2)
	commit := tt.addOperation(t, common.ActionCommitBlocks, 1, 2)

	require.NoError(t, tt.txm.Step(tt.ctx))
	op := tt.ethOp(t, commit)
	assert.Equal(t, uint64(0), op.Nonce)
	assert.Equal(t, int64(2+3), op.DeadlineBlock)
	assert.Equal(t, 1, tt.client.CtlPendingTxs())

	tt.mine(1)
	status, err := tt.txm.TxStatus(tt.ctx, op.LastTxHash())
	require.NoError(t, err)
	require.NotNil(t, status)
	assert.True(t, status.Success)
	assert.Equal(t, int64(1), status.Confirmations)
	require.NoError(t, tt.txm.Step(tt.ctx))
	committed, err := tt.storage.LastConfirmedBlock(common.ActionCommitBlocks)
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(0), committed)

	tt.mine(1)
	require.NoError(t, tt.txm.Step(tt.ctx))
	committed, err = tt.storage.LastConfirmedBlock(common.ActionCommitBlocks)
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(2), committed)
	op = tt.ethOp(t, commit)
	assert.True(t, op.Confirmed)
	assert.Equal(t, op.LastTxHash(), *op.FinalHash)

	// the commit carries the genesis root as the previous block
	args, err := tt.client.RollupCommitBlocksArgs(op.LastTxHash())
	require.NoError(t, err)
	assert.Equal(t, uint32(0), args.LastCommittedBlockData.BlockNumber)
	require.Equal(t, 2, len(args.NewBlocksData))
	assert.Equal(t, uint32(2), args.NewBlocksData[1].BlockNumber)
}

func TestTxManagerStoresBeforeSending(t *testing.T) {
	tt := newTxManagerTest(t, 1)
	tt.storage.ethWriteErr = fmt.Errorf("connection lost")
	commit := tt.addOperation(t, common.ActionCommitBlocks, 1, 1)

	err := tt.txm.Step(tt.ctx)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindDatabase))
	assert.Equal(t, 0, tt.client.CtlPendingTxs())
	assert.Equal(t, 0, len(tt.storage.ethOpsOf(commit.ID)))

	// the nonce was not consumed
	tt.storage.ethWriteErr = nil
	require.NoError(t, tt.txm.Step(tt.ctx))
	assert.Equal(t, uint64(0), tt.ethOp(t, commit).Nonce)
	assert.Equal(t, 1, tt.client.CtlPendingTxs())
}

func TestTxManagerStuckTx(t *testing.T) {
	tt := newTxManagerTest(t, 1)
	// the first price of 1 gwei is not enough
	tt.client.CtlSetMinGasPrice(big.NewInt(1_100_000_000))
	commit := tt.addOperation(t, common.ActionCommitBlocks, 1, 1)

	require.NoError(t, tt.txm.Step(tt.ctx))
	first := tt.ethOp(t, commit)
	assertPrice(t, 1_000_000_000, first.LastUsedGasPrice)

	// waiting before the deadline
	tt.mine(2)
	require.NoError(t, tt.txm.Step(tt.ctx))
	assert.Equal(t, 1, len(tt.ethOp(t, commit).TxHashes))

	tt.mine(1)
	require.NoError(t, tt.txm.Step(tt.ctx))
	replaced := tt.ethOp(t, commit)
	require.Equal(t, 2, len(replaced.TxHashes))
	assert.Equal(t, first.Nonce, replaced.Nonce)
	assertPrice(t, 1_150_000_000, replaced.LastUsedGasPrice)
	assert.Equal(t, int64(5+3), replaced.DeadlineBlock)
	assert.Equal(t, 1, tt.client.CtlPendingTxs())

	tt.mine(2)
	require.NoError(t, tt.txm.Step(tt.ctx))
	replaced = tt.ethOp(t, commit)
	assert.True(t, replaced.Confirmed)
	assert.Equal(t, replaced.TxHashes[1], *replaced.FinalHash)
}

func TestTxManagerStuckTxCapped(t *testing.T) {
	tt := newTxManagerTest(t, 1)
	tt.client.CtlSetMinGasPrice(big.NewInt(3_000_000_000))
	commit := tt.addOperation(t, common.ActionCommitBlocks, 1, 1)
	require.NoError(t, tt.txm.Step(tt.ctx))

	// bumps up to 1.75 gwei fit under the 2 gwei limit, 2.01 does not
	for i := 0; i < 6; i++ {
		tt.mine(3)
		require.NoError(t, tt.txm.Step(tt.ctx))
	}
	op := tt.ethOp(t, commit)
	assert.Equal(t, 5, len(op.TxHashes))
	assert.True(t, op.LastUsedGasPrice.Cmp(big.NewInt(2_000_000_000)) <= 0)
	assert.False(t, op.Confirmed)
}

func TestTxManagerCommitRevert(t *testing.T) {
	tt := newTxManagerTest(t, 1)
	tt.client.CtlRevertNext("commitBlocks")
	commit := tt.addOperation(t, common.ActionCommitBlocks, 1, 1)

	require.NoError(t, tt.txm.Step(tt.ctx))
	reverted := tt.ethOp(t, commit)
	tt.mine(1)
	status, err := tt.txm.TxStatus(tt.ctx, reverted.LastTxHash())
	require.NoError(t, err)
	assert.False(t, status.Success)

	// sent again under the next nonce
	require.NoError(t, tt.txm.Step(tt.ctx))
	resent := tt.ethOp(t, commit)
	assert.Equal(t, uint64(1), resent.Nonce)
	assert.NotEqual(t, reverted.LastTxHash(), resent.LastTxHash())

	tt.mine(2)
	require.NoError(t, tt.txm.Step(tt.ctx))
	committed, err := tt.storage.LastConfirmedBlock(common.ActionCommitBlocks)
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(1), committed)
}

func TestTxManagerProveRevertIsFatal(t *testing.T) {
	tt := newTxManagerTest(t, 2)
	tt.storage.storeProof(common.ProverJobAggregated, 1, 2)
	tt.client.CtlRevertNext("proveBlocks")
	tt.addOperation(t, common.ActionProveBlocks, 1, 2)

	require.NoError(t, tt.txm.Step(tt.ctx))
	tt.mine(1)
	err := tt.txm.Step(tt.ctx)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindL1Permanent))
	assert.True(t, isFatal(err))
}

func TestTxManagerProveWithoutProof(t *testing.T) {
	tt := newTxManagerTest(t, 2)
	tt.addOperation(t, common.ActionProveBlocks, 1, 2)
	err := tt.txm.Step(tt.ctx)
	assert.True(t, common.IsKind(err, common.KindDatabase))
	assert.Equal(t, 0, tt.client.CtlPendingTxs())
}

func TestTxManagerRestart(t *testing.T) {
	tt := newTxManagerTest(t, 2)
	tt.addOperation(t, common.ActionCommitBlocks, 1, 1)
	require.NoError(t, tt.txm.Step(tt.ctx))

	// the tx in flight keeps its nonce
	gas := NewGasAdjuster(GasAdjusterConfig{PriceFactor: 2, LimitUpdateInterval: time.Minute},
		tt.client, nil, clockwork.NewFakeClock())
	txm, err := NewTxManager(tt.ctx, testCoordinatorConfig().TxManager, tt.client, tt.storage, gas,
		big.NewInt(1))
	require.NoError(t, err)
	second := tt.addOperation(t, common.ActionCommitBlocks, 2, 2)
	require.NoError(t, txm.Step(tt.ctx))
	assert.Equal(t, uint64(1), tt.ethOp(t, second).Nonce)
	assert.Equal(t, 2, tt.client.CtlPendingTxs())

	tt.mine(2)
	require.NoError(t, txm.Step(tt.ctx))
	committed, err := tt.storage.LastConfirmedBlock(common.ActionCommitBlocks)
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(2), committed)
}

func TestTxManagerMaxInflight(t *testing.T) {
	tt := newTxManagerTest(t, 6)
	for n := common.BlockNum(1); n <= 6; n++ {
		tt.addOperation(t, common.ActionCommitBlocks, n, n)
	}
	require.NoError(t, tt.txm.Step(tt.ctx))
	assert.Equal(t, 4, tt.client.CtlPendingTxs())
	assert.Equal(t, 2, len(tt.storage.unsentOps(common.ActionCommitBlocks)))
}
