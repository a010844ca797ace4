package eth

import (
	"math/big"
	"testing"

	"zkrollup-node/common"
	"zkrollup-node/eth/contracts/rollup"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRollupClient(t *testing.T) *RollupClient {
	parsed, err := ParsedRollupABI()
	require.NoError(t, err)
	return &RollupClient{contractAbi: parsed}
}

func TestDecodeCommitBlocksArgs(t *testing.T) {
	c := testRollupClient(t)
	block := common.Block{
		Number:      1,
		OldRootHash: big.NewInt(1),
		NewRootHash: big.NewInt(2),
		Timestamp:   1700000000,
		Transactions: []common.ExecutedOperation{{PriorityOp: &common.ExecutedPriorityOp{
			PriorityOp: common.PriorityOp{SerialID: 0},
			Op: &common.DepositOp{AccountID: 1, Token: 0, Amount: big.NewInt(10),
				Address: ethCommon.HexToAddress("0x01")},
		}}},
		BlockChunkSize: 8,
	}
	block.Commitment = block.ComputeCommitment()
	genesis := common.NewStoredBlockInfo(&common.Block{NewRootHash: big.NewInt(1)})
	info := common.NewCommitBlockInfo(&block)

	data, err := c.contractAbi.Pack("commitBlocks", storedBlockInfo(genesis),
		[]rollup.CommitBlockInfo{commitBlockInfo(info)})
	require.NoError(t, err)
	args, err := DecodeCommitBlocksArgs(c.contractAbi, data)
	require.NoError(t, err)
	assert.Equal(t, genesis.StateHash, args.LastCommittedBlockData.StateHash)
	assert.Equal(t, genesis.PendingOnchainOperationsHash, args.LastCommittedBlockData.PendingOnchainOperationsHash)
	require.Equal(t, 1, len(args.NewBlocksData))
	decoded := args.NewBlocksData[0]
	assert.Equal(t, info.PublicData, decoded.PublicData)
	assert.Equal(t, info.NewStateHash, decoded.NewStateHash)
	assert.Equal(t, uint32(1), decoded.BlockNumber)
	require.Equal(t, 1, len(decoded.OnchainOperations))
	assert.Equal(t, uint32(0), decoded.OnchainOperations[0].PublicDataOffset)

	data, err = c.contractAbi.Pack("completeWithdrawals", uint32(3))
	require.NoError(t, err)
	_, err = DecodeCommitBlocksArgs(c.contractAbi, data)
	assert.True(t, common.IsKind(err, common.KindL1Permanent))
}

func priorityRequestLog(t *testing.T, c *RollupClient, serialID uint64, opType common.OpCode,
	pubData []byte) types.Log {
	data, err := c.contractAbi.Events["NewPriorityRequest"].Inputs.NonIndexed().Pack(
		ethCommon.HexToAddress("0xaa"), serialID, uint8(opType), pubData, big.NewInt(500))
	require.NoError(t, err)
	return types.Log{
		Topics:      []ethCommon.Hash{logNewPriorityRequest},
		Data:        data,
		BlockNumber: 42,
		TxHash:      ethCommon.HexToHash("0x1234"),
	}
}

func TestParsePriorityRequest(t *testing.T) {
	c := testRollupClient(t)
	to := ethCommon.HexToAddress("0xbb")
	deposit := &common.Deposit{Token: 3, Amount: big.NewInt(1000), To: to}

	events := NewRollupEvents()
	require.NoError(t, c.parseLog(&events, priorityRequestLog(t, c, 7, common.OpDeposit,
		deposit.RequestPubData())))
	require.Equal(t, 1, len(events.PriorityOps))
	op := events.PriorityOps[0]
	assert.Equal(t, uint64(7), op.SerialID)
	assert.Equal(t, uint64(500), op.DeadlineBlock)
	assert.Equal(t, uint64(42), op.EthBlock)
	parsed := op.Data.(*common.Deposit)
	assert.Equal(t, to, parsed.To)
	assert.Equal(t, ethCommon.HexToAddress("0xaa"), parsed.From)
	assert.Equal(t, 0, big.NewInt(1000).Cmp(parsed.Amount))

	// amounts above 128 bits are rejected
	overflow := deposit.RequestPubData()
	overflow[2] = 1
	err := c.parseLog(&events, priorityRequestLog(t, c, 8, common.OpDeposit, overflow))
	assert.True(t, common.IsKind(err, common.KindL1Permanent))

	err = c.parseLog(&events, priorityRequestLog(t, c, 8, common.OpDeposit, []byte{1, 2}))
	assert.True(t, common.IsKind(err, common.KindL1Permanent))
}

func TestParseBlockEvents(t *testing.T) {
	c := testRollupClient(t)
	events := NewRollupEvents()

	require.NoError(t, c.parseLog(&events, types.Log{
		Topics:      []ethCommon.Hash{logBlockCommit, ethCommon.BigToHash(big.NewInt(5))},
		BlockNumber: 10,
	}))
	require.Equal(t, 1, len(events.BlockCommit))
	assert.Equal(t, common.BlockNum(5), events.BlockCommit[0].BlockNumber)

	data, err := c.contractAbi.Events["BlocksRevert"].Inputs.NonIndexed().Pack(uint32(2), uint32(3))
	require.NoError(t, err)
	require.NoError(t, c.parseLog(&events, types.Log{Topics: []ethCommon.Hash{logBlocksRevert}, Data: data}))
	require.Equal(t, 1, len(events.BlocksRevert))
	assert.Equal(t, common.BlockNum(3), events.BlocksRevert[0].TotalBlocksCommitted)

	fact := ethCommon.HexToHash("0xfa")
	data, err = c.contractAbi.Events["FactAuth"].Inputs.NonIndexed().Pack(uint32(4), fact.Bytes())
	require.NoError(t, err)
	sender := ethCommon.HexToAddress("0xcc")
	require.NoError(t, c.parseLog(&events, types.Log{
		Topics: []ethCommon.Hash{logFactAuth, ethCommon.BytesToHash(sender.Bytes())},
		Data:   data,
	}))
	require.Equal(t, 1, len(events.FactAuth))
	assert.Equal(t, sender, events.FactAuth[0].Address)
	assert.Equal(t, common.Nonce(4), events.FactAuth[0].Nonce)
	assert.Equal(t, fact, events.FactAuth[0].Fact)

	// missing indexed topic
	err = c.parseLog(&events, types.Log{Topics: []ethCommon.Hash{logBlockCommit}})
	assert.True(t, common.IsKind(err, common.KindL1Permanent))
}
