package common

import (
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

const (
	// RollupConstPriorityExpirationBlocks is the number of L1 blocks a
	// priority request stays valid after it has been emitted
	RollupConstPriorityExpirationBlocks = 40320
	// RollupConstMaxWithdrawalsToComplete is the default limit of
	// completeWithdrawals calls
	RollupConstMaxWithdrawalsToComplete = 10
)

// StoredBlockInfo is the summary of a block stored by the rollup contract
type StoredBlockInfo struct {
	BlockNumber                  uint32
	PriorityOperations           uint64
	PendingOnchainOperationsHash [32]byte
	Timestamp                    *big.Int
	StateHash                    [32]byte
	Commitment                   [32]byte
}

// NewStoredBlockInfo returns the stored summary of a sealed block
func NewStoredBlockInfo(b *Block) StoredBlockInfo {
	return StoredBlockInfo{
		BlockNumber:                  uint32(b.Number),
		PriorityOperations:           b.NumProcessedPriorityOps(),
		PendingOnchainOperationsHash: b.OnchainOpsHash(),
		Timestamp:                    new(big.Int).SetUint64(b.Timestamp),
		StateHash:                    ethCommon.BigToHash(b.NewRootHash),
		Commitment:                   b.Commitment,
	}
}

// OnchainOperationData points to an op of the pubdata processed by the
// contract at commit
type OnchainOperationData struct {
	EthWitness       []byte
	PublicDataOffset uint32
}

// CommitBlockInfo is the data of a block passed to commitBlocks
type CommitBlockInfo struct {
	NewStateHash      [32]byte
	PublicData        []byte
	Timestamp         *big.Int
	OnchainOperations []OnchainOperationData
	BlockNumber       uint32
	FeeAccount        uint32
}

// NewCommitBlockInfo returns the commit data of a sealed block
func NewCommitBlockInfo(b *Block) CommitBlockInfo {
	info := CommitBlockInfo{
		NewStateHash:      ethCommon.BigToHash(b.NewRootHash),
		PublicData:        b.PublicData(),
		Timestamp:         new(big.Int).SetUint64(b.Timestamp),
		OnchainOperations: []OnchainOperationData{},
		BlockNumber:       uint32(b.Number),
		FeeAccount:        uint32(b.FeeAccount),
	}
	offset := 0
	for _, op := range b.Operations() {
		if IsOnchainOp(op.OpCode()) {
			info.OnchainOperations = append(info.OnchainOperations, OnchainOperationData{
				EthWitness:       []byte{},
				PublicDataOffset: uint32(offset),
			})
		}
		offset += len(op.PublicData())
	}
	return info
}

// ExecuteBlockInfo is the data of a block passed to executeBlocks
type ExecuteBlockInfo struct {
	StoredBlock              StoredBlockInfo
	PendingOnchainOpsPubdata [][]byte
}

// NewExecuteBlockInfo returns the execute data of a sealed block
func NewExecuteBlockInfo(b *Block) ExecuteBlockInfo {
	info := ExecuteBlockInfo{
		StoredBlock:              NewStoredBlockInfo(b),
		PendingOnchainOpsPubdata: [][]byte{},
	}
	for _, op := range b.Operations() {
		if IsOnchainOp(op.OpCode()) {
			info.PendingOnchainOpsPubdata = append(info.PendingOnchainOpsPubdata, op.PublicData())
		}
	}
	return info
}

// ProofInput is the aggregated proof passed to proveBlocks
type ProofInput struct {
	RecursiveInput []*big.Int
	Proof          []*big.Int
	Commitments    []*big.Int
	VkIndexes      []uint8
	SubproofsLimbs []*big.Int
}
