package common

import (
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// AggregatedActionType is the L1 entry point an aggregated operation calls
type AggregatedActionType string

const (
	// ActionCommitBlocks calls commitBlocks
	ActionCommitBlocks AggregatedActionType = "CommitBlocks"
	// ActionProveBlocks calls proveBlocks
	ActionProveBlocks AggregatedActionType = "ProveBlocks"
	// ActionExecuteBlocks calls executeBlocks
	ActionExecuteBlocks AggregatedActionType = "ExecuteBlocks"
	// ActionCompleteWithdrawals calls completeWithdrawals
	ActionCompleteWithdrawals AggregatedActionType = "CompleteWithdrawals"
)

// AggregatedOperation is an action over the block range [FromBlock, ToBlock]
type AggregatedOperation struct {
	ID         int64                `json:"id" meddler:"id,pk"`
	ActionType AggregatedActionType `json:"actionType" meddler:"action_type"`
	FromBlock  BlockNum             `json:"fromBlock" meddler:"from_block"`
	ToBlock    BlockNum             `json:"toBlock" meddler:"to_block"`
	Confirmed  bool                 `json:"confirmed" meddler:"confirmed"`
	CreatedAt  time.Time            `json:"createdAt" meddler:"created_at,utctime"`
}

// EthOperation is the L1 tx sending an aggregated operation.  Every
// resubmission keeps the nonce and adds a hash.
type EthOperation struct {
	ID               int64            `meddler:"id,pk"`
	AggregatedOpID   int64            `meddler:"aggregated_op_id"`
	Nonce            uint64           `meddler:"nonce"`
	DeadlineBlock    int64            `meddler:"deadline_block"`
	LastUsedGasPrice *big.Int         `meddler:"last_used_gas_price,bigint"`
	RawTx            []byte           `meddler:"raw_tx"`
	Confirmed        bool             `meddler:"confirmed"`
	FinalHash        *ethCommon.Hash  `meddler:"final_hash"`
	TxHashes         []ethCommon.Hash `meddler:"-"`
}

// LastTxHash returns the hash of the last sent tx
func (op *EthOperation) LastTxHash() ethCommon.Hash {
	if len(op.TxHashes) == 0 {
		return ethCommon.Hash{}
	}
	return op.TxHashes[len(op.TxHashes)-1]
}
