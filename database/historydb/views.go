package historydb

import (
	"math/big"
	"time"

	"zkrollup-node/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// blockRow is a row of the blocks table
type blockRow struct {
	Number          common.BlockNum  `meddler:"number"`
	RootHash        *big.Int         `meddler:"root_hash,bigint"`
	FeeAccount      common.AccountID `meddler:"fee_account"`
	BlockChunkSize  int              `meddler:"block_chunk_size"`
	Timestamp       int64            `meddler:"timestamp"`
	Commitment      ethCommon.Hash   `meddler:"commitment"`
	PriorityOpStart int64            `meddler:"priority_op_start"`
	PriorityOpEnd   int64            `meddler:"priority_op_end"`
	Data            common.Block     `meddler:"data,json"`
	CreatedAt       time.Time        `meddler:"created_at,utctime"`
}

type blockUpdatesRow struct {
	BlockNumber common.BlockNum       `meddler:"block_number"`
	Updates     common.AccountUpdates `meddler:"updates,json"`
}

// pendingBlockRow is a row of the pending_blocks table
type pendingBlockRow struct {
	Number                      common.BlockNum     `meddler:"number"`
	ChunksLeft                  int                 `meddler:"chunks_left"`
	UnprocessedPriorityOpBefore int64               `meddler:"unprocessed_priority_op_before"`
	Iteration                   int                 `meddler:"iteration"`
	StoredAccountUpdates        int                 `meddler:"stored_account_updates"`
	Timestamp                   int64               `meddler:"timestamp"`
	Data                        common.PendingBlock `meddler:"data,json"`
	UpdatedAt                   time.Time           `meddler:"updated_at,utctime"`
}

// ExecutedTxRow is a row of the executed_transactions table.  The fields
// follow the column order for bulk inserts.
type ExecutedTxRow struct {
	TxHash      ethCommon.Hash    `meddler:"tx_hash"`
	BlockNumber common.BlockNum   `meddler:"block_number"`
	BlockIndex  *uint32           `meddler:"block_index"`
	Success     bool              `meddler:"success"`
	FailCode    string            `meddler:"fail_code"`
	FailReason  string            `meddler:"fail_reason"`
	BatchID     int64             `meddler:"batch_id"`
	Tx          common.ExecutedTx `meddler:"data,json"`
	CreatedAt   time.Time         `meddler:"created_at,utctime"`
}

// ExecutedPriorityOpRow is a row of the executed_priority_operations table.
// The fields follow the column order for bulk inserts.
type ExecutedPriorityOpRow struct {
	SerialID    int64                     `meddler:"serial_id"`
	BlockNumber common.BlockNum           `meddler:"block_number"`
	BlockIndex  uint32                    `meddler:"block_index"`
	EthHash     ethCommon.Hash            `meddler:"eth_hash"`
	EthBlock    int64                     `meddler:"eth_block"`
	Op          common.ExecutedPriorityOp `meddler:"data,json"`
	CreatedAt   time.Time                 `meddler:"created_at,utctime"`
}

type storedProofRow struct {
	JobType    common.ProverJobType `meddler:"job_type"`
	FirstBlock common.BlockNum      `meddler:"first_block"`
	LastBlock  common.BlockNum      `meddler:"last_block"`
	Proof      common.Proof         `meddler:"proof,json"`
	CreatedAt  time.Time            `meddler:"created_at,utctime"`
}

type ethTxHashRow struct {
	EthOpID int64          `meddler:"eth_op_id"`
	TxHash  ethCommon.Hash `meddler:"tx_hash"`
}
