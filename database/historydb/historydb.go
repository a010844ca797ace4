/*
Package historydb persists what the node has done: the sealed blocks with
their executed operations, the pending block of the state keeper, the token
registry and auth facts observed on L1, the prover job queue with the stored
proofs, and the aggregated operations sent to L1.

This package is split in different files following these ideas:
- historydb.go: constructor, blocks and pending blocks.
- tokens.go: token registry, auth facts and L1 watcher state.
- prover.go: prover job queue and proofs.
- ethsender.go: aggregated operations and the L1 txs sending them.
- apiqueries.go: functions used by the API, the queries implemented in this
functions use a semaphore to restrict the maximum concurrent connections to
the database.
- views.go: row types of the tables.
*/
package historydb

import (
	"encoding/json"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/database"

	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
)

// HistoryDB persist the historic of the rollup
type HistoryDB struct {
	dbRead     *sqlx.DB
	dbWrite    *sqlx.DB
	apiConnCon *database.APIConnectionController
}

// NewHistoryDB initialize the DB
func NewHistoryDB(dbRead, dbWrite *sqlx.DB, apiConnCon *database.APIConnectionController) *HistoryDB {
	return &HistoryDB{
		dbRead:     dbRead,
		dbWrite:    dbWrite,
		apiConnCon: apiConnCon,
	}
}

// DB returns a pointer to the HistoryDB.db. This method should be used only for
// internal testing purposes.
func (hdb *HistoryDB) DB() *sqlx.DB {
	return hdb.dbWrite
}

// AddBlock stores a sealed block with its account updates and executed
// operations, deletes the pending blocks it supersedes and queues its single
// block proof job, all in one transaction
func (hdb *HistoryDB) AddBlock(req *common.BlockCommitRequest) (err error) {
	txn, err := hdb.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	if err = hdb.addBlock(txn, req); err != nil {
		return common.Wrap(err)
	}
	if _, err = txn.Exec("DELETE FROM pending_blocks WHERE number <= $1;", req.Block.Number); err != nil {
		return common.Wrap(err)
	}
	if err = hdb.addProverJob(txn, &common.ProverJob{
		JobType:    common.ProverJobSingleBlock,
		FirstBlock: req.Block.Number,
		LastBlock:  req.Block.Number,
		BlockSize:  req.Block.BlockChunkSize,
		Status:     common.ProverJobIdle,
	}); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(txn.Commit())
}

func (hdb *HistoryDB) addBlock(d meddler.DB, req *common.BlockCommitRequest) error {
	block := &req.Block
	row := blockRow{
		Number:          block.Number,
		RootHash:        block.NewRootHash,
		FeeAccount:      block.FeeAccount,
		BlockChunkSize:  block.BlockChunkSize,
		Timestamp:       int64(block.Timestamp),
		Commitment:      block.Commitment,
		PriorityOpStart: int64(block.ProcessedPriorityOps[0]),
		PriorityOpEnd:   int64(block.ProcessedPriorityOps[1]),
		Data:            *block,
		CreatedAt:       time.Now().UTC(),
	}
	if err := meddler.Insert(d, "blocks", &row); err != nil {
		return common.Wrap(err)
	}
	updates := blockUpdatesRow{BlockNumber: block.Number, Updates: req.AccountUpdates}
	if updates.Updates == nil {
		updates.Updates = common.AccountUpdates{}
	}
	if err := meddler.Insert(d, "block_account_updates", &updates); err != nil {
		return common.Wrap(err)
	}

	var txs []ExecutedTxRow
	var ops []ExecutedPriorityOpRow
	for i := range block.Transactions {
		executed := &block.Transactions[i]
		switch {
		case executed.Tx != nil:
			txs = append(txs, executedTxRow(block.Number, executed.Tx))
		case executed.PriorityOp != nil:
			op := executed.PriorityOp
			ops = append(ops, ExecutedPriorityOpRow{
				SerialID:    int64(op.PriorityOp.SerialID),
				BlockNumber: block.Number,
				BlockIndex:  op.BlockIndex,
				EthHash:     op.PriorityOp.EthHash,
				EthBlock:    int64(op.PriorityOp.EthBlock),
				Op:          *op,
				CreatedAt:   op.CreatedAt.UTC(),
			})
		}
	}
	if len(txs) > 0 {
		if err := database.BulkInsert(d,
			`INSERT INTO executed_transactions (
				tx_hash,
				block_number,
				block_index,
				success,
				fail_code,
				fail_reason,
				batch_id,
				data,
				created_at
			) VALUES %s;`,
			txs,
		); err != nil {
			return common.Wrap(err)
		}
	}
	if len(ops) > 0 {
		if err := database.BulkInsert(d,
			`INSERT INTO executed_priority_operations (
				serial_id,
				block_number,
				block_index,
				eth_hash,
				eth_block,
				data,
				created_at
			) VALUES %s;`,
			ops,
		); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

func executedTxRow(number common.BlockNum, tx *common.ExecutedTx) ExecutedTxRow {
	return ExecutedTxRow{
		TxHash:      tx.SignedTx.Hash(),
		BlockNumber: number,
		BlockIndex:  tx.BlockIndex,
		Success:     tx.Success,
		FailCode:    tx.FailCode,
		FailReason:  tx.FailReason,
		BatchID:     tx.BatchID,
		Tx:          *tx,
		CreatedAt:   tx.CreatedAt.UTC(),
	}
}

// GetBlock returns a sealed block and its account updates
func (hdb *HistoryDB) GetBlock(number common.BlockNum) (*common.Block, common.AccountUpdates, error) {
	row := &blockRow{}
	if err := meddler.QueryRow(
		hdb.dbRead, row, "SELECT * FROM blocks WHERE number = $1;", number,
	); err != nil {
		return nil, nil, common.Wrap(err)
	}
	updates := &blockUpdatesRow{}
	if err := meddler.QueryRow(
		hdb.dbRead, updates,
		"SELECT * FROM block_account_updates WHERE block_number = $1;", number,
	); err != nil {
		return nil, nil, common.Wrap(err)
	}
	return &row.Data, updates.Updates, nil
}

// GetBlocks returns the sealed blocks in [from, to] in order
func (hdb *HistoryDB) GetBlocks(from, to common.BlockNum) ([]common.Block, error) {
	var rows []*blockRow
	if err := meddler.QueryAll(
		hdb.dbRead, &rows,
		"SELECT * FROM blocks WHERE $1 <= number AND number <= $2 ORDER BY number;",
		from, to,
	); err != nil {
		return nil, common.Wrap(err)
	}
	blocks := make([]common.Block, len(rows))
	for i := range rows {
		blocks[i] = rows[i].Data
	}
	return blocks, nil
}

// LastBlockNum returns the number of the last sealed block, 0 when there
// is none
func (hdb *HistoryDB) LastBlockNum() (common.BlockNum, error) {
	var number int64
	err := hdb.dbRead.Get(&number, "SELECT COALESCE(MAX(number), 0) FROM blocks;")
	return common.BlockNum(number), common.Wrap(err)
}

// DeleteBlocksAfter removes the blocks above number with everything that
// refers to them.  It is used when blocks are reverted on L1.
func (hdb *HistoryDB) DeleteBlocksAfter(number common.BlockNum) (err error) {
	txn, err := hdb.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	for _, q := range []string{
		"DELETE FROM executed_transactions WHERE block_number > $1;",
		"DELETE FROM executed_priority_operations WHERE block_number > $1;",
		"DELETE FROM prover_job_queue WHERE last_block > $1;",
		"DELETE FROM stored_proofs WHERE last_block > $1;",
		"DELETE FROM pending_blocks WHERE number > $1;",
		"DELETE FROM blocks WHERE number > $1;",
	} {
		if _, err = txn.Exec(q, number); err != nil {
			return common.Wrap(err)
		}
	}
	return common.Wrap(txn.Commit())
}

// SavePendingBlock stores the pending block.  A snapshot with fewer stored
// account updates than the one already persisted for the same number is
// ignored.
func (hdb *HistoryDB) SavePendingBlock(pb *common.PendingBlock) error {
	data, err := json.Marshal(pb)
	if err != nil {
		return common.Wrap(err)
	}
	_, err = hdb.dbWrite.Exec(
		`INSERT INTO pending_blocks (
			number,
			chunks_left,
			unprocessed_priority_op_before,
			iteration,
			stored_account_updates,
			timestamp,
			data,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (number) DO UPDATE SET
			chunks_left = EXCLUDED.chunks_left,
			unprocessed_priority_op_before = EXCLUDED.unprocessed_priority_op_before,
			iteration = EXCLUDED.iteration,
			stored_account_updates = EXCLUDED.stored_account_updates,
			timestamp = EXCLUDED.timestamp,
			data = EXCLUDED.data,
			updated_at = EXCLUDED.updated_at
		WHERE pending_blocks.stored_account_updates <= EXCLUDED.stored_account_updates;`,
		pb.Number, pb.ChunksLeft, int64(pb.UnprocessedPriorityOpBefore), pb.Iteration,
		pb.StoredAccountUpdates, int64(pb.Timestamp), data, time.Now().UTC(),
	)
	return common.Wrap(err)
}

// PendingBlocks returns the pending blocks with a number above after, in
// order
func (hdb *HistoryDB) PendingBlocks(after common.BlockNum) ([]*common.PendingBlock, error) {
	var rows []*pendingBlockRow
	if err := meddler.QueryAll(
		hdb.dbRead, &rows,
		"SELECT * FROM pending_blocks WHERE number > $1 ORDER BY number;", after,
	); err != nil {
		return nil, common.Wrap(err)
	}
	pendings := make([]*common.PendingBlock, len(rows))
	for i := range rows {
		pendings[i] = &rows[i].Data
	}
	return pendings, nil
}

// LastExecutedPriorityOp returns the executed priority op with the highest
// serial id, nil when none has been executed
func (hdb *HistoryDB) LastExecutedPriorityOp() (*common.ExecutedPriorityOp, error) {
	row := &ExecutedPriorityOpRow{}
	err := meddler.QueryRow(
		hdb.dbRead, row,
		"SELECT * FROM executed_priority_operations ORDER BY serial_id DESC LIMIT 1;",
	)
	if common.Unwrap(err) == database.ErrNotFound {
		return nil, nil
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	return &row.Op, nil
}
