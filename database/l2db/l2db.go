/*
Package l2db is responsible for storing and retrieving the off-chain txs received by
the node through the api, until they are executed by the state keeper or expire.

The data managed by this package is fundamentally SignedTx and TxBatch. This data comes
from the API sent by clients and is loaded by the mempool on startup, so that the
txs that were admitted before a restart are not lost.  The API never writes
here directly: submitted txs go through the mempool admission checks first.
*/
package l2db

import (
	"fmt"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/database"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
)

var (
	errPoolFull = fmt.Errorf("the pool is at full capacity. More transactions are not accepted currently")
)

// PoolTx is a row of the mempool_txs table
type PoolTx struct {
	ID        int64           `meddler:"id,pk"`
	TxHash    ethCommon.Hash  `meddler:"tx_hash"`
	BatchID   *int64          `meddler:"batch_id"`
	Tx        common.SignedTx `meddler:"data,json"`
	CreatedAt time.Time       `meddler:"created_at,utctime"`
}

// PoolBatch is a batch of the pool with the id it was stored with
type PoolBatch struct {
	ID    int64
	Batch common.TxBatch
}

type poolBatchRow struct {
	BatchID      int64     `meddler:"batch_id,pk"`
	EthSignature []byte    `meddler:"eth_signature"`
	CreatedAt    time.Time `meddler:"created_at,utctime"`
}

// L2DB stores the txs received by the node and keeps them until they are
// executed or they expire
type L2DB struct {
	dbRead  *sqlx.DB
	dbWrite *sqlx.DB
	ttl     time.Duration
	maxTxs  uint32 // limit of txs that are accepted in the pool
}

// NewL2DB creates a L2DB.
// To create it, it's needed db connection, maxTxs that the DB should have and
// TTL (time to live) for pending txs.
func NewL2DB(
	dbRead, dbWrite *sqlx.DB,
	maxTxs uint32,
	TTL time.Duration,
) *L2DB {
	return &L2DB{
		dbRead:  dbRead,
		dbWrite: dbWrite,
		ttl:     TTL,
		maxTxs:  maxTxs,
	}
}

// DB returns a pointer to the L2DB.db. This method should be used only for
// internal testing purposes.
func (l2db *L2DB) DB() *sqlx.DB {
	return l2db.dbWrite
}

func (l2db *L2DB) checkPoolIsFull(d sqlx.Queryer, newTxs int) error {
	if l2db.maxTxs == 0 {
		return nil
	}
	var count uint32
	if err := sqlx.Get(d, &count, "SELECT COUNT(*) FROM mempool_txs;"); err != nil {
		return common.Wrap(err)
	}
	if count+uint32(newTxs) > l2db.maxTxs {
		return common.Wrap(errPoolFull)
	}
	return nil
}

// AddTx inserts a single tx into the pool
func (l2db *L2DB) AddTx(stx *common.SignedTx) error {
	if err := l2db.checkPoolIsFull(l2db.dbRead, 1); err != nil {
		return err
	}
	return common.Wrap(l2db.addTx(l2db.dbWrite, stx, nil))
}

// AddTxTest inserts a tx into the L2DB, without checking if the pool is full.
// This is useful for test purposes.
func (l2db *L2DB) AddTxTest(stx *common.SignedTx) error {
	return common.Wrap(l2db.addTx(l2db.dbWrite, stx, nil))
}

func (l2db *L2DB) addTx(d meddler.DB, stx *common.SignedTx, batchID *int64) error {
	row := &PoolTx{
		TxHash:    stx.Hash(),
		BatchID:   batchID,
		Tx:        *stx,
		CreatedAt: time.Now().UTC(),
	}
	return common.Wrap(meddler.Insert(d, "mempool_txs", row))
}

// AddBatch inserts the txs of a batch atomically and returns the id of the
// batch
func (l2db *L2DB) AddBatch(batch *common.TxBatch) (batchID int64, err error) {
	txn, err := l2db.dbWrite.Beginx()
	if err != nil {
		return 0, common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	if err = l2db.checkPoolIsFull(txn, len(batch.Txs)); err != nil {
		return 0, err
	}
	row := &poolBatchRow{
		EthSignature: batch.EthSignature,
		CreatedAt:    time.Now().UTC(),
	}
	if err = meddler.Insert(txn, "mempool_batches", row); err != nil {
		return 0, common.Wrap(err)
	}
	for i := range batch.Txs {
		if err = l2db.addTx(txn, &batch.Txs[i], &row.BatchID); err != nil {
			return 0, err
		}
	}
	return row.BatchID, common.Wrap(txn.Commit())
}

// GetTx returns the pool tx with the given hash
func (l2db *L2DB) GetTx(hash ethCommon.Hash) (*PoolTx, error) {
	tx := new(PoolTx)
	return tx, common.Wrap(meddler.QueryRow(
		l2db.dbRead, tx,
		"SELECT * FROM mempool_txs WHERE tx_hash = $1;",
		hash,
	))
}

// GetPendingTxs returns all the rows of the pool in insertion order
func (l2db *L2DB) GetPendingTxs() ([]PoolTx, error) {
	var txs []*PoolTx
	err := meddler.QueryAll(
		l2db.dbRead, &txs,
		"SELECT * FROM mempool_txs ORDER BY id;",
	)
	if len(txs) == 0 {
		return []PoolTx{}, common.Wrap(err)
	}
	return database.SlicePtrsToSlice(txs).([]PoolTx), common.Wrap(err)
}

// Load returns the single txs and the batches of the pool, both in
// submission order
func (l2db *L2DB) Load() ([]common.SignedTx, []PoolBatch, error) {
	rows, err := l2db.GetPendingTxs()
	if err != nil {
		return nil, nil, err
	}
	var batchRows []*poolBatchRow
	if err := meddler.QueryAll(
		l2db.dbRead, &batchRows,
		"SELECT * FROM mempool_batches ORDER BY batch_id;",
	); err != nil {
		return nil, nil, common.Wrap(err)
	}
	batches := make([]PoolBatch, 0, len(batchRows))
	index := make(map[int64]int, len(batchRows))
	for _, b := range batchRows {
		index[b.BatchID] = len(batches)
		batches = append(batches, PoolBatch{
			ID:    b.BatchID,
			Batch: common.TxBatch{EthSignature: b.EthSignature},
		})
	}
	singles := []common.SignedTx{}
	for i := range rows {
		if rows[i].BatchID == nil {
			singles = append(singles, rows[i].Tx)
			continue
		}
		j, ok := index[*rows[i].BatchID]
		if !ok {
			return nil, nil, common.Wrap(fmt.Errorf("tx %s references unknown batch %d",
				rows[i].TxHash.Hex(), *rows[i].BatchID))
		}
		batches[j].Batch.Txs = append(batches[j].Batch.Txs, rows[i].Tx)
	}
	return singles, batches, nil
}

// RemoveTxs deletes the txs with the given hashes.  Removing a tx of a batch
// removes the whole batch.
func (l2db *L2DB) RemoveTxs(hashes []ethCommon.Hash) (err error) {
	if len(hashes) == 0 {
		return nil
	}
	raw := make([][]byte, len(hashes))
	for i := range hashes {
		raw[i] = hashes[i].Bytes()
	}
	txn, err := l2db.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	query, args, err := sqlx.In(
		`DELETE FROM mempool_batches WHERE batch_id IN
		(SELECT batch_id FROM mempool_txs WHERE tx_hash IN (?) AND batch_id IS NOT NULL);`,
		raw,
	)
	if err != nil {
		return common.Wrap(err)
	}
	if _, err = txn.Exec(txn.Rebind(query), args...); err != nil {
		return common.Wrap(err)
	}
	query, args, err = sqlx.In("DELETE FROM mempool_txs WHERE tx_hash IN (?);", raw)
	if err != nil {
		return common.Wrap(err)
	}
	if _, err = txn.Exec(txn.Rebind(query), args...); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(txn.Commit())
}

// RemoveBatch deletes a batch and its txs
func (l2db *L2DB) RemoveBatch(batchID int64) error {
	_, err := l2db.dbWrite.Exec("DELETE FROM mempool_batches WHERE batch_id = $1;", batchID)
	return common.Wrap(err)
}

// Purge deletes the txs that have been in the pool for longer than the TTL
// and returns the number of deleted rows
func (l2db *L2DB) Purge(now time.Time) (int64, error) {
	if l2db.ttl == 0 {
		return 0, nil
	}
	limit := now.UTC().Add(-l2db.ttl)
	res, err := l2db.dbWrite.Exec(
		`DELETE FROM mempool_batches WHERE created_at < $1;`, limit,
	)
	if err != nil {
		return 0, common.Wrap(err)
	}
	batches, err := res.RowsAffected()
	if err != nil {
		return 0, common.Wrap(err)
	}
	res, err = l2db.dbWrite.Exec(
		`DELETE FROM mempool_txs WHERE batch_id IS NULL AND created_at < $1;`, limit,
	)
	if err != nil {
		return 0, common.Wrap(err)
	}
	singles, err := res.RowsAffected()
	return batches + singles, common.Wrap(err)
}
