package historydb

import (
	"math/big"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/database"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
)

// AddAggregatedOperation stores an aggregated operation and sets its id
func (hdb *HistoryDB) AddAggregatedOperation(op *common.AggregatedOperation) error {
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	return common.Wrap(meddler.Insert(hdb.dbWrite, "aggregated_operations", op))
}

// GetAggregatedOperation returns an aggregated operation
func (hdb *HistoryDB) GetAggregatedOperation(id int64) (*common.AggregatedOperation, error) {
	op := &common.AggregatedOperation{}
	err := meddler.QueryRow(
		hdb.dbRead, op, "SELECT * FROM aggregated_operations WHERE id = $1;", id,
	)
	return op, common.Wrap(err)
}

// LastAggregatedBlock returns the last block covered by an aggregated
// operation of the type, 0 when there is none
func (hdb *HistoryDB) LastAggregatedBlock(actionType common.AggregatedActionType) (common.BlockNum, error) {
	var n int64
	err := hdb.dbRead.Get(&n,
		"SELECT COALESCE(MAX(to_block), 0) FROM aggregated_operations WHERE action_type = $1;",
		actionType,
	)
	return common.BlockNum(n), common.Wrap(err)
}

// LastConfirmedBlock returns the last block covered by a confirmed
// aggregated operation of the type, 0 when there is none
func (hdb *HistoryDB) LastConfirmedBlock(actionType common.AggregatedActionType) (common.BlockNum, error) {
	var n int64
	err := hdb.dbRead.Get(&n,
		`SELECT COALESCE(MAX(to_block), 0) FROM aggregated_operations
		WHERE action_type = $1 AND confirmed;`,
		actionType,
	)
	return common.BlockNum(n), common.Wrap(err)
}

// GetUnsentAggregatedOperations returns the aggregated operations that have
// no L1 tx yet, in creation order
func (hdb *HistoryDB) GetUnsentAggregatedOperations() ([]common.AggregatedOperation, error) {
	var ops []*common.AggregatedOperation
	err := meddler.QueryAll(
		hdb.dbRead, &ops,
		`SELECT * FROM aggregated_operations a
		WHERE NOT a.confirmed AND NOT EXISTS (
			SELECT 1 FROM eth_operations e WHERE e.aggregated_op_id = a.id
		) ORDER BY a.id;`,
	)
	return database.SlicePtrsToSlice(ops).([]common.AggregatedOperation), common.Wrap(err)
}

// AddEthOperation stores the first L1 tx of an aggregated operation and
// sets the id of op
func (hdb *HistoryDB) AddEthOperation(op *common.EthOperation) (err error) {
	txn, err := hdb.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	if err = meddler.Insert(txn, "eth_operations", op); err != nil {
		return common.Wrap(err)
	}
	for _, hash := range op.TxHashes {
		if err = addEthTxHash(txn, op.ID, hash); err != nil {
			return common.Wrap(err)
		}
	}
	return common.Wrap(txn.Commit())
}

func addEthTxHash(txn *sqlx.Tx, opID int64, hash ethCommon.Hash) error {
	return common.Wrap(meddler.Insert(txn, "eth_tx_hashes", &ethTxHashRow{EthOpID: opID, TxHash: hash}))
}

// ReplaceEthTx records the resubmission of an L1 tx with a new gas price
func (hdb *HistoryDB) ReplaceEthTx(opID int64, hash ethCommon.Hash, gasPrice *big.Int,
	rawTx []byte, deadline int64) (err error) {
	txn, err := hdb.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	res, err := txn.Exec(
		`UPDATE eth_operations SET last_used_gas_price = $1, raw_tx = $2, deadline_block = $3
		WHERE id = $4;`,
		gasPrice.String(), rawTx, deadline, opID,
	)
	if err != nil {
		return common.Wrap(err)
	}
	if err = database.RowsAffected(res, "eth operation"); err != nil {
		return err
	}
	if err = addEthTxHash(txn, opID, hash); err != nil {
		return err
	}
	return common.Wrap(txn.Commit())
}

// DeleteEthOperation forgets an L1 tx and its hashes, so its aggregated
// operation is sent again
func (hdb *HistoryDB) DeleteEthOperation(opID int64) error {
	res, err := hdb.dbWrite.Exec("DELETE FROM eth_operations WHERE id = $1;", opID)
	if err != nil {
		return common.Wrap(err)
	}
	return database.RowsAffected(res, "eth operation")
}

// ConfirmEthOperation marks an L1 tx and its aggregated operation as
// confirmed
func (hdb *HistoryDB) ConfirmEthOperation(opID int64, finalHash ethCommon.Hash) (err error) {
	txn, err := hdb.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	var aggregatedID int64
	if err = txn.Get(&aggregatedID,
		`UPDATE eth_operations SET confirmed = TRUE, final_hash = $1
		WHERE id = $2 RETURNING aggregated_op_id;`,
		finalHash, opID,
	); err != nil {
		return common.Wrap(err)
	}
	if _, err = txn.Exec(
		"UPDATE aggregated_operations SET confirmed = TRUE WHERE id = $1;", aggregatedID,
	); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(txn.Commit())
}

// GetUnconfirmedEthOperations returns the L1 txs still in flight with their
// hashes, in nonce order
func (hdb *HistoryDB) GetUnconfirmedEthOperations() ([]common.EthOperation, error) {
	var ops []*common.EthOperation
	if err := meddler.QueryAll(
		hdb.dbRead, &ops,
		"SELECT * FROM eth_operations WHERE NOT confirmed ORDER BY nonce;",
	); err != nil {
		return nil, common.Wrap(err)
	}
	if len(ops) == 0 {
		return []common.EthOperation{}, nil
	}
	ids := make([]int64, len(ops))
	byID := make(map[int64]*common.EthOperation, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
		byID[op.ID] = op
	}
	query, args, err := sqlx.In(
		"SELECT eth_op_id, tx_hash FROM eth_tx_hashes WHERE eth_op_id IN (?) ORDER BY created_at, tx_hash;",
		ids,
	)
	if err != nil {
		return nil, common.Wrap(err)
	}
	var hashes []*ethTxHashRow
	if err := meddler.QueryAll(hdb.dbRead, &hashes, hdb.dbRead.Rebind(query), args...); err != nil {
		return nil, common.Wrap(err)
	}
	for _, h := range hashes {
		op := byID[h.EthOpID]
		op.TxHashes = append(op.TxHashes, h.TxHash)
	}
	return database.SlicePtrsToSlice(ops).([]common.EthOperation), nil
}
