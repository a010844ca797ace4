package historydb

import (
	"zkrollup-node/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/russross/meddler"
)

// GetBlockAPI returns a sealed block, limiting the concurrent connections
// used by the API
func (hdb *HistoryDB) GetBlockAPI(number common.BlockNum) (*common.Block, error) {
	cancel, err := hdb.apiConnCon.Acquire()
	defer cancel()
	if err != nil {
		return nil, common.Wrap(err)
	}
	defer hdb.apiConnCon.Release()
	row := &blockRow{}
	if err := meddler.QueryRow(
		hdb.dbRead, row, "SELECT * FROM blocks WHERE number = $1;", number,
	); err != nil {
		return nil, common.Wrap(err)
	}
	return &row.Data, nil
}

// GetExecutedTxAPI returns the executions of a tx, the last one first.  A
// tx that failed can be executed again in a later block.
func (hdb *HistoryDB) GetExecutedTxAPI(hash ethCommon.Hash) ([]ExecutedTxRow, error) {
	cancel, err := hdb.apiConnCon.Acquire()
	defer cancel()
	if err != nil {
		return nil, common.Wrap(err)
	}
	defer hdb.apiConnCon.Release()
	var rows []*ExecutedTxRow
	if err := meddler.QueryAll(
		hdb.dbRead, &rows,
		"SELECT * FROM executed_transactions WHERE tx_hash = $1 ORDER BY block_number DESC;",
		hash,
	); err != nil {
		return nil, common.Wrap(err)
	}
	out := make([]ExecutedTxRow, len(rows))
	for i := range rows {
		out[i] = *rows[i]
	}
	return out, nil
}

// GetPriorityOpAPI returns an executed priority op from its serial id
func (hdb *HistoryDB) GetPriorityOpAPI(serialID uint64) (*ExecutedPriorityOpRow, error) {
	cancel, err := hdb.apiConnCon.Acquire()
	defer cancel()
	if err != nil {
		return nil, common.Wrap(err)
	}
	defer hdb.apiConnCon.Release()
	row := &ExecutedPriorityOpRow{}
	if err := meddler.QueryRow(
		hdb.dbRead, row,
		"SELECT * FROM executed_priority_operations WHERE serial_id = $1;", int64(serialID),
	); err != nil {
		return nil, common.Wrap(err)
	}
	return row, nil
}

// GetPendingBlockAPI returns the block under construction, nil when the
// state keeper has not stored one
func (hdb *HistoryDB) GetPendingBlockAPI() (*common.PendingBlock, error) {
	cancel, err := hdb.apiConnCon.Acquire()
	defer cancel()
	if err != nil {
		return nil, common.Wrap(err)
	}
	defer hdb.apiConnCon.Release()
	var rows []*pendingBlockRow
	if err := meddler.QueryAll(
		hdb.dbRead, &rows,
		"SELECT * FROM pending_blocks ORDER BY number DESC LIMIT 1;",
	); err != nil {
		return nil, common.Wrap(err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0].Data, nil
}
