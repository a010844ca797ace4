package l2db

import (
	"os"
	"testing"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/database"
	"zkrollup-node/log"
	"zkrollup-node/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var l2DB *L2DB

func TestMain(m *testing.M) {
	log.Init("debug", []string{"stdout"})
	// init DB
	db, err := database.InitTestSQLDB()
	if err != nil {
		log.Warnw("L2DB tests skipped", "err", err)
		os.Exit(m.Run())
	}
	l2DB = NewL2DB(db, db, 10, 24*time.Hour)
	// Run tests
	result := m.Run()
	// Close DB
	if err := db.Close(); err != nil {
		log.Error("Error closing the L2 DB:", err)
	}
	os.Exit(result)
}

func setup(t *testing.T) (*test.Account, *test.Account) {
	if l2DB == nil {
		test.RequireDB(t, nil)
	}
	test.WipeDB(l2DB.DB())
	a := test.NewAccount(t, 1)
	a.ID = 1
	b := test.NewAccount(t, 2)
	b.ID = 2
	return a, b
}

func TestAddAndLoad(t *testing.T) {
	a, b := setup(t)

	single := a.Transfer(b.Address, 0, 100, 1, 0)
	require.NoError(t, l2DB.AddTx(single))
	batch := &common.TxBatch{Txs: []common.SignedTx{
		*b.Transfer(a.Address, 0, 10, 0, 0),
		*b.Transfer(a.Address, 0, 20, 0, 1),
	}}
	batchID, err := l2DB.AddBatch(batch)
	require.NoError(t, err)
	last := a.Withdraw(0, 5, 1, 1)
	require.NoError(t, l2DB.AddTx(last))

	singles, batches, err := l2DB.Load()
	require.NoError(t, err)
	require.Equal(t, 2, len(singles))
	assert.Equal(t, single.Hash(), singles[0].Hash())
	assert.Equal(t, last.Hash(), singles[1].Hash())
	require.Equal(t, 1, len(batches))
	assert.Equal(t, batchID, batches[0].ID)
	assert.Equal(t, batch.Hash(), batches[0].Batch.Hash())

	row, err := l2DB.GetTx(single.Hash())
	require.NoError(t, err)
	assert.Nil(t, row.BatchID)
}

func TestRemoveTxs(t *testing.T) {
	a, b := setup(t)

	single := a.Transfer(b.Address, 0, 100, 1, 0)
	require.NoError(t, l2DB.AddTx(single))
	batch := &common.TxBatch{Txs: []common.SignedTx{
		*b.Transfer(a.Address, 0, 10, 0, 0),
		*b.Transfer(a.Address, 0, 20, 0, 1),
	}}
	_, err := l2DB.AddBatch(batch)
	require.NoError(t, err)

	// one tx of the batch removes the whole batch
	require.NoError(t, l2DB.RemoveTxs([]ethCommon.Hash{batch.Txs[1].Hash(), single.Hash()}))
	singles, batches, err := l2DB.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, len(singles))
	assert.Equal(t, 0, len(batches))
	rows, err := l2DB.GetPendingTxs()
	require.NoError(t, err)
	assert.Equal(t, 0, len(rows))
}

func TestPoolFull(t *testing.T) {
	a, b := setup(t)
	for i := 0; i < 10; i++ {
		require.NoError(t, l2DB.AddTx(a.Transfer(b.Address, 0, int64(i+1), 0, common.Nonce(i))))
	}
	err := l2DB.AddTx(a.Transfer(b.Address, 0, 100, 0, 10))
	assert.Equal(t, errPoolFull, common.Unwrap(err))
	_, err = l2DB.AddBatch(&common.TxBatch{Txs: []common.SignedTx{*b.Transfer(a.Address, 0, 1, 0, 0)}})
	assert.Equal(t, errPoolFull, common.Unwrap(err))
}

func TestPurge(t *testing.T) {
	a, b := setup(t)
	require.NoError(t, l2DB.AddTx(a.Transfer(b.Address, 0, 1, 0, 0)))
	_, err := l2DB.AddBatch(&common.TxBatch{Txs: []common.SignedTx{*b.Transfer(a.Address, 0, 1, 0, 0)}})
	require.NoError(t, err)

	n, err := l2DB.Purge(time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = l2DB.Purge(time.Now().Add(25 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	rows, err := l2DB.GetPendingTxs()
	require.NoError(t, err)
	assert.Equal(t, 0, len(rows))
}
