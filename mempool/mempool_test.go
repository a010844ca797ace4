package mempool

import (
	"errors"
	"math/big"
	"testing"

	"zkrollup-node/common"
	"zkrollup-node/database/l2db"
	"zkrollup-node/log"
	"zkrollup-node/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
}

type memStorage struct {
	singles []common.SignedTx
	batches []l2db.PoolBatch
	removed []ethCommon.Hash
	nextID  int64
}

func (s *memStorage) AddTx(stx *common.SignedTx) error {
	s.singles = append(s.singles, *stx)
	return nil
}

func (s *memStorage) AddBatch(batch *common.TxBatch) (int64, error) {
	s.nextID++
	s.batches = append(s.batches, l2db.PoolBatch{ID: s.nextID, Batch: *batch})
	return s.nextID, nil
}

func (s *memStorage) RemoveTxs(hashes []ethCommon.Hash) error {
	s.removed = append(s.removed, hashes...)
	return nil
}

func (s *memStorage) Load() ([]common.SignedTx, []l2db.PoolBatch, error) {
	return s.singles, s.batches, nil
}

type tokenSet map[common.TokenID]bool

func (ts tokenSet) IsTokenAcceptable(token common.TokenID) (bool, error) {
	return ts[token], nil
}

type nonceMap map[common.AccountID]common.Nonce

func (nm nonceMap) CommittedNonce(id common.AccountID) (common.Nonce, bool) {
	n, ok := nm[id]
	return n, ok
}

var testConfig = Config{ExecutedCacheSize: 16, MaxBatchSize: 4, MaxBlockChunks: 32}

func newTestMempool(t *testing.T) (*Mempool, *memStorage) {
	storage := &memStorage{}
	m, err := NewMempool(testConfig, storage, tokenSet{0: true, 1: true},
		nonceMap{1: 3, 2: 0})
	require.NoError(t, err)
	return m, storage
}

func accounts(t *testing.T) (*test.Account, *test.Account) {
	a := test.NewAccount(t, 1)
	a.ID = 1
	b := test.NewAccount(t, 2)
	b.ID = 2
	return a, b
}

func TestAdmission(t *testing.T) {
	m, storage := newTestMempool(t)
	a, b := accounts(t)

	require.NoError(t, m.AddTx(a.Transfer(b.Address, 0, 100, 1, 3)))
	assert.Equal(t, 1, len(storage.singles))

	// resubmission
	err := m.AddTx(a.Transfer(b.Address, 0, 100, 1, 3))
	assert.True(t, errors.Is(common.Unwrap(err), ErrTxAlreadyKnown))

	// below the committed nonce
	err = m.AddTx(a.Transfer(b.Address, 0, 100, 1, 2))
	assert.True(t, common.IsKind(err, common.KindNonceMismatch))

	// fee token not accepted
	err = m.AddTx(b.Transfer(a.Address, 2, 100, 1, 0))
	assert.True(t, common.IsKind(err, common.KindTokenNotAcceptable))
	// no fee, no fee token check
	require.NoError(t, m.AddTx(b.Transfer(a.Address, 2, 100, 0, 0)))

	// not packable amount
	stx := b.Transfer(a.Address, 0, 0, 0, 1)
	stx.Tx.(*common.Transfer).Amount = big.NewInt(123456789012345)
	common.SignTx(stx.Tx, &b.SK)
	err = m.AddTx(stx)
	assert.True(t, common.IsKind(err, common.KindAmountsNotPackable))

	// tampered signature
	stx = b.Transfer(a.Address, 0, 10, 0, 2)
	stx.Tx.(*common.Transfer).Amount = big.NewInt(11)
	err = m.AddTx(stx)
	assert.Error(t, err)

	// missing signature
	stx = b.Transfer(a.Address, 0, 10, 0, 3)
	stx.Tx.SetZkSignature(nil)
	err = m.AddTx(stx)
	assert.True(t, common.IsKind(err, common.KindSignatureInvalid))

	assert.Equal(t, 2, m.Size())
	assert.Equal(t, 2, len(storage.singles))
}

func TestAddBatch(t *testing.T) {
	m, _ := newTestMempool(t)
	a, b := accounts(t)

	err := m.AddBatch(&common.TxBatch{})
	assert.True(t, common.IsKind(err, common.KindInvalidBatch))

	tx := a.Transfer(b.Address, 0, 100, 1, 3)
	err = m.AddBatch(&common.TxBatch{Txs: []common.SignedTx{*tx, *tx}})
	assert.True(t, common.IsKind(err, common.KindInvalidBatch))

	oversized := &common.TxBatch{}
	for i := 0; i < 5; i++ {
		oversized.Txs = append(oversized.Txs, *a.Transfer(b.Address, 0, 100, 1, common.Nonce(3+i)))
	}
	err = m.AddBatch(oversized)
	assert.True(t, common.IsKind(err, common.KindInvalidBatch))

	// a bad tx rejects the whole batch
	err = m.AddBatch(&common.TxBatch{Txs: []common.SignedTx{
		*a.Transfer(b.Address, 0, 100, 1, 3),
		*a.Transfer(b.Address, 0, 100, 1, 1),
	}})
	assert.True(t, common.IsKind(err, common.KindNonceMismatch))
	assert.Equal(t, 0, m.Size())

	require.NoError(t, m.AddBatch(&common.TxBatch{Txs: []common.SignedTx{
		*a.Transfer(b.Address, 0, 100, 1, 3),
		*a.Transfer(b.Address, 0, 100, 1, 4),
	}}))
	assert.Equal(t, 2, m.Size())
}

func TestProposeBlockOrder(t *testing.T) {
	m, _ := newTestMempool(t)
	a, b := accounts(t)

	single := a.Transfer(b.Address, 0, 100, 1, 3)
	require.NoError(t, m.AddTx(single))
	batch := &common.TxBatch{Txs: []common.SignedTx{*b.Transfer(a.Address, 0, 5, 0, 0)}}
	require.NoError(t, m.AddBatch(batch))
	m.AddPriorityOps([]*common.PriorityOp{a.Deposit(1, 0, 10), a.Deposit(0, 0, 10)})
	// duplicate serial id
	m.AddPriorityOps([]*common.PriorityOp{a.Deposit(1, 0, 99)})
	assert.Equal(t, 2, m.PriorityOps())

	proposed := m.ProposeBlock(100, 0)
	require.Equal(t, 2, len(proposed.PriorityOps))
	assert.Equal(t, uint64(0), proposed.PriorityOps[0].SerialID)
	assert.Equal(t, uint64(1), proposed.PriorityOps[1].SerialID)
	require.Equal(t, 1, len(proposed.Batches))
	assert.Equal(t, batch.Hash(), proposed.Batches[0].Hash())
	require.Equal(t, 1, len(proposed.Txs))
	assert.Equal(t, single.Hash(), proposed.Txs[0].Hash())

	// proposed txs are not proposed again, priority ops are until executed
	proposed = m.ProposeBlock(100, 0)
	assert.Equal(t, 2, len(proposed.PriorityOps))
	assert.Equal(t, 0, len(proposed.Txs))
	assert.Equal(t, 0, len(proposed.Batches))
	proposed = m.ProposeBlock(100, 2)
	assert.True(t, proposed.IsEmpty())
	assert.Equal(t, 0, m.PriorityOps())
}

func TestProposeBlockChunks(t *testing.T) {
	m, _ := newTestMempool(t)
	a, b := accounts(t)
	c := test.NewAccount(t, 3)
	c.ID = 3

	m.AddPriorityOps([]*common.PriorityOp{a.Deposit(5, 0, 10)})
	// a batch of 12 chunks
	require.NoError(t, m.AddBatch(&common.TxBatch{Txs: []common.SignedTx{
		*b.Transfer(a.Address, 0, 5, 0, 0),
		*b.Transfer(a.Address, 0, 6, 0, 1),
	}}))
	// 6 chunks each
	require.NoError(t, m.AddTx(a.Transfer(b.Address, 0, 1, 0, 3)))
	require.NoError(t, m.AddTx(c.Transfer(b.Address, 0, 1, 0, 0)))

	// deposits are 6 chunks: one priority op, the batch does not fit, the
	// first single does
	proposed := m.ProposeBlock(13, 5)
	require.Equal(t, 1, len(proposed.PriorityOps))
	assert.Equal(t, uint64(5), proposed.PriorityOps[0].SerialID)
	assert.Equal(t, 0, len(proposed.Batches))
	require.Equal(t, 1, len(proposed.Txs))
	assert.Equal(t, a.ID, proposed.Txs[0].Tx.Initiator())

	// the batch fits now
	proposed = m.ProposeBlock(12, 6)
	assert.Equal(t, 0, len(proposed.PriorityOps))
	require.Equal(t, 1, len(proposed.Batches))
	assert.Equal(t, 0, len(proposed.Txs))

	proposed = m.ProposeBlock(6, 6)
	require.Equal(t, 1, len(proposed.Txs))
	assert.Equal(t, c.ID, proposed.Txs[0].Tx.Initiator())
}

func TestProposeBlockKeepsNonceOrder(t *testing.T) {
	m, _ := newTestMempool(t)
	a, b := accounts(t)

	// the ChangePubKey of b takes 7 chunks, its transfer 6
	require.NoError(t, m.AddTx(b.ChangePubKey(t, 0)))
	require.NoError(t, m.AddTx(b.Transfer(a.Address, 0, 1, 0, 1)))
	require.NoError(t, m.AddTx(a.Transfer(b.Address, 0, 1, 0, 3)))

	proposed := m.ProposeBlock(6, 0)
	require.Equal(t, 1, len(proposed.Txs))
	assert.Equal(t, a.ID, proposed.Txs[0].Tx.Initiator())

	proposed = m.ProposeBlock(13, 0)
	require.Equal(t, 2, len(proposed.Txs))
	assert.Equal(t, common.TxTypeChangePubKey, proposed.Txs[0].Tx.Type())
	assert.Equal(t, common.TxTypeTransfer, proposed.Txs[1].Tx.Type())
}

func TestPriorityOpGap(t *testing.T) {
	m, _ := newTestMempool(t)
	a, _ := accounts(t)
	m.AddPriorityOps([]*common.PriorityOp{a.Deposit(3, 0, 10)})
	proposed := m.ProposeBlock(100, 2)
	assert.Equal(t, 0, len(proposed.PriorityOps))
	m.AddPriorityOps([]*common.PriorityOp{a.Deposit(2, 0, 10)})
	proposed = m.ProposeBlock(100, 2)
	assert.Equal(t, 2, len(proposed.PriorityOps))
}

func TestMarkExecutedAndReload(t *testing.T) {
	m, storage := newTestMempool(t)
	a, b := accounts(t)

	t1 := a.Transfer(b.Address, 0, 1, 0, 3)
	t2 := a.Transfer(b.Address, 0, 2, 0, 4)
	require.NoError(t, m.AddTx(t1))
	require.NoError(t, m.AddTx(t2))

	proposed := m.ProposeBlock(6, 0)
	require.Equal(t, 1, len(proposed.Txs))
	require.NoError(t, m.MarkExecuted([]ethCommon.Hash{t1.Hash()}))
	assert.Equal(t, []ethCommon.Hash{t1.Hash()}, storage.removed)
	assert.Equal(t, 1, m.Size())

	// executed txs can not be resubmitted
	err := m.AddTx(t1)
	assert.True(t, errors.Is(common.Unwrap(err), ErrTxAlreadyKnown))

	// a restart loads what the storage still has
	storage.singles = []common.SignedTx{*t2}
	reloaded, err := NewMempool(testConfig, storage, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Size())
	proposed = reloaded.ProposeBlock(6, 0)
	require.Equal(t, 1, len(proposed.Txs))
	assert.Equal(t, t2.Hash(), proposed.Txs[0].Hash())
}
