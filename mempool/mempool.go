/*
Package mempool keeps the txs and the priority ops waiting to be executed and
proposes to the state keeper what goes into the next part of a block.

Txs enter through AddTx and AddBatch (called by the api) after the admission
checks that do not depend on the state: well formed signatures, packable
amounts, fee tokens that can be processed and are accepted by the
TokenValidator, and nonces not below the committed ones.  Priority ops are
handed over by the L1 watcher once they are confirmed.

A ProposedBlock contains, in this order:
  - the priority ops contiguous from the serial id requested by the keeper
  - the batches, in submission order, that fit completely
  - the single txs, in submission order, that fit

The txs of a proposal are no longer proposed.  They stay in the Storage until
the keeper reports them as executed (successful or failed), so that a restart
before the execution is persisted proposes them again.
*/
package mempool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"zkrollup-node/common"
	"zkrollup-node/database/l2db"
	"zkrollup-node/log"
	"zkrollup-node/metric"

	ethCommon "github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrTxAlreadyKnown is returned when a tx is already in the pool or has
// been executed recently
var ErrTxAlreadyKnown = errors.New("tx already known")

// Storage persists the txs of the pool
type Storage interface {
	AddTx(stx *common.SignedTx) error
	AddBatch(batch *common.TxBatch) (int64, error)
	RemoveTxs(hashes []ethCommon.Hash) error
	Load() ([]common.SignedTx, []l2db.PoolBatch, error)
}

// TokenValidator decides which tokens can be used to pay fees
type TokenValidator interface {
	IsTokenAcceptable(token common.TokenID) (bool, error)
}

// NonceSource gives the nonces of the last sealed state
type NonceSource interface {
	CommittedNonce(id common.AccountID) (common.Nonce, bool)
}

// Config contains the Mempool configuration parameters
type Config struct {
	// ExecutedCacheSize is the number of executed tx hashes remembered to
	// reject resubmissions
	ExecutedCacheSize int
	// MaxBatchSize is the maximum number of txs in a batch
	MaxBatchSize int
	// MaxBlockChunks is the chunk size of the biggest block.  A batch that
	// declares more chunks can never be proposed.
	MaxBlockChunks int
}

// ProposedBlock is the selection returned to the state keeper
type ProposedBlock struct {
	PriorityOps []*common.PriorityOp
	Batches     []*common.TxBatch
	Txs         []*common.SignedTx
}

// IsEmpty returns true when nothing was proposed
func (p *ProposedBlock) IsEmpty() bool {
	return len(p.PriorityOps) == 0 && len(p.Batches) == 0 && len(p.Txs) == 0
}

// BlockRequest is sent by the state keeper to get a ProposedBlock
type BlockRequest struct {
	ChunksLeft     int
	NextPriorityID uint64
	Response       chan<- *ProposedBlock
}

// Mempool is the pool of txs and priority ops
type Mempool struct {
	mu      sync.Mutex
	cfg     Config
	storage Storage
	tokens  TokenValidator
	nonces  NonceSource

	priorityOps []*common.PriorityOp
	batches     []*common.TxBatch
	singles     []*common.SignedTx
	// known are the hashes of the txs in batches and singles
	known    map[ethCommon.Hash]struct{}
	executed *lru.Cache[ethCommon.Hash, struct{}]
}

// NewMempool creates a Mempool and loads the txs of the storage.  tokens
// and nonces can be nil to skip the corresponding checks.
func NewMempool(cfg Config, storage Storage, tokens TokenValidator, nonces NonceSource) (*Mempool, error) {
	executed, err := lru.New[ethCommon.Hash, struct{}](cfg.ExecutedCacheSize)
	if err != nil {
		return nil, common.Wrap(err)
	}
	m := &Mempool{
		cfg:      cfg,
		storage:  storage,
		tokens:   tokens,
		nonces:   nonces,
		known:    make(map[ethCommon.Hash]struct{}),
		executed: executed,
	}
	singles, batches, err := storage.Load()
	if err != nil {
		return nil, common.Wrap(err)
	}
	for i := range batches {
		batch := batches[i].Batch
		m.batches = append(m.batches, &batch)
		for j := range batch.Txs {
			m.known[batch.Txs[j].Hash()] = struct{}{}
		}
	}
	for i := range singles {
		stx := singles[i]
		m.singles = append(m.singles, &stx)
		m.known[stx.Hash()] = struct{}{}
	}
	log.Infow("Mempool: loaded", "singles", len(m.singles), "batches", len(m.batches))
	m.updateMetrics()
	return m, nil
}

// AddTx admits a single tx
func (m *Mempool) AddTx(stx *common.SignedTx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.admit(stx); err != nil {
		rejected(err)
		return err
	}
	if err := m.storage.AddTx(stx); err != nil {
		return common.Wrap(err)
	}
	m.singles = append(m.singles, stx)
	m.known[stx.Hash()] = struct{}{}
	m.updateMetrics()
	return nil
}

// AddBatch admits a batch.  Every tx of the batch must be admissible.
func (m *Mempool) AddBatch(batch *common.TxBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.admitBatch(batch); err != nil {
		rejected(err)
		return err
	}
	if _, err := m.storage.AddBatch(batch); err != nil {
		return common.Wrap(err)
	}
	m.batches = append(m.batches, batch)
	for i := range batch.Txs {
		m.known[batch.Txs[i].Hash()] = struct{}{}
	}
	m.updateMetrics()
	return nil
}

func (m *Mempool) admitBatch(batch *common.TxBatch) error {
	if len(batch.Txs) == 0 {
		return common.NewOpError(common.KindInvalidBatch, "empty batch")
	}
	if m.cfg.MaxBatchSize > 0 && len(batch.Txs) > m.cfg.MaxBatchSize {
		return common.NewOpError(common.KindInvalidBatch, "batch of %d txs, max %d",
			len(batch.Txs), m.cfg.MaxBatchSize)
	}
	if m.cfg.MaxBlockChunks > 0 && batch.DeclaredChunks() > m.cfg.MaxBlockChunks {
		return common.NewOpError(common.KindChunkBudgetExceeded,
			"batch declares %d chunks, the biggest block has %d",
			batch.DeclaredChunks(), m.cfg.MaxBlockChunks)
	}
	if len(batch.EthSignature) > 0 && len(batch.EthSignature) != common.EthSignatureLen {
		return common.NewOpError(common.KindSignatureInvalid, "malformed batch eth signature")
	}
	seen := make(map[ethCommon.Hash]struct{}, len(batch.Txs))
	for i := range batch.Txs {
		if err := m.admit(&batch.Txs[i]); err != nil {
			return err
		}
		h := batch.Txs[i].Hash()
		if _, ok := seen[h]; ok {
			return common.NewOpError(common.KindInvalidBatch, "tx %s repeated in batch", h.Hex())
		}
		seen[h] = struct{}{}
	}
	return nil
}

// admit runs the checks that do not depend on the state
func (m *Mempool) admit(stx *common.SignedTx) error {
	if stx == nil || stx.Tx == nil {
		return common.NewOpError(common.KindInvalidBatch, "empty tx")
	}
	tx := stx.Tx
	hash := stx.Hash()
	if _, ok := m.known[hash]; ok {
		return common.Wrap(fmt.Errorf("%w: %s", ErrTxAlreadyKnown, hash.Hex()))
	}
	if m.executed.Contains(hash) {
		return common.Wrap(fmt.Errorf("%w: %s executed", ErrTxAlreadyKnown, hash.Hex()))
	}
	if err := tx.CheckCorrectness(); err != nil {
		return err
	}
	if tx.ZkSignature() == nil {
		return common.NewOpError(common.KindSignatureInvalid, "missing signature")
	}
	if _, err := tx.ZkSignature().Verify(tx.SignBytes()); err != nil {
		return err
	}
	if len(stx.EthSignature) > 0 && len(stx.EthSignature) != common.EthSignatureLen {
		return common.NewOpError(common.KindSignatureInvalid, "malformed eth signature")
	}
	if m.tokens != nil && tx.TxFee().Sign() > 0 {
		ok, err := m.tokens.IsTokenAcceptable(tx.FeeToken())
		if err != nil {
			return common.Wrap(err)
		}
		if !ok {
			return common.NewOpError(common.KindTokenNotAcceptable,
				"token %d is not accepted for fees", tx.FeeToken())
		}
	}
	if m.nonces != nil {
		if committed, ok := m.nonces.CommittedNonce(tx.Initiator()); ok && tx.TxNonce() < committed {
			return common.NewOpError(common.KindNonceMismatch,
				"tx nonce %d is below the committed nonce %d", tx.TxNonce(), committed)
		}
	}
	return nil
}

func rejected(err error) {
	code := "UNKNOWN"
	if opErr, ok := common.AsOpError(err); ok {
		code = opErr.Code()
	} else if errors.Is(common.Unwrap(err), ErrTxAlreadyKnown) {
		code = "ALREADY_KNOWN"
	}
	metric.RejectedTxs.WithLabelValues(code).Inc()
}

// AddPriorityOps adds confirmed priority ops.  Ops already in the pool are
// ignored.
func (m *Mempool) AddPriorityOps(ops []*common.PriorityOp) {
	m.mu.Lock()
	defer m.mu.Unlock()
	present := make(map[uint64]struct{}, len(m.priorityOps))
	for _, op := range m.priorityOps {
		present[op.SerialID] = struct{}{}
	}
	for _, op := range ops {
		if _, ok := present[op.SerialID]; ok {
			continue
		}
		present[op.SerialID] = struct{}{}
		m.priorityOps = append(m.priorityOps, op)
	}
	sort.Slice(m.priorityOps, func(i, j int) bool {
		return m.priorityOps[i].SerialID < m.priorityOps[j].SerialID
	})
}

// ProposeBlock selects what fits in chunksLeft chunks.  Priority ops are
// proposed from nextPriorityID on, without gaps.
func (m *Mempool) ProposeBlock(chunksLeft int, nextPriorityID uint64) *ProposedBlock {
	m.mu.Lock()
	defer m.mu.Unlock()
	proposed := &ProposedBlock{}

	// drop the priority ops already executed
	i := 0
	for i < len(m.priorityOps) && m.priorityOps[i].SerialID < nextPriorityID {
		i++
	}
	m.priorityOps = m.priorityOps[i:]
	if len(m.priorityOps) > 0 && m.priorityOps[0].SerialID != nextPriorityID {
		log.Warnw("Mempool: missing priority op", "expected", nextPriorityID,
			"first", m.priorityOps[0].SerialID)
	} else {
		for _, op := range m.priorityOps {
			if op.SerialID != nextPriorityID || op.Chunks() > chunksLeft {
				break
			}
			proposed.PriorityOps = append(proposed.PriorityOps, op)
			chunksLeft -= op.Chunks()
			nextPriorityID++
		}
	}

	// the txs of an account that could not be proposed hold back its
	// following txs, to keep the nonce order
	blocked := make(map[common.AccountID]struct{})
	isBlocked := func(stx *common.SignedTx) bool {
		_, ok := blocked[stx.Tx.Initiator()]
		return ok
	}

	remaining := m.batches[:0]
	for _, batch := range m.batches {
		free := true
		for j := range batch.Txs {
			if isBlocked(&batch.Txs[j]) {
				free = false
				break
			}
		}
		if free && batch.DeclaredChunks() <= chunksLeft {
			proposed.Batches = append(proposed.Batches, batch)
			chunksLeft -= batch.DeclaredChunks()
			continue
		}
		for j := range batch.Txs {
			blocked[batch.Txs[j].Tx.Initiator()] = struct{}{}
		}
		remaining = append(remaining, batch)
	}
	m.batches = remaining

	remainingTxs := m.singles[:0]
	for _, stx := range m.singles {
		if !isBlocked(stx) && stx.Tx.DeclaredChunks() <= chunksLeft {
			proposed.Txs = append(proposed.Txs, stx)
			chunksLeft -= stx.Tx.DeclaredChunks()
			continue
		}
		blocked[stx.Tx.Initiator()] = struct{}{}
		remainingTxs = append(remainingTxs, stx)
	}
	m.singles = remainingTxs
	m.updateMetrics()
	return proposed
}

// MarkExecuted removes the txs executed by the state keeper, successfully
// or not
func (m *Mempool) MarkExecuted(hashes []ethCommon.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gone := make(map[ethCommon.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		m.executed.Add(h, struct{}{})
		delete(m.known, h)
		gone[h] = struct{}{}
	}
	singles := m.singles[:0]
	for _, stx := range m.singles {
		if _, ok := gone[stx.Hash()]; !ok {
			singles = append(singles, stx)
		}
	}
	m.singles = singles
	batches := m.batches[:0]
	for _, batch := range m.batches {
		keep := true
		for j := range batch.Txs {
			if _, ok := gone[batch.Txs[j].Hash()]; ok {
				keep = false
				break
			}
		}
		if keep {
			batches = append(batches, batch)
			continue
		}
		for j := range batch.Txs {
			delete(m.known, batch.Txs[j].Hash())
		}
	}
	m.batches = batches
	m.updateMetrics()
	return common.Wrap(m.storage.RemoveTxs(hashes))
}

// Size returns the number of txs in the pool
func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.known)
}

// PriorityOps returns the number of priority ops waiting in the pool
func (m *Mempool) PriorityOps() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.priorityOps)
}

func (m *Mempool) updateMetrics() {
	metric.MempoolTxs.Set(float64(len(m.known)))
}

// Run serves the block requests of the state keeper and removes the
// executed txs it reports, until ctx is done
func (m *Mempool) Run(ctx context.Context, requests <-chan BlockRequest,
	executed <-chan []ethCommon.Hash) error {
	for {
		select {
		case <-ctx.Done():
			log.Info("Mempool: done")
			return nil
		case req := <-requests:
			proposed := m.ProposeBlock(req.ChunksLeft, req.NextPriorityID)
			select {
			case req.Response <- proposed:
			case <-ctx.Done():
				return nil
			}
		case hashes := <-executed:
			if err := m.MarkExecuted(hashes); err != nil {
				return common.Wrap(fmt.Errorf("mempool: removing executed txs: %w", err))
			}
		}
	}
}
