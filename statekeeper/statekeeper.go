/*
Package statekeeper owns the live AccountTree and the block under
construction.  It is the only writer of the state: a single goroutine asks
the mempool for a proposal at every miniblock tick, executes it with the
txprocessor and accumulates the results in the PendingBlock.

The pending block is persisted after every executed item, so that a restart
can replay it with its recorded timestamp.  The block is sealed when:
  - it has no chunks left
  - it went through MaxMiniblockIterations non empty iterations
  - a deposit was executed and FastDeposits is set, or ForceSeal was called

On seal the block is padded to the smallest supported size, the StateDB makes
the checkpoint of the new state and the BlockCommitRequest is sent to the
commit queue.
*/
package statekeeper

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/database/statedb"
	"zkrollup-node/log"
	"zkrollup-node/mempool"
	"zkrollup-node/metric"
	"zkrollup-node/txprocessor"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
)

// Storage persists the pending blocks and gives access to the sealed blocks
// stored by the commit queue
type Storage interface {
	// SavePendingBlock upserts the pending block.  A snapshot with fewer
	// stored account updates than the saved one is ignored.
	SavePendingBlock(pb *common.PendingBlock) error
	// PendingBlocks returns the pending blocks with number > after, in order
	PendingBlocks(after common.BlockNum) ([]*common.PendingBlock, error)
	// LastBlockNum returns the number of the last sealed block, 0 if none
	LastBlockNum() (common.BlockNum, error)
	// GetBlock returns a sealed block and its account updates
	GetBlock(num common.BlockNum) (*common.Block, common.AccountUpdates, error)
}

// Config contains the StateKeeper configuration parameters
type Config struct {
	// FeeAddress owns the fee account created at genesis
	FeeAddress ethCommon.Address
	// BlockChunkSizes are the supported block sizes in chunks
	BlockChunkSizes []int
	// MaxMiniblockIterations is the number of non empty miniblocks after
	// which the pending block is sealed
	MaxMiniblockIterations int
	// MiniblockInterval is the period of the proposal requests
	MiniblockInterval time.Duration
	// FastDeposits seals the block of every executed deposit
	FastDeposits bool
	// AuthFacts gives the Onchain ChangePubKey authorizations
	AuthFacts txprocessor.AuthFactSource
}

// Channels connect the StateKeeper with the other components
type Channels struct {
	Proposals chan<- mempool.BlockRequest
	Executed  chan<- []ethCommon.Hash
	Commits   chan<- common.BlockCommitRequest
}

// StateKeeper executes the proposed txs and seals the blocks
type StateKeeper struct {
	cfg     Config
	stateDB *statedb.StateDB
	storage Storage
	clock   clockwork.Clock
	ch      Channels
	tp      *txprocessor.TxProcessor

	pending        *common.PendingBlock
	lastRoot       *big.Int
	nextPriorityID uint64
	restored       bool
	sealCh         chan struct{}

	rw       sync.RWMutex
	snapshot *common.PendingBlock
}

// NewStateKeeper loads the state of the last sealed block.  If the StateDB
// lags the sealed blocks, the missing blocks are replayed from their account
// updates.
func NewStateKeeper(cfg Config, stateDB *statedb.StateDB, storage Storage,
	clock clockwork.Clock, ch Channels) (*StateKeeper, error) {
	if len(cfg.BlockChunkSizes) == 0 {
		return nil, common.Wrap(fmt.Errorf("no block chunk sizes"))
	}
	sizes := append([]int{}, cfg.BlockChunkSizes...)
	sort.Ints(sizes)
	if sizes[len(sizes)-1] < common.OpWithdrawNFT.Chunks() {
		return nil, common.Wrap(fmt.Errorf("biggest block size %d can not fit a %s",
			sizes[len(sizes)-1], common.OpWithdrawNFT))
	}
	cfg.BlockChunkSizes = sizes
	if cfg.MaxMiniblockIterations <= 0 {
		cfg.MaxMiniblockIterations = 1
	}
	k := &StateKeeper{
		cfg:     cfg,
		stateDB: stateDB,
		storage: storage,
		clock:   clock,
		ch:      ch,
		sealCh:  make(chan struct{}, 1),
	}
	if err := k.loadState(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *StateKeeper) maxChunks() int {
	return k.cfg.BlockChunkSizes[len(k.cfg.BlockChunkSizes)-1]
}

// blockChunkSize returns the smallest supported size that fits used chunks
func (k *StateKeeper) blockChunkSize(used int) int {
	for _, size := range k.cfg.BlockChunkSizes {
		if size >= used {
			return size
		}
	}
	return k.maxChunks()
}

func (k *StateKeeper) now() uint64 {
	return uint64(k.clock.Now().Unix())
}

func (k *StateKeeper) newPendingBlock(number common.BlockNum) *common.PendingBlock {
	return common.NewPendingBlock(number, k.maxChunks(), k.nextPriorityID, k.now())
}

// Tree returns the live tree.  It must not be used concurrently with Run.
func (k *StateKeeper) Tree() *statedb.AccountTree {
	return k.tp.Tree()
}

// NextPriorityID returns the serial id of the next priority op to execute.
// It must not be used concurrently with Run.
func (k *StateKeeper) NextPriorityID() uint64 {
	return k.nextPriorityID
}

// PendingBlock returns a copy of the last persisted pending block, nil
// before the first one.  It's thread safe.
func (k *StateKeeper) PendingBlock() *common.PendingBlock {
	k.rw.RLock()
	defer k.rw.RUnlock()
	if k.snapshot == nil {
		return nil
	}
	pb, err := copyPendingBlock(k.snapshot)
	if err != nil {
		log.Errorw("StateKeeper: copying pending block", "err", err)
		return nil
	}
	return pb
}

// ForceSeal requests the pending block to be sealed after the current
// iteration
func (k *StateKeeper) ForceSeal() {
	select {
	case k.sealCh <- struct{}{}:
	default:
	}
}

// Run executes a miniblock at every tick until ctx is done.  The pending
// blocks left by a previous run are replayed first.
func (k *StateKeeper) Run(ctx context.Context) error {
	if !k.restored {
		if err := k.RestorePendingBlocks(ctx); err != nil {
			return err
		}
	}
	ticker := k.clock.NewTicker(k.cfg.MiniblockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("StateKeeper: done")
			return nil
		case <-k.sealCh:
			if len(k.pending.SuccessOperations) == 0 {
				continue
			}
			if err := k.sealPendingBlock(ctx); common.IsErrDone(err) {
				return nil
			} else if err != nil {
				return err
			}
		case <-ticker.Chan():
			proposal, err := k.requestProposal(ctx)
			if common.IsErrDone(err) {
				return nil
			}
			if err := k.ExecuteProposedBlock(ctx, proposal); common.IsErrDone(err) {
				return nil
			} else if err != nil {
				return err
			}
		}
	}
}

func (k *StateKeeper) requestProposal(ctx context.Context) (*mempool.ProposedBlock, error) {
	resp := make(chan *mempool.ProposedBlock, 1)
	req := mempool.BlockRequest{
		ChunksLeft:     k.pending.ChunksLeft,
		NextPriorityID: k.nextPriorityID,
		Response:       resp,
	}
	select {
	case k.ch.Proposals <- req:
	case <-ctx.Done():
		return nil, common.Wrap(common.ErrDone)
	}
	select {
	case proposal := <-resp:
		return proposal, nil
	case <-ctx.Done():
		return nil, common.Wrap(common.ErrDone)
	}
}

// ExecuteProposedBlock executes the priority ops, batches and txs of the
// proposal in order.  An item that does not fit the pending block seals it
// and goes to the next one.  Only state corruption and storage errors are
// returned: failing txs are recorded in the pending block.
func (k *StateKeeper) ExecuteProposedBlock(ctx context.Context, proposal *mempool.ProposedBlock) error {
	if len(k.pending.SuccessOperations) == 0 {
		k.pending.Timestamp = k.now()
	}
	var executed []ethCommon.Hash

	for i := 0; i < len(proposal.PriorityOps); {
		pop := proposal.PriorityOps[i]
		ok, err := k.applyPriorityOp(pop, k.clock.Now())
		if common.IsKind(err, common.KindPriorityOpGap) {
			log.Warnw("StateKeeper: skipping proposed priority ops", "err", err)
			break
		} else if err != nil {
			return err
		}
		if !ok {
			if err := k.sealOrFail(ctx, pop.Chunks()); err != nil {
				return err
			}
			continue
		}
		if err := k.storePendingBlock(); err != nil {
			return err
		}
		i++
	}

	for i := 0; i < len(proposal.Batches); {
		batch := proposal.Batches[i]
		ok, err := k.applyBatch(batch, k.clock.Now().UnixNano(), k.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			if len(k.pending.SuccessOperations) == 0 {
				k.failBatch(batch, k.clock.Now().UnixNano(), common.NewOpError(
					common.KindChunkBudgetExceeded, "batch of %d chunks", batch.DeclaredChunks()),
					k.clock.Now())
			} else {
				if err := k.sealPendingBlock(ctx); err != nil {
					return err
				}
				continue
			}
		}
		for j := range batch.Txs {
			executed = append(executed, batch.Txs[j].Hash())
		}
		if err := k.storePendingBlock(); err != nil {
			return err
		}
		i++
	}

	for i := 0; i < len(proposal.Txs); {
		stx := proposal.Txs[i]
		ok, err := k.applyTx(stx, 0, k.clock.Now())
		if err != nil {
			return err
		}
		if !ok {
			if len(k.pending.SuccessOperations) == 0 {
				k.failTx(stx, 0, common.NewOpError(common.KindChunkBudgetExceeded,
					"tx of %d chunks", stx.Tx.DeclaredChunks()), k.clock.Now())
			} else {
				if err := k.sealPendingBlock(ctx); err != nil {
					return err
				}
				continue
			}
		}
		executed = append(executed, stx.Hash())
		if err := k.storePendingBlock(); err != nil {
			return err
		}
		i++
	}

	if len(executed) > 0 && k.ch.Executed != nil {
		select {
		case k.ch.Executed <- executed:
		case <-ctx.Done():
			return common.Wrap(common.ErrDone)
		}
	}

	if len(k.pending.SuccessOperations) > 0 {
		k.pending.Iteration++
	}
	if k.shouldSeal() {
		return k.sealPendingBlock(ctx)
	}
	if !proposal.IsEmpty() {
		return k.storePendingBlock()
	}
	return nil
}

// sealOrFail seals the pending block to make room for an op of chunks
// chunks.  An op that does not fit an empty block can never be executed.
func (k *StateKeeper) sealOrFail(ctx context.Context, chunks int) error {
	if len(k.pending.SuccessOperations) == 0 {
		return common.Wrap(common.NewOpError(common.KindChunkBudgetExceeded,
			"op of %d chunks does not fit an empty block of %d chunks", chunks, k.pending.ChunksLeft))
	}
	return k.sealPendingBlock(ctx)
}

func (k *StateKeeper) shouldSeal() bool {
	if k.pending.ChunksLeft == 0 {
		return true
	}
	if len(k.pending.SuccessOperations) == 0 {
		return false
	}
	return k.pending.Iteration >= k.cfg.MaxMiniblockIterations || k.pending.FastProcessing
}

// applyPriorityOp returns false when the op does not fit the pending block
func (k *StateKeeper) applyPriorityOp(pop *common.PriorityOp, createdAt time.Time) (bool, error) {
	if pop.SerialID != k.nextPriorityID {
		return false, common.NewOpError(common.KindPriorityOpGap,
			"priority op %d proposed, %d expected", pop.SerialID, k.nextPriorityID)
	}
	if pop.Chunks() > k.pending.ChunksLeft {
		return false, nil
	}
	success, err := k.tp.ExecutePriorityOp(pop)
	if err != nil {
		return false, common.Wrap(fmt.Errorf("priority op %d: %w", pop.SerialID, err))
	}
	k.pending.ChunksLeft -= success.Executed.Chunks()
	k.pending.SuccessOperations = append(k.pending.SuccessOperations, common.ExecutedOperation{
		PriorityOp: &common.ExecutedPriorityOp{
			PriorityOp: *pop,
			Op:         success.Executed,
			BlockIndex: uint32(len(k.pending.SuccessOperations)),
			CreatedAt:  createdAt,
		},
	})
	k.addUpdates(success)
	k.nextPriorityID++
	if _, ok := pop.Data.(*common.Deposit); ok && k.cfg.FastDeposits {
		k.pending.FastProcessing = true
	}
	return true, nil
}

// applyTx returns false when the tx may not fit the pending block.  A tx
// rejected by the txprocessor is recorded as failed and takes no chunks.
func (k *StateKeeper) applyTx(stx *common.SignedTx, batchID int64, createdAt time.Time) (bool, error) {
	if stx.Tx.DeclaredChunks() > k.pending.ChunksLeft {
		return false, nil
	}
	success, err := k.tp.ExecuteTx(stx, k.pending.Timestamp)
	if err != nil {
		if _, ok := common.AsOpError(err); !ok {
			return false, err
		}
		k.failTx(stx, batchID, err, createdAt)
		return true, nil
	}
	k.addTxSuccess(stx, success, batchID, createdAt)
	return true, nil
}

// applyBatch returns false when the batch may not fit the pending block.
// A failing batch leaves the state untouched and all its txs are recorded
// as failed with the error of the first failing one.
func (k *StateKeeper) applyBatch(batch *common.TxBatch, batchID int64, createdAt time.Time) (bool, error) {
	if batch.DeclaredChunks() > k.pending.ChunksLeft {
		return false, nil
	}
	successes, err := k.tp.ExecuteBatch(batch, k.pending.Timestamp)
	if err != nil {
		if _, ok := common.AsOpError(err); !ok {
			return false, err
		}
		k.failBatch(batch, batchID, err, createdAt)
		return true, nil
	}
	for i, success := range successes {
		k.addTxSuccess(&batch.Txs[i], success, batchID, createdAt)
	}
	return true, nil
}

func (k *StateKeeper) addTxSuccess(stx *common.SignedTx, success *txprocessor.OpSuccess,
	batchID int64, createdAt time.Time) {
	k.pending.ChunksLeft -= success.Executed.Chunks()
	blockIndex := uint32(len(k.pending.SuccessOperations))
	k.pending.SuccessOperations = append(k.pending.SuccessOperations, common.ExecutedOperation{
		Tx: &common.ExecutedTx{
			SignedTx:   *stx,
			Success:    true,
			Op:         success.Executed,
			BlockIndex: &blockIndex,
			BatchID:    batchID,
			CreatedAt:  createdAt,
		},
	})
	k.addUpdates(success)
}

func (k *StateKeeper) addUpdates(success *txprocessor.OpSuccess) {
	k.pending.AccountUpdates = append(k.pending.AccountUpdates, success.Updates...)
	if success.Fee != nil {
		collected, ok := k.pending.CollectedFees[success.Fee.Token]
		if !ok {
			collected = big.NewInt(0)
		}
		k.pending.CollectedFees[success.Fee.Token] = collected.Add(collected, success.Fee.Amount)
	}
	metric.ExecutedOps.WithLabelValues(success.Executed.OpCode().String()).Inc()
}

func (k *StateKeeper) failTx(stx *common.SignedTx, batchID int64, err error, createdAt time.Time) {
	code := common.KindDatabase.String()
	if opErr, ok := common.AsOpError(err); ok {
		code = opErr.Code()
	}
	log.Debugw("StateKeeper: tx failed", "hash", stx.Hash(), "code", code, "err", err)
	k.pending.FailedTxs = append(k.pending.FailedTxs, common.ExecutedTx{
		SignedTx:   *stx,
		Success:    false,
		FailCode:   code,
		FailReason: err.Error(),
		BatchID:    batchID,
		CreatedAt:  createdAt,
	})
	metric.FailedTxs.WithLabelValues(code).Inc()
}

func (k *StateKeeper) failBatch(batch *common.TxBatch, batchID int64, err error, createdAt time.Time) {
	for i := range batch.Txs {
		k.failTx(&batch.Txs[i], batchID, err, createdAt)
	}
}

// storePendingBlock persists a copy of the pending block
// storePendingBlock saves a snapshot of the pending block.  The tree already
// holds the updates of the last item.  A crash before the save drops the
// item, which the mempool proposes again: the restart rebuilds the tree from
// the checkpoint plus the stored updates only.
func (k *StateKeeper) storePendingBlock() error {
	k.pending.StoredAccountUpdates = len(k.pending.AccountUpdates)
	snapshot, err := copyPendingBlock(k.pending)
	if err != nil {
		return err
	}
	if err := k.storage.SavePendingBlock(snapshot); err != nil {
		return common.Wrap(common.NewOpError(common.KindDatabase, "saving pending block %d: %v",
			snapshot.Number, err))
	}
	k.rw.Lock()
	k.snapshot = snapshot
	k.rw.Unlock()
	return nil
}

// sealPendingBlock turns the pending block into a Block, checkpoints the
// state and sends the BlockCommitRequest
func (k *StateKeeper) sealPendingBlock(ctx context.Context) error {
	pb := k.pending
	used := pb.ChunksUsed()
	root, err := k.tp.Tree().RootHash()
	if err != nil {
		return common.Wrap(err)
	}
	txs := make([]common.ExecutedOperation, 0, len(pb.SuccessOperations)+len(pb.FailedTxs))
	txs = append(txs, pb.SuccessOperations...)
	for i := range pb.FailedTxs {
		txs = append(txs, common.ExecutedOperation{Tx: &pb.FailedTxs[i]})
	}
	block := common.Block{
		Number:               pb.Number,
		OldRootHash:          k.lastRoot,
		NewRootHash:          root,
		FeeAccount:           common.FeeAccountID,
		Transactions:         txs,
		ProcessedPriorityOps: [2]uint64{pb.UnprocessedPriorityOpBefore, k.nextPriorityID},
		Timestamp:            pb.Timestamp,
		BlockChunkSize:       k.blockChunkSize(used),
	}
	block.Commitment = block.ComputeCommitment()

	if err := k.stateDB.CommitBlock(pb.Number, k.tp.Tree(), pb.AccountUpdates); err != nil {
		return common.Wrap(common.NewOpError(common.KindDatabase, "checkpoint of block %d: %v",
			pb.Number, err))
	}
	k.lastRoot = root
	k.pending = k.newPendingBlock(pb.Number + 1)

	log.Infow("StateKeeper: block sealed", "block", block.Number, "ops", len(pb.SuccessOperations),
		"failed", len(pb.FailedTxs), "chunks", used, "size", block.BlockChunkSize,
		"iterations", pb.Iteration, "priorityOps", block.ProcessedPriorityOps)
	metric.SealedBlocks.Inc()
	metric.LastSealedBlock.Set(float64(block.Number))
	metric.BlockChunksUsed.Observe(float64(used))

	req := common.BlockCommitRequest{Block: block, AccountUpdates: pb.AccountUpdates}
	select {
	case k.ch.Commits <- req:
	case <-ctx.Done():
		return common.Wrap(common.ErrDone)
	}
	return nil
}
