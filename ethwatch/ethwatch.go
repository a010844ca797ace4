/*
Package ethwatch follows the rollup contract events on L1.

Events are accepted once they have Confirmations blocks on top of them.  The
priority ops seen in the blocks not confirmed yet are kept in the
unconfirmed queue, where the api can look for the deposits in flight.  The
confirmed ones move to the priority queue and are handed to the mempool, in
serial id order and without gaps.

NewToken and FactAuth events are stored in the HistoryDB, together with the
last watched block.  On start the watcher goes back to the L1 block of the
last executed priority op, so that the ops that were handed to the mempool
but not executed are fetched again.
*/
package ethwatch

import (
	"context"
	"sync"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/eth"
	"zkrollup-node/log"
	"zkrollup-node/metric"

	"github.com/cenkalti/backoff/v4"
	ethCommon "github.com/ethereum/go-ethereum/common"
)

// L1Client is the part of the eth client used by the watcher
type L1Client interface {
	EthLastBlock() (int64, error)
	RollupEventsByRange(from, to int64) (*eth.RollupEvents, error)
}

// Storage persists the events that outlive the priority queue
type Storage interface {
	AddTokens(tokens []common.Token) error
	AddAuthFacts(facts []common.AuthFact) error
	GetLastWatchedBlock() (int64, bool, error)
	SetLastWatchedBlock(block int64) error
	LastExecutedPriorityOp() (*common.ExecutedPriorityOp, error)
}

// PriorityOpSink receives the confirmed priority ops
type PriorityOpSink interface {
	AddPriorityOps(ops []*common.PriorityOp)
}

// Config is the watcher configuration
type Config struct {
	// Confirmations is the number of blocks on top of an event before it
	// is accepted
	Confirmations int64
	PollInterval  time.Duration
	// GenesisBlock is the L1 block where the rollup contract was deployed
	GenesisBlock int64
	// MaxBlockRange is the biggest range of blocks queried at once
	MaxBlockRange int64
	// RetryBudget is the number of consecutive transient errors tolerated
	RetryBudget          uint64
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

type ethState struct {
	// lastBlock is the last L1 block whose events were accepted
	lastBlock int64
	// nextSerialID is the serial id of the next priority op to accept
	nextSerialID  uint64
	priorityQueue map[uint64]*common.PriorityOp
	unconfirmed   []common.PriorityOp
}

// Watcher polls the L1 node for rollup events
type Watcher struct {
	client  L1Client
	storage Storage
	sink    PriorityOpSink
	cfg     Config
	stats   *StatsHolder

	rw    sync.RWMutex
	state ethState
}

// NewWatcher creates a Watcher.  Call RestoreStateFromEth or Run before
// using it.
func NewWatcher(client L1Client, storage Storage, sink PriorityOpSink, cfg Config) *Watcher {
	if cfg.MaxBlockRange <= 0 {
		cfg.MaxBlockRange = 1000 //nolint:gomnd
	}
	return &Watcher{
		client:  client,
		storage: storage,
		sink:    sink,
		cfg:     cfg,
		stats:   NewStatsHolder(cfg.GenesisBlock, cfg.Confirmations),
		state: ethState{
			lastBlock:     cfg.GenesisBlock - 1,
			priorityQueue: make(map[uint64]*common.PriorityOp),
		},
	}
}

// Stats returns a copy of the watcher Stats
func (w *Watcher) Stats() *Stats {
	return w.stats.CopyStats()
}

// LastBlock returns the last L1 block whose events were accepted
func (w *Watcher) LastBlock() int64 {
	w.rw.RLock()
	defer w.rw.RUnlock()
	return w.state.lastBlock
}

func isFatal(err error) bool {
	return common.IsKind(err, common.KindL1Permanent) || common.IsKind(err, common.KindDatabase)
}

func dbError(err error) error {
	return common.Wrap(common.NewOpError(common.KindDatabase, "%v", err))
}

// RestoreStateFromEth rebuilds the priority queue from the events up to the
// L1 block upTo, starting from the block of the last executed priority op
// (or the genesis block)
func (w *Watcher) RestoreStateFromEth(upTo int64) error {
	from := w.cfg.GenesisBlock
	nextSerialID := uint64(0)
	lastOp, err := w.storage.LastExecutedPriorityOp()
	if err != nil {
		return dbError(err)
	}
	if lastOp != nil {
		nextSerialID = lastOp.PriorityOp.SerialID + 1
		if ethBlock := int64(lastOp.PriorityOp.EthBlock); ethBlock > from {
			from = ethBlock
		}
	}
	lastWatched, ok, err := w.storage.GetLastWatchedBlock()
	if err != nil {
		return dbError(err)
	}
	if ok && lastWatched+1 < from {
		// tokens and auth facts after lastWatched were never stored
		from = lastWatched + 1
	}

	w.rw.Lock()
	w.state = ethState{
		lastBlock:     from - 1,
		nextSerialID:  nextSerialID,
		priorityQueue: make(map[uint64]*common.PriorityOp),
	}
	w.rw.Unlock()
	log.Infow("EthWatch: restoring state", "from", from, "upTo", upTo, "nextSerialID", nextSerialID)

	if confirmed := upTo - w.cfg.Confirmations; confirmed >= from {
		if err := w.processRange(from, confirmed); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

// Poll processes the events of the blocks confirmed since the last poll
// and refreshes the unconfirmed queue
func (w *Watcher) Poll() error {
	head, err := w.client.EthLastBlock()
	if err != nil {
		if isFatal(err) || common.IsKind(err, common.KindL1Transient) {
			return common.Wrap(err)
		}
		return common.Wrap(common.NewOpError(common.KindL1Transient, "EthLastBlock: %v", err))
	}
	w.stats.UpdateEth(head)
	confirmed := head - w.cfg.Confirmations
	if last := w.LastBlock(); confirmed > last {
		if err := w.processRange(last+1, confirmed); err != nil {
			return common.Wrap(err)
		}
	}
	last := w.LastBlock()
	metric.WatcherLag.Set(float64(head - last))

	unconfirmed := make([]common.PriorityOp, 0)
	if head > last {
		events, err := w.client.RollupEventsByRange(last+1, head)
		if err != nil {
			return common.Wrap(err)
		}
		unconfirmed = events.PriorityOps
	}
	w.rw.Lock()
	w.state.unconfirmed = unconfirmed
	w.siftOutdated(head)
	w.rw.Unlock()
	return nil
}

// siftOutdated drops from the priority queue the ops whose deadline passed.
// Must be called with the lock held.
func (w *Watcher) siftOutdated(head int64) {
	for id, op := range w.state.priorityQueue {
		if int64(op.DeadlineBlock) < head {
			delete(w.state.priorityQueue, id)
		}
	}
}

func (w *Watcher) processRange(from, to int64) error {
	for start := from; start <= to; start += w.cfg.MaxBlockRange {
		end := start + w.cfg.MaxBlockRange - 1
		if end > to {
			end = to
		}
		if err := w.processBlocks(start, end); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}

func (w *Watcher) processBlocks(from, to int64) error {
	events, err := w.client.RollupEventsByRange(from, to)
	if err != nil {
		return common.Wrap(err)
	}

	w.rw.RLock()
	next := w.state.nextSerialID
	w.rw.RUnlock()
	newOps := make([]*common.PriorityOp, 0, len(events.PriorityOps))
	for i := range events.PriorityOps {
		op := events.PriorityOps[i]
		if op.SerialID < next {
			continue
		}
		if op.SerialID != next {
			return common.Wrap(common.NewOpError(common.KindPriorityOpGap,
				"priority op %d in block %d, expected %d", op.SerialID, op.EthBlock, next))
		}
		newOps = append(newOps, &op)
		next++
	}

	if len(events.NewToken) > 0 {
		if err := w.storage.AddTokens(events.NewToken); err != nil {
			return dbError(err)
		}
		for _, token := range events.NewToken {
			log.Infow("EthWatch: new token", "id", token.TokenID, "address", token.EthAddr,
				"symbol", token.Symbol)
		}
	}
	if len(events.FactAuth) > 0 {
		if err := w.storage.AddAuthFacts(events.FactAuth); err != nil {
			return dbError(err)
		}
	}
	w.stats.UpdateRollup(events)
	for _, revert := range events.BlocksRevert {
		log.Warnw("EthWatch: blocks reverted on L1", "totalCommitted", revert.TotalBlocksCommitted,
			"totalVerified", revert.TotalBlocksVerified, "ethBlock", revert.EthBlock)
	}
	for _, withdrawal := range events.Withdrawals {
		log.Debugw("EthWatch: withdrawal", "address", withdrawal.Address, "token", withdrawal.Token)
	}

	w.rw.Lock()
	for _, op := range newOps {
		w.state.priorityQueue[op.SerialID] = op
	}
	w.state.nextSerialID = next
	w.state.lastBlock = to
	w.rw.Unlock()

	if len(newOps) > 0 {
		log.Infow("EthWatch: new priority ops", "first", newOps[0].SerialID,
			"last", newOps[len(newOps)-1].SerialID)
		w.sink.AddPriorityOps(newOps)
	}
	if err := w.storage.SetLastWatchedBlock(to); err != nil {
		return dbError(err)
	}
	w.stats.UpdateSync(to, next)
	metric.LastWatchedBlock.Set(float64(to))
	return nil
}

func (w *Watcher) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryInitialInterval
	b.MaxInterval = w.cfg.RetryMaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, w.cfg.RetryBudget), ctx)
}

// withRetry runs op until it succeeds, retrying transient errors with an
// exponential backoff.  Once the retry budget is spent it returns an
// L1Transient error.
func (w *Watcher) withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	err := backoff.RetryNotify(func() error {
		err := op()
		if err != nil && isFatal(err) {
			return backoff.Permanent(err)
		}
		lastErr = err
		return err
	}, w.newBackOff(ctx), func(err error, d time.Duration) {
		metric.L1Retries.WithLabelValues("ethwatch").Inc()
		log.Warnw("EthWatch: retrying", "err", err, "in", d)
	})
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return common.Wrap(common.ErrDone)
	case isFatal(err):
		return common.Wrap(err)
	default:
		return common.Wrap(common.NewOpError(common.KindL1Transient,
			"L1 unreachable after %d retries: %v", w.cfg.RetryBudget, lastErr))
	}
}

// Run restores the state and polls L1 every PollInterval until ctx is done.
// It returns an error when the retry budget is exhausted or on
// irrecoverable errors.
func (w *Watcher) Run(ctx context.Context) error {
	err := w.withRetry(ctx, func() error {
		head, err := w.client.EthLastBlock()
		if err != nil {
			return common.Wrap(err)
		}
		return w.RestoreStateFromEth(head)
	})
	if common.IsErrDone(err) {
		return nil
	} else if err != nil {
		return common.Wrap(err)
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("EthWatch: done")
			return nil
		case <-ticker.C:
			err := w.withRetry(ctx, w.Poll)
			if common.IsErrDone(err) {
				return nil
			} else if err != nil {
				log.Errorw("EthWatch: stopping", "err", err)
				return common.Wrap(err)
			}
		}
	}
}

// PriorityOpBySerialID returns a priority op of the priority queue
func (w *Watcher) PriorityOpBySerialID(serialID uint64) (*common.PriorityOp, bool) {
	w.rw.RLock()
	defer w.rw.RUnlock()
	op, ok := w.state.priorityQueue[serialID]
	return op, ok
}

// PriorityQueueOps returns the contiguous priority ops from start that fit
// in maxChunks chunks
func (w *Watcher) PriorityQueueOps(start uint64, maxChunks int) []*common.PriorityOp {
	w.rw.RLock()
	defer w.rw.RUnlock()
	ops := make([]*common.PriorityOp, 0)
	for {
		op, ok := w.state.priorityQueue[start]
		if !ok || op.Chunks() > maxChunks {
			return ops
		}
		ops = append(ops, op)
		maxChunks -= op.Chunks()
		start++
	}
}

// UnconfirmedDeposits returns the deposits to or from address that are
// waiting for confirmations
func (w *Watcher) UnconfirmedDeposits(address ethCommon.Address) []common.PriorityOp {
	w.rw.RLock()
	defer w.rw.RUnlock()
	deposits := make([]common.PriorityOp, 0)
	for _, op := range w.state.unconfirmed {
		if deposit, ok := op.Data.(*common.Deposit); ok &&
			(deposit.From == address || deposit.To == address) {
			deposits = append(deposits, op)
		}
	}
	return deposits
}

// UnconfirmedOpByEthHash returns the unconfirmed priority op requested in
// the L1 tx hash
func (w *Watcher) UnconfirmedOpByEthHash(hash ethCommon.Hash) (*common.PriorityOp, bool) {
	w.rw.RLock()
	defer w.rw.RUnlock()
	for i := range w.state.unconfirmed {
		if w.state.unconfirmed[i].EthHash == hash {
			op := w.state.unconfirmed[i]
			return &op, true
		}
	}
	return nil, false
}
