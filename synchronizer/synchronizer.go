/*
Package synchronizer restores the rollup state from L1.

The Synchronizer scans the rollup contract events and replays the pubdata of
every committed block into a fresh account tree.  The calldata of each
commitBlocks tx gives the previous stored block and the committed blocks;
the previous state hash must match the replayed tree and the replayed root
must match the committed state hash, otherwise the restore stops with a
RootDivergence error.  Tokens are registered before the ops of the same L1
block range are replayed.  A BlocksRevert event undoes the replayed blocks
above the new committed total.

In validator mode the replayed blocks are also compared against the blocks
sealed by this node.
*/
package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/database"
	"zkrollup-node/database/statedb"
	"zkrollup-node/eth"
	"zkrollup-node/log"
	"zkrollup-node/metric"
	"zkrollup-node/txprocessor"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
)

// Config is the Synchronizer configuration
type Config struct {
	// FeeAddress is the address of the genesis fee account
	FeeAddress ethCommon.Address
	// StartBlock is the first L1 block scanned, the rollup deployment
	StartBlock int64
	// MaxBlockRange is the largest number of L1 blocks read at once
	MaxBlockRange int64
	// Confirmations is the number of L1 blocks an event waits before it
	// is replayed
	Confirmations int64
	// Interval is the waiting time between two steps once synced
	Interval time.Duration
	// StopWhenSynced makes Run return once the last committed block is
	// replayed
	StopWhenSynced bool
}

// LiveBlocks gives the blocks sealed by this node, implemented by the
// historydb
type LiveBlocks interface {
	GetBlock(number common.BlockNum) (*common.Block, common.AccountUpdates, error)
}

// RestoredBlock is a block replayed from L1
type RestoredBlock struct {
	Number     common.BlockNum
	EthTxHash  ethCommon.Hash
	EthBlock   int64
	FeeAccount common.AccountID
	Timestamp  uint64
	RootHash   *big.Int
	Commitment ethCommon.Hash
	Ops        []common.Operation
	Updates    common.AccountUpdates
}

// Stats of the synchronizer
type Stats struct {
	Eth struct {
		FirstBlockNum int64
		LastBlockNum  int64
	}
	Sync struct {
		Updated      time.Time
		LastEthBlock int64
		LastBlock    common.BlockNum
		RootHash     *big.Int
	}
}

// Synced returns true if every confirmed L1 block has been scanned
func (s *Stats) Synced() bool {
	return s.Sync.LastEthBlock >= s.Eth.LastBlockNum
}

// StatsHolder stores stats and that allows reading and writing them
// concurrently
type StatsHolder struct {
	Stats
	rw sync.RWMutex
}

// NewStatsHolder creates a new StatsHolder
func NewStatsHolder(firstBlockNum int64) *StatsHolder {
	stats := Stats{}
	stats.Eth.FirstBlockNum = firstBlockNum
	stats.Sync.LastEthBlock = firstBlockNum - 1
	return &StatsHolder{Stats: stats}
}

// UpdateEth updates the last confirmed L1 block
func (s *StatsHolder) UpdateEth(lastBlockNum int64) {
	s.rw.Lock()
	s.Eth.LastBlockNum = lastBlockNum
	s.rw.Unlock()
}

// UpdateSync updates the synchronizer stats
func (s *StatsHolder) UpdateSync(lastEthBlock int64, lastBlock common.BlockNum, root *big.Int,
	now time.Time) {
	s.rw.Lock()
	s.Sync.LastEthBlock = lastEthBlock
	s.Sync.LastBlock = lastBlock
	s.Sync.RootHash = copyBigInt(root)
	s.Sync.Updated = now
	s.rw.Unlock()
}

func copyBigInt(a *big.Int) *big.Int {
	if a == nil {
		return nil
	}
	return new(big.Int).Set(a)
}

// CopyStats returns a copy of the inner Stats
func (s *StatsHolder) CopyStats() *Stats {
	s.rw.RLock()
	sCopy := s.Stats
	sCopy.Sync.RootHash = copyBigInt(s.Sync.RootHash)
	s.rw.RUnlock()
	return &sCopy
}

// Synchronizer implements the data restore
type Synchronizer struct {
	client  eth.ClientInterface
	cfg     Config
	stateDB *statedb.StateDB
	live    LiveBlocks
	clock   clockwork.Clock

	tree   *statedb.AccountTree
	tp     *txprocessor.TxProcessor
	tokens map[common.TokenID]common.Token
	// lastBlock is the last replayed block
	lastBlock common.BlockNum
	restored  []RestoredBlock
	nextEth   int64
	stats     *StatsHolder
}

// NewSynchronizer creates a Synchronizer.  stateDB and live are optional:
// with a stateDB every replayed block is checkpointed and a restarted
// restore resumes after its current block; with live blocks the restore
// runs in validator mode.
func NewSynchronizer(client eth.ClientInterface, cfg Config, stateDB *statedb.StateDB,
	live LiveBlocks, clock clockwork.Clock) (*Synchronizer, error) {
	if cfg.MaxBlockRange <= 0 {
		return nil, common.Wrap(fmt.Errorf("invalid MaxBlockRange %d", cfg.MaxBlockRange))
	}
	s := &Synchronizer{
		client:  client,
		cfg:     cfg,
		stateDB: stateDB,
		live:    live,
		clock:   clock,
		tokens:  make(map[common.TokenID]common.Token),
		nextEth: cfg.StartBlock,
		stats:   NewStatsHolder(cfg.StartBlock),
	}
	if err := s.loadTree(); err != nil {
		return nil, err
	}
	root, err := s.tree.RootHash()
	if err != nil {
		return nil, common.Wrap(err)
	}
	s.stats.UpdateSync(cfg.StartBlock-1, s.lastBlock, root, clock.Now())
	log.Infow("Synchronizer: started", "block", s.lastBlock, "root", root, "startEthBlock", cfg.StartBlock)
	return s, nil
}

func (s *Synchronizer) loadTree() error {
	var err error
	if s.stateDB != nil {
		s.tree, err = s.stateDB.LoadTree(s.cfg.FeeAddress)
		s.lastBlock = s.stateDB.CurrentBlock()
	} else {
		s.tree, err = statedb.NewGenesisAccountTree(s.cfg.FeeAddress)
		s.lastBlock = 0
	}
	if err != nil {
		return common.Wrap(err)
	}
	s.tp = txprocessor.NewTxProcessor(s.tree, txprocessor.Config{})
	return nil
}

// Tree returns the replayed account tree
func (s *Synchronizer) Tree() *statedb.AccountTree {
	return s.tree
}

// LastBlock returns the last replayed block
func (s *Synchronizer) LastBlock() common.BlockNum {
	return s.lastBlock
}

// RestoredBlocks returns the blocks replayed since the Synchronizer was
// created, with their account updates
func (s *Synchronizer) RestoredBlocks() []RestoredBlock {
	return append([]RestoredBlock{}, s.restored...)
}

// Tokens returns the registered tokens
func (s *Synchronizer) Tokens() []common.Token {
	tokens := make([]common.Token, 0, len(s.tokens))
	for _, token := range s.tokens {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].TokenID < tokens[j].TokenID })
	return tokens
}

// Stats returns a copy of the Synchronizer Stats.  It is safe to call Stats()
// during a Sync call
func (s *Synchronizer) Stats() *Stats {
	return s.stats.CopyStats()
}

func l1Error(err error) error {
	if _, ok := common.AsOpError(err); ok {
		return err
	}
	return common.Wrap(common.NewOpError(common.KindL1Transient, "%v", err))
}

// Sync replays the blocks committed in the next range of confirmed L1
// blocks and returns them.  It returns no blocks once synced.
func (s *Synchronizer) Sync(ctx context.Context) ([]RestoredBlock, error) {
	head, err := s.client.EthLastBlock()
	if err != nil {
		return nil, l1Error(err)
	}
	confirmed := head - s.cfg.Confirmations
	s.stats.UpdateEth(confirmed)
	if s.nextEth > confirmed {
		return nil, nil
	}
	to := s.nextEth + s.cfg.MaxBlockRange - 1
	if to > confirmed {
		to = confirmed
	}
	events, err := s.client.RollupEventsByRange(s.nextEth, to)
	if err != nil {
		return nil, l1Error(err)
	}
	for _, token := range events.NewToken {
		s.tokens[token.TokenID] = token
		log.Debugw("Synchronizer: new token", "id", token.TokenID, "address", token.EthAddr)
	}

	first := len(s.restored)
	commitArgs := make(map[ethCommon.Hash]*eth.RollupCommitBlocksArgs)
	reverts := events.BlocksRevert
	for _, commit := range events.BlockCommit {
		for len(reverts) > 0 && reverts[0].EthBlock < commit.EthBlock {
			if err := s.revert(reverts[0].TotalBlocksCommitted); err != nil {
				return nil, err
			}
			reverts = reverts[1:]
		}
		if commit.BlockNumber <= s.lastBlock {
			continue
		}
		if ctx.Err() != nil {
			return nil, common.Wrap(ctx.Err())
		}
		args, ok := commitArgs[commit.EthTxHash]
		if !ok {
			args, err = s.client.RollupCommitBlocksArgs(commit.EthTxHash)
			if err != nil {
				return nil, l1Error(err)
			}
			commitArgs[commit.EthTxHash] = args
		}
		if err := s.replayCommit(commit, args); err != nil {
			return nil, err
		}
	}
	for _, revert := range reverts {
		if err := s.revert(revert.TotalBlocksCommitted); err != nil {
			return nil, err
		}
	}

	s.nextEth = to + 1
	root, err := s.tree.RootHash()
	if err != nil {
		return nil, common.Wrap(err)
	}
	s.stats.UpdateSync(to, s.lastBlock, root, s.clock.Now())
	if first > len(s.restored) {
		first = len(s.restored)
	}
	restored := append([]RestoredBlock{}, s.restored[first:]...)
	if len(restored) > 0 {
		log.Infow("Synchronizer: blocks restored", "from", restored[0].Number,
			"to", restored[len(restored)-1].Number, "ethBlock", to, "root", root)
	}
	return restored, nil
}

// replayCommit replays the block of commit, which must follow the last
// replayed block
func (s *Synchronizer) replayCommit(commit eth.RollupEventBlock, args *eth.RollupCommitBlocksArgs) error {
	number := commit.BlockNumber
	if number != s.lastBlock+1 {
		return common.Wrap(fmt.Errorf("committed block %d does not follow the last restored block %d",
			number, s.lastBlock))
	}
	root, err := s.tree.RootHash()
	if err != nil {
		return common.Wrap(err)
	}
	idx := -1
	for i := range args.NewBlocksData {
		if common.BlockNum(args.NewBlocksData[i].BlockNumber) == number {
			idx = i
			break
		}
	}
	if idx < 0 {
		return common.Wrap(fmt.Errorf("block %d not found in the calldata of tx %s", number,
			commit.EthTxHash.Hex()))
	}
	if idx == 0 {
		prev := args.LastCommittedBlockData
		if common.BlockNum(prev.BlockNumber) != s.lastBlock ||
			ethCommon.Hash(prev.StateHash) != ethCommon.BigToHash(root) {
			return common.Wrap(common.NewOpError(common.KindRootDivergence,
				"block %d commits over block %d with root %s, restored root %s",
				number, prev.BlockNumber, ethCommon.Hash(prev.StateHash).Hex(),
				ethCommon.BigToHash(root).Hex()))
		}
	}
	info := &args.NewBlocksData[idx]
	restored, err := s.replay(info, root)
	if err != nil {
		return err
	}
	restored.EthTxHash = commit.EthTxHash
	restored.EthBlock = commit.EthBlock
	if s.live != nil {
		if err := s.validate(restored); err != nil {
			if rerr := txprocessor.RevertUpdates(s.tree, restored.Updates); rerr != nil {
				log.Errorw("Synchronizer: revert of a rejected block", "block", number, "err", rerr)
			}
			return err
		}
	}
	if s.stateDB != nil {
		if err := s.stateDB.CommitBlock(number, s.tree, restored.Updates); err != nil {
			return common.Wrap(err)
		}
	}
	s.lastBlock = number
	s.restored = append(s.restored, *restored)
	metric.RestoredBlocks.Inc()
	log.Debugw("Synchronizer: block restored", "block", number, "ops", len(restored.Ops),
		"updates", len(restored.Updates), "ethTx", commit.EthTxHash)
	return nil
}

// replay applies the ops of a committed block to the tree.  On error the
// tree is left as before the block.
func (s *Synchronizer) replay(info *common.CommitBlockInfo, oldRoot *big.Int) (*RestoredBlock, error) {
	number := common.BlockNum(info.BlockNumber)
	ops, err := common.DecodePubData(info.PublicData)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("block %d: %w", number, err))
	}
	restored := &RestoredBlock{
		Number:     number,
		FeeAccount: common.AccountID(info.FeeAccount),
		Timestamp:  info.Timestamp.Uint64(),
	}
	fail := func(err error) (*RestoredBlock, error) {
		if rerr := txprocessor.RevertUpdates(s.tree, restored.Updates); rerr != nil {
			log.Errorw("Synchronizer: revert of a partially replayed block", "block", number, "err", rerr)
		}
		return nil, err
	}
	for i, op := range ops {
		if err := s.checkTokens(op); err != nil {
			return fail(common.Wrap(fmt.Errorf("block %d op %d: %w", number, i, err)))
		}
		res, err := s.tp.ReplayOperation(op, restored.FeeAccount)
		if err != nil {
			return fail(common.Wrap(common.NewOpError(common.KindRootDivergence,
				"block %d op %d (%s) can not be replayed: %v", number, i, op.OpCode(), err)))
		}
		if op.OpCode() != common.OpNoop {
			restored.Ops = append(restored.Ops, op)
		}
		restored.Updates = append(restored.Updates, res.Updates...)
	}
	root, err := s.tree.RootHash()
	if err != nil {
		return fail(common.Wrap(err))
	}
	if ethCommon.BigToHash(root) != ethCommon.Hash(info.NewStateHash) {
		log.Errorw("Synchronizer: root divergence", "block", number, "restored", root,
			"committed", ethCommon.Hash(info.NewStateHash))
		return fail(common.Wrap(common.NewRootDivergence(number)))
	}
	restored.RootHash = root
	restored.Commitment = common.BlockCommitment(number, restored.FeeAccount, oldRoot, root,
		restored.Timestamp, info.PublicData)
	return restored, nil
}

// checkTokens returns an error when op moves a fungible token that is not
// registered.  Token 0 is ether and NFTs are registered by MintNFT.
func (s *Synchronizer) checkTokens(op common.Operation) error {
	var tokens []common.TokenID
	switch op := op.(type) {
	case *common.DepositOp:
		tokens = []common.TokenID{op.Token}
	case *common.TransferToNewOp:
		tokens = []common.TokenID{op.Token}
	case *common.WithdrawOp:
		tokens = []common.TokenID{op.Token}
	case *common.TransferOp:
		tokens = []common.TokenID{op.Token}
	case *common.FullExitOp:
		tokens = []common.TokenID{op.Token}
	case *common.ChangePubKeyOp:
		tokens = []common.TokenID{op.FeeToken}
	case *common.ForcedExitOp:
		tokens = []common.TokenID{op.Token}
	case *common.MintNFTOp:
		tokens = []common.TokenID{op.FeeToken}
	case *common.WithdrawNFTOp:
		tokens = []common.TokenID{op.FeeToken}
	case *common.SwapOp:
		tokens = []common.TokenID{op.Tokens[0], op.Tokens[1], op.FeeToken}
	}
	for _, token := range tokens {
		if token == 0 || !token.IsFungible() {
			continue
		}
		if _, ok := s.tokens[token]; !ok {
			return common.NewOpError(common.KindInvalidTokenID, "token %d is not registered", token)
		}
	}
	return nil
}

// validate compares a restored block with the block sealed by this node
func (s *Synchronizer) validate(restored *RestoredBlock) error {
	block, _, err := s.live.GetBlock(restored.Number)
	if err != nil {
		if errors.Is(common.Unwrap(err), database.ErrNotFound) {
			log.Warnw("Synchronizer: committed block not sealed by this node", "block", restored.Number)
			return nil
		}
		return common.Wrap(err)
	}
	if block.NewRootHash.Cmp(restored.RootHash) != 0 || block.Commitment != restored.Commitment {
		log.Errorw("Synchronizer: committed block differs from the sealed one", "block", restored.Number,
			"sealedRoot", block.NewRootHash, "restoredRoot", restored.RootHash,
			"sealedCommitment", block.Commitment, "restoredCommitment", restored.Commitment)
		return common.Wrap(common.NewRootDivergence(restored.Number))
	}
	return nil
}

// revert drops the replayed blocks above committed
func (s *Synchronizer) revert(committed common.BlockNum) error {
	if committed >= s.lastBlock {
		return nil
	}
	log.Warnw("Synchronizer: blocks reverted on L1", "from", committed+1, "to", s.lastBlock)
	if s.stateDB != nil {
		if err := s.stateDB.Reset(committed); err != nil {
			return common.Wrap(err)
		}
		if err := s.loadTree(); err != nil {
			return err
		}
	} else {
		for i := len(s.restored) - 1; i >= 0 && s.restored[i].Number > committed; i-- {
			if err := txprocessor.RevertUpdates(s.tree, s.restored[i].Updates); err != nil {
				return common.Wrap(err)
			}
		}
	}
	keep := len(s.restored)
	for keep > 0 && s.restored[keep-1].Number > committed {
		keep--
	}
	if s.stateDB == nil && keep > 0 && s.restored[keep-1].Number != committed {
		return common.Wrap(fmt.Errorf("revert to block %d before the first restored block", committed))
	}
	s.restored = s.restored[:keep]
	s.lastBlock = committed
	return nil
}

// Run syncs until ctx is done, a RootDivergence or another non transient
// error happens, or the restore is synced when StopWhenSynced is set
func (s *Synchronizer) Run(ctx context.Context) error {
	for {
		_, err := s.Sync(ctx)
		if ctx.Err() != nil {
			log.Info("Synchronizer: done")
			return nil
		}
		if err != nil {
			if !common.IsKind(err, common.KindL1Transient) {
				log.Errorw("Synchronizer: Sync", "err", err)
				return err
			}
			log.Warnw("Synchronizer: Sync", "err", err)
		} else if stats := s.Stats(); !stats.Synced() {
			continue
		} else if s.cfg.StopWhenSynced {
			log.Infow("Synchronizer: synced", "block", stats.Sync.LastBlock, "root", stats.Sync.RootHash)
			return nil
		}
		select {
		case <-ctx.Done():
			log.Info("Synchronizer: done")
			return nil
		case <-s.clock.After(s.cfg.Interval):
		}
	}
}
