/*
Package coordinator takes the blocks sealed by the state keeper to L1.

The CommitQueue stores every sealed block together with its account updates
and queues the single block prover job of it, all in one database
transaction.

The Aggregator turns the stored blocks into aggregated operations, in block
order: commitBlocks for the blocks not committed yet, an aggregated prover
job once every block of a range has a single block proof, proveBlocks once
the aggregated proof of committed blocks is stored, executeBlocks once the
proof is confirmed on L1, and completeWithdrawals for executed blocks that
carry withdrawals.

The TxManager sends the aggregated operations to the rollup contract, one L1
tx each, and keeps checking them.  A tx that is not mined before its
deadline block is sent again under the same nonce with a gas price given by
the GasAdjuster.  A tx is only forgotten after a number of confirmation
blocks have passed after being successfully mined.  A reverted commitBlocks
or completeWithdrawals tx is sent again under a new nonce, while a reverted
proveBlocks or executeBlocks tx stops the node.  Every tx is stored before
it is broadcast.

The GasAdjuster samples the network gas price on its own ticker and caps
the prices of the TxManager.
*/
package coordinator

import (
	"context"
	"math/big"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/eth"
	"zkrollup-node/etherscan"
	"zkrollup-node/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

const queueLen = 16

// Storage is the persistence the coordinator needs, implemented by the
// historydb
type Storage interface {
	AddBlock(req *common.BlockCommitRequest) error
	LastBlockNum() (common.BlockNum, error)
	GetBlocks(from, to common.BlockNum) ([]common.Block, error)

	AddProverJob(job *common.ProverJob) error
	LastProverJobBlock(jobType common.ProverJobType) (common.BlockNum, error)
	LastSingleProvedBlock() (common.BlockNum, error)
	GetAggregatedProofFrom(first common.BlockNum) (common.BlockNum, *common.Proof, error)

	AddAggregatedOperation(op *common.AggregatedOperation) error
	GetAggregatedOperation(id int64) (*common.AggregatedOperation, error)
	LastAggregatedBlock(actionType common.AggregatedActionType) (common.BlockNum, error)
	LastConfirmedBlock(actionType common.AggregatedActionType) (common.BlockNum, error)
	GetUnsentAggregatedOperations() ([]common.AggregatedOperation, error)

	AddEthOperation(op *common.EthOperation) error
	ReplaceEthTx(opID int64, hash ethCommon.Hash, gasPrice *big.Int, rawTx []byte,
		deadline int64) error
	DeleteEthOperation(opID int64) error
	ConfirmEthOperation(opID int64, finalHash ethCommon.Hash) error
	GetUnconfirmedEthOperations() ([]common.EthOperation, error)
}

// Config contains the Coordinator configuration
type Config struct {
	Aggregator  AggregatorConfig
	TxManager   TxManagerConfig
	GasAdjuster GasAdjusterConfig
	// CheckInterval is the waiting interval between two rounds of the
	// aggregator and the TxManager when no block is stored
	CheckInterval time.Duration
	// GenesisRoot is the root hash of the state before block 1
	GenesisRoot *big.Int
}

// Coordinator runs the CommitQueue, the Aggregator and the TxManager
type Coordinator struct {
	cfg         Config
	commitQueue *CommitQueue
	aggregator  *Aggregator
	txManager   *TxManager
	gas         *GasAdjuster
	stored      chan common.BlockNum
	clock       clockwork.Clock
}

// NewCoordinator creates a Coordinator that stores the blocks received on
// commits.  oracle can be nil.
func NewCoordinator(ctx context.Context, cfg Config, storage Storage, ethClient eth.ClientInterface,
	oracle etherscan.Client, commits <-chan common.BlockCommitRequest,
	clock clockwork.Clock) (*Coordinator, error) {
	stored := make(chan common.BlockNum, queueLen)
	gas := NewGasAdjuster(cfg.GasAdjuster, ethClient, oracle, clock)
	aggregator, err := NewAggregator(cfg.Aggregator, storage)
	if err != nil {
		return nil, common.Wrap(err)
	}
	txManager, err := NewTxManager(ctx, cfg.TxManager, ethClient, storage, gas, cfg.GenesisRoot)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &Coordinator{
		cfg:         cfg,
		commitQueue: NewCommitQueue(storage, commits, stored),
		aggregator:  aggregator,
		txManager:   txManager,
		gas:         gas,
		stored:      stored,
		clock:       clock,
	}, nil
}

// TxManager returns the TxManager of the coordinator
func (c *Coordinator) TxManager() *TxManager {
	return c.txManager
}

// Run runs the coordinator until ctx is done or a fatal error happens
func (c *Coordinator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.commitQueue.Run(ctx)
	})
	g.Go(func() error {
		return c.gas.Run(ctx)
	})
	g.Go(func() error {
		return c.loop(ctx)
	})
	return g.Wait()
}

func (c *Coordinator) loop(ctx context.Context) error {
	waitDuration := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			log.Info("Coordinator: done")
			return nil
		case <-c.stored:
		case <-c.clock.After(waitDuration):
		}
		waitDuration = c.cfg.CheckInterval
		if err := c.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isFatal(err) {
				log.Errorw("Coordinator: fatal error", "err", err)
				return err
			}
			log.Warnw("Coordinator: Step", "err", err)
		}
	}
}

// Step runs one round of the aggregator and the TxManager
func (c *Coordinator) Step(ctx context.Context) error {
	if err := c.aggregator.Step(); err != nil {
		return err
	}
	return c.txManager.Step(ctx)
}

// isFatal returns true for the errors the node can not recover from
func isFatal(err error) bool {
	return common.IsKind(err, common.KindL1Permanent) ||
		common.IsKind(err, common.KindDatabase) ||
		common.IsKind(err, common.KindRootDivergence)
}

func dbError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := common.AsOpError(err); ok {
		return err
	}
	return common.Wrap(common.NewOpError(common.KindDatabase, "%v", err))
}

func l1Error(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := common.AsOpError(err); ok {
		return err
	}
	return common.Wrap(common.NewOpError(common.KindL1Transient, "%v", err))
}
