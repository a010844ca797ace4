/*
Package node does the initialization of all the required objects to run the
rollup operator and supervises them.

The Node wires the components through bounded channels:

	EthWatch -> Mempool <-> StateKeeper -> CommitQueue -> Aggregator -> TxManager
	                                                   -> prover JobQueue <- workers (HTTP)

Every component runs in its own goroutine of an errgroup.  The first
component that fails cancels the others, and ExitCode maps its error to the
process exit code.  In validator mode a Synchronizer also replays the
committed blocks from L1 and compares them with the sealed ones.
*/
package node

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"time"

	"zkrollup-node/api"
	"zkrollup-node/common"
	"zkrollup-node/config"
	"zkrollup-node/coordinator"
	"zkrollup-node/coordinator/prover"
	dbUtils "zkrollup-node/database"
	"zkrollup-node/database/historydb"
	"zkrollup-node/database/l2db"
	"zkrollup-node/database/statedb"
	"zkrollup-node/eth"
	"zkrollup-node/ethwatch"
	"zkrollup-node/etherscan"
	"zkrollup-node/log"
	"zkrollup-node/mempool"
	"zkrollup-node/statekeeper"
	"zkrollup-node/synchronizer"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/russross/meddler"
	"golang.org/x/sync/errgroup"
)

// Exit codes of the node process
const (
	ExitOK             = 0
	ExitOther          = 1
	ExitL1             = 2
	ExitRootDivergence = 3
	ExitDatabase       = 4
)

const (
	channelsLen     = 16
	shutdownTimeout = 10 * time.Second
)

// ExitCode returns the process exit code for the error that stopped the
// node
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case common.IsKind(err, common.KindRootDivergence):
		return ExitRootDivergence
	case common.IsKind(err, common.KindL1Transient), common.IsKind(err, common.KindL1Permanent):
		return ExitL1
	case common.IsKind(err, common.KindDatabase):
		return ExitDatabase
	default:
		return ExitOther
	}
}

// Node is the rollup operator node
type Node struct {
	cfg *config.Node

	keeper    *statekeeper.StateKeeper
	mempool   *mempool.Mempool
	watcher   *ethwatch.Watcher
	coord     *coordinator.Coordinator
	jobQueue  *prover.JobQueue
	proverSrv *prover.Server
	api       *api.API
	validator *synchronizer.Synchronizer

	proposals chan mempool.BlockRequest
	executed  chan []ethCommon.Hash

	stateDB      *statedb.StateDB
	sqlConnRead  *sqlx.DB
	sqlConnWrite *sqlx.DB
}

// InitSQL opens the write and the optional read connections and runs the
// migrations
func InitSQL(cfg *config.Node) (dbRead, dbWrite *sqlx.DB, err error) {
	meddler.Debug = cfg.Debug.MeddlerLogs
	dbWrite, err = dbUtils.InitSQLDB(
		cfg.PostgreSQL.PortWrite,
		cfg.PostgreSQL.HostWrite,
		cfg.PostgreSQL.UserWrite,
		cfg.PostgreSQL.PasswordWrite,
		cfg.PostgreSQL.NameWrite,
	)
	if err != nil {
		return nil, nil, common.Wrap(fmt.Errorf("dbUtils.InitSQLDB: %w", err))
	}
	if cfg.PostgreSQL.HostRead == "" {
		return dbWrite, dbWrite, nil
	} else if cfg.PostgreSQL.HostRead == cfg.PostgreSQL.HostWrite {
		return nil, nil, common.Wrap(fmt.Errorf(
			"PostgreSQL.HostRead and PostgreSQL.HostWrite must be different",
		))
	}
	dbRead, err = dbUtils.ConnectSQLDB(
		cfg.PostgreSQL.PortRead,
		cfg.PostgreSQL.HostRead,
		cfg.PostgreSQL.UserRead,
		cfg.PostgreSQL.PasswordRead,
		cfg.PostgreSQL.NameRead,
	)
	if err != nil {
		return nil, nil, common.Wrap(fmt.Errorf("dbUtils.ConnectSQLDB: %w", err))
	}
	return dbRead, dbWrite, nil
}

func isDirectoryEmpty(path string) (bool, error) {
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(dirEntries) == 0, nil
}

// NewEthClient dials the L1 node.  When withAccount is set the operator
// account is unlocked from the keystore so that the client can send txs.
func NewEthClient(cfg *config.Node, withAccount bool) (*eth.Client, error) {
	ethClient, err := ethclient.Dial(cfg.Web3.URL)
	if err != nil {
		return nil, common.Wrap(err)
	}
	var account *accounts.Account
	var keyStore *keystore.KeyStore
	if withAccount {
		scryptN := keystore.StandardScryptN
		scryptP := keystore.StandardScryptP
		if cfg.Debug.LightScrypt {
			scryptN = keystore.LightScryptN
			scryptP = keystore.LightScryptP
		}
		isEmpty, err := isDirectoryEmpty(cfg.Operator.Keystore.Path)
		if err != nil {
			return nil, common.Wrap(err)
		}
		if isEmpty {
			return nil, common.Wrap(fmt.Errorf("empty keystore at %v", cfg.Operator.Keystore.Path))
		}
		keyStore = keystore.NewKeyStore(cfg.Operator.Keystore.Path, scryptN, scryptP)
		if !keyStore.HasAddress(cfg.Operator.Address) {
			return nil, common.Wrap(fmt.Errorf(
				"ethereum keystore doesn't have the key for address %v",
				cfg.Operator.Address))
		}
		account = &accounts.Account{Address: cfg.Operator.Address}
		if err := keyStore.Unlock(*account, cfg.Operator.Keystore.Password); err != nil {
			return nil, common.Wrap(err)
		}
		log.Infow("Operator ethereum account unlocked in the keystore",
			"addr", cfg.Operator.Address)

		balance, err := ethClient.BalanceAt(context.Background(), cfg.Operator.Address, nil)
		if err != nil {
			return nil, common.Wrap(err)
		}
		log.Infow("Operator ethereum account balance", "addr", cfg.Operator.Address,
			"balance", balance)
	}
	client, err := eth.NewClient(ethClient, account, keyStore, &eth.ClientConfig{
		Ethereum: eth.EthereumConfig{CallGasLimit: cfg.Coordinator.CallGasLimit},
		Rollup:   eth.RollupConfig{Address: cfg.SmartContracts.Rollup},
		ChainID:  big.NewInt(cfg.Web3.ChainID),
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	chainID, err := client.EthChainID()
	if err != nil {
		return nil, common.Wrap(err)
	}
	log.Infow("Connected to L1", "url", cfg.Web3.URL, "chainID", chainID,
		"rollup", cfg.SmartContracts.Rollup)
	return client, nil
}

// NewNode creates the components of the node.  Nothing runs until Run is
// called.
func NewNode(cfg *config.Node) (*Node, error) {
	dbRead, dbWrite, err := InitSQL(cfg)
	if err != nil {
		return nil, err
	}
	apiConnCon := dbUtils.NewAPIConnectionController(
		cfg.API.MaxSQLConnections,
		cfg.API.SQLConnectionTimeout,
	)
	historyDB := historydb.NewHistoryDB(dbRead, dbWrite, apiConnCon)
	l2DB := l2db.NewL2DB(dbRead, dbWrite, cfg.Mempool.MaxTxs, cfg.Mempool.TTL)
	purged, err := l2DB.Purge(time.Now())
	if err != nil {
		return nil, common.Wrap(err)
	}
	log.Infow("Expired pool txs purged", "txs", purged)

	client, err := NewEthClient(cfg, true)
	if err != nil {
		return nil, err
	}

	stateDB, err := statedb.NewStateDB(statedb.Config{
		Path: cfg.StateDB.Path,
		Keep: cfg.StateDB.Keep,
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	genesis, err := statedb.NewGenesisAccountTree(cfg.Operator.Address)
	if err != nil {
		return nil, common.Wrap(err)
	}
	genesisRoot, err := genesis.RootHash()
	if err != nil {
		return nil, common.Wrap(err)
	}
	clock := clockwork.NewRealClock()

	proposals := make(chan mempool.BlockRequest)
	executed := make(chan []ethCommon.Hash, channelsLen)
	commits := make(chan common.BlockCommitRequest, channelsLen)

	sizes := cfg.StateKeeper.BlockChunkSizes
	maxChunks := sizes[0]
	for _, size := range sizes {
		if size > maxChunks {
			maxChunks = size
		}
	}
	pool, err := mempool.NewMempool(mempool.Config{
		ExecutedCacheSize: cfg.Mempool.ExecutedCacheSize,
		MaxBatchSize:      cfg.Mempool.MaxBatchSize,
		MaxBlockChunks:    maxChunks,
	}, l2DB, historyDB, stateDB)
	if err != nil {
		return nil, common.Wrap(err)
	}

	keeper, err := statekeeper.NewStateKeeper(statekeeper.Config{
		FeeAddress:             cfg.Operator.Address,
		BlockChunkSizes:        cfg.StateKeeper.BlockChunkSizes,
		MaxMiniblockIterations: cfg.StateKeeper.MaxMiniblockIterations,
		MiniblockInterval:      cfg.StateKeeper.MiniblockInterval,
		FastDeposits:           cfg.StateKeeper.FastDeposits,
		AuthFacts:              historyDB,
	}, stateDB, historyDB, clock, statekeeper.Channels{
		Proposals: proposals,
		Executed:  executed,
		Commits:   commits,
	})
	if err != nil {
		return nil, common.Wrap(err)
	}

	watcher := ethwatch.NewWatcher(client, historyDB, pool, ethwatch.Config{
		Confirmations:        cfg.EthWatch.Confirmations,
		PollInterval:         cfg.EthWatch.PollInterval,
		GenesisBlock:         cfg.GenesisBlock,
		MaxBlockRange:        cfg.EthWatch.MaxBlockRange,
		RetryBudget:          cfg.EthWatch.RetryBudget,
		RetryInitialInterval: cfg.EthWatch.RetryInitialInterval,
		RetryMaxInterval:     cfg.EthWatch.RetryMaxInterval,
	})

	var oracle etherscan.Client
	if cfg.Coordinator.Etherscan.URL != "" && cfg.Coordinator.Etherscan.APIKey != "" {
		log.Info("EtherScan method detected in configuration file")
		service, err := etherscan.NewEtherscanService(cfg.Coordinator.Etherscan.URL,
			cfg.Coordinator.Etherscan.APIKey)
		if err != nil {
			return nil, common.Wrap(err)
		}
		oracle = service
	} else {
		log.Info("EtherScan method not configured in config file")
	}

	coord, err := coordinator.NewCoordinator(context.Background(), coordinator.Config{
		Aggregator: coordinator.AggregatorConfig{
			MaxBlocksToCommit:  cfg.Coordinator.MaxBlocksToCommit,
			MaxBlocksToProve:   cfg.Coordinator.MaxBlocksToProve,
			MaxBlocksToExecute: cfg.Coordinator.MaxBlocksToExecute,
		},
		TxManager: coordinator.TxManagerConfig{
			ConfirmBlocks:      cfg.Coordinator.ConfirmBlocks,
			ExpectedWaitBlocks: cfg.Coordinator.ExpectedWaitBlocks,
			MaxInflight:        cfg.Coordinator.MaxInflight,
		},
		GasAdjuster: coordinator.GasAdjusterConfig{
			PriceFactor:         cfg.Coordinator.GasPriceFactor,
			LimitUpdateInterval: cfg.Coordinator.GasPriceLimitUpdateInterval,
			SampleInterval:      cfg.Coordinator.GasPriceSampleInterval,
		},
		CheckInterval: cfg.Coordinator.CheckInterval,
		GenesisRoot:   genesisRoot,
	}, historyDB, client, oracle, commits, clock)
	if err != nil {
		return nil, common.Wrap(err)
	}

	jobQueue, err := prover.NewJobQueue(prover.Config{JobTimeout: cfg.Prover.JobTimeout},
		historyDB, clock)
	if err != nil {
		return nil, common.Wrap(err)
	}
	proverSrv := prover.NewServer(jobQueue, historyDB, cfg.Debug.GinDebug)

	var nodeAPI *api.API
	if cfg.API.Addr != "" {
		nodeAPI = api.NewAPI(pool, historyDB, cfg.Debug.GinDebug)
	}

	var validator *synchronizer.Synchronizer
	if cfg.Synchronizer.Validate {
		validator, err = synchronizer.NewSynchronizer(client, synchronizer.Config{
			FeeAddress:    cfg.Operator.Address,
			StartBlock:    cfg.GenesisBlock,
			MaxBlockRange: cfg.Synchronizer.MaxBlockRange,
			Confirmations: cfg.EthWatch.Confirmations,
			Interval:      cfg.Synchronizer.Interval,
		}, nil, historyDB, clock)
		if err != nil {
			return nil, common.Wrap(err)
		}
	}

	return &Node{
		cfg:          cfg,
		keeper:       keeper,
		mempool:      pool,
		watcher:      watcher,
		coord:        coord,
		jobQueue:     jobQueue,
		proverSrv:    proverSrv,
		api:          nodeAPI,
		validator:    validator,
		proposals:    proposals,
		executed:     executed,
		stateDB:      stateDB,
		sqlConnRead:  dbRead,
		sqlConnWrite: dbWrite,
	}, nil
}

// task runs fn and logs how it ended
func task(ctx context.Context, name string, fn func(ctx context.Context) error) func() error {
	return func() error {
		log.Infow("Starting", "task", name)
		err := fn(ctx)
		if err != nil && ctx.Err() == nil {
			log.Errorw("Task failed", "task", name, "err", err)
			return common.Wrap(fmt.Errorf("%s: %w", name, err))
		}
		log.Infow("Stopped", "task", name)
		return nil
	}
}

// Run runs every component until ctx is done or one of them fails.  It
// returns the error of the first failed component.
func (n *Node) Run(ctx context.Context) error {
	log.Info("Starting node...")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(task(ctx, "Mempool", func(ctx context.Context) error {
		return n.mempool.Run(ctx, n.proposals, n.executed)
	}))
	g.Go(task(ctx, "StateKeeper", n.keeper.Run))
	g.Go(task(ctx, "EthWatch", n.watcher.Run))
	g.Go(task(ctx, "Coordinator", n.coord.Run))
	g.Go(task(ctx, "JobQueue", n.jobQueue.Run))
	g.Go(task(ctx, "ProverServer", func(ctx context.Context) error {
		return n.proverSrv.Run(ctx, n.cfg.Prover.Addr)
	}))
	if n.api != nil {
		g.Go(task(ctx, "API", func(ctx context.Context) error {
			return n.api.Run(ctx, n.cfg.API.Addr)
		}))
	}
	if n.validator != nil {
		g.Go(task(ctx, "Validator", n.validator.Run))
	}
	if n.cfg.Metrics.Addr != "" {
		g.Go(task(ctx, "Metrics", func(ctx context.Context) error {
			return ServeMetrics(ctx, n.cfg.Metrics.Addr)
		}))
	}
	err := g.Wait()
	n.close()
	return err
}

func (n *Node) close() {
	log.Info("Stopping node...")
	n.stateDB.Close()
	if err := n.sqlConnWrite.Close(); err != nil {
		log.Errorw("Closing SQL write connection", "err", err)
	}
	if n.sqlConnRead != n.sqlConnWrite {
		if err := n.sqlConnRead.Close(); err != nil {
			log.Errorw("Closing SQL read connection", "err", err)
		}
	}
}

// ServeMetrics serves the prometheus metrics at addr/metrics until ctx is
// done
func ServeMetrics(ctx context.Context, addr string) error {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	srv := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: shutdownTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("metrics: listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err := <-errCh:
		return common.Wrap(err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return common.Wrap(srv.Shutdown(shutdownCtx))
}
