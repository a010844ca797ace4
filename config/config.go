package config

import (
	"fmt"
	"sort"
	"time"

	"zkrollup-node/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator"
)

// DefaultValues are the values of the optional parameters
const DefaultValues = `
[Log]
Level = "info"
Out = ["stdout"]

[PostgreSQL]
PortWrite = 5432
HostWrite = "localhost"
UserWrite = "rollup"
NameWrite = "rollup"

[StateDB]
Keep = 128

[StateKeeper]
BlockChunkSizes = [10, 32, 72, 156, 322, 654]
MaxMiniblockIterations = 10
MiniblockInterval = "200ms"
FastDeposits = false

[Mempool]
ExecutedCacheSize = 65536
MaxBatchSize = 50
MaxTxs = 65536
TTL = "24h"

[EthWatch]
Confirmations = 1
PollInterval = "1s"
MaxBlockRange = 1000
RetryBudget = 10
RetryInitialInterval = "500ms"
RetryMaxInterval = "30s"

[Coordinator]
MaxBlocksToCommit = 5
MaxBlocksToProve = 5
MaxBlocksToExecute = 5
ConfirmBlocks = 3
ExpectedWaitBlocks = 10
MaxInflight = 16
CheckInterval = "1s"
CallGasLimit = 0
GasPriceFactor = 1.5
GasPriceLimitUpdateInterval = "150s"
GasPriceSampleInterval = "15s"

[Prover]
Addr = "0.0.0.0:8088"
BlockChunkSizes = [10, 32, 72, 156, 322, 654]
HeartbeatInterval = "1s"
JobTimeout = "1m"

[Synchronizer]
Validate = false
MaxBlockRange = 1000
Interval = "5s"

[API]
Addr = "0.0.0.0:8086"
MaxSQLConnections = 100
SQLConnectionTimeout = "2s"

[Metrics]
Addr = ""
`

// PostgreSQL is the configuration of the SQL connections.  The read
// connection is optional.
type PostgreSQL struct {
	PortWrite     int    `validate:"required"`
	HostWrite     string `validate:"required"`
	UserWrite     string `validate:"required"`
	PasswordWrite string `env:"POSTGRES_PASSWORD"`
	NameWrite     string `validate:"required"`
	PortRead      int
	HostRead      string
	UserRead      string
	PasswordRead  string
	NameRead      string
}

// Node is the configuration of the node
type Node struct {
	Log struct {
		Level string   `validate:"required,oneof=debug info warn error"`
		Out   []string `validate:"required,min=1"`
	}
	PostgreSQL PostgreSQL
	Web3       struct {
		// URL is the url of the L1 node
		URL string `validate:"required" env:"WEB3_URL"`
		// ChainID is the expected chain id of the L1 node, 0 skips the check
		ChainID int64 `validate:"gte=0" env:"CHAIN_ID"`
	}
	SmartContracts struct {
		Rollup ethCommon.Address `validate:"required"`
	}
	// Operator is the account that signs the L1 txs and owns the fee
	// account created at genesis
	Operator struct {
		Address  ethCommon.Address `validate:"required"`
		Keystore struct {
			Path     string `validate:"required"`
			Password string `env:"KEYSTORE_PASSWORD"`
		}
	}
	// GenesisBlock is the L1 block of the rollup deployment
	GenesisBlock int64
	StateDB      struct {
		Path string `validate:"required"`
		Keep int
	}
	StateKeeper struct {
		// BlockChunkSizes are the sizes blocks are padded to
		BlockChunkSizes        []int         `validate:"required,min=1,dive,gt=0" env:"AVAILABLE_BLOCK_CHUNK_SIZES"`
		MaxMiniblockIterations int           `validate:"required,gt=0" env:"MAX_MINIBLOCK_ITERATIONS"`
		MiniblockInterval      time.Duration `validate:"required" env:"MINIBLOCK_INTERVAL"`
		FastDeposits           bool
	}
	Mempool struct {
		ExecutedCacheSize int `validate:"required,gt=0"`
		MaxBatchSize      int `validate:"required,gt=0"`
		// MaxTxs is the largest number of txs in the pool table
		MaxTxs uint32 `validate:"required"`
		// TTL is the age after which a pool tx is purged at startup
		TTL time.Duration `validate:"required"`
	}
	EthWatch struct {
		Confirmations        int64         `env:"CONFIRMATIONS_FOR_ETH_EVENT" validate:"gte=0"`
		PollInterval         time.Duration `validate:"required"`
		MaxBlockRange        int64         `validate:"required,gt=0"`
		RetryBudget          uint64
		RetryInitialInterval time.Duration `validate:"required"`
		RetryMaxInterval     time.Duration `validate:"required"`
	}
	Coordinator struct {
		MaxBlocksToCommit  int   `validate:"required,gt=0"`
		MaxBlocksToProve   int   `validate:"required,gt=0"`
		MaxBlocksToExecute int   `validate:"required,gt=0"`
		ConfirmBlocks      int64 `validate:"gte=0"`
		ExpectedWaitBlocks int64 `validate:"required,gt=0"`
		MaxInflight        int   `validate:"required,gt=0"`
		CheckInterval      time.Duration `validate:"required"`
		// CallGasLimit is the gas limit of the rollup calls, 0 estimates it
		CallGasLimit                uint64
		GasPriceFactor              float64       `validate:"required,gt=0" env:"GAS_PRICE_FACTOR"`
		GasPriceLimitUpdateInterval time.Duration `validate:"required" env:"GAS_PRICE_LIMIT_UPDATE_INTERVAL"`
		GasPriceSampleInterval      time.Duration `validate:"required" env:"GAS_PRICE_LIMIT_SAMPLE_INTERVAL"`
		Etherscan                   struct {
			URL    string
			APIKey string `env:"ETHERSCAN_API_KEY"`
		}
	}
	Prover struct {
		// Addr is where the prover workers reach the node
		Addr string `validate:"required"`
		// BlockChunkSizes are the block sizes the provers have circuits for
		BlockChunkSizes   []int         `validate:"required,min=1,dive,gt=0" env:"BLOCK_CHUNK_SIZES"`
		HeartbeatInterval time.Duration `validate:"required" env:"PROVER_HEARTBEAT_INTERVAL"`
		JobTimeout        time.Duration `validate:"required" env:"PROVER_JOB_TIMEOUT"`
	}
	Synchronizer struct {
		// Validate replays the committed blocks and compares them with
		// the sealed ones while the node runs
		Validate      bool
		MaxBlockRange int64         `validate:"required,gt=0"`
		Interval      time.Duration `validate:"required"`
	}
	API struct {
		// Addr of the tx intake and history views, disabled when empty
		Addr string
		// MaxSQLConnections is the maximum number of concurrent SQL
		// queries made by the API
		MaxSQLConnections int `validate:"required,gt=0"`
		// SQLConnectionTimeout is how long an API request waits for a
		// free SQL connection
		SQLConnectionTimeout time.Duration `validate:"required"`
	}
	Metrics struct {
		// Addr of the prometheus endpoint, disabled when empty
		Addr string
	}
	Debug struct {
		// MeddlerLogs enables the meddler SQL logs
		MeddlerLogs bool
		// GinDebug sets the prover server and the API in gin debug mode
		GinDebug bool
		// LightScrypt uses light scrypt parameters to decrypt the keystore
		LightScrypt bool
	}
}

// checkSizes checks the cross field constraints that tags can not express
func (cfg *Node) checkSizes() error {
	provable := make(map[int]bool, len(cfg.Prover.BlockChunkSizes))
	for _, size := range cfg.Prover.BlockChunkSizes {
		provable[size] = true
	}
	sizes := append([]int{}, cfg.StateKeeper.BlockChunkSizes...)
	sort.Ints(sizes)
	for _, size := range sizes {
		if !provable[size] {
			return fmt.Errorf("block size %d is not in Prover.BlockChunkSizes %v", size,
				cfg.Prover.BlockChunkSizes)
		}
	}
	if biggest := sizes[len(sizes)-1]; biggest < common.OpWithdrawNFT.Chunks() {
		return fmt.Errorf("biggest block size %d can not fit a %s", biggest, common.OpWithdrawNFT)
	}
	if cfg.Prover.HeartbeatInterval >= cfg.Prover.JobTimeout {
		return fmt.Errorf("Prover.HeartbeatInterval %v must be shorter than Prover.JobTimeout %v",
			cfg.Prover.HeartbeatInterval, cfg.Prover.JobTimeout)
	}
	return nil
}

// LoadNode loads the node configuration from the file at path, a .env file
// and the environment, and validates it
func LoadNode(path string) (*Node, error) {
	var cfg Node
	if err := LoadConfig(path, DefaultValues, &cfg); err != nil {
		return nil, common.Wrap(fmt.Errorf("error loading node configuration file: %w", err))
	}
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, common.Wrap(fmt.Errorf("error validating configuration file: %w", err))
	}
	if err := cfg.checkSizes(); err != nil {
		return nil, common.Wrap(fmt.Errorf("error validating configuration file: %w", err))
	}
	return &cfg, nil
}
