/*
Package eth is the L1 side of the node.

EthereumClient holds the operator account: it signs the rollup calls, tracks
gas and nonces and reads blocks and receipts.  RollupClient reads the events
of the rollup contract by block range (priority requests, new tokens, auth
facts, block commits and reverts), decodes the calldata of commitBlocks for
the data restore, and builds the commitBlocks, proveBlocks, executeBlocks and
completeWithdrawals txs.  The txs are built with NoSend, the coordinator
stores them before broadcasting.
*/
package eth

import (
	"fmt"
	"math/big"

	"zkrollup-node/common"

	"github.com/ethereum/go-ethereum/accounts"
	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ClientInterface is what the watcher, the coordinator and the data restore
// need from L1
type ClientInterface interface {
	EthereumInterface
	RollupInterface
}

// RollupConfig locates the rollup contract
type RollupConfig struct {
	Address ethCommon.Address
}

// Client is the operator account together with the rollup contract
type Client struct {
	EthereumClient
	RollupClient
}

// ClientConfig is the configuration of the Client
type ClientConfig struct {
	Ethereum EthereumConfig
	Rollup   RollupConfig
	// ChainID, when set, must be the chain id of the L1 node
	ChainID *big.Int
}

// NewClient connects the operator account to the rollup contract.  client
// is the only required argument: without account the Client can read L1 but
// not send.
func NewClient(client *ethclient.Client, account *accounts.Account, ks *ethKeystore.KeyStore,
	cfg *ClientConfig) (*Client, error) {
	ethereumClient, err := NewEthereumClient(client, account, ks, &cfg.Ethereum)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if cfg.ChainID != nil && cfg.ChainID.Sign() != 0 {
		chainID, err := ethereumClient.EthChainID()
		if err != nil {
			return nil, common.Wrap(err)
		}
		if chainID.Cmp(cfg.ChainID) != 0 {
			return nil, common.Wrap(fmt.Errorf("L1 node is on chain %v, expected %v",
				chainID, cfg.ChainID))
		}
	}
	rollupClient, err := NewRollupClient(ethereumClient, cfg.Rollup.Address)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &Client{
		EthereumClient: *ethereumClient,
		RollupClient:   *rollupClient,
	}, nil
}
