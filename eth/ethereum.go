package eth

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/eth/contracts/erc20"
	"zkrollup-node/log"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ERC20Consts are the constants defined in a particular ERC20 Token instance
type ERC20Consts struct {
	Name     string
	Symbol   string
	Decimals uint64
}

// EthereumInterface is the interface to Ethereum
type EthereumInterface interface {
	EthChainID() (*big.Int, error)
	EthLastBlock() (int64, error)
	EthBlockByNumber(ctx context.Context, number int64) (*common.EthBlock, error)
	EthAddress() (*ethCommon.Address, error)
	EthPendingNonceAt(ctx context.Context, account ethCommon.Address) (uint64, error)
	EthNonceAt(ctx context.Context, account ethCommon.Address, blockNumber *big.Int) (uint64, error)
	EthSuggestGasPrice(ctx context.Context) (*big.Int, error)
	EthTransactionReceipt(ctx context.Context, txHash ethCommon.Hash) (*types.Receipt, error)
	EthSendTransaction(ctx context.Context, tx *types.Transaction) error
	// EthTransactOpts returns options that sign txs with the node account
	// without sending them
	EthTransactOpts(ctx context.Context, nonce uint64, gasPrice *big.Int) (*bind.TransactOpts, error)
	EthERC20Consts(tokenAddress ethCommon.Address) (*ERC20Consts, error)
}

var (
	// ErrAccountNil is used when the calls can't be made because the account is nil
	ErrAccountNil = fmt.Errorf("authorized calls can't be made when the account is nil")
	// ErrReceiptNotReceived is used when unable to retrieve a transaction
	ErrReceiptNotReceived = fmt.Errorf("receipt not available")
	// ErrBlockHashMismatchEvent is used when there's a block hash mismatch
	// beetween different events of the same block
	ErrBlockHashMismatchEvent = fmt.Errorf("block hash mismatch in event log")
)

const (
	defaultCallGasLimit = 3000000
)

// EthereumConfig defines the configuration parameters of the EthereumClient
type EthereumConfig struct {
	// CallGasLimit is the gas limit of the txs sent to the rollup
	// contract, 0 means the gas is estimated
	CallGasLimit uint64
}

// EthereumClient is an ethereum client to call Smart Contract methods and check blockchain information.
type EthereumClient struct {
	client  *ethclient.Client
	chainID *big.Int
	account *accounts.Account
	ks      *ethKeystore.KeyStore
	config  *EthereumConfig
	opts    *bind.CallOpts
}

// NewEthereumClient creates a EthereumClient instance.  The account is not
// mandatory (it can be nil).  If the account is nil, CallAuth will fail
// with ErrAccountNil.
func NewEthereumClient(client *ethclient.Client, account *accounts.Account,
	ks *ethKeystore.KeyStore, config *EthereumConfig) (*EthereumClient, error) {
	if config == nil {
		config = &EthereumConfig{CallGasLimit: defaultCallGasLimit}
	}
	c := &EthereumClient{
		client:  client,
		account: account,
		ks:      ks,
		config:  config,
		opts:    newCallOpts(),
	}
	chainID, err := c.EthChainID()
	if err != nil {
		return nil, common.Wrap(err)
	}
	c.chainID = chainID
	return c, nil
}

func newCallOpts() *bind.CallOpts {
	return &bind.CallOpts{
		From:    ethCommon.Address{},
		Pending: false,
		Context: context.Background(),
	}
}

// EthChainID returns the ChainID of the ethereum network
func (c *EthereumClient) EthChainID() (*big.Int, error) {
	chainID, err := c.client.ChainID(context.Background())
	if err != nil {
		return nil, common.Wrap(err)
	}
	return chainID, nil
}

// EthAddress returns the ethereum address of the account loaded into the EthereumClient
func (c *EthereumClient) EthAddress() (*ethCommon.Address, error) {
	if c.account == nil {
		return nil, common.Wrap(ErrAccountNil)
	}
	return &c.account.Address, nil
}

// EthLastBlock returns the last block number in the blockchain
func (c *EthereumClient) EthLastBlock() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, common.Wrap(err)
	}
	return header.Number.Int64(), nil
}

// EthBlockByNumber internally calls ethclient.Client.HeaderByNumber and returns
// *common.EthBlock.  If number == -1, the latests known block is returned.
func (c *EthereumClient) EthBlockByNumber(ctx context.Context, number int64) (*common.EthBlock, error) {
	blockNum := big.NewInt(number)
	if number == -1 {
		blockNum = nil
	}
	header, err := c.client.HeaderByNumber(ctx, blockNum)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &common.EthBlock{
		Num:        header.Number.Int64(),
		Timestamp:  time.Unix(int64(header.Time), 0),
		ParentHash: header.ParentHash,
		Hash:       header.Hash(),
	}, nil
}

// EthPendingNonceAt returns the account nonce of the given account in the pending
// state. This is the nonce that should be used for the next transaction.
func (c *EthereumClient) EthPendingNonceAt(ctx context.Context, account ethCommon.Address) (uint64, error) {
	return c.client.PendingNonceAt(ctx, account)
}

// EthNonceAt returns the account nonce of the given account. The block number can
// be nil, in which case the nonce is taken from the latest known block.
func (c *EthereumClient) EthNonceAt(ctx context.Context, account ethCommon.Address,
	blockNumber *big.Int) (uint64, error) {
	return c.client.NonceAt(ctx, account, blockNumber)
}

// EthSuggestGasPrice retrieves the currently suggested gas price to allow a
// timely execution of a transaction
func (c *EthereumClient) EthSuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.client.SuggestGasPrice(ctx)
}

// EthTransactionReceipt returns the transaction receipt of the given txHash,
// ErrReceiptNotReceived while the tx is not mined
func (c *EthereumClient) EthTransactionReceipt(ctx context.Context,
	txHash ethCommon.Hash) (*types.Receipt, error) {
	receipt, err := c.client.TransactionReceipt(ctx, txHash)
	if err == ethereum.NotFound {
		return nil, common.Wrap(ErrReceiptNotReceived)
	}
	return receipt, common.Wrap(err)
}

// EthSendTransaction broadcasts a signed tx
func (c *EthereumClient) EthSendTransaction(ctx context.Context, tx *types.Transaction) error {
	log.Debugw("Ethereum: sending tx", "hash", tx.Hash(), "nonce", tx.Nonce(),
		"gasPrice", tx.GasPrice())
	return common.Wrap(c.client.SendTransaction(ctx, tx))
}

// EthTransactOpts returns the options of a tx signed by the node account with
// the given nonce and gas price, that the contract bindings build without
// sending it
func (c *EthereumClient) EthTransactOpts(ctx context.Context, nonce uint64,
	gasPrice *big.Int) (*bind.TransactOpts, error) {
	if c.account == nil {
		return nil, common.Wrap(ErrAccountNil)
	}
	auth, err := bind.NewKeyStoreTransactorWithChainID(c.ks, *c.account, c.chainID)
	if err != nil {
		return nil, common.Wrap(err)
	}
	auth.Context = ctx
	auth.Nonce = new(big.Int).SetUint64(nonce)
	auth.GasPrice = gasPrice
	auth.GasLimit = c.config.CallGasLimit
	auth.Value = big.NewInt(0)
	auth.NoSend = true
	return auth, nil
}

// EthERC20Consts returns the constants defined for a particular ERC20 Token instance.
func (c *EthereumClient) EthERC20Consts(tokenAddress ethCommon.Address) (*ERC20Consts, error) {
	instance, err := erc20.NewERC20Caller(tokenAddress, c.client)
	if err != nil {
		return nil, common.Wrap(err)
	}
	name, err := instance.Name(c.opts)
	if err != nil {
		return nil, common.Wrap(err)
	}
	symbol, err := instance.Symbol(c.opts)
	if err != nil {
		return nil, common.Wrap(err)
	}
	decimals, err := instance.Decimals(c.opts)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &ERC20Consts{
		Name:     name,
		Symbol:   symbol,
		Decimals: uint64(decimals),
	}, nil
}

// Client returns the internal ethclient.Client
func (c *EthereumClient) Client() *ethclient.Client {
	return c.client
}
