package test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"sync"

	"zkrollup-node/common"
	"zkrollup-node/eth"
	"zkrollup-node/log"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/jonboulle/clockwork"
	"github.com/mitchellh/copystructure"
)

func init() {
	log.Init("debug", []string{"stdout"})
	copystructure.Copiers[reflect.TypeOf(big.Int{})] =
		func(raw interface{}) (interface{}, error) {
			in := raw.(big.Int)
			out := new(big.Int).Set(&in)
			return *out, nil
		}
}

// EthereumBlock stores all the data of a block of the test L1
type EthereumBlock struct {
	BlockNum   int64
	Time       int64
	Hash       ethCommon.Hash
	ParentHash ethCommon.Hash
	Events     eth.RollupEvents
	Txs        map[ethCommon.Hash]*types.Transaction
	// Reverted are the txs of the block whose receipt has a failed status
	Reverted map[ethCommon.Hash]bool
}

func newEthereumBlock(num int64, parent ethCommon.Hash) *EthereumBlock {
	return &EthereumBlock{
		BlockNum:   num,
		ParentHash: parent,
		Events:     eth.NewRollupEvents(),
		Txs:        make(map[ethCommon.Hash]*types.Transaction),
		Reverted:   make(map[ethCommon.Hash]bool),
	}
}

// ClientSetup is used to initialize the test Client
type ClientSetup struct {
	ChainID *big.Int
	// GasPrice is the price returned by EthSuggestGasPrice
	GasPrice *big.Int
	// StartBlock is the number of blocks mined at creation
	StartBlock int64
}

// NewClientSetupExample returns a ClientSetup example with hardcoded realistic
// values.
//
//nolint:gomnd
func NewClientSetupExample() *ClientSetup {
	return &ClientSetup{
		ChainID:    big.NewInt(1337),
		GasPrice:   big.NewInt(1_000_000_000),
		StartBlock: 2,
	}
}

type rollupCall struct {
	Name string
	// Commit is set in commitBlocks calls
	Commit *eth.RollupCommitBlocksArgs
	// LastBlock is the last block proven or executed
	LastBlock common.BlockNum
}

type transactionData struct {
	Name  string
	Value interface{}
}

var _ eth.ClientInterface = (*Client)(nil)

// Client implements the eth.ClientInterface interface, allowing to manipulate the
// values for testing, working with deterministic results.
type Client struct {
	rw      sync.RWMutex
	log     bool
	addr    *ethCommon.Address
	chainID *big.Int
	clock   clockwork.Clock
	hasher  hasher

	blocks   map[int64]*EthereumBlock
	blockNum int64 // last mined block num
	next     *EthereumBlock

	tokens      map[ethCommon.Address]eth.ERC20Consts
	nextTokenID common.TokenID
	serialID    uint64

	gasPrice *big.Int
	// minGasPrice is the price below which sent txs are not mined
	minGasPrice *big.Int
	nonce       uint64
	pool        map[uint64]*types.Transaction
	calls       map[ethCommon.Hash]*rollupCall
	commitArgs  map[ethCommon.Hash]*eth.RollupCommitBlocksArgs
	revertNext  map[string]bool
	totals      eth.RollupTotals

	// failCalls is the number of upcoming L1 reads that fail with a
	// transient error
	failCalls int
}

// NewClient returns a new test Client that implements the eth.ClientInterface
// interface, with setup.StartBlock blocks mined.
func NewClient(l bool, clock clockwork.Clock, addr *ethCommon.Address, setup *ClientSetup) *Client {
	c := &Client{
		log:         l,
		addr:        addr,
		chainID:     setup.ChainID,
		clock:       clock,
		blocks:      make(map[int64]*EthereumBlock),
		tokens:      make(map[ethCommon.Address]eth.ERC20Consts),
		nextTokenID: 1,
		gasPrice:    new(big.Int).Set(setup.GasPrice),
		pool:        make(map[uint64]*types.Transaction),
		calls:       make(map[ethCommon.Hash]*rollupCall),
		commitArgs:  make(map[ethCommon.Hash]*eth.RollupCommitBlocksArgs),
		revertNext:  make(map[string]bool),
	}
	genesis := newEthereumBlock(0, ethCommon.Hash{})
	genesis.Time = clock.Now().Unix()
	genesis.Hash = c.hasher.Next()
	c.blocks[0] = genesis
	c.next = newEthereumBlock(1, genesis.Hash)
	for i := int64(0); i < setup.StartBlock; i++ {
		c.CtlMineBlock()
	}
	return c
}

//
// Mock Control
//

// Debugw calls log.Debugw if c.log is true
func (c *Client) Debugw(template string, kv ...interface{}) {
	if c.log {
		log.Debugw(template, kv...)
	}
}

type hasher struct {
	counter uint64
}

// Next returns the next hash
func (h *hasher) Next() ethCommon.Hash {
	var hash ethCommon.Hash
	h.counter++
	binary.LittleEndian.PutUint64(hash[:], h.counter)
	return hash
}

// CtlSetAddr sets the address of the client
func (c *Client) CtlSetAddr(addr ethCommon.Address) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.addr = &addr
}

// CtlSetGasPrice sets the price returned by EthSuggestGasPrice
func (c *Client) CtlSetGasPrice(price *big.Int) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.gasPrice = new(big.Int).Set(price)
}

// CtlSetMinGasPrice makes the txs priced below price stay in the pool
// when mining.  nil mines every tx.
func (c *Client) CtlSetMinGasPrice(price *big.Int) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.minGasPrice = price
}

// CtlRevertNext makes the next mined call to the rollup method name fail
func (c *Client) CtlRevertNext(name string) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.revertNext[name] = true
}

// CtlFailCalls makes the next n L1 reads fail with a transient error
func (c *Client) CtlFailCalls(n int) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.failCalls = n
}

func (c *Client) failCall(name string) error {
	if c.failCalls > 0 {
		c.failCalls--
		return common.Wrap(common.NewOpError(common.KindL1Transient, "%s: connection refused", name))
	}
	return nil
}

// CtlMineBlock moves one block forward, mining the pool txs whose nonces
// follow the account nonce
func (c *Client) CtlMineBlock() {
	c.rw.Lock()
	defer c.rw.Unlock()

	block := c.next
	for {
		tx, ok := c.pool[c.nonce]
		if !ok || (c.minGasPrice != nil && tx.GasPrice().Cmp(c.minGasPrice) < 0) {
			break
		}
		delete(c.pool, c.nonce)
		c.nonce++
		c.mineTx(block, tx)
	}
	block.Time = c.clock.Now().Unix()
	block.Hash = c.hasher.Next()
	c.blockNum = block.BlockNum
	c.blocks[block.BlockNum] = block
	c.next = newEthereumBlock(block.BlockNum+1, block.Hash)
	c.Debugw("TestClient mined block", "blockNum", c.blockNum, "txs", len(block.Txs))
}

func (c *Client) mineTx(block *EthereumBlock, tx *types.Transaction) {
	hash := tx.Hash()
	block.Txs[hash] = tx
	call, ok := c.calls[hash]
	if !ok {
		return
	}
	if c.revertNext[call.Name] {
		delete(c.revertNext, call.Name)
		block.Reverted[hash] = true
		return
	}
	switch call.Name {
	case "commitBlocks":
		c.commitArgs[hash] = call.Commit
		for _, b := range call.Commit.NewBlocksData {
			c.totals.Committed = common.BlockNum(b.BlockNumber)
			block.Events.BlockCommit = append(block.Events.BlockCommit, eth.RollupEventBlock{
				BlockNumber: common.BlockNum(b.BlockNumber),
				EthTxHash:   hash,
				EthBlock:    block.BlockNum,
			})
		}
	case "proveBlocks":
		for n := c.totals.Proven + 1; n <= call.LastBlock; n++ {
			block.Events.BlockVerification = append(block.Events.BlockVerification, eth.RollupEventBlock{
				BlockNumber: n,
				EthTxHash:   hash,
				EthBlock:    block.BlockNum,
			})
		}
		c.totals.Proven = call.LastBlock
	case "executeBlocks":
		c.totals.Executed = call.LastBlock
	}
}

// CtlLastBlock returns the last mined block without checks
func (c *Client) CtlLastBlock() *common.EthBlock {
	c.rw.RLock()
	defer c.rw.RUnlock()
	block := c.blocks[c.blockNum]
	return &common.EthBlock{
		Num:        block.BlockNum,
		Timestamp:  c.clock.Now(),
		Hash:       block.Hash,
		ParentHash: block.ParentHash,
	}
}

// CtlPendingTxs returns the number of sent txs not mined yet
func (c *Client) CtlPendingTxs() int {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return len(c.pool)
}

// CtlAddERC20 adds an ERC20 token to the blockchain
func (c *Client) CtlAddERC20(tokenAddr ethCommon.Address, constants eth.ERC20Consts) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.tokens[tokenAddr] = constants
}

// CtlAddToken registers a token in the rollup in the next block and
// returns its id
func (c *Client) CtlAddToken(tokenAddr ethCommon.Address) common.TokenID {
	c.rw.Lock()
	defer c.rw.Unlock()
	token := common.Token{
		TokenID:     c.nextTokenID,
		EthBlockNum: c.next.BlockNum,
		EthAddr:     tokenAddr,
		Symbol:      "ERC20_" + tokenAddr.Hex()[2:8],
		Decimals:    18, //nolint:gomnd
	}
	if consts, ok := c.tokens[tokenAddr]; ok {
		token.Symbol = consts.Symbol
		token.Decimals = consts.Decimals
	}
	c.nextTokenID++
	c.next.Events.NewToken = append(c.next.Events.NewToken, token)
	return token.TokenID
}

// CtlAddPriorityOp adds a priority request in the next block and returns
// its serial id
func (c *Client) CtlAddPriorityOp(data common.PriorityOpData) uint64 {
	c.rw.Lock()
	defer c.rw.Unlock()
	op := common.PriorityOp{
		SerialID:      c.serialID,
		Data:          data,
		DeadlineBlock: uint64(c.next.BlockNum) + 250, //nolint:gomnd
		EthHash:       c.hasher.Next(),
		EthBlock:      uint64(c.next.BlockNum),
	}
	c.serialID++
	c.next.Events.PriorityOps = append(c.next.Events.PriorityOps, op)
	return op.SerialID
}

// CtlAddDeposit adds a deposit request in the next block
func (c *Client) CtlAddDeposit(from ethCommon.Address, token common.TokenID, amount *big.Int,
	to ethCommon.Address) uint64 {
	return c.CtlAddPriorityOp(&common.Deposit{From: from, Token: token, Amount: amount, To: to})
}

// CtlAddAuthFact registers a pubkey change authorization in the next block
func (c *Client) CtlAddAuthFact(addr ethCommon.Address, nonce common.Nonce, fact ethCommon.Hash) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.next.Events.FactAuth = append(c.next.Events.FactAuth, common.AuthFact{
		Address:  addr,
		Nonce:    nonce,
		Fact:     fact,
		EthBlock: c.next.BlockNum,
	})
}

// CtlAddBlocksRevert adds a BlocksRevert event in the next block
func (c *Client) CtlAddBlocksRevert(committed common.BlockNum) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.totals.Committed = committed
	c.next.Events.BlocksRevert = append(c.next.Events.BlocksRevert, eth.RollupEventBlocksRevert{
		TotalBlocksVerified:  c.totals.Proven,
		TotalBlocksCommitted: committed,
		EthBlock:             c.next.BlockNum,
	})
}

// CtlCommitBlocks commits blocks as if another node had sent them, and
// mines the block that contains the commit
func (c *Client) CtlCommitBlocks(last common.StoredBlockInfo, blocks []common.CommitBlockInfo) ethCommon.Hash {
	c.rw.Lock()
	hash := c.hasher.Next()
	call := &rollupCall{Name: "commitBlocks", Commit: &eth.RollupCommitBlocksArgs{
		LastCommittedBlockData: last,
		NewBlocksData:          blocks,
	}}
	tx := types.NewTransaction(0, ethCommon.Address{}, big.NewInt(0), 0, big.NewInt(0), hash[:])
	c.calls[tx.Hash()] = call
	c.mineTx(c.next, tx)
	c.rw.Unlock()
	c.CtlMineBlock()
	return tx.Hash()
}

//
// Ethereum
//

// EthChainID returns the ChainID of the ethereum network
func (c *Client) EthChainID() (*big.Int, error) {
	return c.chainID, nil
}

// EthLastBlock returns the last blockNum
func (c *Client) EthLastBlock() (int64, error) {
	c.rw.Lock()
	defer c.rw.Unlock()
	if err := c.failCall("EthLastBlock"); err != nil {
		return 0, err
	}
	return c.blockNum, nil
}

// EthBlockByNumber returns the *common.EthBlock for the given block number in a
// deterministic way.  If number == -1, the latests known block is returned.
func (c *Client) EthBlockByNumber(ctx context.Context, blockNum int64) (*common.EthBlock, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	if blockNum == -1 {
		blockNum = c.blockNum
	}
	block, ok := c.blocks[blockNum]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("block %d not found", blockNum))
	}
	return &common.EthBlock{
		Num:        block.BlockNum,
		Hash:       block.Hash,
		ParentHash: block.ParentHash,
	}, nil
}

// EthAddress returns the ethereum address of the account loaded into the Client
func (c *Client) EthAddress() (*ethCommon.Address, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	if c.addr == nil {
		return nil, common.Wrap(eth.ErrAccountNil)
	}
	return c.addr, nil
}

// EthPendingNonceAt returns the nonce of the client account including the
// txs in the pool
func (c *Client) EthPendingNonceAt(ctx context.Context, account ethCommon.Address) (uint64, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	nonce := c.nonce
	for {
		if _, ok := c.pool[nonce]; !ok {
			return nonce, nil
		}
		nonce++
	}
}

// EthNonceAt returns the nonce of the client account in the last block
func (c *Client) EthNonceAt(ctx context.Context, account ethCommon.Address,
	blockNumber *big.Int) (uint64, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.nonce, nil
}

// EthSuggestGasPrice returns the price set with CtlSetGasPrice
func (c *Client) EthSuggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return new(big.Int).Set(c.gasPrice), nil
}

// EthTransactionReceipt returns the transaction receipt of the given txHash
func (c *Client) EthTransactionReceipt(ctx context.Context,
	txHash ethCommon.Hash) (*types.Receipt, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	for i := int64(0); i <= c.blockNum; i++ {
		b := c.blocks[i]
		if _, ok := b.Txs[txHash]; !ok {
			continue
		}
		status := types.ReceiptStatusSuccessful
		if b.Reverted[txHash] {
			status = types.ReceiptStatusFailed
		}
		return &types.Receipt{
			TxHash:      txHash,
			Status:      status,
			BlockHash:   b.Hash,
			BlockNumber: big.NewInt(b.BlockNum),
		}, nil
	}
	return nil, common.Wrap(eth.ErrReceiptNotReceived)
}

// EthSendTransaction adds the tx to the pool, replacing a pending tx with
// the same nonce
func (c *Client) EthSendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.rw.Lock()
	defer c.rw.Unlock()
	if tx.Nonce() < c.nonce {
		return common.Wrap(fmt.Errorf("nonce too low: %d < %d", tx.Nonce(), c.nonce))
	}
	c.pool[tx.Nonce()] = tx
	c.Debugw("TestClient tx sent", "hash", tx.Hash(), "nonce", tx.Nonce(), "gasPrice", tx.GasPrice())
	return nil
}

// EthTransactOpts returns options whose signer leaves the tx unchanged
func (c *Client) EthTransactOpts(ctx context.Context, nonce uint64,
	gasPrice *big.Int) (*bind.TransactOpts, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	if c.addr == nil {
		return nil, common.Wrap(eth.ErrAccountNil)
	}
	return &bind.TransactOpts{
		From:     *c.addr,
		Nonce:    new(big.Int).SetUint64(nonce),
		GasPrice: gasPrice,
		Context:  ctx,
		NoSend:   true,
		Signer: func(addr ethCommon.Address, tx *types.Transaction) (*types.Transaction, error) {
			return tx, nil
		},
	}, nil
}

// EthERC20Consts returns the constants defined for a particular ERC20 Token instance.
func (c *Client) EthERC20Consts(tokenAddr ethCommon.Address) (*eth.ERC20Consts, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	if constants, ok := c.tokens[tokenAddr]; ok {
		return &constants, nil
	}
	return nil, common.Wrap(fmt.Errorf("tokenAddr not found"))
}

//
// Rollup
//

func (c *Client) newTransaction(auth *bind.TransactOpts, call *rollupCall,
	value interface{}) (*types.Transaction, error) {
	if auth == nil || auth.Nonce == nil {
		return nil, common.Wrap(fmt.Errorf("auth without nonce"))
	}
	data, err := json.Marshal(transactionData{call.Name, value})
	if err != nil {
		return nil, common.Wrap(err)
	}
	tx := types.NewTransaction(auth.Nonce.Uint64(), ethCommon.Address{}, big.NewInt(0), auth.GasLimit,
		auth.GasPrice, data)
	c.rw.Lock()
	c.calls[tx.Hash()] = call
	c.rw.Unlock()
	return tx, nil
}

// RollupCommitBlocks builds the commitBlocks tx
func (c *Client) RollupCommitBlocks(auth *bind.TransactOpts, last common.StoredBlockInfo,
	blocks []common.CommitBlockInfo) (*types.Transaction, error) {
	args := &eth.RollupCommitBlocksArgs{LastCommittedBlockData: last, NewBlocksData: blocks}
	return c.newTransaction(auth, &rollupCall{Name: "commitBlocks", Commit: args}, args)
}

// RollupProveBlocks builds the proveBlocks tx
func (c *Client) RollupProveBlocks(auth *bind.TransactOpts, committed []common.StoredBlockInfo,
	proof common.ProofInput) (*types.Transaction, error) {
	if len(committed) == 0 {
		return nil, common.Wrap(fmt.Errorf("no blocks to prove"))
	}
	last := common.BlockNum(committed[len(committed)-1].BlockNumber)
	return c.newTransaction(auth, &rollupCall{Name: "proveBlocks", LastBlock: last}, committed)
}

// RollupExecuteBlocks builds the executeBlocks tx
func (c *Client) RollupExecuteBlocks(auth *bind.TransactOpts,
	blocks []common.ExecuteBlockInfo) (*types.Transaction, error) {
	if len(blocks) == 0 {
		return nil, common.Wrap(fmt.Errorf("no blocks to execute"))
	}
	last := common.BlockNum(blocks[len(blocks)-1].StoredBlock.BlockNumber)
	return c.newTransaction(auth, &rollupCall{Name: "executeBlocks", LastBlock: last}, blocks)
}

// RollupCompleteWithdrawals builds the completeWithdrawals tx
func (c *Client) RollupCompleteWithdrawals(auth *bind.TransactOpts, n uint32) (*types.Transaction, error) {
	return c.newTransaction(auth, &rollupCall{Name: "completeWithdrawals"}, n)
}

// RollupTotals returns the block counters of the mined rollup txs
func (c *Client) RollupTotals() (*eth.RollupTotals, error) {
	c.rw.Lock()
	defer c.rw.Unlock()
	if err := c.failCall("RollupTotals"); err != nil {
		return nil, err
	}
	totals := c.totals
	return &totals, nil
}

// RollupEventsByRange returns the events of the mined blocks in [from, to]
func (c *Client) RollupEventsByRange(from, to int64) (*eth.RollupEvents, error) {
	c.rw.Lock()
	defer c.rw.Unlock()
	if err := c.failCall("RollupEventsByRange"); err != nil {
		return nil, err
	}
	events := eth.NewRollupEvents()
	for n := from; n <= to && n <= c.blockNum; n++ {
		e := c.blocks[n].Events
		events.PriorityOps = append(events.PriorityOps, e.PriorityOps...)
		events.BlockCommit = append(events.BlockCommit, e.BlockCommit...)
		events.BlockVerification = append(events.BlockVerification, e.BlockVerification...)
		events.BlocksRevert = append(events.BlocksRevert, e.BlocksRevert...)
		events.Withdrawals = append(events.Withdrawals, e.Withdrawals...)
		events.FactAuth = append(events.FactAuth, e.FactAuth...)
		events.NewToken = append(events.NewToken, e.NewToken...)
	}
	cpy, err := copystructure.Copy(events)
	if err != nil {
		return nil, common.Wrap(err)
	}
	out := cpy.(eth.RollupEvents)
	return &out, nil
}

// RollupCommitBlocksArgs returns the arguments of a mined commitBlocks tx
func (c *Client) RollupCommitBlocksArgs(ethTxHash ethCommon.Hash) (*eth.RollupCommitBlocksArgs, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	args, ok := c.commitArgs[ethTxHash]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("transaction not found"))
	}
	cpy, err := copystructure.Copy(args)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return cpy.(*eth.RollupCommitBlocksArgs), nil
}
