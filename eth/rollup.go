package eth

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"zkrollup-node/common"
	"zkrollup-node/eth/contracts/rollup"
	"zkrollup-node/log"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// RollupEventBlock is a BlockCommit or BlockVerification event
type RollupEventBlock struct {
	BlockNumber common.BlockNum
	EthTxHash   ethCommon.Hash
	EthBlock    int64
}

// RollupEventBlocksRevert is the BlocksRevert event: the contract dropped
// the committed blocks above TotalBlocksCommitted
type RollupEventBlocksRevert struct {
	TotalBlocksVerified  common.BlockNum
	TotalBlocksCommitted common.BlockNum
	EthBlock             int64
}

// RollupEvents is the list of events of the Rollup Smart Contract in a block
// range, each list in log order
type RollupEvents struct {
	PriorityOps       []common.PriorityOp
	BlockCommit       []RollupEventBlock
	BlockVerification []RollupEventBlock
	BlocksRevert      []RollupEventBlocksRevert
	Withdrawals       []common.Withdrawal
	FactAuth          []common.AuthFact
	NewToken          []common.Token
}

// NewRollupEvents creates an empty RollupEvents with the slices initialized.
func NewRollupEvents() RollupEvents {
	return RollupEvents{
		PriorityOps:       make([]common.PriorityOp, 0),
		BlockCommit:       make([]RollupEventBlock, 0),
		BlockVerification: make([]RollupEventBlock, 0),
		BlocksRevert:      make([]RollupEventBlocksRevert, 0),
		Withdrawals:       make([]common.Withdrawal, 0),
		FactAuth:          make([]common.AuthFact, 0),
		NewToken:          make([]common.Token, 0),
	}
}

// RollupCommitBlocksArgs are the arguments of a commitBlocks call
type RollupCommitBlocksArgs struct {
	LastCommittedBlockData common.StoredBlockInfo
	NewBlocksData          []common.CommitBlockInfo
}

type rollupCommitBlocksArgsAux struct {
	LastCommittedBlockData rollup.StoredBlockInfo
	NewBlocksData          []rollup.CommitBlockInfo
}

// RollupTotals are the block counters of the Rollup Smart Contract
type RollupTotals struct {
	Committed common.BlockNum
	Proven    common.BlockNum
	Executed  common.BlockNum
}

// RollupInterface is the inteface to to Rollup Smart Contract
type RollupInterface interface {
	//
	// Smart Contract Methods
	//

	RollupCommitBlocks(auth *bind.TransactOpts, last common.StoredBlockInfo,
		blocks []common.CommitBlockInfo) (*types.Transaction, error)
	RollupProveBlocks(auth *bind.TransactOpts, committed []common.StoredBlockInfo,
		proof common.ProofInput) (*types.Transaction, error)
	RollupExecuteBlocks(auth *bind.TransactOpts, blocks []common.ExecuteBlockInfo) (*types.Transaction, error)
	RollupCompleteWithdrawals(auth *bind.TransactOpts, n uint32) (*types.Transaction, error)

	// Viewers
	RollupTotals() (*RollupTotals, error)

	//
	// Smart Contract Status
	//

	RollupEventsByRange(from, to int64) (*RollupEvents, error)
	RollupCommitBlocksArgs(ethTxHash ethCommon.Hash) (*RollupCommitBlocksArgs, error)
}

//
// Implementation
//

// RollupClient is the implementation of the interface to the Rollup Smart Contract in ethereum.
type RollupClient struct {
	client      *EthereumClient
	address     ethCommon.Address
	rollup      *rollup.Rollup
	contractAbi abi.ABI
	opts        *bind.CallOpts
}

// NewRollupClient creates a new RollupClient
func NewRollupClient(client *EthereumClient, address ethCommon.Address) (*RollupClient, error) {
	contractAbi, err := abi.JSON(strings.NewReader(rollup.RollupABI))
	if err != nil {
		return nil, common.Wrap(err)
	}
	binding, err := rollup.NewRollup(address, client.Client())
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &RollupClient{
		client:      client,
		address:     address,
		rollup:      binding,
		contractAbi: contractAbi,
		opts:        newCallOpts(),
	}, nil
}

func storedBlockInfo(info common.StoredBlockInfo) rollup.StoredBlockInfo {
	return rollup.StoredBlockInfo(info)
}

func commitBlockInfo(info common.CommitBlockInfo) rollup.CommitBlockInfo {
	out := rollup.CommitBlockInfo{
		NewStateHash:      info.NewStateHash,
		PublicData:        info.PublicData,
		Timestamp:         info.Timestamp,
		OnchainOperations: make([]rollup.OnchainOperationData, len(info.OnchainOperations)),
		BlockNumber:       info.BlockNumber,
		FeeAccount:        info.FeeAccount,
	}
	for i, op := range info.OnchainOperations {
		out.OnchainOperations[i] = rollup.OnchainOperationData(op)
	}
	return out
}

// RollupCommitBlocks builds the commitBlocks tx
func (c *RollupClient) RollupCommitBlocks(auth *bind.TransactOpts, last common.StoredBlockInfo,
	blocks []common.CommitBlockInfo) (*types.Transaction, error) {
	newBlocks := make([]rollup.CommitBlockInfo, len(blocks))
	for i := range blocks {
		newBlocks[i] = commitBlockInfo(blocks[i])
	}
	tx, err := c.rollup.CommitBlocks(auth, storedBlockInfo(last), newBlocks)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("failed build commitBlocks: %w", err))
	}
	return tx, nil
}

// RollupProveBlocks builds the proveBlocks tx
func (c *RollupClient) RollupProveBlocks(auth *bind.TransactOpts, committed []common.StoredBlockInfo,
	proof common.ProofInput) (*types.Transaction, error) {
	blocks := make([]rollup.StoredBlockInfo, len(committed))
	for i := range committed {
		blocks[i] = storedBlockInfo(committed[i])
	}
	tx, err := c.rollup.ProveBlocks(auth, blocks, rollup.ProofInput(proof))
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("failed build proveBlocks: %w", err))
	}
	return tx, nil
}

// RollupExecuteBlocks builds the executeBlocks tx
func (c *RollupClient) RollupExecuteBlocks(auth *bind.TransactOpts,
	blocks []common.ExecuteBlockInfo) (*types.Transaction, error) {
	data := make([]rollup.ExecuteBlockInfo, len(blocks))
	for i := range blocks {
		data[i] = rollup.ExecuteBlockInfo{
			StoredBlock:              storedBlockInfo(blocks[i].StoredBlock),
			PendingOnchainOpsPubdata: blocks[i].PendingOnchainOpsPubdata,
		}
	}
	tx, err := c.rollup.ExecuteBlocks(auth, data)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("failed build executeBlocks: %w", err))
	}
	return tx, nil
}

// RollupCompleteWithdrawals builds the completeWithdrawals tx
func (c *RollupClient) RollupCompleteWithdrawals(auth *bind.TransactOpts, n uint32) (*types.Transaction, error) {
	tx, err := c.rollup.CompleteWithdrawals(auth, n)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("failed build completeWithdrawals: %w", err))
	}
	return tx, nil
}

// RollupTotals returns the committed, proven and executed block counters
func (c *RollupClient) RollupTotals() (*RollupTotals, error) {
	committed, err := c.rollup.TotalBlocksCommitted(c.opts)
	if err != nil {
		return nil, common.Wrap(err)
	}
	proven, err := c.rollup.TotalBlocksProven(c.opts)
	if err != nil {
		return nil, common.Wrap(err)
	}
	executed, err := c.rollup.TotalBlocksExecuted(c.opts)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &RollupTotals{
		Committed: common.BlockNum(committed),
		Proven:    common.BlockNum(proven),
		Executed:  common.BlockNum(executed),
	}, nil
}

var (
	logNewPriorityRequest = crypto.Keccak256Hash([]byte(
		"NewPriorityRequest(address,uint64,uint8,bytes,uint256)"))
	logBlockCommit = crypto.Keccak256Hash([]byte(
		"BlockCommit(uint32)"))
	logBlockVerification = crypto.Keccak256Hash([]byte(
		"BlockVerification(uint32)"))
	logBlocksRevert = crypto.Keccak256Hash([]byte(
		"BlocksRevert(uint32,uint32)"))
	logWithdrawal = crypto.Keccak256Hash([]byte(
		"Withdrawal(address,uint16,uint128)"))
	logFactAuth = crypto.Keccak256Hash([]byte(
		"FactAuth(address,uint32,bytes)"))
	logNewToken = crypto.Keccak256Hash([]byte(
		"NewToken(address,uint16)"))
)

type rollupEventNewPriorityRequestAux struct {
	Sender          ethCommon.Address
	SerialId        uint64 //nolint:revive,stylecheck
	OpType          uint8
	PubData         []byte
	ExpirationBlock *big.Int
}

// RollupEventsByRange returns the events of the Rollup Smart Contract in
// the L1 blocks [from, to].  A malformed event returns an L1Permanent error.
func (c *RollupClient) RollupEventsByRange(from, to int64) (*RollupEvents, error) {
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(from),
		ToBlock:   big.NewInt(to),
		Addresses: []ethCommon.Address{
			c.address,
		},
		Topics: [][]ethCommon.Hash{},
	}
	logs, err := c.client.client.FilterLogs(context.Background(), query)
	if err != nil {
		return nil, common.Wrap(common.NewOpError(common.KindL1Transient, "FilterLogs: %v", err))
	}
	events := NewRollupEvents()
	for _, vLog := range logs {
		if err := c.parseLog(&events, vLog); err != nil {
			log.Errorw("Rollup: malformed event", "tx", vLog.TxHash, "block", vLog.BlockNumber,
				"err", err)
			return nil, err
		}
	}
	return &events, nil
}

func (c *RollupClient) parseLog(events *RollupEvents, vLog types.Log) error {
	if len(vLog.Topics) == 0 {
		return common.Wrap(common.NewOpError(common.KindL1Permanent, "log without topics"))
	}
	topicsLen := map[ethCommon.Hash]int{
		logBlockCommit:       2,
		logBlockVerification: 2,
		logWithdrawal:        3,
		logFactAuth:          2,
		logNewToken:          3,
	}
	if n, ok := topicsLen[vLog.Topics[0]]; ok && len(vLog.Topics) != n {
		return common.Wrap(common.NewOpError(common.KindL1Permanent,
			"event %v with %d topics, expected %d", vLog.Topics[0], len(vLog.Topics), n))
	}
	ethBlock := int64(vLog.BlockNumber)
	switch vLog.Topics[0] {
	case logNewPriorityRequest:
		var aux rollupEventNewPriorityRequestAux
		if err := c.contractAbi.UnpackIntoInterface(&aux, "NewPriorityRequest", vLog.Data); err != nil {
			return common.Wrap(common.NewOpError(common.KindL1Permanent, "NewPriorityRequest: %v", err))
		}
		data, err := common.ParsePriorityOpData(common.OpCode(aux.OpType), aux.PubData, aux.Sender)
		if err != nil {
			return common.Wrap(err)
		}
		events.PriorityOps = append(events.PriorityOps, common.PriorityOp{
			SerialID:      aux.SerialId,
			Data:          data,
			DeadlineBlock: aux.ExpirationBlock.Uint64(),
			EthHash:       vLog.TxHash,
			EthBlock:      vLog.BlockNumber,
		})
	case logBlockCommit:
		events.BlockCommit = append(events.BlockCommit, RollupEventBlock{
			BlockNumber: common.BlockNum(new(big.Int).SetBytes(vLog.Topics[1][:]).Uint64()),
			EthTxHash:   vLog.TxHash,
			EthBlock:    ethBlock,
		})
	case logBlockVerification:
		events.BlockVerification = append(events.BlockVerification, RollupEventBlock{
			BlockNumber: common.BlockNum(new(big.Int).SetBytes(vLog.Topics[1][:]).Uint64()),
			EthTxHash:   vLog.TxHash,
			EthBlock:    ethBlock,
		})
	case logBlocksRevert:
		var aux struct {
			TotalBlocksVerified  uint32
			TotalBlocksCommitted uint32
		}
		if err := c.contractAbi.UnpackIntoInterface(&aux, "BlocksRevert", vLog.Data); err != nil {
			return common.Wrap(common.NewOpError(common.KindL1Permanent, "BlocksRevert: %v", err))
		}
		events.BlocksRevert = append(events.BlocksRevert, RollupEventBlocksRevert{
			TotalBlocksVerified:  common.BlockNum(aux.TotalBlocksVerified),
			TotalBlocksCommitted: common.BlockNum(aux.TotalBlocksCommitted),
			EthBlock:             ethBlock,
		})
	case logWithdrawal:
		events.Withdrawals = append(events.Withdrawals, common.Withdrawal{
			Address:  ethCommon.BytesToAddress(vLog.Topics[1].Bytes()),
			Token:    common.TokenID(new(big.Int).SetBytes(vLog.Topics[2][:]).Uint64()),
			EthHash:  vLog.TxHash,
			EthBlock: ethBlock,
		})
	case logFactAuth:
		var aux struct {
			Nonce uint32
			Fact  []byte
		}
		if err := c.contractAbi.UnpackIntoInterface(&aux, "FactAuth", vLog.Data); err != nil {
			return common.Wrap(common.NewOpError(common.KindL1Permanent, "FactAuth: %v", err))
		}
		if len(aux.Fact) != ethCommon.HashLength {
			return common.Wrap(common.NewOpError(common.KindL1Permanent,
				"FactAuth fact length %d", len(aux.Fact)))
		}
		events.FactAuth = append(events.FactAuth, common.AuthFact{
			Address:  ethCommon.BytesToAddress(vLog.Topics[1].Bytes()),
			Nonce:    common.Nonce(aux.Nonce),
			Fact:     ethCommon.BytesToHash(aux.Fact),
			EthBlock: ethBlock,
		})
	case logNewToken:
		tokenID := new(big.Int).SetBytes(vLog.Topics[2][:]).Uint64()
		if tokenID > uint64(common.MaxFungibleTokenID) {
			return common.Wrap(common.NewOpError(common.KindL1Permanent,
				"NewToken id %d out of the fungible range", tokenID))
		}
		token := common.Token{
			TokenID:     common.TokenID(tokenID),
			EthBlockNum: ethBlock,
			EthAddr:     ethCommon.BytesToAddress(vLog.Topics[1].Bytes()),
		}
		consts, err := c.client.EthERC20Consts(token.EthAddr)
		if err != nil {
			log.Warnw("Rollup: token without ERC20 metadata", "token", token.EthAddr, "err", err)
			token.Symbol = "ERC20_" + token.EthAddr.Hex()[2:8]
			token.Decimals = 18 //nolint:gomnd
		} else {
			token.Symbol = consts.Symbol
			token.Decimals = consts.Decimals
		}
		events.NewToken = append(events.NewToken, token)
	}
	return nil
}

// RollupCommitBlocksArgs returns the arguments used in a commitBlocks call
// in the given transaction
func (c *RollupClient) RollupCommitBlocksArgs(ethTxHash ethCommon.Hash) (*RollupCommitBlocksArgs, error) {
	tx, _, err := c.client.client.TransactionByHash(context.Background(), ethTxHash)
	if err != nil {
		return nil, common.Wrap(common.NewOpError(common.KindL1Transient, "TransactionByHash: %v", err))
	}
	return DecodeCommitBlocksArgs(c.contractAbi, tx.Data())
}

// DecodeCommitBlocksArgs decodes the calldata of a commitBlocks call
func DecodeCommitBlocksArgs(contractAbi abi.ABI, txData []byte) (*RollupCommitBlocksArgs, error) {
	if len(txData) < 4 { //nolint:gomnd
		return nil, common.Wrap(common.NewOpError(common.KindL1Permanent, "calldata too short"))
	}
	method, err := contractAbi.MethodById(txData[:4])
	if err != nil {
		return nil, common.Wrap(common.NewOpError(common.KindL1Permanent, "%v", err))
	}
	if method.Name != "commitBlocks" {
		return nil, common.Wrap(common.NewOpError(common.KindL1Permanent,
			"calldata of %s, expected commitBlocks", method.Name))
	}
	var aux rollupCommitBlocksArgsAux
	if values, err := method.Inputs.Unpack(txData[4:]); err != nil {
		return nil, common.Wrap(common.NewOpError(common.KindL1Permanent, "%v", err))
	} else if err := method.Inputs.Copy(&aux, values); err != nil {
		return nil, common.Wrap(common.NewOpError(common.KindL1Permanent, "%v", err))
	}
	args := &RollupCommitBlocksArgs{
		LastCommittedBlockData: common.StoredBlockInfo(aux.LastCommittedBlockData),
		NewBlocksData:          make([]common.CommitBlockInfo, len(aux.NewBlocksData)),
	}
	for i, b := range aux.NewBlocksData {
		info := common.CommitBlockInfo{
			NewStateHash:      b.NewStateHash,
			PublicData:        b.PublicData,
			Timestamp:         b.Timestamp,
			OnchainOperations: make([]common.OnchainOperationData, len(b.OnchainOperations)),
			BlockNumber:       b.BlockNumber,
			FeeAccount:        b.FeeAccount,
		}
		for j, op := range b.OnchainOperations {
			info.OnchainOperations[j] = common.OnchainOperationData(op)
		}
		args.NewBlocksData[i] = info
	}
	return args, nil
}

// ParsedRollupABI returns the parsed ABI of the Rollup Smart Contract
func ParsedRollupABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(rollup.RollupABI))
	return parsed, common.Wrap(err)
}
