package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"zkrollup-node/common"
	"zkrollup-node/eth"
	"zkrollup-node/log"
	"zkrollup-node/metric"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxManagerConfig is the configuration of the TxManager
type TxManagerConfig struct {
	// ConfirmBlocks is the number of confirmation blocks to wait for sent
	// ethereum transactions before forgetting about them
	ConfirmBlocks int64
	// ExpectedWaitBlocks is the number of blocks a sent tx has to be
	// mined before it is sent again with a higher gas price
	ExpectedWaitBlocks int64
	// MaxInflight is the largest number of unconfirmed txs
	MaxInflight int
}

// ExecutedTxStatus is the state of a mined L1 tx
type ExecutedTxStatus struct {
	Confirmations int64
	Success       bool
	Receipt       *types.Receipt
}

// TxManager handles everything related to ethereum transactions:  It sends
// the aggregated operations, waits for transaction confirmation, and keeps
// checking them until a number of confirmed blocks have passed.
type TxManager struct {
	cfg     TxManagerConfig
	client  eth.ClientInterface
	storage Storage
	gas     *GasAdjuster
	genesis common.Block
	address ethCommon.Address
	// nextNonce is the nonce of the next new tx
	nextNonce uint64
}

// NewTxManager creates a new TxManager.  genesisRoot is the state root
// before block 1.
func NewTxManager(ctx context.Context, cfg TxManagerConfig, client eth.ClientInterface,
	storage Storage, gas *GasAdjuster, genesisRoot *big.Int) (*TxManager, error) {
	address, err := client.EthAddress()
	if err != nil {
		return nil, common.Wrap(err)
	}
	accNonce, err := client.EthNonceAt(ctx, *address, nil)
	if err != nil {
		return nil, l1Error(fmt.Errorf("failed to get nonce: %w", err))
	}
	inflight, err := storage.GetUnconfirmedEthOperations()
	if err != nil {
		return nil, dbError(err)
	}
	nextNonce := accNonce
	for _, op := range inflight {
		if op.Nonce >= nextNonce {
			nextNonce = op.Nonce + 1
		}
	}
	if genesisRoot == nil {
		genesisRoot = big.NewInt(0)
	}
	log.Infow("TxManager started", "address", address, "nonce", accNonce, "nextNonce", nextNonce,
		"inflight", len(inflight))
	return &TxManager{
		cfg:       cfg,
		client:    client,
		storage:   storage,
		gas:       gas,
		genesis:   common.Block{Number: 0, NewRootHash: genesisRoot},
		address:   *address,
		nextNonce: nextNonce,
	}, nil
}

// Step checks the txs in flight and sends the aggregated operations that
// have no tx yet
func (t *TxManager) Step(ctx context.Context) error {
	head, err := t.client.EthLastBlock()
	if err != nil {
		return l1Error(err)
	}
	inflight, err := t.storage.GetUnconfirmedEthOperations()
	if err != nil {
		return dbError(err)
	}
	for i := range inflight {
		if err := t.checkOperation(ctx, head, &inflight[i]); err != nil {
			return err
		}
	}
	unsent, err := t.storage.GetUnsentAggregatedOperations()
	if err != nil {
		return dbError(err)
	}
	for i := range unsent {
		if len(inflight)+i >= t.cfg.MaxInflight {
			break
		}
		if err := t.send(ctx, head, &unsent[i]); err != nil {
			return err
		}
	}
	return nil
}

// TxStatus returns the status of a tx, nil while it is not mined
func (t *TxManager) TxStatus(ctx context.Context, hash ethCommon.Hash) (*ExecutedTxStatus, error) {
	receipt, err := t.client.EthTransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(common.Unwrap(err), eth.ErrReceiptNotReceived) {
			return nil, nil
		}
		return nil, l1Error(err)
	}
	head, err := t.client.EthLastBlock()
	if err != nil {
		return nil, l1Error(err)
	}
	return &ExecutedTxStatus{
		Confirmations: head - receipt.BlockNumber.Int64() + 1,
		Success:       receipt.Status == types.ReceiptStatusSuccessful,
		Receipt:       receipt,
	}, nil
}

// minedStatus returns the status of the mined tx of op, if any, with its
// hash.  Newer hashes are checked first.
func (t *TxManager) minedStatus(ctx context.Context,
	op *common.EthOperation) (*ExecutedTxStatus, ethCommon.Hash, error) {
	for i := len(op.TxHashes) - 1; i >= 0; i-- {
		status, err := t.TxStatus(ctx, op.TxHashes[i])
		if err != nil {
			return nil, ethCommon.Hash{}, err
		}
		if status != nil {
			return status, op.TxHashes[i], nil
		}
	}
	return nil, ethCommon.Hash{}, nil
}

func (t *TxManager) checkOperation(ctx context.Context, head int64, op *common.EthOperation) error {
	agg, err := t.storage.GetAggregatedOperation(op.AggregatedOpID)
	if err != nil {
		return dbError(err)
	}
	status, hash, err := t.minedStatus(ctx, op)
	if err != nil {
		return err
	}
	if status == nil {
		if head < op.DeadlineBlock {
			return nil
		}
		return t.resubmit(ctx, head, op, agg)
	}
	if !status.Success {
		switch agg.ActionType {
		case common.ActionCommitBlocks, common.ActionCompleteWithdrawals:
			log.Warnw("TxManager: tx reverted, sending it again", "hash", hash,
				"action", agg.ActionType, "from", agg.FromBlock, "to", agg.ToBlock)
			return t.resend(ctx, head, op, agg)
		default:
			return common.Wrap(common.NewOpError(common.KindL1Permanent,
				"%s of blocks [%d, %d] reverted in tx %s", agg.ActionType, agg.FromBlock,
				agg.ToBlock, hash.Hex()))
		}
	}
	if status.Confirmations < t.cfg.ConfirmBlocks {
		return nil
	}
	if err := t.storage.ConfirmEthOperation(op.ID, hash); err != nil {
		return dbError(err)
	}
	log.Infow("TxManager: tx confirmed", "hash", hash, "action", agg.ActionType,
		"from", agg.FromBlock, "to", agg.ToBlock, "confirmations", status.Confirmations)
	return nil
}

// resubmit sends a stuck tx again under the same nonce with a higher price
func (t *TxManager) resubmit(ctx context.Context, head int64, op *common.EthOperation,
	agg *common.AggregatedOperation) error {
	gasPrice, err := t.gas.GasPrice(ctx, op.LastUsedGasPrice)
	if err != nil {
		if errors.Is(common.Unwrap(err), ErrGasPriceCapped) {
			log.Warnw("TxManager: stuck tx not replaced", "hash", op.LastTxHash(), "err", err)
			return nil
		}
		return err
	}
	old := op.LastTxHash()
	tx, err := t.buildTx(ctx, agg, op.Nonce, gasPrice)
	if err != nil {
		return err
	}
	if err := t.record(op, tx, head); err != nil {
		return err
	}
	if err := t.broadcast(ctx, tx); err != nil {
		return err
	}
	metric.L1TxResubmits.Inc()
	log.Infow("TxManager: stuck tx replaced", "old", old, "new", tx.Hash(),
		"nonce", op.Nonce, "gasPrice", gasPrice)
	return nil
}

func (t *TxManager) record(op *common.EthOperation, tx *types.Transaction, head int64) error {
	rawTx, err := tx.MarshalBinary()
	if err != nil {
		return common.Wrap(err)
	}
	deadline := head + t.cfg.ExpectedWaitBlocks
	if err := t.storage.ReplaceEthTx(op.ID, tx.Hash(), tx.GasPrice(), rawTx, deadline); err != nil {
		return dbError(err)
	}
	op.DeadlineBlock = deadline
	op.LastUsedGasPrice = tx.GasPrice()
	op.RawTx = rawTx
	op.TxHashes = append(op.TxHashes, tx.Hash())
	return nil
}

// resend forgets a reverted tx and sends its aggregated operation again
// under a new nonce
func (t *TxManager) resend(ctx context.Context, head int64, op *common.EthOperation,
	agg *common.AggregatedOperation) error {
	if err := t.storage.DeleteEthOperation(op.ID); err != nil {
		return dbError(err)
	}
	return t.send(ctx, head, agg)
}

// send sends the first tx of an aggregated operation.  The signed tx is
// stored before it is broadcast so that a restart finds every tx that may
// be on L1.
func (t *TxManager) send(ctx context.Context, head int64, agg *common.AggregatedOperation) error {
	gasPrice, err := t.gas.GasPrice(ctx, nil)
	if err != nil {
		return err
	}
	tx, err := t.buildTx(ctx, agg, t.nextNonce, gasPrice)
	if err != nil {
		return err
	}
	rawTx, err := tx.MarshalBinary()
	if err != nil {
		return common.Wrap(err)
	}
	op := common.EthOperation{
		AggregatedOpID:   agg.ID,
		Nonce:            tx.Nonce(),
		DeadlineBlock:    head + t.cfg.ExpectedWaitBlocks,
		LastUsedGasPrice: tx.GasPrice(),
		RawTx:            rawTx,
		TxHashes:         []ethCommon.Hash{tx.Hash()},
	}
	if err := t.storage.AddEthOperation(&op); err != nil {
		return dbError(err)
	}
	t.nextNonce++
	if err := t.broadcast(ctx, tx); err != nil {
		return err
	}
	log.Infow("TxManager: tx sent", "hash", tx.Hash(), "nonce", tx.Nonce(), "gasPrice", gasPrice,
		"action", agg.ActionType, "from", agg.FromBlock, "to", agg.ToBlock)
	return nil
}

// broadcast sends a stored tx.  On failure the tx stays in flight and is
// replaced once its deadline passes.
func (t *TxManager) broadcast(ctx context.Context, tx *types.Transaction) error {
	if err := t.client.EthSendTransaction(ctx, tx); err != nil {
		return l1Error(err)
	}
	return nil
}

// storedBlocks returns the blocks [from, to] and the block before them
func (t *TxManager) storedBlocks(from, to common.BlockNum) (*common.Block, []common.Block, error) {
	first := from
	if first > 0 {
		first--
	}
	blocks, err := t.storage.GetBlocks(first, to)
	if err != nil {
		return nil, nil, dbError(err)
	}
	prev := &t.genesis
	if from > 1 {
		if len(blocks) == 0 || blocks[0].Number != from-1 {
			return nil, nil, common.Wrap(common.NewOpError(common.KindDatabase,
				"block %d not found", from-1))
		}
		prev = &blocks[0]
		blocks = blocks[1:]
	}
	if len(blocks) != int(to-from)+1 {
		return nil, nil, common.Wrap(common.NewOpError(common.KindDatabase,
			"blocks [%d, %d] not found", from, to))
	}
	return prev, blocks, nil
}

func (t *TxManager) buildTx(ctx context.Context, agg *common.AggregatedOperation, nonce uint64,
	gasPrice *big.Int) (*types.Transaction, error) {
	auth, err := t.client.EthTransactOpts(ctx, nonce, gasPrice)
	if err != nil {
		return nil, common.Wrap(err)
	}
	var tx *types.Transaction
	switch agg.ActionType {
	case common.ActionCommitBlocks:
		prev, blocks, err := t.storedBlocks(agg.FromBlock, agg.ToBlock)
		if err != nil {
			return nil, err
		}
		infos := make([]common.CommitBlockInfo, len(blocks))
		for i := range blocks {
			infos[i] = common.NewCommitBlockInfo(&blocks[i])
		}
		tx, err = t.client.RollupCommitBlocks(auth, common.NewStoredBlockInfo(prev), infos)
		if err != nil {
			return nil, common.Wrap(err)
		}
	case common.ActionProveBlocks:
		_, blocks, err := t.storedBlocks(agg.FromBlock, agg.ToBlock)
		if err != nil {
			return nil, err
		}
		last, proof, err := t.storage.GetAggregatedProofFrom(agg.FromBlock)
		if err != nil {
			return nil, dbError(err)
		}
		if proof == nil || last != agg.ToBlock {
			return nil, common.Wrap(common.NewOpError(common.KindDatabase,
				"no aggregated proof of blocks [%d, %d]", agg.FromBlock, agg.ToBlock))
		}
		committed := make([]common.StoredBlockInfo, len(blocks))
		for i := range blocks {
			committed[i] = common.NewStoredBlockInfo(&blocks[i])
		}
		tx, err = t.client.RollupProveBlocks(auth, committed, proof.ProofInput(blocks))
		if err != nil {
			return nil, common.Wrap(err)
		}
	case common.ActionExecuteBlocks:
		_, blocks, err := t.storedBlocks(agg.FromBlock, agg.ToBlock)
		if err != nil {
			return nil, err
		}
		infos := make([]common.ExecuteBlockInfo, len(blocks))
		for i := range blocks {
			infos[i] = common.NewExecuteBlockInfo(&blocks[i])
		}
		tx, err = t.client.RollupExecuteBlocks(auth, infos)
		if err != nil {
			return nil, common.Wrap(err)
		}
	case common.ActionCompleteWithdrawals:
		tx, err = t.client.RollupCompleteWithdrawals(auth, common.RollupConstMaxWithdrawalsToComplete)
		if err != nil {
			return nil, common.Wrap(err)
		}
	default:
		return nil, common.Wrap(fmt.Errorf("unknown action %s", agg.ActionType))
	}
	return tx, nil
}
