package statekeeper

import (
	"context"
	"fmt"
	"math/big"
	"reflect"

	"zkrollup-node/common"
	"zkrollup-node/log"
	"zkrollup-node/txprocessor"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/mitchellh/copystructure"
)

func init() {
	copystructure.Copiers[reflect.TypeOf(big.Int{})] =
		func(raw interface{}) (interface{}, error) {
			in := raw.(big.Int)
			out := new(big.Int).Set(&in)
			return *out, nil
		}
}

func copyPendingBlock(pb *common.PendingBlock) (*common.PendingBlock, error) {
	raw, err := copystructure.Copy(pb)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return raw.(*common.PendingBlock), nil
}

// loadState opens the tree of the last sealed block
func (k *StateKeeper) loadState() error {
	last, err := k.storage.LastBlockNum()
	if err != nil {
		return common.Wrap(common.NewOpError(common.KindDatabase, "last block: %v", err))
	}
	if current := k.stateDB.CurrentBlock(); current > last {
		// the checkpoint of a block sealed but never stored by the commit
		// queue: the block is rebuilt from its pending block
		log.Warnw("StateKeeper: StateDB ahead of the sealed blocks, resetting",
			"stateDB", current, "sealed", last)
		if err := k.stateDB.Reset(last); err != nil {
			return common.Wrap(err)
		}
	}
	tree, err := k.stateDB.LoadTree(k.cfg.FeeAddress)
	if err != nil {
		return common.Wrap(err)
	}
	k.tp = txprocessor.NewTxProcessor(tree, txprocessor.Config{
		FeeAccount: common.FeeAccountID,
		AuthFacts:  k.cfg.AuthFacts,
	})

	for n := k.stateDB.CurrentBlock() + 1; n <= last; n++ {
		block, updates, err := k.storage.GetBlock(n)
		if err != nil {
			return common.Wrap(common.NewOpError(common.KindDatabase, "block %d: %v", n, err))
		}
		if err := txprocessor.ApplyUpdates(tree, updates); err != nil {
			return common.Wrap(fmt.Errorf("replaying block %d: %w", n, err))
		}
		if err := k.checkRoot(block); err != nil {
			return err
		}
		if err := k.stateDB.CommitBlock(n, tree, updates); err != nil {
			return common.Wrap(err)
		}
		log.Infow("StateKeeper: replayed lagging block", "block", n)
	}

	if last > 0 {
		block, _, err := k.storage.GetBlock(last)
		if err != nil {
			return common.Wrap(common.NewOpError(common.KindDatabase, "block %d: %v", last, err))
		}
		if err := k.checkRoot(block); err != nil {
			return err
		}
		k.nextPriorityID = block.ProcessedPriorityOps[1]
	}
	if k.lastRoot, err = tree.RootHash(); err != nil {
		return common.Wrap(err)
	}
	k.pending = k.newPendingBlock(last + 1)
	log.Infow("StateKeeper: state loaded", "block", last, "accounts", tree.Len(),
		"nextPriorityOp", k.nextPriorityID)
	return nil
}

func (k *StateKeeper) checkRoot(block *common.Block) error {
	root, err := k.tp.Tree().RootHash()
	if err != nil {
		return common.Wrap(err)
	}
	if root.Cmp(block.NewRootHash) != 0 {
		log.Errorw("StateKeeper: root mismatch", "block", block.Number,
			"expected", block.NewRootHash, "got", root)
		return common.Wrap(common.NewRootDivergence(block.Number))
	}
	return nil
}

// RestorePendingBlocks replays the pending blocks persisted after the last
// sealed block.  All of them but the last one had been sealed before the
// restart and are sealed again.  The operations are executed again with the
// recorded timestamp, and must give the same result.
func (k *StateKeeper) RestorePendingBlocks(ctx context.Context) error {
	k.restored = true
	pendings, err := k.storage.PendingBlocks(k.pending.Number - 1)
	if err != nil {
		return common.Wrap(common.NewOpError(common.KindDatabase, "pending blocks: %v", err))
	}
	if len(pendings) == 0 {
		log.Info("StateKeeper: no pending block to restore")
		return nil
	}
	var executed []ethCommon.Hash
	for i, pb := range pendings {
		for j := range pb.SuccessOperations {
			if tx := pb.SuccessOperations[j].Tx; tx != nil {
				executed = append(executed, tx.SignedTx.Hash())
			}
		}
		for j := range pb.FailedTxs {
			executed = append(executed, pb.FailedTxs[j].SignedTx.Hash())
		}
		if pb.Number != k.pending.Number {
			return common.Wrap(fmt.Errorf("pending block %d found, %d expected",
				pb.Number, k.pending.Number))
		}
		if err := k.replayPendingBlock(pb); err != nil {
			return err
		}
		if i < len(pendings)-1 || k.shouldSeal() {
			if err := k.sealPendingBlock(ctx); err != nil {
				return err
			}
			continue
		}
		if err := k.storePendingBlock(); err != nil {
			return err
		}
	}
	// the mempool may not have removed them before the restart
	if len(executed) > 0 && k.ch.Executed != nil {
		select {
		case k.ch.Executed <- executed:
		case <-ctx.Done():
			return common.Wrap(common.ErrDone)
		}
	}
	return nil
}

func (k *StateKeeper) replayPendingBlock(pb *common.PendingBlock) error {
	k.pending.Timestamp = pb.Timestamp
	k.pending.Iteration = pb.Iteration
	k.pending.FastProcessing = pb.FastProcessing
	k.pending.FailedTxs = append(k.pending.FailedTxs, pb.FailedTxs...)
	for i := range pb.SuccessOperations {
		op := &pb.SuccessOperations[i]
		var err error
		switch {
		case op.PriorityOp != nil:
			_, err = k.applyPriorityOp(&op.PriorityOp.PriorityOp, op.PriorityOp.CreatedAt)
		case op.Tx != nil:
			_, err = k.applyTx(&op.Tx.SignedTx, op.Tx.BatchID, op.Tx.CreatedAt)
		}
		if err != nil {
			return common.Wrap(fmt.Errorf("replaying pending block %d: %w", pb.Number, err))
		}
	}
	if len(k.pending.SuccessOperations) != len(pb.SuccessOperations) ||
		k.pending.SuccessOperationsHash() != pb.SuccessOperationsHash() {
		log.Errorw("StateKeeper: pending block replay differs", "block", pb.Number,
			"recorded", len(pb.SuccessOperations), "replayed", len(k.pending.SuccessOperations))
		return common.Wrap(common.NewRootDivergence(pb.Number))
	}
	log.Infow("StateKeeper: pending block restored", "block", pb.Number,
		"ops", len(pb.SuccessOperations), "failed", len(pb.FailedTxs))
	return nil
}
