package coordinator

import (
	"zkrollup-node/common"
	"zkrollup-node/log"
)

// AggregatorConfig is the configuration of the Aggregator
type AggregatorConfig struct {
	// MaxBlocksToCommit is the largest number of blocks of a commitBlocks
	MaxBlocksToCommit int
	// MaxBlocksToProve is the largest number of blocks of an aggregated
	// proof
	MaxBlocksToProve int
	// MaxBlocksToExecute is the largest number of blocks of an
	// executeBlocks
	MaxBlocksToExecute int
}

// Aggregator creates the aggregated operations and the aggregated prover
// jobs of the stored blocks, in block order
type Aggregator struct {
	cfg     AggregatorConfig
	storage Storage
	// withdrawalsChecked is the last executed block checked for
	// withdrawals
	withdrawalsChecked common.BlockNum
}

// NewAggregator creates an Aggregator.  Executed blocks after the last
// completeWithdrawals operation are checked again for withdrawals.
func NewAggregator(cfg AggregatorConfig, storage Storage) (*Aggregator, error) {
	checked, err := storage.LastAggregatedBlock(common.ActionCompleteWithdrawals)
	if err != nil {
		return nil, dbError(err)
	}
	return &Aggregator{cfg: cfg, storage: storage, withdrawalsChecked: checked}, nil
}

func minBlock(a, b common.BlockNum) common.BlockNum {
	if a < b {
		return a
	}
	return b
}

// Step creates every aggregated operation and job that can be created with
// the current state of the storage
func (a *Aggregator) Step() error {
	if err := a.commitBlocks(); err != nil {
		return err
	}
	if err := a.aggregatedProofJobs(); err != nil {
		return err
	}
	if err := a.proveBlocks(); err != nil {
		return err
	}
	if err := a.executeBlocks(); err != nil {
		return err
	}
	return a.completeWithdrawals()
}

func (a *Aggregator) addOperation(actionType common.AggregatedActionType,
	from, to common.BlockNum) error {
	op := common.AggregatedOperation{ActionType: actionType, FromBlock: from, ToBlock: to}
	if err := a.storage.AddAggregatedOperation(&op); err != nil {
		return dbError(err)
	}
	log.Infow("Aggregator: new operation", "id", op.ID, "action", actionType, "from", from, "to", to)
	return nil
}

func (a *Aggregator) commitBlocks() error {
	last, err := a.storage.LastBlockNum()
	if err != nil {
		return dbError(err)
	}
	committed, err := a.storage.LastAggregatedBlock(common.ActionCommitBlocks)
	if err != nil {
		return dbError(err)
	}
	for committed < last {
		to := minBlock(last, committed+common.BlockNum(a.cfg.MaxBlocksToCommit))
		if err := a.addOperation(common.ActionCommitBlocks, committed+1, to); err != nil {
			return err
		}
		committed = to
	}
	return nil
}

// aggregatedProofJobs queues an aggregated prover job for the blocks that
// have a single block proof and no aggregated job yet
func (a *Aggregator) aggregatedProofJobs() error {
	proved, err := a.storage.LastSingleProvedBlock()
	if err != nil {
		return dbError(err)
	}
	queued, err := a.storage.LastProverJobBlock(common.ProverJobAggregated)
	if err != nil {
		return dbError(err)
	}
	for queued < proved {
		to := minBlock(proved, queued+common.BlockNum(a.cfg.MaxBlocksToProve))
		job := common.ProverJob{
			JobType:    common.ProverJobAggregated,
			FirstBlock: queued + 1,
			LastBlock:  to,
			BlockSize:  int(to - queued),
			Status:     common.ProverJobIdle,
		}
		if err := a.storage.AddProverJob(&job); err != nil {
			return dbError(err)
		}
		log.Infow("Aggregator: new aggregated prover job", "first", job.FirstBlock, "last", job.LastBlock)
		queued = to
	}
	return nil
}

func (a *Aggregator) proveBlocks() error {
	committed, err := a.storage.LastConfirmedBlock(common.ActionCommitBlocks)
	if err != nil {
		return dbError(err)
	}
	proving, err := a.storage.LastAggregatedBlock(common.ActionProveBlocks)
	if err != nil {
		return dbError(err)
	}
	for {
		last, proof, err := a.storage.GetAggregatedProofFrom(proving + 1)
		if err != nil {
			return dbError(err)
		}
		if proof == nil || last > committed {
			return nil
		}
		if err := a.addOperation(common.ActionProveBlocks, proving+1, last); err != nil {
			return err
		}
		proving = last
	}
}

func (a *Aggregator) executeBlocks() error {
	proven, err := a.storage.LastConfirmedBlock(common.ActionProveBlocks)
	if err != nil {
		return dbError(err)
	}
	executing, err := a.storage.LastAggregatedBlock(common.ActionExecuteBlocks)
	if err != nil {
		return dbError(err)
	}
	for executing < proven {
		to := minBlock(proven, executing+common.BlockNum(a.cfg.MaxBlocksToExecute))
		if err := a.addOperation(common.ActionExecuteBlocks, executing+1, to); err != nil {
			return err
		}
		executing = to
	}
	return nil
}

func isWithdrawal(code common.OpCode) bool {
	switch code {
	case common.OpWithdraw, common.OpForcedExit, common.OpFullExit, common.OpWithdrawNFT:
		return true
	}
	return false
}

// completeWithdrawals creates a completeWithdrawals operation for the newly
// executed blocks that have withdrawals
func (a *Aggregator) completeWithdrawals() error {
	executed, err := a.storage.LastConfirmedBlock(common.ActionExecuteBlocks)
	if err != nil {
		return dbError(err)
	}
	if executed <= a.withdrawalsChecked {
		return nil
	}
	from := a.withdrawalsChecked + 1
	blocks, err := a.storage.GetBlocks(from, executed)
	if err != nil {
		return dbError(err)
	}
	withdrawals := 0
	for i := range blocks {
		for _, op := range blocks[i].Operations() {
			if isWithdrawal(op.OpCode()) {
				withdrawals++
			}
		}
	}
	if withdrawals > 0 {
		if err := a.addOperation(common.ActionCompleteWithdrawals, from, executed); err != nil {
			return err
		}
	}
	a.withdrawalsChecked = executed
	return nil
}
