package coordinator

import (
	"context"
	"fmt"

	"zkrollup-node/common"
	"zkrollup-node/log"
)

// CommitStorage stores the sealed blocks
type CommitStorage interface {
	AddBlock(req *common.BlockCommitRequest) error
	LastBlockNum() (common.BlockNum, error)
}

// CommitQueue persists the blocks sealed by the state keeper in order
type CommitQueue struct {
	storage  CommitStorage
	requests <-chan common.BlockCommitRequest
	stored   chan<- common.BlockNum
}

// NewCommitQueue creates a CommitQueue reading from requests.  The number
// of every stored block is sent to stored when it has room.
func NewCommitQueue(storage CommitStorage, requests <-chan common.BlockCommitRequest,
	stored chan<- common.BlockNum) *CommitQueue {
	return &CommitQueue{storage: storage, requests: requests, stored: stored}
}

// Run stores the requests until ctx is done.  A storage error is fatal.
func (q *CommitQueue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			log.Info("CommitQueue: done")
			return nil
		case req := <-q.requests:
			if err := q.Commit(&req); err != nil {
				log.Errorw("CommitQueue: Commit", "block", req.Block.Number, "err", err)
				return err
			}
		}
	}
}

// Commit stores a sealed block with its updates.  Blocks already stored
// are skipped, so the state keeper can resend them after a restart.
func (q *CommitQueue) Commit(req *common.BlockCommitRequest) error {
	last, err := q.storage.LastBlockNum()
	if err != nil {
		return dbError(err)
	}
	number := req.Block.Number
	if number <= last {
		log.Debugw("CommitQueue: block already stored", "block", number)
		return nil
	}
	if number != last+1 {
		return common.Wrap(common.NewOpError(common.KindDatabase,
			"block %d does not follow the last stored block %d", number, last))
	}
	if commitment := req.Block.ComputeCommitment(); commitment != req.Block.Commitment {
		return common.Wrap(fmt.Errorf("block %d: commitment %s, computed %s", number,
			req.Block.Commitment.Hex(), commitment.Hex()))
	}
	if err := q.storage.AddBlock(req); err != nil {
		return dbError(err)
	}
	log.Infow("CommitQueue: block stored", "block", number, "ops", len(req.Block.Transactions),
		"updates", len(req.AccountUpdates))
	select {
	case q.stored <- number:
	default:
	}
	return nil
}
