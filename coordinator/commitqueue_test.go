package coordinator

import (
	"context"
	"testing"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitQueue(t *testing.T) {
	storage := newMemStorage()
	stored := make(chan common.BlockNum, 1)
	q := NewCommitQueue(storage, nil, stored)

	require.NoError(t, q.Commit(test.GenBlock(1, 0, 2)))
	assert.Equal(t, common.BlockNum(1), <-stored)
	// resent blocks are skipped
	require.NoError(t, q.Commit(test.GenBlock(1, 0, 2)))
	assert.Equal(t, 0, len(stored))
	assert.Equal(t, 1, len(storage.jobs))

	err := q.Commit(test.GenBlock(3, 2, 1))
	assert.True(t, common.IsKind(err, common.KindDatabase))

	req := test.GenBlock(2, 2, 1)
	req.Block.Commitment = ethCommon.Hash{1}
	assert.Error(t, q.Commit(req))

	// the notification is dropped when nobody listens
	require.NoError(t, q.Commit(test.GenBlock(2, 2, 1)))
	require.NoError(t, q.Commit(test.GenBlock(3, 3, 1)))
	last, err := storage.LastBlockNum()
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(3), last)
	assert.Equal(t, common.BlockNum(2), <-stored)

	single, err := storage.LastProverJobBlock(common.ProverJobSingleBlock)
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(3), single)
}

func TestCommitQueueRun(t *testing.T) {
	storage := newMemStorage()
	requests := make(chan common.BlockCommitRequest)
	q := NewCommitQueue(storage, requests, make(chan common.BlockNum, 1))

	done := make(chan error)
	go func() {
		done <- q.Run(context.Background())
	}()
	requests <- *test.GenBlock(1, 0, 1)
	// a gap stops the queue
	requests <- *test.GenBlock(3, 1, 1)
	select {
	case err := <-done:
		assert.True(t, common.IsKind(err, common.KindDatabase))
	case <-time.After(5 * time.Second):
		t.Fatal("CommitQueue did not stop")
	}
	last, err := storage.LastBlockNum()
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(1), last)
}
