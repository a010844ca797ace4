package prover

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/log"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Init("debug", []string{"stdout"})
}

type proofKey struct {
	jobType     common.ProverJobType
	first, last common.BlockNum
}

// memStorage plays the role of the historydb
type memStorage struct {
	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*common.ProverJob
	proofs map[proofKey]common.Proof
	stores int
	blocks map[common.BlockNum]common.Block
}

func newMemStorage() *memStorage {
	return &memStorage{
		jobs:   make(map[int64]*common.ProverJob),
		proofs: make(map[proofKey]common.Proof),
		blocks: make(map[common.BlockNum]common.Block),
	}
}

func (s *memStorage) addJob(jobType common.ProverJobType, first, last common.BlockNum, size int) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.jobs[s.nextID] = &common.ProverJob{
		ID:         s.nextID,
		JobType:    jobType,
		FirstBlock: first,
		LastBlock:  last,
		BlockSize:  size,
		Status:     common.ProverJobIdle,
	}
	for n := first; n <= last; n++ {
		s.blocks[n] = common.Block{
			Number:         n,
			OldRootHash:    big.NewInt(int64(n) - 1),
			NewRootHash:    big.NewInt(int64(n)),
			BlockChunkSize: size,
		}
	}
	return s.nextID
}

func (s *memStorage) GetUnfinishedProverJobs() ([]common.ProverJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := []common.ProverJob{}
	for _, job := range s.jobs {
		if job.Status != common.ProverJobDone {
			jobs = append(jobs, *job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func (s *memStorage) UpdateProverJob(id int64, status common.ProverJobStatus, worker *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %d not found", id)
	}
	job.Status = status
	job.Worker = worker
	return nil
}

func (s *memStorage) StoreProof(job *common.ProverJob, proof *common.Proof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proofs[proofKey{job.JobType, job.FirstBlock, job.LastBlock}] = *proof
	s.jobs[job.ID].Status = common.ProverJobDone
	s.stores++
	return nil
}

func (s *memStorage) CountSingleProofs(first, last common.BlockNum) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for b := first; b <= last; b++ {
		if _, ok := s.proofs[proofKey{common.ProverJobSingleBlock, b, b}]; ok {
			n++
		}
	}
	return n, nil
}

func (s *memStorage) GetBlocks(from, to common.BlockNum) ([]common.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blocks := []common.Block{}
	for n := from; n <= to; n++ {
		if b, ok := s.blocks[n]; ok {
			blocks = append(blocks, b)
		}
	}
	return blocks, nil
}

func (s *memStorage) GetProof(jobType common.ProverJobType, first, last common.BlockNum) (*common.Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proof, ok := s.proofs[proofKey{jobType, first, last}]
	if !ok {
		return nil, fmt.Errorf("proof not found")
	}
	return &proof, nil
}

func (s *memStorage) status(id int64) common.ProverJobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].Status
}

func testProof(n int64) *common.Proof {
	return &common.Proof{Inputs: []*big.Int{big.NewInt(n)}, Proof: []*big.Int{big.NewInt(n + 1)}}
}

const jobTimeout = 10 * time.Second

func newTestQueue(t *testing.T, storage *memStorage) (*JobQueue, clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	q, err := NewJobQueue(Config{JobTimeout: jobTimeout}, storage, clock)
	require.NoError(t, err)
	return q, clock
}

func TestJobQueueStaleJobGoesToAnotherWorker(t *testing.T) {
	storage := newMemStorage()
	id := storage.addJob(common.ProverJobSingleBlock, 1, 1, 12)
	q, clock := newTestQueue(t, storage)
	require.NoError(t, q.Register(Worker{Name: "a", BlockSize: 32}))
	require.NoError(t, q.Register(Worker{Name: "b", BlockSize: 32}))

	job, err := q.BlockToProve("a")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, common.ProverJobAssigned, storage.status(id))

	// nothing left for b while a holds the job
	job, err = q.BlockToProve("b")
	require.NoError(t, err)
	assert.Nil(t, job)

	clock.Advance(jobTimeout / 2)
	require.NoError(t, q.WorkingOn(id, "a"))
	clock.Advance(jobTimeout / 2)
	released, err := q.SweepStale()
	require.NoError(t, err)
	assert.Equal(t, 0, released)

	// a stops sending heartbeats
	clock.Advance(jobTimeout + time.Second)
	released, err = q.SweepStale()
	require.NoError(t, err)
	assert.Equal(t, 1, released)
	assert.Equal(t, common.ProverJobIdle, storage.status(id))

	job, err = q.BlockToProve("b")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, "b", *job.Worker)

	// the heartbeat of a is refused, its late proof is still stored
	err = q.WorkingOn(id, "a")
	assert.True(t, common.IsKind(err, common.KindProverJobStale))
	require.NoError(t, q.PublishProof(id, "a", testProof(1)))
	require.NoError(t, q.PublishProof(id, "b", testProof(1)))
	assert.Equal(t, 1, storage.stores)
	assert.Equal(t, 1, len(storage.proofs))
	assert.Equal(t, common.ProverJobDone, storage.status(id))
	assert.Equal(t, 0, len(q.Jobs()))
}

func TestJobQueueFairness(t *testing.T) {
	storage := newMemStorage()
	big1 := storage.addJob(common.ProverJobSingleBlock, 1, 1, 32)
	small2 := storage.addJob(common.ProverJobSingleBlock, 3, 3, 12)
	small1 := storage.addJob(common.ProverJobSingleBlock, 2, 2, 12)
	q, _ := newTestQueue(t, storage)
	require.NoError(t, q.Register(Worker{Name: "w", BlockSize: 32}))
	require.NoError(t, q.Register(Worker{Name: "small", BlockSize: 12}))

	// the size 12 queue is the longest, its oldest block goes first
	job, err := q.BlockToProve("w")
	require.NoError(t, err)
	assert.Equal(t, small1, job.ID)
	// one job per size left, the smaller size wins the tie
	job, err = q.BlockToProve("w")
	require.NoError(t, err)
	assert.Equal(t, small2, job.ID)
	// the small worker cannot prove size 32
	job, err = q.BlockToProve("small")
	require.NoError(t, err)
	assert.Nil(t, job)
	job, err = q.BlockToProve("w")
	require.NoError(t, err)
	assert.Equal(t, big1, job.ID)

	_, err = q.BlockToProve("unknown")
	assert.ErrorIs(t, common.Unwrap(err), ErrUnknownWorker)
}

func TestJobQueueAggregatedNeedsSingleProofs(t *testing.T) {
	storage := newMemStorage()
	s1 := storage.addJob(common.ProverJobSingleBlock, 1, 1, 12)
	s2 := storage.addJob(common.ProverJobSingleBlock, 2, 2, 12)
	agg := storage.addJob(common.ProverJobAggregated, 1, 2, 2)
	q, _ := newTestQueue(t, storage)
	require.NoError(t, q.Register(Worker{Name: "aggregator", AggregatedSize: 8}))
	require.NoError(t, q.Register(Worker{Name: "single", BlockSize: 12}))

	job, err := q.BlockToProve("aggregator")
	require.NoError(t, err)
	assert.Nil(t, job)

	for _, id := range []int64{s1, s2} {
		job, err := q.BlockToProve("single")
		require.NoError(t, err)
		require.Equal(t, id, job.ID)
		require.NoError(t, q.PublishProof(id, "single", testProof(id)))
		if id == s1 {
			job, err = q.BlockToProve("aggregator")
			require.NoError(t, err)
			assert.Nil(t, job)
		}
	}

	job, err = q.BlockToProve("aggregator")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, agg, job.ID)
	assert.Equal(t, common.ProverJobAggregated, job.JobType)
}

func TestJobQueueWorkerStopped(t *testing.T) {
	storage := newMemStorage()
	id := storage.addJob(common.ProverJobSingleBlock, 1, 1, 12)
	q, _ := newTestQueue(t, storage)
	require.NoError(t, q.Register(Worker{Name: "a", BlockSize: 12}))
	_, err := q.BlockToProve("a")
	require.NoError(t, err)

	require.NoError(t, q.WorkerStopped("a"))
	assert.Equal(t, common.ProverJobIdle, storage.status(id))
	assert.Equal(t, 0, len(q.Workers()))
	_, err = q.BlockToProve("a")
	assert.Error(t, err)
}

func TestJobQueueLoadsNewJobs(t *testing.T) {
	storage := newMemStorage()
	q, _ := newTestQueue(t, storage)
	require.NoError(t, q.Register(Worker{Name: "a", BlockSize: 12}))
	job, err := q.BlockToProve("a")
	require.NoError(t, err)
	assert.Nil(t, job)

	id := storage.addJob(common.ProverJobSingleBlock, 1, 1, 12)
	job, err = q.BlockToProve("a")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
}
