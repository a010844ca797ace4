package prover

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/log"
	"zkrollup-node/metric"

	"github.com/jonboulle/clockwork"
)

// Storage is the persistent side of the job queue
type Storage interface {
	GetUnfinishedProverJobs() ([]common.ProverJob, error)
	UpdateProverJob(id int64, status common.ProverJobStatus, worker *string) error
	StoreProof(job *common.ProverJob, proof *common.Proof) error
	CountSingleProofs(first, last common.BlockNum) (int, error)
}

// Worker is a registered prover
type Worker struct {
	Name string `json:"name"`
	// BlockSize is the largest block chunk size the worker circuit proves
	BlockSize int `json:"blockSize"`
	// AggregatedSize is the largest number of blocks the worker
	// aggregates, 0 when it only does single block proofs
	AggregatedSize int       `json:"aggregatedSize"`
	LastSeen       time.Time `json:"lastSeen"`
}

func (w *Worker) supports(job *common.ProverJob) bool {
	switch job.JobType {
	case common.ProverJobSingleBlock:
		return job.BlockSize <= w.BlockSize
	case common.ProverJobAggregated:
		return w.AggregatedSize > 0 && job.BlockSize <= w.AggregatedSize
	}
	return false
}

type jobState struct {
	job common.ProverJob
	// heartbeat is the last time the assigned worker reported progress
	heartbeat time.Time
	assigned  time.Time
}

// Config is the configuration of the job queue
type Config struct {
	// JobTimeout is how long an assigned job can go without a heartbeat
	// before going back to idle
	JobTimeout time.Duration
}

// JobQueue hands the prover jobs queued in the storage to the registered
// workers and collects their proofs
type JobQueue struct {
	cfg     Config
	storage Storage
	clock   clockwork.Clock

	rw      sync.RWMutex
	jobs    map[int64]*jobState
	workers map[string]*Worker
}

// ErrUnknownWorker is returned for requests of workers that did not register
var ErrUnknownWorker = fmt.Errorf("unknown worker")

// ErrUnknownJob is returned for jobs that are not in the queue
var ErrUnknownJob = fmt.Errorf("unknown job")

// NewJobQueue creates a JobQueue and loads the unfinished jobs.  Jobs that
// were assigned before a restart get a fresh heartbeat deadline.
func NewJobQueue(cfg Config, storage Storage, clock clockwork.Clock) (*JobQueue, error) {
	q := &JobQueue{
		cfg:     cfg,
		storage: storage,
		clock:   clock,
		jobs:    make(map[int64]*jobState),
		workers: make(map[string]*Worker),
	}
	if err := q.refresh(); err != nil {
		return nil, err
	}
	return q, nil
}

// refresh adds the jobs queued in the storage since the last call.  Must
// be called with the lock held or before the queue is shared.
func (q *JobQueue) refresh() error {
	jobs, err := q.storage.GetUnfinishedProverJobs()
	if err != nil {
		return common.Wrap(err)
	}
	now := q.clock.Now()
	for _, job := range jobs {
		if _, ok := q.jobs[job.ID]; ok {
			continue
		}
		if job.Status == common.ProverJobStale {
			job.Status = common.ProverJobIdle
			job.Worker = nil
		}
		q.jobs[job.ID] = &jobState{job: job, heartbeat: now, assigned: now}
	}
	q.updateMetrics()
	return nil
}

func (q *JobQueue) updateMetrics() {
	counts := map[common.ProverJobStatus]int{
		common.ProverJobIdle:     0,
		common.ProverJobAssigned: 0,
	}
	for _, s := range q.jobs {
		counts[s.job.Status]++
	}
	for status, n := range counts {
		metric.ProverJobs.WithLabelValues(string(status)).Set(float64(n))
	}
}

// Register adds a worker or updates the sizes of a known one
func (q *JobQueue) Register(w Worker) error {
	if w.Name == "" {
		return common.Wrap(fmt.Errorf("empty worker name"))
	}
	if w.BlockSize <= 0 && w.AggregatedSize <= 0 {
		return common.Wrap(fmt.Errorf("worker %s proves no size", w.Name))
	}
	q.rw.Lock()
	defer q.rw.Unlock()
	w.LastSeen = q.clock.Now()
	q.workers[w.Name] = &w
	log.Infow("JobQueue: worker registered", "worker", w.Name, "blockSize", w.BlockSize,
		"aggregatedSize", w.AggregatedSize)
	return nil
}

// Workers returns the registered workers sorted by name
func (q *JobQueue) Workers() []Worker {
	q.rw.RLock()
	defer q.rw.RUnlock()
	workers := make([]Worker, 0, len(q.workers))
	for _, w := range q.workers {
		workers = append(workers, *w)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].Name < workers[j].Name })
	return workers
}

type sizeKey struct {
	jobType common.ProverJobType
	size    int
}

// BlockToProve assigns the next job to the worker, nil when there is
// nothing it can prove.  Within a size the job with the oldest first block
// goes first.  Among sizes the one with the longest queue wins, ties going
// to the smaller size.
func (q *JobQueue) BlockToProve(name string) (*common.ProverJob, error) {
	q.rw.Lock()
	defer q.rw.Unlock()
	w, ok := q.workers[name]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("%w: %s", ErrUnknownWorker, name))
	}
	w.LastSeen = q.clock.Now()
	if err := q.refresh(); err != nil {
		return nil, err
	}

	queues := make(map[sizeKey][]*jobState)
	for _, s := range q.jobs {
		if s.job.Status != common.ProverJobIdle || !w.supports(&s.job) {
			continue
		}
		key := sizeKey{jobType: s.job.JobType, size: s.job.BlockSize}
		queues[key] = append(queues[key], s)
	}
	keys := make([]sizeKey, 0, len(queues))
	for key, jobs := range queues {
		sort.Slice(jobs, func(i, j int) bool {
			if jobs[i].job.FirstBlock != jobs[j].job.FirstBlock {
				return jobs[i].job.FirstBlock < jobs[j].job.FirstBlock
			}
			return jobs[i].job.ID < jobs[j].job.ID
		})
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if len(queues[a]) != len(queues[b]) {
			return len(queues[a]) > len(queues[b])
		}
		if a.size != b.size {
			return a.size < b.size
		}
		return a.jobType == common.ProverJobSingleBlock && b.jobType != common.ProverJobSingleBlock
	})

	for _, key := range keys {
		for _, s := range queues[key] {
			if s.job.JobType == common.ProverJobAggregated {
				ready, err := q.aggregationReady(&s.job)
				if err != nil {
					return nil, err
				}
				if !ready {
					continue
				}
			}
			if err := q.storage.UpdateProverJob(s.job.ID, common.ProverJobAssigned, &name); err != nil {
				return nil, common.Wrap(err)
			}
			now := q.clock.Now()
			s.job.Status = common.ProverJobAssigned
			s.job.Worker = &name
			s.heartbeat = now
			s.assigned = now
			q.updateMetrics()
			log.Infow("JobQueue: job assigned", "job", s.job.ID, "type", s.job.JobType,
				"first", s.job.FirstBlock, "last", s.job.LastBlock, "worker", name)
			job := s.job
			return &job, nil
		}
	}
	return nil, nil
}

// aggregationReady returns true when every block of the job range has a
// stored single block proof
func (q *JobQueue) aggregationReady(job *common.ProverJob) (bool, error) {
	n, err := q.storage.CountSingleProofs(job.FirstBlock, job.LastBlock)
	if err != nil {
		return false, common.Wrap(err)
	}
	return n == int(job.LastBlock-job.FirstBlock)+1, nil
}

// WorkingOn records a heartbeat of the worker computing the job.  A job
// that went stale and was given to another worker returns an error of
// kind ProverJobStale.
func (q *JobQueue) WorkingOn(jobID int64, name string) error {
	q.rw.Lock()
	defer q.rw.Unlock()
	s, ok := q.jobs[jobID]
	if !ok {
		return common.Wrap(fmt.Errorf("%w: %d", ErrUnknownJob, jobID))
	}
	if w, ok := q.workers[name]; ok {
		w.LastSeen = q.clock.Now()
	}
	if s.job.Status != common.ProverJobAssigned || s.job.Worker == nil || *s.job.Worker != name {
		return common.Wrap(common.NewOpError(common.KindProverJobStale,
			"job %d is not assigned to %s", jobID, name))
	}
	s.heartbeat = q.clock.Now()
	return nil
}

// PublishProof stores the proof of a job.  Proofs are stored by job type
// and range, so a late proof of a job that went stale is still accepted and
// a second proof of the same range overwrites the first one.
func (q *JobQueue) PublishProof(jobID int64, name string, proof *common.Proof) error {
	q.rw.Lock()
	defer q.rw.Unlock()
	s, ok := q.jobs[jobID]
	if !ok {
		if err := q.refresh(); err != nil {
			return err
		}
		if s, ok = q.jobs[jobID]; !ok {
			// done jobs leave the queue, publishing again is a no-op
			log.Debugw("JobQueue: proof of a finished job", "job", jobID, "worker", name)
			return nil
		}
	}
	if err := q.storage.StoreProof(&s.job, proof); err != nil {
		return common.Wrap(err)
	}
	metric.WaitServerProof.WithLabelValues(string(s.job.JobType)).Observe(
		q.clock.Since(s.assigned).Seconds())
	delete(q.jobs, jobID)
	q.updateMetrics()
	log.Infow("JobQueue: proof stored", "job", jobID, "type", s.job.JobType,
		"first", s.job.FirstBlock, "last", s.job.LastBlock, "worker", name)
	return nil
}

// WorkerStopped unregisters a worker and puts its jobs back to idle
func (q *JobQueue) WorkerStopped(name string) error {
	q.rw.Lock()
	defer q.rw.Unlock()
	delete(q.workers, name)
	for _, s := range q.jobs {
		if s.job.Status == common.ProverJobAssigned && s.job.Worker != nil && *s.job.Worker == name {
			if err := q.release(s); err != nil {
				return err
			}
		}
	}
	q.updateMetrics()
	log.Infow("JobQueue: worker stopped", "worker", name)
	return nil
}

func (q *JobQueue) release(s *jobState) error {
	if err := q.storage.UpdateProverJob(s.job.ID, common.ProverJobIdle, nil); err != nil {
		return common.Wrap(err)
	}
	s.job.Status = common.ProverJobIdle
	s.job.Worker = nil
	return nil
}

// SweepStale puts back to idle the assigned jobs whose heartbeat is older
// than the job timeout and returns how many were released
func (q *JobQueue) SweepStale() (int, error) {
	q.rw.Lock()
	defer q.rw.Unlock()
	now := q.clock.Now()
	released := 0
	for _, s := range q.jobs {
		if s.job.Status != common.ProverJobAssigned || now.Sub(s.heartbeat) <= q.cfg.JobTimeout {
			continue
		}
		log.Warnw("JobQueue: job went stale", "job", s.job.ID, "worker", *s.job.Worker,
			"lastHeartbeat", s.heartbeat)
		if err := q.release(s); err != nil {
			return released, err
		}
		metric.StaleProverJobs.Inc()
		released++
	}
	if released > 0 {
		q.updateMetrics()
	}
	return released, nil
}

// Jobs returns a copy of the jobs in the queue ordered by id
func (q *JobQueue) Jobs() []common.ProverJob {
	q.rw.RLock()
	defer q.rw.RUnlock()
	jobs := make([]common.ProverJob, 0, len(q.jobs))
	for _, s := range q.jobs {
		jobs = append(jobs, s.job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

// Run sweeps stale jobs every half job timeout until ctx is done
func (q *JobQueue) Run(ctx context.Context) error {
	ticker := q.clock.NewTicker(q.cfg.JobTimeout / 2) //nolint:gomnd
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("JobQueue: done")
			return nil
		case <-ticker.Chan():
			if _, err := q.SweepStale(); err != nil {
				log.Errorw("JobQueue: SweepStale", "err", err)
			}
		}
	}
}
