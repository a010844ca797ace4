package prover

import (
	"context"
	"math/rand"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/log"

	"github.com/jonboulle/clockwork"
)

const maxHeartbeatJitter = 500 * time.Millisecond

// JobUpdate tells the heartbeat loop which job the worker computes.
// JobID 0 means no job.  {0, true} stops the loop.
type JobUpdate struct {
	JobID    int64
	Finished bool
}

// HeartbeatLoop sends a WorkingOn heartbeat for the current job every
// interval plus a random jitter of up to 500ms, until it receives the
// {0, true} sentinel or ctx is done
func HeartbeatLoop(ctx context.Context, client Client, name string, interval time.Duration,
	clock clockwork.Clock, updates <-chan JobUpdate) {
	var current int64
	for {
		jitter := time.Duration(rand.Int63n(int64(maxHeartbeatJitter))) //nolint:gosec
		timer := clock.NewTimer(interval + jitter)
	wait:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case u := <-updates:
				if u.JobID == 0 && u.Finished {
					timer.Stop()
					log.Debugw("heartbeat: stopped", "worker", name)
					return
				}
				if u.JobID != current {
					current = u.JobID
					if current != 0 {
						log.Infow("heartbeat: new job", "worker", name, "job", current)
					}
				}
			case <-timer.Chan():
				break wait
			}
		}
		if current == 0 {
			continue
		}
		if err := client.WorkingOn(ctx, current, name); err != nil {
			log.Warnw("heartbeat: WorkingOn", "worker", name, "job", current, "err", err)
		}
	}
}

// Circuit computes the proof of a job.  It is opaque to the node.
type Circuit interface {
	Prove(ctx context.Context, job *common.ProverJob, data *JobData) (*common.Proof, error)
}

// ProofWorkerConfig is the configuration of a ProofWorker
type ProofWorkerConfig struct {
	Name              string
	BlockSize         int
	AggregatedSize    int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// ProofWorker is the loop of a prover worker: it asks for jobs, proves them
// with its Circuit while a heartbeat loop keeps the job assigned, and
// publishes the proofs
type ProofWorker struct {
	cfg     ProofWorkerConfig
	client  Client
	circuit Circuit
	clock   clockwork.Clock
}

// NewProofWorker creates a ProofWorker
func NewProofWorker(cfg ProofWorkerConfig, client Client, circuit Circuit,
	clock clockwork.Clock) *ProofWorker {
	return &ProofWorker{cfg: cfg, client: client, circuit: circuit, clock: clock}
}

// Run registers the worker and proves jobs until ctx is done, then tells
// the server it stopped
func (w *ProofWorker) Run(ctx context.Context) error {
	if err := w.client.Register(ctx, RegisterRequest{
		Name:           w.cfg.Name,
		BlockSize:      w.cfg.BlockSize,
		AggregatedSize: w.cfg.AggregatedSize,
	}); err != nil {
		return common.Wrap(err)
	}
	updates := make(chan JobUpdate, 1)
	done := make(chan struct{})
	go func() {
		HeartbeatLoop(ctx, w.client, w.cfg.Name, w.cfg.HeartbeatInterval, w.clock, updates)
		close(done)
	}()
	defer func() {
		select {
		case updates <- JobUpdate{JobID: 0, Finished: true}:
		case <-done:
		}
		<-done
		// ctx is done at this point
		if err := w.client.Stopped(context.Background(), w.cfg.Name); err != nil {
			log.Warnw("ProofWorker: Stopped", "worker", w.cfg.Name, "err", err)
		}
	}()

	for {
		proved, err := w.step(ctx, updates)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			log.Errorw("ProofWorker: step", "worker", w.cfg.Name, "err", err)
		}
		if proved {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(w.cfg.PollInterval):
		}
	}
}

func (w *ProofWorker) step(ctx context.Context, updates chan<- JobUpdate) (bool, error) {
	res, err := w.client.BlockToProve(ctx, w.cfg.Name)
	if err != nil {
		return false, err
	}
	if res.Job == nil {
		return false, nil
	}
	job := res.Job
	select {
	case updates <- JobUpdate{JobID: job.ID}:
	case <-ctx.Done():
		return false, common.Wrap(common.ErrDone)
	}
	proof, err := w.circuit.Prove(ctx, job, res.Data)
	if err != nil {
		return false, common.Wrap(err)
	}
	if err := w.client.Publish(ctx, PublishRequest{JobID: job.ID, Name: w.cfg.Name,
		Proof: *proof}); err != nil {
		return false, err
	}
	select {
	case updates <- JobUpdate{JobID: 0}:
	case <-ctx.Done():
	}
	return true, nil
}
