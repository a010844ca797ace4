package common

import (
	"math/big"
	"time"
)

// ProverJobType distinguishes proofs of one block from proofs that
// aggregate a range of single proofs
type ProverJobType string

const (
	// ProverJobSingleBlock proves one block
	ProverJobSingleBlock ProverJobType = "SingleBlock"
	// ProverJobAggregated aggregates the single proofs of a block range
	ProverJobAggregated ProverJobType = "Aggregated"
)

// ProverJobStatus is the state of a job in the prover queue
type ProverJobStatus string

const (
	// ProverJobIdle is waiting for a worker
	ProverJobIdle ProverJobStatus = "idle"
	// ProverJobAssigned is being computed by a worker
	ProverJobAssigned ProverJobStatus = "assigned"
	// ProverJobDone has a stored proof
	ProverJobDone ProverJobStatus = "done"
	// ProverJobStale lost its worker heartbeat and goes back to idle
	ProverJobStale ProverJobStatus = "stale"
)

// ProverJob is a row of the prover job queue
type ProverJob struct {
	ID         int64           `json:"id" meddler:"id,pk"`
	JobType    ProverJobType   `json:"jobType" meddler:"job_type"`
	FirstBlock BlockNum        `json:"firstBlock" meddler:"first_block"`
	LastBlock  BlockNum        `json:"lastBlock" meddler:"last_block"`
	BlockSize  int             `json:"blockSize" meddler:"block_size"`
	Status     ProverJobStatus `json:"status" meddler:"status"`
	Worker     *string         `json:"worker,omitempty" meddler:"worker"`
	UpdatedAt  time.Time       `json:"updatedAt" meddler:"updated_at,utctime"`
}

// Proof is the opaque output of a prover worker
type Proof struct {
	Inputs []*big.Int `json:"inputs"`
	Proof  []*big.Int `json:"proof"`
	// SubproofsLimbs is only set for aggregated proofs
	SubproofsLimbs []*big.Int `json:"subproofsLimbs,omitempty"`
}

// ProofInput returns the calldata of proveBlocks for an aggregated proof
// of blocks
func (p *Proof) ProofInput(blocks []Block) ProofInput {
	in := ProofInput{
		RecursiveInput: p.Inputs,
		Proof:          p.Proof,
		Commitments:    make([]*big.Int, len(blocks)),
		VkIndexes:      make([]uint8, len(blocks)),
		SubproofsLimbs: p.SubproofsLimbs,
	}
	for i := range blocks {
		in.Commitments[i] = new(big.Int).SetBytes(blocks[i].Commitment[:])
	}
	if in.SubproofsLimbs == nil {
		in.SubproofsLimbs = []*big.Int{}
	}
	return in
}
