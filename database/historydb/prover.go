package historydb

import (
	"time"

	"zkrollup-node/common"
	"zkrollup-node/database"

	"github.com/russross/meddler"
)

// AddProverJob queues a prover job.  Queuing a job already known for the
// same type and range does nothing.
func (hdb *HistoryDB) AddProverJob(job *common.ProverJob) error {
	return common.Wrap(hdb.addProverJob(hdb.dbWrite, job))
}

func (hdb *HistoryDB) addProverJob(d meddler.DB, job *common.ProverJob) error {
	_, err := d.Exec(
		`INSERT INTO prover_job_queue (
			job_type,
			first_block,
			last_block,
			block_size,
			status,
			worker,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (job_type, first_block, last_block) DO NOTHING;`,
		job.JobType, job.FirstBlock, job.LastBlock, job.BlockSize, job.Status,
		job.Worker, time.Now().UTC(),
	)
	return common.Wrap(err)
}

// GetUnfinishedProverJobs returns the jobs that have no proof yet, oldest
// first
func (hdb *HistoryDB) GetUnfinishedProverJobs() ([]common.ProverJob, error) {
	var jobs []*common.ProverJob
	err := meddler.QueryAll(
		hdb.dbRead, &jobs,
		"SELECT * FROM prover_job_queue WHERE status <> $1 ORDER BY first_block, id;",
		common.ProverJobDone,
	)
	return database.SlicePtrsToSlice(jobs).([]common.ProverJob), common.Wrap(err)
}

// GetProverJob returns a job of the queue
func (hdb *HistoryDB) GetProverJob(jobType common.ProverJobType,
	first, last common.BlockNum) (*common.ProverJob, error) {
	job := &common.ProverJob{}
	err := meddler.QueryRow(
		hdb.dbRead, job,
		`SELECT * FROM prover_job_queue
		WHERE job_type = $1 AND first_block = $2 AND last_block = $3;`,
		jobType, first, last,
	)
	return job, common.Wrap(err)
}

// UpdateProverJob sets the status and worker of a job
func (hdb *HistoryDB) UpdateProverJob(id int64, status common.ProverJobStatus, worker *string) error {
	res, err := hdb.dbWrite.Exec(
		"UPDATE prover_job_queue SET status = $1, worker = $2, updated_at = $3 WHERE id = $4;",
		status, worker, time.Now().UTC(), id,
	)
	if err != nil {
		return common.Wrap(err)
	}
	return database.RowsAffected(res, "prover job")
}

// StoreProof upserts the proof of a job and marks the job as done.  Storing
// the same proof again is harmless.
func (hdb *HistoryDB) StoreProof(job *common.ProverJob, proof *common.Proof) (err error) {
	txn, err := hdb.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	row := storedProofRow{
		JobType:    job.JobType,
		FirstBlock: job.FirstBlock,
		LastBlock:  job.LastBlock,
		Proof:      *proof,
		CreatedAt:  time.Now().UTC(),
	}
	values, err := meddler.Default.Values(&row, true)
	if err != nil {
		return common.Wrap(err)
	}
	if _, err = txn.Exec(
		`INSERT INTO stored_proofs (job_type, first_block, last_block, proof, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_type, first_block, last_block) DO UPDATE SET
			proof = EXCLUDED.proof;`,
		values...,
	); err != nil {
		return common.Wrap(err)
	}
	if _, err = txn.Exec(
		`UPDATE prover_job_queue SET status = $1, updated_at = $2
		WHERE job_type = $3 AND first_block = $4 AND last_block = $5;`,
		common.ProverJobDone, time.Now().UTC(), job.JobType, job.FirstBlock, job.LastBlock,
	); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(txn.Commit())
}

// GetProof returns a stored proof
func (hdb *HistoryDB) GetProof(jobType common.ProverJobType,
	first, last common.BlockNum) (*common.Proof, error) {
	row := &storedProofRow{}
	if err := meddler.QueryRow(
		hdb.dbRead, row,
		`SELECT * FROM stored_proofs
		WHERE job_type = $1 AND first_block = $2 AND last_block = $3;`,
		jobType, first, last,
	); err != nil {
		return nil, common.Wrap(err)
	}
	return &row.Proof, nil
}

// CountSingleProofs returns how many blocks of [first, last] have a stored
// single block proof
func (hdb *HistoryDB) CountSingleProofs(first, last common.BlockNum) (int, error) {
	var n int
	err := hdb.dbRead.Get(&n,
		`SELECT COUNT(*) FROM stored_proofs
		WHERE job_type = $1 AND first_block >= $2 AND last_block <= $3;`,
		common.ProverJobSingleBlock, first, last,
	)
	return n, common.Wrap(err)
}

// GetAggregatedProofFrom returns the widest aggregated proof that starts at
// first, nil when there is none
func (hdb *HistoryDB) GetAggregatedProofFrom(first common.BlockNum) (common.BlockNum, *common.Proof, error) {
	var rows []*storedProofRow
	if err := meddler.QueryAll(
		hdb.dbRead, &rows,
		`SELECT * FROM stored_proofs WHERE job_type = $1 AND first_block = $2
		ORDER BY last_block DESC LIMIT 1;`,
		common.ProverJobAggregated, first,
	); err != nil {
		return 0, nil, common.Wrap(err)
	}
	if len(rows) == 0 {
		return 0, nil, nil
	}
	return rows[0].LastBlock, &rows[0].Proof, nil
}

// LastSingleProvedBlock returns the highest block n such that every block
// in [1, n] has a single block proof
func (hdb *HistoryDB) LastSingleProvedBlock() (common.BlockNum, error) {
	var n int64
	// the proved prefix ends before the first block without a proof
	err := hdb.dbRead.Get(&n,
		`SELECT COALESCE(MIN(b.number) - 1, (SELECT COALESCE(MAX(number), 0) FROM blocks))
		FROM blocks b
		WHERE NOT EXISTS (
			SELECT 1 FROM stored_proofs p
			WHERE p.job_type = $1 AND p.first_block = b.number
		);`,
		common.ProverJobSingleBlock,
	)
	return common.BlockNum(n), common.Wrap(err)
}

// LastProverJobBlock returns the last block covered by a queued job of the
// type, 0 when there is none
func (hdb *HistoryDB) LastProverJobBlock(jobType common.ProverJobType) (common.BlockNum, error) {
	var n int64
	err := hdb.dbRead.Get(&n,
		"SELECT COALESCE(MAX(last_block), 0) FROM prover_job_queue WHERE job_type = $1;",
		jobType,
	)
	return common.BlockNum(n), common.Wrap(err)
}
