package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespaceKeeper  = "statekeeper"
	namespaceMempool = "mempool"
	namespaceWatch   = "ethwatch"
	namespaceProver  = "prover"
	namespaceSender  = "l1sender"
	namespaceRestore = "datarestore"
	namespaceAPI     = "api"
)

var (
	// SealedBlocks sealed block count
	SealedBlocks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceKeeper,
			Name:      "sealed_blocks_total",
			Help:      "",
		})

	// LastSealedBlock number of the last sealed block
	LastSealedBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceKeeper,
			Name:      "last_sealed_block",
			Help:      "",
		})

	// ExecutedOps successful operations by op type
	ExecutedOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceKeeper,
			Name:      "executed_ops_total",
			Help:      "",
		}, []string{"op"})

	// FailedTxs failed txs by error code
	FailedTxs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceKeeper,
			Name:      "failed_txs_total",
			Help:      "",
		}, []string{"code"})

	// BlockChunksUsed chunks used by the ops of a sealed block
	BlockChunksUsed = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespaceKeeper,
			Name:      "block_chunks_used",
			Help:      "",
			Buckets:   prometheus.ExponentialBuckets(8, 2, 8), //nolint:gomnd
		})

	// MempoolTxs txs waiting in the mempool, singles and batched
	MempoolTxs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceMempool,
			Name:      "txs",
			Help:      "",
		})

	// RejectedTxs txs rejected at admission by error code
	RejectedTxs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceMempool,
			Name:      "rejected_txs_total",
			Help:      "",
		}, []string{"code"})

	// LastWatchedBlock last L1 block processed by the watcher
	LastWatchedBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceWatch,
			Name:      "last_watched_block",
			Help:      "",
		})

	// WatcherLag distance in L1 blocks between the head and the last
	// watched block
	WatcherLag = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceWatch,
			Name:      "lag_blocks",
			Help:      "",
		})

	// L1Retries transient L1 errors retried, by component
	L1Retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespaceWatch,
			Name:      "l1_retries_total",
			Help:      "",
		}, []string{"component"})

	// ProverJobs prover jobs by status
	ProverJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespaceProver,
			Name:      "jobs",
			Help:      "",
		}, []string{"status"})

	// StaleProverJobs jobs returned to the queue after a missed heartbeat
	StaleProverJobs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceProver,
			Name:      "stale_jobs_total",
			Help:      "",
		})

	// WaitServerProof duration time to get the calculated
	// proof from the workers.
	WaitServerProof = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespaceProver,
			Name:      "wait_server_proof",
			Help:      "",
		}, []string{"job_type"})

	// L1TxResubmits stuck L1 txs resubmitted with a bumped gas price
	L1TxResubmits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceSender,
			Name:      "resubmits_total",
			Help:      "",
		})

	// L1TxReverts reverted L1 txs that are sent again
	L1TxReverts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceSender,
			Name:      "reverts_total",
			Help:      "",
		})

	// GasPrice last gas price used, in gwei
	GasPrice = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceSender,
			Name:      "gas_price_gwei",
			Help:      "",
		})

	// MaxGasPrice max acceptable gas price computed by the gas adjuster, in gwei
	MaxGasPrice = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespaceSender,
			Name:      "max_gas_price_gwei",
			Help:      "",
		})

	// RestoredBlocks blocks replayed by the data restore
	RestoredBlocks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespaceRestore,
			Name:      "restored_blocks_total",
			Help:      "",
		})

	// APIRequestDuration duration of the API requests in milliseconds, by
	// route and status
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespaceAPI,
			Name:      "request_duration_ms",
			Help:      "",
		}, []string{"route", "status"})
)

func init() {
	prometheus.MustRegister(
		SealedBlocks,
		LastSealedBlock,
		ExecutedOps,
		FailedTxs,
		BlockChunksUsed,
		MempoolTxs,
		RejectedTxs,
		LastWatchedBlock,
		WatcherLag,
		L1Retries,
		ProverJobs,
		StaleProverJobs,
		WaitServerProof,
		L1TxResubmits,
		L1TxReverts,
		GasPrice,
		MaxGasPrice,
		RestoredBlocks,
		APIRequestDuration,
	)
}

// MeasureDuration measure the method execution duration
// and save it into a histogram metric
func MeasureDuration(histogram *prometheus.HistogramVec, start time.Time, lvs ...string) {
	duration := time.Since(start)
	histogram.WithLabelValues(lvs...).Observe(float64(duration.Milliseconds()))
}
