package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"testing"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type proofKey struct {
	jobType     common.ProverJobType
	first, last common.BlockNum
}

// memStorage keeps in memory what the historydb keeps in postgres
type memStorage struct {
	mu        sync.Mutex
	blocks    map[common.BlockNum]common.Block
	lastBlock common.BlockNum
	jobs      []common.ProverJob
	proofs    map[proofKey]common.Proof
	aggOps    []common.AggregatedOperation
	ethOps    map[int64]*common.EthOperation
	nextEthID int64
	// ethWriteErr fails the writes of eth operations
	ethWriteErr error
}

func newMemStorage() *memStorage {
	return &memStorage{
		blocks: make(map[common.BlockNum]common.Block),
		proofs: make(map[proofKey]common.Proof),
		ethOps: make(map[int64]*common.EthOperation),
	}
}

func (s *memStorage) AddBlock(req *common.BlockCommitRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[req.Block.Number]; ok {
		return fmt.Errorf("block %d already stored", req.Block.Number)
	}
	s.blocks[req.Block.Number] = req.Block
	if req.Block.Number > s.lastBlock {
		s.lastBlock = req.Block.Number
	}
	s.jobs = append(s.jobs, common.ProverJob{
		ID:         int64(len(s.jobs) + 1),
		JobType:    common.ProverJobSingleBlock,
		FirstBlock: req.Block.Number,
		LastBlock:  req.Block.Number,
		BlockSize:  req.Block.BlockChunkSize,
		Status:     common.ProverJobIdle,
	})
	return nil
}

func (s *memStorage) LastBlockNum() (common.BlockNum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBlock, nil
}

func (s *memStorage) GetBlocks(from, to common.BlockNum) ([]common.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var blocks []common.Block
	for n := from; n <= to; n++ {
		if b, ok := s.blocks[n]; ok {
			blocks = append(blocks, b)
		}
	}
	return blocks, nil
}

func (s *memStorage) AddProverJob(job *common.ProverJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = int64(len(s.jobs) + 1)
	s.jobs = append(s.jobs, *job)
	return nil
}

func (s *memStorage) LastProverJobBlock(jobType common.ProverJobType) (common.BlockNum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := common.BlockNum(0)
	for _, job := range s.jobs {
		if job.JobType == jobType && job.LastBlock > last {
			last = job.LastBlock
		}
	}
	return last, nil
}

func (s *memStorage) storeProof(jobType common.ProverJobType, first, last common.BlockNum) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proofs[proofKey{jobType, first, last}] = common.Proof{
		Inputs: []*big.Int{big.NewInt(int64(first))},
		Proof:  []*big.Int{big.NewInt(int64(last))},
	}
}

func (s *memStorage) LastSingleProvedBlock() (common.BlockNum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := common.BlockNum(0)
	for n < s.lastBlock {
		if _, ok := s.proofs[proofKey{common.ProverJobSingleBlock, n + 1, n + 1}]; !ok {
			break
		}
		n++
	}
	return n, nil
}

func (s *memStorage) GetAggregatedProofFrom(first common.BlockNum) (common.BlockNum, *common.Proof, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last common.BlockNum
	var proof *common.Proof
	for key, p := range s.proofs {
		if key.jobType == common.ProverJobAggregated && key.first == first && key.last > last {
			p := p
			last, proof = key.last, &p
		}
	}
	return last, proof, nil
}

func (s *memStorage) AddAggregatedOperation(op *common.AggregatedOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.aggOps {
		if o.ActionType == op.ActionType && o.FromBlock == op.FromBlock && o.ToBlock == op.ToBlock {
			return fmt.Errorf("duplicated operation")
		}
	}
	op.ID = int64(len(s.aggOps) + 1)
	s.aggOps = append(s.aggOps, *op)
	return nil
}

func (s *memStorage) GetAggregatedOperation(id int64) (*common.AggregatedOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || int(id) > len(s.aggOps) {
		return nil, fmt.Errorf("operation %d not found", id)
	}
	op := s.aggOps[id-1]
	return &op, nil
}

func (s *memStorage) lastAggregated(actionType common.AggregatedActionType,
	confirmed bool) common.BlockNum {
	last := common.BlockNum(0)
	for _, op := range s.aggOps {
		if op.ActionType == actionType && (!confirmed || op.Confirmed) && op.ToBlock > last {
			last = op.ToBlock
		}
	}
	return last
}

func (s *memStorage) LastAggregatedBlock(actionType common.AggregatedActionType) (common.BlockNum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAggregated(actionType, false), nil
}

func (s *memStorage) LastConfirmedBlock(actionType common.AggregatedActionType) (common.BlockNum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAggregated(actionType, true), nil
}

func (s *memStorage) GetUnsentAggregatedOperations() ([]common.AggregatedOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent := make(map[int64]bool)
	for _, op := range s.ethOps {
		sent[op.AggregatedOpID] = true
	}
	var unsent []common.AggregatedOperation
	for _, op := range s.aggOps {
		if !op.Confirmed && !sent[op.ID] {
			unsent = append(unsent, op)
		}
	}
	return unsent, nil
}

// unsentOps returns the unsent operations of an action
func (s *memStorage) unsentOps(actionType common.AggregatedActionType) []common.AggregatedOperation {
	unsent, _ := s.GetUnsentAggregatedOperations()
	var ops []common.AggregatedOperation
	for _, op := range unsent {
		if op.ActionType == actionType {
			ops = append(ops, op)
		}
	}
	return ops
}

// confirm marks an aggregated operation as confirmed on L1
func (s *memStorage) confirm(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggOps[id-1].Confirmed = true
}

func (s *memStorage) AddEthOperation(op *common.EthOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ethWriteErr != nil {
		return s.ethWriteErr
	}
	s.nextEthID++
	op.ID = s.nextEthID
	cpy := *op
	cpy.TxHashes = append([]ethCommon.Hash{}, op.TxHashes...)
	s.ethOps[op.ID] = &cpy
	return nil
}

func (s *memStorage) ReplaceEthTx(opID int64, hash ethCommon.Hash, gasPrice *big.Int, rawTx []byte,
	deadline int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ethWriteErr != nil {
		return s.ethWriteErr
	}
	op, ok := s.ethOps[opID]
	if !ok {
		return fmt.Errorf("eth operation %d not found", opID)
	}
	op.LastUsedGasPrice = new(big.Int).Set(gasPrice)
	op.RawTx = rawTx
	op.DeadlineBlock = deadline
	op.TxHashes = append(op.TxHashes, hash)
	return nil
}

func (s *memStorage) DeleteEthOperation(opID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ethOps[opID]; !ok {
		return fmt.Errorf("eth operation %d not found", opID)
	}
	delete(s.ethOps, opID)
	return nil
}

func (s *memStorage) ConfirmEthOperation(opID int64, finalHash ethCommon.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ethOps[opID]
	if !ok {
		return fmt.Errorf("eth operation %d not found", opID)
	}
	op.Confirmed = true
	op.FinalHash = &finalHash
	s.aggOps[op.AggregatedOpID-1].Confirmed = true
	return nil
}

func (s *memStorage) GetUnconfirmedEthOperations() ([]common.EthOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ops []common.EthOperation
	for _, op := range s.ethOps {
		if op.Confirmed {
			continue
		}
		cpy := *op
		cpy.TxHashes = append([]ethCommon.Hash{}, op.TxHashes...)
		ops = append(ops, cpy)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	return ops, nil
}

// ethOpsOf returns the L1 txs of an aggregated operation
func (s *memStorage) ethOpsOf(aggID int64) []common.EthOperation {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ops []common.EthOperation
	for _, op := range s.ethOps {
		if op.AggregatedOpID == aggID {
			ops = append(ops, *op)
		}
	}
	return ops
}

// addBlocks stores the blocks [1, n], one deposit each
func addBlocks(t *testing.T, s *memStorage, n int) {
	for i := 1; i <= n; i++ {
		require.NoError(t, s.AddBlock(test.GenBlock(common.BlockNum(i), uint64(i-1), 1)))
	}
}

var testAddr = ethCommon.HexToAddress("0x7e5f4552091a69125d5dfcb7b8c2659029395bdf")

func newTestClient(clock clockwork.Clock) *test.Client {
	return test.NewClient(true, clock, &testAddr, test.NewClientSetupExample())
}

func testCoordinatorConfig() Config {
	return Config{
		Aggregator: AggregatorConfig{
			MaxBlocksToCommit:  2,
			MaxBlocksToProve:   2,
			MaxBlocksToExecute: 2,
		},
		TxManager: TxManagerConfig{
			ConfirmBlocks:      2,
			ExpectedWaitBlocks: 3,
			MaxInflight:        4,
		},
		GasAdjuster: GasAdjusterConfig{
			PriceFactor:         2,
			LimitUpdateInterval: time.Minute,
			SampleInterval:      15 * time.Second,
		},
		CheckInterval: time.Second,
		// block 1 of test.GenBlock starts from root 1
		GenesisRoot: big.NewInt(1),
	}
}

func TestCoordinatorStep(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	client := newTestClient(clock)
	storage := newMemStorage()
	commits := make(chan common.BlockCommitRequest)
	c, err := NewCoordinator(ctx, testCoordinatorConfig(), storage, client, nil, commits, clock)
	require.NoError(t, err)

	require.NoError(t, c.commitQueue.Commit(test.GenBlock(1, 0, 2)))
	require.NoError(t, c.commitQueue.Commit(test.GenBlock(2, 2, 1)))
	assert.Equal(t, common.BlockNum(1), <-c.stored)

	require.NoError(t, c.Step(ctx))
	require.Equal(t, 1, len(storage.aggOps))
	assert.Equal(t, common.ActionCommitBlocks, storage.aggOps[0].ActionType)
	assert.Equal(t, common.BlockNum(2), storage.aggOps[0].ToBlock)
	assert.Equal(t, 1, client.CtlPendingTxs())
	assert.NotNil(t, c.gas.MaxPrice())

	client.CtlMineBlock()
	client.CtlMineBlock()
	require.NoError(t, c.Step(ctx))
	committed, err := storage.LastConfirmedBlock(common.ActionCommitBlocks)
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(2), committed)
	totals, err := client.RollupTotals()
	require.NoError(t, err)
	assert.Equal(t, common.BlockNum(2), totals.Committed)
}

func TestCoordinatorRunStoresCommits(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clock := clockwork.NewFakeClock()
	client := newTestClient(clock)
	storage := newMemStorage()
	commits := make(chan common.BlockCommitRequest)
	c, err := NewCoordinator(ctx, testCoordinatorConfig(), storage, client, nil, commits, clock)
	require.NoError(t, err)

	done := make(chan error)
	go func() {
		done <- c.Run(ctx)
	}()
	commits <- *test.GenBlock(1, 0, 1)
	require.Eventually(t, func() bool {
		return client.CtlPendingTxs() == 1
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, isFatal(dbError(fmt.Errorf("connection lost"))))
	assert.True(t, isFatal(common.Wrap(common.NewRootDivergence(3))))
	assert.False(t, isFatal(l1Error(fmt.Errorf("timeout"))))
	assert.False(t, isFatal(fmt.Errorf("other")))
	// an OpError keeps its kind
	err := dbError(common.NewOpError(common.KindL1Permanent, "reverted"))
	assert.True(t, common.IsKind(err, common.KindL1Permanent))
}
