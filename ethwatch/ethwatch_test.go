package ethwatch

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"zkrollup-node/common"
	"zkrollup-node/eth"
	"zkrollup-node/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStorage struct {
	tokens      []common.Token
	facts       []common.AuthFact
	lastWatched int64
	watched     bool
	lastOp      *common.ExecutedPriorityOp
}

func (s *memStorage) AddTokens(tokens []common.Token) error {
	s.tokens = append(s.tokens, tokens...)
	return nil
}

func (s *memStorage) AddAuthFacts(facts []common.AuthFact) error {
	s.facts = append(s.facts, facts...)
	return nil
}

func (s *memStorage) GetLastWatchedBlock() (int64, bool, error) {
	return s.lastWatched, s.watched, nil
}

func (s *memStorage) SetLastWatchedBlock(block int64) error {
	s.lastWatched, s.watched = block, true
	return nil
}

func (s *memStorage) LastExecutedPriorityOp() (*common.ExecutedPriorityOp, error) {
	return s.lastOp, nil
}

type opSink struct {
	mu  sync.Mutex
	ops []*common.PriorityOp
}

func (s *opSink) AddPriorityOps(ops []*common.PriorityOp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, ops...)
}

func (s *opSink) serialIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, len(s.ops))
	for i, op := range s.ops {
		ids[i] = op.SerialID
	}
	return ids
}

var testConfig = Config{
	Confirmations:        2,
	PollInterval:         10 * time.Millisecond,
	GenesisBlock:         1,
	MaxBlockRange:        2,
	RetryBudget:          3,
	RetryInitialInterval: time.Millisecond,
	RetryMaxInterval:     5 * time.Millisecond,
}

func newTestClient() *test.Client {
	addr := ethCommon.HexToAddress("0xE39fEc6224708f0772D2A74fd3f9055A90E0A9f2")
	return test.NewClient(true, clockwork.NewFakeClock(), &addr, test.NewClientSetupExample())
}

var (
	alice = ethCommon.HexToAddress("0xa11ce")
	bob   = ethCommon.HexToAddress("0xb0b")
)

func TestPollConfirmations(t *testing.T) {
	client := newTestClient()
	storage := &memStorage{}
	sink := &opSink{}
	w := NewWatcher(client, storage, sink, testConfig)

	client.CtlAddDeposit(alice, 0, big.NewInt(100), bob)
	client.CtlMineBlock()
	require.NoError(t, w.Poll())
	// the deposit has no confirmations yet
	assert.Equal(t, 0, len(sink.serialIDs()))
	deposits := w.UnconfirmedDeposits(bob)
	require.Equal(t, 1, len(deposits))
	assert.Equal(t, uint64(0), deposits[0].SerialID)
	op, ok := w.UnconfirmedOpByEthHash(deposits[0].EthHash)
	require.True(t, ok)
	assert.Equal(t, uint64(0), op.SerialID)
	assert.Equal(t, 0, len(w.UnconfirmedDeposits(ethCommon.HexToAddress("0x01"))))

	client.CtlMineBlock()
	client.CtlMineBlock()
	require.NoError(t, w.Poll())
	assert.Equal(t, []uint64{0}, sink.serialIDs())
	assert.Equal(t, 0, len(w.UnconfirmedDeposits(bob)))
	assert.Equal(t, int64(3), w.LastBlock())
	assert.Equal(t, int64(3), storage.lastWatched)
	_, ok = w.PriorityOpBySerialID(0)
	assert.True(t, ok)

	stats := w.Stats()
	assert.Equal(t, int64(5), stats.Eth.LastBlock)
	assert.Equal(t, uint64(1), stats.Sync.NextSerialID)
	assert.True(t, stats.Synced())

	// polling again does not hand the op twice
	require.NoError(t, w.Poll())
	assert.Equal(t, []uint64{0}, sink.serialIDs())
}

func TestTokensAndAuthFacts(t *testing.T) {
	client := newTestClient()
	storage := &memStorage{}
	w := NewWatcher(client, storage, &opSink{}, testConfig)

	tokenAddr := ethCommon.HexToAddress("0x70ce")
	client.CtlAddERC20(tokenAddr, eth.ERC20Consts{Name: "Test", Symbol: "TST", Decimals: 6})
	id := client.CtlAddToken(tokenAddr)
	fact := ethCommon.HexToHash("0xfac7")
	client.CtlAddAuthFact(alice, 3, fact)
	for i := 0; i < 3; i++ {
		client.CtlMineBlock()
	}
	require.NoError(t, w.Poll())

	require.Equal(t, 1, len(storage.tokens))
	assert.Equal(t, id, storage.tokens[0].TokenID)
	assert.Equal(t, "TST", storage.tokens[0].Symbol)
	assert.Equal(t, uint64(6), storage.tokens[0].Decimals)
	require.Equal(t, 1, len(storage.facts))
	assert.Equal(t, alice, storage.facts[0].Address)
	assert.Equal(t, common.Nonce(3), storage.facts[0].Nonce)
	assert.Equal(t, fact, storage.facts[0].Fact)
}

func TestRestoreFromLastExecutedOp(t *testing.T) {
	client := newTestClient()
	for i := 0; i < 3; i++ {
		client.CtlAddDeposit(alice, 0, big.NewInt(int64(10+i)), bob)
		client.CtlMineBlock()
	}
	client.CtlMineBlock()
	client.CtlMineBlock()
	head, err := client.EthLastBlock()
	require.NoError(t, err)

	storage := &memStorage{lastOp: &common.ExecutedPriorityOp{
		PriorityOp: common.PriorityOp{SerialID: 1, EthBlock: 4},
	}}
	sink := &opSink{}
	w := NewWatcher(client, storage, sink, testConfig)
	require.NoError(t, w.RestoreStateFromEth(head))
	assert.Equal(t, []uint64{2}, sink.serialIDs())
	assert.Equal(t, head-testConfig.Confirmations, w.LastBlock())
	_, ok := w.PriorityOpBySerialID(1)
	assert.False(t, ok)

	// from genesis every op is fetched again
	sink = &opSink{}
	w = NewWatcher(client, &memStorage{}, sink, testConfig)
	require.NoError(t, w.RestoreStateFromEth(head))
	assert.Equal(t, []uint64{0, 1, 2}, sink.serialIDs())

	ops := w.PriorityQueueOps(0, 2*common.OpDeposit.Chunks())
	require.Equal(t, 2, len(ops))
	assert.Equal(t, uint64(1), ops[1].SerialID)
	assert.Equal(t, 0, len(w.PriorityQueueOps(0, 1)))
}

func TestRetryTransientErrors(t *testing.T) {
	client := newTestClient()
	sink := &opSink{}
	w := NewWatcher(client, &memStorage{}, sink, testConfig)
	client.CtlAddDeposit(alice, 0, big.NewInt(1), bob)
	for i := 0; i < 3; i++ {
		client.CtlMineBlock()
	}

	client.CtlFailCalls(2)
	require.NoError(t, w.withRetry(context.Background(), w.Poll))
	assert.Equal(t, []uint64{0}, sink.serialIDs())

	// the budget is exhausted
	client.CtlFailCalls(100)
	err := w.Run(context.Background())
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindL1Transient))
}

func TestRunStopsOnCancel(t *testing.T) {
	client := newTestClient()
	w := NewWatcher(client, &memStorage{}, &opSink{}, testConfig)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

type stubL1 struct {
	head   int64
	events *eth.RollupEvents
	err    error
	calls  int
}

func (s *stubL1) EthLastBlock() (int64, error) {
	return s.head, nil
}

func (s *stubL1) RollupEventsByRange(from, to int64) (*eth.RollupEvents, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.events, nil
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	client := &stubL1{head: 10, err: common.Wrap(common.NewOpError(common.KindL1Permanent, "bad log"))}
	w := NewWatcher(client, &memStorage{}, &opSink{}, testConfig)
	err := w.withRetry(context.Background(), w.Poll)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindL1Permanent))
	assert.Equal(t, 1, client.calls)
}

func TestPriorityOpGap(t *testing.T) {
	events := eth.NewRollupEvents()
	for _, id := range []uint64{0, 2} {
		events.PriorityOps = append(events.PriorityOps, common.PriorityOp{
			SerialID:      id,
			Data:          &common.Deposit{From: alice, Amount: big.NewInt(1), To: bob},
			DeadlineBlock: 100,
		})
	}
	client := &stubL1{head: 3, events: &events}
	sink := &opSink{}
	storage := &memStorage{}
	w := NewWatcher(client, storage, sink, testConfig)
	err := w.Poll()
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindPriorityOpGap))
	assert.Equal(t, 0, len(sink.serialIDs()))
	assert.False(t, storage.watched)
	assert.Equal(t, testConfig.GenesisBlock-1, w.LastBlock())
}
