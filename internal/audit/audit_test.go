package audit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shortside/locatefee/internal/pricing"
)

func testRecord(clientID, ticker string, i int) *Record {
	value := decimal.NewFromInt(int64(10000 + i))
	return &Record{
		ID:       fmt.Sprintf("rec-%s-%d", clientID, i),
		ClientID: clientID,
		Ticker:   ticker,
		Outcome:  OutcomeSuccess,
		Inputs: pricing.CalculationRequest{
			Ticker:        ticker,
			PositionValue: value,
			LoanDays:      30,
			ClientID:      clientID,
		},
		Breakdown: &pricing.FeeBreakdown{
			Ticker:        ticker,
			ClientID:      clientID,
			PositionValue: value,
			LoanDays:      30,
			TotalFee:      decimal.RequireFromString("527.8082"),
			Currency:      "USD",
			CalculatedAt:  time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC),
		},
		EmittedAt: time.Date(2026, 3, 2, 14, 30, 0, int(i), time.UTC),
	}
}

func sealedChain(t *testing.T, clientID string, n int) []Record {
	t.Helper()
	records := make([]Record, 0, n)
	prev := GenesisHash
	for i := 0; i < n; i++ {
		rec := testRecord(clientID, "AAPL", i)
		Seal(rec, uint64(i+1), prev)
		prev = rec.Hash
		records = append(records, *rec)
	}
	return records
}

func TestComputeHash_Deterministic(t *testing.T) {
	rec := testRecord("hf-001", "AAPL", 1)
	h1 := ComputeHash(GenesisHash, rec)
	h2 := ComputeHash(GenesisHash, rec)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestComputeHash_SensitiveToEveryField(t *testing.T) {
	base := ComputeHash(GenesisHash, testRecord("hf-001", "AAPL", 1))

	mutations := map[string]func(*Record){
		"ticker":    func(r *Record) { r.Ticker = "TSLA" },
		"outcome":   func(r *Record) { r.Outcome = OutcomeFailed },
		"inputs":    func(r *Record) { r.Inputs.LoanDays = 31 },
		"breakdown": func(r *Record) { r.Breakdown.TotalFee = decimal.NewFromInt(1) },
		"emitted":   func(r *Record) { r.EmittedAt = r.EmittedAt.Add(time.Nanosecond) },
		"prev":      func(r *Record) { r.PrevHash = "ff" },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			rec := testRecord("hf-001", "AAPL", 1)
			mutate(rec)
			assert.NotEqual(t, base, ComputeHash(GenesisHash, rec))
		})
	}
}

func TestVerifyChain_Intact(t *testing.T) {
	records := sealedChain(t, "client-c", 10)
	idx, err := VerifyChain(records)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
}

func TestVerifyChain_DetectsMiddleMutation(t *testing.T) {
	records := sealedChain(t, "client-c", 10)
	records[5].Breakdown.TotalFee = decimal.NewFromInt(999999)

	idx, err := VerifyChain(records)
	require.Error(t, err)
	assert.Equal(t, 5, idx)
}

func TestVerifyChain_DetectsRelinking(t *testing.T) {
	records := sealedChain(t, "client-c", 10)
	// Re-seal record 5 after tampering; the break must surface at 6 where
	// the original prev_hash no longer matches.
	records[5].Breakdown.TotalFee = decimal.NewFromInt(999999)
	Seal(&records[5], records[5].Seq, records[5].PrevHash)

	idx, err := VerifyChain(records)
	require.Error(t, err)
	assert.Equal(t, 6, idx)
}

func TestVerifyChain_EmptyIsIntact(t *testing.T) {
	idx, err := VerifyChain(nil)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
}

// fakeStore collects persisted batches in memory
type fakeStore struct {
	mu      sync.Mutex
	records map[string][]Record
	tails   map[string]Record
	fail    bool
	block   chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string][]Record), tails: make(map[string]Record)}
}

func (s *fakeStore) AppendRecords(ctx context.Context, records []Record) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("store unavailable")
	}
	for _, rec := range records {
		s.records[rec.ClientID] = append(s.records[rec.ClientID], rec)
		s.tails[rec.ClientID] = rec
	}
	return nil
}

func (s *fakeStore) ChainTail(ctx context.Context, clientID string) (uint64, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tail, ok := s.tails[clientID]
	if !ok {
		return 0, GenesisHash, nil
	}
	return tail.Seq, tail.Hash, nil
}

func (s *fakeStore) partition(clientID string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records[clientID]))
	copy(out, s.records[clientID])
	return out
}

func TestEmitter_PersistsChainInOrder(t *testing.T) {
	store := newFakeStore()
	e := NewEmitter(store, EmitterConfig{
		Workers:         2,
		QueueSize:       64,
		BatchSize:       4,
		BatchLinger:     20 * time.Millisecond,
		EnqueueDeadline: time.Second,
		PersistBackoff:  10 * time.Millisecond,
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, e.Enqueue(context.Background(), testRecord("client-c", "AAPL", i)))
	}
	e.Close()

	records := store.partition("client-c")
	require.Len(t, records, 10)
	for i, rec := range records {
		assert.Equal(t, uint64(i+1), rec.Seq)
	}

	idx, err := VerifyChain(records)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
}

func TestEmitter_IndependentPartitions(t *testing.T) {
	store := newFakeStore()
	e := NewEmitter(store, EmitterConfig{
		Workers:         3,
		QueueSize:       64,
		BatchSize:       8,
		BatchLinger:     20 * time.Millisecond,
		EnqueueDeadline: time.Second,
		PersistBackoff:  10 * time.Millisecond,
	})

	clients := []string{"hf-001", "hf-002", "retail-9"}
	for i := 0; i < 6; i++ {
		for _, c := range clients {
			require.NoError(t, e.Enqueue(context.Background(), testRecord(c, "GME", i)))
		}
	}
	e.Close()

	for _, c := range clients {
		records := store.partition(c)
		require.Len(t, records, 6, c)
		idx, err := VerifyChain(records)
		require.NoError(t, err, c)
		assert.Equal(t, -1, idx)
	}
}

func TestEmitter_ResumesChainAcrossRestart(t *testing.T) {
	store := newFakeStore()

	e1 := NewEmitter(store, EmitterConfig{
		Workers: 1, QueueSize: 16, BatchSize: 2,
		BatchLinger: 10 * time.Millisecond, EnqueueDeadline: time.Second,
		PersistBackoff: 10 * time.Millisecond,
	})
	for i := 0; i < 4; i++ {
		require.NoError(t, e1.Enqueue(context.Background(), testRecord("client-c", "AAPL", i)))
	}
	e1.Close()

	e2 := NewEmitter(store, EmitterConfig{
		Workers: 1, QueueSize: 16, BatchSize: 2,
		BatchLinger: 10 * time.Millisecond, EnqueueDeadline: time.Second,
		PersistBackoff: 10 * time.Millisecond,
	})
	for i := 4; i < 8; i++ {
		require.NoError(t, e2.Enqueue(context.Background(), testRecord("client-c", "AAPL", i)))
	}
	e2.Close()

	records := store.partition("client-c")
	require.Len(t, records, 8)
	assert.Equal(t, uint64(8), records[7].Seq)

	idx, err := VerifyChain(records)
	require.NoError(t, err)
	assert.Equal(t, -1, idx)
}

func TestEmitter_BackpressureFailsEnqueue(t *testing.T) {
	store := newFakeStore()
	store.block = make(chan struct{})
	defer close(store.block)

	e := NewEmitter(store, EmitterConfig{
		Workers: 1, QueueSize: 1, BatchSize: 1,
		BatchLinger:     5 * time.Millisecond,
		EnqueueDeadline: 50 * time.Millisecond,
		PersistBackoff:  10 * time.Millisecond,
	})

	// First two occupy the worker and the queue slot; the third must time
	// out against the full queue.
	require.NoError(t, e.Enqueue(context.Background(), testRecord("client-c", "AAPL", 0)))
	require.Eventually(t, func() bool {
		return e.QueueDepth() == 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, e.Enqueue(context.Background(), testRecord("client-c", "AAPL", 1)))

	err := e.Enqueue(context.Background(), testRecord("client-c", "AAPL", 2))
	assert.ErrorIs(t, err, ErrBackpressure)
}

func TestEmitter_RetriesFailedPersist(t *testing.T) {
	store := newFakeStore()
	store.fail = true

	e := NewEmitter(store, EmitterConfig{
		Workers: 1, QueueSize: 16, BatchSize: 1,
		BatchLinger: 5 * time.Millisecond, EnqueueDeadline: time.Second,
		PersistBackoff: 5 * time.Millisecond,
	})
	require.NoError(t, e.Enqueue(context.Background(), testRecord("client-c", "AAPL", 0)))

	time.Sleep(30 * time.Millisecond)
	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()

	assert.Eventually(t, func() bool {
		return len(store.partition("client-c")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	e.Close()
}

func TestEmitter_EnqueueAfterClose(t *testing.T) {
	e := NewEmitter(newFakeStore(), DefaultEmitterConfig())
	e.Close()
	err := e.Enqueue(context.Background(), testRecord("client-c", "AAPL", 0))
	assert.ErrorIs(t, err, ErrEmitterClosed)
}
