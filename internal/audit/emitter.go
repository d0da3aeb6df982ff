package audit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shortside/locatefee/internal/metrics"
)

// ErrBackpressure reports that the audit queue stayed saturated past the
// enqueue deadline. The caller must fail the calculation; audit records are
// never dropped silently.
var ErrBackpressure = errors.New("audit queue saturated past deadline")

// ErrEmitterClosed reports an enqueue after Close
var ErrEmitterClosed = errors.New("audit emitter closed")

// Store persists sealed audit records. Batches are inserted atomically and
// each batch arrives in partition order.
type Store interface {
	AppendRecords(ctx context.Context, records []Record) error
	// ChainTail returns the last persisted seq and hash for a partition,
	// or (0, GenesisHash) when the partition has no records yet.
	ChainTail(ctx context.Context, clientID string) (uint64, string, error)
}

// EmitterConfig tunes the audit pipeline
type EmitterConfig struct {
	Workers            int
	QueueSize          int // per-worker channel capacity; high watermark = Workers * QueueSize
	BatchSize          int
	BatchLinger        time.Duration
	EnqueueDeadline    time.Duration // how long a producer blocks on a full queue
	DurabilityDeadline time.Duration // alert threshold between enqueue and durable commit
	PersistBackoff     time.Duration
}

// DefaultEmitterConfig returns production defaults
func DefaultEmitterConfig() EmitterConfig {
	return EmitterConfig{
		Workers:            4,
		QueueSize:          256,
		BatchSize:          50,
		BatchLinger:        250 * time.Millisecond,
		EnqueueDeadline:    2 * time.Second,
		DurabilityDeadline: 30 * time.Second,
		PersistBackoff:     500 * time.Millisecond,
	}
}

type partitionTail struct {
	mu     sync.Mutex
	loaded bool
	seq    uint64
	hash   string
}

// Emitter accepts audit records on a bounded queue and persists them in
// batches through a worker pool. Records are sharded by client_id so each
// partition is drained by exactly one worker, preserving hash chain order.
type Emitter struct {
	store Store
	cfg   EmitterConfig

	shards []chan Record
	wg     sync.WaitGroup

	mu     sync.Mutex
	tails  map[string]*partitionTail
	closed bool
}

// NewEmitter starts the worker pool. Call Close to drain and stop.
func NewEmitter(store Store, cfg EmitterConfig) *Emitter {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}

	e := &Emitter{
		store:  store,
		cfg:    cfg,
		shards: make([]chan Record, cfg.Workers),
		tails:  make(map[string]*partitionTail),
	}

	for i := range e.shards {
		e.shards[i] = make(chan Record, cfg.QueueSize)
		e.wg.Add(1)
		go e.worker(i)
	}

	return e
}

// Enqueue seals a record onto its partition's hash chain and hands it to the
// worker pool. It blocks up to the configured deadline when the queue is
// full, then fails with ErrBackpressure. A record accepted here is
// guaranteed to be persisted (at least once) unless the process dies.
func (e *Emitter) Enqueue(ctx context.Context, rec *Record) error {
	if rec.ClientID == "" {
		return fmt.Errorf("audit: record missing client_id")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.EmittedAt.IsZero() {
		rec.EmittedAt = time.Now().UTC()
	}

	tail, err := e.tail(ctx, rec.ClientID)
	if err != nil {
		return fmt.Errorf("audit: load chain tail for %s: %w", rec.ClientID, err)
	}

	// The tail lock is held across the channel send so that chain order and
	// queue order cannot diverge for a partition.
	tail.mu.Lock()
	defer tail.mu.Unlock()

	Seal(rec, tail.seq+1, tail.hash)
	shard := e.shards[shardFor(rec.ClientID, len(e.shards))]

	select {
	case shard <- *rec:
	default:
		timer := time.NewTimer(e.cfg.EnqueueDeadline)
		defer timer.Stop()
		select {
		case shard <- *rec:
		case <-timer.C:
			metrics.AuditBackpressure.Inc()
			return ErrBackpressure
		case <-ctx.Done():
			metrics.AuditBackpressure.Inc()
			return ctx.Err()
		}
	}

	tail.seq = rec.Seq
	tail.hash = rec.Hash
	metrics.AuditQueueDepth.Inc()
	return nil
}

// QueueDepth returns the number of records waiting to be persisted
func (e *Emitter) QueueDepth() int {
	depth := 0
	for _, shard := range e.shards {
		depth += len(shard)
	}
	return depth
}

// Close stops accepting records and blocks until all queued records have
// been persisted.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	for _, shard := range e.shards {
		close(shard)
	}
	e.wg.Wait()
}

// tail returns the chain tail for a partition, loading it from the store on
// first sight so chains resume across restarts.
func (e *Emitter) tail(ctx context.Context, clientID string) (*partitionTail, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEmitterClosed
	}
	t, ok := e.tails[clientID]
	if !ok {
		t = &partitionTail{}
		e.tails[clientID] = t
	}
	e.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.loaded {
		seq, hash, err := e.store.ChainTail(ctx, clientID)
		if err != nil {
			return nil, err
		}
		t.seq = seq
		t.hash = hash
		t.loaded = true
	}
	return t, nil
}

func (e *Emitter) worker(id int) {
	defer e.wg.Done()

	shard := e.shards[id]
	batch := make([]Record, 0, e.cfg.BatchSize)
	linger := time.NewTimer(e.cfg.BatchLinger)
	defer linger.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		e.persist(batch)
		metrics.AuditQueueDepth.Sub(float64(len(batch)))
		batch = batch[:0]
	}

	for {
		select {
		case rec, ok := <-shard:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= e.cfg.BatchSize {
				flush()
				if !linger.Stop() {
					select {
					case <-linger.C:
					default:
					}
				}
				linger.Reset(e.cfg.BatchLinger)
			}
		case <-linger.C:
			flush()
			linger.Reset(e.cfg.BatchLinger)
		}
	}
}

// persist commits one batch, retrying until it lands. At-least-once is the
// contract; the store's insert is idempotent on (client_id, seq).
func (e *Emitter) persist(batch []Record) {
	backoff := e.cfg.PersistBackoff
	for attempt := 1; ; attempt++ {
		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := e.store.AppendRecords(ctx, batch)
		cancel()

		if err == nil {
			metrics.RecordAuditPersist("success", len(batch), float64(time.Since(start).Milliseconds()))
			for i := range batch {
				if age := time.Since(batch[i].EmittedAt); age > e.cfg.DurabilityDeadline {
					metrics.AuditDeadlineMissed.Inc()
					log.Error().
						Str("record_id", batch[i].ID).
						Str("client_id", batch[i].ClientID).
						Dur("age", age).
						Msg("Audit record committed past durability deadline")
				}
			}
			return
		}

		metrics.RecordAuditPersist("error", len(batch), float64(time.Since(start).Milliseconds()))
		log.Error().
			Err(err).
			Int("batch_size", len(batch)).
			Int("attempt", attempt).
			Msg("Failed to persist audit batch, retrying")

		time.Sleep(backoff)
		if backoff < 10*time.Second {
			backoff *= 2
		}
	}
}

func shardFor(clientID string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return int(h.Sum32()) % n
}
