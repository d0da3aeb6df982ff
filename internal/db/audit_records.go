package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/shortside/locatefee/internal/audit"
)

// AuditStore persists hash-chained audit records. Inserts are idempotent on
// (client_id, seq) so the emitter's at-least-once retries never duplicate a
// chain entry. Rows are never updated or deleted.
type AuditStore struct {
	q Querier
}

// NewAuditStore creates an audit store
func NewAuditStore(q Querier) *AuditStore {
	return &AuditStore{q: q}
}

// AppendRecords inserts a batch of sealed records atomically
func (s *AuditStore) AppendRecords(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	defer observe("append_audit_batch", time.Now())

	query := `
		INSERT INTO audit_records (
			client_id, seq, id, ticker, outcome, record,
			prev_hash, hash, emitted_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (client_id, seq) DO NOTHING
	`

	batch := &pgx.Batch{}
	for i := range records {
		rec := &records[i]
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record %s: %w", rec.ID, err)
		}
		batch.Queue(query,
			rec.ClientID, rec.Seq, rec.ID, rec.Ticker, string(rec.Outcome),
			body, rec.PrevHash, rec.Hash, rec.EmittedAt,
		)
	}

	results := s.q.SendBatch(ctx, batch)
	defer results.Close()

	for i := 0; i < len(records); i++ {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert audit record %d of %d: %w", i+1, len(records), err)
		}
	}
	return nil
}

// ChainTail returns the highest persisted seq and hash for a partition,
// or (0, GenesisHash) when the partition is empty.
func (s *AuditStore) ChainTail(ctx context.Context, clientID string) (uint64, string, error) {
	defer observe("audit_chain_tail", time.Now())

	var (
		seq  int64
		hash string
	)
	err := s.q.QueryRow(ctx,
		`SELECT seq, hash FROM audit_records WHERE client_id = $1 ORDER BY seq DESC LIMIT 1`,
		clientID,
	).Scan(&seq, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, audit.GenesisHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("query chain tail: %w", err)
	}
	return uint64(seq), hash, nil
}

// ListRecords returns a partition's records in chain order, for verification
// and regulatory export. A limit of 0 means no limit.
func (s *AuditStore) ListRecords(ctx context.Context, clientID string, limit int) ([]audit.Record, error) {
	defer observe("list_audit_records", time.Now())

	query := `SELECT record FROM audit_records WHERE client_id = $1 ORDER BY seq ASC`
	args := []interface{}{clientID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var records []audit.Record
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		var rec audit.Record
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal audit record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}

var _ audit.Store = (*AuditStore)(nil)
