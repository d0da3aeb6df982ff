// Package audit provides the tamper-evident audit trail for fee
// calculations: hash-chained records, canonical serialization, chain
// verification and the asynchronous emitter that persists records durably.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/shortside/locatefee/internal/pricing"
)

// GenesisHash seeds the hash chain for the first record of every partition
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Outcome classifies what an audit record documents
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeFailed  Outcome = "FAILED"
)

// Record is one append-only audit entry. The chain fields (Seq, PrevHash,
// Hash) are assigned by the emitter; callers fill in everything else.
// Within a client_id partition each record's hash covers the previous
// record's hash, so any mutation breaks verification from that point on.
type Record struct {
	ID        string                     `json:"id"`
	ClientID  string                     `json:"client_id"`
	Seq       uint64                     `json:"seq"`
	Ticker    string                     `json:"ticker"`
	Outcome   Outcome                    `json:"outcome"`
	Reason    string                     `json:"reason,omitempty"`
	Inputs    pricing.CalculationRequest `json:"inputs"`
	Breakdown *pricing.FeeBreakdown      `json:"breakdown,omitempty"`
	Signals   *pricing.SignalBundle      `json:"signals,omitempty"`
	PrevHash  string                     `json:"prev_hash"`
	Hash      string                     `json:"hash"`
	EmittedAt time.Time                  `json:"emitted_at"`
}

// ComputeHash returns the chain hash for a record: SHA-256 over the previous
// hash concatenated with the canonical serialization of the record minus its
// own hash field.
func ComputeHash(prevHash string, rec *Record) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalBytes(rec))
	return hex.EncodeToString(h.Sum(nil))
}

// Seal assigns the chain fields to a record given the partition tail
func Seal(rec *Record, seq uint64, prevHash string) {
	rec.Seq = seq
	rec.PrevHash = prevHash
	rec.Hash = ComputeHash(prevHash, rec)
}

// VerifyChain checks a partition's records in order. It returns the index of
// the first record whose hash does not match, or -1 when the chain is intact.
// The first record must chain from GenesisHash.
func VerifyChain(records []Record) (int, error) {
	prev := GenesisHash
	for i := range records {
		rec := records[i]
		if rec.PrevHash != prev {
			return i, fmt.Errorf("record %d: prev_hash mismatch", i)
		}
		if ComputeHash(prev, &rec) != rec.Hash {
			return i, fmt.Errorf("record %d: hash mismatch", i)
		}
		prev = rec.Hash
	}
	return -1, nil
}

// canonicalBytes serializes everything except Hash with sorted keys and
// decimal values rendered as plain strings. encoding/json sorts map keys,
// which gives a stable byte stream independent of struct field order.
func canonicalBytes(rec *Record) []byte {
	m := map[string]interface{}{
		"id":         rec.ID,
		"client_id":  rec.ClientID,
		"seq":        rec.Seq,
		"ticker":     rec.Ticker,
		"outcome":    string(rec.Outcome),
		"reason":     rec.Reason,
		"inputs":     canonicalRequest(rec.Inputs),
		"prev_hash":  rec.PrevHash,
		"emitted_at": rec.EmittedAt.UTC().Format(time.RFC3339Nano),
	}
	if rec.Breakdown != nil {
		m["breakdown"] = canonicalBreakdown(rec.Breakdown)
	}
	if rec.Signals != nil {
		m["signals"] = canonicalSignals(rec.Signals)
	}

	buf, err := json.Marshal(m)
	if err != nil {
		// Every value above is a string, number or nested map of the same;
		// marshal cannot fail for these shapes.
		panic(fmt.Sprintf("audit: canonical serialization failed: %v", err))
	}
	return buf
}

func canonicalRequest(req pricing.CalculationRequest) map[string]interface{} {
	return map[string]interface{}{
		"ticker":         req.Ticker,
		"position_value": dec(req.PositionValue),
		"loan_days":      req.LoanDays,
		"client_id":      req.ClientID,
	}
}

func canonicalBreakdown(b *pricing.FeeBreakdown) map[string]interface{} {
	return map[string]interface{}{
		"ticker":           b.Ticker,
		"client_id":        b.ClientID,
		"position_value":   dec(b.PositionValue),
		"loan_days":        b.LoanDays,
		"borrow_rate_used": dec(b.BorrowRateUsed),
		"time_factor":      dec(b.TimeFactor),
		"borrow_cost":      dec(b.BorrowCost),
		"markup_amount":    dec(b.MarkupAmount),
		"transaction_fee":  dec(b.TransactionFee),
		"total_fee":        dec(b.TotalFee),
		"currency":         b.Currency,
		"data_sources": map[string]interface{}{
			"borrow":     string(b.DataSources.Borrow),
			"volatility": string(b.DataSources.Volatility),
			"event":      string(b.DataSources.Event),
		},
		"calculated_at": b.CalculatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func canonicalSignals(s *pricing.SignalBundle) map[string]interface{} {
	return map[string]interface{}{
		"ticker":        s.Ticker,
		"borrow_rate":   dec(s.BorrowRate),
		"borrow_status": string(s.BorrowStatus),
		"volatility":    dec(s.Volatility),
		"event_risk":    s.EventRisk,
		"sources": map[string]interface{}{
			"borrow":     string(s.Sources.Borrow),
			"volatility": string(s.Sources.Volatility),
			"event":      string(s.Sources.Event),
		},
		"retrieved_at": s.RetrievedAt.UTC().Format(time.RFC3339Nano),
	}
}

func dec(d decimal.Decimal) string {
	return d.String()
}
