// Package eventlog is the append-only journal at the core of the engine.
// Every state transition is recorded here; materialized views (intents,
// reviews, projections) are derived from these events. Appends update a
// rolling hash chain in the same transaction, making reordering or
// retroactive edits detectable.
package eventlog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

// DefaultChainID is the chain all events belong to. The schema allows
// multiple chains but the engine writes a single one.
const DefaultChainID = "events"

// countFilterKeys is the whitelist for Count. Any other key is rejected
// so callers cannot smuggle arbitrary column expressions into queries.
var countFilterKeys = map[string]struct{}{
	"event_type": {},
	"intent_id":  {},
	"agent_id":   {},
	"tenant_id":  {},
	"trace_id":   {},
}

// Log appends and queries events.
type Log struct {
	store  store.Store
	logger *slog.Logger
}

// New returns a Log writing through st.
func New(st store.Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: st, logger: logger}
}

// NewTraceID returns a fresh trace id, or the pinned value when
// CONVERGE_TRACE_ID is set (end-to-end test runs pin it to correlate
// events across processes).
func NewTraceID() string {
	if pinned := os.Getenv("CONVERGE_TRACE_ID"); pinned != "" {
		return pinned
	}
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "trace-" + uuid.NewString()
	}
	return "trace-" + hex.EncodeToString(buf[:])
}

// Append assigns id, trace_id, and timestamp when absent, then persists
// the event and advances the hash chain in one transaction. The stored
// event is returned.
func (l *Log) Append(ctx context.Context, e model.Event) (model.Event, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TraceID == "" {
		e.TraceID = NewTraceID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Type == "" {
		return model.Event{}, fmt.Errorf("eventlog: append: event_type is required")
	}

	err := l.store.WithTx(ctx, func(tx store.Store) error {
		prev := ""
		var count int64
		cs, err := tx.GetChainState(ctx, DefaultChainID)
		switch {
		case err == nil:
			prev = cs.LastHash
			count = cs.EventCount
		case errors.Is(err, store.ErrNotFound):
			// first append starts the chain
		default:
			return err
		}

		next, err := chainHash(prev, e)
		if err != nil {
			return err
		}
		if err := tx.InsertEvent(ctx, e); err != nil {
			return err
		}
		return tx.UpsertChainState(ctx, model.ChainState{
			ChainID:    DefaultChainID,
			LastHash:   next,
			EventCount: count + 1,
			UpdatedAt:  e.Timestamp,
		})
	})
	if err != nil {
		return model.Event{}, fmt.Errorf("eventlog: append %s: %w", e.Type, err)
	}

	l.logger.Debug("event appended",
		"event_type", string(e.Type), "intent_id", e.IntentID, "trace_id", e.TraceID)
	return e, nil
}

// Query returns events matching q, newest first.
func (l *Log) Query(ctx context.Context, q model.EventQuery) ([]model.Event, error) {
	return l.store.QueryEvents(ctx, q)
}

// Latest returns the most recent event of a type, optionally scoped to
// an intent. Returns store.ErrNotFound when none exists.
func (l *Log) Latest(ctx context.Context, eventType model.EventType, intentID string) (*model.Event, error) {
	return l.store.LatestEvent(ctx, eventType, intentID)
}

// Count counts events matching the given filters. Filter keys outside
// the whitelist are rejected with an error.
func (l *Log) Count(ctx context.Context, filters map[string]string) (int64, error) {
	q := model.EventQuery{}
	for k, v := range filters {
		if _, ok := countFilterKeys[k]; !ok {
			return 0, fmt.Errorf("eventlog: count: unsupported filter key %q", k)
		}
		switch k {
		case "event_type":
			q.Type = model.EventType(v)
		case "intent_id":
			q.IntentID = v
		case "agent_id":
			q.AgentID = v
		case "tenant_id":
			q.TenantID = v
		case "trace_id":
			q.TraceID = v
		}
	}
	return l.store.CountEvents(ctx, q)
}

// PruneEvents removes events older than before, optionally scoped to a
// tenant. With dryRun it only reports how many rows would go.
func (l *Log) PruneEvents(ctx context.Context, before time.Time, tenantID string, dryRun bool) (int64, error) {
	if dryRun {
		n, err := l.store.CountEvents(ctx, model.EventQuery{TenantID: tenantID, Until: before.Add(-time.Nanosecond)})
		if err != nil {
			return 0, fmt.Errorf("eventlog: prune dry-run: %w", err)
		}
		return n, nil
	}
	n, err := l.store.DeleteEventsBefore(ctx, before, tenantID)
	if err != nil {
		return 0, fmt.Errorf("eventlog: prune: %w", err)
	}
	if n > 0 {
		l.logger.Info("events pruned", "count", n, "before", before, "tenant_id", tenantID)
	}
	return n, nil
}

// VerifyChain recomputes the hash chain over up to limit events (oldest
// first) and compares the result with the stored chain state. It returns
// false when the recomputed head diverges. A limit below the total event
// count makes verification a prefix check only, which is reported as an
// error rather than a false verdict.
func (l *Log) VerifyChain(ctx context.Context, limit int) (bool, error) {
	cs, err := l.store.GetChainState(ctx, DefaultChainID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return true, nil // empty chain is trivially intact
		}
		return false, fmt.Errorf("eventlog: verify: %w", err)
	}
	if limit <= 0 || int64(limit) < cs.EventCount {
		return false, fmt.Errorf("eventlog: verify: limit %d below chain length %d", limit, cs.EventCount)
	}

	events, err := l.store.QueryEvents(ctx, model.EventQuery{Limit: limit})
	if err != nil {
		return false, fmt.Errorf("eventlog: verify: %w", err)
	}
	// QueryEvents returns newest first; replay oldest first.
	hash := ""
	for i := len(events) - 1; i >= 0; i-- {
		hash, err = chainHash(hash, events[i])
		if err != nil {
			return false, fmt.Errorf("eventlog: verify: %w", err)
		}
	}
	return hash == cs.LastHash, nil
}

// chainHash computes SHA-256(prev || canonical(event)) as a hex string.
// Events are canonicalized with RFC 8785 JSON so that key order and
// number formatting cannot change the digest.
func chainHash(prev string, e model.Event) (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}
