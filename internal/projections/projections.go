// Package projections derives read-side summaries from the event log
// and materialized tables: repo health, verification debt, queue state,
// predictive trends, and compliance. Projections never mutate domain
// state; the only writes they perform are their own snapshot events.
package projections

import (
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"github.com/ghmbegerez/converge/internal/eventlog"
	"github.com/ghmbegerez/converge/internal/model"
	"github.com/ghmbegerez/converge/internal/store"
)

// queryLimit bounds the event scans behind a projection.
const queryLimit = 10000

// Projector computes projections over one store and emits snapshot
// events through the log.
type Projector struct {
	store  store.Store
	log    *eventlog.Log
	logger *slog.Logger
	now    func() time.Time
}

// New builds a projector.
func New(st store.Store, log *eventlog.Log, logger *slog.Logger) *Projector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Projector{store: st, log: log, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// statusColor maps a 0-100 score onto the traffic-light statuses used
// across every health surface.
func statusColor(score float64) string {
	switch {
	case score >= 70:
		return "green"
	case score >= 40:
		return "yellow"
	default:
		return "red"
	}
}

// asPayload converts a snapshot struct into an event payload.
func asPayload(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func payloadFloat(e model.Event, key string) float64 {
	v, ok := e.Payload[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func payloadBool(e model.Event, key string) bool {
	b, _ := e.Payload[key].(bool)
	return b
}

func payloadString(e model.Event, key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

func active(status model.IntentStatus) bool {
	switch status {
	case model.StatusReady, model.StatusValidated, model.StatusQueued:
		return true
	}
	return false
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
