package pbac

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oarkflow/pbac/logger"
)

// AuditEvent is what callers hand to the Recorder. The recorder owns the ID,
// sequence and timestamp of the resulting entry.
type AuditEvent struct {
	Actor         string
	Action        string
	Resource      string
	Decision      string
	Reason        string
	SourceAddress string
	PolicyID      string
	Metadata      map[string]any
}

// AuditSummary aggregates access decisions. Total is AllowedCount plus
// DeniedCount; SUCCESS entries written for policy and user mutations are not
// counted, so Total can be smaller than the number of entries queried.
type AuditSummary struct {
	Total        int     `json:"total"`
	AllowedCount int     `json:"allowedCount"`
	DeniedCount  int     `json:"deniedCount"`
	AllowRate    float64 `json:"allowRate"`
}

// Summarize counts ALLOWED and DENIED entries. Mutation entries (SUCCESS) are
// skipped and do not contribute to Total or AllowRate.
func Summarize(entries []*AuditEntry) AuditSummary {
	var s AuditSummary
	for _, e := range entries {
		switch e.Decision {
		case string(Allowed):
			s.AllowedCount++
		case string(Denied):
			s.DeniedCount++
		default:
			continue
		}
		s.Total++
	}
	if s.Total > 0 {
		s.AllowRate = float64(s.AllowedCount) / float64(s.Total)
	}
	return s
}

// Recorder is the only writer of audit entries.
type Recorder struct {
	sink   AuditSink
	clock  func() time.Time
	logger logger.Logger

	mu     sync.Mutex
	seq    uint64
	last   time.Time
	seeded bool
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderClock overrides the timestamp source.
func WithRecorderClock(clock func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithRecorderLogger installs a logger for append failures.
func WithRecorderLogger(l logger.Logger) RecorderOption {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRecorder(sink AuditSink, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sink:   sink,
		clock:  time.Now,
		logger: logger.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends an entry for ev. The entry is durable when err is nil; a sink
// failure comes back as a PersistenceError and consumes no sequence number.
func (r *Recorder) Record(ctx context.Context, ev AuditEvent) (*AuditEntry, error) {
	if ev.Action == "" {
		return nil, NewValidationError("action", "audit action is required")
	}
	if r.sink == nil {
		return nil, &PersistenceError{Op: "audit.append", Err: errors.New("no audit sink configured")}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.seed(ctx); err != nil {
		return nil, err
	}
	ts := r.clock().UTC()
	if ts.Before(r.last) {
		ts = r.last
	}
	entry := &AuditEntry{
		ID:            uuid.NewString(),
		Seq:           r.seq + 1,
		Timestamp:     ts,
		Actor:         ev.Actor,
		Action:        ev.Action,
		Resource:      ev.Resource,
		Decision:      ev.Decision,
		Reason:        ev.Reason,
		SourceAddress: ev.SourceAddress,
		PolicyID:      ev.PolicyID,
		Metadata:      ev.Metadata,
	}
	entry = entry.Clone()
	if err := r.sink.Append(ctx, entry.Clone()); err != nil {
		r.logger.Error("audit append failed", "action", ev.Action, "actor", ev.Actor, "error", err)
		return nil, Persistence("audit.append", err)
	}
	r.seq = entry.Seq
	r.last = ts
	return entry, nil
}

func (r *Recorder) seed(ctx context.Context) error {
	if r.seeded {
		return nil
	}
	if src, ok := r.sink.(SequenceSource); ok {
		last, err := src.LastSeq(ctx)
		if err != nil {
			return Persistence("audit.seed", err)
		}
		r.seq = last
	}
	r.seeded = true
	return nil
}

// Query returns matching entries, most recent first.
func (r *Recorder) Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	if r.sink == nil {
		return nil, &PersistenceError{Op: "audit.query", Err: errors.New("no audit sink configured")}
	}
	entries, err := r.sink.Query(ctx, f)
	if err != nil {
		return nil, Persistence("audit.query", err)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Seq > entries[j].Seq })
	if f.Limit > 0 && len(entries) > f.Limit {
		entries = entries[:f.Limit]
	}
	return entries, nil
}
