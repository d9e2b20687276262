package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"devops-backend/internal/store"
)

var eventColumns = []string{"id", "principal_id", "resource", "verb", "action", "path", "allowed", "reason", "code", "created_at"}

// Buffer collects events in memory and periodically flushes them to the
// _audit_events table in a batch insert.
type Buffer struct {
	mu           sync.Mutex
	events       []Event
	store        *store.Store
	maxSize      int
	recordAllows bool
	ticker       *time.Ticker
	done         chan struct{}
	stopOnce     sync.Once
}

// NewBuffer creates a buffer that flushes on a timer or when full. Denials
// are always kept; allows only when recordAllows is set.
func NewBuffer(s *store.Store, maxSize int, flushInterval time.Duration, recordAllows bool) *Buffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	b := &Buffer{
		store:        s,
		maxSize:      maxSize,
		recordAllows: recordAllows,
		done:         make(chan struct{}),
	}
	b.ticker = time.NewTicker(flushInterval)
	go b.run()
	return b
}

func (b *Buffer) run() {
	for {
		select {
		case <-b.done:
			return
		case <-b.ticker.C:
			b.Flush(context.Background())
		}
	}
}

// Record adds an event to the buffer. If the buffer is full, a flush is
// triggered asynchronously.
func (b *Buffer) Record(e Event) {
	if e.Allowed && !b.recordAllows {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	b.mu.Lock()
	b.events = append(b.events, e)
	shouldFlush := len(b.events) >= b.maxSize
	b.mu.Unlock()
	if shouldFlush {
		go b.Flush(context.Background())
	}
}

// Pending returns the number of buffered events.
func (b *Buffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Flush writes all buffered events to the database in a single batch insert.
func (b *Buffer) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.events) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.events
	b.events = nil
	b.mu.Unlock()

	pb := b.store.Dialect.NewParamBuilder()
	placeholders := make([]string, 0, len(batch))
	for _, e := range batch {
		var code any
		if e.Code != "" {
			code = e.Code
		}
		var principal any
		if e.PrincipalID != "" {
			principal = e.PrincipalID
		}
		ph := []string{
			pb.Add(e.ID), pb.Add(principal), pb.Add(e.Resource), pb.Add(e.Verb), pb.Add(e.Action),
			pb.Add(e.Path), pb.Add(e.Allowed), pb.Add(e.Reason), pb.Add(code), pb.Add(formatTime(b.store.Dialect, e.CreatedAt)),
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")
	}

	sqlStr := fmt.Sprintf("INSERT INTO _audit_events (%s) VALUES %s",
		strings.Join(eventColumns, ","), strings.Join(placeholders, ","))
	if _, err := b.store.DB.ExecContext(ctx, sqlStr, pb.Params()...); err != nil {
		slog.Error("audit buffer insert failed", "events", len(batch), "error", err)
	}
}

// Stop halts the background ticker and flushes remaining events.
func (b *Buffer) Stop() {
	b.stopOnce.Do(func() {
		b.ticker.Stop()
		close(b.done)
		b.Flush(context.Background())
	})
}

// formatTime stores timestamps the way each dialect's created_at default
// does, so range filters and retention compare like with like.
func formatTime(d store.Dialect, t time.Time) any {
	if d.Name() == "sqlite" {
		return t.UTC().Format("2006-01-02 15:04:05")
	}
	return t
}
