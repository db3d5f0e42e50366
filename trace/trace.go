// Package trace registers "sqlite-trace", a database/sql driver that wraps
// modernc.org/sqlite and reports every statement through slog. Entries carry
// the request id of the kit context, so a slow query can be tied to the HTTP
// or MCP call that issued it.
//
//	db, _ := dbopen.Open("recette.db", dbopen.WithTrace())
//
// With a Recorder set, entries are also persisted:
//
//	raw, _ := dbopen.Open("recette.db")            // untraced pool
//	store := trace.NewStore(raw)
//	trace.SetRecorder(store)
//	defer store.Close()
package trace

import (
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	sqlite "modernc.org/sqlite"
)

// DriverName is the database/sql name of the tracing driver.
const DriverName = "sqlite-trace"

// Entry is one traced statement.
type Entry struct {
	RequestID string        `json:"requestId,omitempty"`
	Op        string        `json:"op"` // "exec" or "query"
	Query     string        `json:"query"`
	Duration  time.Duration `json:"durationNs"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// Recorder persists entries. Record must not block.
type Recorder interface {
	Record(e Entry)
	Close() error
}

var (
	recMu    sync.RWMutex
	recorder Recorder

	// slow is the duration above which a statement logs at warn.
	slow atomic.Int64
)

func init() {
	slow.Store(int64(100 * time.Millisecond))
	sql.Register(DriverName, &Driver{Driver: &sqlite.Driver{}})
}

// SetRecorder sets the process-wide recorder. nil keeps slog output only.
func SetRecorder(r Recorder) {
	recMu.Lock()
	recorder = r
	recMu.Unlock()
}

func currentRecorder() Recorder {
	recMu.RLock()
	defer recMu.RUnlock()
	return recorder
}

// SetSlowThreshold sets the duration above which statements log at warn.
// Zero or less keeps the current threshold.
func SetSlowThreshold(d time.Duration) {
	if d > 0 {
		slow.Store(int64(d))
	}
}

// SlowThreshold returns the current slow statement threshold.
func SlowThreshold() time.Duration { return time.Duration(slow.Load()) }
