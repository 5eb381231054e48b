// Package ledger persists per-item stage outcomes as an append-only JSON
// lines file. It is the source of truth for resume decisions and run
// summaries.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	sdkerrors "github.com/wehubfusion/subtimizer/pkg/errors"
	"github.com/wehubfusion/subtimizer/pkg/workitem"
)

// State is the recorded outcome of one item in one run.
type State string

const (
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	// StateCancelledPending marks a job that was still active when the run
	// was cancelled. A later resume re-polls it instead of resubmitting.
	StateCancelledPending State = "cancelled_pending"
)

// Valid reports whether s is a state the ledger accepts.
func (s State) Valid() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelledPending:
		return true
	}
	return false
}

// Entry is one ledger line.
type Entry struct {
	RunID     string    `json:"run_id"`
	Index     int       `json:"index"`
	Name      string    `json:"name"`
	Stage     string    `json:"stage"`
	State     State     `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	JobID     string    `json:"job_id,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
}

// Item returns the work item the entry refers to.
func (e Entry) Item() workitem.Item {
	return workitem.Item{Index: e.Index, Name: e.Name}
}

type entryKey struct {
	runID string
	index int
	stage string
}

func keyOf(e Entry) entryKey {
	return entryKey{runID: e.RunID, index: e.Index, stage: e.Stage}
}

// Ledger is safe for concurrent use. Appends are serialized.
type Ledger struct {
	mu      sync.Mutex
	path    string
	entries []Entry
	seen    map[entryKey]struct{}
}

// Open loads the ledger at path, creating an empty file when missing.
func Open(path string) (*Ledger, error) {
	l := NewMemory()
	l.path = path

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, sdkerrors.NewLedgerWriteError(path, err)
		}
		return l, f.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	keep, err := l.load(data)
	if err != nil {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	if err := repairTail(path, data, keep); err != nil {
		return nil, sdkerrors.NewLedgerWriteError(path, err)
	}
	return l, nil
}

// repairTail makes the file end at a line boundary before anything is
// appended: an interrupted last record is cut off, a complete one missing
// its newline gets one.
func repairTail(path string, data []byte, keep int) error {
	switch {
	case keep < len(data):
		return os.Truncate(path, int64(keep))
	case len(data) > 0 && data[len(data)-1] != '\n':
		return appendLine(path, nil)
	}
	return nil
}

// NewMemory returns a ledger that is never written to disk.
func NewMemory() *Ledger {
	return &Ledger{seen: make(map[entryKey]struct{})}
}

// load decodes JSON lines and returns the length of the prefix holding
// them. A malformed final line (interrupted append) is left out of that
// prefix; any other malformed line is an error.
func (l *Ledger) load(data []byte) (int, error) {
	var (
		pendingErr error
		badAt      = -1
		line       int
	)
	for offset := 0; offset < len(data); {
		raw := data[offset:]
		next := len(data)
		if nl := bytes.IndexByte(raw, '\n'); nl >= 0 {
			raw = raw[:nl]
			next = offset + nl + 1
		}
		line++
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			offset = next
			continue
		}
		if pendingErr != nil {
			return 0, pendingErr
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			pendingErr = fmt.Errorf("line %d: %w", line, err)
			badAt = offset
		} else {
			l.add(e)
		}
		offset = next
	}
	if badAt >= 0 {
		return badAt, nil
	}
	return len(data), nil
}

func (l *Ledger) add(e Entry) bool {
	k := keyOf(e)
	if _, dup := l.seen[k]; dup {
		return false
	}
	l.seen[k] = struct{}{}
	l.entries = append(l.entries, e)
	return true
}

// Read decodes a ledger from r into memory, e.g. one fetched from an
// archive.
func Read(r io.Reader) (*Ledger, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	l := NewMemory()
	if _, err := l.load(data); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return l, nil
}

// WriteTo writes every entry as JSON lines.
func (l *Ledger) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range l.Entries() {
		if err := enc.Encode(e); err != nil {
			return 0, err
		}
	}
	return buf.WriteTo(w)
}

// Path returns the backing file, or "" for an in-memory ledger.
func (l *Ledger) Path() string {
	return l.path
}

// Record appends e. A second record for the same run, item and stage is
// ignored.
func (l *Ledger) Record(e Entry) error {
	if !e.State.Valid() {
		return fmt.Errorf("ledger entry for %s has invalid state %q", e.Item(), e.State)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[keyOf(e)]; dup {
		return nil
	}

	if l.path != "" {
		line, err := json.Marshal(e)
		if err != nil {
			return sdkerrors.NewLedgerWriteError(l.path, err)
		}
		if err := appendLine(l.path, line); err != nil {
			return sdkerrors.NewLedgerWriteError(l.path, err)
		}
	}
	l.add(e)
	return nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Latest returns the most recent entry for item and stage across all runs.
func (l *Ledger) Latest(item workitem.Item, stage string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if e.Index == item.Index && e.Name == item.Name && e.Stage == stage {
			return e, true
		}
	}
	return Entry{}, false
}

// Succeeded reports whether any run recorded item as succeeded for stage.
func (l *Ledger) Succeeded(item workitem.Item, stage string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.Index == item.Index && e.Name == item.Name && e.Stage == stage && e.State == StateSucceeded {
			return true
		}
	}
	return false
}

// Entries returns a copy of every entry in append order.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// RunEntries returns the entries of one run in append order.
func (l *Ledger) RunEntries(runID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// LatestRun returns the id of the most recent run that recorded stage.
func (l *Ledger) LatestRun(stage string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Stage == stage {
			return l.entries[i].RunID, true
		}
	}
	return "", false
}
