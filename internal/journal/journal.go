// Package journal provides a tamper-evident, append-only audit trail over
// applied events, exposed as a model.Deriver so any engine consumer can
// register it like any other model (see SPEC_FULL.md §11). Entries are
// SHA-256 hash-chained: each entry's event_hash commits to its own content
// plus the previous entry's hash, so altering or removing a past line
// breaks every hash after it.
//
// Unlike a generic append-only log, an entry's key is the event version it
// was recorded under, not an independent counter: the engine's version
// protocol already guarantees a strictly increasing, gap-free sequence, so
// the chain reuses it instead of keeping a second one. Verify checks both
// the hash chain and that v is strictly increasing entry to entry — a
// second, cheaper tripwire for corruption that doesn't require recomputing
// any hash at all.
//
// # Hash chain
//
// The event_hash for entry N is computed as:
//
//	SHA-256( JSON({v, type, ts, result, prev_hash}) )
//
// The first entry in a file (whatever v it was recorded under) uses a
// prev_hash of 64 ASCII zero characters.
//
// # Append semantics
//
// Each entry is one JSON line. The file is opened with
// os.O_APPEND|os.O_CREATE|os.O_WRONLY so every write is appended atomically
// by the OS, matching internal/audit/audit_logger.go's original discipline.
package journal

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/stratodb/stratodb/internal/event"
	"github.com/stratodb/stratodb/internal/model"
)

// GenesisHash is the all-zero SHA-256 hex digest used as the prev_hash of
// the first entry in the chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// entry is the wire format for one journal line. V is the event version the
// entry was recorded under — it doubles as the chain's ordering key, so
// there is no separate seq counter to keep in sync with it.
type entry struct {
	V         int64                      `json:"v"`
	Type      string                     `json:"type"`
	Timestamp time.Time                  `json:"ts"`
	Result    map[string]json.RawMessage `json:"result,omitempty"`
	PrevHash  string                     `json:"prev_hash"`
	EventHash string                     `json:"event_hash"`
}

// content is the subset of entry fields hashed to produce EventHash; it
// deliberately excludes EventHash itself.
type content struct {
	V         int64                      `json:"v"`
	Type      string                     `json:"type"`
	Timestamp time.Time                  `json:"ts"`
	Result    map[string]json.RawMessage `json:"result,omitempty"`
	PrevHash  string                     `json:"prev_hash"`
}

// Entry is the public representation of one journal line, returned by
// Verify.
type Entry struct {
	V         int64                      `json:"v"`
	Type      string                     `json:"type"`
	Timestamp time.Time                  `json:"ts"`
	Result    map[string]json.RawMessage `json:"result,omitempty"`
	PrevHash  string                     `json:"prev_hash"`
	EventHash string                     `json:"event_hash"`
}

// Deriver appends one chained entry per successfully-applied top-level
// event it sees. Construct with New; it is safe for concurrent use since
// other derivers for the same event run alongside this one (settle-all),
// so append serializes under a mutex even though the engine itself never
// hands two different events to the same Deriver concurrently.
type Deriver struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	lastV    int64
}

// New opens (or creates) the journal file at path, replaying any existing
// entries to restore chain state, and returns a Deriver ready to register
// as a model.Registration's Deriver field.
func New(path string) (*Deriver, error) {
	prevHash := GenesisHash
	lastV := int64(0)

	if _, err := os.Stat(path); err == nil {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("journal: open for reading %q: %w", path, err)
		}
		entries, err := replay(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		if n := len(entries); n > 0 {
			lastV = entries[n-1].V
			prevHash = entries[n-1].EventHash
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("journal: open for appending %q: %w", path, err)
	}

	return &Deriver{file: f, prevHash: prevHash, lastV: lastV}, nil
}

// Derive is this Deriver's model.Deriver implementation. It records the
// event's v, type, and result as one chained entry. dispatch is unused —
// the journal never queues follow-up events.
func (d *Deriver) Derive(_ context.Context, _ model.Store, ev *event.Event, result map[string]json.RawMessage, _ model.Dispatch) error {
	return d.append(ev.V, ev.Type, result)
}

func (d *Deriver) append(v int64, typ string, result map[string]json.RawMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if v <= d.lastV {
		return fmt.Errorf("journal: v=%d does not advance past last recorded v=%d", v, d.lastV)
	}

	ts := time.Now().UTC()
	prevHash := d.prevHash

	c := content{V: v, Type: typ, Timestamp: ts, Result: result, PrevHash: prevHash}
	eventHash := hashContent(c)

	e := entry{V: v, Type: typ, Timestamp: ts, Result: result, PrevHash: prevHash, EventHash: eventHash}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := d.file.Write(line); err != nil {
		return fmt.Errorf("journal: write entry: %w", err)
	}

	d.lastV = v
	d.prevHash = eventHash
	return nil
}

// Close flushes and closes the underlying file.
func (d *Deriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.file.Sync(); err != nil {
		_ = d.file.Close()
		return fmt.Errorf("journal: sync: %w", err)
	}
	return d.file.Close()
}

// Verify reads the journal file at path and checks both the hash chain and
// that v strictly increases entry to entry, returning the ordered entries
// on success or the first error encountered. An empty file is valid and
// returns an empty slice.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("journal: verify open %q: %w", path, err)
	}
	defer f.Close()

	raw, err := replay(f)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, len(raw))
	for i, e := range raw {
		entries[i] = Entry{e.V, e.Type, e.Timestamp, e.Result, e.PrevHash, e.EventHash}
	}
	return entries, nil
}

// replay scans f line by line, verifying both the hash chain (event_hash
// recomputes, prev_hash links to the prior entry) and the domain invariant
// that v strictly increases entry to entry — the event engine's own version
// protocol never repeats or reorders a version, so a journal that did would
// mean tampering, not a legitimate gap.
func replay(f *os.File) ([]entry, error) {
	var entries []entry
	prevHash := GenesisHash
	lastV := int64(0)

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("journal: malformed entry at v=%d: %w", lastV, err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("journal: chain break at v=%d: expected prev_hash %q, got %q", e.V, prevHash, e.PrevHash)
		}
		computed := hashContent(content{e.V, e.Type, e.Timestamp, e.Result, e.PrevHash})
		if computed != e.EventHash {
			return nil, fmt.Errorf("journal: hash mismatch at v=%d: stored %q, computed %q", e.V, e.EventHash, computed)
		}
		if e.V <= lastV {
			return nil, fmt.Errorf("journal: v did not advance at v=%d (previous entry v=%d)", e.V, lastV)
		}
		entries = append(entries, e)
		prevHash = e.EventHash
		lastV = e.V
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("journal: scanning: %w", err)
	}
	return entries, nil
}

func hashContent(c content) string {
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("journal: marshal content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
