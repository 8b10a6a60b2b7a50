package metrics

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Format selects the on-disk encoding for Store.
type Format int

const (
	// FormatJSONArray persists a single JSON array of snapshots.
	FormatJSONArray Format = iota
	// FormatNDJSON appends one snapshot per line.
	FormatNDJSON
)

// Store persists MetricsSnapshot values to MetricsStore/<key>.json(.ndjson)
// per spec.md §6, trimming the oldest snapshots once MaxCount or MaxBytes
// is exceeded. File writes are serialised with an advisory flock on the
// same file descriptor, the teacher corpus's own pattern for guarding a
// single writer across process restarts (pavelkim-tzsp_server's pcap
// writer serialises per-process; no repo in the pack pulls in a
// third-party flock library, so this uses unix.Flock directly).
type Store struct {
	path     string
	format   Format
	maxCount int
	maxBytes int64

	mu sync.Mutex
}

// NewStore creates a Store writing to path in the given format. maxCount
// and maxBytes default to 10000 snapshots / 16MiB when <= 0.
func NewStore(path string, format Format, maxCount int, maxBytes int64) *Store {
	if maxCount <= 0 {
		maxCount = 10000
	}
	if maxBytes <= 0 {
		maxBytes = 16 << 20
	}
	return &Store{path: path, format: format, maxCount: maxCount, maxBytes: maxBytes}
}

// Append writes snap to the store, trimming old entries as needed.
func (st *Store) Append(snap Snapshot) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	f, err := os.OpenFile(st.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("metrics store: open %s: %w", st.path, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("metrics store: lock %s: %w", st.path, err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	switch st.format {
	case FormatNDJSON:
		return st.appendNDJSON(f, snap)
	default:
		return st.appendJSONArray(f, snap)
	}
}

func (st *Store) appendNDJSON(f *os.File, snap Snapshot) error {
	lines, err := readLines(f)
	if err != nil {
		return err
	}
	enc, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	lines = append(lines, string(enc))
	lines = trimToFit(lines, st.maxCount, st.maxBytes)

	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, l := range lines {
		if _, err := w.WriteString(l); err != nil {
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			return err
		}
	}
	return w.Flush()
}

func (st *Store) appendJSONArray(f *os.File, snap Snapshot) error {
	var existing []Snapshot
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() > 0 {
		dec := json.NewDecoder(f)
		// Best-effort: a corrupt/partial array is treated as empty rather
		// than failing the whole append.
		_ = dec.Decode(&existing)
	}
	existing = append(existing, snap)
	if len(existing) > st.maxCount {
		existing = existing[len(existing)-st.maxCount:]
	}
	for sizeOf(existing) > st.maxBytes && len(existing) > 1 {
		existing = existing[1:]
	}

	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	return enc.Encode(existing)
}

func sizeOf(v interface{}) int64 {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}

func readLines(f *os.File) ([]string, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

func trimToFit(lines []string, maxCount int, maxBytes int64) []string {
	if len(lines) > maxCount {
		lines = lines[len(lines)-maxCount:]
	}
	var total int64
	for _, l := range lines {
		total += int64(len(l)) + 1
	}
	for total > maxBytes && len(lines) > 1 {
		total -= int64(len(lines[0])) + 1
		lines = lines[1:]
	}
	return lines
}
