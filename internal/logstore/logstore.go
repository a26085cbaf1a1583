// Package logstore implements the opaque persistent log/term/vote store
// spec §1 scopes out of the core: "log persistence (treated as an opaque
// append-only store with the operations listed in §3)". The interface is
// the contract the raft core depends on; FileStore is a concrete
// file-backed implementation that re-serializes its whole persisted
// state on every mutation rather than doing true incremental disk
// appends.
package logstore

import (
	"hash/crc32"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Entry is the persisted form of one log entry (spec §3.1).
type Entry struct {
	Term    uint64 `json:"term"`
	Payload []byte `json:"payload"`
}

// State is the interface the raft core drives. Every mutating call
// either succeeds and is durable when it returns, or the process must
// treat the failure as fatal (spec §4.6, §7): the caller is expected to
// abort on a non-nil error from any of these methods.
type State interface {
	CurrentTerm() uint64
	VotedFor() int
	SetTermAndVote(term uint64, votedFor int) error

	// Entries returns the in-memory log, 1-indexed (Entries()[0] is
	// log index 1). It must not be mutated by the caller.
	Entries() []Entry
	LastIndex() uint64
	LastTerm() uint64
	TermAt(index uint64) uint64

	// Append adds entries after truncating any existing suffix from
	// firstNewIndex onward (spec §4.2: "truncate conflicting suffix and
	// append new entries").
	Append(firstNewIndex uint64, entries []Entry) error

	Close() error
}

const noVote = -1

type onDiskState struct {
	CurrentTerm uint64  `json:"currentTerm"`
	VotedFor    int     `json:"votedFor"`
	Log         []Entry `json:"log"`
	Checksum    uint32  `json:"checksum"`
}

// FileStore is a JSON-encoded, whole-file-rewrite append-only store: each
// mutation serializes the full persistent state and atomically renames it
// into place, so a crash never leaves a partially written file (spec §4.6
// "No partial log write may be observed after restart").
type FileStore struct {
	mu   sync.Mutex
	path string
	st   onDiskState
}

// OpenFileStore loads state from path, creating an empty store if the
// file does not yet exist.
func OpenFileStore(path string) (*FileStore, error) {
	fs := &FileStore{path: path, st: onDiskState{VotedFor: noVote}}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := fs.persist(); err != nil {
			return nil, err
		}
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("logstore: read %s: %w", path, err)
	}
	var st onDiskState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("logstore: corrupt state file %s: %w", path, err)
	}
	if !verifyChecksum(data, st.Checksum) {
		return nil, fmt.Errorf("logstore: checksum mismatch reading %s", path)
	}
	fs.st = st
	return fs, nil
}

// verifyChecksum recomputes the checksum over raw with its Checksum
// field zeroed out and compares it against want.
func verifyChecksum(raw []byte, want uint32) bool {
	var probe struct {
		Checksum uint32 `json:"checksum"`
	}
	_ = json.Unmarshal(raw, &probe)
	zeroed := struct {
		CurrentTerm uint64          `json:"currentTerm"`
		VotedFor    int             `json:"votedFor"`
		Log         json.RawMessage `json:"log"`
		Checksum    uint32          `json:"checksum"`
	}{}
	if err := json.Unmarshal(raw, &zeroed); err != nil {
		return false
	}
	zeroed.Checksum = 0
	canon, err := json.Marshal(zeroed)
	if err != nil {
		return false
	}
	return crc32.ChecksumIEEE(canon) == want
}

func (fs *FileStore) persist() error {
	fs.st.Checksum = 0
	canon, err := json.Marshal(fs.st)
	if err != nil {
		return fmt.Errorf("logstore: marshal: %w", err)
	}
	fs.st.Checksum = crc32.ChecksumIEEE(canon)
	data, err := json.Marshal(fs.st)
	if err != nil {
		return fmt.Errorf("logstore: marshal: %w", err)
	}

	dir := filepath.Dir(fs.path)
	tmp, err := os.CreateTemp(dir, ".logstore-*.tmp")
	if err != nil {
		return fmt.Errorf("logstore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("logstore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("logstore: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("logstore: close temp: %w", err)
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("logstore: rename into place: %w", err)
	}
	return nil
}

func (fs *FileStore) CurrentTerm() uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.st.CurrentTerm
}

func (fs *FileStore) VotedFor() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.st.VotedFor
}

func (fs *FileStore) SetTermAndVote(term uint64, votedFor int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.st.CurrentTerm = term
	fs.st.VotedFor = votedFor
	return fs.persist()
}

func (fs *FileStore) Entries() []Entry {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]Entry, len(fs.st.Log))
	copy(out, fs.st.Log)
	return out
}

func (fs *FileStore) LastIndex() uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return uint64(len(fs.st.Log))
}

func (fs *FileStore) LastTerm() uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.st.Log) == 0 {
		return 0
	}
	return fs.st.Log[len(fs.st.Log)-1].Term
}

func (fs *FileStore) TermAt(index uint64) uint64 {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if index == 0 || index > uint64(len(fs.st.Log)) {
		return 0
	}
	return fs.st.Log[index-1].Term
}

func (fs *FileStore) Append(firstNewIndex uint64, entries []Entry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if firstNewIndex == 0 {
		return fmt.Errorf("logstore: firstNewIndex must be >= 1")
	}
	keep := firstNewIndex - 1
	if keep > uint64(len(fs.st.Log)) {
		keep = uint64(len(fs.st.Log))
	}
	fs.st.Log = append(fs.st.Log[:keep:keep], entries...)
	return fs.persist()
}

func (fs *FileStore) Close() error {
	return nil
}

var _ State = (*FileStore)(nil)
