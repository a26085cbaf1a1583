package logstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")

	fs, err := OpenFileStore(path)
	require.NoError(t, err)
	require.Equal(t, uint64(0), fs.CurrentTerm())
	require.Equal(t, -1, fs.VotedFor())

	require.NoError(t, fs.SetTermAndVote(3, 1))
	require.NoError(t, fs.Append(1, []Entry{{Term: 3, Payload: []byte("a")}, {Term: 3, Payload: []byte("b")}}))
	require.NoError(t, fs.Close())

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	require.Equal(t, uint64(3), reopened.CurrentTerm())
	require.Equal(t, 1, reopened.VotedFor())
	require.Equal(t, uint64(2), reopened.LastIndex())
	require.Equal(t, uint64(3), reopened.LastTerm())
}

func TestAppendTruncatesConflictingSuffix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	fs, err := OpenFileStore(path)
	require.NoError(t, err)

	require.NoError(t, fs.Append(1, []Entry{{Term: 1}, {Term: 1}, {Term: 2}}))
	require.Equal(t, uint64(3), fs.LastIndex())

	// A new leader overwrites from index 2 onward with a fresher term.
	require.NoError(t, fs.Append(2, []Entry{{Term: 3}}))
	require.Equal(t, uint64(2), fs.LastIndex())
	require.Equal(t, uint64(3), fs.TermAt(2))
	require.Equal(t, uint64(1), fs.TermAt(1))
}

func TestOpenFileStoreRejectsCorruptChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	fs, err := OpenFileStore(path)
	require.NoError(t, err)
	require.NoError(t, fs.SetTermAndVote(1, 0))

	require.NoError(t, os.WriteFile(path, []byte(`{"currentTerm":99,"votedFor":0,"log":[],"checksum":123}`), 0o644))

	_, err = OpenFileStore(path)
	require.Error(t, err)
}
