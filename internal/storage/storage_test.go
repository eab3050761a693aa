package storage

import (
	"io"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	s, err := New(fs, "/data/dl")
	require.NoError(t, err)
	return s, fs
}

func TestNew_CreatesDirectory(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := New(fs, "/srv/plugins")
	require.NoError(t, err)

	ok, err := afero.DirExists(fs, "/srv/plugins")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWriteAtomic_ReplacesContent(t *testing.T) {
	s, _ := newMemStore(t)

	require.NoError(t, s.WriteAtomic("plugin.zip", []byte("v1")))
	require.NoError(t, s.WriteAtomic("plugin.zip", []byte("v2")))

	got, err := s.ReadFile("plugin.zip")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	files, err := s.List()
	require.NoError(t, err)
	require.Len(t, files, 1, "no temp files may remain after a successful write")
	assert.Equal(t, "plugin.zip", files[0].Name())
}

func TestWriteAtomic_FailureKeepsPrevious(t *testing.T) {
	base := afero.NewMemMapFs()
	s, err := New(base, "/data/dl")
	require.NoError(t, err)
	require.NoError(t, s.WriteAtomic("plugin.zip", []byte("v1")))

	ro := &Store{fs: afero.NewReadOnlyFs(base), dir: "/data/dl"}
	err = ro.WriteAtomic("plugin.zip", []byte("v2"))
	require.Error(t, err)

	got, err := s.ReadFile("plugin.zip")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)
}

func TestStore_RejectsEscapingNames(t *testing.T) {
	s, _ := newMemStore(t)
	for _, name := range []string{"", "..", "../etc/passwd", "a/b.zip", ".tmp-123"} {
		err := s.WriteAtomic(name, []byte("x"))
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestStage_InvisibleUntilCommit(t *testing.T) {
	s, _ := newMemStore(t)
	require.NoError(t, s.WriteAtomic("plugin.zip", []byte("v1")))

	tmp, err := s.Stage([]byte("v2"))
	require.NoError(t, err)
	assert.True(t, IsTemp(tmp))

	got, err := s.ReadFile("plugin.zip")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got, "staging leaves the published file alone")

	require.NoError(t, s.Commit(tmp, "plugin.zip"))
	got, err = s.ReadFile("plugin.zip")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	files, err := s.List()
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestStage_Discard(t *testing.T) {
	s, _ := newMemStore(t)
	tmp, err := s.Stage([]byte("v1"))
	require.NoError(t, err)
	require.NoError(t, s.Remove(tmp))

	files, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestCommit_RejectsNames(t *testing.T) {
	s, _ := newMemStore(t)
	tmp, err := s.Stage([]byte("v1"))
	require.NoError(t, err)

	assert.ErrorIs(t, s.Commit("plugin.zip", "other.zip"), ErrInvalidName, "source must be staged")
	assert.ErrorIs(t, s.Commit(tmp, ".tmp-other"), ErrInvalidName)
	assert.ErrorIs(t, s.Commit(tmp, "../plugin.zip"), ErrInvalidName)
}

func TestStore_OpenAndRemove(t *testing.T) {
	s, _ := newMemStore(t)
	require.NoError(t, s.WriteAtomic("icon.png", []byte("PNG")))

	f, err := s.Open("icon.png")
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, []byte("PNG"), data)

	require.NoError(t, s.Remove("icon.png"))
	require.NoError(t, s.Remove("icon.png"), "removing a missing file is not an error")

	_, err = s.Open("icon.png")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestIsTemp(t *testing.T) {
	assert.True(t, IsTemp(".tmp-abc"))
	assert.False(t, IsTemp("plugin.zip"))
}
