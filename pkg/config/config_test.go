package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAccepts(t *testing.T) {
	p, err := Parse("/srv/www", "8080", "65536")
	require.NoError(t, err)
	require.Equal(t, "/srv/www", p.RootPath)
	require.Equal(t, 8080, p.Port)
	require.Equal(t, int64(65536), p.SendRate)
}

func TestParseRejectsLongRootPath(t *testing.T) {
	long := make([]byte, PathMax)
	for i := range long {
		long[i] = 'a'
	}
	_, err := Parse(string(long), "8080", "65536")
	require.ErrorIs(t, err, ErrRootPathTooLong)
}

func TestParseRejectsBadPort(t *testing.T) {
	_, err := Parse("/srv/www", "not-a-port", "65536")
	require.ErrorIs(t, err, ErrInvalidPort)

	_, err = Parse("/srv/www", "0", "65536")
	require.ErrorIs(t, err, ErrInvalidPort)
}

func TestParseRejectsBadSendRate(t *testing.T) {
	_, err := Parse("/srv/www", "8080", "0")
	require.ErrorIs(t, err, ErrInvalidSendRate)
}

func TestReadReloadFile(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "akwbs.conf")
	require.NoError(t, os.WriteFile(confPath, []byte(dir+"|9090|32768|"), 0o644))

	r, err := ReadReloadFile(confPath)
	require.NoError(t, err)
	require.Equal(t, dir, r.RootPath)
	require.Equal(t, 9090, r.Port)
	require.Equal(t, int64(32768), r.SendRate)
}

func TestReadReloadFileRejectsMissingRoot(t *testing.T) {
	dir := t.TempDir()
	confPath := filepath.Join(dir, "akwbs.conf")
	require.NoError(t, os.WriteFile(confPath, []byte("/does/not/exist|9090|32768|"), 0o644))

	_, err := ReadReloadFile(confPath)
	require.Error(t, err)
}

func TestLoadOpsDefaultsWhenMissing(t *testing.T) {
	ops, err := LoadOps(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, DefaultOps(), ops)
}

func TestLoadOpsOverridesSubset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ops.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker_count: 4\nlog_level: debug\n"), 0o644))

	ops, err := LoadOps(path)
	require.NoError(t, err)
	require.Equal(t, 4, ops.WorkerCount)
	require.Equal(t, "debug", ops.LogLevel)
	require.Equal(t, DefaultOps().IOChunkBytes, ops.IOChunkBytes)
}
