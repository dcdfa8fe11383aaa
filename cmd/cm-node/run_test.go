package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	cbor "github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cm "github.com/unkn0wn-root/copymachine"
	"github.com/unkn0wn-root/copymachine/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestCommandPresence(t *testing.T) {
	root := NewRootCommand()
	for _, path := range [][]string{{"run"}, {"sw", "show"}, {"sw", "clear"}} {
		sub, _, err := root.Find(path)
		require.NoError(t, err)
		assert.Equal(t, path[len(path)-1], sub.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestRunCopiesTree(t *testing.T) {
	src, dst := t.TempDir(), filepath.Join(t.TempDir(), "out")
	files := map[string]string{
		"a.txt":     "alpha",
		"sub/b.bin": string(bytes.Repeat([]byte{7}, 300<<10)),
		"sub/c":     "",
	}
	for rel, body := range files {
		p := filepath.Join(src, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}

	out, err := execute(t, "run",
		"--src", src, "--dst", dst,
		"--bind", "127.0.0.1:0",
		"--store", "sqlite", "--store-path", filepath.Join(t.TempDir(), "cm.db"),
	)
	require.NoError(t, err)
	assert.Contains(t, out, "copied 3/3 files")

	for rel, body := range files {
		got, err := os.ReadFile(filepath.Join(dst, filepath.FromSlash(rel)))
		require.NoError(t, err, rel)
		assert.Equal(t, body, string(got), rel)
	}
}

func TestRunFailsOnChunkError(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o644))
	// a directory in the way of the destination file
	require.NoError(t, os.MkdirAll(filepath.Join(dst, "a.txt"), 0o755))
	storePath := filepath.Join(t.TempDir(), "cm.db")

	out, err := execute(t, "run",
		"--src", src, "--dst", dst,
		"--bind", "127.0.0.1:0",
		"--store", "sqlite", "--store-path", storePath,
	)
	require.Error(t, err)
	assert.Equal(t, exitFailure, exitCode(err))
	assert.Contains(t, err.Error(), "a.txt chunk 0")
	assert.Contains(t, out, "failed=1")

	out, err = execute(t, "sw", "show", "--store", "sqlite", "--store-path", storePath)
	require.NoError(t, err)
	assert.NotContains(t, out, "no window record")
}

func TestRunRejectsBadFlags(t *testing.T) {
	_, err := execute(t, "run", "--store", "etcd")
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))

	_, err = execute(t, "run", "--src", filepath.Join(t.TempDir(), "missing"), "--dst", t.TempDir(),
		"--bind", "127.0.0.1:0", "--store", "memory")
	require.Error(t, err)
	assert.Equal(t, exitCommandError, exitCode(err))
}

func TestSWShowAndClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cm.db")
	st, err := store.OpenSQLite(path)
	require.NoError(t, err)
	rec, err := cbor.Marshal(cm.SlidingWindow{Lo: cm.ID(0, 0, 1, 1), Hi: cm.ID(0, 0, 1, 3)})
	require.NoError(t, err)
	tx, err := st.Begin(true)
	require.NoError(t, err)
	require.NoError(t, tx.Put(cm.WindowKey(5), rec))
	require.NoError(t, <-tx.Commit())
	require.NoError(t, st.Close())

	flags := []string{"--store", "sqlite", "--store-path", path, "--id", "5"}
	out, err := execute(t, append([]string{"sw", "show"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "machine 5: window ([0:0:1:1], [0:0:1:3])")

	out, err = execute(t, append([]string{"sw", "clear"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "cleared")

	out, err = execute(t, append([]string{"sw", "show"}, flags...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "no window record")

	_, err = execute(t, "sw", "show", "--store", "memory")
	assert.Equal(t, exitCommandError, exitCode(err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitFailure, exitCode(assert.AnError))
	err := wrapExit(exitCommandError, "open store", assert.AnError)
	assert.Equal(t, exitCommandError, exitCode(err))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "open store: "+assert.AnError.Error(), err.Error())
}
