package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	b  bytes.Buffer
	mu sync.Mutex
}

func (x *syncBuffer) Write(p []byte) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.Write(p)
}

func (x *syncBuffer) String() string {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.b.String()
}

func run(ctx context.Context, args ...string) (stdout, stderr *syncBuffer, err error) {
	stdout, stderr = new(syncBuffer), new(syncBuffer)
	cmd := newRootCommand(stdout, stderr)
	cmd.SetArgs(args)
	err = cmd.ExecuteContext(ctx)
	return
}

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want logiface.Level
	}{
		{"emerg", logiface.LevelEmergency},
		{"ERR", logiface.LevelError},
		{"warning", logiface.LevelWarning},
		{"trace", logiface.LevelTrace},
		{"disabled", logiface.LevelDisabled},
	} {
		level, err := parseLevel(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, level, tc.in)
	}
	_, err := parseLevel("loud")
	assert.Error(t, err)
}

func TestCopy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	data := bytes.Repeat([]byte("0123456789"), 1000)
	require.NoError(t, os.WriteFile(src, data, 0o644))

	for _, args := range [][]string{
		{"copy", src, dst, "--buffer-size", "333"},
		{"copy", src, dst, "--portable", "--threads", "2", "--max-invoke", "1"},
	} {
		stdout, stderr, err := run(context.Background(), args...)
		require.NoError(t, err, stderr.String())
		assert.Equal(t, "copied 10000 bytes\n", stdout.String())

		b, err := os.ReadFile(dst)
		require.NoError(t, err)
		assert.Equal(t, data, b)
	}

	_, _, err := run(context.Background(), "copy", filepath.Join(dir, "missing"), dst)
	assert.Error(t, err)
	_, _, err = run(context.Background(), "copy", src, dst, "--buffer-size", "0")
	assert.Error(t, err)
}

func TestCopy_cancelled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, bytes.Repeat([]byte{'x'}, 1<<20), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() {
		_, _, err := run(ctx, "copy", src, filepath.Join(dir, "dst"), "--buffer-size", "1024")
		done <- err
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(10 * time.Second):
		t.Fatal("copy did not return after cancellation")
	}
}

func TestLock(t *testing.T) {
	name := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(name, []byte("data"), 0o644))

	stdout, stderr, err := run(context.Background(), "lock", name, "--position", "1", "--size", "2")
	require.NoError(t, err, stderr.String())
	assert.Contains(t, stdout.String(), "locked filelock.Lock[1:2 exclusive valid]")
	assert.Contains(t, stdout.String(), "released filelock.Lock[1:2 exclusive invalid]")

	stdout, stderr, err = run(context.Background(), "lock", name, "--shared", "--try")
	require.NoError(t, err, stderr.String())
	assert.Contains(t, stdout.String(), "shared")
}

func TestConfig(t *testing.T) {
	dir := t.TempDir()
	config := filepath.Join(dir, "aioctl.yaml")
	require.NoError(t, os.WriteFile(config, []byte("log-level: debug\nthreads: 2\n"), 0o644))
	name := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(name, nil, 0o644))

	_, stderr, err := run(context.Background(), "lock", name, "--try", "--config", config)
	require.NoError(t, err, stderr.String())
	assert.Contains(t, stderr.String(), "initialised")
	assert.Contains(t, stderr.String(), `"fixed":true`)

	_, _, err = run(context.Background(), "lock", name, "--log-level", "loud")
	assert.Error(t, err)
	_, _, err = run(context.Background(), "lock", name, "--config", filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestEcho(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveOut, serveErr := new(syncBuffer), new(syncBuffer)
	served := make(chan error, 1)
	go func() {
		cmd := newRootCommand(serveOut, serveErr)
		cmd.SetArgs([]string{"serve-echo", "127.0.0.1:0", "--buffer-size", "3", "--log-level", "info"})
		served <- cmd.ExecuteContext(ctx)
	}()

	var address string
	require.Eventually(t, func() bool {
		line, ok := strings.CutPrefix(serveOut.String(), "listening on ")
		if !ok || !strings.HasSuffix(line, "\n") {
			return false
		}
		address = strings.TrimSpace(line)
		return true
	}, 5*time.Second, time.Millisecond)

	for _, portable := range []string{"--portable=false", "--portable=true"} {
		stdout, stderr, err := run(context.Background(), "echo", address, "hello,", "world", portable)
		require.NoError(t, err, stderr.String())
		assert.Equal(t, "hello, world\n", stdout.String())
	}

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve-echo did not stop")
	}
	assert.Contains(t, serveErr.String(), "accepted")
}

func TestEcho_refused(t *testing.T) {
	_, _, err := run(context.Background(), "echo", "127.0.0.1:1", "x", "--timeout", "2s")
	assert.Error(t, err)
}
