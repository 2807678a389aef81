package keeper_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	keeperPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")
	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("keeper-ci") {
		slog.Warn("cannot locate keeper-ci binary: run go build -race -cover -covermode=atomic -o keeper-ci ./cmd/keeper/ first, skipping integration tests")
		os.Exit(0)
	}

	var err error
	keeperPath, err = filepath.Abs("keeper-ci")
	if err != nil {
		slog.Error("can't get abspath for keeper-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for keeper-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for keeper-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// TestBackup runs one oneshot backup through the real binary with a stand-in
// borg on PATH.
func TestBackup(t *testing.T) {
	tempdir := chDir(t)

	// stand-in borg: swallow the create invocation and report stats
	binDir := filepath.Join(tempdir, "bin")
	require.NoError(t, os.MkdirAll(binDir, 0o755))
	creat(t, filepath.Join(binDir, "borg"), []byte(`#!/bin/sh
echo '{"type": "archive_progress", "original_size": 7, "nfiles": 1, "path": "data.txt"}' >&2
printf '%s' '{"archive": {"name": "docs-ci", "stats": {"original_size": 7, "compressed_size": 7, "deduplicated_size": 7, "nfiles": 1}}}'
exit 0
`))
	require.NoError(t, os.Chmod(filepath.Join(binDir, "borg"), 0o755))

	include := filepath.Join(tempdir, "data")
	require.NoError(t, os.MkdirAll(include, 0o755))
	creat(t, filepath.Join(include, "data.txt"), []byte("payload"))

	config := fmt.Sprintf(`
version: 0
jobs:
  - id: docs
    repo: /backup/docs
    include:
      - %s
service:
    verbose: true
`, include)
	creat(t, "keeper.yaml", []byte(config))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, keeperPath, "backup", "docs", "--config", "keeper.yaml")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(),
		"PATH="+binDir+string(os.PathListSeparator)+os.Getenv("PATH"),
		"XDG_CACHE_HOME="+filepath.Join(tempdir, "cache"),
	)
	err := cmd.Run()
	if err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}

	require.Contains(t, stderr.String(), "backup succeeded")
	require.Contains(t, stderr.String(), "docs-ci")

	// the run landed in the history
	runs, err := os.ReadFile(filepath.Join(tempdir, "cache", "keeper", "runs.yaml"))
	require.NoError(t, err)
	require.Contains(t, string(runs), "docs")
	require.Contains(t, string(runs), "success: true")
}

// TestBackupUnknownJob exercises the error path of the CLI.
func TestBackupUnknownJob(t *testing.T) {
	tempdir := chDir(t)

	creat(t, "keeper.yaml", []byte("version: 0\n"))

	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, keeperPath, "backup", "no-such-job", "--config", "keeper.yaml")
	cmd.Stderr = &stderr
	cmd.Env = append(os.Environ(), "XDG_CACHE_HOME="+filepath.Join(tempdir, "cache"))
	err := cmd.Run()
	require.Error(t, err)

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 1, exitErr.ExitCode())
	require.Contains(t, stderr.String(), "no-such-job")
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func chDir(t *testing.T) string {
	t.Helper()
	tempdir := tmpDir(t)
	t.Chdir(tempdir)
	return tempdir
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
