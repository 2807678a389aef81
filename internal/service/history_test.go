package service_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keeper-backup/keeper/internal/model"
	"github.com/keeper-backup/keeper/internal/service"
)

func TestHistory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state", "runs.yaml")

	history, err := service.LoadHistory(path)
	require.NoError(t, err)
	_, ok := history.Last("docs")
	require.False(t, ok)

	info := model.RunInfo{
		End:     time.Date(2026, 8, 23, 3, 0, 0, 0, time.UTC),
		Success: true,
		Message: "archive docs-1a2b3c4d, 3 files, 1024 bytes deduplicated",
	}
	require.NoError(t, history.Record("docs", info))

	got, ok := history.Last("docs")
	require.True(t, ok)
	require.Equal(t, info, got)

	// a fresh load observes the persisted record
	reloaded, err := service.LoadHistory(path)
	require.NoError(t, err)
	got, ok = reloaded.Last("docs")
	require.True(t, ok)
	require.True(t, got.Success)
	require.Equal(t, info.Message, got.Message)
	require.True(t, info.End.Equal(got.End))
}

func TestHistoryCorrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "runs.yaml")
	require.NoError(t, os.WriteFile(path, []byte("\tnot yaml"), 0o644))

	_, err := service.LoadHistory(path)
	require.Error(t, err)
}
