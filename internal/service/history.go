package service

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/keeper-backup/keeper/internal/model"
)

// History persists the outcome of the most recent run per job, so the CLI
// can report when a backup last succeeded without the service running.
type History struct {
	mx   sync.Mutex
	path string
	runs map[string]model.RunInfo
}

// LoadHistory reads the run history at path. A missing file yields an empty
// history; the file appears on the first Record.
func LoadHistory(path string) (*History, error) {
	h := &History{path: path, runs: make(map[string]model.RunInfo)}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return h, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading run history: %w", err)
	}
	if err := yaml.Unmarshal(raw, &h.runs); err != nil {
		return nil, fmt.Errorf("parsing run history: %w", err)
	}
	return h, nil
}

// Last returns the recorded outcome of the job's most recent run.
func (h *History) Last(jobID string) (model.RunInfo, bool) {
	h.mx.Lock()
	defer h.mx.Unlock()
	info, ok := h.runs[jobID]
	return info, ok
}

// Record stores the outcome and rewrites the history file. The write goes
// through a temporary file and rename, a crash never truncates the history.
func (h *History) Record(jobID string, info model.RunInfo) error {
	h.mx.Lock()
	defer h.mx.Unlock()
	h.runs[jobID] = info

	raw, err := yaml.Marshal(h.runs)
	if err != nil {
		return fmt.Errorf("encoding run history: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return fmt.Errorf("creating run history dir: %w", err)
	}
	tmp := h.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("writing run history: %w", err)
	}
	if err := os.Rename(tmp, h.path); err != nil {
		return fmt.Errorf("replacing run history: %w", err)
	}
	return nil
}
