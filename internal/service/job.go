package service

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/keeper-backup/keeper/internal/borg"
	"github.com/keeper-backup/keeper/internal/model"
)

// Result is the terminal outcome of one backup run.
type Result struct {
	JobID   string
	Stats   *borg.Stats
	Started time.Time
	Stopped time.Time
	Err     error
}

// Job is one registered backup target. At most one run per job is live at a
// time, however the trigger arrived.
type Job struct {
	cfg      model.Job
	binary   string
	resolver borg.SecretResolver
	tune     borg.Tuning
	sem      *semaphore.Weighted
	results  chan<- Result

	mx      sync.Mutex
	running bool
	comm    *borg.Communication
}

func NewJob(cfg model.Job, resolver borg.SecretResolver, tune borg.Tuning, sem *semaphore.Weighted, results chan<- Result) *Job {
	return &Job{
		cfg:      cfg,
		resolver: resolver,
		tune:     tune,
		sem:      sem,
		results:  results,
	}
}

// WithBinary overrides the backup executable. This method exists for unit
// testing only.
func (j *Job) WithBinary(path string) *Job {
	j.binary = path
	return j
}

func (j *Job) Name() string {
	return j.cfg.ID
}

// Status returns the live run's status snapshot, or nil when the job is idle.
func (j *Job) Status() *borg.Status {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.comm == nil {
		return nil
	}
	return j.comm.Status.Load()
}

// TryStart marks the job as running. It reports false when a run is already
// live; the caller must then drop the trigger.
func (j *Job) TryStart() bool {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.running {
		return false
	}
	j.running = true
	return true
}

// Run performs one backup and delivers exactly one Result. The caller must
// have claimed the job via TryStart.
func (j *Job) Run(ctx context.Context) {
	result := Result{JobID: j.cfg.ID, Started: time.Now().UTC()}

	if err := j.sem.Acquire(ctx, 1); err != nil {
		result.Stopped = time.Now().UTC()
		result.Err = borg.ErrAborted
		j.finish(result)
		return
	}
	defer j.sem.Release(1)

	stats, err := j.backup(ctx)
	result.Stopped = time.Now().UTC()
	result.Stats = stats
	result.Err = err
	j.finish(result)
}

func (j *Job) finish(result Result) {
	j.mx.Lock()
	j.running = false
	j.comm = nil
	j.mx.Unlock()
	j.results <- result
}

func (j *Job) backup(ctx context.Context) (*borg.Stats, error) {
	call := borg.NewCall("create")
	if j.binary != "" {
		call.WithBinary(j.binary)
	}
	call.AddOptions("--json", "--progress")
	// The archive locator must land in front of the include dirs.
	call.AddArchive(&j.cfg)
	call.AddExcludes(&j.cfg)
	if err := call.AddBasics(&j.cfg, nil, j.resolver); err != nil {
		return nil, fmt.Errorf("preparing backup of %s: %w", j.cfg.ID, err)
	}
	defer call.Close()

	comm := borg.NewCommunication()
	j.mx.Lock()
	j.comm = comm
	j.mx.Unlock()

	messages, unsub := comm.Events.Subscribe(16)
	defer unsub()
	go func() {
		for m := range messages {
			slog.DebugContext(ctx, "borg", "job_id", j.cfg.ID, "message", borg.MessageText(m))
		}
	}()

	// The size estimate races the backup on purpose: progress fractions are
	// unavailable until it lands and exact afterwards.
	go func() {
		total := estimateSize(ctx, j.cfg.IncludeDirs(), j.cfg.ExcludeDirsInternal())
		comm.Status.Update(func(s *borg.Status) { s.EstimatedSize = &total })
	}()

	stats, err := borg.Run[borg.Stats](ctx, call, comm, j.tune)
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// estimateSize sums the apparent size of everything the backup will read.
// Errors are skipped, the walk is best effort.
func estimateSize(ctx context.Context, include, exclude []string) uint64 {
	var total uint64
	for _, root := range include {
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return filepath.SkipAll
			}
			if err != nil {
				return nil
			}
			if d.IsDir() && excluded(path, exclude) {
				return filepath.SkipDir
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if info, err := d.Info(); err == nil {
				total += uint64(info.Size())
			}
			return nil
		})
	}
	return total
}

func excluded(path string, exclude []string) bool {
	for _, e := range exclude {
		if path == e || strings.HasPrefix(path, e+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
