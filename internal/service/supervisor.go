package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/semaphore"

	"github.com/keeper-backup/keeper/internal/borg"
	"github.com/keeper-backup/keeper/internal/model"
)

// StartAll triggers every registered job.
const StartAll = "**"

type Supervisor struct {
	start     chan string
	results   chan Result
	scheduler gocron.Scheduler
	oneshot   bool
	history   *History
	tune      borg.Tuning
	resolver  borg.SecretResolver
	sem       *semaphore.Weighted
	jobsMx    sync.Mutex
	jobs      map[string]*Job
	wg        sync.WaitGroup
	pending   int
	errs      []error
}

func NewSupervisor(ctx context.Context, cfg model.Config, resolver borg.SecretResolver, history *History) (*Supervisor, error) {
	maxParallel := cfg.Service.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}

	s := &Supervisor{
		start:    make(chan string, len(cfg.Jobs)+1),
		results:  make(chan Result, len(cfg.Jobs)+1),
		history:  history,
		tune:     borg.DefaultTuning(),
		resolver: resolver,
		sem:      semaphore.NewWeighted(int64(maxParallel)),
		jobs:     make(map[string]*Job, len(cfg.Jobs)),
	}

	for _, jobCfg := range cfg.Jobs {
		if _, ok := s.jobs[jobCfg.ID]; ok {
			return nil, fmt.Errorf("duplicate job id %q", jobCfg.ID)
		}
		s.jobs[jobCfg.ID] = NewJob(jobCfg, resolver, s.tune, s.sem, s.results)
	}

	scheduler, err := newScheduler(ctx, cfg.Jobs, s.Start)
	if err != nil {
		return nil, err
	}
	s.scheduler = scheduler

	return s, nil
}

// SetOneshot makes Do trigger every job once on entry and return after the
// last result instead of waiting for ctx.
func (s *Supervisor) SetOneshot(oneshot bool) *Supervisor {
	s.oneshot = oneshot
	return s
}

// WithTuning replaces the supervision timing of all registered jobs. This
// method exists for unit testing only.
func (s *Supervisor) WithTuning(tune borg.Tuning) *Supervisor {
	s.tune = tune
	for _, job := range s.jobs {
		job.tune = tune
	}
	return s
}

// WithBinary overrides the backup executable of all registered jobs. This
// method exists for unit testing only.
func (s *Supervisor) WithBinary(path string) *Supervisor {
	for _, job := range s.jobs {
		job.WithBinary(path)
	}
	return s
}

// Job returns the registered job with the given id, or nil.
func (s *Supervisor) Job(id string) *Job {
	s.jobsMx.Lock()
	defer s.jobsMx.Unlock()
	return s.jobs[id]
}

// Start tells the supervisor to begin a backup. This is a hint and never
// blocks: a trigger for a job with a live run is dropped, as is a trigger
// arriving faster than the loop consumes them or after the loop has
// terminated. StartAll triggers all registered jobs.
func (s *Supervisor) Start(id string) {
	select {
	case s.start <- id:
	default:
	}
}

// Do runs the supervisor event loop.
// It multiplexes three concerns:
//  1. Start triggers (job ids received on s.start) launch backup runs.
//  2. Results from finished runs are logged and recorded in the history.
//  3. Context cancellation terminates the loop and begins shutdown.
//
// Modes:
//   - Oneshot: every job is triggered once on entry; Do returns after the
//     last result, joining the run errors.
//   - Service: the scheduler fires triggers; the loop runs until ctx is
//     cancelled, run errors are only logged.
//
// Shutdown waits for live runs to terminate; their abort is driven by ctx.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting supervisor", "jobs", len(s.jobs))

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			if err := s.scheduler.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down scheduler failed", "error", err)
			}
		}()
	}

	defer s.drain(ctx)

	if s.oneshot {
		s.callStart(ctx, StartAll)
		if s.pending == 0 {
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-s.start:
			s.callStart(ctx, id)
		case result := <-s.results:
			s.record(ctx, result)
			if s.oneshot {
				s.pending--
				if result.Err != nil {
					s.errs = append(s.errs, result.Err)
				}
				if s.pending == 0 {
					return errors.Join(s.errs...)
				}
			}
		}
	}
}

// drain waits for live runs to terminate, consuming their results along the
// way so a finishing job can never block shutdown on a full results channel.
func (s *Supervisor) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	for {
		select {
		case result := <-s.results:
			s.record(ctx, result)
		case <-done:
			return
		}
	}
}

func (s *Supervisor) callStart(ctx context.Context, id string) {
	s.jobsMx.Lock()
	defer s.jobsMx.Unlock()

	if id == StartAll {
		for _, job := range s.jobs {
			s.launch(ctx, job)
		}
		return
	}

	job, ok := s.jobs[id]
	if !ok {
		slog.WarnContext(ctx, "cannot start job: not known", "job_id", id)
		return
	}
	s.launch(ctx, job)
}

func (s *Supervisor) launch(ctx context.Context, job *Job) {
	if !job.TryStart() {
		slog.WarnContext(ctx, "job already running: dropping trigger", "job_id", job.Name())
		return
	}
	slog.InfoContext(ctx, "starting backup", "job_id", job.Name())
	if s.oneshot {
		s.pending++
	}
	s.wg.Go(func() {
		job.Run(ctx)
	})
}

func (s *Supervisor) record(ctx context.Context, result Result) {
	info := model.RunInfo{
		End:     result.Stopped,
		Success: result.Err == nil,
	}
	switch {
	case result.Err != nil:
		info.Message = result.Err.Error()
		slog.ErrorContext(ctx, "backup failed",
			"job_id", result.JobID, "error", result.Err)
	case result.Stats != nil:
		info.Message = fmt.Sprintf("archive %s, %d files, %d bytes deduplicated",
			result.Stats.Archive.Name,
			result.Stats.Archive.Stats.NFiles,
			result.Stats.Archive.Stats.DeduplicatedSize)
		slog.InfoContext(ctx, "backup succeeded",
			"job_id", result.JobID,
			"archive", result.Stats.Archive.Name,
			"duration", result.Stopped.Sub(result.Started).String())
	}

	if s.history == nil {
		return
	}
	if err := s.history.Record(result.JobID, info); err != nil {
		slog.ErrorContext(ctx, "recording run history failed",
			"job_id", result.JobID, "error", err)
	}
}

// newScheduler builds one gocron scheduler firing startFunc per scheduled
// job. Jobs without a schedule are skipped; no scheduled job means no
// scheduler at all.
func newScheduler(ctx context.Context, jobs []model.Job, startFunc func(string)) (gocron.Scheduler, error) {
	var defs []struct {
		id  string
		def gocron.JobDefinition
	}
	for _, job := range jobs {
		if job.Schedule == nil {
			continue
		}
		var def gocron.JobDefinition
		switch {
		case job.Schedule.Cron != "":
			if err := ParseCron(job.Schedule.Cron); err != nil {
				return nil, fmt.Errorf("parsing schedule.cron of %s: %w", job.ID, err)
			}
			def = gocron.CronJob(job.Schedule.Cron, false)
		case job.Schedule.Every != "":
			d, err := ParseEvery(job.Schedule.Every)
			if err != nil {
				return nil, fmt.Errorf("parsing schedule.every of %s: %w", job.ID, err)
			}
			def = gocron.DurationJob(d)
		default:
			return nil, fmt.Errorf("schedule of %s: both cron and every are empty", job.ID)
		}
		defs = append(defs, struct {
			id  string
			def gocron.JobDefinition
		}{job.ID, def})
		slog.DebugContext(ctx, "scheduled job", "job_id", job.ID, "schedule", job.Schedule)
	}

	if len(defs) == 0 {
		return nil, nil
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing scheduler: %w", err)
	}
	for _, d := range defs {
		_, err := s.NewJob(
			d.def,
			gocron.NewTask(startFunc, d.id),
		)
		if err != nil {
			return nil, fmt.Errorf("scheduling %s: %w", d.id, err)
		}
	}
	return s, nil
}
