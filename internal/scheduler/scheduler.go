// Package scheduler drives the recompute cadence (spec §4.7): a minute tick
// runs the SYI pipeline cycle, a daily 00:05 UTC tick runs the regime
// engine, and a manual "force recompute" per index code fans concurrent
// callers into the run already in flight rather than starting a second one.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/sync/singleflight"
)

// Job is one cron-scheduled unit of work, identified by name for logging
// and status reporting.
type Job interface {
	Run() error
	Name() string
}

// JobFunc adapts a plain function to the Job interface, so callers don't
// need a dedicated type per cadence (the pipeline cycle, the regime run,
// and the snapshot archiver all register this way from cmd/server).
type JobFunc struct {
	JobName string
	Fn      func() error
}

func (f JobFunc) Run() error   { return f.Fn() }
func (f JobFunc) Name() string { return f.JobName }

// jobStatus tracks one job's last outcomes for the status query (§6.2).
type jobStatus struct {
	lastRun     time.Time
	lastSuccess time.Time
	lastErr     error
}

// JobStatus is the read-only snapshot of one job's run history.
type JobStatus struct {
	Name        string
	LastRun     time.Time
	LastSuccess time.Time
	LastError   string
}

// Status is the scheduler status query response: each job's last run, last
// success and last error, plus process resource gauges. Next-run times are
// not reported.
type Status struct {
	Jobs       []JobStatus
	Uptime     time.Duration
	CPUPercent float64
	MemPercent float64
}

// Scheduler manages background jobs and the per-index-code force-recompute
// in-flight lock.
type Scheduler struct {
	cron      *cron.Cron
	log       zerolog.Logger
	startedAt time.Time

	mu       sync.Mutex
	statuses map[string]*jobStatus

	sf singleflight.Group
}

// New creates a new scheduler. Cron expressions accepted by AddJob follow
// the standard 5-field format (plus the "@every"/"@hourly" shorthand
// robfig/cron supports) — no seconds field, matching the spec's minute and
// daily cadences.
func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:       log.With().Str("component", "scheduler").Logger(),
		startedAt: time.Now(),
		statuses:  make(map[string]*jobStatus),
	}
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Msg("scheduler started")
}

// Stop stops the scheduler and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler stopped")
}

// AddJob registers a job on a cron schedule. Missed ticks are not
// backfilled (§4.7): the cron instance wraps every job in
// SkipIfStillRunning, so a tick that fires while the previous run of this
// job is still executing is dropped rather than queued or run
// concurrently — the next tick computes with current inputs, never
// catching up on history.
func (s *Scheduler) AddJob(schedule string, job Job) error {
	s.mu.Lock()
	s.statuses[job.Name()] = &jobStatus{}
	s.mu.Unlock()

	_, err := s.cron.AddFunc(schedule, func() {
		s.runTracked(job)
	})
	if err != nil {
		return err
	}

	s.log.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("job registered")
	return nil
}

func (s *Scheduler) runTracked(job Job) {
	s.log.Debug().Str("job", job.Name()).Msg("running job")
	now := time.Now()
	err := job.Run()

	s.mu.Lock()
	st := s.statuses[job.Name()]
	st.lastRun = now
	st.lastErr = err
	if err == nil {
		st.lastSuccess = now
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error().Err(err).Str("job", job.Name()).Msg("job failed")
		return
	}
	s.log.Debug().Str("job", job.Name()).Msg("job completed")
}

// RunNow executes a job immediately, outside its schedule, tracking its
// status the same way a scheduled tick would.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("running job immediately")
	s.runTracked(job)
	s.mu.Lock()
	err := s.statuses[job.Name()].lastErr
	s.mu.Unlock()
	return err
}

// ForceRecompute runs a manual recompute under a single in-flight lock per
// index code (§5: "the Scheduler's in-flight lock is per index code, not
// global"). Concurrent callers with the same code fan in to the one forced
// run already underway and all receive its result; independent codes
// compute concurrently. Cron-scheduled jobs do not take this lock, so a
// forced run can overlap a periodic one.
func (s *Scheduler) ForceRecompute(ctx context.Context, code string, fn func(context.Context) error) error {
	_, err, _ := s.sf.Do(code, func() (interface{}, error) {
		return nil, fn(ctx)
	})
	return err
}

// Status reports every registered job's run history plus process CPU/RAM
// gauges (§6.2), grounded on the teacher's system-status snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	jobs := make([]JobStatus, 0, len(s.statuses))
	for name, st := range s.statuses {
		js := JobStatus{Name: name, LastRun: st.lastRun, LastSuccess: st.lastSuccess}
		if st.lastErr != nil {
			js.LastError = st.lastErr.Error()
		}
		jobs = append(jobs, js)
	}
	s.mu.Unlock()

	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil || len(cpuPercent) == 0 {
		cpuPercent = []float64{0}
	}
	memPercent := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	}

	return Status{
		Jobs:       jobs,
		Uptime:     time.Since(s.startedAt),
		CPUPercent: cpuPercent[0],
		MemPercent: memPercent,
	}
}
