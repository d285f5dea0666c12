package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/lyallcooper/hardlinker/internal/db"
	"github.com/lyallcooper/hardlinker/internal/dedup"
	"github.com/lyallcooper/hardlinker/internal/services"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun returns the first time after from that expr fires
func NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(from), nil
}

// Scheduler manages scheduled jobs
type Scheduler struct {
	db             *db.DB
	scanner        *services.Scanner
	allowProtected bool
	interval       time.Duration
	log            *logrus.Entry

	mu       sync.RWMutex
	running  bool
	stopChan chan struct{}
	cancel   context.CancelFunc // Cancel function for running jobs
	wg       sync.WaitGroup     // Tracks spawned job goroutines
	inFlight map[int64]bool
}

// New creates a new scheduler. Auto-link jobs over protected roots only
// link when allowProtected is set.
func New(database *db.DB, scanner *services.Scanner, allowProtected bool, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		db:             database,
		scanner:        scanner,
		allowProtected: allowProtected,
		interval:       time.Minute,
		log:            log.WithField("component", "scheduler"),
		inFlight:       make(map[int64]bool),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop stops the scheduler, cancels running jobs and waits for them
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)

	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// run is the main scheduler loop
func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.checkJobs(ctx, time.Now())

	for {
		select {
		case <-s.stopChan:
			return
		case now := <-ticker.C:
			s.checkJobs(ctx, now)
		}
	}
}

// checkJobs launches every enabled job that is due at now
func (s *Scheduler) checkJobs(ctx context.Context, now time.Time) {
	jobs, err := s.db.GetEnabledJobs()
	if err != nil {
		s.log.WithError(err).Error("failed to get jobs")
		return
	}

	for _, job := range jobs {
		if job.NextRunAt == nil || job.NextRunAt.After(now) {
			continue
		}

		s.mu.Lock()
		if s.inFlight[job.ID] {
			s.mu.Unlock()
			continue
		}
		s.inFlight[job.ID] = true
		s.wg.Add(1)
		s.mu.Unlock()

		go s.runJob(ctx, job, now)
	}
}

// runJob executes a scheduled job: a scan of its root, then a link pass
// when the job asks for one
func (s *Scheduler) runJob(ctx context.Context, job *db.ScheduledJob, now time.Time) {
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, job.ID)
		s.mu.Unlock()
		s.wg.Done()
	}()

	log := s.log.WithFields(logrus.Fields{"job_id": job.ID, "job": job.Name, "root": job.Root})

	if ctx.Err() != nil {
		log.Info("job cancelled before start")
		return
	}

	// Advance the schedule first so a long scan is not started twice
	next, err := NextRun(job.CronExpression, now)
	if err != nil {
		log.WithError(err).Error("invalid cron expression")
		return
	}
	if err := s.db.UpdateJobLastRun(job.ID, now, next); err != nil {
		log.WithError(err).Error("failed to update job last run")
	}

	log.WithField("next_run", next).Info("running job")

	run, err := s.scanner.RunScan(ctx, job.Root, &job.ID)
	if errors.Is(err, dedup.ErrBusy) {
		log.Warn("another pass is running, skipping this occurrence")
		return
	}
	if err != nil {
		log.WithError(err).Error("failed to run scan")
		return
	}

	if !job.AutoLink {
		return
	}
	s.autoLink(ctx, log, job, run)
}

func (s *Scheduler) autoLink(ctx context.Context, log *logrus.Entry, job *db.ScheduledJob, run *db.ScanRun) {
	if run.Status != db.ScanRunStatusCompleted {
		log.WithField("status", run.Status).Info("scan did not complete, skipping link")
		return
	}
	if run.Protected && !s.allowProtected {
		log.Warn("root is a protected location, refusing to link automatically")
		return
	}

	action, err := s.scanner.ExecuteLink(ctx, run.ID, nil)
	switch {
	case errors.Is(err, services.ErrNothingToLink):
		log.WithField("run_id", run.ID).Info("no duplicates to link")
	case err != nil:
		log.WithError(err).Error("failed to link duplicates")
	default:
		log.WithFields(logrus.Fields{
			"run_id":    run.ID,
			"action_id": action.ID,
			"linked":    action.FilesLinked,
			"failed":    action.FilesFailed,
		}).Info("linked duplicates")
	}
}

// UpdateNextRun recomputes and stores the next run time for a job
func (s *Scheduler) UpdateNextRun(job *db.ScheduledJob) error {
	next, err := NextRun(job.CronExpression, time.Now())
	if err != nil {
		return err
	}
	job.NextRunAt = &next

	return s.db.UpdateScheduledJob(job)
}
