// Package refresh runs the periodic maintenance of derived catalog state:
// repository health scores and the open -> stale sweep.
package refresh

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dshills/contribrank/internal/scoring"
	"github.com/dshills/contribrank/pkg/types"
)

// Catalog is the part of the catalog store the job maintains.
type Catalog interface {
	ListRepositories(ctx context.Context) ([]*types.Repository, error)
	UpdateRepositoryHealth(ctx context.Context, id string, health float64) error
	ListStaleCandidates(ctx context.Context, inactiveSince time.Time) ([]string, error)
	TransitionOpportunityStatus(ctx context.Context, id string, to types.Status) (*types.DataIntegrityWarning, error)
}

// JobMetrics provides centralized background job metrics tracking.
type JobMetrics interface {
	IncJobsTotal(jobType, status string)
	ObserveJobDuration(jobType string, seconds float64)
	IncJobErrors(jobType, errorType string)
}

// Job types reported to JobMetrics.
const (
	JobHealthRefresh = "health_refresh"
	JobStaleSweep    = "stale_sweep"
)

const (
	DefaultInterval   = time.Hour
	DefaultTimeout    = 5 * time.Minute
	DefaultStaleAfter = 30 * 24 * time.Hour
)

// Config configures the refresh job.
type Config struct {
	// Interval is the duration between cycles.
	Interval time.Duration
	// Timeout bounds a single cycle.
	Timeout time.Duration
	// StaleAfter is how long an open opportunity may go without updates
	// before it is marked stale. Zero disables the sweep.
	StaleAfter time.Duration
	// Health holds the point values used to score repositories. The zero
	// value selects scoring.DefaultHealthWeights.
	Health scoring.HealthWeights

	Logger     *slog.Logger
	JobMetrics JobMetrics
	// OnChange is called after a cycle that modified the catalog.
	OnChange func()
	// Now overrides the clock.
	Now func() time.Time
}

// Report summarizes one cycle.
type Report struct {
	HealthUpdated int
	HealthFailed  int
	MarkedStale   int
	StaleFailed   int
	Duration      time.Duration
}

func (r Report) changed() bool { return r.HealthUpdated > 0 || r.MarkedStale > 0 }

// Job periodically recomputes repository health and marks inactive
// opportunities stale.
type Job struct {
	config  Config
	catalog Catalog

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewJob creates a refresh job over catalog.
func NewJob(config Config, catalog Catalog) *Job {
	if config.Interval == 0 {
		config.Interval = DefaultInterval
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Health == (scoring.HealthWeights{}) {
		config.Health = scoring.DefaultHealthWeights()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Job{config: config, catalog: catalog}
}

// Start begins the periodic job. It returns immediately; cycles run in a
// background goroutine until Stop or ctx cancellation.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		return nil
	}
	if err := j.config.Health.Validate(); err != nil {
		j.mu.Unlock()
		return err
	}
	j.running = true
	j.stopCh = make(chan struct{})
	j.doneCh = make(chan struct{})
	j.mu.Unlock()

	go j.run(ctx)
	return nil
}

// Stop signals the job to stop and waits for the current cycle to finish.
func (j *Job) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	stopCh := j.stopCh
	doneCh := j.doneCh
	j.mu.Unlock()

	close(stopCh)
	<-doneCh

	j.mu.Lock()
	j.running = false
	j.mu.Unlock()
}

// IsRunning returns whether the job is currently running.
func (j *Job) IsRunning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *Job) run(ctx context.Context) {
	defer close(j.doneCh)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.config.Logger.Info("refresh job stopping due to context cancellation")
			return
		case <-j.stopCh:
			j.config.Logger.Info("refresh job stopping due to stop signal")
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.config.Logger.Error("refresh cycle failed", "error", err)
			}
		}
	}
}

// RunOnce runs a single cycle immediately. Per-item failures are counted
// in the report; the error reports failures to list work or a timeout.
func (j *Job) RunOnce(parent context.Context) (Report, error) {
	ctx, cancel := context.WithTimeout(parent, j.config.Timeout)
	defer cancel()

	start := time.Now()
	var report Report
	healthErr := j.refreshHealth(ctx, &report)
	staleErr := j.sweepStale(ctx, &report)
	report.Duration = time.Since(start)

	j.config.Logger.Info("refresh cycle completed",
		"duration_seconds", report.Duration.Seconds(),
		"health_updated", report.HealthUpdated,
		"health_failed", report.HealthFailed,
		"marked_stale", report.MarkedStale,
		"stale_failed", report.StaleFailed)

	if report.changed() && j.config.OnChange != nil {
		j.config.OnChange()
	}
	return report, errors.Join(healthErr, staleErr)
}

func (j *Job) refreshHealth(ctx context.Context, report *Report) error {
	start := time.Now()
	repos, err := j.catalog.ListRepositories(ctx)
	if err != nil {
		j.finish(JobHealthRefresh, start, err)
		return err
	}

	now := j.config.Now()
	for i, repo := range repos {
		if err := ctx.Err(); err != nil {
			j.config.Logger.Error("health refresh timeout exceeded",
				"processed", i,
				"total", len(repos),
				"timeout", j.config.Timeout)
			j.finish(JobHealthRefresh, start, err)
			return err
		}
		score := scoring.RepositoryHealth(scoring.SignalsOf(repo), now, j.config.Health)
		if score == repo.HealthScore {
			continue
		}
		if err := j.catalog.UpdateRepositoryHealth(ctx, repo.ID, score); err != nil {
			j.config.Logger.Error("failed to update repository health",
				"repository_id", repo.ID,
				"error", err)
			j.jobError(JobHealthRefresh, "update_error")
			report.HealthFailed++
			continue
		}
		j.config.Logger.Debug("repository health refreshed",
			"repository_id", repo.ID,
			"previous", repo.HealthScore,
			"score", score)
		report.HealthUpdated++
	}
	j.finish(JobHealthRefresh, start, failedIf(report.HealthFailed))
	return nil
}

func (j *Job) sweepStale(ctx context.Context, report *Report) error {
	if j.config.StaleAfter <= 0 {
		return nil
	}
	start := time.Now()
	ids, err := j.catalog.ListStaleCandidates(ctx, j.config.Now().Add(-j.config.StaleAfter))
	if err != nil {
		j.finish(JobStaleSweep, start, err)
		return err
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			j.finish(JobStaleSweep, start, err)
			return err
		}
		warning, err := j.catalog.TransitionOpportunityStatus(ctx, id, types.StatusStale)
		if err != nil {
			j.config.Logger.Error("failed to mark opportunity stale",
				"opportunity_id", id,
				"error", err)
			j.jobError(JobStaleSweep, "transition_error")
			report.StaleFailed++
			continue
		}
		if warning != nil {
			j.config.Logger.Warn("stale transition accepted with warning", "warning", warning.Error())
		}
		report.MarkedStale++
	}
	j.finish(JobStaleSweep, start, failedIf(report.StaleFailed))
	return nil
}

var errItemsFailed = errors.New("items failed")

func failedIf(n int) error {
	if n > 0 {
		return errItemsFailed
	}
	return nil
}

func (j *Job) finish(jobType string, start time.Time, err error) {
	if j.config.JobMetrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
		if errors.Is(err, context.DeadlineExceeded) {
			j.config.JobMetrics.IncJobErrors(jobType, "timeout")
		} else if !errors.Is(err, errItemsFailed) {
			j.config.JobMetrics.IncJobErrors(jobType, "list_error")
		}
	}
	j.config.JobMetrics.IncJobsTotal(jobType, status)
	j.config.JobMetrics.ObserveJobDuration(jobType, time.Since(start).Seconds())
}

func (j *Job) jobError(jobType, errorType string) {
	if j.config.JobMetrics != nil {
		j.config.JobMetrics.IncJobErrors(jobType, errorType)
	}
}
