package approval

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jcttech/claude-session-manager/internal/common/logger"
)

// Cleaner purges expired pending requests.
type Cleaner interface {
	CleanupStale(ctx context.Context) (int, error)
}

// CleanupJob runs a Cleaner on a cron schedule such as "@every 1h" or "0 * * * *".
type CleanupJob struct {
	cleaner  Cleaner
	schedule cron.Schedule
	spec     string
	logger   *logger.Logger
}

// NewCleanupJob parses spec with the standard cron parser, descriptors included.
func NewCleanupJob(c Cleaner, spec string, log *logger.Logger) (*CleanupJob, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	return &CleanupJob{
		cleaner:  c,
		schedule: sched,
		spec:     spec,
		logger:   log.WithFields(zap.String("component", "approval-cleanup")),
	}, nil
}

// RunOnce performs a single cleanup pass.
func (j *CleanupJob) RunOnce(ctx context.Context) int {
	n, err := j.cleaner.CleanupStale(ctx)
	if err != nil {
		j.logger.Error("Stale request cleanup failed", zap.Error(err))
		return 0
	}
	return n
}

// Run schedules cleanup passes until ctx is done and waits for a running pass.
func (j *CleanupJob) Run(ctx context.Context) error {
	c := cron.New()
	c.Schedule(j.schedule, cron.FuncJob(func() { j.RunOnce(ctx) }))
	c.Start()
	j.logger.Info("Stale request cleanup scheduled", zap.String("schedule", j.spec))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
