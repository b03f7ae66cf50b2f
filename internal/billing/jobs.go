package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/crosslogic/billing-core/internal/config"
	"github.com/crosslogic/billing-core/pkg/events"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobTimeout = 10 * time.Minute

// Jobs runs periodic billing maintenance on a seconds-resolution cron.
type Jobs struct {
	cron    *cron.Cron
	service *Service
	cfg     config.JobsConfig
	logger  *zap.Logger
}

// NewJobs creates the scheduler. Call Start to register and run jobs.
func NewJobs(service *Service, cfg config.JobsConfig, logger *zap.Logger) *Jobs {
	return &Jobs{
		cron:    cron.New(cron.WithSeconds()),
		service: service,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start registers every job and starts the scheduler.
func (j *Jobs) Start() error {
	jobs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) (int64, error)
	}{
		{"enterprise_monthly_reset", j.cfg.EnterpriseResetSchedule, j.ResetEnterpriseUsage},
		{"webhook_marker_purge", j.cfg.WebhookPurgeSchedule, j.PurgeWebhookMarkers},
		{"commitment_sweep", j.cfg.CommitmentSweepSchedule, j.SweepCommitments},
		{"webhook_stale_sweep", j.cfg.WebhookStaleSweepSchedule, j.SweepStaleWebhooks},
	}
	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		job := job
		if _, err := j.cron.AddFunc(job.schedule, func() { j.runJob(job.name, job.run) }); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
		j.logger.Info("scheduled billing job", zap.String("job", job.name), zap.String("schedule", job.schedule))
	}
	j.cron.Start()
	return nil
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (j *Jobs) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		j.logger.Info("billing jobs stopped")
	case <-ctx.Done():
		j.logger.Warn("billing jobs still running at shutdown")
	}
}

func (j *Jobs) runJob(name string, run func(ctx context.Context) (int64, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	n, err := run(ctx)
	if err != nil {
		j.logger.Error("billing job failed", zap.String("job", name), zap.Error(err))
		return
	}
	j.logger.Info("billing job completed",
		zap.String("job", name),
		zap.Int64("affected", n),
		zap.Duration("duration", time.Since(start)),
	)
}

// ResetEnterpriseUsage zeroes member usage. It is a no-op outside
// enterprise mode.
func (j *Jobs) ResetEnterpriseUsage(ctx context.Context) (int64, error) {
	if j.service.deps.Config.Mode != config.ModeEnterprise {
		return 0, nil
	}
	return j.service.Enterprise.ResetMonthlyUsage(ctx)
}

// PurgeWebhookMarkers drops completed idempotency markers past retention.
func (j *Jobs) PurgeWebhookMarkers(ctx context.Context) (int64, error) {
	retention := j.service.deps.Config.WebhookRetention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	return j.service.Idempotency.Purge(ctx, retention)
}

// SweepCommitments clears commitments that have run their course.
func (j *Jobs) SweepCommitments(ctx context.Context) (int64, error) {
	n, err := j.service.Lifecycle.ExpireCommitments(ctx)
	return int64(n), err
}

// SweepStaleWebhooks fails webhook claims whose worker never finished and
// alerts on each one.
func (j *Jobs) SweepStaleWebhooks(ctx context.Context) (int64, error) {
	ids, err := j.service.Idempotency.FailStale(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		j.service.deps.publish(ctx, events.EventWebhookFailed, "", map[string]interface{}{
			"event_id":   id,
			"error_kind": string(KindSystemError),
			"error":      "processing abandoned before completion",
		})
	}
	return int64(len(ids)), nil
}
