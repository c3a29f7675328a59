package keymanager

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/r3e-network/swarm-memory/internal/domain"
	"github.com/r3e-network/swarm-memory/internal/logging"
)

// Scheduler drives scheduled rotation on a cron expression (spec.md section
// 4.4's rotation interval, expressed as a standard 5-field schedule rather
// than a bare duration so operators can pin rotation to a maintenance
// window).
type Scheduler struct {
	cron   *cron.Cron
	mgr    *Manager
	logger *logging.Logger
}

// NewScheduler builds a Scheduler. spec is a standard 5-field cron
// expression, e.g. "0 3 1 */3 *" for a quarterly rotation (03:00 on the
// first day of every third month).
func NewScheduler(mgr *Manager, logger *logging.Logger, spec string) (*Scheduler, error) {
	c := cron.New()
	s := &Scheduler{cron: c, mgr: mgr, logger: logger}

	_, err := c.AddFunc(spec, func() {
		ctx := context.Background()
		if _, err := mgr.Rotate(ctx, domain.RotationScheduled); err != nil {
			logger.WithContext(ctx).WithField("cause", "scheduled").WithError(err).Error("scheduled key rotation failed")
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running the cron schedule in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
