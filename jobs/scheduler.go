package jobs

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/entkit/certs"
	"github.com/open-rails/entkit/storage"
)

// SchedulerConfig sets the cadences for periodic work. Empty specs fall back
// to defaults.
type SchedulerConfig struct {
	// SweepSpec enqueues an unmapped-guest sweep. Default hourly.
	SweepSpec string
	// CrlSpec regenerates the CRL and then purges expired serials, in that
	// order so every revocation gets collected before its serial can be
	// cleaned up. Default daily.
	CrlSpec string
	// RegenSpec enqueues certificate regeneration for dirty entitlements.
	// Default every 15 minutes.
	RegenSpec string
}

// Scheduler drives the periodic work over cron.
type Scheduler struct {
	c   *cron.Cron
	log *logrus.Logger
}

// NewScheduler registers the periodic entries. Start/Stop control the cron
// loop; job execution itself happens on the River client's workers where one
// exists, or inline for the CRL cycle.
func NewScheduler(cfg SchedulerConfig, client *river.Client[pgx.Tx], store storage.Store, gen *certs.Generator, issuer *certs.Issuer, log *logrus.Logger) (*Scheduler, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = "@hourly"
	}
	if cfg.CrlSpec == "" {
		cfg.CrlSpec = "@daily"
	}
	if cfg.RegenSpec == "" {
		cfg.RegenSpec = "@every 15m"
	}

	c := cron.New()

	if _, err := c.AddFunc(cfg.SweepSpec, func() {
		if _, err := client.Insert(context.Background(), UnmappedGuestSweepArgs{}, nil); err != nil {
			log.WithError(err).Warn("failed to enqueue unmapped guest sweep")
		}
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(cfg.CrlSpec, func() {
		ctx := context.Background()
		if _, err := gen.Regenerate(ctx); err != nil {
			log.WithError(err).Error("scheduled crl regeneration failed")
			return
		}
		if _, err := issuer.PurgeExpired(ctx); err != nil {
			log.WithError(err).Warn("expired serial purge failed")
		}
	}); err != nil {
		return nil, err
	}

	if _, err := c.AddFunc(cfg.RegenSpec, func() {
		n, err := EnqueueDirtyCertificates(context.Background(), client, store, 0)
		if err != nil {
			log.WithError(err).Warn("failed to enqueue dirty certificate regeneration")
			return
		}
		if n > 0 {
			log.WithField("queued", n).Info("queued dirty certificate regeneration")
		}
	}); err != nil {
		return nil, err
	}

	return &Scheduler{c: c, log: log}, nil
}

func (s *Scheduler) Start() { s.c.Start() }

// Stop halts scheduling; entries already running finish on their own.
func (s *Scheduler) Stop() { s.c.Stop() }
