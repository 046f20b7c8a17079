// Package jobs runs the module's background work on a River job queue:
// regeneration of certificates for dirty entitlements (the recovery path for
// failed issuance) and the periodic unmapped-guest sweep.
package jobs

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/sirupsen/logrus"

	"github.com/open-rails/entkit/certs"
	"github.com/open-rails/entkit/entitler"
	"github.com/open-rails/entkit/storage"
)

// RegenerateCertArgs re-issues the certificate of one dirty entitlement.
type RegenerateCertArgs struct {
	EntitlementID uuid.UUID `json:"entitlement_id"`
}

func (RegenerateCertArgs) Kind() string { return "entitlement_cert_regenerate" }

// RegenerateCertWorker re-issues one entitlement certificate. Retries are
// left to River's default policy; regeneration is idempotent.
type RegenerateCertWorker struct {
	river.WorkerDefaults[RegenerateCertArgs]
	Issuer *certs.Issuer
}

func (w *RegenerateCertWorker) Work(ctx context.Context, job *river.Job[RegenerateCertArgs]) error {
	return w.Issuer.Regenerate(ctx, job.Args.EntitlementID)
}

// UnmappedGuestSweepArgs runs one unmapped-guest revocation sweep.
type UnmappedGuestSweepArgs struct{}

func (UnmappedGuestSweepArgs) Kind() string { return "unmapped_guest_sweep" }

type UnmappedGuestSweepWorker struct {
	river.WorkerDefaults[UnmappedGuestSweepArgs]
	Entitler *entitler.Entitler
	Log      *logrus.Logger
}

func (w *UnmappedGuestSweepWorker) Work(ctx context.Context, _ *river.Job[UnmappedGuestSweepArgs]) error {
	n, err := w.Entitler.SweepUnmappedGuestEntitlements(ctx)
	if w.Log != nil && n > 0 {
		w.Log.WithField("revoked", n).Info("unmapped guest sweep complete")
	}
	return err
}

// NewClient builds a River client with this module's workers registered.
// The caller starts and stops it.
func NewClient(pool *pgxpool.Pool, issuer *certs.Issuer, ent *entitler.Entitler, log *logrus.Logger, maxWorkers int) (*river.Client[pgx.Tx], error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}
	workers := river.NewWorkers()
	river.AddWorker(workers, &RegenerateCertWorker{Issuer: issuer})
	river.AddWorker(workers, &UnmappedGuestSweepWorker{Entitler: ent, Log: log})
	return river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: maxWorkers},
		},
		Workers: workers,
	})
}

// EnqueueDirtyCertificates queues regeneration jobs for up to limit dirty
// entitlements and returns how many were queued.
func EnqueueDirtyCertificates(ctx context.Context, client *river.Client[pgx.Tx], store storage.Store, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	var params []river.InsertManyParams
	err := store.WithTx(ctx, func(tx storage.Tx) error {
		dirty, err := tx.DirtyEntitlements(ctx, limit)
		if err != nil {
			return err
		}
		params = params[:0]
		for _, ent := range dirty {
			params = append(params, river.InsertManyParams{
				Args: RegenerateCertArgs{EntitlementID: ent.ID},
			})
		}
		return nil
	})
	if err != nil || len(params) == 0 {
		return 0, err
	}
	results, err := client.InsertMany(ctx, params)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}
