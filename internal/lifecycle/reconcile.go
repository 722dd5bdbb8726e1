package lifecycle

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mcmanager/manager/internal/domain"
)

// Reconciler corrects stored statuses against the containers that actually
// exist, typically once at boot before the queue starts.
type Reconciler struct {
	store  Store
	docker Containers
	logger *slog.Logger
}

func NewReconciler(store Store, containers Containers, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, docker: containers, logger: logger}
}

// ReconcileReport summarizes one pass.
type ReconcileReport struct {
	Checked   int `json:"checked"`
	Corrected int `json:"corrected"`
}

// Run marks every live server whose container is not running (or cannot be
// inspected) as STOPPED. Servers already STOPPED are left alone, as are
// running containers whatever their stored status.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	instances, err := r.store.ListInstances(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("reconcile: %w", err)
	}

	var report ReconcileReport
	for _, inst := range instances {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		log := r.logger.With("server_id", inst.ID, "status", inst.Status, "container_id", inst.ShortRef())

		if inst.Status == domain.StatusStopped {
			continue
		}

		running := false
		if inst.ContainerRef != "" {
			st, err := r.docker.Inspect(ctx, inst.ContainerRef)
			if err != nil {
				log.Warn("inspect container failed", "err", err)
			} else {
				running = st.Running
			}
		}
		if running {
			if inst.Status != domain.StatusRunning {
				log.Info("container is running, leaving status for the start job")
			}
			continue
		}

		if err := r.store.UpdateStatus(ctx, inst.ID, domain.StatusStopped); err != nil {
			log.Error("correct status failed", "err", err)
			continue
		}
		report.Corrected++
		log.Info("status corrected", "to", domain.StatusStopped)
	}

	r.logger.Info("reconcile finished", "checked", report.Checked, "corrected", report.Corrected)
	return report, nil
}
