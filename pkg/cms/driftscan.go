package cms

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ClusterChecker answers whether the Kubernetes resources backing an
// instance still exist, without needing the cms package to import the
// Kubernetes client directly. pkg/k8sdriver implements this.
type ClusterChecker interface {
	Exists(ctx context.Context, namespace, k8sName string) (bool, error)
}

// DriftScanner periodically compares CMS belief ("this instance is
// running") against cluster reality and logs a drift_detections row when
// they disagree. It never auto-resolves drift; an operator acts on the log
// (§4.5.8 — explicitly off the critical path, recorded via record-drift
// directly rather than through the durable runtime).
type DriftScanner struct {
	store    *Store
	cluster  ClusterChecker
	logger   *slog.Logger
	interval time.Duration
}

func NewDriftScanner(store *Store, cluster ClusterChecker, logger *slog.Logger, interval time.Duration) *DriftScanner {
	return &DriftScanner{store: store, cluster: cluster, logger: logger, interval: interval}
}

// Run loops until ctx is cancelled, the same ticker-and-select shape as
// roster.RunScheduleTopUpLoop.
func (d *DriftScanner) Run(ctx context.Context) {
	d.logger.Info("drift scanner started", "interval", d.interval)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("drift scanner stopped")
			return
		case <-ticker.C:
			if err := d.tick(ctx); err != nil {
				d.logger.Error("drift scan", "error", err)
			}
		}
	}
}

func (d *DriftScanner) tick(ctx context.Context) error {
	instances, err := d.store.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("listing running instances: %w", err)
	}
	for _, inst := range instances {
		exists, err := d.cluster.Exists(ctx, inst.Namespace, inst.K8sName)
		if err != nil {
			d.logger.Warn("checking cluster state", "k8s_name", inst.K8sName, "error", err)
			continue
		}
		if exists {
			continue
		}
		if err := d.store.RecordDrift(ctx, inst.ID, "missing_cluster_resource",
			fmt.Sprintf("instance %s is running in CMS but its StatefulSet/Service is gone", inst.K8sName),
			time.Now()); err != nil {
			d.logger.Error("recording drift", "k8s_name", inst.K8sName, "error", err)
		}
	}
	return nil
}
