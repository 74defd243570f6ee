package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deptz/augment-sub000/internal/container"
	"github.com/deptz/augment-sub000/internal/diag"
)

// SweepOrphanContainers removes engine containers older than maxAge. A
// failure on one container is logged and the sweep moves on.
func (o *Orchestrator) SweepOrphanContainers(ctx context.Context, maxAge time.Duration) (int, error) {
	list, err := o.runtime.List(ctx, ContainerNamePrefix)
	if err != nil {
		return 0, fmt.Errorf("list containers: %w", err)
	}
	now := o.now()
	removed := 0
	for _, c := range list {
		if c.Created.IsZero() {
			continue
		}
		age := now.Sub(c.Created)
		if age <= maxAge {
			continue
		}
		o.logger.Info("removing orphaned container", "container", c.Name, "age", age.Round(time.Second))
		if err := o.runtime.Stop(ctx, c.ID, o.settings.StopTimeout); err != nil && !errors.Is(err, container.ErrNotFound) {
			o.logger.Warn("stop orphaned container", "container", c.Name, "error", err)
		}
		if err := o.runtime.Remove(ctx, c.ID); err != nil {
			o.logger.Warn("remove orphaned container", "container", c.Name, "error", err)
			continue
		}
		o.sink.Emit(diag.Event{JobID: c.Labels["augment.job_id"], Stage: diag.StageTeardown, Type: diag.TypeState, Attrs: map[string]any{"state": "swept", "container": c.Name}})
		removed++
	}
	if removed > 0 {
		o.logger.Info("orphaned containers removed", "count", removed)
	}
	return removed, nil
}

// KillContainer force-removes the container of jobID, if any.
func (o *Orchestrator) KillContainer(ctx context.Context, jobID string) error {
	name := ContainerName(jobID)
	if err := o.runtime.Remove(ctx, name); err != nil {
		return fmt.Errorf("kill container %s: %w", name, err)
	}
	o.logger.Info("container killed", "job_id", jobID, "container", name)
	return nil
}

// ContainerExists reports whether a container for jobID is known to the runtime.
func (o *Orchestrator) ContainerExists(ctx context.Context, jobID string) (bool, error) {
	_, err := o.runtime.Inspect(ctx, ContainerName(jobID), 0)
	if errors.Is(err, container.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}
