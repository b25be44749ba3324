package controller

import (
	"context"
	"time"

	"github.com/ChuLiYu/itinerary-coord/internal/worker"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// ============================================================================
// TaskSource Interface Implementation
// ============================================================================

var (
	_ worker.TaskSource = (*Controller)(nil)
	_ worker.Notifier   = (*Controller)(nil)
)

// Changes implements worker.Notifier. Workers park on it between claims.
func (c *Controller) Changes() <-chan struct{} {
	return c.store.Changes()
}

// NextDue implements worker.Notifier so idle workers wake when a delayed
// retry becomes due instead of waiting for the next poll.
func (c *Controller) NextDue(ctx context.Context, kinds []types.TaskKind) (time.Time, bool, error) {
	return c.store.NextDue(ctx, kinds)
}
