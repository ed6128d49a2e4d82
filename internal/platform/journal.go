package platform

import (
	"context"

	"go.uber.org/zap"

	"backend/internal/logger"
)

// Journal records the reverse of each shell-out/netlink mutation a tunnel
// applies (route added, DNS configured, device created) so Revert can
// undo exactly what was done, in the opposite order, even if the forward
// sequence was interrupted partway through. Revert errors are logged, not
// surfaced — matching the connector's "routing/DNS revert errors are
// logged, not surfaced" error policy.
type Journal struct {
	undo []func(context.Context) error
}

// Record appends an undo action, to run (in LIFO order) on Revert.
func (j *Journal) Record(undo func(context.Context) error) {
	j.undo = append(j.undo, undo)
}

// Revert runs every recorded undo action in reverse order, logging but
// not stopping on individual failures.
func (j *Journal) Revert(ctx context.Context) {
	for i := len(j.undo) - 1; i >= 0; i-- {
		if err := j.undo[i](ctx); err != nil {
			logger.L().Warn("platform: revert action failed", zap.Error(err))
		}
	}
	j.undo = nil
}

// Len reports how many undo actions are pending, for tests.
func (j *Journal) Len() int { return len(j.undo) }
