package call

import (
	"context"

	"github.com/kinakaase/signaling/internal/models"
)

// Notifier is the push-notification escalation hook for a callee with no
// resident connection. The caller still receives an explicit unreachable
// event; the hook only decides whether the callee's device gets woken up.
type Notifier interface {
	Ring(ctx context.Context, callee string, kind models.CallKind, ring models.CallRingData) error
}

// NopNotifier is used until a push dispatcher is wired in.
type NopNotifier struct{}

func (NopNotifier) Ring(context.Context, string, models.CallKind, models.CallRingData) error {
	return nil
}
