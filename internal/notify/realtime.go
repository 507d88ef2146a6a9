package notify

import (
	"context"
	"errors"

	"github.com/mbd888/channelescrow/internal/deals"
	"github.com/mbd888/channelescrow/internal/realtime"
)

var errRealtimeFull = errors.New("realtime broadcast queue full")

type broadcaster interface {
	Broadcast(event *realtime.Event) bool
}

// RealtimeSink pushes notifications to WebSocket subscribers. The hub only
// forwards them to the deal's buyer, its seller, and operators.
type RealtimeSink struct {
	hub broadcaster
}

// NewRealtimeSink wraps hub.
func NewRealtimeSink(hub broadcaster) *RealtimeSink {
	return &RealtimeSink{hub: hub}
}

func (s *RealtimeSink) Name() string { return "realtime" }

func (s *RealtimeSink) Deliver(_ context.Context, n deals.Notification) error {
	ok := s.hub.Broadcast(&realtime.Event{
		Type:      string(n.Event),
		DealID:    n.DealID,
		Parties:   []string{n.BuyerID, n.SellerID},
		Timestamp: n.OccurredAt,
		Data:      n,
	})
	if !ok {
		return errRealtimeFull
	}
	return nil
}

var _ Sink = (*RealtimeSink)(nil)
