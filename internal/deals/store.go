package deals

import (
	"context"
	"time"

	"github.com/mbd888/channelescrow/internal/pagination"
)

// Change is what a mutation writes alongside the updated deal row.
type Change struct {
	Audit []AuditEntry
	// Event, when set, is recorded in the processed-events table in the same
	// transaction. A second record of the same event fails ErrDuplicateEvent.
	Event *ProcessedEvent
}

// ProcessedEvent identifies a payment processor callback.
type ProcessedEvent struct {
	Provider   string
	EventID    string
	DealID     string
	ReceivedAt time.Time
}

// MutateFunc edits a locked copy of a deal. Returning a nil Change with a
// nil error leaves the deal untouched.
type MutateFunc func(d *Deal) (*Change, error)

// ListFilter selects deals for GET /deals.
type ListFilter struct {
	// PartyID limits results to deals where the party is buyer or seller.
	// Empty means all deals and is only used for operators.
	PartyID string
	Status  Status
	Cursor  *pagination.Cursor
	Limit   int
}

// Store persists deals and their audit history.
//
// Mutate must serialize concurrent calls for the same deal and persist the
// deal row, audit entries and processed event atomically.
type Store interface {
	Create(ctx context.Context, d *Deal, audit []AuditEntry) error
	Get(ctx context.Context, id string) (*Deal, error)
	GetByTransactionID(ctx context.Context, transactionID string) (*Deal, error)
	List(ctx context.Context, filter ListFilter) ([]*Deal, error)
	History(ctx context.Context, dealID string) ([]AuditEntry, error)
	Mutate(ctx context.Context, id string, fn MutateFunc) (*Deal, error)
	EventProcessed(ctx context.Context, provider, eventID string) (bool, error)
}

// listed reports whether d matches f. Pages are ordered by (created_at, id)
// descending, so the cursor excludes everything at or after its position.
func listed(d *Deal, f ListFilter) bool {
	if f.PartyID != "" && d.BuyerID != f.PartyID && d.SellerID != f.PartyID {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Cursor != nil {
		if d.CreatedAt.After(f.Cursor.CreatedAt) {
			return false
		}
		if d.CreatedAt.Equal(f.Cursor.CreatedAt) && d.ID >= f.Cursor.ID {
			return false
		}
	}
	return true
}
