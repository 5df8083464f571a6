package consent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

// Transition is one atomic consent write. The store applies Record (if
// set) as a compare-and-set against ExpectedVersion, appends every event,
// and updates the user's preference in the same transaction.
type Transition struct {
	Record          *model.ConsentRecord
	ExpectedVersion int64

	Events []model.ConsentEvent
	OptOut *model.OptOutEvent

	// SetChannel, when non-nil, writes the user's channel-level toggle.
	SetChannel *bool
	// DisableRoute, when non-nil, turns off one alert type on the channel.
	DisableRoute *model.AlertType
}

// Store persists consent records and the consent and opt-out streams.
//
// ApplyTransition returns model.ErrVersionConflict when the record changed
// since it was read, so the caller can reload and retry.
type Store interface {
	GetConsent(ctx context.Context, userID uuid.UUID, ch model.Channel) (*model.ConsentRecord, error)
	LatestOptOut(ctx context.Context, userID uuid.UUID, ch model.Channel, at model.AlertType) (*model.OptOutEvent, error)
	ApplyTransition(ctx context.Context, t Transition) error
}

// ProfileSource is the read-only view of the account service.
type ProfileSource interface {
	GetProfile(ctx context.Context, userID uuid.UUID) (*model.UserProfile, error)
	FindUserByPhone(ctx context.Context, phone string) (uuid.UUID, error)
}

// PreferenceReader loads a user's preference for segment lookup.
type PreferenceReader interface {
	GetPreference(ctx context.Context, userID uuid.UUID) (*model.UserPreference, error)
}

// SendCounter reads the sent side of the delivery log. CountSent counts
// entries in [from, to); LastSent returns the newest one or nil.
type SendCounter interface {
	CountSent(ctx context.Context, userID uuid.UUID, ch model.Channel, from, to time.Time) (int, error)
	LastSent(ctx context.Context, userID uuid.UUID, ch model.Channel) (*time.Time, error)
}

// Marker records (user, channel) pairs whose last consent write did not
// complete. Authorization denies those pairs until a write succeeds.
type Marker interface {
	Mark(ctx context.Context, userID uuid.UUID, ch model.Channel) error
	Clear(ctx context.Context, userID uuid.UUID, ch model.Channel) error
}
