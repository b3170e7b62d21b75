// Package license implements the license lifecycle: issue, validate, link,
// extend and block. A license moves between four effective states —
// Unlinked (gift, no owner), Active, Expired and Blocked — derived from its
// record rather than stored explicitly.
package license

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	kgerrors "keygate/internal/errors"
	"keygate/internal/store"
)

// DefaultMaxSessions is used when a caller does not specify a concurrent
// device quota.
const DefaultMaxSessions = 1

// Service owns license records and their lifecycle transitions.
type Service struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time

	validations metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithMeter wires the validation counter onto the given meter.
func WithMeter(meter metric.Meter) Option {
	return func(s *Service) {
		s.validations, _ = meter.Int64Counter("keygate.license.validations",
			metric.WithDescription("License validation checks, by outcome"))
	}
}

// NewService creates a license service.
func NewService(st store.Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:  st,
		logger: logger.With(slog.String("component", "license")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetClock overrides the wall clock, for tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create issues a new license valid for the given number of days. With
// ownerID == store.UnlinkedOwner the license is a gift: it has no owner and
// its validity clock restarts when it is first linked. maxSessions <= 0
// falls back to DefaultMaxSessions.
func (s *Service) Create(ctx context.Context, ownerID int64, tier store.Tier, days int, maxSessions int) (store.License, error) {
	if days <= 0 {
		return store.License{}, kgerrors.Invalid("license duration must be positive")
	}
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}

	now := s.now()
	lic := store.License{
		Key:         uuid.NewString(),
		OwnerID:     ownerID,
		Tier:        tier,
		ExpiresAt:   now.Add(time.Duration(days) * 24 * time.Hour),
		CreatedAt:   now,
		MaxSessions: maxSessions,
	}

	err := s.store.InTx(ctx, func(u store.UnitOfWork) error {
		if ownerID != store.UnlinkedOwner {
			if _, err := u.Users().GetOrCreate(ctx, ownerID); err != nil {
				return err
			}
		}
		return u.Licenses().Insert(ctx, lic)
	})
	if err != nil {
		return store.License{}, err
	}

	s.logger.InfoContext(ctx, "license created",
		slog.String("key", lic.Key),
		slog.Int64("owner_id", ownerID),
		slog.String("tier", string(tier)),
		slog.Int("days", days),
	)
	return lic, nil
}

// Validate is the hot authorization path. It returns the record only if the
// license exists, is unblocked and unexpired; otherwise ErrLicenseNotFound
// or ErrLicenseInvalid. It never mutates the record.
func (s *Service) Validate(ctx context.Context, key string) (store.License, error) {
	lic, err := s.store.Licenses().Get(ctx, key)
	if err != nil {
		if kgerrors.IsTransient(err) {
			s.countValidation(ctx, "error")
		} else {
			s.countValidation(ctx, "not_found")
		}
		return store.License{}, err
	}
	if lic.Blocked || lic.Expired(s.now()) {
		s.countValidation(ctx, "invalid")
		return store.License{}, kgerrors.ErrLicenseInvalid
	}
	s.countValidation(ctx, "ok")
	return lic, nil
}

func (s *Service) countValidation(ctx context.Context, outcome string) {
	if s.validations == nil {
		return
	}
	s.validations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Link activates a license for a user. On an unlinked gift the expiry is
// recomputed as now + the originally granted duration, so the clock starts
// at first activation rather than at creation. Linking a license already
// owned by the same user is a no-op; owned by anyone else it fails
// ErrLicenseAlreadyLinked.
func (s *Service) Link(ctx context.Context, key string, ownerID int64) (store.License, error) {
	if ownerID == store.UnlinkedOwner {
		return store.License{}, kgerrors.Invalid("owner id required to link a license")
	}

	var linked store.License
	err := s.store.InTx(ctx, func(u store.UnitOfWork) error {
		if _, err := u.Users().GetOrCreate(ctx, ownerID); err != nil {
			return err
		}
		lic, err := u.Licenses().Get(ctx, key)
		if err != nil {
			return err
		}
		if lic.Linked() {
			if lic.OwnerID != ownerID {
				return kgerrors.ErrLicenseAlreadyLinked
			}
			linked = lic // idempotent re-link, expiry untouched
			return nil
		}

		grantedFor := lic.ExpiresAt.Sub(lic.CreatedAt)
		lic.OwnerID = ownerID
		lic.ExpiresAt = s.now().Add(grantedFor)
		if err := u.Licenses().Update(ctx, lic); err != nil {
			return err
		}
		linked = lic
		return nil
	})
	if err != nil {
		return store.License{}, err
	}

	s.logger.InfoContext(ctx, "license linked",
		slog.String("key", key),
		slog.Int64("owner_id", ownerID),
		slog.Time("expires_at", linked.ExpiresAt),
	)
	return linked, nil
}

// Extend sets the expiry to now + duration and clears any block, regardless
// of the license's prior state.
func (s *Service) Extend(ctx context.Context, key string, duration time.Duration) (store.License, error) {
	if duration <= 0 {
		return store.License{}, kgerrors.Invalid("extension duration must be positive")
	}

	var extended store.License
	err := s.store.InTx(ctx, func(u store.UnitOfWork) error {
		lic, err := u.Licenses().Get(ctx, key)
		if err != nil {
			return err
		}
		lic.ExpiresAt = s.now().Add(duration)
		lic.Blocked = false
		if err := u.Licenses().Update(ctx, lic); err != nil {
			return err
		}
		extended = lic
		return nil
	})
	if err != nil {
		return store.License{}, err
	}

	s.logger.InfoContext(ctx, "license extended",
		slog.String("key", key),
		slog.Time("expires_at", extended.ExpiresAt),
	)
	return extended, nil
}

// SetBlocked toggles the block flag. Unblocking resolves to Active or
// Expired purely from expiresAt; session eviction on block is the caller's
// responsibility (the registry is a separate, ephemeral structure).
func (s *Service) SetBlocked(ctx context.Context, key string, blocked bool) (store.License, error) {
	var updated store.License
	err := s.store.InTx(ctx, func(u store.UnitOfWork) error {
		lic, err := u.Licenses().Get(ctx, key)
		if err != nil {
			return err
		}
		lic.Blocked = blocked
		if err := u.Licenses().Update(ctx, lic); err != nil {
			return err
		}
		updated = lic
		return nil
	})
	if err != nil {
		return store.License{}, err
	}

	s.logger.InfoContext(ctx, "license block toggled",
		slog.String("key", key),
		slog.Bool("blocked", blocked),
	)
	return updated, nil
}

// Get returns the raw record without validity checks.
func (s *Service) Get(ctx context.Context, key string) (store.License, error) {
	return s.store.Licenses().Get(ctx, key)
}

// ByOwner lists a user's licenses, optionally including blocked ones.
func (s *Service) ByOwner(ctx context.Context, ownerID int64, includeBlocked bool) ([]store.License, error) {
	return s.store.Licenses().ByOwner(ctx, ownerID, includeBlocked)
}

// CountActive counts unblocked, unexpired licenses.
func (s *Service) CountActive(ctx context.Context) (int64, error) {
	return s.store.Licenses().CountActive(ctx, s.now())
}
