// Package booking decides whether a subdomain can be rented for a set of
// calendar days and records the rental atomically.
//
// The store's transaction is the only serialization point: Book re-reads the
// booked days inside its transaction, and unique indexes on the subdomain and
// on (rental, day) reject whatever a concurrent writer slipped in.
package booking

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"subrent/pkg/dates"
	"subrent/pkg/models"
)

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	validIcon IconValidator
}

// NewService wires the booking core to a store. A nil validIcon falls back
// to ValidIcon.
func NewService(db *gorm.DB, log *zap.Logger, validIcon IconValidator) *Service {
	if validIcon == nil {
		validIcon = ValidIcon
	}
	return &Service{db: db, log: log, validIcon: validIcon}
}

// Check is the result of the first step of the rental flow.
type Check struct {
	Subdomain string
	Icon      string
	Available bool
}

// CheckSubdomain validates a name and icon and reports whether the name is
// still free. The answer is advisory; Book re-checks.
func (s *Service) CheckSubdomain(ctx context.Context, subdomain, icon string) (Check, error) {
	name := NormalizeSubdomain(subdomain)
	if err := validateSubdomain(name); err != nil {
		return Check{}, err
	}
	if !s.validIcon(icon) {
		return Check{}, &ValidationError{Field: "icon", Message: "please enter a valid emoji (maximum 10 characters)"}
	}
	available, err := s.IsSubdomainAvailable(ctx, name)
	if err != nil {
		return Check{}, err
	}
	return Check{Subdomain: name, Icon: icon, Available: available}, nil
}

// IsSubdomainAvailable reports whether no rental holds the name.
func (s *Service) IsSubdomainAvailable(ctx context.Context, subdomain string) (bool, error) {
	name := NormalizeSubdomain(subdomain)
	if err := validateSubdomain(name); err != nil {
		return false, err
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&models.Rental{}).
		Where("subdomain = ?", name).
		Count(&count).Error
	if err != nil {
		return false, storageError("check subdomain", err)
	}
	return count == 0, nil
}

// BookedDays returns every booked day of the subdomain across all rentals.
func (s *Service) BookedDays(ctx context.Context, subdomain string) ([]dates.DayKey, error) {
	name := NormalizeSubdomain(subdomain)
	if err := validateSubdomain(name); err != nil {
		return nil, err
	}
	var days []dates.DayKey
	err := s.db.WithContext(ctx).Model(&models.Booking{}).
		Joins("JOIN rentals ON rentals.id = bookings.rental_id").
		Where("rentals.subdomain = ?", name).
		Pluck("bookings.day", &days).Error
	if err != nil {
		return nil, storageError("booked days", err)
	}
	return dates.Unique(days), nil
}

// ConflictingDays returns the candidate days that are already booked.
func (s *Service) ConflictingDays(ctx context.Context, subdomain string, days []dates.DayKey) ([]dates.DayKey, error) {
	name := NormalizeSubdomain(subdomain)
	if err := validateSubdomain(name); err != nil {
		return nil, err
	}
	taken, err := conflictingDays(s.db.WithContext(ctx), name, days)
	if err != nil {
		return nil, storageError("conflicting days", err)
	}
	return taken, nil
}

// AreAvailable reports whether none of the days is booked. A store failure
// is returned as an error, never as "available".
func (s *Service) AreAvailable(ctx context.Context, subdomain string, days []dates.DayKey) (bool, error) {
	taken, err := s.ConflictingDays(ctx, subdomain, days)
	if err != nil {
		return false, err
	}
	return len(taken) == 0, nil
}

func conflictingDays(tx *gorm.DB, subdomain string, days []dates.DayKey) ([]dates.DayKey, error) {
	if len(days) == 0 {
		return nil, nil
	}
	var taken []dates.DayKey
	err := tx.Model(&models.Booking{}).
		Joins("JOIN rentals ON rentals.id = bookings.rental_id").
		Where("rentals.subdomain = ? AND bookings.day IN ?", subdomain, dates.Strings(dates.Unique(days))).
		Pluck("bookings.day", &taken).Error
	if err != nil {
		return nil, err
	}
	return dates.Unique(taken), nil
}

// Book creates the rental and one booking per requested day, or nothing at
// all. A request whose days overlap existing bookings fails with
// *ConflictError naming those days. The current owner of a subdomain may
// book further days; anyone else gets *ConflictError without days.
func (s *Service) Book(ctx context.Context, req Request) (*models.Rental, error) {
	req.Subdomain = NormalizeSubdomain(req.Subdomain)
	req.Days = dates.Unique(req.Days)
	if err := req.validate(s.validIcon); err != nil {
		return nil, err
	}

	rental, err := s.book(ctx, req)
	if errors.Is(err, gorm.ErrDuplicatedKey) && s.ownsSubdomain(ctx, req) {
		// a concurrent request by the same owner created the rental first;
		// this request now extends it
		rental, err = s.book(ctx, req)
	}
	if err != nil {
		return nil, s.bookingFailure(ctx, req, err)
	}

	s.log.Info("rental booked",
		zap.String("rental_id", rental.ID),
		zap.String("subdomain", rental.Subdomain),
		zap.String("owner_id", rental.OwnerID),
		zap.Strings("days", dates.Strings(req.Days)))
	return rental, nil
}

func (s *Service) book(ctx context.Context, req Request) (*models.Rental, error) {
	var rental models.Rental
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.Rental
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("subdomain = ?", req.Subdomain).
			Find(&existing).Error
		if err != nil {
			return err
		}

		taken, err := conflictingDays(tx, req.Subdomain, req.Days)
		if err != nil {
			return err
		}
		if len(taken) > 0 {
			return &ConflictError{Subdomain: req.Subdomain, Days: taken}
		}

		var rentalID string
		if len(existing) > 0 {
			owned := ownedBy(existing, req.OwnerID)
			if owned == nil {
				return &ConflictError{Subdomain: req.Subdomain}
			}
			rentalID = owned.ID
		} else {
			created := models.Rental{
				ID:        uuid.New().String(),
				Subdomain: req.Subdomain,
				Icon:      req.Icon,
				OwnerID:   req.OwnerID,
			}
			if err := tx.Create(&created).Error; err != nil {
				return err
			}
			rentalID = created.ID
		}

		bookings := make([]models.Booking, len(req.Days))
		for i, day := range req.Days {
			bookings[i] = models.Booking{ID: uuid.New().String(), RentalID: rentalID, Day: day}
		}
		if err := tx.Create(&bookings).Error; err != nil {
			return err
		}

		return tx.Preload("Bookings", orderByDay).First(&rental, "id = ?", rentalID).Error
	})
	if err != nil {
		return nil, err
	}
	return &rental, nil
}

// ownsSubdomain reports whether the rental now holding the subdomain belongs
// to the requester. Lookup failures count as not owned.
func (s *Service) ownsSubdomain(ctx context.Context, req Request) bool {
	var owners []string
	err := s.db.WithContext(ctx).Model(&models.Rental{}).
		Where("subdomain = ?", req.Subdomain).
		Pluck("owner_id", &owners).Error
	return err == nil && len(owners) == 1 && owners[0] == req.OwnerID
}

func (s *Service) bookingFailure(ctx context.Context, req Request, err error) error {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		s.log.Info("booking rejected",
			zap.String("subdomain", req.Subdomain),
			zap.Strings("conflicting_days", dates.Strings(conflict.Days)))
		return conflict
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// a concurrent transaction committed first; report what it took
		conflict = &ConflictError{Subdomain: req.Subdomain}
		if taken, qerr := conflictingDays(s.db.WithContext(ctx), req.Subdomain, req.Days); qerr == nil {
			conflict.Days = taken
		}
		s.log.Info("booking lost race",
			zap.String("subdomain", req.Subdomain),
			zap.Strings("conflicting_days", dates.Strings(conflict.Days)))
		return conflict
	}

	s.log.Error("booking transaction failed",
		zap.String("subdomain", req.Subdomain),
		zap.Error(err))
	return storageError("book", err)
}

func ownedBy(rentals []models.Rental, ownerID string) *models.Rental {
	for i := range rentals {
		if rentals[i].OwnerID == ownerID {
			return &rentals[i]
		}
	}
	return nil
}

func orderByDay(db *gorm.DB) *gorm.DB {
	return db.Order("day")
}

// RentalsByOwner lists the owner's rentals, oldest first, with their days.
func (s *Service) RentalsByOwner(ctx context.Context, ownerID string) ([]models.Rental, error) {
	var rentals []models.Rental
	err := s.db.WithContext(ctx).
		Preload("Bookings", orderByDay).
		Where("owner_id = ?", ownerID).
		Order("created_at").
		Find(&rentals).Error
	if err != nil {
		return nil, storageError("owner rentals", err)
	}
	return rentals, nil
}

// RentalBySubdomain returns the rental serving a subdomain.
func (s *Service) RentalBySubdomain(ctx context.Context, subdomain string) (*models.Rental, error) {
	name := NormalizeSubdomain(subdomain)
	if err := validateSubdomain(name); err != nil {
		return nil, ErrNotFound
	}
	var rental models.Rental
	err := s.db.WithContext(ctx).
		Preload("Bookings", orderByDay).
		Where("subdomain = ?", name).
		First(&rental).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageError("rental by subdomain", err)
	}
	return &rental, nil
}

// ListRentals returns every rental, for administrators.
func (s *Service) ListRentals(ctx context.Context) ([]models.Rental, error) {
	var rentals []models.Rental
	err := s.db.WithContext(ctx).
		Preload("Bookings", orderByDay).
		Order("subdomain").
		Find(&rentals).Error
	if err != nil {
		return nil, storageError("list rentals", err)
	}
	return rentals, nil
}

// DeleteRental removes an owner's rental and all its bookings.
func (s *Service) DeleteRental(ctx context.Context, rentalID, ownerID string) (*models.Rental, error) {
	if _, err := uuid.Parse(rentalID); err != nil {
		return nil, ErrNotFound
	}
	return s.delete(ctx, "id = ?", rentalID, func(r *models.Rental) error {
		if r.OwnerID != ownerID {
			return ErrUnauthorized
		}
		return nil
	})
}

// DeleteSubdomain removes whatever rental holds the subdomain. Callers must
// have checked administrator rights.
func (s *Service) DeleteSubdomain(ctx context.Context, subdomain string) (*models.Rental, error) {
	return s.delete(ctx, "subdomain = ?", NormalizeSubdomain(subdomain), nil)
}

func (s *Service) delete(ctx context.Context, query string, arg string, allow func(*models.Rental) error) (*models.Rental, error) {
	var rental models.Rental
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Bookings", orderByDay).Where(query, arg).First(&rental).Error; err != nil {
			return err
		}
		if allow != nil {
			if err := allow(&rental); err != nil {
				return err
			}
		}
		if err := tx.Where("rental_id = ?", rental.ID).Delete(&models.Booking{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Rental{}, "id = ?", rental.ID).Error
	})
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrNotFound
	case errors.Is(err, ErrUnauthorized):
		return nil, ErrUnauthorized
	case err != nil:
		return nil, storageError("delete rental", err)
	}

	s.log.Info("rental deleted",
		zap.String("rental_id", rental.ID),
		zap.String("subdomain", rental.Subdomain))
	return &rental, nil
}
