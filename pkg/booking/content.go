package booking

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"subrent/pkg/models"
)

// ContentStore keeps the free-form page content of each rental. Content is
// stored as given; escaping it is up to whatever renders it.
type ContentStore struct {
	db  *gorm.DB
	log *zap.Logger
}

func NewContentStore(db *gorm.DB, log *zap.Logger) *ContentStore {
	return &ContentStore{db: db, log: log}
}

// GetContent is a public read.
func (s *ContentStore) GetContent(ctx context.Context, rentalID string) (string, error) {
	if _, err := uuid.Parse(rentalID); err != nil {
		return "", ErrNotFound
	}
	var rental models.Rental
	err := s.db.WithContext(ctx).Select("id", "content").First(&rental, "id = ?", rentalID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storageError("get content", err)
	}
	return rental.Content, nil
}

// SetContent replaces the content in a single-row update guarded by the
// owner id. Returns ErrNotFound or ErrUnauthorized when nothing matched.
func (s *ContentStore) SetContent(ctx context.Context, rentalID, ownerID, text string) error {
	if _, err := uuid.Parse(rentalID); err != nil {
		return ErrNotFound
	}
	db := s.db.WithContext(ctx)
	res := db.Model(&models.Rental{}).
		Where("id = ? AND owner_id = ?", rentalID, ownerID).
		Update("content", text)
	if res.Error != nil {
		return storageError("set content", res.Error)
	}
	if res.RowsAffected > 0 {
		s.log.Info("rental content updated", zap.String("rental_id", rentalID), zap.Int("bytes", len(text)))
		return nil
	}

	var count int64
	if err := db.Model(&models.Rental{}).Where("id = ?", rentalID).Count(&count).Error; err != nil {
		return storageError("set content", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	s.log.Warn("content update by non-owner rejected", zap.String("rental_id", rentalID))
	return ErrUnauthorized
}
