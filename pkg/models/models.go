package models

import (
	"time"

	"subrent/pkg/dates"
)

type Rental struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Subdomain string `gorm:"size:63;not null;uniqueIndex"`
	Icon      string `gorm:"size:40;not null"`
	OwnerID   string `gorm:"size:255;not null;index"`
	Content   string `gorm:"type:text;not null;default:''"`
	CreatedAt time.Time

	Bookings []Booking `gorm:"foreignKey:RentalID;constraint:OnDelete:CASCADE"`
}

// Booking is one reserved calendar day of a rental.
type Booking struct {
	ID        string       `gorm:"type:uuid;primaryKey"`
	RentalID  string       `gorm:"type:uuid;not null;uniqueIndex:idx_booking_rental_day"`
	Day       dates.DayKey `gorm:"type:date;not null;uniqueIndex:idx_booking_rental_day"`
	CreatedAt time.Time
}

// Days returns the rental's booked days in chronological order.
func (r Rental) Days() []dates.DayKey {
	days := make([]dates.DayKey, len(r.Bookings))
	for i, b := range r.Bookings {
		days[i] = b.Day
	}
	return dates.Unique(days)
}
