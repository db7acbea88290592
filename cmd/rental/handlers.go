package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"subrent/pkg/auth"
	"subrent/pkg/booking"
	"subrent/pkg/cache"
	"subrent/pkg/database"
	"subrent/pkg/dates"
	"subrent/pkg/events"
	"subrent/pkg/models"
)

type server struct {
	db       *gorm.DB
	rentals  *booking.Service
	content  *booking.ContentStore
	calendar *cache.Calendar
	events   events.Publisher
	auth     *auth.Provider
	log      *zap.Logger
	timeout  time.Duration
}

type checkRequest struct {
	Subdomain string `json:"subdomain"`
	Icon      string `json:"icon"`
}

type availabilityRequest struct {
	Days []string `json:"days"`
}

type rentalRequest struct {
	Subdomain string   `json:"subdomain"`
	Icon      string   `json:"icon"`
	Days      []string `json:"days"`
}

type contentRequest struct {
	Content *string `json:"content" binding:"required"`
}

func rentalJSON(r *models.Rental) gin.H {
	return gin.H{
		"rentalId":  r.ID,
		"subdomain": r.Subdomain,
		"icon":      r.Icon,
		"ownerId":   r.OwnerID,
		"days":      dates.Strings(r.Days()),
		"createdAt": r.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func rentalsJSON(rentals []models.Rental) []gin.H {
	items := make([]gin.H, len(rentals))
	for i := range rentals {
		items[i] = rentalJSON(&rentals[i])
	}
	return items
}

func (s *server) healthCheck(c *gin.Context) {
	if err := database.Ping(s.db); err != nil {
		s.log.Error("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "DOWN"})
		return
	}
	cacheStatus := "OK"
	if err := s.calendar.Ping(c.Request.Context()); err != nil {
		cacheStatus = "DEGRADED"
	}
	c.JSON(http.StatusOK, gin.H{"status": "OK", "cache": cacheStatus})
}

func (s *server) checkSubdomain(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	check, err := s.rentals.CheckSubdomain(c.Request.Context(), req.Subdomain, req.Icon)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subdomain": check.Subdomain,
		"icon":      check.Icon,
		"available": check.Available,
	})
}

func (s *server) getCalendar(c *gin.Context) {
	name := booking.NormalizeSubdomain(c.Param("subdomain"))
	booked, err := s.calendar.BookedDays(c.Request.Context(), name, s.rentals.BookedDays)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"subdomain":  name,
		"bookedDays": dates.Strings(booked),
	})
}

func (s *server) checkAvailability(c *gin.Context) {
	var req availabilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	days := make([]dates.DayKey, 0, len(req.Days))
	for _, raw := range req.Days {
		d, err := dates.Parse(raw)
		if err != nil {
			s.writeError(c, &booking.ValidationError{Field: "days", Message: err.Error()})
			return
		}
		days = append(days, d)
	}

	taken, err := s.rentals.ConflictingDays(c.Request.Context(), c.Param("subdomain"), days)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"available":       len(taken) == 0,
		"conflictingDays": dates.Strings(taken),
	})
}

func (s *server) getSite(c *gin.Context) {
	rental, err := s.rentals.RentalBySubdomain(c.Request.Context(), c.Param("subdomain"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	site := rentalJSON(rental)
	site["content"] = rental.Content
	c.JSON(http.StatusOK, site)
}

func (s *server) createRental(c *gin.Context) {
	id, _ := auth.FromContext(c)
	var body rentalRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req, err := booking.NewRequest(body.Subdomain, body.Icon, id.UserID, body.Days)
	if err != nil {
		s.writeError(c, err)
		return
	}

	ctx := c.Request.Context()
	rental, err := s.rentals.Book(ctx, req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.calendar.Invalidate(ctx, rental.Subdomain)
	s.publish(c, events.Booked(rental, req.Days))

	c.JSON(http.StatusCreated, rentalJSON(rental))
}

func (s *server) listOwnRentals(c *gin.Context) {
	id, _ := auth.FromContext(c)
	rentals, err := s.rentals.RentalsByOwner(c.Request.Context(), id.UserID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rentalsJSON(rentals))
}

func (s *server) deleteRental(c *gin.Context) {
	id, _ := auth.FromContext(c)
	rental, err := s.rentals.DeleteRental(c.Request.Context(), c.Param("rentalId"), id.UserID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.afterDelete(c, rental)
}

func (s *server) getContent(c *gin.Context) {
	text, err := s.content.GetContent(c.Request.Context(), c.Param("rentalId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"content": text})
}

func (s *server) setContent(c *gin.Context) {
	id, _ := auth.FromContext(c)
	var body contentRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	if err := s.content.SetContent(c.Request.Context(), c.Param("rentalId"), id.UserID, *body.Content); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) listAllRentals(c *gin.Context) {
	rentals, err := s.rentals.ListRentals(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rentalsJSON(rentals))
}

func (s *server) deleteSubdomain(c *gin.Context) {
	rental, err := s.rentals.DeleteSubdomain(c.Request.Context(), c.Param("subdomain"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.afterDelete(c, rental)
}

func (s *server) afterDelete(c *gin.Context, rental *models.Rental) {
	s.calendar.Invalidate(c.Request.Context(), rental.Subdomain)
	s.publish(c, events.Deleted(rental))
	c.Status(http.StatusNoContent)
}

// publish never fails the request: the change is already committed.
func (s *server) publish(c *gin.Context, e events.Event) {
	if err := s.events.Publish(c.Request.Context(), e); err != nil {
		s.log.Error("failed to publish event",
			zap.String("type", string(e.Type)),
			zap.String("rental_id", e.RentalID),
			zap.Error(err))
	}
}

// writeError maps core error kinds to responses. Missing and foreign rentals
// get the same response so ids cannot be enumerated.
func (s *server) writeError(c *gin.Context, err error) {
	var (
		validation *booking.ValidationError
		conflict   *booking.ConflictError
	)
	switch {
	case errors.As(err, &validation):
		c.JSON(http.StatusBadRequest, gin.H{"error": validation.Error(), "field": validation.Field})
	case errors.As(err, &conflict):
		c.JSON(http.StatusConflict, gin.H{
			"error":           conflict.Error(),
			"subdomain":       conflict.Subdomain,
			"conflictingDays": dates.Strings(conflict.Days),
		})
	case errors.Is(err, booking.ErrNotFound), errors.Is(err, booking.ErrUnauthorized):
		c.JSON(http.StatusNotFound, gin.H{"error": "rental not found"})
	case errors.Is(err, auth.ErrUnauthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
	default:
		s.log.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service temporarily unavailable, try again later"})
	}
}
