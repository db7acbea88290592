package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"subrent/pkg/auth"
	"subrent/pkg/booking"
	"subrent/pkg/cache"
	"subrent/pkg/config"
	"subrent/pkg/database"
	"subrent/pkg/events"
	"subrent/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logg, err := logger.New(cfg.LogLevel, cfg.LogFormat, "rental")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logg.Sync()

	db, err := database.Connect(cfg.Database, logg)
	if err != nil {
		logg.Fatal("failed to connect to database", zap.Error(err))
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logg.Warn("redis unreachable, calendar served from the database", zap.Error(err))
		}
	}

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled() {
		kp := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logg)
		kp.Start()
		publisher = kp
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logg.Error("failed to close event publisher", zap.Error(err))
		}
	}()

	s := &server{
		db:       db,
		rentals:  booking.NewService(db, logg, nil),
		content:  booking.NewContentStore(db, logg),
		calendar: cache.NewCalendar(redisClient, cfg.Redis.CalendarTTL, logg),
		events:   publisher,
		auth:     auth.NewProvider(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		log:      logg,
		timeout:  cfg.RequestTimeout,
	}

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: s.routes(),
	}

	go func() {
		logg.Info("rental service starting", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logg.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logg.Error("graceful shutdown failed", zap.Error(err))
	}
}

func (s *server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), requestTimeout(s.timeout))

	r.GET("/manage/health", s.healthCheck)

	api := r.Group("/api/v1")
	api.POST("/subdomains/check", s.checkSubdomain)
	api.GET("/subdomains/:subdomain/calendar", s.getCalendar)
	api.POST("/subdomains/:subdomain/availability", s.checkAvailability)
	api.GET("/sites/:subdomain", s.getSite)
	api.GET("/rentals/:rentalId/content", s.getContent)

	owner := api.Group("", s.auth.RequireAuth())
	owner.POST("/rentals", s.createRental)
	owner.GET("/rentals", s.listOwnRentals)
	owner.DELETE("/rentals/:rentalId", s.deleteRental)
	owner.PUT("/rentals/:rentalId/content", s.setContent)

	admin := api.Group("/admin", s.auth.RequireAuth(), s.auth.RequireAdmin())
	admin.GET("/rentals", s.listAllRentals)
	admin.DELETE("/subdomains/:subdomain", s.deleteSubdomain)

	return r
}

// requestTimeout bounds every store call made while serving the request.
// A booking transaction still open at the deadline is rolled back.
func requestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (s *server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
