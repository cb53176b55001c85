package bootstrap

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/appleboy/graceful"
	"github.com/redis/go-redis/v9"

	"github.com/ramzidaher/Penny-sub000/internal/audit"
	"github.com/ramzidaher/Penny-sub000/internal/cache"
	"github.com/ramzidaher/Penny-sub000/internal/config"
	"github.com/ramzidaher/Penny-sub000/internal/store"
)

// createHTTPServer creates the HTTP server instance
func createHTTPServer(cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func addServerRunningJob(m *graceful.Manager, srv *http.Server) {
	m.AddRunningJob(func(ctx context.Context) error {
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Failed to start server: %v", err)
			}
		}()
		<-ctx.Done()
		return nil
	})
}

func addServerShutdownJob(m *graceful.Manager, srv *http.Server) {
	m.AddShutdownJob(func() error {
		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Server forced to shutdown: %v", err)
			return err
		}

		log.Println("Server exited")
		return nil
	})
}

func addAuditServiceShutdownJob(m *graceful.Manager, auditService *audit.Service) {
	m.AddShutdownJob(func() error {
		log.Println("Shutting down audit service...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := auditService.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down audit service: %v", err)
			return err
		}
		return nil
	})
}

// addAuditCleanupJob enforces the audit retention window once a day.
func addAuditCleanupJob(m *graceful.Manager, cfg *config.Config, auditService *audit.Service) {
	if !cfg.AuditEnabled || cfg.AuditRetention <= 0 {
		return
	}

	m.AddRunningJob(func(ctx context.Context) error {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		cleanup := func() {
			if deleted, err := auditService.CleanupOldEvents(cfg.AuditRetention); err != nil {
				log.Printf("Failed to cleanup old audit events: %v", err)
			} else if deleted > 0 {
				log.Printf("Cleaned up %d old audit events", deleted)
			}
		}

		cleanup()
		for {
			select {
			case <-ticker.C:
				cleanup()
			case <-ctx.Done():
				return nil
			}
		}
	})
}

// addExpiredCodeCleanupJob drops used-code markers past their lifetime.
func addExpiredCodeCleanupJob(m *graceful.Manager, db *store.Store) {
	m.AddRunningJob(func(ctx context.Context) error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if deleted, err := db.DeleteExpiredCodes(time.Now()); err != nil {
					log.Printf("Failed to cleanup expired codes: %v", err)
				} else if deleted > 0 {
					log.Printf("Cleaned up %d expired code markers", deleted)
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
}

func addMarkerCacheShutdownJob(m *graceful.Manager, markers *cache.RueidisMarkerCache) {
	if markers == nil {
		return
	}
	m.AddShutdownJob(func() error {
		log.Println("Closing marker cache...")
		return markers.Close()
	})
}

func addRedisClientShutdownJob(m *graceful.Manager, redisClient *redis.Client) {
	if redisClient == nil {
		return
	}
	m.AddShutdownJob(func() error {
		log.Println("Closing Redis connection...")
		if err := redisClient.Close(); err != nil {
			log.Printf("Error closing Redis client: %v", err)
			return err
		}
		return nil
	})
}

func addStoreShutdownJob(m *graceful.Manager, db *store.Store) {
	m.AddShutdownJob(func() error {
		log.Println("Closing database...")
		return db.Close()
	})
}
