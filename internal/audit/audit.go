// Package audit records every broker token operation, accepted or
// rejected, to the database. Writes are asynchronous and batched so the
// hot path never waits on the audit trail. Raw codes and tokens never
// enter an event; callers pass hashes.
package audit

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramzidaher/Penny-sub000/internal/models"
	"github.com/ramzidaher/Penny-sub000/internal/store"
	"github.com/ramzidaher/Penny-sub000/internal/util"
)

const batchFlushSize = 100

// Entry is the data needed to record one audit event.
type Entry struct {
	EventType    models.EventType
	Severity     models.EventSeverity
	UserID       string
	IP           string
	ConnectionID string
	Action       string
	Details      models.AuditDetails
	Success      bool
	ErrorMessage string
}

// Service buffers audit events and flushes them in batches.
type Service struct {
	store      *store.Store
	enabled    bool
	bufferSize int

	logChan chan *models.AuditEvent

	batchBuffer []*models.AuditEvent
	batchMutex  sync.Mutex
	batchTicker *time.Ticker

	wg         sync.WaitGroup
	shutdownCh chan struct{}
}

func NewService(s *store.Store, enabled bool, bufferSize int) *Service {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	service := &Service{
		store:       s,
		enabled:     enabled,
		bufferSize:  bufferSize,
		logChan:     make(chan *models.AuditEvent, bufferSize),
		batchBuffer: make([]*models.AuditEvent, 0, batchFlushSize),
		batchTicker: time.NewTicker(1 * time.Second),
		shutdownCh:  make(chan struct{}),
	}

	if enabled {
		service.wg.Add(1)
		go service.worker()
		log.Printf("[Audit] Service started with buffer size %d", bufferSize)
	} else {
		log.Println("[Audit] Service is disabled")
	}

	return service
}

func (s *Service) worker() {
	defer s.wg.Done()

	for {
		select {
		case event := <-s.logChan:
			s.addToBatch(event)

		case <-s.batchTicker.C:
			s.flushBatch()

		case <-s.shutdownCh:
			// Drain anything still queued, then flush.
			for {
				select {
				case event := <-s.logChan:
					s.addToBatch(event)
				default:
					s.flushBatch()
					return
				}
			}
		}
	}
}

func (s *Service) addToBatch(event *models.AuditEvent) {
	s.batchMutex.Lock()
	defer s.batchMutex.Unlock()

	s.batchBuffer = append(s.batchBuffer, event)
	if len(s.batchBuffer) >= batchFlushSize {
		s.flushBatchUnsafe()
	}
}

func (s *Service) flushBatch() {
	s.batchMutex.Lock()
	defer s.batchMutex.Unlock()
	s.flushBatchUnsafe()
}

// flushBatchUnsafe flushes the buffer; caller must hold batchMutex.
func (s *Service) flushBatchUnsafe() {
	if len(s.batchBuffer) == 0 {
		return
	}

	toWrite := make([]*models.AuditEvent, len(s.batchBuffer))
	copy(toWrite, s.batchBuffer)
	s.batchBuffer = s.batchBuffer[:0]

	if err := s.store.CreateAuditEventBatch(toWrite); err != nil {
		log.Printf("[Audit] Failed to write batch: %v", err)
	}
}

// Log records an event asynchronously. A full buffer drops the event
// rather than blocking a token operation.
func (s *Service) Log(ctx context.Context, entry Entry) {
	if !s.enabled {
		return
	}

	if entry.IP == "" {
		entry.IP = util.GetIPFromContext(ctx)
	}

	event := s.buildEvent(entry)

	select {
	case s.logChan <- event:
	default:
		log.Printf("[Audit] Buffer full, dropping event: %s", entry.EventType)
	}
}

// LogSync writes directly to the database. Used for replay detections
// and other events that must not be lost to a buffer drop.
func (s *Service) LogSync(ctx context.Context, entry Entry) error {
	if !s.enabled {
		return nil
	}

	if entry.IP == "" {
		entry.IP = util.GetIPFromContext(ctx)
	}

	return s.store.CreateAuditEvent(s.buildEvent(entry))
}

func (s *Service) buildEvent(entry Entry) *models.AuditEvent {
	return &models.AuditEvent{
		ID:           uuid.New().String(),
		EventType:    entry.EventType,
		EventTime:    time.Now(),
		Severity:     entry.Severity,
		ActorUserID:  entry.UserID,
		ActorIP:      entry.IP,
		ConnectionID: entry.ConnectionID,
		Action:       entry.Action,
		Details:      maskSensitiveDetails(entry.Details),
		Success:      entry.Success,
		ErrorMessage: entry.ErrorMessage,
		CreatedAt:    time.Now(),
	}
}

// CleanupOldEvents deletes events older than the retention period.
func (s *Service) CleanupOldEvents(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	return s.store.DeleteOldAuditEvents(cutoff)
}

// Shutdown flushes pending events and stops the worker.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.enabled {
		return nil
	}

	s.batchTicker.Stop()
	close(s.shutdownCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[Audit] Service shut down gracefully")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit service shutdown timeout: %w", ctx.Err())
	}
}

// maskSensitiveDetails redacts any detail that looks like a raw
// credential. Hash fields pass through untouched.
func maskSensitiveDetails(details models.AuditDetails) models.AuditDetails {
	if details == nil {
		return nil
	}

	masked := make(models.AuditDetails, len(details))
	for key, value := range details {
		if isSensitiveField(key) {
			masked[key] = "***REDACTED***"
			continue
		}
		masked[key] = value
	}
	return masked
}

func isSensitiveField(key string) bool {
	key = strings.ToLower(key)
	if strings.HasSuffix(key, "_hash") || strings.HasSuffix(key, "_prefix") {
		return false
	}
	for _, field := range []string{
		"token",
		"secret",
		"code",
		"password",
	} {
		if strings.Contains(key, field) {
			return true
		}
	}
	return false
}
