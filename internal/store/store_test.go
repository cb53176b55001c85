package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ramzidaher/Penny-sub000/internal/models"
	"github.com/ramzidaher/Penny-sub000/internal/util"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMarkCodeUsed_FirstClaimWins(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	hash := util.SHA256Hex("ABCDEFGHIJKLMNOPQRSTUVWX")

	claimed, err := s.MarkCodeUsed(hash, "user-1", now, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	// The same code again, even from a different user, is a replay.
	claimed, err = s.MarkCodeUsed(hash, "user-2", now, 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestIsCodeUsed(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	hash := util.SHA256Hex("some-exchanged-code-value")

	used, err := s.IsCodeUsed(hash, now)
	require.NoError(t, err)
	assert.False(t, used)

	_, err = s.MarkCodeUsed(hash, "user-1", now, 10*time.Minute)
	require.NoError(t, err)

	used, err = s.IsCodeUsed(hash, now)
	require.NoError(t, err)
	assert.True(t, used)

	// Past the marker TTL the code reads as unused again; the provider
	// has long since invalidated it anyway.
	used, err = s.IsCodeUsed(hash, now.Add(11*time.Minute))
	require.NoError(t, err)
	assert.False(t, used)
}

func TestDeleteExpiredCodes(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	_, err := s.MarkCodeUsed(util.SHA256Hex("old-code-value-1"), "user-1", now.Add(-20*time.Minute), 10*time.Minute)
	require.NoError(t, err)
	_, err = s.MarkCodeUsed(util.SHA256Hex("live-code-value-1"), "user-1", now, 10*time.Minute)
	require.NoError(t, err)

	deleted, err := s.DeleteExpiredCodes(now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	used, err := s.IsCodeUsed(util.SHA256Hex("live-code-value-1"), now)
	require.NoError(t, err)
	assert.True(t, used)
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	events := []*models.AuditEvent{
		{
			ID:          uuid.New().String(),
			EventType:   models.EventExchangeSucceeded,
			EventTime:   now,
			Severity:    models.SeverityInfo,
			ActorUserID: "user-1",
			Success:     true,
		},
		{
			ID:          uuid.New().String(),
			EventType:   models.EventExchangeReplay,
			EventTime:   now.Add(time.Second),
			Severity:    models.SeverityCritical,
			ActorUserID: "user-2",
			Details:     models.AuditDetails{"code_hash": util.SHA256Hex("x")},
		},
	}
	require.NoError(t, s.CreateAuditEventBatch(events))

	got, err := s.GetAuditEvents(AuditFilters{}, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.EventExchangeReplay, got[0].EventType, "newest first")

	got, err = s.GetAuditEvents(AuditFilters{UserID: "user-1"}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.EventExchangeSucceeded, got[0].EventType)

	got, err = s.GetAuditEvents(AuditFilters{EventType: models.EventExchangeReplay}, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].Details["code_hash"])
}

func TestDeleteOldAuditEvents(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	require.NoError(t, s.CreateAuditEvent(&models.AuditEvent{
		ID:        uuid.New().String(),
		EventType: models.EventRefreshSucceeded,
		EventTime: now.Add(-100 * 24 * time.Hour),
	}))
	require.NoError(t, s.CreateAuditEvent(&models.AuditEvent{
		ID:        uuid.New().String(),
		EventType: models.EventRefreshSucceeded,
		EventTime: now,
	}))

	deleted, err := s.DeleteOldAuditEvents(now.Add(-90 * 24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	got, err := s.GetAuditEvents(AuditFilters{}, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
