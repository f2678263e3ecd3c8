package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/pixbill/internal/db"
	"github.com/lalithlochan/pixbill/internal/errs"
	"github.com/lalithlochan/pixbill/internal/notify"
)

type memStore struct {
	mu      sync.Mutex
	byID    map[string]*db.MessageRecord
	lookups []string
	findErr error
}

func newMemStore(msgs ...*db.MessageRecord) *memStore {
	s := &memStore{byID: map[string]*db.MessageRecord{}}
	for _, m := range msgs {
		s.byID[*m.ProviderMessageID] = m
	}
	return s
}

func (s *memStore) FindMessageByProviderID(_ context.Context, id string) (*db.MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups = append(s.lookups, id)
	if s.findErr != nil {
		return nil, s.findErr
	}
	m, ok := s.byID[id]
	if !ok {
		return nil, errs.NewUnknownRecord("message", id)
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) AdvanceMessageStatus(_ context.Context, id uuid.UUID, status string, errorMsg *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.byID {
		if m.ID != id {
			continue
		}
		if !ShouldApply(m.Status, status) {
			return false, nil
		}
		m.Status = status
		if errorMsg != nil {
			m.ErrorMessage = errorMsg
		}
		return true, nil
	}
	return false, nil
}

type recordingAlerts struct {
	alerts []notify.Alert
}

func (r *recordingAlerts) Alert(_ context.Context, a notify.Alert) error {
	r.alerts = append(r.alerts, a)
	return nil
}

func message(providerID, status string) *db.MessageRecord {
	return &db.MessageRecord{
		ID:                uuid.New(),
		TenantID:          uuid.New(),
		Kind:              db.KindReminder,
		Phone:             "5511999990000",
		ProviderMessageID: &providerID,
		Status:            status,
	}
}

func TestNormalizeMessageID(t *testing.T) {
	cases := map[string]string{
		"3EB0ABC_1":   "3EB0ABC",
		"3EB0ABC_123": "3EB0ABC",
		"3EB0ABC":     "3EB0ABC",
		"ABC_DEF":     "ABC_DEF",
		"ABC_12_3":    "ABC",
		"  XYZ_9 ":    "XYZ",
		"":            "",
	}
	for in, want := range cases {
		got := NormalizeMessageID(in)
		assert.Equal(t, want, got, "NormalizeMessageID(%q)", in)
		assert.Equal(t, got, NormalizeMessageID(got), "must be idempotent for %q", in)
	}
}

func TestMapProviderStatus(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{"PENDING", db.MessageSent, true},
		{"SERVER_ACK", db.MessageSent, true},
		{"sent", db.MessageSent, true},
		{"DELIVERY_ACK", db.MessageDelivered, true},
		{"delivered", db.MessageDelivered, true},
		{"READ", db.MessageRead, true},
		{"READ_ACK", db.MessageRead, true},
		{"ERROR", db.MessageFailed, true},
		{"failed", db.MessageFailed, true},
		{"0", db.MessageFailed, true},
		{"1", db.MessageSent, true},
		{"2", db.MessageSent, true},
		{"3", db.MessageDelivered, true},
		{"4", db.MessageRead, true},
		{"DELETED", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := MapProviderStatus(tc.raw)
		assert.Equal(t, tc.ok, ok, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestShouldApply_Lattice(t *testing.T) {
	all := []string{db.MessageSent, db.MessageDelivered, db.MessageRead, db.MessageFailed}
	for _, stored := range all {
		for _, next := range all {
			got := ShouldApply(stored, next)
			var want bool
			switch {
			case stored == db.MessageFailed:
				want = false
			case next == db.MessageFailed:
				want = true
			default:
				want = level(next) > level(stored)
			}
			assert.Equal(t, want, got, "%s -> %s", stored, next)
		}
	}
	assert.False(t, ShouldApply(db.MessageRead, db.MessageDelivered))
	assert.True(t, ShouldApply(db.MessageRead, db.MessageFailed))
}

// Any order of updates ends at the highest level seen, or failed if a
// failure was reported.
func TestHandleUpdate_OrderIndependent(t *testing.T) {
	orders := [][]string{
		{"SERVER_ACK", "DELIVERY_ACK", "READ"},
		{"READ", "DELIVERY_ACK", "SERVER_ACK"},
		{"DELIVERY_ACK", "READ", "DELIVERY_ACK"},
	}
	for _, order := range orders {
		msg := message("WAMID1", db.MessageSent)
		store := newMemStore(msg)
		tr := New(store, &recordingAlerts{}, zap.NewNop())
		for _, s := range order {
			_, err := tr.HandleUpdate(context.Background(), Update{ProviderMessageID: "WAMID1", Status: s})
			require.NoError(t, err)
		}
		assert.Equal(t, db.MessageRead, store.byID["WAMID1"].Status, "order %v", order)
	}
}

func TestHandleUpdate_FailedIsAbsorbingAndAlertsOnce(t *testing.T) {
	msg := message("WAMID2", db.MessageDelivered)
	store := newMemStore(msg)
	alerts := &recordingAlerts{}
	tr := New(store, alerts, zap.NewNop())
	ctx := context.Background()

	out, err := tr.HandleUpdate(ctx, Update{ProviderMessageID: "WAMID2", Status: "ERROR", Error: "number not on chat app"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)

	out, err = tr.HandleUpdate(ctx, Update{ProviderMessageID: "WAMID2", Status: "READ"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, out)

	out, err = tr.HandleUpdate(ctx, Update{ProviderMessageID: "WAMID2", Status: "FAILED"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeStale, out)

	assert.Equal(t, db.MessageFailed, store.byID["WAMID2"].Status)
	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, notify.AlertMessageFailed, alerts.alerts[0].Kind)
	assert.Equal(t, msg.TenantID.String(), alerts.alerts[0].TenantID)
	require.NotNil(t, store.byID["WAMID2"].ErrorMessage)
}

func TestHandleUpdate_SuffixedIDMatchesStoredID(t *testing.T) {
	store := newMemStore(message("3EB0C767", db.MessageSent))
	tr := New(store, &recordingAlerts{}, zap.NewNop())

	out, err := tr.HandleUpdate(context.Background(), Update{ProviderMessageID: "3EB0C767_2", Status: "DELIVERY_ACK"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, db.MessageDelivered, store.byID["3EB0C767"].Status)
}

func TestHandleUpdate_FallsBackToRawID(t *testing.T) {
	// Stored before normalization existed.
	store := newMemStore(message("LEGACY_7", db.MessageSent))
	tr := New(store, &recordingAlerts{}, zap.NewNop())

	out, err := tr.HandleUpdate(context.Background(), Update{ProviderMessageID: "LEGACY_7", Status: "READ"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, out)
	assert.Equal(t, []string{"LEGACY", "LEGACY_7"}, store.lookups)
	assert.Equal(t, db.MessageRead, store.byID["LEGACY_7"].Status)
}

func TestHandleUpdate_UnknownMessageAndStatus(t *testing.T) {
	store := newMemStore()
	tr := New(store, &recordingAlerts{}, zap.NewNop())

	out, err := tr.HandleUpdate(context.Background(), Update{ProviderMessageID: "NOPE", Status: "READ"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownRecord, out)

	out, err = tr.HandleUpdate(context.Background(), Update{ProviderMessageID: "NOPE", Status: "DELETED"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownStatus, out)
	assert.Len(t, store.lookups, 1, "unmapped statuses should not hit the store")
}

func TestHandleUpdate_StoreError(t *testing.T) {
	store := newMemStore()
	store.findErr = errors.New("connection reset")
	tr := New(store, &recordingAlerts{}, zap.NewNop())

	_, err := tr.HandleUpdate(context.Background(), Update{ProviderMessageID: "X", Status: "READ"})
	require.Error(t, err)
}
