package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cajacentral/facturador/internal/domain"
	"github.com/cajacentral/facturador/internal/memory"
)

type failingPublisher struct {
	calls int
}

func (p *failingPublisher) Publish(context.Context, domain.StatusEvent) error {
	p.calls++
	return errors.New("broker unavailable")
}

type capturingPublisher struct {
	events []domain.StatusEvent
}

func (p *capturingPublisher) Publish(_ context.Context, e domain.StatusEvent) error {
	p.events = append(p.events, e)
	return nil
}

func TestTracker_TransitionAppendsAndPublishes(t *testing.T) {
	store := memory.NewStore()
	pub := &capturingPublisher{}
	tracker := NewTracker(store.Audit, pub, zerolog.Nop())
	tracker.now = func() time.Time {
		return time.Date(2026, time.March, 9, 10, 0, 0, 0, time.UTC)
	}

	doc := &domain.TaxDocument{
		Clave:       "clave-1",
		Consecutive: "00100001010000000001",
		Branch:      "001",
		Type:        domain.TypeInvoice,
	}
	tracker.Transition(context.Background(), doc, domain.StateSubmitted, domain.StateAccepted, "worker-1", "<aceptado/>", "accepted by authority")

	trail, err := store.Audit.ListForDocument(context.Background(), "clave-1")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, domain.StateSubmitted, trail[0].FromState)
	assert.Equal(t, domain.StateAccepted, trail[0].ToState)
	assert.Equal(t, "worker-1", trail[0].Actor)
	assert.Equal(t, "<aceptado/>", trail[0].AuthorityResponse)

	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.StateAccepted, pub.events[0].State)
	assert.Equal(t, "001", pub.events[0].Branch)
}

func TestTracker_PublishFailureNeverPropagates(t *testing.T) {
	store := memory.NewStore()
	pub := &failingPublisher{}
	tracker := NewTracker(store.Audit, pub, zerolog.Nop())

	doc := &domain.TaxDocument{Clave: "clave-1", Branch: "001", Type: domain.TypeInvoice}

	// must not panic or error; the audit row still lands
	tracker.Transition(context.Background(), doc, domain.StateQueued, domain.StateSubmitted, "worker-1", "", "")
	assert.Equal(t, 1, pub.calls)

	trail, err := store.Audit.ListForDocument(context.Background(), "clave-1")
	require.NoError(t, err)
	assert.Len(t, trail, 1)
}

func TestTracker_GapEntry(t *testing.T) {
	store := memory.NewStore()
	tracker := NewTracker(store.Audit, &capturingPublisher{}, zerolog.Nop())

	tracker.Gap(context.Background(), "", "001", domain.TypeInvoice, 7, "issuer", "sequence 7 burned: storage failure")

	gaps, err := store.Audit.ListGaps(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, domain.AuditGap, gaps[0].Kind)
	assert.Contains(t, gaps[0].Detail, "sequence 7")
}
