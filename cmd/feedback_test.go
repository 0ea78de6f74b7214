package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backofhouse/opsloop/internal/feedback"
	"github.com/backofhouse/opsloop/internal/model"
)

func TestGenerateAcrossVenues(t *testing.T) {
	api, _ := newTestAPI(t)
	ctx := context.Background()

	for _, venue := range []string{"v-1", "v-2"} {
		_, err := api.store.WriteSignal(ctx, model.SignalInput{
			OrgID: "org-1", VenueID: venue, BusinessDate: "2026-08-20",
			Domain: model.DomainRevenue, SignalType: feedback.SignalCompUnapprovedReason,
			Source: model.SourceRule, Severity: model.SeverityWarning,
			EntityType: "check", EntityID: "chk-" + venue,
		})
		require.NoError(t, err)
	}

	created, err := generateAcrossVenues(ctx, api.generator, "org-1", "2026-08-20",
		[]string{"v-1", "v-2"}, []string{"revenue"}, 2)
	require.NoError(t, err)
	require.Len(t, created, 2)

	venues := map[string]bool{}
	for _, fo := range created {
		venues[fo.VenueID] = true
	}
	assert.True(t, venues["v-1"])
	assert.True(t, venues["v-2"])
}

func TestGenerateAcrossVenues_DefaultsToAllDomains(t *testing.T) {
	api, _ := newTestAPI(t)

	// No signals at all: every domain bucket is empty, nothing is created.
	created, err := generateAcrossVenues(context.Background(), api.generator, "org-1", "2026-08-20",
		[]string{"v-1"}, nil, 1)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestGenerateAcrossVenues_UnknownDomain(t *testing.T) {
	api, _ := newTestAPI(t)

	_, err := generateAcrossVenues(context.Background(), api.generator, "org-1", "2026-08-20",
		[]string{"v-1"}, []string{"finance"}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown domain "finance"`)
}
