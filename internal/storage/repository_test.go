package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumericRoundTrip(t *testing.T) {
	assert.Equal(t, "0.1235", numeric(0.123456))
	assert.Equal(t, "1", numeric(1))

	v, err := parseNumeric("0.4567")
	require.NoError(t, err)
	assert.InDelta(t, 0.4567, v, 1e-12)

	_, err = parseNumerics("0.1", "abc")
	assert.Error(t, err)
}

func TestBuildListAlertsQuery(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	query, args := buildListAlertsQuery(AlertFilter{
		EntityID: "E1",
		Severity: SeverityHigh,
		States:   []AlertState{AlertActive},
		Since:    &since,
	})

	assert.Contains(t, query, "entity_id = $1")
	assert.Contains(t, query, "severity = $2")
	assert.Contains(t, query, "state = ANY($3)")
	assert.Contains(t, query, "created_at >= $4")
	assert.True(t, strings.Contains(query, "ORDER BY CASE severity"))
	require.Len(t, args, 4)
	assert.Equal(t, []string{"active"}, args[2])

	query, args = buildListAlertsQuery(AlertFilter{})
	assert.NotContains(t, query, "WHERE")
	assert.Empty(t, args)
}

func TestStoreWithoutPool(t *testing.T) {
	var store *Store
	_, err := store.GetEntity(context.Background(), "E1")
	assert.ErrorIs(t, err, ErrNotConfigured)
}
