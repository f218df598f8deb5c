package entitlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTier(t *testing.T) {
	for in, want := range map[string]Tier{
		"free":     TierFree,
		" Pro ":    TierPro,
		"BUSINESS": TierBusiness,
	} {
		got, err := ParseTier(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseTier("enterprise")
	assert.Error(t, err)
	_, err = ParseTier("")
	assert.Error(t, err)
}

func TestPeriodNext(t *testing.T) {
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 1, 22, 12, 0, 0, 0, time.UTC), PeriodWeekly.Next(base))
	assert.Equal(t, time.Date(2026, 2, 15, 12, 0, 0, 0, time.UTC), PeriodMonthly.Next(base))
}

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()
	plans := c.List()
	require.Len(t, plans, 3)

	assert.Equal(t, TierFree, plans[0].Tier)
	assert.Equal(t, "Starter", plans[0].Name)
	assert.Equal(t, 3, plans[0].Allotment)
	assert.Equal(t, PeriodWeekly, plans[0].Period)
	assert.True(t, plans[0].Watermark)

	assert.Equal(t, TierPro, plans[1].Tier)
	assert.Equal(t, 20, plans[1].Allotment)
	assert.False(t, plans[1].Watermark)

	assert.Equal(t, TierBusiness, plans[2].Tier)
	assert.Equal(t, 50, plans[2].Allotment)

	assert.Equal(t, c[TierFree], c.Get(Tier("mystery")))
}

func TestUnlimitedPlan(t *testing.T) {
	p := NewCatalog(3, 20, Unlimited).Get(TierBusiness)
	assert.True(t, p.IsUnlimited())
	assert.Equal(t, 0, p.StartingQuota())
	assert.False(t, DefaultCatalog().Get(TierPro).IsUnlimited())
}
