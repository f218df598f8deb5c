package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(GenerationsTotal.WithLabelValues("success"))
	GenerationsTotal.WithLabelValues("success").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(GenerationsTotal.WithLabelValues("success")))

	before = testutil.ToFloat64(WebhookEventsTotal.WithLabelValues("invoice.paid", "applied"))
	WebhookEventsTotal.WithLabelValues("invoice.paid", "applied").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(WebhookEventsTotal.WithLabelValues("invoice.paid", "applied")))
}

func TestObserveSince(t *testing.T) {
	before := testutil.CollectAndCount(RenderDuration)
	ObserveSince(RenderDuration, time.Now().Add(-time.Second))
	// A histogram is a single metric regardless of how many observations it holds.
	assert.Equal(t, before, testutil.CollectAndCount(RenderDuration))
}
