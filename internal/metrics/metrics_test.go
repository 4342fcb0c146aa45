package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordFeedEvent(t *testing.T) {
	applied := testutil.ToFloat64(FeedEvents.WithLabelValues("update", "applied"))
	dropped := testutil.ToFloat64(FeedEvents.WithLabelValues("update", "dropped"))

	RecordFeedEvent("update", true)
	RecordFeedEvent("update", false)
	RecordFeedEvent("update", false)

	assert.Equal(t, applied+1, testutil.ToFloat64(FeedEvents.WithLabelValues("update", "applied")))
	assert.Equal(t, dropped+2, testutil.ToFloat64(FeedEvents.WithLabelValues("update", "dropped")))
}

func TestRecordStatusTransition(t *testing.T) {
	before := testutil.ToFloat64(StatusTransitions.WithLabelValues("done", "applied"))
	RecordStatusTransition("done", "applied")
	assert.Equal(t, before+1, testutil.ToFloat64(StatusTransitions.WithLabelValues("done", "applied")))
}
