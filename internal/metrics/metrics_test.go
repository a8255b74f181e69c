package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordGrant(t *testing.T) {
	before := testutil.ToFloat64(RewardGrants.WithLabelValues("credit"))
	RecordGrant("credit")
	assert.Equal(t, before+1, testutil.ToFloat64(RewardGrants.WithLabelValues("credit")))
}

func TestRecordEvent_EmptyLabel(t *testing.T) {
	before := testutil.ToFloat64(DomainEvents.WithLabelValues("unknown"))
	RecordEvent("  ")
	assert.Equal(t, before+1, testutil.ToFloat64(DomainEvents.WithLabelValues("unknown")))
}

func TestRecordReconcile(t *testing.T) {
	expired := testutil.ToFloat64(ReconcilerExpired)
	failed := testutil.ToFloat64(ReconcilerFailures)

	RecordReconcile(3, 1)

	assert.Equal(t, expired+3, testutil.ToFloat64(ReconcilerExpired))
	assert.Equal(t, failed+1, testutil.ToFloat64(ReconcilerFailures))
}
