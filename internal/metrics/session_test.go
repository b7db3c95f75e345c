// README: Metric helper tests (label fallback, gateway call results).
package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIncHelpersDefaultEmptyLabels(t *testing.T) {
	before := testutil.ToFloat64(FeedFaultsTotal.WithLabelValues("unknown", "fatal"))
	IncFeedFault("", "fatal")
	after := testutil.ToFloat64(FeedFaultsTotal.WithLabelValues("unknown", "fatal"))
	if after != before+1 {
		t.Fatalf("expected counter to advance by 1, got %v -> %v", before, after)
	}
}

func TestObserveGatewayCallLabelsResult(t *testing.T) {
	ObserveGatewayCall("cancel", time.Now(), errors.New("boom"))
	ObserveGatewayCall("cancel", time.Now(), nil)
	if n := testutil.CollectAndCount(GatewayCallDuration); n < 2 {
		t.Fatalf("expected ok and error series, got %d", n)
	}
}
