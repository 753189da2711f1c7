package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHandlerExposesCollectors(t *testing.T) {
	before := testutil.ToFloat64(LiveMessages.WithLabelValues("duplicate"))
	LiveMessages.WithLabelValues("duplicate").Inc()
	if got := testutil.ToFloat64(LiveMessages.WithLabelValues("duplicate")); got != before+1 {
		t.Fatalf("duplicate counter = %v, want %v", got, before+1)
	}
	RelayEvents.WithLabelValues("join").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, name := range []string{
		`messagehub_timeline_live_messages_total{outcome="duplicate"}`,
		`messagehub_relay_events_total{event="join"}`,
		"messagehub_channel_reconnects_total",
		"messagehub_relay_connections",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
