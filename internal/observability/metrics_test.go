package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status: want=200 got=%d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestMetricsExposition(t *testing.T) {
	m := NewMetrics()
	m.ObserveAPI("POST", "/api/screenings", "202", 20*time.Millisecond)
	m.ObserveRun("hybrid", "communication", "low")
	m.ObserveStage("inference", "offline", 2*time.Second)
	m.ObserveInference("offline", "timeout")
	m.ObserveInference("online", "")
	m.IncOpenRetry()
	m.IncPersistFailure()
	m.SubscriberInc()

	out := scrape(t, m)
	for _, want := range []string{
		`screening_api_requests_total{method="POST",route="/api/screenings",status="202"} 1`,
		`screening_runs_total{domain="communication",mode="hybrid",priority="low"} 1`,
		`screening_stage_duration_seconds_count{stage="inference",status="offline"} 1`,
		`screening_inference_total{error_kind="timeout",source="offline"} 1`,
		`screening_inference_total{error_kind="none",source="online"} 1`,
		`screening_inference_open_retries_total 1`,
		`screening_result_persist_failures_total 1`,
		`screening_pipeline_subscribers 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in exposition:\n%s", want, out)
		}
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ObserveAPI("GET", "", "", time.Millisecond)
	m.ObserveStage("", "", 0)
	m.ObserveInference("", "")
	m.SubscriberInc()
	m.SubscriberDec()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("nil handler: want=503 got=%d", rec.Code)
	}
}

func TestInitHonorsEnabledFlag(t *testing.T) {
	t.Setenv("METRICS_ENABLED", "false")
	if Init(nil) != nil {
		t.Fatalf("metrics must stay off when disabled")
	}
}

func TestParseHeaders(t *testing.T) {
	got := parseHeaders(" authorization=Bearer x, bad ,=nokey,k= ")
	if len(got) != 1 || got["authorization"] != "Bearer x" {
		t.Fatalf("headers: got=%v", got)
	}
	if parseHeaders("") != nil {
		t.Fatalf("empty headers should be nil")
	}
}

func TestSampleRatio(t *testing.T) {
	t.Setenv("OTEL_SAMPLER_RATIO", "2.5")
	if got := sampleRatio(); got != 1 {
		t.Fatalf("ratio clamp: want=1 got=%v", got)
	}
	t.Setenv("OTEL_SAMPLER_RATIO", "0.25")
	if got := sampleRatio(); got != 0.25 {
		t.Fatalf("ratio: want=0.25 got=%v", got)
	}
}
