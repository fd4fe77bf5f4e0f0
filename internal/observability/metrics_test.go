package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("droidctl", "GET", "/healthz", 200, 12*time.Millisecond)
	RecordModuleRun("ping", true, 3*time.Second)
	RecordCommand(false, true)
	RecordFanout("ping", "completed")
	RecordRetryOutcome("succeeded")
	RecordScheduleRun("failed")

	SetRetryQueueDepth(3)
	if got := testutil.ToFloat64(retryQueueDepth); got != 3 {
		t.Fatalf("unexpected retry depth gauge: %v", got)
	}
}

func TestTracerAvailableWithoutProvider(t *testing.T) {
	if Tracer() == nil {
		t.Fatalf("expected non-nil tracer")
	}
}

func TestOpsRequestsCountsRouteTemplates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(OpsRequests("mw-test", zerolog.Nop()))
	r.GET("/runs/:id", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/runs/a", "/runs/b", "/nope/1", "/nope/2"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if path == "/runs/b" {
			req.Header.Set(RequestIDHeader, "fixed-id")
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if path == "/runs/b" && rec.Header().Get(RequestIDHeader) != "fixed-id" {
			t.Fatalf("request id not echoed: %q", rec.Header().Get(RequestIDHeader))
		}
		if rec.Header().Get(RequestIDHeader) == "" {
			t.Fatalf("missing request id for %s", path)
		}
	}

	if got := testutil.ToFloat64(httpRequests.WithLabelValues("mw-test", "GET", "/runs/:id", "200")); got != 2 {
		t.Fatalf("unexpected templated count: %v", got)
	}
	if got := testutil.ToFloat64(httpRequests.WithLabelValues("mw-test", "GET", unmatchedRoute, "404")); got != 2 {
		t.Fatalf("unexpected unmatched count: %v", got)
	}
}
