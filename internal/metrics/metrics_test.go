package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestWriteResult(t *testing.T) {
	if WriteResult(nil) != "ok" || WriteResult(errors.New("x")) != "error" {
		t.Error("unexpected labels")
	}
}

func TestMiddlewareCountsRequests(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/things", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := Middleware(mux)

	before := testutil.ToFloat64(requests.WithLabelValues("GET /api/things", "GET", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/things", nil))
	after := testutil.ToFloat64(requests.WithLabelValues("GET /api/things", "GET", "418"))

	if after-before != 1 {
		t.Errorf("counter delta = %v, want 1", after-before)
	}
}

func TestHandlerExposesCounters(t *testing.T) {
	SetSkipped.Inc()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), "zigbee_homekit_set_skipped_total") {
		t.Error("set_skipped counter not exposed")
	}
}
