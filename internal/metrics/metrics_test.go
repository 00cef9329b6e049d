package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveChunk(t *testing.T) {
	before := testutil.ToFloat64(TicksLoaded.WithLabelValues("test_source"))
	ObserveChunk("test_source", 250)
	ObserveChunk("test_source", 50)

	if got := testutil.ToFloat64(TicksLoaded.WithLabelValues("test_source")) - before; got != 300 {
		t.Errorf("expected 300 ticks recorded, got %v", got)
	}
	if got := testutil.ToFloat64(ChunksLoaded.WithLabelValues("test_source")); got < 2 {
		t.Errorf("expected at least 2 chunks, got %v", got)
	}
}

func TestObserveStep_SetsVirtualTime(t *testing.T) {
	at := time.Date(2020, 9, 1, 12, 0, 0, 0, time.UTC)
	ObserveStep(at, time.Millisecond)

	if got := testutil.ToFloat64(VirtualTime); got != float64(at.Unix()) {
		t.Errorf("expected virtual time %d, got %v", at.Unix(), got)
	}
}

func TestMiddleware_RecordsStatus(t *testing.T) {
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/probe", "418"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/probe", nil))

	if got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/probe", "418")) - before; got != 1 {
		t.Errorf("expected one request recorded with status 418, got %v", got)
	}
}
