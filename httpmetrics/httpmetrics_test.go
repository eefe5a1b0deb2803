package httpmetrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opencensus.io/stats/view"
)

func TestRecordsStatusAndRoute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /collections/{collectionId}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})

	h := New(mux)
	if err := h.RegisterMetrics(); err != nil {
		t.Fatalf("Error while registering views: %v", err)
	}
	defer view.Unregister(h.requestCountView, h.latencyView)

	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/collections/abc", nil))
	}

	rows, err := view.RetrieveData(h.requestCountView.Name)
	if err != nil {
		t.Fatalf("Error while retrieving view data: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("Bad row count; got %d, want 1", len(rows))
	}

	tags := map[string]string{}
	for _, tg := range rows[0].Tags {
		tags[tg.Key.Name()] = tg.Value
	}
	if tags["route"] != "GET /collections/{collectionId}" || tags["status"] != "404" {
		t.Errorf("Bad tags: %v", tags)
	}
	if count := rows[0].Data.(*view.CountData).Value; count != 3 {
		t.Errorf("Bad count; got %d, want 3", count)
	}
}

func TestFlushPassesThrough(t *testing.T) {
	h := New(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("part"))
		w.(http.Flusher).Flush()
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if !rec.Flushed {
		t.Errorf("Response was not flushed")
	}
}
