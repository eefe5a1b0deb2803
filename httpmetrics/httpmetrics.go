// Package httpmetrics records OpenCensus metrics for every request served.
package httpmetrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/golang/glog"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var (
	keyRoute  = tag.MustNewKey("route")
	keyStatus = tag.MustNewKey("status")
)

type Wrapper struct {
	requestCount     *stats.Int64Measure
	requestLatency   *stats.Float64Measure
	requestCountView *view.View
	latencyView      *view.View

	inner http.Handler
}

func New(inner http.Handler) *Wrapper {
	r := &Wrapper{}

	r.requestCount = stats.Int64("flashdeck/requests", "", stats.UnitDimensionless)
	r.requestCountView = &view.View{
		Name:        "flashdeck/requests",
		Description: "Counter of requests that have been handled",

		TagKeys: []tag.Key{keyRoute, keyStatus},

		Measure:     r.requestCount,
		Aggregation: view.Count(),
	}

	r.requestLatency = stats.Float64("flashdeck/request_latency", "", stats.UnitMilliseconds)
	r.latencyView = &view.View{
		Name:        "flashdeck/request_latency",
		Description: "Distribution of request handling time",

		TagKeys: []tag.Key{keyRoute},

		Measure:     r.requestLatency,
		Aggregation: view.Distribution(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000),
	}

	r.inner = inner

	return r
}

func (h *Wrapper) RegisterMetrics() error {
	return view.Register(h.requestCountView, h.latencyView)
}

// statusRecorder remembers the status code a handler sent.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(p)
}

// Flush lets streamed responses through the wrapper.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *Wrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}

	defer func() {
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		elapsed := time.Since(start)

		// Route patterns keep the tag's cardinality bounded; raw paths carry
		// collection IDs.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}

		glog.V(1).Infof("Served method=%s path=%q route=%q status=%d elapsed=%v", r.Method, r.URL.Path, route, rec.status, elapsed)

		stats.RecordWithOptions(
			r.Context(),
			stats.WithTags(
				tag.Insert(keyRoute, route),
				tag.Insert(keyStatus, strconv.Itoa(rec.status)),
			),
			stats.WithMeasurements(h.requestCount.M(1), h.requestLatency.M(float64(elapsed)/float64(time.Millisecond))))
	}()

	h.inner.ServeHTTP(rec, r)
}
