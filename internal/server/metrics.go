// SPDX-License-Identifier: MPL-2.0

package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aicalamba/aicalamba/internal/llm"
)

const metricsNamespace = "aicalamba"

// Metrics are the service's Prometheus collectors, registered on their own
// registry so tests and multiple servers do not collide.
type Metrics struct {
	registry *prometheus.Registry

	requests    *prometheus.CounterVec
	extraction  *prometheus.HistogramVec
	tokens      *prometheus.CounterVec
	screenshots *prometheus.CounterVec
}

// NewMetrics creates the collectors on a fresh registry, including the Go
// runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		extraction: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "extraction_duration_seconds",
			Help:      "Time spent turning one input into iCalendar text.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"input", "result"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens spent on chat completions.",
		}, []string{"type"}),
		screenshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "screenshots_total",
			Help:      "Screenshot fetches by result.",
		}, []string{"result"}),
	}
}

// Registry exposes the registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// InstrumentClient counts the tokens every completion through c spends.
func (m *Metrics) InstrumentClient(c llm.Client) llm.Client {
	return &countingClient{next: c, tokens: m.tokens}
}

func (m *Metrics) observeExtraction(input string, started time.Time, err error) {
	m.extraction.WithLabelValues(input, result(err)).Observe(time.Since(started).Seconds())
}

func (m *Metrics) observeScreenshot(err error) {
	m.screenshots.WithLabelValues(result(err)).Inc()
}

// countRequests labels each request with its chi route pattern, so path
// parameters never explode the label set.
func (m *Metrics) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

type countingClient struct {
	next   llm.Client
	tokens *prometheus.CounterVec
}

func (c *countingClient) Complete(ctx context.Context, req llm.Request) (string, llm.Usage, error) {
	content, usage, err := c.next.Complete(ctx, req)
	c.tokens.WithLabelValues("prompt").Add(float64(usage.PromptTokens))
	c.tokens.WithLabelValues("completion").Add(float64(usage.CompletionTokens))
	return content, usage, err
}
