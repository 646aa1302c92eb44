// Package otelhook records blobcache Hooks events as OpenTelemetry metrics.
//
//	hooks, err := otelhook.New(otel.GetMeterProvider().Meter("blobcache"))
//	cache, _ := blobcache.New(blobcache.Options{Hooks: hooks})
//
// Keys are never used as attributes; cardinality stays bounded.
package otelhook

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/unkn0wn-root/blobcache"
)

// Instrument names.
const (
	MetricProbe          = "blobcache.probe.resolved"
	MetricDurableLookups = "blobcache.durable.lookups"
	MetricFetches        = "blobcache.fetch.total"
	MetricFetchDuration  = "blobcache.fetch.duration_ms"
	MetricFetchBytes     = "blobcache.fetch.bytes"
	MetricUploads        = "blobcache.uploads"
	MetricKeyConflicts   = "blobcache.key_conflicts"
	MetricSetRejected    = "blobcache.provider.set_rejected"
)

type Hooks struct {
	probe       metric.Int64Counter
	lookups     metric.Int64Counter
	fetches     metric.Int64Counter
	fetchMs     metric.Float64Histogram
	fetchBytes  metric.Int64Counter
	uploads     metric.Int64Counter
	conflicts   metric.Int64Counter
	setRejected metric.Int64Counter
}

var _ blobcache.Hooks = (*Hooks)(nil)

func New(meter metric.Meter) (*Hooks, error) {
	h := &Hooks{}
	var err error
	counters := []struct {
		dst        *metric.Int64Counter
		name, desc string
		unit       string
	}{
		{&h.probe, MetricProbe, "Availability probe results", "{probe}"},
		{&h.lookups, MetricDurableLookups, "Durable-store lookups by outcome", "{lookup}"},
		{&h.fetches, MetricFetches, "Network retrievals by status class", "{request}"},
		{&h.fetchBytes, MetricFetchBytes, "Bytes retrieved from the network", "By"},
		{&h.uploads, MetricUploads, "Background uploads by result", "{upload}"},
		{&h.conflicts, MetricKeyConflicts, "Explicit keys given with tags", "{call}"},
		{&h.setRejected, MetricSetRejected, "Blob writes rejected by the provider", "{write}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}

	h.fetchMs, err = meter.Float64Histogram(
		MetricFetchDuration,
		metric.WithDescription("Network retrieval duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Hooks) ProbeResolved(available bool, _ time.Duration) {
	h.probe.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("available", available)))
}

func (h *Hooks) DurableLookup(_ string, outcome string) {
	h.lookups.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (h *Hooks) NetworkFetch(_ string, status, size int, elapsed time.Duration) {
	ctx := context.Background()
	opt := metric.WithAttributes(attribute.String("status_class", statusClass(status)))
	h.fetches.Add(ctx, 1, opt)
	h.fetchMs.Record(ctx, float64(elapsed.Microseconds())/1000, opt)
	if size > 0 {
		h.fetchBytes.Add(ctx, int64(size))
	}
}

func (h *Hooks) UploadStored(string, string) {
	h.uploads.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", "stored")))
}

func (h *Hooks) UploadFailed(string, error) {
	h.uploads.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", "failed")))
}

func (h *Hooks) KeyConflict(string, []string) { h.conflicts.Add(context.Background(), 1) }

func (h *Hooks) ProviderSetRejected(string) { h.setRejected.Add(context.Background(), 1) }

// statusClass maps 404 to "4xx"; 0 (no response) to "error".
func statusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}
