package storage

import (
	"bytes"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/canonical/chopsticks/types"
)

// NoDataText is served instead of an empty body before anything has been
// ingested.
const NoDataText = "# No metrics data available\n"

// ContentType is the exposition content type served on /metrics.
const ContentType = "text/plain; version=0.0.4"

const namespace = "chopsticks"

var (
	operationsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "operations_total"),
		"Total number of storage operations",
		[]string{"operation", "status"}, nil,
	)
	durationDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "operation_duration_seconds"),
		"Storage operation duration in seconds",
		[]string{"operation"}, nil,
	)
	latencyDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "operation_duration_quantiles_seconds"),
		"Storage operation latency quantiles across all operation types",
		nil, nil,
	)
	bytesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "bytes_transferred_total"),
		"Total bytes transferred",
		[]string{"operation"}, nil,
	)
	errorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "errors_total"),
		"Total number of failed operations by error category",
		[]string{"category"}, nil,
	)
	successRateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "success_rate_percent"),
		"Percentage of successful operations",
		nil, nil,
	)
	throughputDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "throughput_bytes_per_second"),
		"Average throughput over the run",
		nil, nil,
	)
	rejectedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "records_rejected_total"),
		"Operation records dropped by validation",
		nil, nil,
	)
	windowsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "windows_closed"),
		"Number of closed aggregation windows",
		nil, nil,
	)
	elapsedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "run_elapsed_seconds"),
		"Seconds covered by the run summary",
		nil, nil,
	)
	runInfoDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "run_info"),
		"Run identity",
		[]string{"run_id", "scenario", "workload", "driver"}, nil,
	)
	concurrencyDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "run_concurrency"),
		"Configured number of concurrent workers",
		nil, nil,
	)
	cpuDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "host", "cpu_percent"),
		"Host CPU utilization percentage",
		nil, nil,
	)
	memoryDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "host", "memory_percent"),
		"Host memory utilization percentage",
		nil, nil,
	)
	networkDesc = prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "host", "network_bytes"),
		"Host network interface byte counters",
		[]string{"direction"}, nil,
	)
)

// summaryCollector adapts a fixed Summary to the prometheus.Collector
// interface so a registry can gather and sort it.
type summaryCollector struct {
	summary types.Summary
}

func (sc summaryCollector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(sc, ch)
}

func (sc summaryCollector) Collect(ch chan<- prometheus.Metric) {
	s := sc.summary

	cfg := s.Config
	ch <- prometheus.MustNewConstMetric(runInfoDesc, prometheus.GaugeValue, 1,
		cfg.RunID, cfg.ScenarioName, cfg.WorkloadType, cfg.DriverName)
	ch <- prometheus.MustNewConstMetric(concurrencyDesc, prometheus.GaugeValue, float64(cfg.Concurrency))

	for _, op := range types.OperationTypes {
		t, ok := s.ByType[op]
		if !ok {
			continue
		}
		name := string(op)
		ch <- prometheus.MustNewConstMetric(operationsDesc, prometheus.CounterValue, float64(t.Success), name, "success")
		ch <- prometheus.MustNewConstMetric(operationsDesc, prometheus.CounterValue, float64(t.Failure), name, "failure")
		ch <- prometheus.MustNewConstMetric(bytesDesc, prometheus.CounterValue, float64(t.Bytes), name)
		ch <- prometheus.MustNewConstHistogram(durationDesc, uint64(t.Count), t.DurationSum, bucketMap(t.Buckets), name)
	}

	if s.Total > 0 {
		ch <- prometheus.MustNewConstSummary(latencyDesc, uint64(s.Total), s.Duration.Mean*float64(s.Total),
			map[float64]float64{0.5: s.Duration.P50, 0.9: s.Duration.P90, 0.99: s.Duration.P99})
	}

	for _, c := range types.ErrorCategories {
		if n, ok := s.ByError[c]; ok {
			ch <- prometheus.MustNewConstMetric(errorsDesc, prometheus.CounterValue, float64(n), string(c))
		}
	}

	ch <- prometheus.MustNewConstMetric(successRateDesc, prometheus.GaugeValue, s.SuccessRate)
	ch <- prometheus.MustNewConstMetric(throughputDesc, prometheus.GaugeValue, s.Throughput)
	ch <- prometheus.MustNewConstMetric(rejectedDesc, prometheus.CounterValue, float64(s.Rejected))
	ch <- prometheus.MustNewConstMetric(windowsDesc, prometheus.GaugeValue, float64(s.Windows))
	ch <- prometheus.MustNewConstMetric(elapsedDesc, prometheus.GaugeValue, s.ElapsedSeconds)

	if sys := s.System; sys != nil {
		ch <- prometheus.MustNewConstMetric(cpuDesc, prometheus.GaugeValue, sys.CPUPercent)
		ch <- prometheus.MustNewConstMetric(memoryDesc, prometheus.GaugeValue, sys.MemoryPercent)
		ch <- prometheus.MustNewConstMetric(networkDesc, prometheus.GaugeValue, float64(sys.NetBytesReceived), "received")
		ch <- prometheus.MustNewConstMetric(networkDesc, prometheus.GaugeValue, float64(sys.NetBytesSent), "sent")
	}
}

func bucketMap(cumulative []uint64) map[float64]uint64 {
	m := make(map[float64]uint64, len(types.DurationBuckets))
	for i, upper := range types.DurationBuckets {
		if i < len(cumulative) {
			m[upper] = cumulative[i]
		}
	}
	return m
}

// Render turns a summary into exposition text. Families are sorted by
// name and samples by label values, so an unchanged summary always
// renders to the same bytes.
func Render(s types.Summary) (string, error) {
	if s.Empty() {
		return NoDataText, nil
	}

	registry := prometheus.NewRegistry()
	if err := registry.Register(summaryCollector{summary: s}); err != nil {
		return "", fmt.Errorf("failed to register summary collector: %w", err)
	}
	families, err := registry.Gather()
	if err != nil {
		return "", fmt.Errorf("failed to gather metrics: %w", err)
	}

	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return "", fmt.Errorf("failed to encode %s: %w", mf.GetName(), err)
		}
	}
	return buf.String(), nil
}

// SummarySource supplies the summary rendered on every scrape.
type SummarySource interface {
	GetSummary() types.Summary
}

// PrometheusExporter renders the live summary of a source on demand.
type PrometheusExporter struct {
	source SummarySource
	logger *slog.Logger
}

// NewPrometheusExporter creates an exporter over source. A nil source
// always renders the no-data placeholder.
func NewPrometheusExporter(source SummarySource, logger *slog.Logger) *PrometheusExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &PrometheusExporter{source: source, logger: logger}
}

// Export renders the current summary. Rendering failures become a comment
// line so a scrape never fails outright.
//
// Render is pure, but until the source is finalized its summary measures
// elapsed time up to now. Two scrapes of an idle run therefore differ in
// chopsticks_run_elapsed_seconds and the rate gauges, which decay toward
// zero while nothing arrives. After finalization scrapes are identical.
func (pe *PrometheusExporter) Export() string {
	if pe.source == nil {
		return NoDataText
	}
	text, err := Render(pe.source.GetSummary())
	if err != nil {
		pe.logger.Error("rendering metrics", "error", err)
		return "# Error rendering metrics: " + strconv.Quote(err.Error()) + "\n"
	}
	return text
}

// SortedCategories returns the error categories of s in a stable order,
// most frequent first.
func SortedCategories(s types.Summary) []types.ErrorCategory {
	cats := make([]types.ErrorCategory, 0, len(s.ByError))
	for c := range s.ByError {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool {
		if s.ByError[cats[i]] != s.ByError[cats[j]] {
			return s.ByError[cats[i]] > s.ByError[cats[j]]
		}
		return cats[i] < cats[j]
	})
	return cats
}
