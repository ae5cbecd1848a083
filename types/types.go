// Package types holds the data model shared by the collector, the
// exporters and the daemon: operation records, run configuration,
// derived summaries and the persisted daemon state.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/canonical/chopsticks/errs"
)

// OperationType identifies the storage operation a record describes.
type OperationType string

const (
	OpUpload   OperationType = "upload"
	OpDownload OperationType = "download"
	OpDelete   OperationType = "delete"
	OpList     OperationType = "list"
	OpMetadata OperationType = "metadata"
	OpRead     OperationType = "read"
	OpWrite    OperationType = "write"
)

// OperationTypes lists every operation type in rendering order.
var OperationTypes = []OperationType{
	OpUpload, OpDownload, OpDelete, OpList, OpMetadata, OpRead, OpWrite,
}

// Valid reports whether t is one of the known operation types.
func (t OperationType) Valid() bool {
	for _, known := range OperationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseOperationType converts a case-insensitive name into an OperationType.
func ParseOperationType(name string) (OperationType, error) {
	t := OperationType(strings.ToLower(strings.TrimSpace(name)))
	if !t.Valid() {
		return "", errs.Newf(errs.KindValidation, "types.parse", "unknown operation type %q", name)
	}
	return t, nil
}

// MetadataErrorCategory is the metadata key a caller can set to force the
// error category of a failed record instead of relying on classification.
const MetadataErrorCategory = "error_category"

// OperationRecord is the outcome of a single storage operation.
type OperationRecord struct {
	OperationType OperationType
	Success       bool
	Duration      time.Duration
	SizeBytes     int64
	Timestamp     time.Time
	ObjectKey     string
	ErrorMessage  string
	Metadata      map[string]string
}

// Validate checks the invariants a record must hold before ingestion.
func (r OperationRecord) Validate() error {
	if !r.OperationType.Valid() {
		return errs.Newf(errs.KindValidation, "record", "unknown operation type %q", r.OperationType)
	}
	if r.Duration < 0 {
		return errs.Newf(errs.KindValidation, "record", "negative duration %s", r.Duration)
	}
	if r.SizeBytes < 0 {
		return errs.Newf(errs.KindValidation, "record", "negative size %d", r.SizeBytes)
	}
	return nil
}

// Category returns the error category of a failed record, or the empty
// category for a successful one.
func (r OperationRecord) Category() ErrorCategory {
	if r.Success {
		return ""
	}
	if forced, ok := r.Metadata[MetadataErrorCategory]; ok {
		if c := ErrorCategory(forced); c.Valid() {
			return c
		}
	}
	return ClassifyError(r.ErrorMessage)
}

// TestConfiguration describes one load run. It is created before ingestion
// and read-only afterwards.
type TestConfiguration struct {
	RunID          string            `json:"run_id"`
	ScenarioName   string            `json:"scenario_name"`
	WorkloadType   string            `json:"workload_type"`
	DriverName     string            `json:"driver_name"`
	TargetEndpoint string            `json:"target_endpoint,omitempty"`
	Concurrency    int               `json:"concurrency"`
	StartTime      time.Time         `json:"start_time"`
	Parameters     map[string]string `json:"parameters,omitempty"`
}

// NewTestConfiguration fills in a run id and start time.
func NewTestConfiguration(scenario, workload, driver string, concurrency int) TestConfiguration {
	return TestConfiguration{
		RunID:        uuid.NewString(),
		ScenarioName: scenario,
		WorkloadType: workload,
		DriverName:   driver,
		Concurrency:  concurrency,
		StartTime:    time.Now().UTC(),
	}
}

// DurationBuckets are the upper bounds, in seconds, of the duration
// histogram exposed for every operation type.
var DurationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// DurationStats holds the duration distribution of a set of records, in seconds.
type DurationStats struct {
	Mean float64 `json:"mean"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	P50  float64 `json:"p50"`
	P90  float64 `json:"p90"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
}

// TypeSummary aggregates the records of one operation type.
type TypeSummary struct {
	Count       int64   `json:"count"`
	Success     int64   `json:"success"`
	Failure     int64   `json:"failure"`
	Bytes       int64   `json:"bytes"`
	DurationSum float64 `json:"duration_sum_seconds"`
	// Buckets holds cumulative counts aligned with DurationBuckets.
	Buckets []uint64 `json:"buckets"`
}

// Summary is the run-wide statistical summary. It is derived on demand and
// never mutated after construction.
type Summary struct {
	Config         TestConfiguration             `json:"config"`
	StartTime      time.Time                     `json:"start_time"`
	EndTime        time.Time                     `json:"end_time"`
	ElapsedSeconds float64                       `json:"elapsed_seconds"`
	Windows        int                           `json:"windows"`
	Total          int64                         `json:"total"`
	Success        int64                         `json:"success"`
	Failure        int64                         `json:"failure"`
	SuccessRate    float64                       `json:"success_rate"`
	TotalBytes     int64                         `json:"total_bytes"`
	Throughput     float64                       `json:"throughput_bytes_per_second"`
	OpsPerSecond   float64                       `json:"ops_per_second"`
	Duration       DurationStats                 `json:"duration_seconds"`
	Buckets        []uint64                      `json:"duration_buckets"`
	ByType         map[OperationType]TypeSummary `json:"by_type"`
	ByError        map[ErrorCategory]int64       `json:"by_error"`
	Rejected       int64                         `json:"rejected"`
	Unretained     int64                         `json:"unretained_records"`
	System         *SystemSample                 `json:"system,omitempty"`
}

// Empty reports whether nothing, valid or not, has been ingested yet.
func (s Summary) Empty() bool {
	return s.Total == 0 && s.Rejected == 0
}

// TotalMB returns the bytes transferred in megabytes.
func (s Summary) TotalMB() float64 {
	return float64(s.TotalBytes) / (1024 * 1024)
}

// ThroughputMBps returns the throughput in megabytes per second.
func (s Summary) ThroughputMBps() float64 {
	return s.Throughput / (1024 * 1024)
}

// SystemSample holds host-level resource usage at a point in time.
type SystemSample struct {
	CPUPercent       float64   `json:"cpu_percent"`
	MemoryPercent    float64   `json:"memory_percent"`
	NetBytesReceived int64     `json:"net_bytes_received"`
	NetBytesSent     int64     `json:"net_bytes_sent"`
	Timestamp        time.Time `json:"timestamp"`
}

// DaemonState is the document persisted next to the PID file of a running
// metrics daemon.
type DaemonState struct {
	PID       int       `json:"pid"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	StartTime time.Time `json:"start_time"`
}

// Address returns host:port suitable for display.
func (s DaemonState) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
