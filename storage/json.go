package storage

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/canonical/chopsticks/types"
)

// jsonRecord is the export layout of one record. Durations are written in
// milliseconds and timestamps in RFC 3339 with nanoseconds.
type jsonRecord struct {
	Timestamp     time.Time         `json:"timestamp"`
	OperationType string            `json:"operation_type"`
	Success       bool              `json:"success"`
	DurationMs    float64           `json:"duration_ms"`
	SizeBytes     int64             `json:"size_bytes"`
	ObjectKey     string            `json:"object_key,omitempty"`
	ErrorCategory string            `json:"error_category,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type jsonExport struct {
	Records []jsonRecord  `json:"records"`
	Summary types.Summary `json:"summary"`
}

// WriteJSON writes {"records": [...], "summary": {...}} to path.
func WriteJSON(path string, records []types.OperationRecord, summary types.Summary) error {
	doc := jsonExport{
		Records: make([]jsonRecord, 0, len(records)),
		Summary: summary,
	}
	for _, rec := range records {
		doc.Records = append(doc.Records, jsonRecord{
			Timestamp:     rec.Timestamp,
			OperationType: string(rec.OperationType),
			Success:       rec.Success,
			DurationMs:    durationMillis(rec.Duration),
			SizeBytes:     rec.SizeBytes,
			ObjectKey:     rec.ObjectKey,
			ErrorCategory: string(rec.Category()),
			ErrorMessage:  rec.ErrorMessage,
			Metadata:      rec.Metadata,
		})
	}

	return WriteFileAtomic(path, 0644, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encoding json export: %w", err)
		}
		return nil
	})
}
