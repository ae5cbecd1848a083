package storage

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/canonical/chopsticks/types"
)

// CSVHeader is the first row of every CSV export.
var CSVHeader = []string{"timestamp", "operation_type", "success", "duration_ms", "size_bytes", "error_message"}

// WriteCSV writes one row per record to path.
func WriteCSV(path string, records []types.OperationRecord) error {
	return WriteFileAtomic(path, 0644, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(CSVHeader); err != nil {
			return fmt.Errorf("writing csv header: %w", err)
		}
		for _, rec := range records {
			row := []string{
				rec.Timestamp.UTC().Format(time.RFC3339Nano),
				string(rec.OperationType),
				strconv.FormatBool(rec.Success),
				strconv.FormatFloat(durationMillis(rec.Duration), 'f', 3, 64),
				strconv.FormatInt(rec.SizeBytes, 10),
				rec.ErrorMessage,
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("writing csv row: %w", err)
			}
		}
		cw.Flush()
		return cw.Error()
	})
}
