package workload

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/canonical/chopsticks/errs"
	"github.com/canonical/chopsticks/instances"
	"github.com/canonical/chopsticks/types"
)

// CheckStep is the outcome of one probe operation.
type CheckStep struct {
	Operation types.OperationType
	Duration  time.Duration
	Err       error
}

// Check verifies that the driver can serve a full object lifecycle: it
// uploads a probe object of size bytes, reads it back whole and by range,
// lists and deletes it. Every step is recorded in h.Collector. The first
// failing step ends the probe, but the probe object is always deleted.
func Check(ctx context.Context, h *Handle, d instances.Driver, prefix string, size int64) (steps []CheckStep, err error) {
	if size <= 0 {
		size = 1024 * 1024
	}
	data := make([]byte, size)
	if _, err = rand.Read(data); err != nil {
		return nil, fmt.Errorf("generating probe data: %w", err)
	}
	key := path.Join(prefix, "check-"+uuid.NewString())

	run := func(op types.OperationType, fn func() (int64, error)) error {
		start := time.Now()
		n, err := fn()
		step := CheckStep{Operation: op, Duration: time.Since(start), Err: err}
		steps = append(steps, step)

		rec := types.OperationRecord{
			OperationType: op,
			Success:       err == nil,
			Duration:      step.Duration,
			Timestamp:     start,
			ObjectKey:     key,
		}
		if err == nil {
			rec.SizeBytes = n
		} else {
			setFailure(&rec, err)
		}
		if rerr := h.Collector.RecordOperation(rec); rerr != nil {
			h.logger.Debug("record rejected", "operation", op, "error", rerr)
		}
		if err != nil {
			return errs.Wrap(errs.KindDriver, "workload.check", string(op)+" "+key, err)
		}
		return nil
	}

	err = run(types.OpUpload, func() (int64, error) {
		return size, d.Upload(ctx, key, data)
	})
	if err != nil {
		return steps, err
	}
	defer func() {
		if derr := run(types.OpDelete, func() (int64, error) { return 0, d.Delete(ctx, key) }); derr != nil && err == nil {
			err = derr
		}
	}()

	if err = run(types.OpMetadata, func() (int64, error) {
		n, err := d.Head(ctx, key)
		if err == nil && n != size {
			err = fmt.Errorf("head reported %d bytes, uploaded %d: invalid size", n, size)
		}
		return 0, err
	}); err != nil {
		return steps, err
	}

	if err = run(types.OpDownload, func() (int64, error) {
		got, err := d.Download(ctx, key)
		if err == nil && !bytes.Equal(got, data) {
			err = fmt.Errorf("downloaded %d bytes do not match the %d uploaded: invalid content", len(got), size)
		}
		return int64(len(got)), err
	}); err != nil {
		return steps, err
	}

	start, length := size/4, size/2
	if length == 0 {
		start, length = 0, size
	}
	if err = run(types.OpRead, func() (int64, error) {
		got, err := d.DownloadRange(ctx, key, start, length)
		if err == nil && !bytes.Equal(got, data[start:start+length]) {
			err = fmt.Errorf("range %d+%d returned %d mismatching bytes: invalid content", start, length, len(got))
		}
		return int64(len(got)), err
	}); err != nil {
		return steps, err
	}

	err = run(types.OpList, func() (int64, error) {
		keys, err := d.List(ctx, prefix, 1000)
		if err != nil {
			return 0, err
		}
		for _, k := range keys {
			if k == key {
				return 0, nil
			}
		}
		return 0, fmt.Errorf("probe object %s not found in listing", key)
	})
	return steps, err
}
