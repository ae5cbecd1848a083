package workload

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canonical/chopsticks/config"
	"github.com/canonical/chopsticks/errs"
	"github.com/canonical/chopsticks/instances"
	"github.com/canonical/chopsticks/types"
)

// Sampler produces host resource samples.
type Sampler interface {
	Sample() (types.SystemSample, error)
}

// Runner executes the object lifecycle cycle with a fixed number of
// concurrent users for a fixed duration. Each user repeats
// upload, download, head, list, delete on a fresh key.
type Runner struct {
	Users    int
	Duration time.Duration

	// Object sizes are drawn uniformly from [MinSize, MaxSize] bytes.
	MinSize int64
	MaxSize int64

	// KeyPrefix namespaces the keys of this run in the bucket.
	KeyPrefix string

	Monitor        Sampler
	SampleInterval time.Duration

	Logger *slog.Logger
	// Seed makes object sizes and payloads reproducible. Zero seeds from
	// the clock.
	Seed int64
}

// RunnerFromConfig builds a runner from the run section.
func RunnerFromConfig(rc config.RunConfig) *Runner {
	return &Runner{
		Users:          rc.Users,
		Duration:       rc.Duration,
		MinSize:        int64(rc.ObjectSizeMinKB) * 1024,
		MaxSize:        int64(rc.ObjectSizeMaxKB) * 1024,
		KeyPrefix:      rc.KeyPrefix,
		SampleInterval: rc.SampleInterval,
	}
}

// Run drives the driver until Duration elapses or ctx is cancelled.
// Every operation is recorded in h.Collector.
func (r *Runner) Run(ctx context.Context, h *Handle, d instances.Driver) error {
	if r.Users <= 0 {
		return errs.Newf(errs.KindConfig, "workload.run", "users must be positive, got %d", r.Users)
	}
	if r.Duration <= 0 {
		return errs.Newf(errs.KindConfig, "workload.run", "duration must be positive, got %s", r.Duration)
	}
	if r.MinSize < 0 || r.MaxSize < r.MinSize {
		return errs.Newf(errs.KindConfig, "workload.run", "invalid object size range %d-%d", r.MinSize, r.MaxSize)
	}
	logger := r.Logger
	if logger == nil {
		logger = h.logger
	}
	seed := r.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	ctx, cancel := context.WithTimeout(ctx, r.Duration)
	defer cancel()

	if r.Monitor != nil {
		go r.sample(ctx, h, logger)
	}

	prefix := path.Join(r.KeyPrefix, h.Collector.Config().RunID)
	logger.Info("workload starting",
		"users", r.Users,
		"duration", r.Duration,
		"driver", d.Name(),
		"endpoint", d.Endpoint(),
		"prefix", prefix)

	var wg sync.WaitGroup
	for i := 0; i < r.Users; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			u := &user{
				id:      id,
				driver:  d,
				handle:  h,
				prefix:  path.Join(prefix, fmt.Sprintf("user-%03d", id)),
				rng:     rand.New(rand.NewSource(seed + int64(id))),
				minSize: r.MinSize,
				maxSize: r.MaxSize,
			}
			u.loop(ctx)
		}(i)
	}
	wg.Wait()

	logger.Info("workload finished", "operations", h.Collector.GetSummary().Total)
	return nil
}

func (r *Runner) sample(ctx context.Context, h *Handle, logger *slog.Logger) {
	interval := r.SampleInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if s, err := r.Monitor.Sample(); err != nil {
			logger.Debug("sampling host resources", "error", err)
		} else {
			h.Collector.RecordSystemSample(s)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// user is one simulated client.
type user struct {
	id      int
	driver  instances.Driver
	handle  *Handle
	prefix  string
	rng     *rand.Rand
	minSize int64
	maxSize int64
	buf     []byte
}

func (u *user) loop(ctx context.Context) {
	for ctx.Err() == nil {
		u.cycle(ctx)
	}
}

// cycle runs one object through its whole lifecycle. A failed upload
// skips the reads of that object.
func (u *user) cycle(ctx context.Context) {
	key := path.Join(u.prefix, uuid.NewString()+".dat")
	data := u.payload()

	if !u.do(ctx, types.OpUpload, key, func() (int64, error) {
		return int64(len(data)), u.driver.Upload(ctx, key, data)
	}) {
		return
	}
	u.do(ctx, types.OpDownload, key, func() (int64, error) {
		got, err := u.driver.Download(ctx, key)
		return int64(len(got)), err
	})
	u.do(ctx, types.OpMetadata, key, func() (int64, error) {
		_, err := u.driver.Head(ctx, key)
		return 0, err
	})
	u.do(ctx, types.OpList, u.prefix, func() (int64, error) {
		_, err := u.driver.List(ctx, u.prefix+"/", 100)
		return 0, err
	})
	u.do(ctx, types.OpDelete, key, func() (int64, error) {
		return 0, u.driver.Delete(ctx, key)
	})
}

// do times op and records it. Operations cut short by the end of the run
// are not recorded.
func (u *user) do(ctx context.Context, op types.OperationType, key string, fn func() (int64, error)) bool {
	if ctx.Err() != nil {
		return false
	}
	start := time.Now()
	size, err := fn()
	elapsed := time.Since(start)
	if err != nil && ctx.Err() != nil {
		return false
	}

	rec := types.OperationRecord{
		OperationType: op,
		Success:       err == nil,
		Duration:      elapsed,
		Timestamp:     start,
		ObjectKey:     key,
		Metadata:      map[string]string{"user": strconv.Itoa(u.id)},
	}
	if err == nil {
		rec.SizeBytes = size
	} else {
		setFailure(&rec, err)
	}
	if rerr := u.handle.Collector.RecordOperation(rec); rerr != nil {
		u.handle.logger.Debug("record rejected", "operation", op, "error", rerr)
	}
	return err == nil
}

// setFailure stores the error text and, when the error type tells, its
// category, which is more reliable than matching the text.
func setFailure(rec *types.OperationRecord, err error) {
	rec.ErrorMessage = err.Error()
	if c := instances.Classify(err); c != "" {
		if rec.Metadata == nil {
			rec.Metadata = make(map[string]string, 1)
		}
		rec.Metadata[types.MetadataErrorCategory] = string(c)
	}
}

func (u *user) payload() []byte {
	size := u.minSize
	if span := u.maxSize - u.minSize; span > 0 {
		size += u.rng.Int63n(span + 1)
	}
	if int64(cap(u.buf)) < size {
		u.buf = make([]byte, size)
	}
	data := u.buf[:size]
	u.rng.Read(data)
	return data
}
