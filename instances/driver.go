// Package instances holds the storage drivers a workload runs against and
// the host monitor that samples the machine generating the load.
package instances

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/canonical/chopsticks/errs"
)

// ErrNotFound is returned when the requested object does not exist. Its
// message classifies as a not_found failure.
var ErrNotFound = errors.New("object not found")

// Driver is the storage boundary measured by a run. Every method is one
// measured operation.
type Driver interface {
	Name() string
	Endpoint() string

	Upload(ctx context.Context, key string, data []byte) error
	Download(ctx context.Context, key string) ([]byte, error)
	// DownloadRange reads length bytes starting at offset start.
	DownloadRange(ctx context.Context, key string, start, length int64) ([]byte, error)
	// Head returns the object size.
	Head(ctx context.Context, key string) (int64, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string, max int) ([]string, error)
}

// Settings selects and configures a driver.
type Settings struct {
	Driver    string
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	AccountID string
	PathStyle bool
}

// Open builds the driver named by s.Driver.
func Open(ctx context.Context, s Settings) (Driver, error) {
	switch strings.ToLower(s.Driver) {
	case "s3", "":
		return NewS3Driver(ctx, S3Config{
			Endpoint:  s.Endpoint,
			Region:    s.Region,
			AccessKey: s.AccessKey,
			SecretKey: s.SecretKey,
			Bucket:    s.Bucket,
			PathStyle: s.PathStyle,
		})
	case "r2":
		if s.AccountID == "" && s.Endpoint == "" {
			return nil, errs.New(errs.KindConfig, "instances.open", "r2 needs an account id or an endpoint")
		}
		if s.AccountID == "" {
			return NewS3Driver(ctx, S3Config{
				Name:      "r2",
				Endpoint:  s.Endpoint,
				Region:    r2Region,
				AccessKey: s.AccessKey,
				SecretKey: s.SecretKey,
				Bucket:    s.Bucket,
			})
		}
		return NewR2Driver(ctx, s.AccountID, s.AccessKey, s.SecretKey, s.Bucket)
	case "memory":
		return NewMemoryDriver(), nil
	case "dummy":
		return NewDummyDriver(), nil
	default:
		return nil, errs.Newf(errs.KindConfig, "instances.open", "unknown driver %q", s.Driver)
	}
}

// rangeHeader formats an inclusive HTTP byte range.
func rangeHeader(start, length int64) string {
	return fmt.Sprintf("bytes=%d-%d", start, start+length-1)
}
