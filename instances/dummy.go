package instances

import (
	"context"
	"errors"
)

// errDummy classifies as a server failure.
var errDummy = errors.New("dummy driver: simulated internal error")

// DummyDriver fails every operation. It exercises the failure paths of
// the metrics pipeline without a backend.
type DummyDriver struct{}

// NewDummyDriver returns a driver whose operations always fail.
func NewDummyDriver() DummyDriver { return DummyDriver{} }

func (DummyDriver) Name() string     { return "dummy" }
func (DummyDriver) Endpoint() string { return "dummy://" }

func (DummyDriver) Upload(context.Context, string, []byte) error { return errDummy }

func (DummyDriver) Download(context.Context, string) ([]byte, error) { return nil, errDummy }

func (DummyDriver) DownloadRange(context.Context, string, int64, int64) ([]byte, error) {
	return nil, errDummy
}

func (DummyDriver) Head(context.Context, string) (int64, error) { return 0, errDummy }

func (DummyDriver) Delete(context.Context, string) error { return errDummy }

// List returns nothing, without an error.
func (DummyDriver) List(context.Context, string, int) ([]string, error) { return nil, nil }
