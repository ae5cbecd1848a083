package errs

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := New(KindNotRunning, "daemon.stop", "no live process")
	assert.Equal(t, "daemon.stop: not_running: no live process", err.Error())

	wrapped := Wrap(KindIO, "", "writing pid file", os.ErrPermission)
	assert.Equal(t, "io: writing pid file: permission denied", wrapped.Error())
}

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	base := Newf(KindAlreadyRunning, "daemon.start", "pid %d is alive", 42)
	chained := fmt.Errorf("starting metrics daemon: %w", base)

	assert.True(t, Is(chained, KindAlreadyRunning))
	assert.False(t, Is(chained, KindNotRunning))
	assert.Equal(t, KindAlreadyRunning, KindOf(chained))
}

func TestUnwrapExposesCause(t *testing.T) {
	err := Wrap(KindIO, "export", "writing json", os.ErrNotExist)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.True(t, Is(err, KindIO))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.False(t, Is(errors.New("plain"), KindValidation))
	assert.False(t, Is(nil, KindValidation))
}
