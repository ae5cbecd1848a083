package server

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/chopsticks/errs"
	"github.com/canonical/chopsticks/storage"
)

type staticRenderer string

func (r staticRenderer) Export() string { return string(r) }

func startServer(t *testing.T, renderer Renderer) *Server {
	t.Helper()
	s := New("127.0.0.1", 0, renderer, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func get(t *testing.T, method, url string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestServerRoutes(t *testing.T) {
	s := startServer(t, staticRenderer("chopsticks_operations_total 1\n"))
	base := "http://" + s.Addr().String()

	resp, body := get(t, http.MethodGet, base+"/")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, body, `href="/metrics"`)

	resp, body = get(t, http.MethodGet, base+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, storage.ContentType, resp.Header.Get("Content-Type"))
	assert.Equal(t, "chopsticks_operations_total 1\n", body)

	resp, _ = get(t, http.MethodGet, base+"/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = get(t, http.MethodPost, base+"/metrics")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServerWithoutRenderer(t *testing.T) {
	s := startServer(t, nil)
	_, body := get(t, http.MethodGet, "http://"+s.Addr().String()+"/metrics")
	assert.Equal(t, storage.NoDataText, body)
}

func TestStartOnBusyPort(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	port := busy.Addr().(*net.TCPAddr).Port
	s := New("127.0.0.1", port, nil)
	err = s.Start()
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindBind))
	assert.False(t, s.Bound())
}

func TestStartTwice(t *testing.T) {
	s := startServer(t, nil)
	err := s.Start()
	assert.True(t, errs.Is(err, errs.KindBind))
}

func TestStopReleasesPort(t *testing.T) {
	s := New("127.0.0.1", 0, nil)
	require.NoError(t, s.Start())
	port := s.Port()
	assert.True(t, s.Bound())

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Bound())
	assert.Nil(t, s.Addr())

	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	l.Close()
}
