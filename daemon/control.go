package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/canonical/chopsticks/collector"
	"github.com/canonical/chopsticks/errs"
	"github.com/canonical/chopsticks/types"
)

// Control socket actions.
const (
	ActionPing    = "ping"
	ActionStatus  = "status"
	ActionSummary = "summary"
	ActionRecord  = "record"
)

const (
	controlDialTimeout  = 2 * time.Second
	controlReadTimeout  = 30 * time.Second
	controlWriteTimeout = 10 * time.Second
	controlCallTimeout  = 5 * time.Second

	// maxControlRequest bounds one request; a record batch of a few
	// thousand entries fits comfortably.
	maxControlRequest = 8 * 1024 * 1024
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("daemon: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("daemon: CBOR decoder initialization failed: " + err.Error())
	}
}

// wireRecord is the socket encoding of an operation record. Times travel
// as Unix nanoseconds so no precision is lost.
type wireRecord struct {
	Type      string            `cbor:"type"`
	Success   bool              `cbor:"success"`
	Duration  int64             `cbor:"duration_ns"`
	Size      int64             `cbor:"size"`
	Timestamp int64             `cbor:"ts_ns,omitempty"`
	Key       string            `cbor:"key,omitempty"`
	Error     string            `cbor:"error,omitempty"`
	Metadata  map[string]string `cbor:"metadata,omitempty"`
}

func toWire(rec types.OperationRecord) wireRecord {
	w := wireRecord{
		Type:     string(rec.OperationType),
		Success:  rec.Success,
		Duration: int64(rec.Duration),
		Size:     rec.SizeBytes,
		Key:      rec.ObjectKey,
		Error:    rec.ErrorMessage,
		Metadata: rec.Metadata,
	}
	if !rec.Timestamp.IsZero() {
		w.Timestamp = rec.Timestamp.UnixNano()
	}
	return w
}

func (w wireRecord) record() types.OperationRecord {
	rec := types.OperationRecord{
		OperationType: types.OperationType(w.Type),
		Success:       w.Success,
		Duration:      time.Duration(w.Duration),
		SizeBytes:     w.Size,
		ObjectKey:     w.Key,
		ErrorMessage:  w.Error,
		Metadata:      w.Metadata,
	}
	if w.Timestamp != 0 {
		rec.Timestamp = time.Unix(0, w.Timestamp)
	}
	return rec
}

type controlRequest struct {
	Action  string       `cbor:"action"`
	Records []wireRecord `cbor:"records,omitempty"`
}

// ControlResponse is the reply to every control request.
type ControlResponse struct {
	OK       bool           `cbor:"ok"`
	Error    string         `cbor:"error,omitempty"`
	PID      int            `cbor:"pid"`
	Uptime   float64        `cbor:"uptime_seconds"`
	Accepted int            `cbor:"accepted,omitempty"`
	Rejected int            `cbor:"rejected,omitempty"`
	Summary  *types.Summary `cbor:"summary,omitempty"`
}

// controlServer answers CBOR requests on a Unix socket, one request per
// connection.
type controlServer struct {
	path      string
	collector *collector.Collector
	started   time.Time
	logger    *slog.Logger

	listener net.Listener
	active   sync.WaitGroup
	done     chan struct{}
}

// listenControl binds the socket, replacing a stale socket file. A socket
// that still answers belongs to a live daemon and is left alone.
func listenControl(path string, c *collector.Collector, logger *slog.Logger) (*controlServer, error) {
	if socketLive(path) {
		return nil, errs.Newf(errs.KindAlreadyRunning, "daemon.control", "control socket %s is in use by another daemon", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errs.Wrap(errs.KindIO, "daemon.control", "removing stale socket "+path, err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, errs.Wrap(errs.KindBind, "daemon.control", "listening on "+path, err)
	}
	return &controlServer{
		path:      path,
		collector: c,
		started:   time.Now(),
		logger:    logger,
		listener:  listener,
		done:      make(chan struct{}),
	}, nil
}

func (cs *controlServer) serve() {
	defer close(cs.done)
	cs.logger.Info("control socket listening", "path", cs.path)
	for {
		conn, err := cs.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			cs.logger.Error("control accept failed", "error", err)
			continue
		}
		cs.active.Add(1)
		go func() {
			defer cs.active.Done()
			cs.handle(conn)
		}()
	}
	cs.active.Wait()
}

// close stops accepting, waits for in-flight requests and removes the
// socket file.
func (cs *controlServer) close() {
	cs.listener.Close()
	<-cs.done
	if err := os.Remove(cs.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		cs.logger.Warn("removing control socket", "path", cs.path, "error", err)
	}
}

func (cs *controlServer) handle(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(controlReadTimeout))

	var req controlRequest
	if err := decMode.NewDecoder(io.LimitReader(conn, maxControlRequest)).Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		cs.reply(conn, ControlResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	resp := ControlResponse{
		OK:     true,
		PID:    os.Getpid(),
		Uptime: time.Since(cs.started).Seconds(),
	}
	switch req.Action {
	case ActionPing:
	case ActionStatus, ActionSummary:
		s := cs.collector.GetSummary()
		resp.Summary = &s
	case ActionRecord:
		for _, w := range req.Records {
			if err := cs.collector.RecordOperation(w.record()); err != nil {
				resp.Rejected++
				continue
			}
			resp.Accepted++
		}
	case "":
		resp = ControlResponse{Error: "missing required field: action"}
	default:
		resp = ControlResponse{Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
	cs.reply(conn, resp)
}

func (cs *controlServer) reply(conn net.Conn, resp ControlResponse) {
	conn.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
	if err := encMode.NewEncoder(conn).Encode(resp); err != nil {
		cs.logger.Debug("writing control response", "error", err)
	}
}

// socketLive reports whether something accepts connections on path.
func socketLive(path string) bool {
	if path == "" {
		return false
	}
	conn, err := net.DialTimeout("unix", path, controlDialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// QueryControl sends a single action to the daemon listening on path.
func QueryControl(ctx context.Context, path, action string) (ControlResponse, error) {
	return callControl(ctx, path, controlRequest{Action: action})
}

// SendRecords forwards a batch of records to the daemon and returns how
// many it accepted.
func SendRecords(ctx context.Context, path string, records []types.OperationRecord) (int, error) {
	req := controlRequest{Action: ActionRecord, Records: make([]wireRecord, len(records))}
	for i, rec := range records {
		req.Records[i] = toWire(rec)
	}
	resp, err := callControl(ctx, path, req)
	return resp.Accepted, err
}

func callControl(ctx context.Context, path string, req controlRequest) (ControlResponse, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, controlCallTimeout)
		defer cancel()
	}

	dialer := net.Dialer{Timeout: controlDialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return ControlResponse{}, errs.Wrap(errs.KindNotRunning, "daemon.control", "connecting to "+path, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := encMode.NewEncoder(conn).Encode(req); err != nil {
		return ControlResponse{}, errs.Wrap(errs.KindIO, "daemon.control", "sending "+req.Action, err)
	}
	var resp ControlResponse
	if err := decMode.NewDecoder(conn).Decode(&resp); err != nil {
		return ControlResponse{}, errs.Wrap(errs.KindSerialization, "daemon.control", "decoding response", err)
	}
	if !resp.OK {
		return resp, errs.New(errs.KindIO, "daemon.control", resp.Error)
	}
	return resp, nil
}

// RemoteSink forwards records to a running daemon in batches. It
// satisfies collector.RecordSink, so a run can stream into a detached
// metrics daemon while keeping its own local collector.
type RemoteSink struct {
	path    string
	batch   int
	pending []types.OperationRecord
}

// NewRemoteSink creates a sink for the control socket at path.
func NewRemoteSink(path string, batch int) *RemoteSink {
	if batch <= 0 {
		batch = 500
	}
	return &RemoteSink{path: path, batch: batch}
}

// WriteRecord is called from a single goroutine by the collector.
func (r *RemoteSink) WriteRecord(rec types.OperationRecord) error {
	r.pending = append(r.pending, rec)
	if len(r.pending) < r.batch {
		return nil
	}
	return r.flush()
}

func (r *RemoteSink) flush() error {
	if len(r.pending) == 0 {
		return nil
	}
	batch := r.pending
	r.pending = nil
	if _, err := SendRecords(context.Background(), r.path, batch); err != nil {
		return fmt.Errorf("forwarding %d records to %s: %w", len(batch), r.path, err)
	}
	return nil
}

// Close sends whatever is still pending.
func (r *RemoteSink) Close() error {
	return r.flush()
}
