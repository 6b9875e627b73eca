// Package transfer drives a single request/response exchange over HTTP, FTP
// or SFTP and reports its progress to a Delegate.
//
// A Handle is created with New, which hands the transfer to a coordinator and
// returns immediately, or with RunSynchronously, which blocks until the
// transfer is over. Either way the delegate receives the response, the body
// in arrival order and exactly one terminal callback: DidFinish on success or
// DidFail with a *fault.Error.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/italolelis/netxfer/internal/engine"
	"github.com/italolelis/netxfer/internal/fault"
	"github.com/italolelis/netxfer/internal/logctx"
	"github.com/italolelis/netxfer/internal/multi"
	"github.com/italolelis/netxfer/internal/storage"
)

// State is the lifecycle state of a handle.
type State int32

const (
	// StateRunning is the initial state.
	StateRunning State = iota
	// StateCanceling is entered by Cancel while the engine winds down.
	StateCanceling
	// StateCompleted is terminal. The delegate has been released.
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCanceling:
		return "canceling"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Credential authenticates a transfer. TokenSource, when set, supplies bearer
// tokens to HTTP engines.
type Credential struct {
	Username    string
	Password    string
	TokenSource oauth2.TokenSource
}

// Handle is one transfer.
type Handle struct {
	id       uuid.UUID
	url      string
	redacted string
	method   string
	scheme   string
	opts     *options
	logger   *slog.Logger
	started  time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool
	endSpan   func(error)

	easy    engine.Easy
	coord   Coordinator
	builder *responseBuilder
	headers []string
	body    io.ReadCloser
	noBody  bool

	// cbMu serializes delegate callbacks; ds is emptied on completion.
	cbMu sync.Mutex
	ds   dispatch

	state    atomic.Int32
	response atomic.Pointer[Response]
	once     sync.Once
	done     chan struct{}

	mu        sync.Mutex
	err       error
	entryPath string
}

// New starts the transfer described by req on a coordinator and returns
// without waiting for it. The request context cancels the transfer when it is
// canceled.
//
// Only a nil request or delegate, or an invalid option, is reported as an
// error here. Every other failure, including a coordinator that refuses the
// transfer, reaches the delegate through DidFail.
func New(req *http.Request, cred *Credential, delegate Delegate, opts ...Option) (*Handle, error) {
	if err := checkArgs(req, delegate); err != nil {
		return nil, err
	}

	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	coord := o.coordinator
	if coord == nil {
		coord = multi.Shared()
	}

	h, setupErr := newHandle(req, cred, delegate, o, coord)
	if setupErr != nil {
		go h.finish(setupErr)
		return h, nil
	}

	if err := coord.Add(h.ctx, h.easy, owner{h}); err != nil {
		h.logger.ErrorContext(h.ctx, "Failed to register transfer", "err", err)
		go h.finish(err)

		return h, nil
	}

	h.logger.DebugContext(h.ctx, "Transfer registered")

	return h, nil
}

// owner receives the coordinator's result for a handle.
type owner struct {
	h *Handle
}

func (o owner) Finished(result error) {
	o.h.finish(result)
}

func checkArgs(req *http.Request, delegate Delegate) error {
	if req == nil {
		return fault.ErrNilRequest
	}

	if delegate == nil {
		return fault.ErrNilDelegate
	}

	return nil
}

// newHandle builds a handle and its engine. Problems preparing the engine are
// returned and must be delivered through the terminal callback.
func newHandle(req *http.Request, cred *Credential, delegate Delegate, o *options, coord Coordinator) (*Handle, error) {
	h := &Handle{
		id:      uuid.New(),
		method:  req.Method,
		opts:    o,
		coord:   coord,
		started: time.Now(),
		ds:      newDispatch(delegate),
		done:    make(chan struct{}),
	}

	if h.method == "" {
		h.method = http.MethodGet
	}

	if req.URL != nil {
		h.url = req.URL.String()
		h.redacted = req.URL.Redacted()
		h.scheme = strings.ToLower(req.URL.Scheme)
	}

	h.logger = o.logger.With("url", h.redacted, "method", h.method)
	h.builder = newResponseBuilder(h.redacted)

	ctx := logctx.WithHandleID(req.Context(), h.id.String())
	ctx = logctx.WithLogger(ctx, h.logger)
	ctx, h.endSpan = o.telemetry.StartTransfer(ctx, h.scheme)
	h.ctx, h.cancel = context.WithCancel(ctx)

	setupErr := h.prepare(req, cred)

	parent := req.Context()
	h.stopWatch = context.AfterFunc(parent, func() {
		if errors.Is(parent.Err(), context.Canceled) {
			h.Cancel()
		}
	})

	return h, setupErr
}

// prepare builds and configures the engine for req.
func (h *Handle) prepare(req *http.Request, cred *Credential) error {
	if req.URL == nil {
		return fault.Transfer(fault.CodeURLMalformat, errors.New("request has no URL"))
	}

	easy, err := h.opts.engines.New(h.url)
	if err != nil {
		return err
	}

	h.easy = NewInstrumentedEngine(easy, h.opts.telemetry, h.scheme)

	return h.configure(req, cred)
}

type setting struct {
	opt   engine.Option
	value any
}

// configure derives the engine options from the request.
func (h *Handle) configure(req *http.Request, cred *Credential) error {
	sets := []setting{
		{engine.OptURL, h.url},
		{engine.OptHeaderFunc, engine.HeaderFunc(h.onHeader)},
		{engine.OptWriteFunc, engine.WriteFunc(h.onData)},
		{engine.OptSendFunc, engine.SendFunc(h.onSend)},
		{engine.OptDebugFunc, engine.DebugFunc(h.onDebug)},
		{engine.OptHostKeyFunc, engine.HostKeyFunc(h.onHostKey)},
		{engine.OptVerbose, h.opts.verbose || h.ds.debug != nil},
	}

	switch h.method {
	case http.MethodGet:
	case http.MethodHead:
		h.noBody = true
		sets = append(sets, setting{engine.OptNoBody, true})
	case http.MethodPut:
		sets = append(sets, setting{engine.OptUpload, true})
	default:
		sets = append(sets, setting{engine.OptCustomRequest, h.method})
	}

	body, size, err := requestBody(req)
	if err != nil {
		return err
	}

	if body != nil {
		h.body = body
		sets = append(sets,
			setting{engine.OptReadStream, io.Reader(body)},
			setting{engine.OptInFileSize, size},
		)

		if h.scheme != "http" && h.scheme != "https" && h.method != http.MethodPut {
			sets = append(sets, setting{engine.OptUpload, true})
		}
	}

	lines, special := headerLines(req)
	h.headers = lines

	if len(lines) > 0 {
		sets = append(sets, setting{engine.OptHTTPHeader, lines})
	}

	if v, ok := special["Range"]; ok {
		sets = append(sets, setting{engine.OptRange, strings.TrimPrefix(v, "bytes=")})
	}

	if v, ok := special["Accept-Encoding"]; ok {
		sets = append(sets, setting{engine.OptAcceptEncoding, v})
	}

	if cred != nil {
		if cred.Username != "" {
			sets = append(sets, setting{engine.OptUsername, cred.Username})
		}

		if cred.Password != "" {
			sets = append(sets, setting{engine.OptPassword, cred.Password})
		}

		if cred.TokenSource != nil {
			sets = append(sets, setting{engine.OptTokenSource, cred.TokenSource})
		}
	}

	if !h.opts.settings.AllowsProxy {
		sets = append(sets, setting{engine.OptProxy, ""})
	}

	if h.opts.settings.ProxyUserPwd != "" {
		sets = append(sets, setting{engine.OptProxyUserPwd, h.opts.settings.ProxyUserPwd})
	}

	if h.opts.knownHosts != "" {
		sets = append(sets, setting{engine.OptKnownHostsFile, h.opts.knownHosts})
	}

	if h.opts.timeout > 0 {
		sets = append(sets, setting{engine.OptTimeout, h.opts.timeout})
	}

	if h.opts.failOnError {
		sets = append(sets, setting{engine.OptFailOnError, true})
	}

	if h.opts.share != nil {
		sets = append(sets, setting{engine.OptShare, h.opts.share})
	}

	for _, s := range sets {
		if err := h.easy.SetOption(s.opt, s.value); err != nil {
			return fmt.Errorf("failed to set option %s: %w", s.opt, err)
		}
	}

	return nil
}

// requestBody returns the upload stream of req and its size, -1 if unknown.
func requestBody(req *http.Request) (io.ReadCloser, int64, error) {
	body := req.Body
	if body == http.NoBody {
		return nil, 0, nil
	}

	if body == nil && req.GetBody != nil {
		var err error

		body, err = req.GetBody()
		if err != nil {
			return nil, 0, fault.Transfer(fault.CodeReadError, err)
		}
	}

	if body == nil || body == http.NoBody {
		return nil, 0, nil
	}

	size := req.ContentLength
	if size <= 0 {
		size = -1
	}

	return body, size, nil
}

// headerLines renders the request header as "Name: value" lines in a stable
// order. Range and Accept-Encoding are returned separately because engines
// take them as options.
func headerLines(req *http.Request) ([]string, map[string]string) {
	special := make(map[string]string)

	var lines []string

	for _, name := range slices.Sorted(maps.Keys(req.Header)) {
		values := req.Header[name]
		if len(values) == 0 {
			continue
		}

		switch http.CanonicalHeaderKey(name) {
		case "Range":
			special["Range"] = strings.TrimSpace(values[0])
		case "Accept-Encoding":
			special["Accept-Encoding"] = strings.Join(values, ", ")
		default:
			for _, v := range values {
				lines = append(lines, name+": "+v)
			}
		}
	}

	if req.Host != "" && req.URL != nil && req.Host != req.URL.Host {
		lines = append(lines, "Host: "+req.Host)
	}

	return lines, special
}

// deliver runs fn with the delegate under the callback lock, unless the
// delegate has already been released.
func (h *Handle) deliver(fn func(ds dispatch)) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()

	if h.ds.data == nil {
		return
	}

	fn(h.ds)
}

func (h *Handle) onHeader(p []byte) error {
	var err error

	h.deliver(func(ds dispatch) {
		var resp *Response

		resp, err = h.builder.Write(p)
		if err != nil || resp == nil {
			return
		}

		h.response.Store(resp)
		h.logger.DebugContext(h.ctx, "Received response", "status", resp.StatusCode, "proto", resp.Proto)

		if ds.response != nil {
			ds.response.DidReceiveResponse(h, resp)
		}
	})

	return err
}

func (h *Handle) onData(p []byte) error {
	if h.noBody {
		return nil
	}

	h.deliver(func(ds dispatch) {
		ds.data.DidReceiveData(h, p)
	})

	return nil
}

func (h *Handle) onSend(n int64) {
	h.deliver(func(ds dispatch) {
		if ds.send != nil {
			ds.send.WillSendBodyData(h, n)
		}
	})
}

func (h *Handle) onDebug(t engine.InfoType, data []byte) {
	h.logger.DebugContext(h.ctx, "Engine debug", "type", t.String(), "data", strings.TrimRight(string(data), "\r\n"))

	h.deliver(func(ds dispatch) {
		if ds.debug != nil {
			ds.debug.DidReceiveDebugInformation(h, t, data)
		}
	})
}

func (h *Handle) onHostKey(known *engine.HostKey, found engine.HostKey, match engine.KeyMatch) engine.KeyStatus {
	status := engine.StrictHostKeys(known, found, match)

	h.deliver(func(ds dispatch) {
		if ds.verify != nil {
			status = ds.verify.VerifyHostFingerprint(h, known, found, match)
		}
	})

	h.logger.InfoContext(h.ctx, "Checked host key",
		"key_type", found.Type,
		"fingerprint", found.Fingerprint(),
		"match", match.String(),
		"verdict", status.String())

	return status
}

// Cancel stops a running transfer. The delegate then receives DidFail with a
// cancellation error, unless the transfer had already succeeded. Cancel never
// blocks and does nothing once the handle is canceling or completed.
func (h *Handle) Cancel() {
	if !h.state.CompareAndSwap(int32(StateRunning), int32(StateCanceling)) {
		return
	}

	h.logger.InfoContext(h.ctx, "Cancelling transfer")
	h.cancel()

	if h.coord == nil || h.easy == nil {
		return
	}

	if err := h.coord.Remove(h.easy); err != nil {
		h.logger.DebugContext(h.ctx, "Transfer was not registered with the coordinator", "err", err)
	}
}

func (h *Handle) finish(result error) {
	h.once.Do(func() {
		h.complete(result)
	})
}

func (h *Handle) complete(result error) {
	var (
		responseCode int
		entryPath    string
		down, up     int64
	)

	if h.easy != nil {
		responseCode = engine.ResponseCode(h.easy)
		entryPath = engine.InfoString(h.easy, engine.InfoEntryPath)
		down = engine.InfoInt64(h.easy, engine.InfoSizeDownload)
		up = engine.InfoInt64(h.easy, engine.InfoSizeUpload)

		if err := h.easy.Close(); err != nil {
			h.logger.WarnContext(h.ctx, "Failed to close engine", "err", err)
		}
	}

	if h.body != nil {
		if err := h.body.Close(); err != nil {
			h.logger.DebugContext(h.ctx, "Failed to close request body", "err", err)
		}
	}

	h.headers = nil
	h.stopWatch()

	err := h.result(result, responseCode)

	h.endSpan(err)
	h.record(err, responseCode, entryPath, down, up)

	h.mu.Lock()
	h.err = err
	h.entryPath = entryPath
	h.mu.Unlock()

	h.cbMu.Lock()
	ds := h.ds
	h.ds = dispatch{}
	h.cbMu.Unlock()

	for {
		s := h.state.Load()
		if h.state.CompareAndSwap(s, int32(StateCompleted)) {
			break
		}
	}

	h.cancel()

	if err == nil {
		h.logger.InfoContext(h.ctx, "Transfer finished",
			"status", responseCode,
			"downloaded", down,
			"uploaded", up,
			"duration", time.Since(h.started).String())

		if ds.finish != nil {
			ds.finish.DidFinish(h)
		}
	} else {
		h.logger.ErrorContext(h.ctx, "Transfer failed", "err", err)

		if ds.fail != nil {
			ds.fail.DidFail(h, err)
		}
	}

	close(h.done)
}

// result maps the engine result to the error delivered to the delegate.
func (h *Handle) result(result error, responseCode int) error {
	if result == nil {
		return nil
	}

	var fe *fault.Error

	if h.State() == StateCanceling || errors.Is(h.ctx.Err(), context.Canceled) {
		fe = fault.Cancelled(h.redacted).WithCause(result)
	} else {
		fe = fault.From(engine.Classify(result, fault.CodeRecvError), fault.CodeRecvError)
	}

	if fe.URL == "" {
		fe = fe.WithURL(h.redacted)
	}

	if fe.ResponseCode == 0 && responseCode > 0 {
		fe = fe.WithResponseCode(responseCode)
	}

	return fe
}

func (h *Handle) record(err error, responseCode int, entryPath string, down, up int64) {
	if h.opts.journal == nil {
		return
	}

	rec := storage.TransferRecord{
		ID:           h.id.String(),
		URL:          h.redacted,
		Method:       h.method,
		Status:       storage.StatusSucceeded,
		ResponseCode: responseCode,
		BytesDown:    down,
		BytesUp:      up,
		EntryPath:    entryPath,
		StartedAt:    h.started,
		FinishedAt:   time.Now(),
	}

	if err != nil {
		rec.Status = storage.StatusFailed
		if fault.IsCancelled(err) {
			rec.Status = storage.StatusCancelled
		}

		if domain, code, ok := fault.DomainOf(err); ok {
			rec.ErrorDomain = string(domain)
			rec.ErrorCode = int(code)
		}

		rec.Error = err.Error()
	}

	if err := h.opts.journal.RecordTransfer(context.WithoutCancel(h.ctx), rec); err != nil {
		h.logger.ErrorContext(h.ctx, "Failed to record transfer", "err", err)
	}
}

// ID returns the unique identity of the handle.
func (h *Handle) ID() uuid.UUID {
	return h.id
}

// URL returns the request URL.
func (h *Handle) URL() string {
	return h.url
}

// RedactedURL returns the request URL with any password masked.
func (h *Handle) RedactedURL() string {
	return h.redacted
}

// Logger returns the logger tagged with the handle's URL and method. Log
// through it with the *Context methods and Context to carry the handle id
// and trace.
func (h *Handle) Logger() *slog.Logger {
	return h.logger
}

// Context carries the handle's logger, id and span. It is done once the
// handle completes.
func (h *Handle) Context() context.Context {
	return h.ctx
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	return State(h.state.Load())
}

// Err returns the error delivered through DidFail, or nil.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.err
}

// Response returns the response once its header section is complete, or nil.
func (h *Handle) Response() *Response {
	return h.response.Load()
}

// EntryPath returns the directory the server placed the session in, for
// protocols that have one. It is empty until the handle completes.
func (h *Handle) EntryPath() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.entryPath
}

// Done is closed after the terminal callback returned.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the handle completes or ctx ends and returns the
// transfer error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
