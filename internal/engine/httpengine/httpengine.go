// Package httpengine implements engine.Easy for http and https URLs on top of
// net/http. Redirects are never followed and response bodies are handed out
// in bounded chunks, one per Step.
package httpengine

import (
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"sort"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/italolelis/netxfer/internal/engine"
	"github.com/italolelis/netxfer/internal/fault"
	"github.com/italolelis/netxfer/internal/logctx"
	"github.com/italolelis/netxfer/internal/progress"
	"github.com/italolelis/netxfer/internal/throttle"
)

const chunkSize = 16 * 1024

// Option configures an Engine.
type Option func(*Engine)

// WithLimiter makes every request wait on l before it is sent.
func WithLimiter(l *throttle.Limiter) Option {
	return func(e *Engine) {
		e.limiter = l
	}
}

// WithTransport replaces the per-engine http.Transport with rt. Proxy and
// decompression settings are then rt's responsibility.
func WithTransport(rt http.RoundTripper) Option {
	return func(e *Engine) {
		e.base = rt
	}
}

// WithUserAgent sets the User-Agent sent when the request has none.
func WithUserAgent(ua string) Option {
	return func(e *Engine) {
		e.userAgent = ua
	}
}

// Engine drives one HTTP exchange.
type Engine struct {
	engine.Config
	engine.Stats

	limiter   *throttle.Limiter
	base      http.RoundTripper
	userAgent string

	transport *http.Transport
	started   bool
	closed    bool
	attached  bool
	resp      *http.Response
	body      io.Reader
	upload    *progress.Reader
}

// New returns an unconfigured engine.
func New(opts ...Option) *Engine {
	e := &Engine{Config: engine.NewConfig()}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Factory returns an engine.Factory building engines with opts.
func Factory(opts ...Option) engine.Factory {
	return func() engine.Easy {
		return New(opts...)
	}
}

func (e *Engine) SetOption(opt engine.Option, value any) error {
	if e.started {
		return fault.Transfer(fault.CodeBadFunctionArgument, fmt.Errorf("option %s set after start", opt))
	}

	return e.Config.Set(opt, value)
}

func (e *Engine) Step(ctx context.Context) (bool, error) {
	if e.closed {
		return true, fault.Transfer(fault.CodeFailedInit, errors.New("engine is closed"))
	}

	if !e.started {
		return e.start(ctx)
	}

	return e.read(ctx)
}

func (e *Engine) Close() error {
	if e.closed {
		return nil
	}

	e.closed = true

	var err error
	if e.resp != nil {
		err = e.resp.Body.Close()
	}

	if e.upload != nil {
		_ = e.upload.Close()
	}

	if e.attached {
		e.Share.Detach()
	}

	if e.transport != nil {
		e.transport.CloseIdleConnections()
	}

	return err
}

func (e *Engine) start(ctx context.Context) (bool, error) {
	e.started = true

	if e.Share != nil {
		if err := e.Share.Attach(); err != nil {
			return true, err
		}

		e.attached = true
	}

	req, err := e.newRequest(ctx)
	if err != nil {
		return true, err
	}

	rt, err := e.roundTripper()
	if err != nil {
		return true, err
	}

	client := &http.Client{
		Transport: rt,
		Timeout:   e.Timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	if e.Share != nil {
		client.Jar = e.Share.Jar()
	}

	resp, err := client.Do(req)
	if err != nil {
		return true, classify(err, fault.CodeCouldntConnect)
	}

	e.resp = resp
	e.SetResponse(resp.StatusCode, resp.Header.Get("Content-Type"))
	e.SetEffectiveURL(resp.Request.URL.String())

	if e.FailOnError && resp.StatusCode >= http.StatusBadRequest {
		return true, fault.Transfer(fault.CodeHTTPReturnedError, nil).
			WithResponseCode(resp.StatusCode).
			WithDetail(fmt.Sprintf("the requested URL returned error: %d", resp.StatusCode))
	}

	if err := e.emitHeaders(resp); err != nil {
		return true, err
	}

	if req.Method == http.MethodHead {
		return true, e.finish(ctx)
	}

	body, err := decodeBody(resp)
	if err != nil {
		return true, err
	}

	e.body = body

	return false, nil
}

func (e *Engine) read(ctx context.Context) (bool, error) {
	buf := make([]byte, chunkSize)

	n, err := e.body.Read(buf)
	if n > 0 {
		e.AddDownloaded(int64(n))

		if werr := e.EmitBody(buf[:n]); werr != nil {
			return true, werr
		}
	}

	switch {
	case errors.Is(err, io.EOF):
		return true, e.finish(ctx)
	case err != nil:
		return true, classify(err, fault.CodeRecvError)
	}

	return false, nil
}

// finish waits until the transport has let go of the upload body, so that
// every send notification is delivered before the transfer is reported done.
func (e *Engine) finish(ctx context.Context) error {
	if e.upload == nil {
		return nil
	}

	select {
	case <-e.upload.Closed():
		return nil
	case <-ctx.Done():
		return classify(ctx.Err(), fault.CodeAbortedByCallback)
	}
}

func (e *Engine) method() string {
	switch {
	case e.CustomRequest != "":
		return e.CustomRequest
	case e.NoBody:
		return http.MethodHead
	case e.Upload:
		return http.MethodPut
	default:
		return http.MethodGet
	}
}

func (e *Engine) newRequest(ctx context.Context) (*http.Request, error) {
	method := e.method()

	var body io.Reader
	if e.ReadStream != nil && method != http.MethodHead {
		e.upload = progress.NewReader(e.ReadStream, e.InFileSize, progress.LogInterval,
			progress.LogFunc(logctx.LoggerFromContext(ctx), "upload progress", e.URL))
		e.upload.OnRead = func(n int64) {
			e.AddUploaded(n)

			if e.SendFunc != nil {
				e.SendFunc(n)
			}
		}
		body = e.upload
	}

	if e.Verbose && e.DebugFunc != nil {
		ctx = httptrace.WithClientTrace(ctx, e.trace())
	}

	req, err := http.NewRequestWithContext(ctx, method, e.URL, body)
	if err != nil {
		return nil, fault.Transfer(fault.CodeURLMalformat, err)
	}

	if body != nil && e.InFileSize >= 0 {
		req.ContentLength = e.InFileSize
	}

	for _, line := range e.Headers {
		name, value, _ := strings.Cut(line, ":")
		name, value = strings.TrimSpace(name), strings.TrimSpace(value)

		if strings.EqualFold(name, "Host") {
			req.Host = value
			continue
		}

		req.Header.Add(name, value)
	}

	if e.Range != "" {
		req.Header.Set("Range", rangeHeader(e.Range))
	}

	if e.EncodingSet {
		enc := e.AcceptEncoding
		if enc == "" {
			enc = "gzip, deflate"
		}

		req.Header.Set("Accept-Encoding", enc)
	}

	if e.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", e.userAgent)
	}

	switch {
	case e.TokenSource != nil:
		tok, err := e.TokenSource.Token()
		if err != nil {
			return nil, fault.Transfer(fault.CodeLoginDenied, err)
		}

		tok.SetAuthHeader(req)
	case e.Username != "" || e.Password != "":
		req.SetBasicAuth(e.Username, e.Password)
	}

	return req, nil
}

func (e *Engine) roundTripper() (http.RoundTripper, error) {
	base := e.base
	if base == nil {
		proxy, err := e.proxyFunc()
		if err != nil {
			return nil, err
		}

		e.transport = http.DefaultTransport.(*http.Transport).Clone()
		e.transport.Proxy = proxy
		e.transport.DisableCompression = true
		base = e.transport
	}

	rt := otelhttp.NewTransport(base)
	if e.limiter != nil {
		return e.limiter.RoundTripper(rt), nil
	}

	return rt, nil
}

// proxyFunc resolves the proxy for requests. An explicitly empty proxy
// disables proxying entirely, including proxies from the environment.
func (e *Engine) proxyFunc() (func(*http.Request) (*url.URL, error), error) {
	if e.ProxySet && e.Proxy == "" {
		return nil, nil
	}

	var fixed *url.URL
	if e.ProxySet {
		raw := e.Proxy
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}

		u, err := url.Parse(raw)
		if err != nil {
			return nil, fault.Transfer(fault.CodeCouldntResolveProxy, err)
		}

		fixed = u
	}

	return func(r *http.Request) (*url.URL, error) {
		u := fixed
		if u == nil {
			env, err := http.ProxyFromEnvironment(r)
			if err != nil || env == nil {
				return env, err
			}

			u = env
		}

		if e.ProxyUserPwd != "" {
			cp := *u
			user, pass, _ := strings.Cut(e.ProxyUserPwd, ":")
			cp.User = url.UserPassword(user, pass)
			u = &cp
		}

		return u, nil
	}, nil
}

func (e *Engine) emitHeaders(resp *http.Response) error {
	lines := make([]string, 0, len(resp.Header)+2)
	lines = append(lines, resp.Proto+" "+resp.Status)

	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		for _, v := range resp.Header[name] {
			lines = append(lines, name+": "+v)
		}
	}

	lines = append(lines, "")

	for _, line := range lines {
		if line != "" {
			e.Debug(engine.InfoHeaderIn, "%s", line)
		}

		if err := e.EmitHeader(line); err != nil {
			return err
		}
	}

	return nil
}

func (e *Engine) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		GetConn: func(hostPort string) {
			e.Debug(engine.InfoText, "Trying %s...", hostPort)
		},
		GotConn: func(info httptrace.GotConnInfo) {
			if info.Reused {
				e.Debug(engine.InfoText, "Re-using existing connection")
				return
			}

			e.Debug(engine.InfoText, "Connected to %s", info.Conn.RemoteAddr())
		},
		TLSHandshakeDone: func(state tls.ConnectionState, err error) {
			if err == nil {
				e.Debug(engine.InfoText, "SSL connection using %s", tls.CipherSuiteName(state.CipherSuite))
			}
		},
		WroteHeaderField: func(key string, value []string) {
			e.Debug(engine.InfoHeaderOut, "%s: %s", key, strings.Join(value, ", "))
		},
		GotFirstResponseByte: func() {
			e.Debug(engine.InfoText, "Received first response byte")
		},
	}
}

func decodeBody(resp *http.Response) (io.Reader, error) {
	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
		return resp.Body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fault.Transfer(fault.CodeBadContentEncoding, err)
		}

		return zr, nil
	case "deflate":
		zr, err := zlib.NewReader(resp.Body)
		if err != nil {
			return nil, fault.Transfer(fault.CodeBadContentEncoding, err)
		}

		return zr, nil
	default:
		return nil, fault.Transfer(fault.CodeBadContentEncoding, fmt.Errorf("unsupported content encoding %q", enc))
	}
}

func classify(err error, fallback fault.Code) error {
	var corrupt flate.CorruptInputError
	if errors.Is(err, gzip.ErrChecksum) || errors.Is(err, gzip.ErrHeader) ||
		errors.Is(err, zlib.ErrChecksum) || errors.Is(err, zlib.ErrHeader) ||
		errors.As(err, &corrupt) {
		return fault.Transfer(fault.CodeBadContentEncoding, err)
	}

	return engine.Classify(err, fallback)
}

// rangeHeader turns a range option into a Range header value. Bare ranges
// are byte ranges; values that name their unit are sent unchanged.
func rangeHeader(r string) string {
	if strings.Contains(r, "=") {
		return r
	}

	return "bytes=" + r
}
