// Package ftpengine implements engine.Easy for ftp and ftps URLs using
// github.com/jlaffaye/ftp.
//
// Paths in URLs are relative to the login directory, so ftp://host/a.txt
// retrieves a.txt from wherever the server placed the session and
// ftp://host//tmp/a.txt is absolute. A path ending in a slash lists the
// directory.
package ftpengine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/italolelis/netxfer/internal/engine"
	"github.com/italolelis/netxfer/internal/fault"
	"github.com/italolelis/netxfer/internal/logctx"
	"github.com/italolelis/netxfer/internal/progress"
	"github.com/italolelis/netxfer/internal/throttle"
)

const chunkSize = 16 * 1024

// Option configures an Engine.
type Option func(*Engine)

// WithLimiter makes every connection wait on l before it is opened.
func WithLimiter(l *throttle.Limiter) Option {
	return func(e *Engine) {
		e.limiter = l
	}
}

// WithTLSConfig sets the TLS configuration used for ftps URLs.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(e *Engine) {
		e.tlsConfig = cfg
	}
}

// Engine drives one FTP exchange.
type Engine struct {
	engine.Config
	engine.Stats

	limiter   *throttle.Limiter
	tlsConfig *tls.Config

	conn      *ftp.ServerConn
	retr      *ftp.Response
	body      io.Reader
	remaining int64
	stop      func() bool
	started   bool
	closed    bool
}

// New returns an unconfigured engine.
func New(opts ...Option) *Engine {
	e := &Engine{Config: engine.NewConfig(), remaining: -1}
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

	if e.stop != nil {
		e.stop()
	}

	var err error
	if e.conn != nil {
		err = e.conn.Quit()
	}

	if e.retr != nil {
		_ = e.retr.Close()
	}

	return err
}

func (e *Engine) start(ctx context.Context) (bool, error) {
	e.started = true

	u, err := url.Parse(e.URL)
	if err != nil {
		return true, fault.Transfer(fault.CodeURLMalformat, err)
	}

	if err := e.limiter.Wait(ctx, u.Host); err != nil {
		return true, engine.Classify(err, fault.CodeOperationTimedOut)
	}

	if err := e.connect(ctx, u); err != nil {
		return true, err
	}

	p := strings.TrimPrefix(u.Path, "/")

	switch {
	case e.Upload:
		return true, e.store(ctx, p)
	case e.NoBody:
		return true, e.size(p)
	case p == "" || strings.HasSuffix(p, "/"):
		err = e.list(p)
	default:
		err = e.retrieve(ctx, p)
	}

	return err != nil, err
}

func (e *Engine) connect(ctx context.Context, u *url.URL) error {
	opts := []ftp.DialOption{ftp.DialWithContext(ctx)}

	if e.Timeout > 0 {
		opts = append(opts, ftp.DialWithTimeout(e.Timeout))
	}

	port := "21"
	if u.Scheme == "ftps" {
		port = "990"

		cfg := e.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: u.Hostname(), MinVersion: tls.VersionTLS12}
		}

		opts = append(opts, ftp.DialWithTLS(cfg))
	}

	if u.Port() != "" {
		port = u.Port()
	}

	if e.Verbose && e.DebugFunc != nil {
		opts = append(opts, ftp.DialWithDebugOutput(debugWriter{e: e}))
	}

	addr := net.JoinHostPort(u.Hostname(), port)
	e.Debug(engine.InfoText, "Trying %s...", addr)

	conn, err := ftp.Dial(addr, opts...)
	if err != nil {
		return e.classify(err, fault.CodeCouldntConnect)
	}

	e.conn = conn
	e.SetEffectiveURL(u.String())

	user, pass := e.credentials(u)
	if err := conn.Login(user, pass); err != nil {
		return e.classify(err, fault.CodeLoginDenied)
	}

	if pwd, err := conn.CurrentDir(); err == nil {
		e.SetEntryPath(pwd)
	}

	return nil
}

func (e *Engine) credentials(u *url.URL) (string, string) {
	if e.Username != "" {
		return e.Username, e.Password
	}

	if u.User != nil {
		pass, _ := u.User.Password()
		return u.User.Username(), pass
	}

	return "anonymous", "anonymous"
}

func (e *Engine) store(ctx context.Context, p string) error {
	r := e.ReadStream
	if r == nil {
		r = strings.NewReader("")
	}

	pr := progress.NewReader(r, e.InFileSize, progress.LogInterval,
		progress.LogFunc(logctx.LoggerFromContext(ctx), "upload progress", e.URL))
	pr.OnRead = func(n int64) {
		e.AddUploaded(n)

		if e.SendFunc != nil {
			e.SendFunc(n)
		}
	}

	err := e.conn.Stor(p, pr)
	_ = pr.Close()

	if err != nil {
		return e.classify(err, fault.CodeUploadFailed)
	}

	e.SetResponse(ftp.StatusClosingDataConnection, "")

	return e.emitStatus(ftp.StatusClosingDataConnection, "Transfer complete", -1)
}

func (e *Engine) size(p string) error {
	n, err := e.conn.FileSize(p)
	if err != nil {
		return e.classify(err, fault.CodeRemoteFileNotFound)
	}

	e.SetResponse(ftp.StatusFile, "")

	return e.emitStatus(ftp.StatusFile, strconv.FormatInt(n, 10), n)
}

func (e *Engine) list(p string) error {
	names, err := e.conn.NameList(p)
	if err != nil {
		return e.classify(err, fault.CodeRemoteFileNotFound)
	}

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString("\r\n")
	}

	e.body = strings.NewReader(b.String())
	e.SetResponse(ftp.StatusClosingDataConnection, "")

	return e.emitStatus(ftp.StatusClosingDataConnection, "Directory send OK", int64(b.Len()))
}

func (e *Engine) retrieve(ctx context.Context, p string) error {
	size := int64(-1)
	if n, err := e.conn.FileSize(p); err == nil {
		size = n
	}

	var offset int64

	if e.Range != "" {
		start, end, err := parseRange(e.Range, size)
		if err != nil {
			return fault.Transfer(fault.CodeRangeError, err)
		}

		offset = start
		if end >= 0 {
			e.remaining = end - start + 1
		}
	}

	resp, err := e.conn.RetrFrom(p, uint64(offset))
	if err != nil {
		return e.classify(err, fault.CodeRemoteFileNotFound)
	}

	e.retr = resp
	e.body = resp
	e.stop = context.AfterFunc(ctx, func() {
		_ = resp.SetDeadline(time.Now())
	})

	length := e.remaining
	if length < 0 && size >= 0 {
		length = size - offset
	}

	e.SetResponse(ftp.StatusAboutToSend, "")

	return e.emitStatus(ftp.StatusAboutToSend, "Opening BINARY mode data connection", length)
}

func (e *Engine) read(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, engine.Classify(err, fault.CodeAbortedByCallback)
	}

	size := chunkSize
	if e.remaining >= 0 && e.remaining < int64(size) {
		size = int(e.remaining)
	}

	buf := make([]byte, size)

	n, err := e.body.Read(buf)
	if n > 0 {
		e.AddDownloaded(int64(n))

		if e.remaining >= 0 {
			e.remaining -= int64(n)
		}

		if werr := e.EmitBody(buf[:n]); werr != nil {
			return true, werr
		}
	}

	cut := e.remaining == 0
	if cut {
		err = io.EOF
	}

	switch {
	case errors.Is(err, io.EOF):
		return true, e.finishRetr(cut)
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return true, engine.Classify(ctxErr, fault.CodeAbortedByCallback)
		}

		return true, e.classify(err, fault.CodeRecvError)
	}

	return false, nil
}

// finishRetr closes the data connection and reads the final reply. A
// transfer cut short by a range may be answered with 426, which is expected.
func (e *Engine) finishRetr(cut bool) error {
	if e.retr == nil {
		return nil
	}

	resp := e.retr
	e.retr = nil

	if e.stop != nil {
		e.stop()
	}

	if err := resp.Close(); err != nil && !cut {
		return e.classify(err, fault.CodeRecvError)
	}

	e.SetResponse(ftp.StatusClosingDataConnection, "")

	return nil
}

func (e *Engine) emitStatus(code int, msg string, length int64) error {
	if err := e.EmitHeader(fmt.Sprintf("FTP %d %s", code, msg)); err != nil {
		return err
	}

	if length >= 0 {
		if err := e.EmitHeader("Content-Length: " + strconv.FormatInt(length, 10)); err != nil {
			return err
		}
	}

	if code == ftp.StatusFile {
		if err := e.EmitHeader("Accept-Ranges: bytes"); err != nil {
			return err
		}
	}

	return e.EmitHeader("")
}

func (e *Engine) classify(err error, fallback fault.Code) error {
	var tp *textproto.Error
	if !errors.As(err, &tp) {
		return engine.Classify(err, fallback)
	}

	e.SetResponse(tp.Code, "")

	code := fallback

	switch tp.Code {
	case ftp.StatusNotLoggedIn, ftp.StatusInvalidCredentials, ftp.StatusLoginNeedAccount:
		code = fault.CodeLoginDenied
	case ftp.StatusFileUnavailable:
		if fallback != fault.CodeUploadFailed {
			code = fault.CodeRemoteFileNotFound
		}
	case ftp.StatusCanNotOpenDataConnection:
		code = fault.CodeCouldntConnect
	}

	return fault.Transfer(code, err).WithResponseCode(tp.Code).WithDetail(tp.Msg)
}

// parseRange parses "A-B", "A-" and "-N". size is -1 when unknown.
func parseRange(r string, size int64) (int64, int64, error) {
	first, last, ok := strings.Cut(r, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed range %q", r)
	}

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || size < 0 || n > size {
			return 0, 0, fmt.Errorf("unsatisfiable range %q", r)
		}

		return size - n, size - 1, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, fmt.Errorf("malformed range %q", r)
	}

	if last == "" {
		return start, -1, nil
	}

	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return 0, 0, fmt.Errorf("malformed range %q", r)
	}

	return start, end, nil
}

type debugWriter struct {
	e *Engine
}

func (w debugWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\r\n"), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}

		if strings.HasPrefix(strings.ToUpper(line), "PASS ") {
			line = "PASS ****"
		}

		w.e.Debug(engine.InfoText, "%s", line)
	}

	return len(p), nil
}
