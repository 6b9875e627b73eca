// Package sftpengine implements engine.Easy for sftp URLs using
// github.com/pkg/sftp over golang.org/x/crypto/ssh.
//
// The server host key is checked against the known-hosts file and the final
// verdict is taken by the HostKeyFunc option. Without one, only keys that
// match the file are accepted.
package sftpengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/italolelis/netxfer/internal/engine"
	"github.com/italolelis/netxfer/internal/fault"
	"github.com/italolelis/netxfer/internal/logctx"
	"github.com/italolelis/netxfer/internal/progress"
	"github.com/italolelis/netxfer/internal/throttle"
)

const chunkSize = 16 * 1024

// Status codes reported through InfoResponseCode, as defined by the SFTP protocol.
const (
	statusOK         = 0
	statusNoSuchFile = 2
	statusPermission = 3
)

const defaultDialTimeout = 30 * time.Second

var (
	errHostKeyRejected = errors.New("host key rejected")
	errHostKeyDeferred = errors.New("host key verification deferred")
)

// knownHostsMu serializes appends to known-hosts files across engines.
var knownHostsMu sync.Mutex

// Option configures an Engine.
type Option func(*Engine)

// WithLimiter makes every connection wait on l before it is opened.
func WithLimiter(l *throttle.Limiter) Option {
	return func(e *Engine) {
		e.limiter = l
	}
}

// WithAuthMethods adds SSH authentication methods tried after the password.
func WithAuthMethods(methods ...ssh.AuthMethod) Option {
	return func(e *Engine) {
		e.auth = append(e.auth, methods...)
	}
}

// Engine drives one SFTP exchange.
type Engine struct {
	engine.Config
	engine.Stats

	limiter *throttle.Limiter
	auth    []ssh.AuthMethod

	sshClient *ssh.Client
	client    *sftp.Client
	file      *sftp.File
	body      io.Reader
	remaining int64
	keyErr    error
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

	if e.file != nil {
		_ = e.file.Close()
	}

	if e.client != nil {
		_ = e.client.Close()
	}

	if e.sshClient != nil {
		return e.sshClient.Close()
	}

	return nil
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

	p, err := e.remotePath(u)
	if err != nil {
		return true, err
	}

	switch {
	case e.Upload:
		return true, e.store(ctx, p)
	case e.NoBody:
		return true, e.stat(p)
	case strings.HasSuffix(p, "/"):
		err = e.list(p)
	default:
		err = e.retrieve(p)
	}

	return err != nil, err
}

func (e *Engine) connect(ctx context.Context, u *url.URL) error {
	port := u.Port()
	if port == "" {
		port = "22"
	}

	addr := net.JoinHostPort(u.Hostname(), port)

	callback, err := e.hostKeyCallback()
	if err != nil {
		return err
	}

	user, auth := e.credentials(u)

	timeout := e.Timeout
	if timeout == 0 {
		timeout = defaultDialTimeout
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: callback,
		Timeout:         timeout,
	}

	e.Debug(engine.InfoText, "Trying %s...", addr)

	dialer := net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return engine.Classify(err, fault.CodeCouldntConnect)
	}

	e.Debug(engine.InfoText, "Connected to %s", conn.RemoteAddr())

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()

		if e.keyErr != nil {
			return fault.Transfer(fault.CodePeerFailedVerification, e.keyErr)
		}

		if strings.Contains(err.Error(), "unable to authenticate") {
			return fault.Transfer(fault.CodeLoginDenied, err)
		}

		return engine.Classify(err, fault.CodeSSH)
	}

	e.sshClient = ssh.NewClient(sshConn, chans, reqs)
	e.stop = context.AfterFunc(ctx, func() {
		_ = e.sshClient.Close()
	})

	client, err := sftp.NewClient(e.sshClient)
	if err != nil {
		return fault.Transfer(fault.CodeSSH, err)
	}

	e.client = client
	e.SetEffectiveURL(u.String())

	if wd, err := client.Getwd(); err == nil {
		e.SetEntryPath(wd)
	}

	return nil
}

func (e *Engine) credentials(u *url.URL) (string, []ssh.AuthMethod) {
	user, pass := e.Username, e.Password
	if user == "" && u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}

	auth := make([]ssh.AuthMethod, 0, len(e.auth)+1)
	if pass != "" {
		auth = append(auth, ssh.Password(pass))
	}

	return user, append(auth, e.auth...)
}

// remotePath resolves the URL path. Paths are absolute unless they start
// with /~/, which is relative to the login directory.
func (e *Engine) remotePath(u *url.URL) (string, error) {
	p := u.Path
	if !strings.HasPrefix(p, "/~/") {
		return p, nil
	}

	wd, err := e.client.Getwd()
	if err != nil {
		return "", fault.Transfer(fault.CodeSSH, err)
	}

	resolved := path.Join(wd, strings.TrimPrefix(p, "/~/"))
	if strings.HasSuffix(p, "/") {
		resolved += "/"
	}

	return resolved, nil
}

func (e *Engine) hostKeyCallback() (ssh.HostKeyCallback, error) {
	var known ssh.HostKeyCallback

	if e.KnownHostsFile != "" {
		if _, err := os.Stat(e.KnownHostsFile); err == nil {
			cb, err := knownhosts.New(e.KnownHostsFile)
			if err != nil {
				return nil, fault.Transfer(fault.CodeSSH, fmt.Errorf("read known hosts: %w", err))
			}

			known = cb
		}
	}

	decide := e.HostKeyFunc
	if decide == nil {
		decide = engine.StrictHostKeys
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		found := engine.HostKey{Type: key.Type(), Key: key.Marshal()}
		match := engine.KeyMatchMissing

		var knownKey *engine.HostKey

		if known != nil {
			var keyErr *knownhosts.KeyError

			err := known(hostname, remote, key)

			switch {
			case err == nil:
				match = engine.KeyMatchOK
				knownKey = &found
			case errors.As(err, &keyErr) && len(keyErr.Want) > 0:
				match = engine.KeyMatchMismatch
				want := keyErr.Want[0].Key
				knownKey = &engine.HostKey{Type: want.Type(), Key: want.Marshal()}
			case errors.As(err, &keyErr):
				match = engine.KeyMatchMissing
			default:
				e.keyErr = err
				return err
			}
		}

		e.Debug(engine.InfoText, "Host key %s %s: %s", found.Type, found.Fingerprint(), match)

		switch status := decide(knownKey, found, match); status {
		case engine.KeyStatusFine:
			return nil
		case engine.KeyStatusFineAddToFile:
			if match == engine.KeyMatchOK {
				return nil
			}

			return e.addKnownHost(hostname, key)
		case engine.KeyStatusDefer:
			e.keyErr = errHostKeyDeferred
			return errHostKeyDeferred
		default:
			e.keyErr = errHostKeyRejected
			return errHostKeyRejected
		}
	}, nil
}

func (e *Engine) addKnownHost(hostname string, key ssh.PublicKey) error {
	if e.KnownHostsFile == "" {
		return nil
	}

	knownHostsMu.Lock()
	defer knownHostsMu.Unlock()

	f, err := os.OpenFile(e.KnownHostsFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		e.keyErr = err
		return fmt.Errorf("open known hosts: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := fmt.Fprintln(f, line); err != nil {
		e.keyErr = err
		return fmt.Errorf("write known hosts: %w", err)
	}

	return nil
}

func (e *Engine) store(ctx context.Context, p string) error {
	f, err := e.client.Create(p)
	if err != nil {
		return e.classify(err, fault.CodeUploadFailed)
	}
	defer f.Close()

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

	_, err = io.Copy(f, pr)
	_ = pr.Close()

	if err != nil {
		return e.classify(err, fault.CodeUploadFailed)
	}

	if err := f.Close(); err != nil {
		return e.classify(err, fault.CodeUploadFailed)
	}

	e.SetResponse(statusOK, "")

	return e.emitStatus(-1, nil)
}

func (e *Engine) stat(p string) error {
	fi, err := e.client.Stat(p)
	if err != nil {
		return e.classify(err, fault.CodeRemoteFileNotFound)
	}

	e.SetResponse(statusOK, "")

	return e.emitStatus(fi.Size(), fi)
}

func (e *Engine) list(p string) error {
	entries, err := e.client.ReadDir(p)
	if err != nil {
		return e.classify(err, fault.CodeRemoteFileNotFound)
	}

	var b strings.Builder
	for _, fi := range entries {
		b.WriteString(fi.Name())
		if fi.IsDir() {
			b.WriteString("/")
		}
		b.WriteString("\n")
	}

	e.body = strings.NewReader(b.String())
	e.SetResponse(statusOK, "")

	return e.emitStatus(int64(b.Len()), nil)
}

func (e *Engine) retrieve(p string) error {
	f, err := e.client.Open(p)
	if err != nil {
		return e.classify(err, fault.CodeRemoteFileNotFound)
	}

	e.file = f
	e.body = f

	fi, err := f.Stat()
	if err != nil {
		return e.classify(err, fault.CodeRemoteFileNotFound)
	}

	size := fi.Size()
	length := size

	if e.Range != "" {
		start, end, err := parseRange(e.Range, size)
		if err != nil {
			return fault.Transfer(fault.CodeRangeError, err)
		}

		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return fault.Transfer(fault.CodeRangeError, err)
		}

		if end < 0 || end >= size {
			end = size - 1
		}

		e.remaining = end - start + 1
		length = e.remaining
	}

	e.SetResponse(statusOK, "")

	return e.emitStatus(length, fi)
}

func (e *Engine) read(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return true, engine.Classify(err, fault.CodeAbortedByCallback)
	}

	if e.remaining == 0 {
		return true, nil
	}

	size := chunkSize
	if e.remaining > 0 && e.remaining < int64(size) {
		size = int(e.remaining)
	}

	buf := make([]byte, size)

	n, err := e.body.Read(buf)
	if n > 0 {
		e.AddDownloaded(int64(n))

		if e.remaining > 0 {
			e.remaining -= int64(n)
		}

		if werr := e.EmitBody(buf[:n]); werr != nil {
			return true, werr
		}
	}

	switch {
	case errors.Is(err, io.EOF) || e.remaining == 0:
		return true, nil
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return true, engine.Classify(ctxErr, fault.CodeAbortedByCallback)
		}

		return true, e.classify(err, fault.CodeRecvError)
	}

	return false, nil
}

func (e *Engine) emitStatus(length int64, fi os.FileInfo) error {
	if err := e.EmitHeader("SFTP 0 OK"); err != nil {
		return err
	}

	if length >= 0 {
		if err := e.EmitHeader("Content-Length: " + strconv.FormatInt(length, 10)); err != nil {
			return err
		}
	}

	if fi != nil && !fi.ModTime().IsZero() {
		if err := e.EmitHeader("Last-Modified: " + fi.ModTime().UTC().Format(http.TimeFormat)); err != nil {
			return err
		}
	}

	return e.EmitHeader("")
}

func (e *Engine) classify(err error, fallback fault.Code) error {
	code, ferr := -1, error(nil)

	var status *sftp.StatusError

	switch {
	case errors.Is(err, os.ErrNotExist):
		code, ferr = statusNoSuchFile, fault.Transfer(fault.CodeRemoteFileNotFound, err)
	case errors.Is(err, os.ErrPermission):
		code, ferr = statusPermission, fault.Transfer(fault.CodeRemoteAccessDenied, err)
	case errors.As(err, &status):
		code, ferr = int(status.Code), fault.Transfer(fallback, err)
	default:
		return engine.Classify(err, fallback)
	}

	e.SetResponse(code, "")

	return ferr.(*fault.Error).WithResponseCode(code)
}

// parseRange parses "A-B", "A-" and "-N" against a file of size bytes.
func parseRange(r string, size int64) (int64, int64, error) {
	first, last, ok := strings.Cut(r, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed range %q", r)
	}

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n > size {
			return 0, 0, fmt.Errorf("unsatisfiable range %q", r)
		}

		return size - n, size - 1, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 || start > size {
		return 0, 0, fmt.Errorf("unsatisfiable range %q", r)
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
