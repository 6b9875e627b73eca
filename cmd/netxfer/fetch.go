package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/adrg/xdg"
	"golang.org/x/oauth2"

	"github.com/italolelis/netxfer/internal/config"
	"github.com/italolelis/netxfer/internal/downloader"
	"github.com/italolelis/netxfer/internal/engine"
	"github.com/italolelis/netxfer/internal/logctx"
	"github.com/italolelis/netxfer/internal/multi"
	"github.com/italolelis/netxfer/internal/transfer"
)

type headerFlags []string

func (h *headerFlags) String() string { return strings.Join(*h, ", ") }

func (h *headerFlags) Set(v string) error {
	if !strings.Contains(v, ":") {
		return fmt.Errorf("header %q is not in Name: value form", v)
	}

	*h = append(*h, v)

	return nil
}

type fetchFlags struct {
	output     string
	saveToDir  bool
	dir        string
	method     string
	data       string
	headers    headerFlags
	user       string
	bearer     string
	byteRange  string
	include    bool
	verbose    bool
	fail       bool
	acceptNew  bool
	parallel   int
	knownHosts string
}

func parseFetchFlags(cfg *config.Config, args []string) (*fetchFlags, []string, error) {
	f := &fetchFlags{}

	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	fs.StringVar(&f.output, "o", "-", "write the body to `file` (- for stdout)")
	fs.BoolVar(&f.saveToDir, "O", false, "save into -dir, named after the transfer id and URL")
	fs.StringVar(&f.dir, "dir", xdg.UserDirs.Download, "directory used by -O and for several URLs")
	fs.StringVar(&f.method, "X", "", "request `method`")
	fs.StringVar(&f.data, "d", "", "request body; @file reads it from a file")
	fs.Var(&f.headers, "H", "extra request header, repeatable")
	fs.StringVar(&f.user, "u", "", "`user:password` credentials")
	fs.StringVar(&f.bearer, "bearer", "", "bearer `token`")
	fs.StringVar(&f.byteRange, "r", "", "byte `range`, e.g. 0-499")
	fs.BoolVar(&f.include, "i", false, "print the response status and header fields to stderr")
	fs.BoolVar(&f.verbose, "v", false, "print engine diagnostics to stderr")
	fs.BoolVar(&f.fail, "f", false, "fail on HTTP status 400 and above")
	fs.BoolVar(&f.acceptNew, "accept-new-host-key", false, "trust and record host keys missing from the known-hosts file")
	fs.IntVar(&f.parallel, "parallel", cfg.MaxConcurrent, "transfers run at once when fetching several URLs")
	fs.StringVar(&f.knownHosts, "k", cfg.KnownHosts, "known-hosts `file` for sftp")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	if fs.NArg() == 0 {
		return nil, nil, errors.New("fetch: at least one URL is required")
	}

	return f, fs.Args(), nil
}

func fetch(ctx context.Context, cfg *config.Config, args []string) error {
	f, urls, err := parseFetchFlags(cfg, args)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}

	if err != nil {
		return err
	}

	if f.knownHosts != "" {
		cfg.KnownHosts = f.knownHosts
	}

	if f.saveToDir || len(urls) > 1 {
		return fetchAll(ctx, cfg, f, urls)
	}

	return fetchOne(ctx, cfg, f, urls[0])
}

func fetchAll(ctx context.Context, cfg *config.Config, f *fetchFlags, urls []string) error {
	if f.method != "" || f.data != "" {
		return errors.New("fetch: -X and -d apply to a single URL")
	}

	coord := multi.New(multi.WithMaxConcurrent(f.parallel), multi.WithLogger(logctx.LoggerFromContext(ctx)))

	opts, closeShare, err := transferOptions(ctx, cfg, coord, nil)
	if err != nil {
		return err
	}
	defer closeShare()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() { _ = coord.Run(rctx) }()

	dl := downloader.NewDownloader(f.dir, append(opts, transfer.WithFailOnError(f.fail))...)
	defer func() {
		dl.Close()
		_ = coord.Close()
	}()

	go func() {
		for ev := range dl.OnTransferFinished {
			fmt.Fprintln(os.Stderr, ev.Path)
		}
	}()
	go func() {
		for range dl.OnTransferFailed {
		}
	}()

	return dl.FetchAll(ctx, urls, f.parallel)
}

func fetchOne(ctx context.Context, cfg *config.Config, f *fetchFlags, rawURL string) error {
	opts, closeShare, err := transferOptions(ctx, cfg, nil, nil)
	if err != nil {
		return err
	}
	defer closeShare()

	req, err := newFetchRequest(ctx, f, rawURL)
	if err != nil {
		return err
	}

	d := &cliDelegate{
		Sink:      downloader.NewSink(outputOpener(f.output)),
		include:   f.include,
		acceptNew: f.acceptNew,
	}

	var delegate transfer.Delegate = d
	if f.verbose {
		delegate = &verboseDelegate{d}
	}

	_, err = transfer.RunSynchronously(ctx, req, credential(f), delegate,
		append(opts, transfer.WithFailOnError(f.fail), transfer.WithVerbose(f.verbose))...)

	return errors.Join(err, d.Err())
}

func newFetchRequest(ctx context.Context, f *fetchFlags, rawURL string) (*http.Request, error) {
	var body io.Reader

	if f.data != "" {
		data := []byte(f.data)

		if name, ok := strings.CutPrefix(f.data, "@"); ok {
			b, err := os.ReadFile(name)
			if err != nil {
				return nil, fmt.Errorf("failed to read request body: %w", err)
			}

			data = b
		}

		body = bytes.NewReader(data)
	}

	method := f.method
	if method == "" {
		method = http.MethodGet
		if body != nil {
			method = http.MethodPost
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	for _, h := range f.headers {
		name, value, _ := strings.Cut(h, ":")
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	if f.byteRange != "" {
		req.Header.Set("Range", "bytes="+f.byteRange)
	}

	return req, nil
}

func credential(f *fetchFlags) *transfer.Credential {
	switch {
	case f.bearer != "":
		return &transfer.Credential{TokenSource: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: f.bearer})}
	case f.user != "":
		user, password, _ := strings.Cut(f.user, ":")

		return &transfer.Credential{Username: user, Password: password}
	default:
		return nil
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func outputOpener(output string) downloader.Opener {
	return func(*transfer.Handle) (io.WriteCloser, error) {
		if output == "-" {
			return nopWriteCloser{os.Stdout}, nil
		}

		return os.Create(output)
	}
}

// cliDelegate writes the body through its Sink and reports to stderr.
type cliDelegate struct {
	*downloader.Sink

	include   bool
	acceptNew bool
}

func (d *cliDelegate) DidReceiveResponse(h *transfer.Handle, resp *transfer.Response) {
	if d.include {
		fmt.Fprintf(os.Stderr, "%s %d %s\n", resp.Proto, resp.StatusCode, resp.Reason)

		for _, field := range resp.Fields() {
			fmt.Fprintf(os.Stderr, "%s: %s\n", field.Name, field.Value)
		}

		fmt.Fprintln(os.Stderr)
	}

	d.Sink.DidReceiveResponse(h, resp)
}

func (d *cliDelegate) VerifyHostFingerprint(_ *transfer.Handle, _ *engine.HostKey, found engine.HostKey, match engine.KeyMatch) engine.KeyStatus {
	switch {
	case match == engine.KeyMatchOK:
		return engine.KeyStatusFine
	case match == engine.KeyMatchMissing && d.acceptNew:
		fmt.Fprintf(os.Stderr, "Permanently added %s key %s to the known hosts.\n", found.Type, found.Fingerprint())

		return engine.KeyStatusFineAddToFile
	default:
		fmt.Fprintf(os.Stderr, "Host key verification failed (%s): %s key %s\n", match, found.Type, found.Fingerprint())

		return engine.KeyStatusReject
	}
}

// verboseDelegate additionally prints engine diagnostics.
type verboseDelegate struct {
	*cliDelegate
}

func (d *verboseDelegate) DidReceiveDebugInformation(_ *transfer.Handle, t engine.InfoType, data []byte) {
	prefix := "* "

	switch t {
	case engine.InfoHeaderIn:
		prefix = "< "
	case engine.InfoHeaderOut:
		prefix = "> "
	}

	for _, line := range strings.Split(strings.TrimRight(string(data), "\r\n"), "\n") {
		fmt.Fprintf(os.Stderr, "%s%s\n", prefix, strings.TrimRight(line, "\r"))
	}
}
