package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/netxfer/internal/logctx"
	"github.com/italolelis/netxfer/internal/transfer"
)

const (
	dirPerm  = 0755
	filePerm = 0644
)

var (
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("downloader is closed")
	// ErrInvalidURL is returned by Start for URLs that cannot be downloaded.
	ErrInvalidURL = errors.New("invalid url")
)

// Event describes a download that reached a terminal state.
type Event struct {
	ID           uuid.UUID
	URL          string
	Path         string
	ResponseCode int
	Written      int64
	Err          error
}

// Downloader stores transfers into a directory. Each download is written to
// <dir>/<handle id>-<name> so retention can find it by id.
type Downloader struct {
	downloadDir string
	opts        []transfer.Option

	mu     sync.Mutex
	active map[uuid.UUID]*transfer.Handle
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup

	OnTransferFinished chan Event
	OnTransferFailed   chan Event
}

// NewDownloader returns a downloader that starts handles with opts.
func NewDownloader(downloadDir string, opts ...transfer.Option) *Downloader {
	return &Downloader{
		downloadDir:        downloadDir,
		opts:               opts,
		active:             make(map[uuid.UUID]*transfer.Handle),
		done:               make(chan struct{}),
		OnTransferFinished: make(chan Event),
		OnTransferFailed:   make(chan Event),
	}
}

// Start begins downloading rawURL asynchronously. The transfer outlives ctx;
// only its logger is kept.
func (d *Downloader) Start(ctx context.Context, rawURL string) (*transfer.Handle, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}

	if !u.IsAbs() {
		return nil, fmt.Errorf("%w: %q is not absolute", ErrInvalidURL, rawURL)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrClosed
	}

	if err := os.MkdirAll(d.downloadDir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create target directory: %w", err)
	}

	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	var target string

	sink := NewSink(func(h *transfer.Handle) (io.WriteCloser, error) {
		target = d.TargetPath(h.ID(), u)

		return os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	})

	h, err := transfer.New(req, nil, sink, d.opts...)
	if err != nil {
		return nil, err
	}

	d.active[h.ID()] = h
	d.wg.Add(1)

	go d.watch(h, sink, func() string { return target })

	logctx.LoggerFromContext(ctx).Info("download started", "transfer_id", h.ID(), "dir", d.downloadDir)

	return h, nil
}

func (d *Downloader) watch(h *transfer.Handle, sink *Sink, target func() string) {
	defer d.wg.Done()

	<-h.Done()

	d.mu.Lock()
	delete(d.active, h.ID())
	d.mu.Unlock()

	ev := Event{
		ID:      h.ID(),
		URL:     h.URL(),
		Path:    target(),
		Written: sink.Written(),
		Err:     errors.Join(h.Err(), sink.Err()),
	}

	if resp := h.Response(); resp != nil {
		ev.ResponseCode = resp.StatusCode
	}

	ch := d.OnTransferFinished
	if ev.Err != nil {
		ch = d.OnTransferFailed
	}

	select {
	case ch <- ev:
	case <-d.done:
	}
}

// TargetPath returns where the body of transfer id for u is written.
func (d *Downloader) TargetPath(id uuid.UUID, u *url.URL) string {
	name := path.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		name = "download"
	}

	return filepath.Join(d.downloadDir, id.String()+"-"+strings.ReplaceAll(name, string(filepath.Separator), "_"))
}

// Get returns the running handle with the given id.
func (d *Downloader) Get(id uuid.UUID) (*transfer.Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.active[id]

	return h, ok
}

// Active returns the running handles.
func (d *Downloader) Active() []*transfer.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*transfer.Handle, 0, len(d.active))
	for _, h := range d.active {
		out = append(out, h)
	}

	return out
}

// Cancel cancels the running handle with the given id.
func (d *Downloader) Cancel(id uuid.UUID) bool {
	h, ok := d.Get(id)
	if ok {
		h.Cancel()
	}

	return ok
}

// FetchAll downloads every url, at most limit at a time, and waits for all of them.
func (d *Downloader) FetchAll(ctx context.Context, urls []string, limit int) error {
	g, ctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}

	for _, u := range urls {
		g.Go(func() error {
			h, err := d.Start(ctx, u)
			if err != nil {
				return err
			}

			stop := context.AfterFunc(ctx, h.Cancel)
			defer stop()

			if err := h.Wait(context.WithoutCancel(ctx)); err != nil {
				return fmt.Errorf("failed to download %s: %w", u, err)
			}

			return nil
		})
	}

	return g.Wait()
}

// Close cancels the running downloads, waits for them and closes the event channels.
func (d *Downloader) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()

		return
	}

	d.closed = true

	for _, h := range d.active {
		h.Cancel()
	}
	d.mu.Unlock()

	close(d.done)
	d.wg.Wait()

	close(d.OnTransferFinished)
	close(d.OnTransferFailed)
}
