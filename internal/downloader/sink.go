package downloader

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/netxfer/internal/transfer"
)

const progressInterval = int64(100 * 1024 * 1024) // 100MB

// Opener creates the destination of a transfer's body. It is called once,
// when the first body bytes arrive.
type Opener func(h *transfer.Handle) (io.WriteCloser, error)

// Sink is a transfer delegate that writes the body to the destination
// returned by its Opener. A write failure cancels the transfer.
type Sink struct {
	open Opener

	mu       sync.Mutex
	w        io.WriteCloser
	total    int64
	written  int64
	reported int64
	err      error
}

var (
	_ transfer.ResponseReceiver = (*Sink)(nil)
	_ transfer.Finisher         = (*Sink)(nil)
	_ transfer.FailureReceiver  = (*Sink)(nil)
)

func NewSink(open Opener) *Sink {
	return &Sink{open: open, total: -1}
}

func (s *Sink) DidReceiveResponse(h *transfer.Handle, resp *transfer.Response) {
	s.mu.Lock()
	s.total = resp.ContentLength()
	s.mu.Unlock()

	h.Logger().DebugContext(h.Context(), "Received response",
		"status", resp.StatusCode,
		"content_type", resp.Get("Content-Type"),
		"content_length", resp.ContentLength())
}

func (s *Sink) DidReceiveData(h *transfer.Handle, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return
	}

	if s.w == nil {
		w, err := s.open(h)
		if err != nil {
			s.fail(h, fmt.Errorf("failed to open destination: %w", err))

			return
		}

		s.w = w
	}

	n, err := s.w.Write(data)
	s.written += int64(n)

	if err != nil {
		s.fail(h, fmt.Errorf("failed to write data: %w", err))

		return
	}

	if s.written-s.reported >= progressInterval {
		s.reported = s.written
		s.logProgress(h)
	}
}

func (s *Sink) DidFinish(h *transfer.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.close(); err != nil && s.err == nil {
		s.err = err
	}

	h.Logger().InfoContext(h.Context(), "Transfer finished", "written", humanize.Bytes(uint64(s.written)))
}

func (s *Sink) DidFail(h *transfer.Handle, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.err = errors.Join(s.err, s.close())

	h.Logger().WarnContext(h.Context(), "Transfer failed", "written", humanize.Bytes(uint64(s.written)), "err", err)
}

// Written returns the number of body bytes written to the destination.
func (s *Sink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.written
}

// Err returns the first error opening, writing or closing the destination.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// fail must be called with mu held.
func (s *Sink) fail(h *transfer.Handle, err error) {
	s.err = err
	h.Cancel()
}

func (s *Sink) close() error {
	if s.w == nil {
		return nil
	}

	err := s.w.Close()
	s.w = nil

	return err
}

func (s *Sink) logProgress(h *transfer.Handle) {
	logger, ctx := h.Logger(), h.Context()

	if s.total > 0 {
		logger.DebugContext(ctx, "download progress",
			"downloaded", humanize.Bytes(uint64(s.written)),
			"total", humanize.Bytes(uint64(s.total)),
			"percent", humanize.FtoaWithDigits(float64(s.written)*100/float64(s.total), 2))

		return
	}

	logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(s.written)))
}
