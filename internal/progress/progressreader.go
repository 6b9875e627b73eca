package progress

import (
	"io"
	"log/slog"
	neturl "net/url"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// LogInterval is how many bytes pass between two progress log lines.
const LogInterval = 10 << 20

// Reader wraps an io.Reader and reports progress via callbacks.
//
// OnRead is told the size of every chunk read and, exactly once, zero when the
// stream reaches EOF or is closed. OnProgress is called whenever at least
// interval bytes were read since the previous report, and when 5% of a known
// total is crossed.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnRead     func(n int64)
	OnProgress func(read int64, total int64)

	interval   int64
	totalRead  atomic.Int64
	lastReport atomic.Int64

	finishOnce sync.Once
	closeOnce  sync.Once
	closed     chan struct{}
}

// NewReader returns a Reader over r. total is -1 when the size is unknown.
func NewReader(r io.Reader, total int64, interval int64, onProgress func(read int64, total int64)) *Reader {
	return &Reader{
		Reader:     r,
		Total:      total,
		OnProgress: onProgress,
		interval:   interval,
		closed:     make(chan struct{}),
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		read := pr.totalRead.Add(int64(n))
		since := pr.lastReport.Add(int64(n))

		if pr.OnRead != nil {
			pr.OnRead(int64(n))
		}

		crossed := pr.Total > 0 && read*100/pr.Total >= 5 && (read-int64(n))*100/pr.Total < 5
		if pr.OnProgress != nil && ((pr.interval > 0 && since >= pr.interval) || crossed) {
			pr.OnProgress(read, pr.Total)
			pr.lastReport.Store(0)
		}
	}

	if err == io.EOF {
		pr.finish()
	}

	return n, err
}

// Close marks the stream finished and closes the wrapped reader if it is an io.Closer.
func (pr *Reader) Close() error {
	pr.finish()

	var err error

	pr.closeOnce.Do(func() {
		if c, ok := pr.Reader.(io.Closer); ok {
			err = c.Close()
		}

		close(pr.closed)
	})

	return err
}

// Closed is closed once Close has been called.
func (pr *Reader) Closed() <-chan struct{} {
	return pr.closed
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.totalRead.Load()
}

func (pr *Reader) finish() {
	pr.finishOnce.Do(func() {
		if pr.OnRead != nil {
			pr.OnRead(0)
		}
	})
}

// LogFunc returns a progress callback that logs human readable sizes at debug level.
// Passwords in rawURL are masked.
func LogFunc(logger *slog.Logger, msg, rawURL string) func(read int64, total int64) {
	url := rawURL
	if u, err := neturl.Parse(rawURL); err == nil {
		url = u.Redacted()
	}

	return func(read int64, total int64) {
		if total > 0 {
			logger.Debug(msg,
				"url", url,
				"transferred", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2))

			return
		}

		logger.Debug(msg, "url", url, "transferred", humanize.Bytes(uint64(read)))
	}
}
