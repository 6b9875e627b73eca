package httpengine

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/italolelis/netxfer/internal/engine"
	"github.com/italolelis/netxfer/internal/fault"
	"github.com/italolelis/netxfer/internal/throttle"
)

type recorder struct {
	mu      sync.Mutex
	headers []string
	body    bytes.Buffer
	sends   []int64
	debug   map[engine.InfoType][]string
}

func (r *recorder) attach(t *testing.T, e *Engine) {
	t.Helper()

	r.debug = make(map[engine.InfoType][]string)

	require.NoError(t, e.SetOption(engine.OptHeaderFunc, engine.HeaderFunc(func(line []byte) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.headers = append(r.headers, string(line))
		return nil
	})))
	require.NoError(t, e.SetOption(engine.OptWriteFunc, engine.WriteFunc(func(p []byte) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.body.Write(p)
		return nil
	})))
	require.NoError(t, e.SetOption(engine.OptSendFunc, engine.SendFunc(func(n int64) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.sends = append(r.sends, n)
	})))
	require.NoError(t, e.SetOption(engine.OptDebugFunc, engine.DebugFunc(func(it engine.InfoType, data []byte) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.debug[it] = append(r.debug[it], string(data))
	})))
}

func run(ctx context.Context, e engine.Easy) error {
	for {
		done, err := e.Step(ctx)
		if err != nil {
			return err
		}

		if done {
			return nil
		}
	}
}

func newEngine(t *testing.T, url string, opts ...Option) (*Engine, *recorder) {
	t.Helper()

	e := New(opts...)
	t.Cleanup(func() { _ = e.Close() })

	require.NoError(t, e.SetOption(engine.OptURL, url))

	rec := &recorder{}
	rec.attach(t, e)

	return e, rec
}

func TestEngine_GET(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("X-Test", "yes")
		_, _ = io.WriteString(w, "hello")
	}))
	defer srv.Close()

	e, rec := newEngine(t, srv.URL)

	require.NoError(t, run(t.Context(), e))

	require.NotEmpty(t, rec.headers)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n", rec.headers[0])
	assert.Contains(t, rec.headers, "X-Test: yes\r\n")
	assert.Equal(t, "\r\n", rec.headers[len(rec.headers)-1])
	assert.Equal(t, "hello", rec.body.String())

	assert.Equal(t, 200, engine.ResponseCode(e))
	assert.Equal(t, int64(5), engine.InfoInt64(e, engine.InfoSizeDownload))
	assert.Equal(t, srv.URL, engine.InfoString(e, engine.InfoEffectiveURL))
}

func TestEngine_HEADHasNoBody(t *testing.T) {
	var method atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method.Store(r.Method)
		w.Header().Set("Content-Length", "5")
		_, _ = io.WriteString(w, "hello")
	}))
	defer srv.Close()

	e, rec := newEngine(t, srv.URL)
	require.NoError(t, e.SetOption(engine.OptNoBody, true))

	require.NoError(t, run(t.Context(), e))

	assert.Equal(t, http.MethodHead, method.Load())
	assert.Zero(t, rec.body.Len())
	assert.Contains(t, rec.headers, "Content-Length: 5\r\n")
}

func TestEngine_PUTReportsUploadProgress(t *testing.T) {
	var received atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		b, _ := io.ReadAll(r.Body)
		received.Store(string(b))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	e, rec := newEngine(t, srv.URL)
	require.NoError(t, e.SetOption(engine.OptUpload, true))
	require.NoError(t, e.SetOption(engine.OptReadStream, strings.NewReader("0123456789")))
	require.NoError(t, e.SetOption(engine.OptInFileSize, int64(10)))

	require.NoError(t, run(t.Context(), e))

	assert.Equal(t, "0123456789", received.Load())
	assert.Equal(t, 201, engine.ResponseCode(e))

	rec.mu.Lock()
	defer rec.mu.Unlock()

	require.NotEmpty(t, rec.sends)
	assert.Equal(t, int64(0), rec.sends[len(rec.sends)-1])

	var sum int64
	zeros := 0
	for _, n := range rec.sends {
		sum += n
		if n == 0 {
			zeros++
		}
	}

	assert.Equal(t, int64(10), sum)
	assert.Equal(t, 1, zeros)
	assert.Equal(t, int64(10), engine.InfoInt64(e, engine.InfoSizeUpload))
}

func TestEngine_RequestHeaders(t *testing.T) {
	var got atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got.Store(r.Header.Clone())
	}))
	defer srv.Close()

	e, _ := newEngine(t, srv.URL, WithUserAgent("netxfer-test"))
	require.NoError(t, e.SetOption(engine.OptRange, "500-999"))
	require.NoError(t, e.SetOption(engine.OptHTTPHeader, []string{"X-One: 1", "X-Two:two"}))
	require.NoError(t, e.SetOption(engine.OptUsername, "user"))
	require.NoError(t, e.SetOption(engine.OptPassword, "secret"))

	require.NoError(t, run(t.Context(), e))

	h := got.Load().(http.Header)
	assert.Equal(t, "bytes=500-999", h.Get("Range"))
	assert.Equal(t, "1", h.Get("X-One"))
	assert.Equal(t, "two", h.Get("X-Two"))
	assert.Equal(t, "netxfer-test", h.Get("User-Agent"))
	assert.True(t, strings.HasPrefix(h.Get("Authorization"), "Basic "))
}

func TestRangeHeader(t *testing.T) {
	assert.Equal(t, "bytes=500-999", rangeHeader("500-999"))
	assert.Equal(t, "bytes=-100", rangeHeader("-100"))
	assert.Equal(t, "items=0-9", rangeHeader("items=0-9"))
}

func TestEngine_TokenSource(t *testing.T) {
	var auth atomic.Value

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	e, _ := newEngine(t, srv.URL)
	require.NoError(t, e.SetOption(engine.OptTokenSource, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "abc"})))

	require.NoError(t, run(t.Context(), e))
	assert.Equal(t, "Bearer abc", auth.Load())
}

func TestEngine_AcceptEncodingDecodesGzip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Encoding", "gzip")

		zw := gzip.NewWriter(w)
		_, _ = io.WriteString(zw, "hello gzip")
		_ = zw.Close()
	}))
	defer srv.Close()

	e, rec := newEngine(t, srv.URL)
	require.NoError(t, e.SetOption(engine.OptAcceptEncoding, "gzip"))

	require.NoError(t, run(t.Context(), e))
	assert.Equal(t, "hello gzip", rec.body.String())
}

func TestEngine_BadContentEncoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = io.WriteString(w, "definitely not gzip")
	}))
	defer srv.Close()

	e, _ := newEngine(t, srv.URL)
	require.NoError(t, e.SetOption(engine.OptAcceptEncoding, "gzip"))

	err := run(t.Context(), e)
	assert.ErrorIs(t, err, fault.Transfer(fault.CodeBadContentEncoding, nil))
}

func TestEngine_DoesNotFollowRedirects(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	e, rec := newEngine(t, srv.URL)

	require.NoError(t, run(t.Context(), e))
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, 302, engine.ResponseCode(e))
	assert.Contains(t, rec.headers, "Location: /elsewhere\r\n")
}

func TestEngine_FailOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	defer srv.Close()

	t.Run("disabled", func(t *testing.T) {
		e, rec := newEngine(t, srv.URL)

		require.NoError(t, run(t.Context(), e))
		assert.Equal(t, 404, engine.ResponseCode(e))
		assert.NotZero(t, rec.body.Len())
	})

	t.Run("enabled", func(t *testing.T) {
		e, rec := newEngine(t, srv.URL)
		require.NoError(t, e.SetOption(engine.OptFailOnError, true))

		err := run(t.Context(), e)
		assert.ErrorIs(t, err, fault.Transfer(fault.CodeHTTPReturnedError, nil))
		assert.Equal(t, 404, fault.ResponseCode(err))
		assert.Zero(t, rec.body.Len())
	})
}

func TestEngine_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	e, _ := newEngine(t, url)

	err := run(t.Context(), e)
	assert.ErrorIs(t, err, fault.Transfer(fault.CodeCouldntConnect, nil))
}

func TestEngine_WriteCallbackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "data")
	}))
	defer srv.Close()

	e := New()
	defer e.Close()

	require.NoError(t, e.SetOption(engine.OptURL, srv.URL))
	require.NoError(t, e.SetOption(engine.OptWriteFunc, func([]byte) error { return io.ErrShortWrite }))

	err := run(t.Context(), e)
	assert.ErrorIs(t, err, fault.Transfer(fault.CodeWriteError, nil))
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

func TestEngine_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "data")
	}))
	defer srv.Close()

	e, _ := newEngine(t, srv.URL)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	err := run(ctx, e)
	assert.ErrorIs(t, err, fault.ErrAborted)
}

func TestEngine_SharedCookies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/set", func(w http.ResponseWriter, _ *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "42", Path: "/"})
	})
	mux.HandleFunc("/get", func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie("session")
		if err != nil {
			http.Error(w, "missing", http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, c.Value)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	share, err := engine.NewShare()
	require.NoError(t, err)

	first, _ := newEngine(t, srv.URL+"/set")
	require.NoError(t, first.SetOption(engine.OptShare, share))
	require.NoError(t, run(t.Context(), first))

	second, rec := newEngine(t, srv.URL+"/get")
	require.NoError(t, second.SetOption(engine.OptShare, share))
	require.NoError(t, run(t.Context(), second))

	assert.Equal(t, "42", rec.body.String())

	assert.ErrorIs(t, share.Close(), fault.Share(fault.ShareInUse))
	require.NoError(t, first.Close())
	require.NoError(t, second.Close())
	require.NoError(t, share.Close())
}

func TestEngine_ClosedShare(t *testing.T) {
	share, err := engine.NewShare()
	require.NoError(t, err)
	require.NoError(t, share.Close())

	e, _ := newEngine(t, "http://127.0.0.1:1/")
	require.NoError(t, e.SetOption(engine.OptShare, share))

	err = run(t.Context(), e)
	assert.True(t, fault.IsShare(err))
}

func TestEngine_VerboseDebug(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	e, rec := newEngine(t, srv.URL)
	require.NoError(t, e.SetOption(engine.OptVerbose, true))

	require.NoError(t, run(t.Context(), e))

	rec.mu.Lock()
	defer rec.mu.Unlock()

	assert.Contains(t, rec.debug[engine.InfoHeaderIn], "HTTP/1.1 200 OK")
	require.NotEmpty(t, rec.debug[engine.InfoText])
	assert.True(t, strings.HasPrefix(rec.debug[engine.InfoText][0], "Trying "))
}

func TestEngine_Limiter(t *testing.T) {
	var hits atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	l, err := throttle.New(1000, 5, nil)
	require.NoError(t, err)

	factory := Factory(WithLimiter(l))
	for range 3 {
		e := factory()
		require.NoError(t, e.SetOption(engine.OptURL, srv.URL))
		require.NoError(t, run(t.Context(), e))
		require.NoError(t, e.Close())
	}

	assert.Equal(t, int32(3), hits.Load())
}

func TestEngine_SetOptionAfterStart(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	e, _ := newEngine(t, srv.URL)
	require.NoError(t, run(t.Context(), e))

	assert.Error(t, e.SetOption(engine.OptVerbose, true))
}

func TestEngine_ProxyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)

	t.Run("explicitly disabled", func(t *testing.T) {
		e := New()
		require.NoError(t, e.SetOption(engine.OptProxy, ""))

		f, err := e.proxyFunc()
		require.NoError(t, err)
		assert.Nil(t, f)
	})

	t.Run("explicit proxy with credentials", func(t *testing.T) {
		e := New()
		require.NoError(t, e.SetOption(engine.OptProxy, "proxy.local:3128"))
		require.NoError(t, e.SetOption(engine.OptProxyUserPwd, "bob:pw"))

		f, err := e.proxyFunc()
		require.NoError(t, err)
		require.NotNil(t, f)

		u, err := f(req)
		require.NoError(t, err)
		assert.Equal(t, "http://bob:pw@proxy.local:3128", u.String())
	})
}
