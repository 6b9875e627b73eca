package engine

import (
	"net/http"
	"net/http/cookiejar"
	"sync"

	"golang.org/x/net/publicsuffix"

	"github.com/italolelis/netxfer/internal/fault"
)

// Share holds state that several engines may use at once. Today that is the
// cookie jar of HTTP engines.
type Share struct {
	mu     sync.Mutex
	jar    http.CookieJar
	users  int
	closed bool
}

// NewShare returns a share with an empty, public-suffix aware cookie jar.
func NewShare() (*Share, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fault.Share(fault.ShareNoMem).WithCause(err)
	}

	return &Share{jar: jar}, nil
}

// Attach registers an engine as a user of the share.
func (s *Share) Attach() error {
	if s == nil {
		return fault.Share(fault.ShareInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fault.Share(fault.ShareInvalid)
	}

	s.users++

	return nil
}

// Detach releases a user registered with Attach.
func (s *Share) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.users > 0 {
		s.users--
	}
}

// Jar returns the shared cookie jar.
func (s *Share) Jar() http.CookieJar {
	return s.jar
}

// Close invalidates the share. It fails with ShareInUse while engines are attached.
func (s *Share) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fault.Share(fault.ShareInvalid)
	}

	if s.users > 0 {
		return fault.Share(fault.ShareInUse)
	}

	s.closed = true

	return nil
}
