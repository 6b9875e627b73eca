// Package fault translates engine, coordinator and share status codes into
// domain-tagged errors that callers can query uniformly.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Domain identifies the code family an Error belongs to.
type Domain string

const (
	// DomainTransfer holds failures of a single transfer, reported by an engine.
	DomainTransfer Domain = "transfer"
	// DomainMulti holds failures of the coordinator to schedule or run a transfer.
	DomainMulti Domain = "multi"
	// DomainShare holds failures of state shared between transfers.
	DomainShare Domain = "share"
	// DomainURL holds user-facing causes such as cancellation.
	DomainURL Domain = "url"
)

// Construction errors, returned synchronously and never delivered to a delegate.
var (
	ErrNilRequest  = errors.New("transfer request is nil")
	ErrNilDelegate = errors.New("transfer delegate is nil")
)

// Sentinels for errors.Is. Matching compares domain and code only.
var (
	ErrCancelled       = &Error{Domain: DomainURL, Code: CodeCancelled}
	ErrAborted         = &Error{Domain: DomainTransfer, Code: CodeAbortedByCallback}
	ErrUnknownOption   = &Error{Domain: DomainTransfer, Code: CodeUnknownOption}
	ErrHostKeyRejected = &Error{Domain: DomainTransfer, Code: CodePeerFailedVerification}
	ErrBadHandle       = &Error{Domain: DomainMulti, Code: MultiBadHandle}
)

// Error is a domain-tagged, code-bearing error. Values are never mutated after
// construction; the With* methods return modified copies.
type Error struct {
	Domain       Domain // Code family
	Code         Code   // Numeric code within Domain
	ResponseCode int    // HTTP/FTP status known at failure time, 0 if none
	URL          string // Failing URL, if known
	Detail       string // Engine supplied description, if any
	Err          error  // Underlying error, if any
}

// Translate maps a (domain, code) pair to an Error. It returns nil for the
// success code of the transfer, multi and share families.
func Translate(d Domain, c Code) *Error {
	if c == CodeOK && d != DomainURL {
		return nil
	}

	return &Error{Domain: d, Code: c}
}

// Transfer returns a transfer-level error wrapping cause.
func Transfer(c Code, cause error) *Error {
	return &Error{Domain: DomainTransfer, Code: c, Err: cause}
}

// Multi returns a coordinator-level error.
func Multi(c Code) *Error {
	return &Error{Domain: DomainMulti, Code: c}
}

// Share returns a share-level error.
func Share(c Code) *Error {
	return &Error{Domain: DomainShare, Code: c}
}

// Cancelled returns the semantic error delivered when a transfer is canceled.
func Cancelled(url string) *Error {
	return &Error{Domain: DomainURL, Code: CodeCancelled, URL: url}
}

func (e *Error) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s error %d (%s)", e.Domain, e.Code, CodeName(e.Domain, e.Code))

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	if e.ResponseCode > 0 {
		fmt.Fprintf(&b, " (status %d)", e.ResponseCode)
	}

	if e.URL != "" {
		b.WriteString(" for ")
		b.WriteString(e.URL)
	}

	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same domain and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Domain == e.Domain && t.Code == e.Code
}

// WithResponseCode returns a copy of e carrying status as auxiliary context.
func (e *Error) WithResponseCode(status int) *Error {
	cp := *e
	cp.ResponseCode = status

	return &cp
}

// WithURL returns a copy of e carrying the failing URL.
func (e *Error) WithURL(url string) *Error {
	cp := *e
	cp.URL = url

	return &cp
}

// WithDetail returns a copy of e carrying an engine description.
func (e *Error) WithDetail(detail string) *Error {
	cp := *e
	cp.Detail = detail

	return &cp
}

// WithCause returns a copy of e wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Err = cause

	return &cp
}

// From returns err as an *Error. Errors that carry no domain are classified as
// transfer-level failures with fallback as their code.
func From(err error, fallback Code) *Error {
	if err == nil {
		return nil
	}

	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	return Transfer(fallback, err)
}

// ResponseCode returns the status code attached to err, or 0 if there is none.
func ResponseCode(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.ResponseCode
	}

	return 0
}

// DomainOf returns the domain and code of err when it is an *Error.
func DomainOf(err error) (Domain, Code, bool) {
	var fe *Error
	if !errors.As(err, &fe) {
		return "", 0, false
	}

	return fe.Domain, fe.Code, true
}

// IsCancelled reports whether err is the cancellation error.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

// IsTransfer reports whether err belongs to the transfer domain.
func IsTransfer(err error) bool {
	d, _, ok := DomainOf(err)
	return ok && d == DomainTransfer
}

// IsMulti reports whether err belongs to the multi domain.
func IsMulti(err error) bool {
	d, _, ok := DomainOf(err)
	return ok && d == DomainMulti
}

// IsShare reports whether err belongs to the share domain.
func IsShare(err error) bool {
	d, _, ok := DomainOf(err)
	return ok && d == DomainShare
}
