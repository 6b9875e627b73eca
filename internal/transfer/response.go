package transfer

import (
	"bytes"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/italolelis/netxfer/internal/fault"
)

// maxHeaderBytes bounds the header section of one response.
const maxHeaderBytes = http.DefaultMaxHeaderBytes

// Field is one header field as received.
type Field struct {
	Name  string
	Value string
}

// Response is the parsed header section of a transfer. It is never modified
// after it is handed out.
type Response struct {
	// StatusCode is 0 when the status line could not be parsed.
	StatusCode int
	Proto      string
	Reason     string
	URL        string

	fields []Field
}

// Get returns the first value of the named field, or "".
func (r *Response) Get(name string) string {
	name = textproto.CanonicalMIMEHeaderKey(name)

	for _, f := range r.fields {
		if f.Name == name {
			return f.Value
		}
	}

	return ""
}

// Values returns every value of the named field in arrival order.
func (r *Response) Values(name string) []string {
	name = textproto.CanonicalMIMEHeaderKey(name)

	var values []string

	for _, f := range r.fields {
		if f.Name == name {
			values = append(values, f.Value)
		}
	}

	return values
}

// Names returns the distinct field names in order of first arrival.
func (r *Response) Names() []string {
	seen := make(map[string]bool, len(r.fields))
	names := make([]string, 0, len(r.fields))

	for _, f := range r.fields {
		if !seen[f.Name] {
			seen[f.Name] = true
			names = append(names, f.Name)
		}
	}

	return names
}

// Fields returns a copy of all fields in arrival order.
func (r *Response) Fields() []Field {
	return append([]Field(nil), r.fields...)
}

// Header returns the fields as a new http.Header.
func (r *Response) Header() http.Header {
	h := make(http.Header, len(r.fields))
	for _, f := range r.fields {
		h[f.Name] = append(h[f.Name], f.Value)
	}

	return h
}

// ContentLength returns the Content-Length field, or -1 if it is absent or
// malformed.
func (r *Response) ContentLength() int64 {
	n, err := strconv.ParseInt(r.Get("Content-Length"), 10, 64)
	if err != nil || n < 0 {
		return -1
	}

	return n
}

// responseBuilder assembles header bytes, which may arrive split at any
// point, into a Response. A builder belongs to a single handle.
type responseBuilder struct {
	url     string
	buf     []byte
	size    int
	status  string
	fields  []Field
	started bool
	done    bool
}

func newResponseBuilder(url string) *responseBuilder {
	return &responseBuilder{url: url}
}

// Write consumes header bytes. It returns the Response once the blank line
// ending a final header block has been seen, and nil until then. Bytes after
// that are ignored until Reset.
func (b *responseBuilder) Write(p []byte) (*Response, error) {
	if b.done {
		return nil, nil
	}

	b.size += len(p)
	if b.size > maxHeaderBytes {
		return nil, fault.Transfer(fault.CodeWeirdServerReply,
			fmt.Errorf("response header exceeds %d bytes", maxHeaderBytes))
	}

	b.buf = append(b.buf, p...)

	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			return nil, nil
		}

		line := strings.TrimSuffix(string(b.buf[:i]), "\r")
		b.buf = b.buf[i+1:]

		if resp := b.line(line); resp != nil {
			return resp, nil
		}
	}
}

// Reset prepares the builder for another response.
func (b *responseBuilder) Reset() {
	*b = responseBuilder{url: b.url}
}

func (b *responseBuilder) line(line string) *Response {
	switch {
	case !b.started:
		if line == "" {
			return nil
		}

		b.started = true
		b.status = line
	case line == "":
		resp := b.finalize()
		if resp == nil {
			// Interim block; the final one follows.
			b.started, b.status, b.fields = false, "", nil
		}

		return resp
	case line[0] == ' ' || line[0] == '\t':
		if n := len(b.fields); n > 0 {
			b.fields[n-1].Value = strings.TrimSpace(b.fields[n-1].Value + " " + strings.TrimSpace(line))
		}
	default:
		name, value, ok := strings.Cut(line, ":")
		if !ok || !httpguts.ValidHeaderFieldName(name) {
			return nil
		}

		b.fields = append(b.fields, Field{
			Name:  textproto.CanonicalMIMEHeaderKey(name),
			Value: strings.TrimSpace(value),
		})
	}

	return nil
}

func (b *responseBuilder) finalize() *Response {
	proto, code, reason := parseStatusLine(b.status)

	if strings.HasPrefix(proto, "HTTP/") && code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
		return nil
	}

	b.done = true

	return &Response{
		StatusCode: code,
		Proto:      proto,
		Reason:     reason,
		URL:        b.url,
		fields:     b.fields,
	}
}

// parseStatusLine splits "PROTO CODE [reason]". A missing or non-numeric code
// yields 0.
func parseStatusLine(line string) (string, int, string) {
	proto, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	codeText, reason, _ := strings.Cut(strings.TrimSpace(rest), " ")

	code, err := strconv.Atoi(codeText)
	if err != nil || code < 0 {
		code = 0
	}

	return proto, code, strings.TrimSpace(reason)
}
