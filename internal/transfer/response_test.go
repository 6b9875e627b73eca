package transfer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/netxfer/internal/fault"
)

const okHeader = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: text/plain\r\n" +
	"Set-Cookie: a=1\r\n" +
	"set-cookie: b=2\r\n" +
	"X-Folded: first\r\n" +
	"\tsecond\r\n" +
	"\r\n"

func feed(t *testing.T, b *responseBuilder, chunks ...string) *Response {
	t.Helper()

	var resp *Response

	for _, c := range chunks {
		r, err := b.Write([]byte(c))
		require.NoError(t, err)

		if r != nil {
			require.Nil(t, resp, "response produced twice")
			resp = r
		}
	}

	return resp
}

func TestResponseBuilder_Parse(t *testing.T) {
	resp := feed(t, newResponseBuilder("https://example.test/ok"), okHeader)
	require.NotNil(t, resp)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "HTTP/1.1", resp.Proto)
	assert.Equal(t, "OK", resp.Reason)
	assert.Equal(t, "https://example.test/ok", resp.URL)
	assert.Equal(t, "text/plain", resp.Get("content-type"))
	assert.Equal(t, []string{"a=1", "b=2"}, resp.Values("Set-Cookie"))
	assert.Equal(t, "first second", resp.Get("X-Folded"))
	assert.Equal(t, []string{"Content-Type", "Set-Cookie", "X-Folded"}, resp.Names())
	assert.Equal(t, []string{"a=1", "b=2"}, resp.Header()["Set-Cookie"])
	assert.Len(t, resp.Fields(), 4)
}

func TestResponseBuilder_ChunkingInvariance(t *testing.T) {
	want := feed(t, newResponseBuilder("u"), okHeader)
	require.NotNil(t, want)

	for i := 0; i <= len(okHeader); i++ {
		got := feed(t, newResponseBuilder("u"), okHeader[:i], okHeader[i:])
		require.NotNil(t, got, "split at %d", i)
		assert.Equal(t, want, got, "split at %d", i)
	}

	bytewise := make([]string, 0, len(okHeader))
	for _, c := range okHeader {
		bytewise = append(bytewise, string(c))
	}

	assert.Equal(t, want, feed(t, newResponseBuilder("u"), bytewise...))
}

func TestResponseBuilder_DiscardsInterimResponses(t *testing.T) {
	resp := feed(t, newResponseBuilder("u"),
		"HTTP/1.1 100 Continue\r\n\r\n",
		"HTTP/1.1 103 Early Hints\r\nLink: </style.css>\r\n\r\n",
		"HTTP/1.1 201 Created\r\nLocation: /x\r\n\r\n",
	)
	require.NotNil(t, resp)

	assert.Equal(t, 201, resp.StatusCode)
	assert.Empty(t, resp.Get("Link"))
	assert.Equal(t, "/x", resp.Get("Location"))
}

func TestResponseBuilder_NonHTTPStatusIsFinal(t *testing.T) {
	resp := feed(t, newResponseBuilder("ftp://example.test/a"),
		"FTP 150 Opening data connection\r\n",
		"Content-Length: 3\r\n",
		"\r\n",
	)
	require.NotNil(t, resp)

	assert.Equal(t, 150, resp.StatusCode)
	assert.Equal(t, "FTP", resp.Proto)
	assert.Equal(t, int64(3), resp.ContentLength())
}

func TestResponseBuilder_Malformed(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		status int
		proto  string
		fields []string
	}{
		{name: "no code", input: "HTTP/1.1\r\n\r\n", status: 0, proto: "HTTP/1.1"},
		{name: "text code", input: "HTTP/1.1 abc Nope\r\n\r\n", status: 0, proto: "HTTP/1.1"},
		{name: "negative code", input: "SFTP -1 odd\r\n\r\n", status: 0, proto: "SFTP"},
		{name: "bare LF", input: "SFTP 0 OK\nContent-Length: 4\n\n", status: 0, proto: "SFTP", fields: []string{"Content-Length"}},
		{
			name:   "invalid field names skipped",
			input:  "HTTP/1.1 200 OK\r\nBad Name: x\r\nno colon\r\nGood: y\r\n\r\n",
			status: 200,
			proto:  "HTTP/1.1",
			fields: []string{"Good"},
		},
		{name: "leading blank lines", input: "\r\n\r\nHTTP/1.0 204 No Content\r\n\r\n", status: 204, proto: "HTTP/1.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := feed(t, newResponseBuilder("u"), tt.input)
			require.NotNil(t, resp)

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.proto, resp.Proto)

			if tt.fields == nil {
				assert.Empty(t, resp.Names())
			} else {
				assert.Equal(t, tt.fields, resp.Names())
			}
		})
	}
}

func TestResponseBuilder_IgnoresBytesAfterResponseUntilReset(t *testing.T) {
	b := newResponseBuilder("u")
	require.NotNil(t, feed(t, b, "HTTP/1.1 200 OK\r\n\r\n"))

	assert.Nil(t, feed(t, b, "HTTP/1.1 500 Oops\r\n\r\n"))

	b.Reset()

	resp := feed(t, b, "HTTP/1.1 500 Oops\r\n\r\n")
	require.NotNil(t, resp)
	assert.Equal(t, 500, resp.StatusCode)
	assert.Equal(t, "u", resp.URL)
}

func TestResponseBuilder_HeaderTooLarge(t *testing.T) {
	b := newResponseBuilder("u")

	_, err := b.Write([]byte("HTTP/1.1 200 OK\r\nX-Big: " + strings.Repeat("a", maxHeaderBytes)))
	require.Error(t, err)

	_, code, ok := fault.DomainOf(err)
	require.True(t, ok)
	assert.Equal(t, fault.CodeWeirdServerReply, code)
}

func TestResponse_ContentLength(t *testing.T) {
	missing := feed(t, newResponseBuilder("u"), "HTTP/1.1 200 OK\r\n\r\n")
	assert.Equal(t, int64(-1), missing.ContentLength())

	bad := feed(t, newResponseBuilder("u"), "HTTP/1.1 200 OK\r\nContent-Length: nope\r\n\r\n")
	assert.Equal(t, int64(-1), bad.ContentLength())
}
