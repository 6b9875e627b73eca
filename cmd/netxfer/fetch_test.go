package main

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/netxfer/internal/config"
	"github.com/italolelis/netxfer/internal/engine"
)

func TestParseFetchFlags(t *testing.T) {
	cfg := &config.Config{MaxConcurrent: 3}

	f, urls, err := parseFetchFlags(cfg, []string{
		"-X", "PUT", "-H", "X-One: 1", "-H", "X-Two:2", "-r", "0-9", "-f",
		"https://example.test/a", "sftp://example.test/b",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.test/a", "sftp://example.test/b"}, urls)
	assert.Equal(t, "PUT", f.method)
	assert.Equal(t, headerFlags{"X-One: 1", "X-Two:2"}, f.headers)
	assert.True(t, f.fail)
	assert.Equal(t, 3, f.parallel)
	assert.Equal(t, "-", f.output)
}

func TestParseFetchFlags_Errors(t *testing.T) {
	cfg := &config.Config{}

	_, _, err := parseFetchFlags(cfg, nil)
	require.Error(t, err)

	_, _, err = parseFetchFlags(cfg, []string{"-H", "no-colon", "https://example.test"})
	require.Error(t, err)
}

func TestNewFetchRequest(t *testing.T) {
	body := filepath.Join(t.TempDir(), "body.json")
	require.NoError(t, os.WriteFile(body, []byte(`{"a":1}`), 0o600))

	tests := []struct {
		name       string
		flags      fetchFlags
		wantMethod string
		wantBody   string
	}{
		{name: "get by default", wantMethod: http.MethodGet},
		{name: "data implies post", flags: fetchFlags{data: "x=1"}, wantMethod: http.MethodPost, wantBody: "x=1"},
		{name: "data from file", flags: fetchFlags{data: "@" + body, method: http.MethodPut}, wantMethod: http.MethodPut, wantBody: `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.flags.headers = headerFlags{"Accept: text/plain"}
			tt.flags.byteRange = "5-"

			req, err := newFetchRequest(t.Context(), &tt.flags, "https://example.test/x")
			require.NoError(t, err)

			assert.Equal(t, tt.wantMethod, req.Method)
			assert.Equal(t, "text/plain", req.Header.Get("Accept"))
			assert.Equal(t, "bytes=5-", req.Header.Get("Range"))

			if tt.wantBody == "" {
				assert.Nil(t, req.Body)

				return
			}

			b, err := io.ReadAll(req.Body)
			require.NoError(t, err)
			assert.Equal(t, tt.wantBody, string(b))
		})
	}

	_, err := newFetchRequest(t.Context(), &fetchFlags{data: "@" + filepath.Join(t.TempDir(), "missing")}, "https://example.test")
	assert.Error(t, err)
}

func TestCredential(t *testing.T) {
	assert.Nil(t, credential(&fetchFlags{}))

	c := credential(&fetchFlags{user: "anna:s3:cret"})
	require.NotNil(t, c)
	assert.Equal(t, "anna", c.Username)
	assert.Equal(t, "s3:cret", c.Password)

	c = credential(&fetchFlags{bearer: "tok", user: "ignored:x"})
	require.NotNil(t, c)

	tok, err := c.TokenSource.Token()
	require.NoError(t, err)
	assert.Equal(t, "tok", tok.AccessToken)
	assert.Empty(t, c.Username)
}

func TestCLIDelegate_VerifyHostFingerprint(t *testing.T) {
	found := engine.HostKey{Type: "ssh-ed25519", Key: []byte("key")}

	strict := &cliDelegate{}
	assert.Equal(t, engine.KeyStatusFine, strict.VerifyHostFingerprint(nil, &found, found, engine.KeyMatchOK))
	assert.Equal(t, engine.KeyStatusReject, strict.VerifyHostFingerprint(nil, nil, found, engine.KeyMatchMissing))
	assert.Equal(t, engine.KeyStatusReject, strict.VerifyHostFingerprint(nil, &found, found, engine.KeyMatchMismatch))

	tofu := &cliDelegate{acceptNew: true}
	assert.Equal(t, engine.KeyStatusFineAddToFile, tofu.VerifyHostFingerprint(nil, nil, found, engine.KeyMatchMissing))
	assert.Equal(t, engine.KeyStatusReject, tofu.VerifyHostFingerprint(nil, &found, found, engine.KeyMatchMismatch))
}
