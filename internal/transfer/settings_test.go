package transfer

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/netxfer/internal/engine"
)

func TestSettings_LastWriterWins(t *testing.T) {
	saved := CurrentSettings()
	t.Cleanup(func() {
		SetAllowsProxy(saved.AllowsProxy)
		SetProxyUserIDAndPassword(saved.ProxyUserPwd)
	})

	assert.True(t, saved.AllowsProxy)

	SetProxyUserIDAndPassword("a:1")
	SetProxyUserIDAndPassword("b:2")
	SetAllowsProxy(false)

	assert.Equal(t, Settings{ProxyUserPwd: "b:2", AllowsProxy: false}, CurrentSettings())

	f, engines := scripted(okScript())
	req := httptest.NewRequest(http.MethodGet, "https://example.test/", nil)

	_, err := RunSynchronously(t.Context(), req, nil, &recorder{}, WithEngines(engines))
	require.NoError(t, err)

	e := f.Last()
	assert.True(t, e.ProxySet)
	assert.Empty(t, e.Proxy)
	assert.Equal(t, "b:2", e.ProxyUserPwd)
}

func TestVersion(t *testing.T) {
	v := Version()

	assert.True(t, strings.HasPrefix(v, "netxfer/"))
	assert.Contains(t, v, "schemes: ftp ftps http https sftp")
}

func TestNewEngines(t *testing.T) {
	r := NewEngines(EngineConfig{UserAgent: "test"})

	assert.Equal(t, []string{"ftp", "ftps", "http", "https", "sftp"}, r.Schemes())

	for _, u := range []string{"http://a/", "HTTPS://a/", "ftp://a/", "ftps://a/", "sftp://a/"} {
		e, err := r.New(u)
		require.NoError(t, err, u)
		assert.NoError(t, e.Close())
	}
}

func TestOptions_Validation(t *testing.T) {
	tests := []struct {
		name string
		opt  Option
	}{
		{name: "nil coordinator", opt: WithCoordinator(nil)},
		{name: "nil engines", opt: WithEngines(nil)},
		{name: "nil logger", opt: WithLogger(nil)},
		{name: "negative timeout", opt: WithTimeout(-1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newOptions([]Option{tt.opt})
			assert.Error(t, err)
		})
	}

	o, err := newOptions(nil)
	require.NoError(t, err)
	assert.NotNil(t, o.engines)
	assert.NotNil(t, o.logger)
	assert.NotNil(t, o.settings)
	assert.Nil(t, o.coordinator)
}

func TestHandle_Share(t *testing.T) {
	share, err := engine.NewShare()
	require.NoError(t, err)

	f, engines := scripted(okScript())
	req := httptest.NewRequest(http.MethodGet, "https://example.test/", nil)

	_, err = RunSynchronously(t.Context(), req, nil, &recorder{}, WithEngines(engines), WithShare(share), WithVerbose(true))
	require.NoError(t, err)

	assert.Same(t, share, f.Last().Share)
	assert.True(t, f.Last().Verbose)
}
