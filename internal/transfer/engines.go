package transfer

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/italolelis/netxfer/internal/engine"
	"github.com/italolelis/netxfer/internal/engine/ftpengine"
	"github.com/italolelis/netxfer/internal/engine/httpengine"
	"github.com/italolelis/netxfer/internal/engine/sftpengine"
	"github.com/italolelis/netxfer/internal/throttle"
)

// EngineConfig tunes the engines registered by NewEngines.
type EngineConfig struct {
	Limiter   *throttle.Limiter
	UserAgent string
}

// NewEngines returns a registry with the HTTP, FTP and SFTP engines.
func NewEngines(cfg EngineConfig) *engine.Registry {
	r := engine.NewRegistry()

	web := httpengine.Factory(httpengine.WithLimiter(cfg.Limiter), httpengine.WithUserAgent(cfg.UserAgent))
	r.Register("http", web)
	r.Register("https", web)

	ftp := ftpengine.Factory(ftpengine.WithLimiter(cfg.Limiter))
	r.Register("ftp", ftp)
	r.Register("ftps", ftp)

	r.Register("sftp", sftpengine.Factory(sftpengine.WithLimiter(cfg.Limiter)))

	return r
}

var (
	defaultEnginesOnce sync.Once
	defaultEngines     *engine.Registry
)

// DefaultEngines returns the registry used by handles created without
// WithEngines.
func DefaultEngines() *engine.Registry {
	defaultEnginesOnce.Do(func() {
		defaultEngines = NewEngines(EngineConfig{UserAgent: "netxfer/" + moduleVersion()})
	})

	return defaultEngines
}

// versionedDeps are the libraries reported by Version.
var versionedDeps = []string{
	"github.com/jlaffaye/ftp",
	"github.com/pkg/sftp",
	"golang.org/x/crypto",
	"golang.org/x/net",
}

// Version describes the build: module version, Go runtime, supported
// schemes and the versions of the protocol libraries.
func Version() string {
	var b strings.Builder

	fmt.Fprintf(&b, "netxfer/%s %s", moduleVersion(), runtime.Version())
	fmt.Fprintf(&b, " schemes: %s", strings.Join(DefaultEngines().Schemes(), " "))

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return b.String()
	}

	for _, path := range versionedDeps {
		for _, dep := range info.Deps {
			if dep.Path == path {
				fmt.Fprintf(&b, " %s/%s", path[strings.LastIndex(path, "/")+1:], dep.Version)
			}
		}
	}

	return b.String()
}

func moduleVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" || info.Main.Version == "(devel)" {
		return "devel"
	}

	return strings.TrimPrefix(info.Main.Version, "v")
}
