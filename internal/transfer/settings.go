package transfer

import "sync"

// Settings are the process-wide defaults read by every new handle.
type Settings struct {
	// ProxyUserPwd is "user:password" for proxies that require authentication.
	ProxyUserPwd string
	// AllowsProxy set to false disables proxies, including those configured
	// through the environment.
	AllowsProxy bool
}

var (
	settingsMu sync.RWMutex
	settings   = Settings{AllowsProxy: true}
)

// SetProxyUserIDAndPassword sets the proxy credentials used by handles
// created afterwards.
func SetProxyUserIDAndPassword(userPwd string) {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	settings.ProxyUserPwd = userPwd
}

// SetAllowsProxy enables or disables proxies for handles created afterwards.
func SetAllowsProxy(allow bool) {
	settingsMu.Lock()
	defer settingsMu.Unlock()

	settings.AllowsProxy = allow
}

// CurrentSettings returns a snapshot of the process-wide settings.
func CurrentSettings() Settings {
	settingsMu.RLock()
	defer settingsMu.RUnlock()

	return settings
}
