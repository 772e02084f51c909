// Package identity composes proxies with browser fingerprints into the
// ephemeral identity a worker session runs under.
package identity

import (
	"sync/atomic"
	"time"

	"github.com/ghostflow/ghostflow/proxy"
)

// Fingerprint is a browser fingerprint profile.
type Fingerprint struct {
	Platform          string   `json:"platform"`
	UserAgent         string   `json:"user_agent"`
	ScreenWidth       int      `json:"screen_width"`
	ScreenHeight      int      `json:"screen_height"`
	DeviceScaleFactor float64  `json:"device_scale_factor"`
	Languages         []string `json:"languages"`
	WebGLVendor       string   `json:"webgl_vendor"`
	WebGLRenderer     string   `json:"webgl_renderer"`
	HardwareThreads   int      `json:"hardware_threads"`
}

// Identity is the ephemeral (proxy + fingerprint + user-agent) tuple assigned
// to exactly one worker session. Created at session start, discarded at
// session end; its only long-lived resource is the proxy checkout.
type Identity struct {
	ID          string
	Proxy       *proxy.Proxy // nil is valid: direct connection
	Fingerprint Fingerprint
	UserAgent   string
	Locale      string
	Timezone    string
	SessionKey  string
	CreatedAt   time.Time

	discarded atomic.Bool
}

// ProxyURL returns the proxy URL or "" for a direct connection.
func (id *Identity) ProxyURL() string {
	if id.Proxy == nil {
		return ""
	}
	return id.Proxy.URL()
}
