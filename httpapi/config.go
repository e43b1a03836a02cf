package httpapi

import (
	"path"
	"strings"
	"time"
)

// Config defines HTTP API settings.
type Config struct {
	Addr string
	// BasePath mounts every route under a prefix such as "/codeyard".
	BasePath string
	// Metrics mounts /metrics when a metrics registry is supplied.
	Metrics bool
	// SessionCookie names the login cookie; SessionTTL bounds its lifetime.
	// Both only apply when the server has an Authenticator.
	SessionCookie string
	SessionTTL    time.Duration
}

const (
	defaultSessionCookie = "codeyard_session"
	defaultSessionTTL    = 12 * time.Hour
)

// mountPrefix cleans BasePath into "" or a rooted path without a trailing slash.
func (c Config) mountPrefix() string {
	p := strings.TrimSpace(c.BasePath)
	if p == "" {
		return ""
	}
	p = path.Clean("/" + p)
	if p == "/" {
		return ""
	}
	return p
}
