package security

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidateWebhookURL checks an alert webhook endpoint. Alerts describe the
// device's security state, so plain http is accepted only for loopback
// receivers such as a local relay.
func ValidateWebhookURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if u.User != nil {
		return fmt.Errorf("URL must not carry credentials, use the webhook secret")
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if IsLoopbackURL(rawURL) {
			return nil
		}
		return fmt.Errorf("plain http is only allowed for loopback hosts")
	default:
		return fmt.Errorf("URL scheme must be http or https")
	}
}

// IsLoopbackURL reports whether rawURL points at localhost or a loopback IP.
// No DNS lookups are made.
func IsLoopbackURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
