package linkscan

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Target is a URL decomposed once and handed read-only to every check.
type Target struct {
	Raw      string
	URL      *url.URL
	Scheme   string
	Host     string // lowercase, no port
	Port     string
	Path     string
	Domain   string // registrable domain; empty for IP hosts
	IsIP     bool
	UserInfo string
}

// ErrNoHost is returned for URLs without a host component.
var ErrNoHost = errors.New("linkscan: url has no host")

// ParseTarget decomposes raw. A missing scheme is treated as http.
func ParseTarget(raw string) (Target, error) {
	raw = strings.TrimSpace(raw)
	withScheme := raw
	if !strings.Contains(raw, "://") {
		withScheme = "http://" + raw
	}

	u, err := url.Parse(withScheme)
	if err != nil {
		return Target{}, fmt.Errorf("linkscan: parse url: %w", err)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return Target{}, ErrNoHost
	}

	t := Target{
		Raw:    raw,
		URL:    u,
		Scheme: strings.ToLower(u.Scheme),
		Host:   host,
		Port:   u.Port(),
		Path:   u.EscapedPath(),
		IsIP:   net.ParseIP(host) != nil,
	}
	if u.User != nil {
		t.UserInfo = u.User.String()
	}
	if !t.IsIP {
		if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
			t.Domain = d
		} else {
			t.Domain = host
		}
	}
	return t, nil
}

// HostPort returns host:port with the scheme's default port filled in.
func (t Target) HostPort() string {
	port := t.Port
	if port == "" {
		if t.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return net.JoinHostPort(t.Host, port)
}
