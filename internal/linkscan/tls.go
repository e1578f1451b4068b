package linkscan

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"time"

	"github.com/linkguard/guardian/internal/httpclient"
	"github.com/linkguard/guardian/internal/verdict"
)

const (
	plainHTTPScore   = 0.1
	invalidCertScore = 0.3
	expiringScore    = 0.1
	expiryWindow     = 7 * 24 * time.Hour
)

// TLSCheck handshakes with https hosts and verifies the certificate chain.
type TLSCheck struct {
	// Roots overrides the system pool; nil uses the host's roots.
	Roots *x509.CertPool
	// Dialer overrides the public-only dialer.
	Dialer *net.Dialer
	now    func() time.Time
}

func (TLSCheck) Name() string { return "tls" }

func (c TLSCheck) Run(ctx context.Context, t Target) (verdict.CheckResult, error) {
	if t.Scheme != "https" {
		return verdict.CheckResult{
			Score:   plainHTTPScore,
			Flags:   []string{"Connection is not encrypted (HTTP)"},
			Details: map[string]any{"scheme": t.Scheme},
		}, nil
	}

	netDialer := c.Dialer
	if netDialer == nil {
		netDialer = httpclient.PublicDialer(0)
	}
	dialer := &tls.Dialer{
		NetDialer: netDialer,
		Config:    &tls.Config{ServerName: t.Host, RootCAs: c.Roots},
	}
	conn, err := dialer.DialContext(ctx, "tcp", t.HostPort())
	if err != nil {
		if isCertError(err) {
			return verdict.CheckResult{
				Score:   invalidCertScore,
				Flags:   []string{"Invalid or untrusted TLS certificate"},
				Details: map[string]any{"error": err.Error()},
			}, nil
		}
		return verdict.CheckResult{}, err
	}
	defer conn.Close()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return verdict.CheckResult{}, errors.New("no peer certificate")
	}
	leaf := state.PeerCertificates[0]

	now := time.Now
	if c.now != nil {
		now = c.now
	}
	res := verdict.CheckResult{
		Details: map[string]any{
			"issuer":    leaf.Issuer.CommonName,
			"not_after": leaf.NotAfter.UTC().Format(time.RFC3339),
		},
	}
	if leaf.NotAfter.Sub(now()) < expiryWindow {
		res.Score = expiringScore
		res.Flags = []string{"TLS certificate expires within 7 days"}
	}
	return res, nil
}

func isCertError(err error) bool {
	var (
		verifyErr   *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownAuth) ||
		errors.As(err, &hostErr) ||
		errors.As(err, &invalidErr)
}
