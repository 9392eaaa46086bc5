package modules

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bigr-shield/sentinel/internal/idgen"
	"github.com/bigr-shield/sentinel/internal/shield"
)

// weakCipherMarkers flags ciphers that must never be negotiated.
var weakCipherMarkers = []string{
	"RC4", "DES", "3DES", "NULL", "EXPORT", "anon", "RC2", "IDEA", "SEED", "MD5",
}

// weakProtocols are TLS/SSL versions that are always a critical finding.
var weakProtocols = map[uint16]string{
	tls.VersionSSL30: "SSLv3",
	tls.VersionTLS10: "TLSv1.0",
	tls.VersionTLS11: "TLSv1.1",
}

// TLSModule probes certificate hygiene, protocol version, cipher
// strength, hostname coverage, and HSTS presence (spec.md §4.1.2).
type TLSModule struct{}

func NewTLSModule() *TLSModule { return &TLSModule{} }

func (m *TLSModule) Name() string   { return "tls" }
func (m *TLSModule) Weight() int    { return Weights["tls"] }
func (m *TLSModule) IsAvailable() bool { return true }

func (m *TLSModule) Scan(ctx context.Context, target string, port int) ([]shield.Finding, error) {
	if port == 0 {
		port = 443
	}
	addr := net.JoinHostPort(target, strconv.Itoa(port))

	var findings []shield.Finding

	dialer := &net.Dialer{Timeout: 5 * time.Second}

	// First connection: verification disabled, to inspect problematic certs.
	insecureConn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		return nil, fmt.Errorf("tls connect %s: %w", addr, err)
	}
	state := insecureConn.ConnectionState()
	insecureConn.Close()

	if len(state.PeerCertificates) == 0 {
		return findings, nil
	}
	cert := state.PeerCertificates[0]

	now := time.Now()
	daysLeft := int(cert.NotAfter.Sub(now).Hours() / 24)
	if daysLeft < 0 {
		findings = append(findings, m.finding(shield.SeverityCritical, target, port,
			"TLS certificate expired",
			fmt.Sprintf("Certificate expired %d day(s) ago", -daysLeft),
			"Renew the TLS certificate immediately."))
	} else if daysLeft <= 30 {
		findings = append(findings, m.finding(shield.SeverityMedium, target, port,
			"TLS certificate expiring soon",
			fmt.Sprintf("Certificate expires in %d day(s)", daysLeft),
			fmt.Sprintf("Renew the TLS certificate before %s.", cert.NotAfter.UTC().Format("2006-01-02"))))
	}

	if proto, weak := weakProtocols[state.Version]; weak {
		findings = append(findings, m.finding(shield.SeverityCritical, target, port,
			"Obsolete TLS protocol negotiated",
			fmt.Sprintf("Negotiated %s, which is no longer considered secure", proto),
			"Disable TLS 1.0, TLS 1.1, and all SSL versions. Use TLS 1.2 or TLS 1.3."))
	}

	if keySize := publicKeyBits(cert); keySize > 0 && keySize < 2048 {
		findings = append(findings, m.finding(shield.SeverityHigh, target, port,
			"Weak certificate key size",
			fmt.Sprintf("Public key is %d bits, below the 2048-bit minimum", keySize),
			"Generate a new certificate with at least a 2048-bit RSA key or 256-bit ECDSA key."))
	}

	cipherName := tls.CipherSuiteName(state.CipherSuite)
	upperCipher := strings.ToUpper(cipherName)
	for _, marker := range weakCipherMarkers {
		if strings.Contains(upperCipher, strings.ToUpper(marker)) {
			findings = append(findings, m.finding(shield.SeverityHigh, target, port,
				"Weak cipher suite",
				fmt.Sprintf("Negotiated cipher %s contains weak component %s", cipherName, marker),
				"Disable weak cipher suites (RC4, DES, 3DES, NULL, EXPORT, anonymous)."))
			break
		}
	}

	if !hostnameCovered(target, cert) {
		findings = append(findings, m.finding(shield.SeverityMedium, target, port,
			"Hostname not covered by certificate",
			fmt.Sprintf("%s is not present in the certificate CN/SAN list", target),
			"Obtain a certificate that includes the correct hostname in the SAN field."))
	}

	// Second connection: verification enabled, to check chain validity.
	verifiedConn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: target})
	if err != nil {
		if isSelfSigned(cert) {
			findings = append(findings, m.finding(shield.SeverityHigh, target, port,
				"Self-signed certificate",
				"Certificate is self-signed and is not trusted by a public CA",
				"Replace with a certificate signed by a trusted Certificate Authority."))
		} else {
			findings = append(findings, m.finding(shield.SeverityHigh, target, port,
				"Certificate chain verification failed",
				err.Error(),
				"Install the missing intermediate certificates or replace the chain with one a public CA issued."))
		}
	} else {
		verifiedConn.Close()
	}

	if !hasHSTS(target, port) {
		findings = append(findings, m.finding(shield.SeverityLow, target, port,
			"Missing HSTS header",
			"Strict-Transport-Security header was not present on the HTTPS response",
			"Add the header: Strict-Transport-Security: max-age=31536000; includeSubDomains"))
	}

	return findings, nil
}

func (m *TLSModule) finding(sev shield.Severity, target string, port int, title, desc, remediation string) shield.Finding {
	return shield.Finding{
		ID:          idgen.UUID(),
		Module:      m.Name(),
		Severity:    sev,
		Title:       title,
		Description: desc,
		Remediation: remediation,
		TargetIP:    target,
		TargetPort:  port,
		DetectedAt:  time.Now().UTC(),
	}
}

func publicKeyBits(cert *x509.Certificate) int {
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return pub.N.BitLen()
	case *ecdsa.PublicKey:
		return pub.Curve.Params().BitSize
	default:
		return 0
	}
}

func isSelfSigned(cert *x509.Certificate) bool {
	return cert.Issuer.String() == cert.Subject.String()
}

// hostnameCovered supports single-label wildcards (*.example.com).
func hostnameCovered(host string, cert *x509.Certificate) bool {
	names := append([]string{cert.Subject.CommonName}, cert.DNSNames...)
	host = strings.ToLower(host)
	for _, n := range names {
		n = strings.ToLower(n)
		if n == host {
			return true
		}
		if strings.HasPrefix(n, "*.") {
			suffix := n[1:] // ".example.com"
			if strings.HasSuffix(host, suffix) && strings.Count(host, ".") == strings.Count(n, ".") {
				return true
			}
		}
	}
	return false
}

func hasHSTS(target string, port int) bool {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}},
	}
	url := fmt.Sprintf("https://%s", target)
	if port != 443 {
		url = fmt.Sprintf("https://%s:%d", target, port)
	}
	resp, err := client.Head(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.Header.Get("Strict-Transport-Security") != ""
}
