package webserver

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

// tlsConfig builds the listener TLS config for the configured mode. It
// returns nil when TLS is disabled.
func (s *Server) tlsConfig() (*tls.Config, error) {
	c := s.cfg.TLS
	switch c.Mode {
	case "":
		return nil, nil
	case "self-signed":
		return selfSignedTLS(c.CacheDir, s.certHosts())
	case "manual":
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	case "autocert":
		if c.Domain == "" {
			return nil, errors.New("autocert requires a domain")
		}
		if err := os.MkdirAll(c.CacheDir, 0700); err != nil {
			return nil, err
		}
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(c.Domain),
			Cache:      autocert.DirCache(c.CacheDir),
		}
		return m.TLSConfig(), nil
	default:
		return nil, fmt.Errorf("unknown tls mode %q", c.Mode)
	}
}

// certHosts lists the names the self-signed certificate must cover: loopback,
// the listen host and the host of the public base URL.
func (s *Server) certHosts() []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	add := func(h string) {
		if h == "" || h == "0.0.0.0" || h == "::" || slices.Contains(hosts, h) {
			return
		}
		hosts = append(hosts, h)
	}
	add(s.cfg.Host)
	if u, err := url.Parse(s.cfg.BaseURL); err == nil {
		add(u.Hostname())
	}
	return hosts
}

// selfSignedTLS returns a tls.Config backed by a self-signed ECDSA cert cached
// in cacheDir. The cached pair is reused until it nears expiry or stops
// covering one of hosts, for example after the base URL changed.
func selfSignedTLS(cacheDir string, hosts []string) (*tls.Config, error) {
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return nil, err
	}
	certFile := filepath.Join(cacheDir, "self-signed.crt")
	keyFile := filepath.Join(cacheDir, "self-signed.key")

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil || !certCovers(cert, hosts, time.Now()) {
		if err := writeSelfSigned(certFile, keyFile, hosts); err != nil {
			return nil, fmt.Errorf("generate self-signed certificate: %w", err)
		}
		if cert, err = tls.LoadX509KeyPair(certFile, keyFile); err != nil {
			return nil, err
		}
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func certCovers(cert tls.Certificate, hosts []string, now time.Time) bool {
	if len(cert.Certificate) == 0 {
		return false
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil || now.Add(24*time.Hour).After(leaf.NotAfter) {
		return false
	}
	for _, h := range hosts {
		if leaf.VerifyHostname(h) != nil {
			return false
		}
	}
	return true
}

func writeSelfSigned(certFile, keyFile string, hosts []string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"agent-mascot"}, CommonName: hosts[len(hosts)-1]},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(2 * 365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return err
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		return err
	}
	return os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER}), 0644)
}
