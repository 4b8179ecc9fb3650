// SPDX-License-Identifier: Apache-2.0
// Package certmanager owns the local root CA and the server certificate
// the Reverse Proxy terminates TLS with. No pack example wires a local-CA
// library, so this is built directly on crypto/x509 and crypto/rsa.
package certmanager

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/samurai-wtf/katana/internal/config"
	"github.com/samurai-wtf/katana/internal/katanaerr"
)

const (
	caCertFile     = "rootCA.crt"
	caKeyFile      = "rootCA.key"
	serverCertFile = "server.crt"
	serverKeyFile  = "server.key"
	stateFile      = "cert-state.yml"

	caValidity     = 10 * 365 * 24 * time.Hour
	serverValidity = 365 * 24 * time.Hour
	rsaKeyBits     = 2048
)

// CertState records when the CA and server cert were issued, for status
// queries without re-parsing the PEM files.
type CertState struct {
	Domain          string    `yaml:"domain"`
	CAIssuedAt      time.Time `yaml:"ca_issued_at"`
	CAExpiresAt     time.Time `yaml:"ca_expires_at"`
	ServerIssuedAt  time.Time `yaml:"server_issued_at"`
	ServerExpiresAt time.Time `yaml:"server_expires_at"`
}

// Manager owns paths.certs: the root CA, the server cert/key, and their
// issuance metadata. It hot-reloads the server certificate for the
// Reverse Proxy on renew via registered OnRenew listeners.
type Manager struct {
	mu   sync.RWMutex
	dir  string
	cfg  *config.ReloadableConfig
	cert *tls.Certificate // cached parsed server cert, nil until loaded

	listeners []func()
}

// New creates a Manager rooted at dir (typically paths.certs).
func New(dir string, cfg *config.ReloadableConfig) *Manager {
	return &Manager{dir: dir, cfg: cfg}
}

// OnRenew registers a callback invoked after Renew issues a new server
// certificate, so the Reverse Proxy can pick it up for subsequent
// handshakes without restarting. Init does not invoke the callbacks.
func (m *Manager) OnRenew(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) path(name string) string { return filepath.Join(m.dir, name) }

// IsInitialized reports whether a root CA already exists on disk.
func (m *Manager) IsInitialized() bool {
	_, err := os.Stat(m.path(caCertFile))
	return err == nil
}

// Init idempotently creates the root CA if absent, then issues a fresh
// server certificate. Calling Init again when already initialized keeps
// the existing root CA and reissues only the server certificate.
func (m *Manager) Init() error {
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return katanaerr.New(katanaerr.CodeCert, "create certs directory", err)
	}

	var caCert *x509.Certificate
	var caKey *rsa.PrivateKey
	var st CertState

	if m.IsInitialized() {
		var err error
		caCert, caKey, err = m.loadCA()
		if err != nil {
			return err
		}
		loaded, err := m.loadState()
		if err == nil {
			st = loaded
		}
	} else {
		var err error
		caCert, caKey, err = m.generateCA()
		if err != nil {
			return err
		}
		st.CAIssuedAt = caCert.NotBefore
		st.CAExpiresAt = caCert.NotAfter
	}

	domain := m.cfg.Get().Domain()
	st.Domain = domain

	if err := m.issueServerCert(caCert, caKey, domain, &st); err != nil {
		return err
	}

	return m.writeState(st)
}

// Renew reissues only the server certificate, preserving the root CA,
// then notifies OnRenew listeners so the Reverse Proxy hot-reloads it.
func (m *Manager) Renew() error {
	if !m.IsInitialized() {
		return katanaerr.New(katanaerr.CodeCertNotInit, "certificate authority not initialized; run `katana cert init` first", nil)
	}

	caCert, caKey, err := m.loadCA()
	if err != nil {
		return err
	}
	st, err := m.loadState()
	if err != nil {
		return err
	}

	domain := m.cfg.Get().Domain()
	st.Domain = domain
	if err := m.issueServerCert(caCert, caKey, domain, &st); err != nil {
		return err
	}
	if err := m.writeState(st); err != nil {
		return err
	}

	m.mu.RLock()
	listeners := append([]func(){}, m.listeners...)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
	return nil
}

// ExportCA copies the public root certificate to dest, for browser/OS
// trust-store import.
func (m *Manager) ExportCA(dest string) error {
	data, err := m.CAPEM()
	if err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0644); err != nil {
		return katanaerr.New(katanaerr.CodeCert, "write exported CA certificate to "+dest, err)
	}
	return nil
}

// CAPEM returns the PEM-encoded public root certificate, for the API's CA
// download endpoint and ExportCA.
func (m *Manager) CAPEM() ([]byte, error) {
	if !m.IsInitialized() {
		return nil, katanaerr.New(katanaerr.CodeCertNotInit, "certificate authority not initialized; run `katana cert init` first", nil)
	}
	data, err := os.ReadFile(m.path(caCertFile))
	if err != nil {
		return nil, katanaerr.New(katanaerr.CodeCert, "read root CA certificate", err)
	}
	return data, nil
}

// ValidateCerts checks that the server certificate on disk parses, is
// currently valid, and is signed by the local root CA.
func (m *Manager) ValidateCerts() error {
	if !m.IsInitialized() {
		return katanaerr.New(katanaerr.CodeCertNotInit, "certificate authority not initialized", nil)
	}
	caCert, _, err := m.loadCA()
	if err != nil {
		return err
	}
	serverCert, err := m.loadServerCert()
	if err != nil {
		return err
	}

	pool := x509.NewCertPool()
	pool.AddCert(caCert)
	if _, err := serverCert.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}}); err != nil {
		return katanaerr.New(katanaerr.CodeCertExpired, "server certificate failed validation against the root CA", err)
	}
	return nil
}

// DaysUntilExpiration returns the number of whole days until the server
// certificate expires. A negative value means it has already expired.
func (m *Manager) DaysUntilExpiration() (int, error) {
	serverCert, err := m.loadServerCert()
	if err != nil {
		return 0, err
	}
	return int(time.Until(serverCert.NotAfter).Hours() / 24), nil
}

// TLSCertificate returns the current server certificate in tls.Certificate
// form for use in a tls.Config's GetCertificate callback, caching the
// parsed value until the next Renew.
func (m *Manager) TLSCertificate() (*tls.Certificate, error) {
	m.mu.RLock()
	if m.cert != nil {
		cached := m.cert
		m.mu.RUnlock()
		return cached, nil
	}
	m.mu.RUnlock()

	cert, err := tls.LoadX509KeyPair(m.path(serverCertFile), m.path(serverKeyFile))
	if err != nil {
		return nil, katanaerr.New(katanaerr.CodeCert, "load server certificate keypair", err)
	}

	m.mu.Lock()
	m.cert = &cert
	m.mu.Unlock()
	return &cert, nil
}

func (m *Manager) invalidateCachedCert() {
	m.mu.Lock()
	m.cert = nil
	m.mu.Unlock()
}

func (m *Manager) generateCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, nil, katanaerr.New(katanaerr.CodeCert, "generate root CA private key", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          mustSerial(),
		Subject:               pkix.Name{CommonName: "Katana Lab Root CA", Organization: []string{"Katana"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, katanaerr.New(katanaerr.CodeCert, "create root CA certificate", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, katanaerr.New(katanaerr.CodeCert, "parse generated root CA certificate", err)
	}

	if err := writePEM(m.path(caCertFile), "CERTIFICATE", der, 0644); err != nil {
		return nil, nil, err
	}
	if err := writePEM(m.path(caKeyFile), "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0600); err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func (m *Manager) loadCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(m.path(caCertFile))
	if err != nil {
		return nil, nil, katanaerr.New(katanaerr.CodeCert, "read root CA certificate", err)
	}
	keyPEM, err := os.ReadFile(m.path(caKeyFile))
	if err != nil {
		return nil, nil, katanaerr.New(katanaerr.CodeCert, "read root CA private key", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, katanaerr.New(katanaerr.CodeCert, "decode root CA certificate PEM", nil)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, katanaerr.New(katanaerr.CodeCert, "parse root CA certificate", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, katanaerr.New(katanaerr.CodeCert, "decode root CA private key PEM", nil)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, katanaerr.New(katanaerr.CodeCert, "parse root CA private key", err)
	}
	return cert, key, nil
}

func (m *Manager) loadServerCert() (*x509.Certificate, error) {
	certPEM, err := os.ReadFile(m.path(serverCertFile))
	if err != nil {
		return nil, katanaerr.New(katanaerr.CodeCert, "read server certificate", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, katanaerr.New(katanaerr.CodeCert, "decode server certificate PEM", nil)
	}
	return x509.ParseCertificate(block.Bytes)
}

func (m *Manager) issueServerCert(caCert *x509.Certificate, caKey *rsa.PrivateKey, domain string, st *CertState) error {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return katanaerr.New(katanaerr.CodeCert, "generate server private key", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: mustSerial(),
		Subject:      pkix.Name{CommonName: domain, Organization: []string{"Katana"}},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(serverValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{domain, "*." + domain},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return katanaerr.New(katanaerr.CodeCert, "create server certificate", err)
	}

	if err := writePEM(m.path(serverCertFile), "CERTIFICATE", der, 0644); err != nil {
		return err
	}
	if err := writePEM(m.path(serverKeyFile), "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), 0600); err != nil {
		return err
	}

	st.ServerIssuedAt = template.NotBefore
	st.ServerExpiresAt = template.NotAfter
	m.invalidateCachedCert()
	return nil
}

func (m *Manager) loadState() (CertState, error) {
	var st CertState
	data, err := os.ReadFile(m.path(stateFile))
	if err != nil {
		return st, katanaerr.New(katanaerr.CodeCert, "read certificate state", err)
	}
	if err := yaml.Unmarshal(data, &st); err != nil {
		return st, katanaerr.New(katanaerr.CodeCert, "parse certificate state", err)
	}
	return st, nil
}

// writeState persists st atomically using the same temp-file + fsync +
// rename technique as the State Store.
func (m *Manager) writeState(st CertState) error {
	data, err := yaml.Marshal(st)
	if err != nil {
		return katanaerr.New(katanaerr.CodeCert, "marshal certificate state", err)
	}
	tmp, err := os.CreateTemp(m.dir, ".cert-state-*.yml.tmp")
	if err != nil {
		return katanaerr.New(katanaerr.CodeCert, "create temp certificate state file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return katanaerr.New(katanaerr.CodeCert, "write temp certificate state file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return katanaerr.New(katanaerr.CodeCert, "fsync temp certificate state file", err)
	}
	if err := tmp.Close(); err != nil {
		return katanaerr.New(katanaerr.CodeCert, "close temp certificate state file", err)
	}
	if err := os.Chmod(tmpPath, 0644); err != nil {
		return katanaerr.New(katanaerr.CodeCert, "chmod temp certificate state file", err)
	}
	if err := os.Rename(tmpPath, m.path(stateFile)); err != nil {
		return katanaerr.New(katanaerr.CodeCert, "rename certificate state file into place", err)
	}
	return nil
}

func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return katanaerr.New(katanaerr.CodeCert, "open "+path+" for writing", err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return katanaerr.New(katanaerr.CodeCert, "write PEM block to "+path, err)
	}
	return nil
}

func mustSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}
