// SPDX-License-Identifier: Apache-2.0
// Package proxy runs the two-listener TLS-terminating reverse proxy that
// fronts installed targets and the embedded dashboard API.
package proxy

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/samurai-wtf/katana/internal/certmanager"
	"github.com/samurai-wtf/katana/internal/config"
	"github.com/samurai-wtf/katana/internal/katanaerr"
	"github.com/samurai-wtf/katana/internal/routetable"
)

// Proxy owns the HTTP redirect listener and the HTTPS terminating
// listener, routing each request by Host header through the Route Table.
type Proxy struct {
	cfg       *config.ReloadableConfig
	routes    *routetable.Manager
	certs     *certmanager.Manager
	dashboard http.Handler
	logger    *slog.Logger

	httpServer  *http.Server
	httpsServer *http.Server
}

// New creates a Proxy. dashboard handles requests whose Host matches the
// configured dashboard hostname, served in-process without a network hop.
func New(cfg *config.ReloadableConfig, routes *routetable.Manager, certs *certmanager.Manager, dashboard http.Handler, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{cfg: cfg, routes: routes, certs: certs, dashboard: dashboard, logger: logger}
}

// Start binds the HTTP redirect and HTTPS terminating listeners and
// serves until ctx is canceled. It returns once both listeners are bound
// (or an error occurs binding them); serving continues in background
// goroutines.
func (p *Proxy) Start(ctx context.Context) error {
	cfg := p.cfg.Get()
	bind := cfg.BindAddress()

	httpAddr := net.JoinHostPort(bind, strconv.Itoa(cfg.Proxy.HTTPPort))
	httpsAddr := net.JoinHostPort(bind, strconv.Itoa(cfg.Proxy.HTTPSPort))

	p.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           http.HandlerFunc(p.redirectToHTTPS),
		ReadHeaderTimeout: 5 * time.Second,
	}
	p.httpsServer = &http.Server{
		Addr:              httpsAddr,
		Handler:           http.HandlerFunc(p.serveHTTPS),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig: &tls.Config{
			GetCertificate: p.getCertificate,
		},
	}

	httpListener, err := net.Listen("tcp", httpAddr)
	if err != nil {
		return bindError(httpAddr, err)
	}
	httpsListener, err := net.Listen("tcp", httpsAddr)
	if err != nil {
		httpListener.Close()
		return bindError(httpsAddr, err)
	}
	tlsListener := tls.NewListener(httpsListener, p.httpsServer.TLSConfig)

	go func() {
		if err := p.httpServer.Serve(httpListener); err != nil && err != http.ErrServerClosed {
			p.logger.Error("http listener stopped", "error", err)
		}
	}()
	go func() {
		if err := p.httpsServer.Serve(tlsListener); err != nil && err != http.ErrServerClosed {
			p.logger.Error("https listener stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.httpServer.Shutdown(shutdownCtx)
		_ = p.httpsServer.Shutdown(shutdownCtx)
	}()

	p.logger.Info("reverse proxy listening", "http", httpAddr, "https", httpsAddr)
	return nil
}

func bindError(addr string, cause error) error {
	return katanaerr.New(katanaerr.CodePortBind, "bind "+addr, cause).
		WithHelp("grant the binary cap_net_bind_service (setcap 'cap_net_bind_service=+ep' <binary>) or run in an elevated context to bind privileged ports")
}

func (p *Proxy) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return p.certs.TLSCertificate()
}

func (p *Proxy) redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	host := stripPort(r.Host)
	httpsPort := p.cfg.Get().Proxy.HTTPSPort
	target := "https://" + host
	if httpsPort != 443 {
		target += ":" + strconv.Itoa(httpsPort)
	}
	target += r.URL.RequestURI()
	http.Redirect(w, r, target, http.StatusPermanentRedirect)
}

func (p *Proxy) serveHTTPS(w http.ResponseWriter, r *http.Request) {
	host := strings.ToLower(stripPort(r.Host))
	backend, ok := p.routes.Current().Lookup(host)
	if !ok {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("not found\n"))
		return
	}

	if backend.Dashboard {
		p.dashboard.ServeHTTP(w, setForwardedHeaders(r))
		return
	}

	target := &url.URL{Scheme: "http", Host: net.JoinHostPort(backend.Host, strconv.Itoa(backend.Port))}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.logger.Warn("backend unreachable", "module", backend.Module, "host", backend.Host, "port", backend.Port, "error", err)
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("backend unreachable\n"))
	}
	baseDirector := rp.Director
	rp.Director = func(req *http.Request) {
		baseDirector(req)
		setForwardedHeaders(req)
	}
	rp.ServeHTTP(w, r)
}

func setForwardedHeaders(r *http.Request) *http.Request {
	clientIP := stripPort(r.RemoteAddr)
	r.Header.Set("X-Forwarded-For", clientIP)
	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Forwarded-Host", r.Host)
	r.Header.Set("X-Real-IP", clientIP)
	return r
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}
