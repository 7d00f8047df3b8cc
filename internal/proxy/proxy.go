// Package proxy forwards the containerized agent's model API calls and
// attaches the real credential on the host side.
package proxy

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultUpstream is the Anthropic API origin.
const DefaultUpstream = "https://api.anthropic.com"

// CredentialProxy accepts requests carrying a per-process secret and
// forwards them upstream with the real API key. The container only ever
// sees the secret, which is useless against the upstream directly.
type CredentialProxy struct {
	server *http.Server
	token  string
	secret string
	addr   string
}

// Options configures a CredentialProxy. An empty Secret is replaced by a
// random one.
type Options struct {
	ListenAddr string
	Upstream   string
	Token      string
	Secret     string
	Transport  http.RoundTripper
}

// New builds the proxy. It listens only after Start.
func New(opts Options) (*CredentialProxy, error) {
	if opts.Upstream == "" {
		opts.Upstream = DefaultUpstream
	}
	target, err := url.Parse(opts.Upstream)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy upstream: %w", err)
	}
	if opts.Secret == "" {
		if opts.Secret, err = NewSecret(); err != nil {
			return nil, err
		}
	}
	if opts.Transport == nil {
		opts.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}

	p := &CredentialProxy{token: opts.Token, secret: opts.Secret, addr: opts.ListenAddr}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Transport = opts.Transport
	director := rp.Director
	rp.Director = func(r *http.Request) {
		director(r)
		r.Header.Del("Authorization")
		r.Header.Set("x-api-key", p.token)
		r.Host = target.Host
	}

	p.server = &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           p.guard(rp),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return p, nil
}

// NewSecret returns 32 random bytes, hex encoded.
func NewSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating proxy secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Secret is the value callers present as their x-api-key.
func (p *CredentialProxy) Secret() string { return p.secret }

// Addr is the bound address once Start has returned.
func (p *CredentialProxy) Addr() string { return p.addr }

func (p *CredentialProxy) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("x-api-key")
		if subtle.ConstantTimeCompare([]byte(presented), []byte(p.secret)) != 1 {
			log.Warn().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("credential proxy rejected request")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start binds the listener and serves in the background.
func (p *CredentialProxy) Start() error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("credential proxy listen: %w", err)
	}
	p.addr = ln.Addr().String()
	go func() {
		_ = p.server.Serve(ln) // returns on Shutdown
	}()
	log.Info().Str("addr", p.addr).Msg("credential proxy listening")
	return nil
}

// Close shuts the proxy down.
func (p *CredentialProxy) Close(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}
