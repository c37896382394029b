// Package fetch downloads caller-supplied image URLs with SSRF guards, a
// byte ceiling and bounded retries.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxBytes   = 20 << 20
	DefaultMaxRetries = 3
	DefaultTimeout    = 30 * time.Second
)

// Config tunes a Fetcher. Zero values pick the defaults above.
type Config struct {
	MaxBytes   int64
	MaxRetries int
	Timeout    time.Duration
	// InitialBackoff is the first retry delay (default 500ms).
	InitialBackoff time.Duration
	// AllowPrivate disables the address checks. Only for tests against
	// local servers.
	AllowPrivate bool
}

// Resolver looks up host addresses.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Fetcher downloads images.
type Fetcher struct {
	cfg      Config
	client   *http.Client
	resolver Resolver
	log      zerolog.Logger
}

// New builds a Fetcher whose transport re-checks every dialled address, so
// a hostname that passes validation cannot rebind to a private address.
func New(cfg Config, log zerolog.Logger) *Fetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	f := &Fetcher{cfg: cfg, resolver: net.DefaultResolver, log: log}
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	if !cfg.AllowPrivate {
		dialer.Control = func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			addr, err := netip.ParseAddr(host)
			if err != nil {
				return &ValidationError{Reason: "unresolvable address " + host}
			}
			if blocked(addr) {
				return &ValidationError{Reason: "destination address is not allowed"}
			}
			return nil
		}
	}
	f.client = &http.Client{
		Transport: &http.Transport{
			Proxy:                 nil,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.Timeout,
			MaxIdleConns:          16,
			IdleConnTimeout:       60 * time.Second,
		},
		CheckRedirect: f.checkRedirect,
	}
	return f
}

// MaxBytes returns the configured ceiling.
func (f *Fetcher) MaxBytes() int64 { return f.cfg.MaxBytes }

// Validate checks scheme and host of raw without issuing any request.
func (f *Fetcher) Validate(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, &ValidationError{Reason: "invalid url"}
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, &ValidationError{Reason: fmt.Sprintf("unsupported url scheme %q", u.Scheme)}
	}
	host := u.Hostname()
	if host == "" {
		return nil, &ValidationError{Reason: "url has no host"}
	}
	if u.User != nil {
		return nil, &ValidationError{Reason: "credentials in url are not allowed"}
	}
	if f.cfg.AllowPrivate {
		return u, nil
	}
	lh := strings.TrimSuffix(strings.ToLower(host), ".")
	if lh == "localhost" || strings.HasSuffix(lh, ".localhost") || strings.HasSuffix(lh, ".local") || strings.HasSuffix(lh, ".internal") {
		return nil, &ValidationError{Reason: "host is not allowed"}
	}
	if addr, err := netip.ParseAddr(lh); err == nil {
		if blocked(addr) {
			return nil, &ValidationError{Reason: "host is not allowed"}
		}
		return u, nil
	}
	addrs, err := f.resolver.LookupNetIP(ctx, "ip", lh)
	if err != nil || len(addrs) == 0 {
		return nil, &ValidationError{Reason: "host does not resolve"}
	}
	for _, a := range addrs {
		if blocked(a) {
			return nil, &ValidationError{Reason: "host is not allowed"}
		}
	}
	return u, nil
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 5 {
		return &ValidationError{Reason: "too many redirects"}
	}
	if _, err := f.Validate(req.Context(), req.URL.String()); err != nil {
		return err
	}
	return nil
}

// Get downloads raw, retrying transient failures with exponential backoff.
// Validation failures and oversized bodies are never retried.
func (f *Fetcher) Get(ctx context.Context, raw string) ([]byte, error) {
	u, err := f.Validate(ctx, raw)
	if err != nil {
		return nil, err
	}
	attempt := 0
	var out []byte
	op := func() error {
		attempt++
		b, err := f.once(ctx, u.String())
		if err == nil {
			out = b
			return nil
		}
		if !isTransient(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		f.log.Debug().Err(err).Int("attempt", attempt).Str("host", u.Hostname()).Msg("image fetch retry")
		return err
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = f.cfg.InitialBackoff
	eb.MaxInterval = 8 * f.cfg.InitialBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(f.cfg.MaxRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		var pe *backoff.PermanentError
		if errors.As(err, &pe) {
			err = pe.Err
		}
		if ctx.Err() != nil && !isValidation(err) {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return out, nil
}

func (f *Fetcher) once(ctx context.Context, raw string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, &ValidationError{Reason: "invalid url"}
	}
	req.Header.Set("Accept", "image/*")
	resp, err := f.client.Do(req)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return nil, ve
		}
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("http %d", resp.StatusCode)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &ValidationError{Reason: fmt.Sprintf("image url returned http %d", resp.StatusCode)}
	}
	if resp.ContentLength > f.cfg.MaxBytes {
		return nil, &TooLargeError{Limit: f.cfg.MaxBytes}
	}
	return readLimited(resp.Body, f.cfg.MaxBytes)
}

// readLimited reads at most limit bytes and fails as soon as one more byte
// shows up, without buffering the rest of the body.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	buf := make([]byte, 0, min(limit, 1<<20)+1)
	chunk := make([]byte, 32<<10)
	var n int64
	for {
		k, err := r.Read(chunk)
		if k > 0 {
			n += int64(k)
			if n > limit {
				return nil, &TooLargeError{Limit: limit}
			}
			buf = append(buf, chunk[:k]...)
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, &TransientError{Err: err}
		}
	}
}

var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

// blocked reports loopback, private (RFC1918 / ULA), link-local, CGNAT,
// unspecified, multicast and similar non-public addresses.
func blocked(a netip.Addr) bool {
	a = a.Unmap()
	if a.IsLoopback() || a.IsPrivate() || a.IsLinkLocalUnicast() || a.IsLinkLocalMulticast() ||
		a.IsInterfaceLocalMulticast() || a.IsMulticast() || a.IsUnspecified() {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
