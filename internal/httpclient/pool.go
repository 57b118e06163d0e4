// Package httpclient implements a pool of outbound HTTP clients keyed by
// proxy URL, created lazily and cached for process lifetime.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

const noProxySentinel = ""

// Pool hands out *http.Client instances keyed by outbound-proxy URL,
// creating each lazily on first use and reusing it for the life of the
// process (or until a config reload builds a replacement Pool).
type Pool struct {
	mu             sync.RWMutex
	clients        map[string]*http.Client
	connectTimeout time.Duration
	requestTimeout time.Duration
	logger         *slog.Logger
}

// New builds an empty Pool. connectTimeout bounds dialing; requestTimeout
// bounds the whole non-streaming request (zero means unbounded, needed for
// streaming responses whose total duration can't be predicted).
func New(connectTimeout, requestTimeout time.Duration, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		clients:        make(map[string]*http.Client),
		connectTimeout: connectTimeout,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

// Client returns the client for proxyURL ("" means no proxy), building one
// on first request.
func (p *Pool) Client(proxyURL string) (*http.Client, error) {
	p.mu.RLock()
	if c, ok := p.clients[proxyURL]; ok {
		p.mu.RUnlock()
		return c, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[proxyURL]; ok {
		return c, nil
	}

	client, err := p.build(proxyURL)
	if err != nil {
		return nil, err
	}
	p.clients[proxyURL] = client
	return client, nil
}

func (p *Pool) build(proxyURL string) (*http.Client, error) {
	dialer := &net.Dialer{Timeout: p.connectTimeout, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	if proxyURL != noProxySentinel {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("httpclient: invalid proxy url %q: %w", proxyURL, err)
		}

		switch parsed.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(parsed)
		case "socks5":
			dialSocks, err := proxy.FromURL(parsed, dialer)
			if err != nil {
				return nil, fmt.Errorf("httpclient: socks5 dialer: %w", err)
			}
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialSocks.Dial(network, addr)
			}
		default:
			p.logger.Warn("unsupported proxy scheme, falling back to no-proxy client",
				"scheme", parsed.Scheme, "proxy_url", proxyURL)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   p.requestTimeout,
	}, nil
}

// Len reports how many distinct clients have been built.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}
