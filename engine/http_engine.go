package engine

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	tls "github.com/refraction-networking/utls"
	"golang.org/x/net/proxy"
)

const (
	DefaultMaxRedirects = 5
	DefaultMaxBodyBytes = 10 << 20
	DefaultTimeout      = 30 * time.Second
	DefaultMaxClients   = 32
	DefaultUserAgent    = "scrape/1.0 (+https://github.com/use-agent/scrape)"
)

// HTTPOptions configures an HTTPEngine.
type HTTPOptions struct {
	UserAgent string

	// MaxRedirects is the default redirect bound; FetchRequest.MaxRedirects
	// can lower it to zero per request.
	MaxRedirects int
	MaxBodyBytes int64
	Timeout      time.Duration

	// Fingerprint dials TLS with a Chrome-like ClientHello instead of Go's.
	Fingerprint bool

	// ProxyURL is the default proxy for requests that don't set their own.
	ProxyURL string

	// Headers are sent with every request; FetchRequest.Headers override them.
	Headers map[string]string

	// MaxClients bounds the cached per-proxy clients. The client for
	// ProxyURL is never evicted.
	MaxClients int
}

// HTTPEngine is the net/http fetcher. It keeps one client per distinct
// proxy so connections are pooled per route; least recently used clients
// beyond MaxClients are dropped.
type HTTPEngine struct {
	opts HTTPOptions

	mu      sync.Mutex
	base    *http.Client
	clients map[string]*list.Element
	lru     *list.List
}

type cachedClient struct {
	proxy  string
	client *http.Client
}

// chromeH1Spec is a Chrome-like TLS ClientHello with ALPN forced to http/1.1
// only. Computed once at init time and reused for every connection.
var chromeH1Spec tls.ClientHelloSpec

func init() {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		return
	}
	// http.Transport cannot speak h2 over a utls connection.
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	chromeH1Spec = spec
}

// NewHTTPEngine creates an HTTPEngine. Zero options take the package defaults.
func NewHTTPEngine(opts HTTPOptions) *HTTPEngine {
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = DefaultMaxRedirects
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxClients <= 0 {
		opts.MaxClients = DefaultMaxClients
	}
	return &HTTPEngine{opts: opts, clients: make(map[string]*list.Element), lru: list.New()}
}

func (e *HTTPEngine) Name() string { return "http" }

type redirectLimitKey struct{}

func (e *HTTPEngine) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	res := &FetchResult{URL: req.URL, EngineName: e.Name()}
	fail := func(fe *FetchError) (*FetchResult, error) {
		res.Err = fe
		return res, fe
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limit := e.opts.MaxRedirects
	if req.MaxRedirects != nil {
		limit = *req.MaxRedirects
	}
	ctx = context.WithValue(ctx, redirectLimitKey{}, limit)

	proxyURL := req.ProxyURL
	if proxyURL == "" {
		proxyURL = e.opts.ProxyURL
	}
	client, err := e.client(proxyURL)
	if err != nil {
		return fail(&FetchError{Kind: ConnectionError, URL: req.URL, Err: err})
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return fail(&FetchError{Kind: ProtocolError, URL: req.URL, Err: fmt.Errorf("build request: %w", err)})
	}
	httpReq.Header.Set("User-Agent", e.opts.UserAgent)
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,application/json;q=0.8,*/*;q=0.7")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range e.opts.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		res.Duration = time.Since(start)
		return fail(classify(req.URL, err))
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	res.Headers = resp.Header.Clone()
	res.ContentType = resp.Header.Get("Content-Type")
	res.FinalURL = req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		res.FinalURL = resp.Request.URL.String()
	}

	body, truncated, err := readBody(resp, e.opts.MaxBodyBytes)
	res.Duration = time.Since(start)
	if err != nil {
		fe := classify(req.URL, err)
		if fe.Kind == ConnectionError {
			fe.Kind = ProtocolError
		}
		return fail(fe)
	}
	res.Body = body
	res.Truncated = truncated
	return res, nil
}

// client returns the cached client for proxyURL, building it on first use.
func (e *HTTPEngine) client(proxyURL string) (*http.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if proxyURL == e.opts.ProxyURL && e.base != nil {
		return e.base, nil
	}
	if el, ok := e.clients[proxyURL]; ok {
		e.lru.MoveToFront(el)
		return el.Value.(*cachedClient).client, nil
	}

	c, err := e.newClient(proxyURL)
	if err != nil {
		return nil, err
	}
	if proxyURL == e.opts.ProxyURL {
		e.base = c
		return c, nil
	}

	e.clients[proxyURL] = e.lru.PushFront(&cachedClient{proxy: proxyURL, client: c})
	for e.lru.Len() > e.opts.MaxClients {
		oldest := e.lru.Back()
		cc := e.lru.Remove(oldest).(*cachedClient)
		delete(e.clients, cc.proxy)
		// In-flight requests keep their connections; only idle ones close.
		cc.client.CloseIdleConnections()
	}
	return c, nil
}

// cachedClients reports how many per-proxy clients are cached.
func (e *HTTPEngine) cachedClients() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lru.Len()
}

func (e *HTTPEngine) newClient(proxyURL string) (*http.Client, error) {
	transport, err := e.newTransport(proxyURL)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			limit, ok := req.Context().Value(redirectLimitKey{}).(int)
			if !ok {
				limit = e.opts.MaxRedirects
			}
			if len(via) > limit {
				return errTooManyRedirects
			}
			return nil
		},
	}, nil
}

func (e *HTTPEngine) newTransport(proxyURL string) (*http.Transport, error) {
	base := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	dial := base.DialContext

	transport := &http.Transport{
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 0,
		ForceAttemptHTTP2:     false,
	}

	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		switch u.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)
		case "socks5", "socks5h":
			d, err := proxy.FromURL(u, base)
			if err != nil {
				return nil, fmt.Errorf("socks proxy: %w", err)
			}
			cd, ok := d.(proxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("socks proxy: dialer does not support contexts")
			}
			dial = cd.DialContext
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
	}
	transport.DialContext = dial

	// Through an HTTP proxy the TLS session is set up by the transport
	// after CONNECT, so the fingerprint only applies to direct and socks routes.
	if e.opts.Fingerprint && transport.Proxy == nil {
		transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dial(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, _ := net.SplitHostPort(addr)
			tlsConn := tls.UClient(conn, &tls.Config{ServerName: host}, tls.HelloCustom)
			if err := tlsConn.ApplyPreset(&chromeH1Spec); err != nil {
				conn.Close()
				return nil, fmt.Errorf("apply tls spec: %w", err)
			}
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				conn.Close()
				return nil, err
			}
			return tlsConn, nil
		}
	}
	return transport, nil
}

// readBody decodes the response body and reads at most limit bytes of it.
func readBody(resp *http.Response, limit int64) ([]byte, bool, error) {
	reader, closeFn, err := decodeBody(resp)
	if err != nil {
		return nil, false, err
	}
	defer closeFn()

	body, err := io.ReadAll(io.LimitReader(reader, limit+1))
	if err != nil {
		return nil, false, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return body[:limit], true, nil
	}
	return body, false, nil
}
