package upload

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/datatheorem/dtupload/internal/sink"
	"github.com/datatheorem/dtupload/internal/tree"
)

// DefaultInitURL is the production upload_init endpoint.
const DefaultInitURL = "https://api.securetheorem.com/uploadapi/v1/upload_init"

// ClientOptions configures a Client.
type ClientOptions struct {
	// InitURL overrides DefaultInitURL.
	InitURL string

	// UserAgent is sent on every request.
	UserAgent string

	// Proxy routes both requests through an HTTP proxy when set.
	Proxy *ProxyConfig

	// Dialer, when set, originates every connection. It is used to send the
	// build directly from the host holding the workspace.
	Dialer tree.Dialer

	// Sink receives progress lines. Defaults to sink.Discard.
	Sink sink.Sink
}

// Client performs the two HTTP exchanges of an upload.
type Client struct {
	initURL   string
	userAgent string
	proxy     *ProxyConfig
	dialer    tree.Dialer
	sink      sink.Sink
}

// NewClient returns a Client for the given options.
func NewClient(opts ClientOptions) *Client {
	c := &Client{
		initURL:   opts.InitURL,
		userAgent: opts.UserAgent,
		proxy:     opts.Proxy,
		dialer:    opts.Dialer,
		sink:      opts.Sink,
	}
	if c.initURL == "" {
		c.initURL = DefaultInitURL
	}
	if c.sink == nil {
		c.sink = sink.Discard
	}
	return c
}

// WithDialer returns a copy of c whose connections originate from d.
func (c *Client) WithDialer(d tree.Dialer) *Client {
	cp := *c
	cp.dialer = d
	return &cp
}

// httpClient builds a fresh client for one request. Proxy and TLS settings
// are reported to the sink every time they are applied.
func (c *Client) httpClient() *http.Client {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if c.dialer != nil {
		transport.DialContext = c.dialer.DialContext
	}

	if p := c.proxy; p != nil {
		transport.Proxy = http.ProxyURL(p.URL())
		if p.Username != "" {
			c.sink.Println("Proxy is set using username/password authentication")
		} else {
			c.sink.Println("Proxy is set without authentication")
		}
		if p.AllowUntrustedTLS {
			c.sink.Println("Insecure connection option is set: bypassing TLS certificate validation")
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // #nosec G402
		}
	}

	return &http.Client{Transport: transport}
}

func (c *Client) setHeaders(h http.Header) {
	if c.userAgent != "" {
		h.Set("User-Agent", c.userAgent)
	}
}
