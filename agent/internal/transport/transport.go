package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/agilira/go-errors"

	"github.com/loghaven/loghaven/agent/internal/config"
)

// Error codes carried by Send failures.
const (
	ErrCodeRequest = "TRANSPORT_REQUEST"
	ErrCodeConnect = "TRANSPORT_CONNECT"
	ErrCodeRead    = "TRANSPORT_READ"
)

// DefaultTimeout bounds a request whose Timeout is zero.
const DefaultTimeout = 5 * time.Second

const maxResponseSize = 64 << 20

// Request is one call to the configuration server.
type Request struct {
	Method  string
	Addr    string // host:port
	Path    string
	Query   url.Values
	Headers http.Header
	Body    []byte
	Timeout time.Duration
}

// SetHeader sets a request header, allocating the map if needed.
func (r *Request) SetHeader(key, value string) {
	if r.Headers == nil {
		r.Headers = make(http.Header)
	}
	r.Headers.Set(key, value)
}

// Response is the server's answer.
type Response struct {
	StatusCode int
	Headers    http.Header
	Content    []byte
}

// Transport performs request/response exchanges.
type Transport interface {
	Send(ctx context.Context, req *Request) (*Response, error)
}

// HTTP is a Transport over net/http.
type HTTP struct {
	client *http.Client
	scheme string
	tls    *tls.Config
}

// New returns an HTTP transport for the given TLS settings. With TLS
// disabled requests use plain http.
func New(cfg config.TLSConfig) (*HTTP, error) {
	if !cfg.Enabled {
		return &HTTP{client: &http.Client{}, scheme: "http"}, nil
	}

	tlsCfg, err := buildTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &HTTP{
		client: &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}},
		scheme: "https",
		tls:    tlsCfg,
	}, nil
}

func buildTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	if cfg.CAFile != "" {
		caPEM, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("transport: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("transport: no valid certs found in ca file %q", cfg.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

// Send performs req and returns the response whatever its status code.
func (t *HTTP) Send(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	u := url.URL{Scheme: t.scheme, Host: req.Addr, Path: req.Path, RawQuery: req.Query.Encode()}
	hreq, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeRequest, "build request").WithContext("addr", req.Addr)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}

	resp, err := t.client.Do(hreq)
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeConnect, "send request").
			WithContext("addr", req.Addr).WithContext("path", req.Path)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrap(err, ErrCodeRead, "read response").
			WithContext("addr", req.Addr).WithContext("path", req.Path)
	}
	return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Content: body}, nil
}
