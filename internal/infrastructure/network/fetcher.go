package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
	"github.com/sirupsen/logrus"
)

// hopHeaders are connection-scoped and never forwarded or stored.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPFetcher fetches requests from an origin over HTTP. Any response the
// origin returns is a success; only transport failures are network failures.
type HTTPFetcher struct {
	base    *url.URL
	client  *http.Client
	logger  *logrus.Logger
	maxBody int64
}

type FetcherConfig struct {
	BaseURL         string
	RequestTimeout  time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	// MaxBodyBytes caps how much of a response is buffered; <=0 means 32 MiB.
	MaxBodyBytes int64
}

func NewHTTPFetcher(cfg FetcherConfig, logger *logrus.Logger) (*HTTPFetcher, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid origin base url %q", cfg.BaseURL)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.MaxIdleConns > 0 {
		transport.MaxIdleConns = cfg.MaxIdleConns
		transport.MaxIdleConnsPerHost = cfg.MaxIdleConns
	}
	if cfg.IdleConnTimeout > 0 {
		transport.IdleConnTimeout = cfg.IdleConnTimeout
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 32 << 20
	}
	return &HTTPFetcher{
		base: base,
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.RequestTimeout,
			// Redirects are part of the response, as the browser cache sees them.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		logger:  logger,
		maxBody: maxBody,
	}, nil
}

// Fetch sends req to the origin and buffers the whole response.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *offline.Request) (*offline.Response, error) {
	target, err := f.resolve(req.URL)
	if err != nil {
		return nil, err
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build origin request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	removeHopHeaders(httpReq.Header)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		if f.logger != nil {
			f.logger.WithFields(logrus.Fields{"url": target, "method": method}).WithError(err).Debug("origin unreachable")
		}
		return nil, fmt.Errorf("%w: %w", offline.ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", offline.ErrNetworkFailure, err)
	}
	if int64(len(data)) > f.maxBody {
		return nil, fmt.Errorf("%w: response for %s exceeds %d bytes", offline.ErrResponseTooLarge, req.URL, f.maxBody)
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	return &offline.Response{Status: resp.StatusCode, Header: header, Body: data}, nil
}

// Ping checks the origin is reachable at the transport level.
func (f *HTTPFetcher) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, f.base.String(), nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// resolve joins a path+query onto the origin base, refusing absolute URLs that
// would point the gateway at another host.
func (f *HTTPFetcher) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid request url %q: %w", raw, err)
	}
	if ref.IsAbs() || ref.Host != "" {
		if !strings.EqualFold(ref.Host, f.base.Host) {
			return "", fmt.Errorf("request url %q is not on the origin", raw)
		}
		ref = &url.URL{Path: ref.Path, RawPath: ref.RawPath, RawQuery: ref.RawQuery}
	}
	u := *f.base
	u.Path = strings.TrimSuffix(f.base.Path, "/") + ref.Path
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	u.Fragment = ""
	return u.String(), nil
}

func removeHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}
