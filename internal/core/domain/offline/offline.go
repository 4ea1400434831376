package offline

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInstallFailed is returned when any manifest asset could not be cached.
	ErrInstallFailed = errors.New("offline: install failed")
	// ErrNetworkFailure is returned when the origin could not be reached and no fallback applies.
	ErrNetworkFailure = errors.New("offline: network failure")
	// ErrInvalidTransition is returned when a lifecycle event arrives in the wrong state.
	ErrInvalidTransition = errors.New("offline: invalid lifecycle transition")
	// ErrNotCacheable is returned by stores asked to hold a request or response the cache refuses.
	ErrNotCacheable = errors.New("offline: request or response is not cacheable")
	// ErrSuperseded is returned by an install that was cancelled because a newer version registered.
	ErrSuperseded = errors.New("offline: superseded by a newer version")
	// ErrStoreIncomplete is returned when a store left by an earlier process lacks manifest assets.
	ErrStoreIncomplete = errors.New("offline: store does not hold the full manifest")
	// ErrResponseTooLarge is returned when the origin answered with a body over the fetch limit.
	ErrResponseTooLarge = errors.New("offline: origin response too large")
)

// CacheVersion names one generation of the cached asset set. It is also the key
// of the named store holding that generation.
type CacheVersion string

func (v CacheVersion) String() string { return string(v) }

// Validate rejects versions that cannot serve as a store name.
func (v CacheVersion) Validate() error {
	if v == "" {
		return fmt.Errorf("cache version is empty")
	}
	if len(v) > 128 {
		return fmt.Errorf("cache version %q is longer than 128 bytes", v)
	}
	for _, r := range v {
		if r <= ' ' || r == 0x7f {
			return fmt.Errorf("cache version %q contains whitespace or control characters", v)
		}
	}
	return nil
}

// Manifest is the ordered list of paths that must be cached for the shell to work offline.
type Manifest []string

// Validate checks that the manifest is usable for an install.
func (m Manifest) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("asset manifest is empty")
	}
	seen := make(map[string]struct{}, len(m))
	for _, p := range m {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("asset path %q must be absolute", p)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("asset path %q listed twice", p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// Contains reports whether path is one of the manifest entries.
func (m Manifest) Contains(path string) bool {
	for _, p := range m {
		if p == path {
			return true
		}
	}
	return false
}

// RequestMode mirrors the fetch request mode. Only ModeNavigate changes behavior.
type RequestMode string

const (
	ModeNavigate   RequestMode = "navigate"
	ModeSameOrigin RequestMode = "same-origin"
	ModeNoCORS     RequestMode = "no-cors"
	ModeCORS       RequestMode = "cors"
)

// Request is one intercepted outgoing fetch.
type Request struct {
	Method string
	// URL is the path plus query, relative to the origin (e.g. "/style.css?v=2").
	URL    string
	Mode   RequestMode
	Header http.Header
	Body   []byte
}

// IsNavigation reports whether the request loads a full page document.
func (r *Request) IsNavigation() bool { return r.Mode == ModeNavigate }

// Identity returns the cache key for the request.
func (r *Request) Identity() (RequestIdentity, error) {
	return NewRequestIdentity(r.Method, r.URL)
}

// RequestIdentity is the (method, URL) pair used as a store key. Headers and body
// never take part in matching.
type RequestIdentity struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewRequestIdentity builds a normalized identity: upper-case method, URL reduced
// to path plus query with the fragment dropped and an empty path treated as "/".
func NewRequestIdentity(method, rawURL string) (RequestIdentity, error) {
	if method == "" {
		method = http.MethodGet
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return RequestIdentity{}, fmt.Errorf("invalid request url %q: %w", rawURL, err)
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	normalized := path
	if u.RawQuery != "" {
		normalized += "?" + u.RawQuery
	}
	return RequestIdentity{Method: strings.ToUpper(method), URL: normalized}, nil
}

// Key renders the identity as a single string, e.g. "GET /index.html".
func (id RequestIdentity) Key() string { return id.Method + " " + id.URL }

// Cacheable reports whether the cache will ever hold this identity. Only GET is cached.
func (id RequestIdentity) Cacheable() bool { return id.Method == http.MethodGet }

// Response is a snapshot of a network response: status, headers and full body.
type Response struct {
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone returns a deep copy so a stored snapshot never aliases a returned one.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := &Response{Status: r.Status, Header: r.Header.Clone(), StoredAt: r.StoredAt}
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return c
}

// OK reports a 2xx status.
func (r *Response) OK() bool { return r.Status >= 200 && r.Status <= 299 }

// Storable reports whether the cache accepts the response. Partial content and
// "Vary: *" responses are refused.
func (r *Response) Storable() bool {
	if r == nil || r.Status == http.StatusPartialContent {
		return false
	}
	for _, v := range r.Header.Values("Vary") {
		for _, part := range strings.Split(v, ",") {
			if strings.TrimSpace(part) == "*" {
				return false
			}
		}
	}
	return true
}

// CacheEntry pairs an identity with the response stored under it.
type CacheEntry struct {
	Identity RequestIdentity
	Response *Response
}

// State is the lifecycle state of a cache manager.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Client is one open page tracked by the host.
type Client struct {
	ID uuid.UUID `json:"id"`
	// Controller is the version serving the page, empty while uncontrolled.
	Controller CacheVersion `json:"controller,omitempty"`
	URL        string       `json:"url"`
	FirstSeen  time.Time    `json:"first_seen"`
	LastSeen   time.Time    `json:"last_seen"`
}

// ManagerStatus is a point-in-time view of one cache manager.
type ManagerStatus struct {
	Version     CacheVersion `json:"version"`
	State       State        `json:"state"`
	InstalledAt *time.Time   `json:"installed_at,omitempty"`
	ActivatedAt *time.Time   `json:"activated_at,omitempty"`
	LastError   string       `json:"last_error,omitempty"`
}

// HostStatus is a point-in-time view of the worker host.
type HostStatus struct {
	Active     *ManagerStatus `json:"active,omitempty"`
	Installing *ManagerStatus `json:"installing,omitempty"`
	StoreKeys  []string       `json:"store_keys"`
	Clients    int            `json:"clients"`
}
