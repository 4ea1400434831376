package helpers

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/avatarctic/offline-shell-gateway/internal/core/domain/offline"
)

// MaxRequestBody bounds how much of an intercepted request body is forwarded.
const MaxRequestBody = 10 << 20

// RequestMode infers the fetch mode of an incoming request. Browsers send
// Sec-Fetch-Mode; for clients that don't, a GET asking for HTML is treated as
// a page navigation.
func RequestMode(r *http.Request) offline.RequestMode {
	switch m := offline.RequestMode(strings.ToLower(r.Header.Get("Sec-Fetch-Mode"))); m {
	case offline.ModeNavigate, offline.ModeSameOrigin, offline.ModeNoCORS, offline.ModeCORS:
		return m
	}
	if r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html") {
		return offline.ModeNavigate
	}
	if r.Header.Get("Origin") != "" {
		return offline.ModeCORS
	}
	return offline.ModeNoCORS
}

// OfflineRequestFromContext converts the echo request into the request the host intercepts.
func OfflineRequestFromContext(c echo.Context) (*offline.Request, error) {
	r := c.Request()
	req := &offline.Request{
		Method: r.Method,
		URL:    r.URL.RequestURI(),
		Mode:   RequestMode(r),
		Header: r.Header.Clone(),
	}
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBody+1))
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
		}
		if len(body) > MaxRequestBody {
			return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", MaxRequestBody))
		}
		req.Body = body
	}
	return req, nil
}
