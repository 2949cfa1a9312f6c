package security

import (
	"net/http"
	"strconv"
	"strings"
)

// HeadersConfig lists the response headers sent with every page. Empty
// values are omitted.
type HeadersConfig struct {
	CSP                 string
	FrameOptions        string
	ContentTypeOptions  string
	ReferrerPolicy      string
	PermissionsPolicy   string
	CrossOriginOpener   string
	CrossOriginResource string

	// HSTS is sent over TLS only. Zero disables it.
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
}

// DefaultHeadersConfig locks the dashboard to its own origin: the page
// loads its stylesheet from /static and posts its form back to itself.
func DefaultHeadersConfig() HeadersConfig {
	csp := []string{
		"default-src 'self'",
		"style-src 'self'",
		"img-src 'self' data:",
		"object-src 'none'",
		"frame-ancestors 'none'",
		"base-uri 'self'",
		"form-action 'self'",
	}
	return HeadersConfig{
		CSP:                   strings.Join(csp, "; "),
		FrameOptions:          "DENY",
		ContentTypeOptions:    "nosniff",
		ReferrerPolicy:        "same-origin",
		PermissionsPolicy:     "geolocation=(), microphone=(), camera=(), payment=()",
		CrossOriginOpener:     "same-origin",
		CrossOriginResource:   "same-origin",
		HSTSMaxAge:            365 * 24 * 60 * 60,
		HSTSIncludeSubdomains: true,
	}
}

type HeadersMiddleware struct {
	static [][2]string
	hsts   string
}

// NewHeadersMiddleware renders the header values once.
func NewHeadersMiddleware(config HeadersConfig) *HeadersMiddleware {
	h := &HeadersMiddleware{}
	for _, kv := range [][2]string{
		{"Content-Security-Policy", config.CSP},
		{"X-Frame-Options", config.FrameOptions},
		{"X-Content-Type-Options", config.ContentTypeOptions},
		{"Referrer-Policy", config.ReferrerPolicy},
		{"Permissions-Policy", config.PermissionsPolicy},
		{"Cross-Origin-Opener-Policy", config.CrossOriginOpener},
		{"Cross-Origin-Resource-Policy", config.CrossOriginResource},
	} {
		if kv[1] != "" {
			h.static = append(h.static, kv)
		}
	}
	if config.HSTSMaxAge > 0 {
		h.hsts = "max-age=" + strconv.Itoa(config.HSTSMaxAge)
		if config.HSTSIncludeSubdomains {
			h.hsts += "; includeSubDomains"
		}
	}
	return h
}

func (h *HeadersMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		for _, kv := range h.static {
			header.Set(kv[0], kv[1])
		}
		if r.TLS != nil && h.hsts != "" {
			header.Set("Strict-Transport-Security", h.hsts)
		}
		next.ServeHTTP(w, r)
	})
}

// StaticAssetMiddleware lets browsers cache embedded assets for maxAge
// seconds. Asset names are not fingerprinted, so they are not immutable.
func StaticAssetMiddleware(maxAge int) func(http.Handler) http.Handler {
	value := "public, max-age=" + strconv.Itoa(maxAge)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxAge > 0 {
				w.Header().Set("Cache-Control", value)
			}
			next.ServeHTTP(w, r)
		})
	}
}
