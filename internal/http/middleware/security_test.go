package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func serveSecure(opt SecurityOptions, pre gin.HandlerFunc, req *http.Request) http.Header {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	if pre != nil {
		r.Use(pre)
	}
	r.Use(SecurityHeaders(opt))
	r.Any("/*path", func(c *gin.Context) { c.Status(http.StatusOK) })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Header()
}

func TestSecurityHeaders_Baseline(t *testing.T) {
	h := serveSecure(SecurityOptions{}, nil, httptest.NewRequest(http.MethodGet, "/api/v1/search/blobs", nil))

	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	}
	for k, v := range want {
		if h.Get(k) != v {
			t.Fatalf("%s=%q want %q", k, h.Get(k), v)
		}
	}
	for _, k := range []string{"Permissions-Policy", "Cache-Control", "Strict-Transport-Security", "Access-Control-Expose-Headers"} {
		if h.Get(k) != "" {
			t.Fatalf("unexpected %s=%q", k, h.Get(k))
		}
	}
}

func TestSecurityHeaders_ExposeRequestID(t *testing.T) {
	cases := []struct {
		name     string
		existing string
		want     string
	}{
		{"added", "", "X-Request-ID"},
		{"appended", "Foo", "Foo, X-Request-ID"},
		{"not duplicated", "X-Request-ID, Foo", "X-Request-ID, Foo"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pre := func(c *gin.Context) {
				c.Header("X-Request-ID", "rid-1")
				if tc.existing != "" {
					c.Header("Access-Control-Expose-Headers", tc.existing)
				}
				c.Next()
			}
			h := serveSecure(SecurityOptions{}, pre, httptest.NewRequest(http.MethodGet, "/health", nil))
			if got := h.Get("Access-Control-Expose-Headers"); got != tc.want {
				t.Fatalf("expose=%q want %q", got, tc.want)
			}
		})
	}
}

func TestSecurityHeaders_PolicyNoStoreAndHSTS(t *testing.T) {
	opt := SecurityOptions{EnableHSTS: true, HSTSMaxAge: 24 * time.Hour, NoStore: true, EnablePolicy: true}

	tlsReq := httptest.NewRequest(http.MethodGet, "/", nil)
	tlsReq.TLS = &tls.ConnectionState{}
	h := serveSecure(opt, nil, tlsReq)
	if h.Get("Permissions-Policy") == "" || h.Get("X-Permitted-Cross-Domain-Policies") != "none" {
		t.Fatalf("missing policy headers: %#v", h)
	}
	if h.Get("Cache-Control") != "no-store" || h.Get("Pragma") != "no-cache" || h.Get("Expires") != "0" {
		t.Fatalf("missing cache headers: %#v", h)
	}
	if got := h.Get("Strict-Transport-Security"); got != "max-age=86400; includeSubDomains; preload" {
		t.Fatalf("HSTS=%q", got)
	}

	// proxied HTTPS counts, plain HTTP never gets HSTS
	fwd := httptest.NewRequest(http.MethodGet, "/", nil)
	fwd.Header.Set("X-Forwarded-Proto", "HTTPS")
	if serveSecure(opt, nil, fwd).Get("Strict-Transport-Security") == "" {
		t.Fatalf("expected HSTS behind TLS proxy")
	}
	if serveSecure(opt, nil, httptest.NewRequest(http.MethodGet, "/", nil)).Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS on plain HTTP")
	}
}

func TestSecurityHeaders_NoStorePrefixes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SecurityHeaders(SecurityOptions{
		NoStorePrefixes: []string{"", "/api/v1/zoekt/nodes", "/api/v1/admin/"},
	}))
	r.GET("/api/v1/zoekt/nodes/:id/tasks", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/v1/admin/zoekt/truncate", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/api/v1/search/blobs", func(c *gin.Context) { c.Status(http.StatusOK) })

	cases := []struct {
		method, path string
		noStore      bool
	}{
		{http.MethodGet, "/api/v1/zoekt/nodes/3/tasks", true},
		{http.MethodPost, "/api/v1/admin/zoekt/truncate", true},
		{http.MethodGet, "/api/v1/search/blobs?q=x", false},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		got := w.Header().Get("Cache-Control") == "no-store"
		if got != tc.noStore {
			t.Fatalf("%s %s: no-store=%v want %v", tc.method, tc.path, got, tc.noStore)
		}
	}
}

func TestSecurityHeaders_DefaultHSTSMaxAge(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SecurityHeaders(SecurityOptions{EnableHSTS: true}))
	r.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	req.TLS = &tls.ConnectionState{}
	r.ServeHTTP(w, req)

	want := "max-age=" + strconv.Itoa(180*24*3600) + "; includeSubDomains; preload"
	if got := w.Header().Get("Strict-Transport-Security"); got != want {
		t.Fatalf("HSTS=%q want %q", got, want)
	}
}
