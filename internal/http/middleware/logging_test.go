package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

// stack builds the production order: RequestID, access log, Recovery.
func stack() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), RedactingLogger(RedactOptions{}), Recovery())
	return r
}

type errSentinel struct{}

func (errSentinel) Error() string { return "boom" }

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	var seen string
	r.GET("/rid", func(c *gin.Context) {
		seen = asString(c.Value(requestIDKey))
		c.Status(http.StatusNoContent)
	})

	cases := []struct {
		name, header, in string
	}{
		{"generated", "", ""},
		{"canonical", requestIDHeader, "Z-REQ-123"},
		{"lowercase", strings.ToLower(requestIDHeader), "abc-123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/rid", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.in)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			got := w.Header().Get(requestIDHeader)
			if got == "" || got != seen {
				t.Fatalf("header=%q context=%q", got, seen)
			}
			if tc.in != "" && got != tc.in {
				t.Fatalf("expected propagated %q, got %q", tc.in, got)
			}
		})
	}
}

func TestAccessLog_LevelsAndPathFallback(t *testing.T) {
	buf := captureLogger(t)
	r := stack()
	r.GET("/zoekt/nodes/:id", func(c *gin.Context) { c.String(http.StatusOK, "{}") })
	r.GET("/search/blobs", func(c *gin.Context) {
		_ = c.Error(errSentinel{})
		c.Status(http.StatusBadRequest)
	})

	for _, p := range []string{"/zoekt/nodes/4", "/missing", "/search/blobs"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	logs := buf.String()
	for _, want := range []string{
		`"level":"info"`, `"path":"/zoekt/nodes/:id"`,
		`"level":"warn"`, `"path":"/missing"`,
		`"level":"error"`, `"errors":"Error #01: boom`,
	} {
		if !strings.Contains(logs, want) {
			t.Fatalf("missing %s in:\n%s", want, logs)
		}
	}
}

func TestRecovery_PanicsToJSON500AndLogs(t *testing.T) {
	buf := captureLogger(t)
	r := stack()
	r.POST("/admin/zoekt/truncate", func(c *gin.Context) { panic("kaboom") })

	req := httptest.NewRequest(http.MethodPost, "/admin/zoekt/truncate", nil)
	req.Header.Set(requestIDHeader, "rid-panic")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from Recovery, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json body: %v", err)
	}
	if body["code"] != "internal_error" || body["request_id"] != "rid-panic" {
		t.Fatalf("unexpected body: %v", body)
	}
	out := buf.String()
	if !strings.Contains(out, "panic recovered") || !strings.Contains(out, `"path":"/admin/zoekt/truncate"`) {
		t.Fatalf("expected request-scoped panic log, got:\n%s", out)
	}
}

func TestRecovery_PanicAfterWrite_NoJSON(t *testing.T) {
	buf := captureLogger(t)
	r := stack()
	r.GET("/partial", func(c *gin.Context) {
		c.String(http.StatusOK, "partial-body")
		panic("late kaboom")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/partial", nil))

	if strings.Contains(w.Body.String(), "internal_error") {
		t.Fatalf("unexpected JSON error after write: %q", w.Body.String())
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("expected panic log, got:\n%s", buf.String())
	}
}

func TestLoggerFrom(t *testing.T) {
	t.Run("fallback has no request fields", func(t *testing.T) {
		buf := captureLogger(t)
		gin.SetMode(gin.TestMode)
		r := gin.New()
		r.Use(RequestID())
		r.GET("/use", func(c *gin.Context) {
			LoggerFrom(c).Info().Msg("custom")
			c.Status(http.StatusOK)
		})
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/use", nil))
		if !strings.Contains(buf.String(), `"message":"custom"`) || strings.Contains(buf.String(), `"request_id"`) {
			t.Fatalf("unexpected fallback log: %s", buf.String())
		}
	})

	t.Run("request scoped", func(t *testing.T) {
		buf := captureLogger(t)
		r := stack()
		r.GET("/use", func(c *gin.Context) {
			LoggerFrom(c).Info().Msg("custom2")
			c.Status(http.StatusOK)
		})
		req := httptest.NewRequest(http.MethodGet, "/use", nil)
		req.Header.Set("X-User-ID", "u-9")
		r.ServeHTTP(httptest.NewRecorder(), req)

		line := strings.SplitN(buf.String(), "\n", 2)[0]
		for _, want := range []string{`"message":"custom2"`, `"request_id"`, `"user_id":"u-9"`, `"method":"GET"`} {
			if !strings.Contains(line, want) {
				t.Fatalf("missing %s in %s", want, line)
			}
		}
	})
}

func TestHelpers_asString_and_truncate(t *testing.T) {
	if asString("x") != "x" || asString(123) != "" || asString(nil) != "" {
		t.Fatalf("asString failed")
	}
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"abcdefgh", 5, "abcde…"},
		{"abc", 0, "abc"},
	}
	for _, tc := range cases {
		if got := truncate(tc.in, tc.max); got != tc.want {
			t.Fatalf("truncate(%q,%d)=%q want %q", tc.in, tc.max, got, tc.want)
		}
	}
}
