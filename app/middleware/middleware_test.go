package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		apiKey string
		header string
		want   int
	}{
		{name: "disabled", apiKey: "", header: "", want: http.StatusOK},
		{name: "valid bearer", apiKey: "secret", header: "Bearer secret", want: http.StatusOK},
		{name: "raw token", apiKey: "secret", header: "secret", want: http.StatusOK},
		{name: "missing", apiKey: "secret", header: "", want: http.StatusUnauthorized},
		{name: "wrong", apiKey: "secret", header: "Bearer nope", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := gin.New()
			engine.Use(AuthMiddleware(tt.apiKey))
			engine.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestLogger_KeepsBodyAndSetsTraceID(t *testing.T) {
	engine := gin.New()
	engine.Use(Logger())
	var seen string
	engine.POST("/rpc/task_started", func(c *gin.Context) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(c.Request.Body)
		seen = buf.String()
		c.Status(http.StatusOK)
	})

	body := `{ "task_dir": "/r1/t0",  "node_name": "n1" }`
	req := httptest.NewRequest(http.MethodPost, "/rpc/task_started", strings.NewReader(body))
	req.Header.Set(TraceIDHeader, "abc123")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	assert.Equal(t, body, seen, "handlers still read the full body")
	assert.Equal(t, "abc123", w.Header().Get(TraceIDHeader))
}

func TestCompressBody(t *testing.T) {
	assert.Equal(t, `{"a":1,"b":[1,2]}`, CompressBody("{\n  \"a\": 1,\n  \"b\": [1, 2]\n}"))
	assert.Equal(t, "", CompressBody(""))
	assert.True(t, strings.HasSuffix(CompressBody(`"`+strings.Repeat("x", 2000)+`"`), "..."))
}

func TestRecovery(t *testing.T) {
	engine := gin.New()
	engine.Use(Recovery())
	engine.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal server error")
}
