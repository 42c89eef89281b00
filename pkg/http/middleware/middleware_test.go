package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"

	applogger "TWPull/pkg/logger"
)

type countAllower struct{ left map[string]int }

func (a *countAllower) Allow(key string) bool {
	if a.left[key] <= 0 {
		return false
	}
	a.left[key]--
	return true
}

func serve(e *echo.Echo, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestRateLimit(t *testing.T) {
	e := echo.New()
	rejected := 0
	a := &countAllower{left: map[string]int{"k": 1}}
	e.GET("/run", func(c echo.Context) error { return c.NoContent(http.StatusOK) },
		RateLimit(a, func(echo.Context) string { return "k" }, func(echo.Context) { rejected++ }))

	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/run").Code)
	rec := serve(e, http.MethodGet, "/run")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "ERR_RATE_LIMITED")
	assert.Equal(t, 1, rejected)
}

func TestRequestID(t *testing.T) {
	e := echo.New()
	e.Use(RequestID())
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	rec := serve(e, http.MethodGet, "/")
	assert.Len(t, rec.Header().Get(echo.HeaderXRequestID), 36)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(echo.HeaderXRequestID, "abc")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(echo.HeaderXRequestID))
}

func TestRecoverAndMetrics(t *testing.T) {
	e := echo.New()
	l := applogger.Nop()
	e.Use(Recover(l), Metrics(l, 0))
	e.GET("/panic", func(echo.Context) error { panic("boom") })
	e.GET("/items/:id", func(c echo.Context) error { return c.String(http.StatusOK, c.Param("id")) })

	assert.Equal(t, http.StatusInternalServerError, serve(e, http.MethodGet, "/panic").Code)
	rec := serve(e, http.MethodGet, "/items/42")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Body.String())
	assert.Equal(t, "5xx", statusClass(503))
	assert.Equal(t, "2xx", statusClass(204))
}

func TestCORS(t *testing.T) {
	e := echo.New()
	e.Use(CORS(CORSConfig{
		AllowOrigins:  []string{"https://dash.example"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		ExposeHeaders: []string{echo.HeaderXRequestID},
		MaxAge:        60,
	}))
	e.GET("/api/coverage", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/api/coverage", nil)
	req.Header.Set(echo.HeaderOrigin, "https://dash.example")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodGet)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	assert.Equal(t, "GET, POST", rec.Header().Get(echo.HeaderAccessControlAllowMethods))
	assert.Equal(t, "60", rec.Header().Get(echo.HeaderAccessControlMaxAge))

	req = httptest.NewRequest(http.MethodGet, "/api/coverage", nil)
	req.Header.Set(echo.HeaderOrigin, "https://evil.example")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(echo.HeaderAccessControlAllowOrigin))

	req = httptest.NewRequest(http.MethodGet, "/api/coverage", nil)
	req.Header.Set(echo.HeaderOrigin, "https://dash.example")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, echo.HeaderXRequestID, rec.Header().Get(echo.HeaderAccessControlExposeHeaders))
}
