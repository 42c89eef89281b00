package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Allower grants or denies one request for a client key.
type Allower interface {
	Allow(key string) bool
}

// RateLimit rejects requests with 429 once the client's bucket is empty.
// onReject, when set, is called before the response is written.
func RateLimit(a Allower, key func(echo.Context) string, onReject func(echo.Context)) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if a == nil || a.Allow(key(c)) {
				return next(c)
			}
			if onReject != nil {
				onReject(c)
			}
			return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
				"status":  http.StatusTooManyRequests,
				"message": http.StatusText(http.StatusTooManyRequests),
				"data": []map[string]string{{
					"code":    "ERR_RATE_LIMITED",
					"message": "too many requests, retry later",
				}},
			})
		}
	}
}
