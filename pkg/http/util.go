package http

import (
	"fmt"
	"time"

	"github.com/labstack/echo/v4"

	xutil "TWPull/pkg/util"
)

// ParseDateParam parses an optional YYYY-MM-DD parameter; empty yields the zero time.
func ParseDateParam(field, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := xutil.ParseDate(s)
	if err != nil {
		return time.Time{}, NewAppError("ERR_DATE", field, fmt.Sprintf("%s must be a date (YYYY-MM-DD)", field), 400).WithError(err)
	}
	return t, nil
}

// ClientKey identifies the caller for per-client throttling.
func ClientKey(c echo.Context) string {
	return c.RealIP()
}
