package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TWPull/internal/service/retry"
)

const stockDayJSON = `{"stat":"OK","date":"20240101","fields":["日期","成交股數","成交金額","開盤價","最高價","最低價","收盤價","漲跌價差","成交筆數"],
"data":[["113/01/02","1,000","0","100.00","101.00","99.00","100.50","0","1"],["113/01/31","2,000","0","102.00","103.00","101.00","102.50","0","1"]]}`

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestTWSEClientFetchFiltersToRange(t *testing.T) {
	var months []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/exchangeReport/STOCK_DAY", r.URL.Path)
		assert.Equal(t, "2330", r.URL.Query().Get("stockNo"))
		months = append(months, r.URL.Query().Get("date"))
		if r.URL.Query().Get("date") == "20240101" {
			_, _ = w.Write([]byte(stockDayJSON))
			return
		}
		_, _ = w.Write([]byte(`{"stat":"很抱歉，沒有符合條件的資料!"}`))
	}))
	defer srv.Close()

	c := NewTWSEClient(WithBaseURL(srv.URL))
	recs, err := c.Fetch(context.Background(), "2330.TW", day(2024, 1, 15), day(2024, 2, 10))
	require.NoError(t, err)
	assert.Equal(t, []string{"20240101", "20240201"}, months)
	require.Len(t, recs, 1)
	assert.Equal(t, day(2024, 1, 31), recs[0].Date)
	assert.Equal(t, "2330.TW", recs[0].Symbol)
}

func TestTWSEClientBlockedPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>THE PAGE CANNOT BE ACCESSED!</body></html>"))
	}))
	defer srv.Close()

	_, err := NewTWSEClient(WithBaseURL(srv.URL)).Fetch(context.Background(), "2330.TW", day(2024, 1, 1), day(2024, 1, 31))
	require.Error(t, err)
	assert.True(t, IsBlocked(err))
	assert.Equal(t, retry.Fatal, Classify(err))
}

func TestTWSEClientServerErrorIsTransient(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(stockDayJSON))
	}))
	defer srv.Close()

	c := NewTWSEClient(WithBaseURL(srv.URL))
	_, err := c.Fetch(context.Background(), "2330.TW", day(2024, 1, 1), day(2024, 1, 31))
	var te *TransientError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, http.StatusBadGateway, te.Status)
	assert.Equal(t, retry.Retryable, Classify(err))

	p := retry.New(retry.WithBackoff(time.Millisecond, time.Millisecond), retry.WithClassifier(Classify))
	recs, err := retry.Do(context.Background(), p, func(ctx context.Context) (int, error) {
		r, err := c.Fetch(ctx, "2330.TW", day(2024, 1, 1), day(2024, 1, 31))
		return len(r), err
	})
	require.NoError(t, err)
	assert.Equal(t, 2, recs)
}

func TestTWSEClientTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewTWSEClient(WithBaseURL(srv.URL), WithRequestTimeout(20*time.Millisecond))
	_, err := c.Fetch(context.Background(), "2330.TW", day(2024, 1, 1), day(2024, 1, 31))
	var te *TransientError
	assert.True(t, errors.As(err, &te))
}

func TestTWSEClientNotFoundIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewTWSEClient(WithBaseURL(srv.URL)).Fetch(context.Background(), "2330.TW", day(2024, 1, 1), day(2024, 1, 2))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, retry.Fatal, Classify(err))
	assert.False(t, IsBlocked(err))
}

func TestRecordsClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/prices", r.URL.Path)
		assert.Equal(t, "2024-01-01", r.URL.Query().Get("start"))
		_, _ = w.Write([]byte(`{"data":[{"Date":"2024-01-02","Close":"10"},{"date":"2023-12-29","close":"9"},{"Close":"1"}]}`))
	}))
	defer srv.Close()

	c := NewRecordsClient(WithBaseURL(srv.URL))
	assert.Equal(t, "records", c.Name())
	recs, err := c.Fetch(context.Background(), "0050.TW", day(2024, 1, 1), day(2024, 1, 31))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, day(2024, 1, 2), recs[0].Date)
}

func TestStockNo(t *testing.T) {
	assert.Equal(t, "2330", stockNo("2330.TW"))
	assert.Equal(t, "6488", stockNo("6488"))
}
