package source

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTWSEDaily(t *testing.T) {
	fields := []string{"日期", "成交股數", "成交金額", "開盤價", "最高價", "最低價", "收盤價", "漲跌價差", "成交筆數"}
	rows := [][]string{
		{"113/01/02", "26,059,058", "15,718,927,607", "590.00", "593.00", "589.00", "593.00", "+0.00", "24,871"},
		{"113/01/03", "37,106,865", "21,641,740,312", "584.00", "585.00", "578.00", "578.00", "-15.00", "67,345"},
		{"bad", "1", "1", "1", "1", "1", "1", "0", "1"},
		{"113/01/04", "1,000", "0", "--", "--", "--", "--", "0", "0"},
	}

	recs, errs := NormalizeTWSEDaily("2330.TW", fields, rows)
	require.Len(t, recs, 3)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Raw, "bad")

	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), recs[0].Date)
	assert.Equal(t, int64(26059058), recs[0].Volume)
	assert.True(t, recs[0].Close.Decimal.Equal(decimal.NewFromInt(593)))
	assert.True(t, recs[1].Low.Decimal.Equal(decimal.NewFromInt(578)))
	assert.False(t, recs[2].Close.Valid)
}

func TestNormalizeTWSEDailyDefaultColumns(t *testing.T) {
	recs, errs := NormalizeTWSEDaily("1101.TW", nil, [][]string{
		{"112/12/29", "5,000", "0", "32.10", "32.50", "32.00", "32.40"},
		{"112/12/28"},
	})
	require.Len(t, recs, 1)
	require.Len(t, errs, 1)
	assert.True(t, recs[0].Close.Decimal.Equal(decimal.RequireFromString("32.4")))
}

func TestNormalizeRecordsKeyVariants(t *testing.T) {
	rows := []map[string]any{
		{"Date": "2024-01-02", "Open": 10.5, "High": "11", "Low": 10.0, "Close": "10.8", "Volume": 1200.0},
		{"date": "2024/01/03", "close": "1,011.5", "volume": "3,000"},
		{"trade_date": "113/01/04", "收盤價": "12"},
		{"Close": 1.0},
		{"Date": "2024-01-05", "Close": "abc"},
	}
	recs, errs := NormalizeRecords("0050.TW", rows)
	require.Len(t, recs, 3)
	assert.Len(t, errs, 2)

	assert.True(t, recs[0].Open.Decimal.Equal(decimal.RequireFromString("10.5")))
	assert.Equal(t, int64(1200), recs[0].Volume)
	assert.True(t, recs[1].Close.Decimal.Equal(decimal.RequireFromString("1011.5")))
	assert.False(t, recs[1].Open.Valid)
	assert.Equal(t, time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC), recs[2].Date)
}

func TestParsePriceAndVolume(t *testing.T) {
	p, err := ParsePrice(" X1,234.5 ")
	require.NoError(t, err)
	assert.True(t, p.Decimal.Equal(decimal.RequireFromString("1234.5")))

	p, err = ParsePrice("--")
	require.NoError(t, err)
	assert.False(t, p.Valid)

	_, err = ParsePrice("1.2.3")
	assert.Error(t, err)

	v, err := ParseVolume("12,345,678")
	require.NoError(t, err)
	assert.Equal(t, int64(12345678), v)

	_, err = ParseVolume("-5")
	assert.Error(t, err)
}
