package util

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDateLayouts(t *testing.T) {
	want := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	for _, s := range []string{"2024-03-05", "20240305", "2024/03/05", "2024-03-05T10:11:12Z"} {
		got, err := ParseDate(s)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(got), s)
	}
	_, err := ParseDate("05.03.2024")
	assert.Error(t, err)
}

func TestParseDateDefault(t *testing.T) {
	def := time.Date(2010, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, def, ParseDateDefault("", def))
	assert.Equal(t, def, ParseDateDefault("nope", def))
}

func TestParseROCDate(t *testing.T) {
	got, err := ParseROCDate("113/01/02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), got)

	got, err = ParseROCDate(" 99/12/31* ")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2010, 12, 31, 0, 0, 0, 0, time.UTC), got)

	_, err = ParseROCDate("113-01-02")
	assert.Error(t, err)
	_, err = ParseROCDate("113/13/02")
	assert.Error(t, err)
}

func TestMonthBounds(t *testing.T) {
	d := time.Date(2024, 2, 17, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), MonthStart(d))
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), MonthEnd(d))
}
