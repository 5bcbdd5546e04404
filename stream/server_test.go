package stream

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRangeNoHeader(t *testing.T) {
	start, end, status, err := parseRange("", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(99), end)
	assert.Equal(t, http.StatusOK, status)
}

func TestParseRangeFromTo(t *testing.T) {
	start, end, status, err := parseRange("bytes=10-19", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(10), start)
	assert.Equal(t, int64(19), end)
	assert.Equal(t, http.StatusPartialContent, status)
}

func TestParseRangeFromToEndClamped(t *testing.T) {
	start, end, _, err := parseRange("bytes=90-999", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(90), start)
	assert.Equal(t, int64(99), end)
}

func TestParseRangeOpenEnded(t *testing.T) {
	start, end, status, err := parseRange("bytes=50-", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(50), start)
	assert.Equal(t, int64(99), end)
	assert.Equal(t, http.StatusPartialContent, status)
}

func TestParseRangeSuffix(t *testing.T) {
	start, end, status, err := parseRange("bytes=-10", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(90), start)
	assert.Equal(t, int64(99), end)
	assert.Equal(t, http.StatusPartialContent, status)
}

func TestParseRangeSuffixLargerThanTotal(t *testing.T) {
	start, end, _, err := parseRange("bytes=-1000", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), start)
	assert.Equal(t, int64(99), end)
}

func TestParseRangeStartBeyondTotal(t *testing.T) {
	_, _, _, err := parseRange("bytes=200-300", 100)
	assert.Error(t, err)
}

func TestParseRangeMalformed(t *testing.T) {
	_, _, _, err := parseRange("bytes=abc", 100)
	assert.Error(t, err)

	_, _, _, err = parseRange("items=0-10", 100)
	assert.Error(t, err)
}
