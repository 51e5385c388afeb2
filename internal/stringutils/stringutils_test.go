package stringutils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShortenKeepsShortStrings(t *testing.T) {
	assert.Equal(t, "abc", Shorten("abc", 10, "[...]"))
	assert.Equal(t, "abc", Shorten("abc", 3, "[...]"))
}

func TestShortenTruncatesWithMarker(t *testing.T) {
	in := strings.Repeat("x", 100)

	out := Shorten(in, 20, "[...]")
	assert.Len(t, out, 20)
	assert.True(t, strings.HasSuffix(out, "[...]"), "marker missing: %q", out)
}

func TestShortenMarkerLongerThanMax(t *testing.T) {
	out := Shorten("abcdef", 3, "[...]")
	assert.Equal(t, "[..", out)
}
