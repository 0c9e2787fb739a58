package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNetscapeValidFile(t *testing.T) {
	input := "# Netscape HTTP Cookie File\n" +
		".example.com\tTRUE\t/\tFALSE\t0\tsession\tabc123\n" +
		".other.com\tTRUE\t/path\tTRUE\t1700000000\ttoken\txyz789\n"

	result, err := ParseNetscape(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, result.Cookies, 2)
	assert.Empty(t, result.Warnings)

	first := result.Cookies[0]
	assert.Equal(t, ".example.com", first.Domain)
	assert.True(t, first.TailMatch)
	assert.Equal(t, "/", first.Path)
	assert.False(t, first.Secure)
	assert.Equal(t, int64(0), first.Expires)
	assert.Equal(t, "session", first.Name)
	assert.Equal(t, "abc123", first.Value())

	second := result.Cookies[1]
	assert.True(t, second.Secure)
	assert.Equal(t, int64(1_700_000_000), second.Expires)
}

func TestParseNetscapeSkipsCommentsAndBlanks(t *testing.T) {
	input := "# Header\n# comment\n\n.example.com\tTRUE\t/\tFALSE\t0\tname\tvalue\n\n# trailing\n"
	result, err := ParseNetscape(strings.NewReader(input))
	require.NoError(t, err)
	assert.Len(t, result.Cookies, 1)
	assert.Empty(t, result.Warnings)
}

func TestParseNetscapeMalformedLinesBecomeWarnings(t *testing.T) {
	input := "# Header\n" +
		".good.com\tTRUE\t/\tFALSE\t0\tname\tvalue\n" +
		"bad line without tabs\n" +
		".also-good.com\tTRUE\t/\tFALSE\t0\tother\tval\n"

	result, err := ParseNetscape(strings.NewReader(input))
	require.NoError(t, err)
	assert.Len(t, result.Cookies, 2)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, 3, result.Warnings[0].Line)
	assert.Contains(t, result.Warnings[0].Reason, "expected 7 TAB-separated fields")
}

func TestParseNetscapeEmptyFile(t *testing.T) {
	result, err := ParseNetscape(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, result.Cookies)

	result, err = ParseNetscape(strings.NewReader("# only\n# comments\n"))
	require.NoError(t, err)
	assert.Empty(t, result.Cookies)
}

func TestParseNetscapeAllMalformedIsError(t *testing.T) {
	input := "bad line one\nanother bad line\n"
	_, err := ParseNetscape(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no valid cookies found")
	assert.Contains(t, err.Error(), "2 lines failed")
}

func TestParseNetscapeFieldValidation(t *testing.T) {
	cases := []string{
		".example.com\tYES\t/\tFALSE\t0\tname\tvalue\n",          // bad bool
		".example.com\tTRUE\t/\tFALSE\tnot-a-number\tname\tv\n",  // bad expires
		"\tTRUE\t/\tFALSE\t0\tname\tvalue\n",                     // empty domain
		".example.com\tTRUE\t/\tFALSE\t0\t\tvalue\n",             // empty name
	}
	for _, input := range cases {
		_, err := ParseNetscape(strings.NewReader(input))
		assert.Error(t, err, "input %q should fail", input)
	}
}

func TestParseNetscapeCRLF(t *testing.T) {
	input := "# Header\r\n.example.com\tTRUE\t/\tFALSE\t0\tname\tvalue\r\n"
	result, err := ParseNetscape(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, result.Cookies, 1)
	assert.Equal(t, "value", result.Cookies[0].Value())
}

func TestEntryStringRedactsValue(t *testing.T) {
	entry := NewEntry(".example.com", true, "/", false, 0, "session", "super_secret_token")

	rendered := entry.String()
	assert.Contains(t, rendered, "[REDACTED]")
	assert.NotContains(t, rendered, "super_secret_token")
}

func TestParseWarningsNeverContainValues(t *testing.T) {
	// A line with the right field count but a bad bool carries a value;
	// the warning text must not echo it.
	input := ".example.com\tMAYBE\t/\tFALSE\t0\tname\ttopsecret\n" +
		".ok.com\tTRUE\t/\tFALSE\t0\tn\tv\n"
	result, err := ParseNetscape(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, result.Warnings, 1)
	assert.NotContains(t, result.Warnings[0].Reason, "topsecret")
}

func TestUniqueDomains(t *testing.T) {
	result := ParseResult{Cookies: []Entry{
		NewEntry(".a.com", true, "/", false, 0, "x", "1"),
		NewEntry(".a.com", true, "/", false, 0, "y", "2"),
		NewEntry(".b.com", true, "/", false, 0, "z", "3"),
	}}
	assert.Equal(t, 2, result.UniqueDomains())
}
