package cw

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadExchangePatternsEmptyPathUsesDefaults(t *testing.T) {
	patterns, warning := LoadExchangePatterns("")
	assert.Empty(t, warning)
	assert.Equal(t, DefaultExchangePatterns(), patterns)
}

func TestLoadExchangePatternsMissingFile(t *testing.T) {
	_, warning := LoadExchangePatterns("/nonexistent/path.yaml")
	assert.NotEmpty(t, warning)
}

func TestLoadExchangePatternsOverridesMerge(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "patterns.yaml")
	data := []byte(`
patterns:
  s0:
    simple: "^.*CUSTOM.*$"
  tx:
    ack_rr: "ROGER"
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	patterns, warning := LoadExchangePatterns(path)
	require.Empty(t, warning)
	assert.Equal(t, []string{"^.*CUSTOM.*$"}, patterns.S0["SIMPLE"])
	assert.Equal(t, "ROGER", patterns.TX["ack_rr"])
	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultExchangePatterns().S2, patterns.S2)
}

func TestRenderTemplate(t *testing.T) {
	out := renderTemplate("{MY_CALL} DE {OTHER_CALL}", map[string]string{"MY_CALL": "K1ABC", "OTHER_CALL": "W1AW"})
	assert.Equal(t, "K1ABC DE W1AW", out)
}

func TestUnresolvedPlaceholder(t *testing.T) {
	missing, ok := unresolvedPlaceholder("{MY_CALL} DE {OTHER_CALL}")
	assert.True(t, ok)
	assert.Equal(t, "{MY_CALL}", missing)

	_, ok = unresolvedPlaceholder("K1ABC DE W1AW")
	assert.False(t, ok)
}

func TestCompiledPatternCacheReusesCompiledRegex(t *testing.T) {
	cache := newCompiledPatternCache()
	re1, err := cache.compile("^{X}$", map[string]string{"X": "ABC"})
	require.NoError(t, err)
	re2, err := cache.compile("^{X}$", map[string]string{"X": "ABC"})
	require.NoError(t, err)
	assert.Same(t, re1, re2)
	assert.True(t, re1.MatchString("ABC"))
}
