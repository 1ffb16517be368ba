package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Wildcard(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		input   string
		want    bool
	}{
		{"prefix wildcard", "/admin/*", "/admin/dashboard", true},
		{"prefix wildcard no match", "/admin/*", "/public/admin", false},
		{"wildcard is anchored", "/blog/*", "/en/blog/post", false},
		{"wildcard spans segments", "/blog/*", "/blog/2024/post", true},
		{"suffix wildcard", "*.pdf", "/files/report.pdf", true},
		{"both ends", "*checkout*", "/cart/checkout/step-2", true},
		{"case insensitive", "/Admin/*", "/admin/x", true},
		{"exact literal", "/pricing", "/pricing", true},
		{"exact literal no partial", "/pricing", "/pricing/plans", false},
		{"catch-all", "*", "/anything?q=1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Compile(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p.Match(tt.input))
		})
	}
}

func TestCompile_Regexp(t *testing.T) {
	p, err := Compile(`/^\/docs\/v[0-9]+\//`)
	require.NoError(t, err)
	assert.Equal(t, KindRegexp, p.Kind)

	assert.True(t, p.Match("/docs/v2/intro"))
	assert.False(t, p.Match("/docs/latest/intro"))
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile("")
	assert.Error(t, err)

	_, err = Compile(`/([unclosed/`)
	assert.Error(t, err)
}

func TestCompileAll(t *testing.T) {
	patterns, err := CompileAll([]string{"/a/*", "", "  ", "/b"})
	require.NoError(t, err)
	assert.Len(t, patterns, 2)

	_, ok := MatchAny(patterns, "/a/x")
	assert.True(t, ok)
	_, ok = MatchAny(patterns, "/c")
	assert.False(t, ok)
}

func TestIsRegexpLiteral(t *testing.T) {
	// Plain paths wrapped in slashes are literals, not regexps.
	assert.False(t, IsRegexpLiteral("/admin/"))
	assert.True(t, IsRegexpLiteral(`/^\/admin/`))
	assert.False(t, IsRegexpLiteral("/"))
}

func TestContainsAny(t *testing.T) {
	fragments := []string{"/analytics", "/gtm", "/pixel"}
	assert.True(t, ContainsAny("https://x.com/a/Analytics/collect", fragments))
	assert.False(t, ContainsAny("https://x.com/app.js", fragments))
	assert.False(t, ContainsAny("https://x.com/x", nil))
}
