package fingerprint

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustOrigin(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

func TestCompute_StripsRenderControlParams(t *testing.T) {
	origin := mustOrigin(t, "https://app.example.com")

	plain, err := Compute(origin, "/product/42?color=red")
	require.NoError(t, err)

	forced, err := Compute(origin, "/product/42?color=red&render=preview")
	require.NoError(t, err)
	assert.Equal(t, plain, forced)

	debug, err := Compute(origin, "/product/42?_render=debug&color=red")
	require.NoError(t, err)
	assert.Equal(t, plain, debug)
}

func TestCompute_QueryOrderIndependent(t *testing.T) {
	origin := mustOrigin(t, "https://app.example.com")

	a, err := Compute(origin, "/search?q=shoes&page=2")
	require.NoError(t, err)
	b, err := Compute(origin, "/search?page=2&q=shoes")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCompute_AbsoluteOriginURL(t *testing.T) {
	origin := mustOrigin(t, "https://App.Example.com")

	fp, err := Compute(origin, "/product/42")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/product/42", fp)

	root, err := Compute(origin, "/")
	require.NoError(t, err)
	assert.Equal(t, "https://app.example.com/", root)
}

func TestCompute_InvalidURI(t *testing.T) {
	origin := mustOrigin(t, "https://app.example.com")
	_, err := Compute(origin, "://nope")
	assert.Error(t, err)
}

func TestExtractControl(t *testing.T) {
	tests := []struct {
		query string
		want  Control
	}{
		{"", Control{}},
		{"render=preview", Control{Force: true}},
		{"render=true", Control{Force: true}},
		{"_render=true", Control{Force: true}},
		{"render=debug", Control{Force: true, Debug: true}},
		{"_render=debug", Control{Force: true, Debug: true}},
		{"render=bogus", Control{}},
	}

	for _, tt := range tests {
		values, err := url.ParseQuery(tt.query)
		require.NoError(t, err)
		assert.Equal(t, tt.want, ExtractControl(values), "query %q", tt.query)
	}
}

func TestETag(t *testing.T) {
	a := ETag([]byte("<html>a</html>"))
	b := ETag([]byte("<html>b</html>"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, ETag([]byte("<html>a</html>")))
	assert.Regexp(t, `^"[0-9a-f]{16}"$`, a)
}
