// Package fingerprint canonicalizes request URLs into the joint cache and
// single-flight key. Two requests that differ only in render-control
// parameters produce the same fingerprint.
package fingerprint

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Render-control query keys. These force or diagnose render behavior and
// never participate in the fingerprint.
const (
	ParamRender    = "render"
	ParamRenderAlt = "_render"
)

// Control values accepted for the render-control parameters.
const (
	ControlPreview = "preview"
	ControlTrue    = "true"
	ControlDebug   = "debug"
)

// Control is the render-control directive extracted from a request.
type Control struct {
	Force bool // preview or true: render now, even for humans
	Debug bool // debug: JSON diagnostics envelope instead of raw HTML
}

// ExtractControl reads the render-control parameters from query values.
// Unknown values are ignored.
func ExtractControl(query url.Values) Control {
	var c Control
	for _, key := range []string{ParamRender, ParamRenderAlt} {
		switch query.Get(key) {
		case ControlPreview, ControlTrue:
			c.Force = true
		case ControlDebug:
			c.Force = true
			c.Debug = true
		}
	}
	return c
}

// Compute builds the canonical fingerprint for a request path+query against
// the configured origin. The result is the absolute origin URL with
// render-control parameters stripped, query sorted, and host lowercased.
func Compute(origin *url.URL, requestURI string) (string, error) {
	u, err := url.ParseRequestURI(requestURI)
	if err != nil {
		return "", fmt.Errorf("invalid request URI %q: %w", requestURI, err)
	}

	query := u.Query()
	query.Del(ParamRender)
	query.Del(ParamRenderAlt)

	path := u.Path
	if path == "" {
		path = "/"
	}

	canonical := &url.URL{
		Scheme:   strings.ToLower(origin.Scheme),
		Host:     strings.ToLower(origin.Host),
		Path:     path,
		RawQuery: sortQuery(query),
	}
	return canonical.String(), nil
}

// ETag returns a strong entity tag for a rendered body.
func ETag(body []byte) string {
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(body))
}

// sortQuery rebuilds a query string with keys in deterministic order so that
// parameter order does not fragment the cache.
func sortQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		for _, value := range values[key] {
			if value == "" {
				parts = append(parts, url.QueryEscape(key))
			} else {
				parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(value))
			}
		}
	}
	return strings.Join(parts, "&")
}
