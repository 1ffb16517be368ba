package chrome

import (
	"net/url"
	"strings"

	"github.com/seoshield/proxy/pkg/pattern"
)

// blockedResourceTypes are dropped outright: a snapshot needs the DOM, not
// pixels, styles or live channels.
var blockedResourceTypes = map[string]struct{}{
	"Image":       {},
	"Stylesheet":  {},
	"Font":        {},
	"Media":       {},
	"WebSocket":   {},
	"EventSource": {},
}

// builtinBlockedDomains covers analytics, ad networks, tag managers and
// social widgets that contribute nothing to the rendered markup.
var builtinBlockedDomains = []string{
	"google-analytics.com",
	"analytics.google.com",
	"googletagmanager.com",
	"googletagservices.com",
	"googleadservices.com",
	"googlesyndication.com",
	"doubleclick.net",
	"2mdn.net",
	"facebook.com",
	"facebook.net",
	"connect.facebook.net",
	"twitter.com",
	"platform.twitter.com",
	"hotjar.com",
	"clarity.ms",
	"mouseflow.com",
	"fullstory.com",
	"segment.io",
	"segment.com",
	"mixpanel.com",
	"amplitude.com",
	"intercom.io",
	"crisp.chat",
	"tawk.to",
	"youtube.com",
	"vimeo.com",
	"addthis.com",
	"sharethis.com",
	"static.cloudflareinsights.com",
}

// builtinBlockedPaths are URL path fragments matched case-insensitively
// anywhere in the sub-request URL.
var builtinBlockedPaths = []string{
	"/analytics",
	"/gtm",
	"/fbevents",
	"/pixel",
	"/tracking",
	"/collect",
	"/ads/",
	"/doubleclick",
	"/widgets",
	"/embed",
	"/favicon.ico",
}

// Blocklist decides per sub-request whether the browser may fetch it.
// Compiled once per pool; safe for concurrent use across tabs.
type Blocklist struct {
	domainPatterns []*pattern.Pattern
	pathFragments  []string
}

// NewBlocklist merges the built-in lists with extra configured domains and
// path fragments. Invalid extra domains are skipped.
func NewBlocklist(extraDomains, extraPaths []string) *Blocklist {
	domains := make([]string, 0, len(builtinBlockedDomains)+len(extraDomains))
	domains = append(domains, builtinBlockedDomains...)
	domains = append(domains, extraDomains...)

	bl := &Blocklist{
		pathFragments: append(append([]string(nil), builtinBlockedPaths...), extraPaths...),
	}

	for _, domain := range domains {
		domain = strings.TrimSpace(domain)
		if domain == "" {
			continue
		}
		// Match the domain itself and any subdomain.
		p, err := pattern.Compile("*" + domain)
		if err != nil {
			continue
		}
		bl.domainPatterns = append(bl.domainPatterns, p)
	}
	return bl
}

// IsBlockedURL reports whether the sub-request URL hits the domain list or
// a path fragment.
func (bl *Blocklist) IsBlockedURL(rawURL string) bool {
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		if _, ok := pattern.MatchAny(bl.domainPatterns, u.Hostname()); ok {
			return true
		}
		return pattern.ContainsAny(u.Path, bl.pathFragments)
	}
	// Unparsable URL: fall back to substring checks on the raw string.
	return pattern.ContainsAny(rawURL, bl.pathFragments)
}

// IsBlockedResourceType reports whether the resource type is dropped
// regardless of its URL.
func (bl *Blocklist) IsBlockedResourceType(resourceType string) bool {
	_, blocked := blockedResourceTypes[resourceType]
	return blocked
}
