package chrome

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Token and phrase lists for soft-404 analysis. Sites that return a 200
// with a "not found" page would otherwise poison the cache with a
// well-ranked error page.
var (
	notFoundTokens = []string{
		"404",
		"not found",
		"page not found",
	}

	notFoundPhrases = []string{
		"the page you are looking for",
		"nothing found",
		"this page cannot be found",
		"page doesn't exist",
		"page does not exist",
		"no longer available",
	}

	notFoundSelectors = []string{
		".error-404",
		"#error-404",
		".not-found",
		"[class*=not-found]",
		".page-404",
		"#page-404",
	}
)

// thinPageWordLimit marks a page as suspiciously thin; combined with a
// 404 token in the title or h1 it counts as a soft 404 on its own.
const thinPageWordLimit = 50

// DetectSoft404 analyzes a rendered document for 404 indicators and
// returns the list of reasons that fired. An empty slice means the page
// looks legitimate.
func DetectSoft404(body []byte) []string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}

	var reasons []string

	title := strings.ToLower(strings.TrimSpace(doc.Find("title").First().Text()))
	if token := matchToken(title); token != "" {
		reasons = append(reasons, fmt.Sprintf("title contains %q", token))
	}

	headingHit := ""
	doc.Find("h1, h2").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if token := matchToken(strings.ToLower(s.Text())); token != "" {
			headingHit = token
			return false
		}
		return true
	})
	if headingHit != "" {
		reasons = append(reasons, fmt.Sprintf("heading contains %q", headingHit))
	}

	bodyText := strings.ToLower(doc.Find("body").Text())
	for _, phrase := range notFoundPhrases {
		if strings.Contains(bodyText, phrase) {
			reasons = append(reasons, fmt.Sprintf("body contains %q", phrase))
			break
		}
	}

	for _, selector := range notFoundSelectors {
		if doc.Find(selector).Length() > 0 {
			reasons = append(reasons, fmt.Sprintf("selector %s matched", selector))
			break
		}
	}

	// Thin page with a 404 token in title or the first h1.
	words := len(strings.Fields(bodyText))
	h1 := strings.ToLower(doc.Find("h1").First().Text())
	if words < thinPageWordLimit && (matchToken(title) != "" || matchToken(h1) != "") {
		reasons = append(reasons, fmt.Sprintf("thin page (%d words) with 404 token", words))
	}

	return reasons
}

func matchToken(text string) string {
	for _, token := range notFoundTokens {
		if strings.Contains(text, token) {
			return token
		}
	}
	return ""
}
