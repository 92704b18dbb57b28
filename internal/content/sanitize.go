package content

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html/atom"
)

const (
	// minSelectorChars guards against accepting a near-empty wrapper when a
	// container selector technically matches.
	minSelectorChars = 200
	// minFinalChars is the absolute floor below which the placeholder
	// document is produced instead of the extracted content.
	minFinalChars = 100
)

// platformStrategy describes how to isolate article content for one
// newsletter platform. Selectors are tried in order; the first match whose
// text clears minSelectorChars wins.
type platformStrategy struct {
	name      string
	matches   func(host string) bool
	selectors []string
}

func hostSuffix(domain string) func(string) bool {
	return func(host string) bool {
		return host == domain || strings.HasSuffix(host, "."+domain)
	}
}

var platformStrategies = []platformStrategy{
	{
		name:    "substack",
		matches: hostSuffix("substack.com"),
		selectors: []string{
			`[data-testid="post-content"]`,
			".available-content",
			".body.markup",
			".post-content",
			"article",
			"main",
		},
	},
	{
		name:    "medium",
		matches: hostSuffix("medium.com"),
		selectors: []string{
			"article",
			"main",
			".story-content",
		},
	},
	{
		name:    "ghost",
		matches: hostSuffix("ghost.io"),
		selectors: []string{
			".gh-content",
			".post-content",
			"article",
			"main",
		},
	},
	{
		name:    "beehiiv",
		matches: hostSuffix("beehiiv.com"),
		selectors: []string{
			"#content-blocks",
			".rendered-post",
			"article",
			"main",
		},
	},
}

var genericSelectors = []string{
	"article",
	"main",
	".post-content",
	".entry-content",
	".article-content",
	".post-body",
	".story-content",
	".content",
}

var (
	whitespaceRun  = regexp.MustCompile(`[ \t\r\n]+`)
	interTagSpace  = regexp.MustCompile(`>\s+<`)
	strippedPrefix = []string{"data-", "aria-"}
	strippedAttrs  = map[string]struct{}{
		"style": {}, "class": {}, "id": {}, "role": {},
	}
)

// Sanitize isolates the article body from raw page or email HTML and makes
// it safe for the e-book converter. It never fails: unusable input yields a
// labeled placeholder document instead.
func Sanitize(html, sourceURL string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return PlaceholderDocument()
	}
	doc.Find("script, style, noscript, template").Remove()

	fragment := findContent(doc, hostOf(sourceURL))
	kindleSafe(fragment)

	out, err := fragment.Html()
	if err != nil {
		return PlaceholderDocument()
	}
	out = whitespaceRun.ReplaceAllString(out, " ")
	out = interTagSpace.ReplaceAllString(out, "><")
	out = strings.TrimSpace(out)
	if len(out) < minFinalChars {
		return PlaceholderDocument()
	}
	return out
}

func findContent(doc *goquery.Document, host string) *goquery.Selection {
	selectors := genericSelectors
	for _, strategy := range platformStrategies {
		if strategy.matches(host) {
			selectors = strategy.selectors
			break
		}
	}
	for _, selector := range selectors {
		s := doc.Find(selector).First()
		if s.Length() > 0 && len(strings.TrimSpace(s.Text())) >= minSelectorChars {
			return s
		}
	}

	// No container cleared the threshold: fall back to body with the
	// navigation chrome stripped.
	body := doc.Find("body").First()
	body.Find("header, footer, nav, aside, form, button, input, select, textarea").Remove()
	body.Find(`div[class*="subscribe"], div[class*="paywall"], div[class*="advertisement"], div[class*="promo"], div[class*="sidebar"]`).Remove()
	return body
}

// kindleSafe strips everything the converter or the e-reader chokes on:
// presentation attributes, embedded media, tracking pixels, and empty
// wrapper shells. Divs become paragraphs for better reflow.
func kindleSafe(sel *goquery.Selection) {
	sel.Find("svg, canvas, video, audio, iframe, object, embed, script, style, noscript").Remove()
	sel.Find(`img[width="1"], img[height="1"]`).Remove()

	sel.Find("*").Each(func(_ int, s *goquery.Selection) {
		for _, node := range s.Nodes {
			kept := node.Attr[:0]
			for _, attr := range node.Attr {
				if keepAttr(attr.Key) {
					kept = append(kept, attr)
				}
			}
			node.Attr = kept
		}
	})

	sel.Find("div").Each(func(_ int, s *goquery.Selection) {
		for _, node := range s.Nodes {
			node.Data = "p"
			node.DataAtom = atom.P
		}
	})

	sel.Find("p").Each(func(_ int, s *goquery.Selection) {
		if strings.TrimSpace(s.Text()) == "" && s.Find("img").Length() == 0 {
			s.Remove()
		}
	})
}

func keepAttr(key string) bool {
	key = strings.ToLower(key)
	if _, ok := strippedAttrs[key]; ok {
		return false
	}
	for _, prefix := range strippedPrefix {
		if strings.HasPrefix(key, prefix) {
			return false
		}
	}
	return true
}

// PlaceholderDocument explains why extraction produced nothing readable.
func PlaceholderDocument() string {
	return `<h1>Article Content</h1>
<p>The content could not be fully extracted. Please try a different article or use the direct HTML input method.</p>
<p>This might be because:</p>
<ul>
<li>The article is behind a paywall</li>
<li>The URL is not accessible</li>
<li>The content structure is not supported</li>
</ul>`
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// SourceFromURL derives a display source from a page URL.
func SourceFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "Web Article"
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
