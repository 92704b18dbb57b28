package content

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// newsletterDomains is the allow-list of hosting platforms worth following
// when an email only carries a teaser with a "read more" link.
var newsletterDomains = []string{
	"substack.com",
	"medium.com",
	"convertkit.com",
	"beehiiv.com",
	"buttondown.email",
	"ghost.io",
	"revue.co",
	"tinyletter.com",
}

var bareURLPattern = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)

// ExtractLinks scans email HTML for links to known newsletter platforms.
// Anchor hrefs are collected before bare-text URLs; duplicates keep their
// first-seen position.
func ExtractLinks(html string) []string {
	var urls []string
	seen := make(map[string]struct{})
	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" || !IsNewsletterURL(raw) {
			return
		}
		if _, ok := seen[raw]; ok {
			return
		}
		seen[raw] = struct{}{}
		urls = append(urls, raw)
	}

	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			add(href)
		})
	}
	for _, match := range bareURLPattern.FindAllString(html, -1) {
		add(match)
	}
	return urls
}

// IsNewsletterURL reports whether the URL's host belongs to a supported
// newsletter platform.
func IsNewsletterURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := strings.ToLower(u.Hostname())
	for _, domain := range newsletterDomains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
