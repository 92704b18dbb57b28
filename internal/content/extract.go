// Package content extracts, validates, and sanitizes article HTML from
// newsletter emails and web pages.
package content

import (
	"math"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"readflow/pkg/domain"
)

const (
	wordsPerMinute  = 200
	maxContentChars = 1000000
	minContentWords = 10
)

// ValidationResult accumulates content-quality violations.
type ValidationResult struct {
	IsValid bool
	Errors  []string
}

// ExtractMetadata derives title, author, date, source, and reading stats
// from raw HTML. Every field has a deterministic fallback so the pipeline
// never stalls on sparse markup.
func ExtractMetadata(html string) domain.Metadata {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return domain.Metadata{
			Title:       "Untitled Article",
			Author:      "Unknown Author",
			Date:        time.Now().UTC().Format(time.RFC3339),
			Source:      "Unknown Source",
			ReadingTime: 1,
		}
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title, _ = doc.Find(`meta[property="og:title"]`).First().Attr("content")
		title = strings.TrimSpace(title)
	}
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}
	if title == "" {
		title = "Untitled Article"
	}

	author, _ := doc.Find(`meta[name="author"]`).First().Attr("content")
	author = strings.TrimSpace(author)
	if author == "" {
		author, _ = doc.Find(`meta[property="article:author"]`).First().Attr("content")
		author = strings.TrimSpace(author)
	}
	if author == "" {
		author = strings.TrimSpace(doc.Find(`.author, .author-name, [rel="author"]`).First().Text())
	}
	if author == "" {
		author = "Unknown Author"
	}

	date, _ := doc.Find(`meta[name="date"]`).First().Attr("content")
	date = strings.TrimSpace(date)
	if date == "" {
		date, _ = doc.Find("time[datetime]").First().Attr("datetime")
		date = strings.TrimSpace(date)
	}
	if date == "" {
		date = time.Now().UTC().Format(time.RFC3339)
	}

	source, _ := doc.Find(`meta[name="source"]`).First().Attr("content")
	source = strings.TrimSpace(source)
	if source == "" {
		source = "Unknown Source"
	}

	wordCount := len(strings.Fields(doc.Find("body").Text()))
	if wordCount == 0 {
		wordCount = len(strings.Fields(doc.Text()))
	}
	return domain.Metadata{
		Title:       title,
		Author:      author,
		Date:        date,
		Source:      source,
		WordCount:   wordCount,
		ReadingTime: ReadingTime(wordCount),
	}
}

// CountWords counts the visible words in an HTML fragment.
func CountWords(html string) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return len(strings.Fields(html))
	}
	words := len(strings.Fields(doc.Find("body").Text()))
	if words == 0 {
		words = len(strings.Fields(doc.Text()))
	}
	return words
}

// ReadingTime estimates minutes at 200 words per minute, never below 1.
func ReadingTime(wordCount int) int {
	minutes := int(math.Ceil(float64(wordCount) / wordsPerMinute))
	if minutes < 1 {
		return 1
	}
	return minutes
}

// ValidateContent checks whether HTML is convertible. Violations accumulate
// rather than short-circuiting so the caller can report all of them.
func ValidateContent(html string) ValidationResult {
	var errs []string
	if strings.TrimSpace(html) == "" {
		errs = append(errs, "Content is empty")
	}
	if len(html) > maxContentChars {
		errs = append(errs, "Content is too large")
	}
	if strings.TrimSpace(html) != "" {
		if CountWords(html) < minContentWords {
			errs = append(errs, "Content is too short (minimum 10 words)")
		}
	}
	return ValidationResult{IsValid: len(errs) == 0, Errors: errs}
}
