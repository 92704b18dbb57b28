package content

import (
	"reflect"
	"testing"
)

func TestExtractLinks(t *testing.T) {
	html := `<html><body>
		<a href="https://example.substack.com/p/post-one">Read more</a>
		<a href="https://unrelated.example.com/page">Ignore me</a>
		<p>Also see https://writer.medium.com/great-post and again
		https://example.substack.com/p/post-one</p>
	</body></html>`

	got := ExtractLinks(html)
	want := []string{
		"https://example.substack.com/p/post-one",
		"https://writer.medium.com/great-post",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ExtractLinks = %v, want %v", got, want)
	}
}

func TestIsNewsletterURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.substack.com/p/post", true},
		{"https://substack.com/home", true},
		{"http://blog.ghost.io/post", true},
		{"https://notsubstack.com/p/post", false},
		{"https://example.com/substack.com", false},
		{"ftp://example.substack.com/p/post", false},
		{"not a url", false},
	}
	for _, tt := range tests {
		if got := IsNewsletterURL(tt.url); got != tt.want {
			t.Errorf("IsNewsletterURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}
