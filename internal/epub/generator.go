// Package epub turns sanitized article HTML into e-reader artifacts. It
// shells out to Calibre's ebook-convert when available and degrades to a
// styled HTML document when it is not.
package epub

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"readflow/pkg/domain"
)

const converterBinary = "ebook-convert"

const maxFileNameChars = 50

// Artifact is a generated document ready for storage or delivery.
type Artifact struct {
	FileName string
	MIME     string
	Data     []byte
}

// IsEPUB reports whether conversion produced a real EPUB rather than the
// HTML fallback.
func (a *Artifact) IsEPUB() bool { return a.MIME == "application/epub+zip" }

// Generator converts articles into EPUB files.
type Generator struct {
	converterPath string
}

// NewGenerator probes for ebook-convert once at startup. A missing binary
// is not an error; every conversion then uses the HTML fallback.
func NewGenerator() *Generator {
	path, err := exec.LookPath(converterBinary)
	if err != nil {
		slog.Warn("ebook-convert not found, conversions will produce HTML fallback", "error", err)
		return &Generator{}
	}
	return &Generator{converterPath: path}
}

// Generate renders the article document and converts it to EPUB. A
// converter failure is returned as an error carrying the captured stderr
// so the caller can retry; the HTML fallback is used only when the
// converter binary is absent.
func (g *Generator) Generate(ctx context.Context, html string, meta domain.Metadata) (*Artifact, error) {
	doc, err := renderDocument(html, meta)
	if err != nil {
		return nil, fmt.Errorf("render document: %w", err)
	}
	if g.converterPath == "" {
		return htmlArtifact(doc, meta), nil
	}

	dir, err := os.MkdirTemp("", "readflow-epub-")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("failed to clean up conversion dir", "dir", dir, "error", err)
		}
	}()

	in := filepath.Join(dir, "input.html")
	out := filepath.Join(dir, "output.epub")
	if err := os.WriteFile(in, doc, 0o600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	cmd := exec.CommandContext(ctx, g.converterPath, in, out,
		"--title", meta.Title,
		"--authors", meta.Author,
		"--language", "en",
		"--publisher", meta.Source,
		"--no-default-epub-cover",
		"--disable-font-rescaling",
		"--input-encoding=utf-8",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ebook-convert: %w: %s", err, truncate(stderr.String(), 2000))
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read converter output: %w", err)
	}
	return &Artifact{
		FileName: artifactName(meta.Title, ".epub"),
		MIME:     "application/epub+zip",
		Data:     data,
	}, nil
}

func htmlArtifact(doc []byte, meta domain.Metadata) *Artifact {
	return &Artifact{
		FileName: artifactName(meta.Title, ".html"),
		MIME:     "text/html",
		Data:     doc,
	}
}

func artifactName(title, ext string) string {
	name := SanitizeFileName(title)
	if name == "" {
		name = "article"
	}
	return name + ext
}

var (
	fileNameDisallowed = regexp.MustCompile(`[^A-Za-z0-9 \-_]`)
	fileNameSpaces     = regexp.MustCompile(`\s+`)
)

// SanitizeFileName reduces a title to a safe file stem: letters, digits,
// hyphens, and underscores only, capped at 50 characters.
func SanitizeFileName(title string) string {
	name := fileNameDisallowed.ReplaceAllString(title, "")
	name = fileNameSpaces.ReplaceAllString(strings.TrimSpace(name), "_")
	name = strings.Trim(name, "_")
	if len(name) > maxFileNameChars {
		name = strings.Trim(name[:maxFileNameChars], "_")
	}
	return name
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var documentTemplate = template.Must(template.New("article").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Meta.Title}}</title>
<style>
body { font-family: Georgia, serif; line-height: 1.6; margin: 1em; }
h1, h2, h3 { line-height: 1.3; page-break-after: avoid; }
img { max-width: 100%; height: auto; }
blockquote { margin: 1em 2em; font-style: italic; }
pre { white-space: pre-wrap; font-size: 0.9em; }
.article-meta { color: #555; font-size: 0.9em; margin-bottom: 2em; }
</style>
</head>
<body>
<h1>{{.Meta.Title}}</h1>
<p class="article-meta">{{.Meta.Author}} &middot; {{.Meta.Source}} &middot; {{.Meta.ReadingTime}} min read</p>
{{.Body}}
</body>
</html>
`))

func renderDocument(html string, meta domain.Metadata) ([]byte, error) {
	var buf bytes.Buffer
	err := documentTemplate.Execute(&buf, struct {
		Meta domain.Metadata
		Body template.HTML
	}{Meta: meta, Body: template.HTML(html)})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
