package kb

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// LoadDir walks dir and indexes every .md and .html document found.
// The first-level subdirectory becomes the document's topic ("" for
// files at the root). Returns the number of documents indexed.
func (s *Store) LoadDir(dir string) (int, error) {
	count := 0

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".markdown" && ext != ".html" && ext != ".htm" {
			return nil
		}

		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		var doc Document
		switch ext {
		case ".md", ".markdown":
			doc, err = parseMarkdown(rel, raw)
		default:
			doc, err = parseHTML(rel, raw)
		}
		if err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		if err := s.AddDocument(doc); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}

	s.logger.Info("knowledge base loaded", "dir", dir, "documents", count)
	return count, nil
}

// parseMarkdown renders markdown to HTML and strips it back to plain
// text, so search sees prose rather than markup. The title comes from
// the first level-1 heading, falling back to the filename.
func parseMarkdown(rel string, raw []byte) (Document, error) {
	title := ""
	for _, line := range strings.Split(string(raw), "\n") {
		if t, ok := strings.CutPrefix(strings.TrimSpace(line), "# "); ok {
			title = strings.TrimSpace(t)
			break
		}
	}
	if title == "" {
		title = titleFromFilename(rel)
	}

	var buf bytes.Buffer
	if err := goldmark.Convert(raw, &buf); err != nil {
		return Document{}, fmt.Errorf("render markdown: %w", err)
	}
	text, err := extractText(buf.String())
	if err != nil {
		return Document{}, err
	}

	return Document{
		Slug:    slugFromPath(rel),
		Title:   title,
		Topic:   topicFromPath(rel),
		Content: text,
	}, nil
}

// parseHTML extracts the title element and readable body text.
func parseHTML(rel string, raw []byte) (Document, error) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return Document{}, fmt.Errorf("parse html: %w", err)
	}

	title := findTitle(doc)
	if title == "" {
		title = titleFromFilename(rel)
	}

	var sb strings.Builder
	collectText(doc, &sb)

	return Document{
		Slug:    slugFromPath(rel),
		Title:   title,
		Topic:   topicFromPath(rel),
		Content: normalizeSpace(sb.String()),
	}, nil
}

// skipElements are HTML elements whose content is never prose.
var skipElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Iframe:   true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
}

// extractText strips HTML down to whitespace-normalized text.
func extractText(rawHTML string) (string, error) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return "", fmt.Errorf("parse rendered html: %w", err)
	}
	var sb strings.Builder
	collectText(doc, &sb)
	return normalizeSpace(sb.String()), nil
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && skipElements[n.DataAtom] {
		return
	}
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		sb.WriteString(" ")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// slugFromPath converts "services/massage.md" to "services/massage".
func slugFromPath(rel string) string {
	rel = filepath.ToSlash(rel)
	return strings.TrimSuffix(rel, filepath.Ext(rel))
}

// topicFromPath returns the first path segment, or "" for root files.
func topicFromPath(rel string) string {
	rel = filepath.ToSlash(rel)
	if i := strings.IndexByte(rel, '/'); i > 0 {
		return strings.ToLower(rel[:i])
	}
	return ""
}

func titleFromFilename(rel string) string {
	base := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
	base = strings.ReplaceAll(base, "-", " ")
	base = strings.ReplaceAll(base, "_", " ")
	return strings.TrimSpace(base)
}
