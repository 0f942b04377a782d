// Package kb implements the knowledge base: static business documents
// (opening hours, services, policies) indexed for keyword search.
//
// Documents are loaded once at startup into an in-memory SQLite table.
// The content is reference material for the assistant, not user data —
// nothing here persists or needs to.
package kb

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// Document is one knowledge base entry.
type Document struct {
	Slug    string
	Title   string
	Topic   string
	Content string
}

// SearchResult is one ranked hit with a bounded excerpt.
type SearchResult struct {
	Slug    string
	Title   string
	Topic   string
	Excerpt string
	Score   int
}

// Store is the indexed document collection.
type Store struct {
	db           *sql.DB
	excerptChars int
	logger       *slog.Logger
}

// Open creates an empty in-memory index. excerptChars bounds the excerpt
// length returned per hit.
func Open(excerptChars int, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	// The index lives in one connection's memory; more would see an
	// empty database.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE documents (
		slug    TEXT PRIMARY KEY,
		title   TEXT NOT NULL,
		topic   TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	if excerptChars <= 0 {
		excerptChars = 600
	}
	return &Store{db: db, excerptChars: excerptChars, logger: logger}, nil
}

// Close releases the index.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddDocument inserts or replaces a document by slug.
func (s *Store) AddDocument(doc Document) error {
	if doc.Slug == "" {
		return fmt.Errorf("document slug is required")
	}
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO documents (slug, title, topic, content) VALUES (?, ?, ?, ?)`,
		doc.Slug, doc.Title, doc.Topic, doc.Content,
	)
	if err != nil {
		return fmt.Errorf("index document %s: %w", doc.Slug, err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM documents`).Scan(&n)
	return n, err
}

// Search returns the best-matching documents for a keyword query,
// optionally restricted to one topic. Ranking is term-frequency based
// with title matches weighted heavier than body matches.
func (s *Store) Search(query, topic string, limit int) ([]SearchResult, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 3
	}

	// SQLite prefilters candidates; scoring happens in Go where the
	// weighting is easier to express and test.
	var conds []string
	var binds []any
	for _, term := range terms {
		conds = append(conds, "(instr(lower(content), ?) > 0 OR instr(lower(title), ?) > 0)")
		binds = append(binds, term, term)
	}
	q := `SELECT slug, title, topic, content FROM documents WHERE (` + strings.Join(conds, " OR ") + `)`
	if topic != "" {
		q += ` AND topic = ?`
		binds = append(binds, strings.ToLower(topic))
	}

	rows, err := s.db.Query(q, binds...)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.Slug, &doc.Title, &doc.Topic, &doc.Content); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		score := scoreDocument(doc, terms)
		if score == 0 {
			continue
		}
		results = append(results, SearchResult{
			Slug:    doc.Slug,
			Title:   doc.Title,
			Topic:   doc.Topic,
			Excerpt: excerpt(doc.Content, terms, s.excerptChars),
			Score:   score,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// scoreDocument counts term occurrences, weighting the title 3x.
func scoreDocument(doc Document, terms []string) int {
	title := strings.ToLower(doc.Title)
	content := strings.ToLower(doc.Content)

	score := 0
	for _, term := range terms {
		score += 3 * strings.Count(title, term)
		score += strings.Count(content, term)
	}
	return score
}

// excerpt returns a bounded window of content around the first term hit.
func excerpt(content string, terms []string, maxChars int) string {
	lower := strings.ToLower(content)

	first := -1
	for _, term := range terms {
		if idx := strings.Index(lower, term); idx >= 0 && (first == -1 || idx < first) {
			first = idx
		}
	}
	if first == -1 {
		first = 0
	}

	start := first - maxChars/4
	if start < 0 {
		start = 0
	}
	end := start + maxChars
	if end > len(content) {
		end = len(content)
	}

	out := strings.TrimSpace(content[start:end])
	if start > 0 {
		out = "…" + out
	}
	if end < len(content) {
		out += "…"
	}
	return out
}

// tokenize lowercases and splits a query, dropping words too short to
// rank on.
func tokenize(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	var terms []string
	for _, f := range fields {
		f = strings.Trim(f, `.,;:!?"'()`)
		if len(f) >= 3 {
			terms = append(terms, f)
		}
	}
	return terms
}
