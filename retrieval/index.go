// ABOUTME: In-memory lexical retrieval index over repository chunks with BM25 ranking.
// ABOUTME: Implements the Searcher contract used by the pipeline and the question-answer interface.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Hit is one search result.
type Hit struct {
	Content  string   `json:"content"`
	Source   string   `json:"source"`
	Language string   `json:"language,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Score    float64  `json:"score"`
}

// Searcher returns up to k hits ordered by relevance. An empty slice is a valid result.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Hit, error)
}

// Chunk is an indexed span of a source file.
type Chunk struct {
	Source    string   `json:"source"`
	Language  string   `json:"language,omitempty"`
	StartLine int      `json:"start_line"`
	EndLine   int      `json:"end_line"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags,omitempty"`
}

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Index is a BM25 index. It is safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	chunks   []Chunk
	terms    []map[string]int // per-chunk term frequencies
	lengths  []int
	docFreq  map[string]int
	totalLen int
}

var _ Searcher = (*Index)(nil)

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{docFreq: make(map[string]int)}
}

// Add indexes chunks.
func (idx *Index) Add(chunks ...Chunk) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, c := range chunks {
		tf := make(map[string]int)
		n := 0
		for _, tok := range tokenize(c.Source + " " + c.Content) {
			tf[tok]++
			n++
		}
		for tok := range tf {
			idx.docFreq[tok]++
		}
		idx.chunks = append(idx.chunks, c)
		idx.terms = append(idx.terms, tf)
		idx.lengths = append(idx.lengths, n)
		idx.totalLen += n
	}
}

// Len returns the number of indexed chunks.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.chunks)
}

// Search ranks chunks against query. k <= 0 returns no hits.
func (idx *Index) Search(ctx context.Context, query string, k int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Hit{}, nil
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	n := len(idx.chunks)
	if n == 0 {
		return []Hit{}, nil
	}
	avgLen := float64(idx.totalLen) / float64(n)
	qTerms := uniq(tokenize(query))

	type scored struct {
		i     int
		score float64
	}
	var results []scored
	for i, tf := range idx.terms {
		var score float64
		for _, term := range qTerms {
			f, ok := tf[term]
			if !ok {
				continue
			}
			df := float64(idx.docFreq[term])
			idf := math.Log(1 + (float64(n)-df+0.5)/(df+0.5))
			norm := float64(f) * (bm25K1 + 1) / (float64(f) + bm25K1*(1-bm25B+bm25B*float64(idx.lengths[i])/avgLen))
			score += idf * norm
		}
		if score > 0 {
			results = append(results, scored{i: i, score: score})
		}
	}
	sort.SliceStable(results, func(a, b int) bool { return results[a].score > results[b].score })
	if len(results) > k {
		results = results[:k]
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		c := idx.chunks[r.i]
		hits = append(hits, Hit{
			Content:  c.Content,
			Source:   fmt.Sprintf("%s:%d-%d", c.Source, c.StartLine, c.EndLine),
			Language: c.Language,
			Tags:     append([]string(nil), c.Tags...),
			Score:    r.score,
		})
	}
	return hits, nil
}

// Save writes the chunks to path as JSON; term statistics are rebuilt on Load.
func (idx *Index) Save(path string) error {
	idx.mu.RLock()
	data, err := json.Marshal(idx.chunks)
	idx.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename index: %w", err)
	}
	return nil
}

// LoadIndex reads an index written by Save.
func LoadIndex(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var chunks []Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, fmt.Errorf("decode index %s: %w", path, err)
	}
	idx := NewIndex()
	idx.Add(chunks...)
	return idx, nil
}

// tokenize lowercases and splits on non-alphanumerics, also emitting the
// camelCase and snake_case parts of identifiers.
func tokenize(s string) []string {
	var out []string
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, f := range fields {
		parts := splitIdentifier(f)
		whole := strings.ToLower(strings.Trim(f, "_"))
		if len(whole) > 1 {
			out = append(out, whole)
		}
		if len(parts) > 1 {
			for _, p := range parts {
				if len(p) > 1 {
					out = append(out, p)
				}
			}
		}
	}
	return out
}

func splitIdentifier(s string) []string {
	var parts []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			parts = append(parts, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case r == '_':
			flush()
		case unicode.IsUpper(r) && i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return parts
}

func uniq(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
