package engine

import (
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"blockcollab/backend/internal/model"
)

// Highlight is one [[...]] span found in a block.
type Highlight struct {
	BlockID string
	Text    string
}

// ExtractHighlights returns the inner text of every [[...]] span, in order.
// Empty and unterminated spans are ignored.
func ExtractHighlights(text string) []string {
	var out []string
	for {
		start := strings.Index(text, "[[")
		if start < 0 {
			return out
		}
		rest := text[start+2:]
		end := strings.Index(rest, "]]")
		if end < 0 {
			return out
		}
		if inner := strings.TrimSpace(rest[:end]); inner != "" {
			out = append(out, inner)
		}
		text = rest[end+2:]
	}
}

type highlightEntry struct {
	fingerprint uint64
	items       []Highlight
}

// HighlightCache memoizes highlights per document and owner. An entry is
// reused only while the block ids and versions it was built from are unchanged.
type HighlightCache struct {
	lru *lru.Cache[string, highlightEntry]
}

func NewHighlightCache(size int) (*HighlightCache, error) {
	if size <= 0 {
		size = 128
	}
	c, err := lru.New[string, highlightEntry](size)
	if err != nil {
		return nil, err
	}
	return &HighlightCache{lru: c}, nil
}

func highlightKey(docID, owner string) string { return docID + ":" + owner }

func fingerprint(blocks []model.Block) uint64 {
	h := xxhash.New()
	for _, b := range blocks {
		_, _ = h.WriteString(b.ID)
		_, _ = h.WriteString("@")
		_, _ = h.WriteString(strconv.FormatInt(b.Version, 10))
		_, _ = h.WriteString(";")
	}
	return h.Sum64()
}

func isTextKind(kind string) bool {
	return kind == "" || kind == model.KindText || kind == "paragraph"
}

// Get returns the highlights of the committed blocks, computing them on a miss.
func (c *HighlightCache) Get(docID, owner string, blocks []model.Block) []Highlight {
	key := highlightKey(docID, owner)
	fp := fingerprint(blocks)
	if e, ok := c.lru.Get(key); ok && e.fingerprint == fp {
		return e.items
	}
	var items []Highlight
	for _, b := range blocks {
		if !isTextKind(b.Kind) {
			continue
		}
		for _, t := range ExtractHighlights(b.Text) {
			items = append(items, Highlight{BlockID: b.ID, Text: t})
		}
	}
	c.lru.Add(key, highlightEntry{fingerprint: fp, items: items})
	return items
}

func (c *HighlightCache) Invalidate(docID, owner string) {
	c.lru.Remove(highlightKey(docID, owner))
}
