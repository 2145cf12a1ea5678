package lexical

import (
	"context"
	"sort"
	"sync"
)

// Hit is a lexical search result
type Hit struct {
	ID    string
	Score float64
}

type document struct {
	title       field
	description field
}

// Index is an in-memory trigram index over titles and descriptions.
// Candidates are found through a trigram posting list and then scored
// with the same function as Score.
type Index struct {
	mu       sync.RWMutex
	docs     map[string]document
	postings map[string]map[string]struct{}
}

// NewIndex creates an empty index
func NewIndex() *Index {
	return &Index{
		docs:     make(map[string]document),
		postings: make(map[string]map[string]struct{}),
	}
}

// Upsert replaces the indexed text for id
func (x *Index) Upsert(id, title, description string) {
	doc := document{title: newField(title), description: newField(description)}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)
	x.docs[id] = doc
	for _, f := range []field{doc.title, doc.description} {
		for g := range f.grams {
			p, ok := x.postings[g]
			if !ok {
				p = make(map[string]struct{})
				x.postings[g] = p
			}
			p[id] = struct{}{}
		}
	}
}

// Remove drops id from the index
func (x *Index) Remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(id)
}

func (x *Index) removeLocked(id string) {
	doc, ok := x.docs[id]
	if !ok {
		return
	}
	for _, f := range []field{doc.title, doc.description} {
		for g := range f.grams {
			if p, ok := x.postings[g]; ok {
				delete(p, id)
				if len(p) == 0 {
					delete(x.postings, g)
				}
			}
		}
	}
	delete(x.docs, id)
}

// Len returns the number of indexed documents
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.docs)
}

// Search returns up to limit documents scoring at least minScore, ordered
// by score desc then id asc. Candidates share a trigram with the query. A
// query with no trigrams, such as one made only of stop words, is checked
// against every document for a verbatim match.
func (x *Index) Search(ctx context.Context, queryText string, limit int, minScore float64) ([]Hit, error) {
	q := newQuery(queryText)
	if q.empty() || limit <= 0 {
		return []Hit{}, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	seen := make(map[string]struct{})
	if len(q.grams) == 0 {
		for id := range x.docs {
			seen[id] = struct{}{}
		}
	}
	for g := range q.grams {
		for id := range x.postings[g] {
			seen[id] = struct{}{}
		}
	}

	hits := make([]Hit, 0, len(seen))
	n := 0
	for id := range seen {
		n++
		if n%512 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		doc := x.docs[id]
		s := max(q.score(doc.title), q.score(doc.description))
		if s > 0 && s >= minScore {
			hits = append(hits, Hit{ID: id, Score: s})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}
