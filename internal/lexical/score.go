package lexical

import "strings"

// Stop words ignored when tokenizing queries and documents
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "be": true, "is": true, "are": true,
	"was": true, "to": true, "of": true, "and": true, "in": true, "that": true,
	"have": true, "it": true, "for": true, "not": true, "on": true, "with": true,
	"as": true, "you": true, "do": true, "at": true, "this": true, "but": true,
	"by": true, "from": true,
}

// tokenize splits text into words, lowercases, trims punctuation, and removes stop words
func tokenize(text string) []string {
	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	for _, word := range words {
		cleaned := strings.ToLower(strings.Trim(word, ".,!?;:'\"-()[]{}`#*"))
		if cleaned != "" && !stopWords[cleaned] {
			out = append(out, cleaned)
		}
	}
	return out
}

// trigrams returns the padded character trigrams of every token.
func trigrams(tokens []string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, tok := range tokens {
		r := []rune(" " + tok + " ")
		for i := 0; i+3 <= len(r); i++ {
			out[string(r[i:i+3])] = struct{}{}
		}
	}
	return out
}

// field is a pre-tokenized text field.
type field struct {
	lower  string
	tokens map[string]struct{}
	grams  map[string]struct{}
}

func newField(text string) field {
	toks := tokenize(text)
	set := make(map[string]struct{}, len(toks))
	for _, t := range toks {
		set[t] = struct{}{}
	}
	return field{lower: strings.ToLower(text), tokens: set, grams: trigrams(toks)}
}

// query is a pre-tokenized query.
type query struct {
	phrase string
	tokens []string
	grams  map[string]struct{}
}

func newQuery(text string) query {
	toks := tokenize(text)
	return query{
		phrase: strings.ToLower(strings.TrimSpace(text)),
		tokens: toks,
		grams:  trigrams(toks),
	}
}

func (q query) empty() bool {
	return q.phrase == ""
}

// score rates one field against the query in [0,1]. A verbatim substring
// match scores 1. Otherwise half the score is the fraction of query tokens
// present in the field and half is the fraction of query trigrams present,
// which tolerates typos and partial words.
func (q query) score(f field) float64 {
	if q.empty() {
		return 0
	}
	if strings.Contains(f.lower, q.phrase) {
		return 1
	}
	if len(q.tokens) == 0 {
		return 0
	}
	hits := 0
	for _, t := range q.tokens {
		if _, ok := f.tokens[t]; ok {
			hits++
		}
	}
	coverage := float64(hits) / float64(len(q.tokens))

	var containment float64
	if len(q.grams) > 0 {
		shared := 0
		for g := range q.grams {
			if _, ok := f.grams[g]; ok {
				shared++
			}
		}
		containment = float64(shared) / float64(len(q.grams))
	}
	return 0.5*coverage + 0.5*containment
}

// Scorer scores many documents against one query.
type Scorer struct {
	q query
}

// NewScorer prepares queryText for repeated scoring.
func NewScorer(queryText string) Scorer {
	return Scorer{q: newQuery(queryText)}
}

// Empty reports whether the query has no text.
func (s Scorer) Empty() bool {
	return s.q.empty()
}

// Score returns the better of the title and description scores.
func (s Scorer) Score(title, description string) float64 {
	if s.q.empty() {
		return 0
	}
	return max(s.q.score(newField(title)), s.q.score(newField(description)))
}

// Score returns the lexical relevance of a title/description pair to
// queryText in [0,1]: the better of the two field scores. An empty query
// scores 0.
func Score(queryText, title, description string) float64 {
	return NewScorer(queryText).Score(title, description)
}
