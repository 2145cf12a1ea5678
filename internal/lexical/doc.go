// Package lexical scores free-text queries against opportunity titles and
// descriptions.
//
// Scores lie in [0,1]. A query found verbatim in a field scores 1; otherwise
// the score blends word coverage with character-trigram containment so that
// partial words and small typos still match. Index keeps a trigram posting
// list to find candidates without scanning every document.
package lexical
