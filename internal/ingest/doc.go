// Package ingest writes catalog entities and keeps the search indexes in
// step with the catalog.
//
// The Pipeline embeds new or changed text on a bounded worker pool, stores
// opportunities in a single transaction per batch, and then updates the
// lexical and vector indexes. Embeddings whose source text and model are
// unchanged are carried over without calling the provider.
//
// When the embedding provider is unavailable, entities are still stored,
// without the affected embeddings, and any vector previously indexed for
// them is removed so stale vectors never outlive their text.
//
// The Reindexer handles model changes: it re-embeds every opportunity
// embedded by another model and rebuilds the vector index off to the side,
// swapping it in atomically once complete.
package ingest
