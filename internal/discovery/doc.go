// Package discovery answers the read side of the engine: hybrid search,
// personalized feeds, trending opportunities, repository health and index
// status.
//
// Search gathers candidates from the lexical and vector indexes in
// parallel, narrows them with catalog filters and ranks them with the
// hybrid ranker. When no query vector is available (provider down, no
// provider configured, or the vector index still holds another model's
// embeddings) the request is answered lexically and marked Degraded.
//
// Non-degraded responses are cached per request and index version; the
// cache is dropped whenever the catalog or the vector index changes.
package discovery
