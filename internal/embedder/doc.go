// Package embedder generates vector embeddings for opportunity, repository
// and query text.
//
// Three providers are available: Jina AI and OpenAI for production, and an
// offline local provider (hashed bag of words) for development and tests.
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.DefaultConfig(), embedder.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer emb.Close()
//
//	result, err := emb.GenerateEmbedding(ctx, embedder.EmbeddingRequest{
//	    Text: "Fix flaky integration test in the scheduler",
//	})
//	if errors.Is(err, embedder.ErrEmbeddingUnavailable) {
//	    // degrade: store or rank without a vector
//	}
//
// # Provider Selection
//
// With Provider "auto" (the default):
//
//  1. If a Jina API key is configured or JINA_API_KEY is set → Jina AI
//  2. Else if an OpenAI API key is configured or OPENAI_API_KEY is set → OpenAI
//  3. Else → local provider (offline mode)
//
// # Reliability
//
// Remote providers share one pipeline:
//   - an LRU cache keyed by model and SHA-256 of the text
//   - a token-bucket rate limiter (golang.org/x/time/rate) consulted
//     before every attempt
//   - bounded exponential backoff; 4xx responses other than 408 and 429
//     are not retried
//
// When retries are exhausted the call fails with ErrEmbeddingUnavailable,
// which wraps types.ErrDependencyUnavailable.
//
// # Staleness
//
// Every Embedding carries the hash of its source text (ComputeHash, equal
// to types.HashText). Embedding.Catalog converts it to the form the catalog
// stores, which refuses embeddings whose hash no longer matches the text.
package embedder
