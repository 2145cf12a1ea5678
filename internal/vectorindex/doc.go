// Package vectorindex provides approximate nearest-neighbor search over
// embedding vectors by cosine similarity.
//
// Index is backed by a hierarchical navigable small-world graph. While it
// holds fewer than Config.ExactThreshold vectors it answers queries with a
// brute-force scan instead. Exact is the brute-force implementation on its
// own and is the baseline the graph's recall is measured against.
//
// Rebuild replaces the whole index, for example after an embedding model
// change, without blocking readers:
//
//	err := idx.Rebuild(ctx, "text-embedding-3-small", 1536, source)
//
// The new generation is built off to the side and swapped in atomically.
// Writes that arrive during the build are journaled and replayed before the
// swap.
package vectorindex
