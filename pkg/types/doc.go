// Package types provides the domain types shared across contribrank.
//
// # Catalog
//
// Repository, Opportunity, User, UserPreference and UserRepositoryInteraction
// mirror the catalog tables. Set-valued attributes (topics, required skills,
// preferred languages) use Set, which normalizes case and whitespace and keeps
// elements sorted so overlap tests run in linear time:
//
//	skills := types.NewSet("Go", "postgres", "go")
//	skills.Items() // [go postgres]
//	skills.OverlapRatio(types.NewSet("go")) // 0.5
//
// # Embeddings
//
// An Embedding carries the model name and a SHA-256 of the text it
// summarizes. A vector whose SourceHash no longer matches the current text is
// stale and must not be used:
//
//	if !opp.TitleEmbedding.FreshFor(opp.Title) {
//	    // re-embed
//	}
//
// # Status
//
// Opportunity status follows a small state machine:
//
//	open -> in_progress -> completed | abandoned
//	open -> stale -> closed
//	any non-terminal -> closed
//
// completed and closed are terminal. Completing an opportunity that never
// entered in_progress is accepted; CheckTransition flags it as Anomalous and
// the store reports a DataIntegrityWarning.
//
// # Errors
//
// Four error classes are distinguished with errors.Is:
//
//	ErrValidation            bad input, rejected up front, never retried
//	ErrNotFound              unknown entity (see NotFoundError)
//	ErrDependencyUnavailable collaborator outage, degrade instead of failing
//	ErrInvariantViolation    corrupted state, fail loudly
package types
