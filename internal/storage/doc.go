// Package storage provides SQLite-based persistence for the opportunity
// catalog.
//
// The storage layer manages:
//   - Repositories and their health signals
//   - Contribution opportunities, their status and engagement counters
//   - Users, matching preferences and repository interactions
//   - Embeddings stored as little-endian float32 blobs
//
// # Database Schema
//
// Tables:
//   - repositories: repository metadata, scores and embedding
//   - opportunities: opportunities (cascade-deleted with their repository)
//   - users, user_preferences: user profiles and optional preferences
//   - user_repository_interactions: one row per (user, repository)
//   - opportunity_status_history: audit trail of status transitions
//   - schema_version: applied migrations, compared with semver
//
// # Basic Usage
//
//	db, err := storage.NewSQLiteStorage("contribrank.db", storage.WithLogger(logger))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	err = db.UpsertRepository(ctx, &types.Repository{FullName: "acme/widgets"})
//
// Batch writes go through a transaction:
//
//	tx, err := db.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//	for _, opp := range batch {
//	    if err := tx.UpsertOpportunity(ctx, opp); err != nil {
//	        return err
//	    }
//	}
//	return tx.Commit()
//
// # Embedding Freshness
//
// An embedding is written only when its SourceHash matches the text it
// describes. Writing new text with an old embedding stores no embedding,
// so callers re-embed after every content change.
//
// # Build Modes
//
// The default build uses modernc.org/sqlite (pure Go). Building with the
// sqlite_cgo tag switches to github.com/mattn/go-sqlite3 (cgo).
package storage
