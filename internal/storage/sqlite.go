package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/contribrank/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist. Errors
	// carrying it are *types.NotFoundError values naming the entity and id.
	ErrNotFound = types.ErrNotFound
	// ErrNestedTx is returned by BeginTx on a transaction
	ErrNestedTx = errors.New("nested transactions not supported")
)

// SQLiteStorage implements the Catalog interface using SQLite
type SQLiteStorage struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a SQLiteStorage
type Option func(*SQLiteStorage)

// WithLogger sets the logger used for data integrity warnings
func WithLogger(logger *slog.Logger) Option {
	return func(s *SQLiteStorage) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for updated_at stamps
func WithClock(now func() time.Time) Option {
	return func(s *SQLiteStorage) {
		if now != nil {
			s.now = now
		}
	}
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// A single connection also keeps ":memory:" databases alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage opens the catalog at dbPath and applies pending migrations
func NewSQLiteStorage(dbPath string, opts ...Option) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	s := &SQLiteStorage{db: db, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// stamp returns the current time normalized for storage. UTC keeps the
// textual timestamps comparable and strips the monotonic reading.
func (s *SQLiteStorage) stamp() time.Time {
	return s.now().UTC()
}

func utc(t time.Time) time.Time { return t.UTC() }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func marshalSet(set types.Set) (string, error) {
	b, err := json.Marshal(set)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalSet(raw string) (types.Set, error) {
	var set types.Set
	if raw == "" {
		return set, nil
	}
	if err := json.Unmarshal([]byte(raw), &set); err != nil {
		return types.Set{}, fmt.Errorf("failed to decode set: %w", err)
	}
	return set, nil
}

// placeholders returns "?, ?, ?" for n arguments
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func exists(ctx context.Context, q querier, table, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func affectedOrNotFound(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.NewNotFound(entity, id)
	}
	return nil
}

// Repository operations

const repositoryColumns = `id, full_name, description, primary_language, topics, stars, forks,
	health_score, activity_score, community_score,
	archived, has_contributing_guide, has_good_first_issues, has_code_of_conduct,
	last_activity_at, median_response_seconds, pr_merge_rate, issue_close_rate,
	embedding, embedding_model, embedding_hash, created_at, updated_at`

func validateRepository(repo *types.Repository) error {
	if repo == nil {
		return types.Validationf("repository is required")
	}
	if strings.TrimSpace(repo.FullName) == "" {
		return types.Validationf("repository full name is required")
	}
	if repo.Stars < 0 || repo.Forks < 0 {
		return types.Validationf("repository %s: stars and forks must be >= 0", repo.FullName)
	}
	return nil
}

func (s *SQLiteStorage) upsertRepositoryWithQuerier(ctx context.Context, q querier, repo *types.Repository) error {
	if err := validateRepository(repo); err != nil {
		return err
	}
	if repo.ID == "" {
		repo.ID = uuid.NewString()
	}

	topics, err := marshalSet(repo.Topics)
	if err != nil {
		return fmt.Errorf("failed to encode topics: %w", err)
	}
	var medianSeconds sql.NullInt64
	if repo.MedianResponseTime != nil {
		medianSeconds = sql.NullInt64{Int64: int64(repo.MedianResponseTime.Seconds()), Valid: true}
	}
	if repo.Embedding != nil && !repo.Embedding.FreshFor(repo.EmbeddingText()) {
		s.logger.Debug("dropping stale repository embedding", "repository_id", repo.ID)
		repo.Embedding = nil
	}
	blob, model, hash := embeddingColumns(repo.Embedding, repo.EmbeddingText())

	now := s.stamp()
	created := now
	if !repo.CreatedAt.IsZero() {
		created = utc(repo.CreatedAt)
	}
	repo.HealthScore = types.Clamp(repo.HealthScore, 0, 100)
	repo.ActivityScore = types.Clamp(repo.ActivityScore, 0, 100)
	repo.CommunityScore = types.Clamp(repo.CommunityScore, 0, 100)

	query := `
		INSERT INTO repositories (` + repositoryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			full_name = excluded.full_name,
			description = excluded.description,
			primary_language = excluded.primary_language,
			topics = excluded.topics,
			stars = excluded.stars,
			forks = excluded.forks,
			health_score = excluded.health_score,
			activity_score = excluded.activity_score,
			community_score = excluded.community_score,
			archived = excluded.archived,
			has_contributing_guide = excluded.has_contributing_guide,
			has_good_first_issues = excluded.has_good_first_issues,
			has_code_of_conduct = excluded.has_code_of_conduct,
			last_activity_at = excluded.last_activity_at,
			median_response_seconds = excluded.median_response_seconds,
			pr_merge_rate = excluded.pr_merge_rate,
			issue_close_rate = excluded.issue_close_rate,
			embedding = excluded.embedding,
			embedding_model = excluded.embedding_model,
			embedding_hash = excluded.embedding_hash,
			updated_at = excluded.updated_at
		RETURNING created_at, updated_at
	`
	err = q.QueryRowContext(ctx, query,
		repo.ID, repo.FullName, repo.Description, repo.PrimaryLanguage, topics, repo.Stars, repo.Forks,
		repo.HealthScore, repo.ActivityScore, repo.CommunityScore,
		repo.Archived, repo.HasContributingGuide, repo.HasGoodFirstIssues, repo.HasCodeOfConduct,
		nullTime(repo.LastActivityAt), medianSeconds, nullFloat(repo.PRMergeRate), nullFloat(repo.IssueCloseRate),
		blob, model, hash, created, now,
	).Scan(&repo.CreatedAt, &repo.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert repository: %w", err)
	}
	return nil
}

func scanRepository(row rowScanner) (*types.Repository, error) {
	var (
		repo          types.Repository
		topics        string
		lastActivity  sql.NullTime
		medianSeconds sql.NullInt64
		prMerge       sql.NullFloat64
		issueClose    sql.NullFloat64
		blob          []byte
		model, hash   sql.NullString
	)
	err := row.Scan(
		&repo.ID, &repo.FullName, &repo.Description, &repo.PrimaryLanguage, &topics, &repo.Stars, &repo.Forks,
		&repo.HealthScore, &repo.ActivityScore, &repo.CommunityScore,
		&repo.Archived, &repo.HasContributingGuide, &repo.HasGoodFirstIssues, &repo.HasCodeOfConduct,
		&lastActivity, &medianSeconds, &prMerge, &issueClose,
		&blob, &model, &hash, &repo.CreatedAt, &repo.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if repo.Topics, err = unmarshalSet(topics); err != nil {
		return nil, err
	}
	repo.LastActivityAt = timePtr(lastActivity)
	if medianSeconds.Valid {
		d := time.Duration(medianSeconds.Int64) * time.Second
		repo.MedianResponseTime = &d
	}
	repo.PRMergeRate = floatPtr(prMerge)
	repo.IssueCloseRate = floatPtr(issueClose)
	repo.Embedding = scanEmbedding(blob, model, hash)
	repo.CreatedAt = repo.CreatedAt.UTC()
	repo.UpdatedAt = repo.UpdatedAt.UTC()
	return &repo, nil
}

func (s *SQLiteStorage) getRepositoryWithQuerier(ctx context.Context, q querier, id string) (*types.Repository, error) {
	row := q.QueryRowContext(ctx, "SELECT "+repositoryColumns+" FROM repositories WHERE id = ?", id)
	repo, err := scanRepository(row)
	if err == sql.ErrNoRows {
		return nil, types.NewNotFound("repository", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return repo, nil
}

func (s *SQLiteStorage) listRepositoriesWithQuerier(ctx context.Context, q querier) ([]*types.Repository, error) {
	rows, err := q.QueryContext(ctx, "SELECT "+repositoryColumns+" FROM repositories ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	repos := []*types.Repository{}
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repository: %w", err)
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

func (s *SQLiteStorage) deleteRepositoryWithQuerier(ctx context.Context, q querier, id string) error {
	res, err := q.ExecContext(ctx, "DELETE FROM repositories WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete repository: %w", err)
	}
	return affectedOrNotFound(res, "repository", id)
}

func (s *SQLiteStorage) updateRepositoryHealthWithQuerier(ctx context.Context, q querier, id string, health float64) error {
	res, err := q.ExecContext(ctx,
		"UPDATE repositories SET health_score = ?, updated_at = ? WHERE id = ?",
		types.Clamp(health, 0, 100), s.stamp(), id)
	if err != nil {
		return fmt.Errorf("failed to update repository health: %w", err)
	}
	return affectedOrNotFound(res, "repository", id)
}

// Opportunity operations

const opportunityColumns = `o.id, o.repository_id, o.title, o.description, o.type, o.difficulty, o.status,
	o.required_skills, o.estimated_hours, o.priority, o.views, o.applications, o.completions,
	o.title_embedding, o.title_embedding_model, o.title_embedding_hash,
	o.description_embedding, o.description_embedding_model, o.description_embedding_hash,
	o.created_at, o.expires_at, o.updated_at`

func validateOpportunity(opp *types.Opportunity) error {
	if opp == nil {
		return types.Validationf("opportunity is required")
	}
	var errs []error
	if opp.RepositoryID == "" {
		errs = append(errs, errors.New("repository id is required"))
	}
	if strings.TrimSpace(opp.Title) == "" {
		errs = append(errs, errors.New("title is required"))
	}
	if !opp.Type.Valid() {
		errs = append(errs, fmt.Errorf("unknown type %q", opp.Type))
	}
	if _, ok := opp.Difficulty.Ordinal(); !ok {
		errs = append(errs, fmt.Errorf("unknown difficulty %q", opp.Difficulty))
	}
	if opp.Status != "" && !opp.Status.Valid() {
		errs = append(errs, fmt.Errorf("unknown status %q", opp.Status))
	}
	if opp.Priority < 0 || opp.Priority > 100 {
		errs = append(errs, fmt.Errorf("priority must be in [0,100], got %v", opp.Priority))
	}
	if opp.EstimatedHours != nil && *opp.EstimatedHours < 0 {
		errs = append(errs, errors.New("estimated hours must be >= 0"))
	}
	if opp.Views < 0 || opp.Applications < 0 || opp.Completions < 0 {
		errs = append(errs, errors.New("engagement counters must be >= 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: opportunity: %w", types.ErrValidation, errors.Join(errs...))
	}
	return nil
}

// upsertOpportunityWithQuerier writes opp wholesale except for status and
// engagement counters, which an existing row keeps: those change only through
// TransitionOpportunityStatus and the Record* calls.
func (s *SQLiteStorage) upsertOpportunityWithQuerier(ctx context.Context, q querier, opp *types.Opportunity) error {
	if err := validateOpportunity(opp); err != nil {
		return err
	}
	ok, err := exists(ctx, q, "repositories", opp.RepositoryID)
	if err != nil {
		return fmt.Errorf("failed to check repository: %w", err)
	}
	if !ok {
		return types.NewNotFound("repository", opp.RepositoryID)
	}
	if opp.ID == "" {
		opp.ID = uuid.NewString()
	}
	if opp.Status == "" {
		opp.Status = types.StatusOpen
	}

	skills, err := marshalSet(opp.RequiredSkills)
	if err != nil {
		return fmt.Errorf("failed to encode required skills: %w", err)
	}
	if opp.TitleEmbedding != nil && !opp.TitleEmbedding.FreshFor(opp.Title) {
		s.logger.Debug("dropping stale title embedding", "opportunity_id", opp.ID)
		opp.TitleEmbedding = nil
	}
	if opp.DescriptionEmbedding != nil && !opp.DescriptionEmbedding.FreshFor(opp.Description) {
		s.logger.Debug("dropping stale description embedding", "opportunity_id", opp.ID)
		opp.DescriptionEmbedding = nil
	}
	tBlob, tModel, tHash := embeddingColumns(opp.TitleEmbedding, opp.Title)
	dBlob, dModel, dHash := embeddingColumns(opp.DescriptionEmbedding, opp.Description)

	now := s.stamp()
	created := now
	if !opp.CreatedAt.IsZero() {
		created = utc(opp.CreatedAt)
	}

	query := `
		INSERT INTO opportunities (
			id, repository_id, title, description, type, difficulty, status,
			required_skills, estimated_hours, priority, views, applications, completions,
			title_embedding, title_embedding_model, title_embedding_hash,
			description_embedding, description_embedding_model, description_embedding_hash,
			created_at, expires_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			repository_id = excluded.repository_id,
			title = excluded.title,
			description = excluded.description,
			type = excluded.type,
			difficulty = excluded.difficulty,
			required_skills = excluded.required_skills,
			estimated_hours = excluded.estimated_hours,
			priority = excluded.priority,
			title_embedding = excluded.title_embedding,
			title_embedding_model = excluded.title_embedding_model,
			title_embedding_hash = excluded.title_embedding_hash,
			description_embedding = excluded.description_embedding,
			description_embedding_model = excluded.description_embedding_model,
			description_embedding_hash = excluded.description_embedding_hash,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
		RETURNING status, views, applications, completions, created_at, updated_at
	`
	err = q.QueryRowContext(ctx, query,
		opp.ID, opp.RepositoryID, opp.Title, opp.Description, opp.Type, opp.Difficulty, opp.Status,
		skills, nullFloat(opp.EstimatedHours), opp.Priority, opp.Views, opp.Applications, opp.Completions,
		tBlob, tModel, tHash, dBlob, dModel, dHash,
		created, nullTime(opp.ExpiresAt), now,
	).Scan(&opp.Status, &opp.Views, &opp.Applications, &opp.Completions, &opp.CreatedAt, &opp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert opportunity: %w", err)
	}
	return nil
}

func scanOpportunity(row rowScanner) (*types.Opportunity, error) {
	var (
		opp           types.Opportunity
		skills        string
		hours         sql.NullFloat64
		tBlob, dBlob  []byte
		tModel, tHash sql.NullString
		dModel, dHash sql.NullString
		expires       sql.NullTime
	)
	err := row.Scan(
		&opp.ID, &opp.RepositoryID, &opp.Title, &opp.Description, &opp.Type, &opp.Difficulty, &opp.Status,
		&skills, &hours, &opp.Priority, &opp.Views, &opp.Applications, &opp.Completions,
		&tBlob, &tModel, &tHash, &dBlob, &dModel, &dHash,
		&opp.CreatedAt, &expires, &opp.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if opp.RequiredSkills, err = unmarshalSet(skills); err != nil {
		return nil, err
	}
	opp.EstimatedHours = floatPtr(hours)
	opp.TitleEmbedding = scanEmbedding(tBlob, tModel, tHash)
	opp.DescriptionEmbedding = scanEmbedding(dBlob, dModel, dHash)
	opp.ExpiresAt = timePtr(expires)
	opp.CreatedAt = opp.CreatedAt.UTC()
	opp.UpdatedAt = opp.UpdatedAt.UTC()
	return &opp, nil
}

func (s *SQLiteStorage) getOpportunityWithQuerier(ctx context.Context, q querier, id string) (*types.Opportunity, error) {
	row := q.QueryRowContext(ctx, "SELECT "+opportunityColumns+" FROM opportunities o WHERE o.id = ?", id)
	opp, err := scanOpportunity(row)
	if err == sql.ErrNoRows {
		return nil, types.NewNotFound("opportunity", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get opportunity: %w", err)
	}
	return opp, nil
}

// applyCandidateFilter appends WHERE conditions for filter to query
func applyCandidateFilter(query string, args []any, filter CandidateFilter) (string, []any) {
	in := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		query += " AND " + column + " IN (" + placeholders(len(values)) + ")"
		for _, v := range values {
			args = append(args, v)
		}
	}

	in("o.id", filter.IDs)
	in("o.status", toStrings(filter.Statuses))
	in("o.type", toStrings(filter.Types))
	in("o.difficulty", toStrings(filter.Difficulties))

	if len(filter.Languages) > 0 {
		langs := make([]string, len(filter.Languages))
		for i, l := range filter.Languages {
			langs[i] = strings.ToLower(strings.TrimSpace(l))
		}
		in("LOWER(r.primary_language)", langs)
	}
	if filter.MinRepoStars > 0 {
		query += " AND r.stars >= ?"
		args = append(args, filter.MinRepoStars)
	}
	if filter.ExcludeArchived {
		query += " AND r.archived = 0"
	}
	if len(filter.ExcludeRepositoryIDs) > 0 {
		query += " AND o.repository_id NOT IN (" + placeholders(len(filter.ExcludeRepositoryIDs)) + ")"
		for _, id := range filter.ExcludeRepositoryIDs {
			args = append(args, id)
		}
	}
	if filter.CreatedAfter != nil {
		query += " AND o.created_at >= ?"
		args = append(args, filter.CreatedAfter.UTC())
	}
	if filter.AfterID != "" {
		query += " AND o.id > ?"
		args = append(args, filter.AfterID)
	}
	return query, args
}

func toStrings[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func (s *SQLiteStorage) listCandidateOpportunitiesWithQuerier(ctx context.Context, q querier, filter CandidateFilter) ([]*types.Opportunity, error) {
	query := `
		SELECT ` + opportunityColumns + `
		FROM opportunities o
		INNER JOIN repositories r ON r.id = o.repository_id
		WHERE 1=1
	`
	args := []any{}
	query, args = applyCandidateFilter(query, args, filter)
	query += " ORDER BY o.id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list opportunities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	opps := []*types.Opportunity{}
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan opportunity: %w", err)
		}
		// Timestamps are compared as text in SQL; re-check on the parsed value.
		if filter.CreatedAfter != nil && opp.CreatedAt.Before(*filter.CreatedAfter) {
			continue
		}
		opps = append(opps, opp)
	}
	return opps, rows.Err()
}

func (s *SQLiteStorage) transitionWithQuerier(ctx context.Context, q querier, id string, to types.Status) (*types.DataIntegrityWarning, error) {
	var from types.Status
	err := q.QueryRowContext(ctx, "SELECT status FROM opportunities WHERE id = ?", id).Scan(&from)
	if err == sql.ErrNoRows {
		return nil, types.NewNotFound("opportunity", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read opportunity status: %w", err)
	}

	tr, err := types.CheckTransition(from, to)
	if err != nil {
		return nil, err
	}
	if tr.From == tr.To {
		return nil, nil
	}

	now := s.stamp()
	res, err := q.ExecContext(ctx,
		"UPDATE opportunities SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
		to, now, id, from)
	if err != nil {
		return nil, fmt.Errorf("failed to update opportunity status: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, fmt.Errorf("%w: status of opportunity %s changed concurrently", types.ErrInvalidTransition, id)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO opportunity_status_history (opportunity_id, from_status, to_status, anomalous, changed_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, from, to, tr.Anomalous, now)
	if err != nil {
		return nil, fmt.Errorf("failed to record status history: %w", err)
	}

	if !tr.Anomalous {
		return nil, nil
	}
	warning := &types.DataIntegrityWarning{
		Entity:  "opportunity",
		ID:      id,
		Message: fmt.Sprintf("completed from %s without entering in_progress", from),
	}
	s.logger.Warn("data integrity warning",
		"entity", warning.Entity,
		"id", warning.ID,
		"from", from,
		"to", to,
	)
	return warning, nil
}

func (s *SQLiteStorage) recordEngagementWithQuerier(ctx context.Context, q querier, id, column string) error {
	res, err := q.ExecContext(ctx,
		"UPDATE opportunities SET "+column+" = "+column+" + 1, updated_at = ? WHERE id = ?",
		s.stamp(), id)
	if err != nil {
		return fmt.Errorf("failed to record %s: %w", column, err)
	}
	return affectedOrNotFound(res, "opportunity", id)
}

func (s *SQLiteStorage) listStaleCandidatesWithQuerier(ctx context.Context, q querier, inactiveSince time.Time) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, updated_at FROM opportunities WHERE status = ? AND updated_at < ? ORDER BY id",
		types.StatusOpen, inactiveSince.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list stale candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var (
			id      string
			updated time.Time
		)
		if err := rows.Scan(&id, &updated); err != nil {
			return nil, err
		}
		if updated.Before(inactiveSince) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// listOpportunityEmbeddingsWithQuerier reads every record before invoking
// fn, so fn may call back into the store on the single connection.
// setOpportunityEmbeddingWithQuerier is a compare-and-set on the field
// text: it reports false when the text changed or the row is gone.
// updated_at is kept, since the content did not change.
func (s *SQLiteStorage) setOpportunityEmbeddingWithQuerier(ctx context.Context, q querier, u EmbeddingUpdate) (bool, error) {
	var column string
	switch u.Field {
	case FieldTitle:
		column = "title"
	case FieldDescription:
		column = "description"
	default:
		return false, types.Validationf("unknown embedding field %q", u.Field)
	}
	if u.Embedding == nil || !u.Embedding.FreshFor(u.Text) {
		return false, types.Validationf("embedding for opportunity %s %s does not match its text", u.OpportunityID, column)
	}
	blob, model, hash := embeddingColumns(u.Embedding, u.Text)

	res, err := q.ExecContext(ctx, `
		UPDATE opportunities
		SET `+column+`_embedding = ?, `+column+`_embedding_model = ?, `+column+`_embedding_hash = ?
		WHERE id = ? AND `+column+` = ?`,
		blob, model, hash, u.OpportunityID, u.Text)
	if err != nil {
		return false, fmt.Errorf("failed to update %s embedding: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStorage) listOpportunityEmbeddingsWithQuerier(ctx context.Context, q querier, fn func(EmbeddingRecord) error) error {
	rows, err := q.QueryContext(ctx, `
		SELECT id,
			title_embedding, title_embedding_model, title_embedding_hash,
			description_embedding, description_embedding_model, description_embedding_hash
		FROM opportunities
		ORDER BY id`)
	if err != nil {
		return fmt.Errorf("failed to list embeddings: %w", err)
	}

	var records []EmbeddingRecord
	for rows.Next() {
		var (
			rec           EmbeddingRecord
			tBlob, dBlob  []byte
			tModel, tHash sql.NullString
			dModel, dHash sql.NullString
		)
		if err := rows.Scan(&rec.OpportunityID, &tBlob, &tModel, &tHash, &dBlob, &dModel, &dHash); err != nil {
			_ = rows.Close()
			return err
		}
		rec.Title = scanEmbedding(tBlob, tModel, tHash)
		rec.Description = scanEmbedding(dBlob, dModel, dHash)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// User operations

func (s *SQLiteStorage) upsertUserWithQuerier(ctx context.Context, q querier, user *types.User) error {
	if user == nil || strings.TrimSpace(user.Username) == "" {
		return types.Validationf("username is required")
	}
	if user.SkillLevel != "" {
		if _, ok := user.SkillLevel.Ordinal(); !ok {
			return types.Validationf("unknown skill level %q", user.SkillLevel)
		}
	}
	if user.AvailabilityHours < 0 {
		return types.Validationf("availability hours must be >= 0")
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	langs, err := marshalSet(user.PreferredLanguages)
	if err != nil {
		return fmt.Errorf("failed to encode languages: %w", err)
	}
	if user.ProfileEmbedding != nil && !user.ProfileEmbedding.FreshFor(user.Bio) {
		user.ProfileEmbedding = nil
	}
	blob, model, hash := embeddingColumns(user.ProfileEmbedding, user.Bio)

	now := s.stamp()
	created := now
	if !user.CreatedAt.IsZero() {
		created = utc(user.CreatedAt)
	}

	err = q.QueryRowContext(ctx, `
		INSERT INTO users (id, username, bio, skill_level, preferred_languages, availability_hours,
			profile_embedding, profile_embedding_model, profile_embedding_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			bio = excluded.bio,
			skill_level = excluded.skill_level,
			preferred_languages = excluded.preferred_languages,
			availability_hours = excluded.availability_hours,
			profile_embedding = excluded.profile_embedding,
			profile_embedding_model = excluded.profile_embedding_model,
			profile_embedding_hash = excluded.profile_embedding_hash,
			updated_at = excluded.updated_at
		RETURNING created_at, updated_at`,
		user.ID, user.Username, user.Bio, user.SkillLevel, langs, user.AvailabilityHours,
		blob, model, hash, created, now,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) getUserWithQuerier(ctx context.Context, q querier, id string) (*types.User, error) {
	var (
		user        types.User
		langs       string
		blob        []byte
		model, hash sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, username, bio, skill_level, preferred_languages, availability_hours,
			profile_embedding, profile_embedding_model, profile_embedding_hash, created_at, updated_at
		FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &user.Username, &user.Bio, &user.SkillLevel, &langs, &user.AvailabilityHours,
		&blob, &model, &hash, &user.CreatedAt, &user.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, types.NewNotFound("user", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if user.PreferredLanguages, err = unmarshalSet(langs); err != nil {
		return nil, err
	}
	user.ProfileEmbedding = scanEmbedding(blob, model, hash)
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return &user, nil
}

func (s *SQLiteStorage) upsertPreferencesWithQuerier(ctx context.Context, q querier, prefs *types.UserPreference) error {
	if prefs == nil || prefs.UserID == "" {
		return types.Validationf("preferences require a user id")
	}
	if prefs.ExplorationWeight < 0 || prefs.ExplorationWeight > 1 {
		return types.Validationf("exploration weight must be in [0,1], got %v", prefs.ExplorationWeight)
	}
	if prefs.MinRepoStars < 0 {
		return types.Validationf("min repo stars must be >= 0")
	}
	for _, t := range prefs.PreferredContributionTypes {
		if !t.Valid() {
			return types.Validationf("unknown contribution type %q", t)
		}
	}
	ok, err := exists(ctx, q, "users", prefs.UserID)
	if err != nil {
		return fmt.Errorf("failed to check user: %w", err)
	}
	if !ok {
		return types.NewNotFound("user", prefs.UserID)
	}

	preferred := prefs.PreferredContributionTypes
	if preferred == nil {
		preferred = []types.OpportunityType{}
	}
	typesJSON, err := json.Marshal(preferred)
	if err != nil {
		return fmt.Errorf("failed to encode contribution types: %w", err)
	}

	prefs.UpdatedAt = s.stamp()
	_, err = q.ExecContext(ctx, `
		INSERT INTO user_preferences (user_id, preferred_contribution_types, max_estimated_hours,
			min_repo_stars, exploration_weight, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			preferred_contribution_types = excluded.preferred_contribution_types,
			max_estimated_hours = excluded.max_estimated_hours,
			min_repo_stars = excluded.min_repo_stars,
			exploration_weight = excluded.exploration_weight,
			updated_at = excluded.updated_at`,
		prefs.UserID, string(typesJSON), nullFloat(prefs.MaxEstimatedHours),
		prefs.MinRepoStars, prefs.ExplorationWeight, prefs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) getPreferencesWithQuerier(ctx context.Context, q querier, userID string) (*types.UserPreference, error) {
	var (
		prefs     types.UserPreference
		typesJSON string
		maxHours  sql.NullFloat64
	)
	err := q.QueryRowContext(ctx, `
		SELECT user_id, preferred_contribution_types, max_estimated_hours, min_repo_stars,
			exploration_weight, updated_at
		FROM user_preferences WHERE user_id = ?`, userID,
	).Scan(&prefs.UserID, &typesJSON, &maxHours, &prefs.MinRepoStars, &prefs.ExplorationWeight, &prefs.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, types.NewNotFound("preferences", userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}
	if err := json.Unmarshal([]byte(typesJSON), &prefs.PreferredContributionTypes); err != nil {
		return nil, fmt.Errorf("failed to decode contribution types: %w", err)
	}
	prefs.MaxEstimatedHours = floatPtr(maxHours)
	prefs.UpdatedAt = prefs.UpdatedAt.UTC()
	return &prefs, nil
}

func (s *SQLiteStorage) upsertInteractionWithQuerier(ctx context.Context, q querier, in *types.UserRepositoryInteraction) error {
	if in == nil || in.UserID == "" || in.RepositoryID == "" {
		return types.Validationf("interaction requires user and repository ids")
	}
	if in.ContributionCount < 0 || in.VisitCount < 0 {
		return types.Validationf("interaction counts must be >= 0")
	}
	for _, ref := range []struct{ table, entity, id string }{
		{"users", "user", in.UserID},
		{"repositories", "repository", in.RepositoryID},
	} {
		ok, err := exists(ctx, q, ref.table, ref.id)
		if err != nil {
			return fmt.Errorf("failed to check %s: %w", ref.entity, err)
		}
		if !ok {
			return types.NewNotFound(ref.entity, ref.id)
		}
	}

	in.UpdatedAt = s.stamp()
	_, err := q.ExecContext(ctx, `
		INSERT INTO user_repository_interactions (user_id, repository_id, contributed, starred, visited,
			contribution_count, visit_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, repository_id) DO UPDATE SET
			contributed = excluded.contributed,
			starred = excluded.starred,
			visited = excluded.visited,
			contribution_count = excluded.contribution_count,
			visit_count = excluded.visit_count,
			updated_at = excluded.updated_at`,
		in.UserID, in.RepositoryID, in.Contributed, in.Starred, in.Visited,
		in.ContributionCount, in.VisitCount, in.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert interaction: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) getExcludedRepositoryIDsWithQuerier(ctx context.Context, q querier, userID string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT repository_id FROM user_repository_interactions
		WHERE user_id = ? AND contributed = 1
		ORDER BY repository_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list excluded repositories: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStorage) getStatusWithQuerier(ctx context.Context, q querier) (*CatalogStatus, error) {
	st := &CatalogStatus{BuildMode: BuildMode}
	err := q.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM repositories),
			(SELECT COUNT(*) FROM opportunities),
			(SELECT COUNT(*) FROM opportunities WHERE status = 'open'),
			(SELECT COUNT(*) FROM opportunities WHERE title_embedding IS NOT NULL OR description_embedding IS NOT NULL),
			(SELECT COUNT(*) FROM users)`,
	).Scan(&st.Repositories, &st.Opportunities, &st.OpenOpportunities, &st.EmbeddedOpportunities, &st.Users)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog status: %w", err)
	}
	v, err := schemaVersion(ctx, q)
	if err != nil {
		return nil, err
	}
	st.SchemaVersion = v.String()
	return st, nil
}

// Public methods

func (s *SQLiteStorage) UpsertRepository(ctx context.Context, repo *types.Repository) error {
	return s.upsertRepositoryWithQuerier(ctx, s.querier(), repo)
}

func (s *SQLiteStorage) GetRepository(ctx context.Context, id string) (*types.Repository, error) {
	return s.getRepositoryWithQuerier(ctx, s.querier(), id)
}

func (s *SQLiteStorage) ListRepositories(ctx context.Context) ([]*types.Repository, error) {
	return s.listRepositoriesWithQuerier(ctx, s.querier())
}

// DeleteRepository removes a repository and, by cascade, its opportunities
// and interactions.
func (s *SQLiteStorage) DeleteRepository(ctx context.Context, id string) error {
	return s.deleteRepositoryWithQuerier(ctx, s.querier(), id)
}

func (s *SQLiteStorage) UpdateRepositoryHealth(ctx context.Context, id string, health float64) error {
	return s.updateRepositoryHealthWithQuerier(ctx, s.querier(), id, health)
}

func (s *SQLiteStorage) UpsertOpportunity(ctx context.Context, opp *types.Opportunity) error {
	return s.upsertOpportunityWithQuerier(ctx, s.querier(), opp)
}

func (s *SQLiteStorage) GetOpportunity(ctx context.Context, id string) (*types.Opportunity, error) {
	return s.getOpportunityWithQuerier(ctx, s.querier(), id)
}

// ListCandidateOpportunities returns opportunities matching filter ordered by id
func (s *SQLiteStorage) ListCandidateOpportunities(ctx context.Context, filter CandidateFilter) ([]*types.Opportunity, error) {
	return s.listCandidateOpportunitiesWithQuerier(ctx, s.querier(), filter)
}

// TransitionOpportunityStatus moves an opportunity to status to. A
// completion that skipped in_progress is applied and reported as a warning.
func (s *SQLiteStorage) TransitionOpportunityStatus(ctx context.Context, id string, to types.Status) (*types.DataIntegrityWarning, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	warning, err := s.transitionWithQuerier(ctx, tx, id, to)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return warning, nil
}

func (s *SQLiteStorage) RecordView(ctx context.Context, id string) error {
	return s.recordEngagementWithQuerier(ctx, s.querier(), id, "views")
}

func (s *SQLiteStorage) RecordApplication(ctx context.Context, id string) error {
	return s.recordEngagementWithQuerier(ctx, s.querier(), id, "applications")
}

func (s *SQLiteStorage) RecordCompletion(ctx context.Context, id string) error {
	return s.recordEngagementWithQuerier(ctx, s.querier(), id, "completions")
}

// ListStaleCandidates returns open opportunities not updated since inactiveSince
func (s *SQLiteStorage) ListStaleCandidates(ctx context.Context, inactiveSince time.Time) ([]string, error) {
	return s.listStaleCandidatesWithQuerier(ctx, s.querier(), inactiveSince)
}

// SetOpportunityEmbedding writes one embedding guarded by the field text.
func (s *SQLiteStorage) SetOpportunityEmbedding(ctx context.Context, u EmbeddingUpdate) (bool, error) {
	return s.setOpportunityEmbeddingWithQuerier(ctx, s.querier(), u)
}

func (s *SQLiteStorage) ListOpportunityEmbeddings(ctx context.Context, fn func(EmbeddingRecord) error) error {
	return s.listOpportunityEmbeddingsWithQuerier(ctx, s.querier(), fn)
}

func (s *SQLiteStorage) UpsertUser(ctx context.Context, user *types.User) error {
	return s.upsertUserWithQuerier(ctx, s.querier(), user)
}

func (s *SQLiteStorage) GetUser(ctx context.Context, id string) (*types.User, error) {
	return s.getUserWithQuerier(ctx, s.querier(), id)
}

func (s *SQLiteStorage) UpsertPreferences(ctx context.Context, prefs *types.UserPreference) error {
	return s.upsertPreferencesWithQuerier(ctx, s.querier(), prefs)
}

func (s *SQLiteStorage) GetPreferences(ctx context.Context, userID string) (*types.UserPreference, error) {
	return s.getPreferencesWithQuerier(ctx, s.querier(), userID)
}

func (s *SQLiteStorage) UpsertInteraction(ctx context.Context, in *types.UserRepositoryInteraction) error {
	return s.upsertInteractionWithQuerier(ctx, s.querier(), in)
}

// GetExcludedRepositoryIDs returns the repositories the user has contributed to
func (s *SQLiteStorage) GetExcludedRepositoryIDs(ctx context.Context, userID string) ([]string, error) {
	return s.getExcludedRepositoryIDsWithQuerier(ctx, s.querier(), userID)
}

func (s *SQLiteStorage) GetStatus(ctx context.Context) (*CatalogStatus, error) {
	return s.getStatusWithQuerier(ctx, s.querier())
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// querier returns the transaction querier
func (t *sqliteTx) querier() querier {
	return t.tx
}

func (t *sqliteTx) UpsertRepository(ctx context.Context, repo *types.Repository) error {
	return t.storage.upsertRepositoryWithQuerier(ctx, t.querier(), repo)
}

func (t *sqliteTx) GetRepository(ctx context.Context, id string) (*types.Repository, error) {
	return t.storage.getRepositoryWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) ListRepositories(ctx context.Context) ([]*types.Repository, error) {
	return t.storage.listRepositoriesWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) DeleteRepository(ctx context.Context, id string) error {
	return t.storage.deleteRepositoryWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) UpdateRepositoryHealth(ctx context.Context, id string, health float64) error {
	return t.storage.updateRepositoryHealthWithQuerier(ctx, t.querier(), id, health)
}

func (t *sqliteTx) UpsertOpportunity(ctx context.Context, opp *types.Opportunity) error {
	return t.storage.upsertOpportunityWithQuerier(ctx, t.querier(), opp)
}

func (t *sqliteTx) GetOpportunity(ctx context.Context, id string) (*types.Opportunity, error) {
	return t.storage.getOpportunityWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) ListCandidateOpportunities(ctx context.Context, filter CandidateFilter) ([]*types.Opportunity, error) {
	return t.storage.listCandidateOpportunitiesWithQuerier(ctx, t.querier(), filter)
}

func (t *sqliteTx) TransitionOpportunityStatus(ctx context.Context, id string, to types.Status) (*types.DataIntegrityWarning, error) {
	return t.storage.transitionWithQuerier(ctx, t.querier(), id, to)
}

func (t *sqliteTx) RecordView(ctx context.Context, id string) error {
	return t.storage.recordEngagementWithQuerier(ctx, t.querier(), id, "views")
}

func (t *sqliteTx) RecordApplication(ctx context.Context, id string) error {
	return t.storage.recordEngagementWithQuerier(ctx, t.querier(), id, "applications")
}

func (t *sqliteTx) RecordCompletion(ctx context.Context, id string) error {
	return t.storage.recordEngagementWithQuerier(ctx, t.querier(), id, "completions")
}

func (t *sqliteTx) ListStaleCandidates(ctx context.Context, inactiveSince time.Time) ([]string, error) {
	return t.storage.listStaleCandidatesWithQuerier(ctx, t.querier(), inactiveSince)
}

func (t *sqliteTx) SetOpportunityEmbedding(ctx context.Context, u EmbeddingUpdate) (bool, error) {
	return t.storage.setOpportunityEmbeddingWithQuerier(ctx, t.querier(), u)
}

func (t *sqliteTx) ListOpportunityEmbeddings(ctx context.Context, fn func(EmbeddingRecord) error) error {
	return t.storage.listOpportunityEmbeddingsWithQuerier(ctx, t.querier(), fn)
}

func (t *sqliteTx) UpsertUser(ctx context.Context, user *types.User) error {
	return t.storage.upsertUserWithQuerier(ctx, t.querier(), user)
}

func (t *sqliteTx) GetUser(ctx context.Context, id string) (*types.User, error) {
	return t.storage.getUserWithQuerier(ctx, t.querier(), id)
}

func (t *sqliteTx) UpsertPreferences(ctx context.Context, prefs *types.UserPreference) error {
	return t.storage.upsertPreferencesWithQuerier(ctx, t.querier(), prefs)
}

func (t *sqliteTx) GetPreferences(ctx context.Context, userID string) (*types.UserPreference, error) {
	return t.storage.getPreferencesWithQuerier(ctx, t.querier(), userID)
}

func (t *sqliteTx) UpsertInteraction(ctx context.Context, in *types.UserRepositoryInteraction) error {
	return t.storage.upsertInteractionWithQuerier(ctx, t.querier(), in)
}

func (t *sqliteTx) GetExcludedRepositoryIDs(ctx context.Context, userID string) ([]string, error) {
	return t.storage.getExcludedRepositoryIDsWithQuerier(ctx, t.querier(), userID)
}

func (t *sqliteTx) GetStatus(ctx context.Context) (*CatalogStatus, error) {
	return t.storage.getStatusWithQuerier(ctx, t.querier())
}

func (t *sqliteTx) Close() error {
	// Transactions don't close the underlying connection
	return nil
}

func (t *sqliteTx) BeginTx(ctx context.Context) (Tx, error) {
	return nil, ErrNestedTx
}
