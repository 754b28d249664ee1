// Package pgstore implements store.Store on PostgreSQL. Index rows live in
// search_index and search_composite, reference edges in reference_edges;
// predicates are rendered to EXISTS subqueries against those tables.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/fhirsearch/internal/search/builder"
	"github.com/ehr/fhirsearch/internal/search/index"
	"github.com/ehr/fhirsearch/internal/search/predicate"
	"github.com/ehr/fhirsearch/internal/search/store"
)

// DB is the subset of *pgxpool.Pool used by the store.
type DB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// Store persists resources and their index rows in PostgreSQL.
type Store struct {
	db DB
}

// New returns a store backed by db.
func New(db DB) *Store {
	return &Store{db: db}
}

var _ store.Store = (*Store)(nil)

var indexColumns = []string{
	"resource_type", "resource_id", "param",
	"value_string", "value_exact", "value_number", "value_start", "value_end",
	"value_system", "value_code", "ref_type", "ref_id",
}

var compositeColumns = []string{
	"resource_type", "resource_id", "param", "tuple", "position",
	"value_string", "value_exact", "value_number", "value_start", "value_end",
	"value_system", "value_code", "ref_type", "ref_id",
}

var edgeColumns = []string{"source_type", "source_id", "path", "target_type", "target_id"}

func (s *Store) Put(ctx context.Context, res *store.Resource, set *index.Set) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var version int
	err = tx.QueryRow(ctx, `
		INSERT INTO resources (resource_type, id, version, document, last_updated, deleted, needs_reindex)
		VALUES ($1, $2, 1, $3, $4, FALSE, $5)
		ON CONFLICT (resource_type, id) DO UPDATE SET
			version = resources.version + 1,
			document = EXCLUDED.document,
			last_updated = EXCLUDED.last_updated,
			deleted = FALSE,
			needs_reindex = EXCLUDED.needs_reindex
		RETURNING version`,
		res.Type, res.ID, []byte(res.Document), res.LastUpdated, set == nil,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("upsert %s/%s: %w", res.Type, res.ID, err)
	}

	if err := deleteRows(ctx, tx, res.Type, res.ID); err != nil {
		return err
	}
	if set != nil {
		if err := copyRows(ctx, tx, set); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit %s/%s: %w", res.Type, res.ID, err)
	}

	res.Version = version
	res.Deleted = false
	res.NeedsReindex = set == nil
	return nil
}

func (s *Store) Delete(ctx context.Context, resourceType, id string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE resources SET deleted = TRUE, needs_reindex = FALSE, version = version + 1, last_updated = $3
		WHERE resource_type = $1 AND id = $2 AND NOT deleted`,
		resourceType, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", resourceType, id, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	if err := deleteRows(ctx, tx, resourceType, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) Get(ctx context.Context, resourceType, id string) (*store.Resource, error) {
	var res store.Resource
	var doc []byte
	err := s.db.QueryRow(ctx, `
		SELECT resource_type, id, version, document, last_updated, deleted, needs_reindex
		FROM resources WHERE resource_type = $1 AND id = $2`,
		resourceType, id,
	).Scan(&res.Type, &res.ID, &res.Version, &doc, &res.LastUpdated, &res.Deleted, &res.NeedsReindex)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", resourceType, id, err)
	}
	if res.Deleted {
		return nil, store.ErrDeleted
	}
	res.Document = doc
	return &res, nil
}

func (s *Store) PendingReindex(ctx context.Context, limit int) ([]store.Resource, error) {
	rows, err := s.db.Query(ctx, `
		SELECT resource_type, id, version, document, last_updated
		FROM resources WHERE needs_reindex AND NOT deleted
		ORDER BY resource_type, id LIMIT NULLIF($1::int, 0)`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending reindex: %w", err)
	}
	out, err := scanResources(rows)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].NeedsReindex = true
	}
	return out, nil
}

func (s *Store) Reindex(ctx context.Context, res *store.Resource, set *index.Set) error {
	if set == nil {
		return fmt.Errorf("reindex %s/%s: nil index set", res.Type, res.ID)
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE resources SET needs_reindex = FALSE
		WHERE resource_type = $1 AND id = $2 AND version = $3 AND NOT deleted`,
		res.Type, res.ID, res.Version)
	if err != nil {
		return fmt.Errorf("reindex %s/%s: %w", res.Type, res.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrStale
	}
	if err := deleteRows(ctx, tx, res.Type, res.ID); err != nil {
		return err
	}
	if err := copyRows(ctx, tx, set); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reindex %s/%s: %w", res.Type, res.ID, err)
	}
	res.NeedsReindex = false
	return nil
}

// Snapshot opens a read-only repeatable-read transaction so every query of
// one search sees the same data.
func (s *Store) Snapshot(ctx context.Context) (store.Reader, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	return &reader{tx: tx}, nil
}

func deleteRows(ctx context.Context, tx pgx.Tx, resourceType, id string) error {
	for _, q := range []string{
		"DELETE FROM search_index WHERE resource_type = $1 AND resource_id = $2",
		"DELETE FROM search_composite WHERE resource_type = $1 AND resource_id = $2",
		"DELETE FROM reference_edges WHERE source_type = $1 AND source_id = $2",
	} {
		if _, err := tx.Exec(ctx, q, resourceType, id); err != nil {
			return fmt.Errorf("clear index rows for %s/%s: %w", resourceType, id, err)
		}
	}
	return nil
}

func valueRow(v index.Value) []interface{} {
	var num interface{}
	if v.Number != nil {
		num = numeric(*v.Number)
	}
	return []interface{}{
		v.String, v.Exact, num, v.Start, v.End,
		v.System, v.Code, v.RefType, v.RefID,
	}
}

func copyRows(ctx context.Context, tx pgx.Tx, set *index.Set) error {
	if len(set.Entries) > 0 {
		rows := make([][]interface{}, 0, len(set.Entries))
		for _, e := range set.Entries {
			rows = append(rows, append([]interface{}{e.ResourceType, e.ResourceID, e.Param}, valueRow(e.Value)...))
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"search_index"}, indexColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy search_index rows: %w", err)
		}
	}

	if len(set.Composites) > 0 {
		var rows [][]interface{}
		for tuple, c := range set.Composites {
			for pos, v := range c.Components {
				rows = append(rows, append([]interface{}{c.ResourceType, c.ResourceID, c.Param, tuple, pos}, valueRow(v)...))
			}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"search_composite"}, compositeColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy search_composite rows: %w", err)
		}
	}

	if len(set.Edges) > 0 {
		rows := make([][]interface{}, 0, len(set.Edges))
		for _, e := range set.Edges {
			rows = append(rows, []interface{}{e.SourceType, e.SourceID, e.Path, e.TargetType, e.TargetID})
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"reference_edges"}, edgeColumns, pgx.CopyFromRows(rows)); err != nil {
			return fmt.Errorf("copy reference_edges rows: %w", err)
		}
	}
	return nil
}

func scanResources(rows pgx.Rows) ([]store.Resource, error) {
	defer rows.Close()
	var out []store.Resource
	for rows.Next() {
		var r store.Resource
		var doc []byte
		if err := rows.Scan(&r.Type, &r.ID, &r.Version, &doc, &r.LastUpdated); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		r.Document = doc
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return out, nil
}

// reader serializes its queries; a pgx transaction runs one statement at a
// time.
type reader struct {
	mu sync.Mutex
	tx pgx.Tx
}

func (r *reader) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	err := r.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

func (r *reader) Count(ctx context.Context, q *builder.Query) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sql, args, err := countSQL(q)
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.tx.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", q.ResourceType, err)
	}
	return n, nil
}

func (r *reader) Find(ctx context.Context, q *builder.Query) ([]store.Resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sql, args, err := findSQL(q)
	if err != nil {
		return nil, err
	}
	rows, err := r.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", q.ResourceType, err)
	}
	out, err := scanResources(rows)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []store.Resource{}
	}
	return out, nil
}

func (r *reader) IDs(ctx context.Context, resourceType string, where predicate.Expr) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sql, args, err := idsSQL(resourceType, where)
	if err != nil {
		return nil, err
	}
	rows, err := r.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("ids %s: %w", resourceType, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect ids %s: %w", resourceType, err)
	}
	return ids, nil
}

const edgeSelect = `SELECT e.source_type, e.source_id, e.path, e.target_type, e.target_id
	FROM reference_edges e
	JOIN resources r ON r.resource_type = e.source_type AND r.id = e.source_id`

func (r *reader) EdgesFrom(ctx context.Context, sourceType string, sourceIDs []string, path string) ([]index.Edge, error) {
	if len(sourceIDs) == 0 {
		return nil, nil
	}
	sql := edgeSelect + ` WHERE e.source_type = $1 AND e.source_id = ANY($2) AND e.path = $3 AND ` + liveClause("r") +
		` ORDER BY e.source_id, e.target_type, e.target_id`
	return r.edges(ctx, sql, sourceType, sourceIDs, path)
}

func (r *reader) EdgesTo(ctx context.Context, sourceType, path, targetType string, targetIDs []string) ([]index.Edge, error) {
	if len(targetIDs) == 0 {
		return nil, nil
	}
	sql := edgeSelect + ` WHERE e.source_type = $1 AND e.path = $2 AND e.target_type = $3 AND e.target_id = ANY($4) AND ` + liveClause("r") +
		` ORDER BY e.source_id`
	return r.edges(ctx, sql, sourceType, path, targetType, targetIDs)
}

func (r *reader) edges(ctx context.Context, sql string, args ...interface{}) ([]index.Edge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rows, err := r.tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()
	var out []index.Edge
	for rows.Next() {
		var e index.Edge
		if err := rows.Scan(&e.SourceType, &e.SourceID, &e.Path, &e.TargetType, &e.TargetID); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return out, nil
}

// Fetch returns live resources in the order of keys.
func (r *reader) Fetch(ctx context.Context, keys []store.Key) ([]store.Resource, error) {
	if len(keys) == 0 {
		return []store.Resource{}, nil
	}
	types := make([]string, len(keys))
	ids := make([]string, len(keys))
	for i, k := range keys {
		types[i], ids[i] = k.Type, k.ID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.tx.Query(ctx, `SELECT `+resourceCols+`
		FROM resources r
		JOIN unnest($1::text[], $2::text[]) AS k(resource_type, id)
			ON r.resource_type = k.resource_type AND r.id = k.id
		WHERE `+liveClause("r"), types, ids)
	if err != nil {
		return nil, fmt.Errorf("fetch resources: %w", err)
	}
	found, err := scanResources(rows)
	if err != nil {
		return nil, err
	}
	byKey := make(map[store.Key]store.Resource, len(found))
	for _, res := range found {
		byKey[store.Key{Type: res.Type, ID: res.ID}] = res
	}
	out := make([]store.Resource, 0, len(found))
	for _, k := range keys {
		if res, ok := byKey[k]; ok {
			out = append(out, res)
			delete(byKey, k)
		}
	}
	return out, nil
}
