package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS resources (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner TEXT NOT NULL,
	type TEXT NOT NULL,
	attributes TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_resources_owner_type
ON resources(owner, type, id);

CREATE TABLE IF NOT EXISTS linkages (
	source_id INTEGER NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
	relation TEXT NOT NULL,
	target_type TEXT NOT NULL,
	target_id INTEGER NOT NULL,
	many INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (source_id, relation, target_type, target_id)
);

CREATE TABLE IF NOT EXISTS changes (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	owner TEXT NOT NULL,
	op TEXT NOT NULL,
	type TEXT NOT NULL,
	resource_id INTEGER NOT NULL,
	value TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_changes_owner_seq
ON changes(owner, seq);
`

var attributeName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteStore is a SQLite-backed implementation of Store.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// foreign_keys is per connection
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON;"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("enable wal: %w", err)
	}
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func normalizeAttributes(raw json.RawMessage) (string, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return "{}", nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("attributes must be a JSON object: %w", err)
	}
	if obj == nil {
		return "{}", nil
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(out), nil
}

func (s *SQLiteStore) CreateResource(ctx context.Context, owner, typ string, attributes json.RawMessage) (Resource, error) {
	if owner == "" || typ == "" {
		return Resource{}, fmt.Errorf("invalid resource metadata: owner=%q type=%q", owner, typ)
	}
	attrs, err := normalizeAttributes(attributes)
	if err != nil {
		return Resource{}, err
	}
	now := time.Now()
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Resource{}, fmt.Errorf("begin tx: %w", err)
	}
	result, err := transaction.ExecContext(ctx, `
		INSERT INTO resources (owner, type, attributes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, owner, typ, attrs, now.UnixNano(), now.UnixNano())
	if err != nil {
		_ = transaction.Rollback()
		return Resource{}, fmt.Errorf("insert resource: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		_ = transaction.Rollback()
		return Resource{}, fmt.Errorf("resource id: %w", err)
	}
	if err := recordChange(ctx, transaction, owner, ChangeAdd, typ, id, attrs, now); err != nil {
		_ = transaction.Rollback()
		return Resource{}, err
	}
	if err := transaction.Commit(); err != nil {
		return Resource{}, fmt.Errorf("commit resource: %w", err)
	}
	return Resource{
		Owner:      owner,
		Type:       typ,
		ID:         id,
		Attributes: json.RawMessage(attrs),
		CreatedAt:  time.Unix(0, now.UnixNano()),
		UpdatedAt:  time.Unix(0, now.UnixNano()),
	}, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getResource(ctx context.Context, q queryer, owner, typ string, id int64) (Resource, error) {
	res := Resource{Owner: owner, Type: typ, ID: id}
	var attrs string
	var created, updated int64
	err := q.QueryRowContext(ctx, `
		SELECT attributes, created_at, updated_at
		FROM resources
		WHERE owner = ? AND type = ? AND id = ?
	`, owner, typ, id).Scan(&attrs, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Resource{}, fmt.Errorf("%w: %s %d", ErrNotFound, typ, id)
	}
	if err != nil {
		return Resource{}, fmt.Errorf("query resource: %w", err)
	}
	res.Attributes = json.RawMessage(attrs)
	res.CreatedAt = time.Unix(0, created)
	res.UpdatedAt = time.Unix(0, updated)
	return res, nil
}

func (s *SQLiteStore) GetResource(ctx context.Context, owner, typ string, id int64) (Resource, error) {
	return getResource(ctx, s.db, owner, typ, id)
}

func (s *SQLiteStore) ListResources(ctx context.Context, owner, typ string, filter map[string]string) ([]Resource, error) {
	query := `
		SELECT id, attributes, created_at, updated_at
		FROM resources
		WHERE owner = ? AND type = ?`
	args := []any{owner, typ}
	names := make([]string, 0, len(filter))
	for name := range filter {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !attributeName.MatchString(name) {
			return nil, fmt.Errorf("%w: attribute %q", ErrInvalidFilter, name)
		}
		query += ` AND CAST(json_extract(attributes, ?) AS TEXT) = ?`
		args = append(args, "$."+name, filter[name])
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()

	resources := make([]Resource, 0)
	for rows.Next() {
		res := Resource{Owner: owner, Type: typ}
		var attrs string
		var created, updated int64
		if err := rows.Scan(&res.ID, &attrs, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		res.Attributes = json.RawMessage(attrs)
		res.CreatedAt = time.Unix(0, created)
		res.UpdatedAt = time.Unix(0, updated)
		resources = append(resources, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return resources, nil
}

func (s *SQLiteStore) UpdateResource(ctx context.Context, owner, typ string, id int64, attributes json.RawMessage) (Resource, error) {
	attrs, err := normalizeAttributes(attributes)
	if err != nil {
		return Resource{}, err
	}
	now := time.Now()
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Resource{}, fmt.Errorf("begin tx: %w", err)
	}
	result, err := transaction.ExecContext(ctx, `
		UPDATE resources SET attributes = ?, updated_at = ?
		WHERE owner = ? AND type = ? AND id = ?
	`, attrs, now.UnixNano(), owner, typ, id)
	if err != nil {
		_ = transaction.Rollback()
		return Resource{}, fmt.Errorf("update resource: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		_ = transaction.Rollback()
		return Resource{}, fmt.Errorf("%w: %s %d", ErrNotFound, typ, id)
	}
	if err := recordChange(ctx, transaction, owner, ChangeReplace, typ, id, attrs, now); err != nil {
		_ = transaction.Rollback()
		return Resource{}, err
	}
	res, err := getResource(ctx, transaction, owner, typ, id)
	if err != nil {
		_ = transaction.Rollback()
		return Resource{}, err
	}
	if err := transaction.Commit(); err != nil {
		return Resource{}, fmt.Errorf("commit resource: %w", err)
	}
	return res, nil
}

func (s *SQLiteStore) DeleteResource(ctx context.Context, owner, typ string, id int64) error {
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	res, err := getResource(ctx, transaction, owner, typ, id)
	if err != nil {
		_ = transaction.Rollback()
		return err
	}
	if _, err := transaction.ExecContext(ctx, `DELETE FROM resources WHERE id = ?`, id); err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("delete resource: %w", err)
	}
	if err := recordChange(ctx, transaction, owner, ChangeRemove, typ, id, string(res.Attributes), time.Now()); err != nil {
		_ = transaction.Rollback()
		return err
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddLinkages(ctx context.Context, owner, typ string, id int64, relation string, targets []Linkage, many bool) error {
	if relation == "" {
		return errors.New("relation is required")
	}
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := getResource(ctx, transaction, owner, typ, id); err != nil {
		_ = transaction.Rollback()
		return err
	}
	if !many {
		if _, err := transaction.ExecContext(ctx, `
			DELETE FROM linkages WHERE source_id = ? AND relation = ?
		`, id, relation); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("clear to-one linkage: %w", err)
		}
	}
	stmt, err := transaction.PrepareContext(ctx, `
		INSERT OR IGNORE INTO linkages (source_id, relation, target_type, target_id, many)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, target := range targets {
		if target.Type == "" || target.ID <= 0 {
			_ = transaction.Rollback()
			return fmt.Errorf("invalid linkage: type=%q id=%d", target.Type, target.ID)
		}
		if _, err := stmt.ExecContext(ctx, id, relation, target.Type, target.ID, many); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("insert linkage: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit linkages: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveLinkages(ctx context.Context, owner, typ string, id int64, relation string, targets []Linkage) error {
	transaction, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := getResource(ctx, transaction, owner, typ, id); err != nil {
		_ = transaction.Rollback()
		return err
	}
	for _, target := range targets {
		if _, err := transaction.ExecContext(ctx, `
			DELETE FROM linkages
			WHERE source_id = ? AND relation = ? AND target_type = ? AND target_id = ?
		`, id, relation, target.Type, target.ID); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("delete linkage: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("commit linkages: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Relations(ctx context.Context, owner, typ string, id int64) (map[string]Relation, error) {
	if _, err := s.GetResource(ctx, owner, typ, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT relation, target_type, target_id, many
		FROM linkages
		WHERE source_id = ?
		ORDER BY relation ASC, target_type ASC, target_id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query linkages: %w", err)
	}
	defer rows.Close()

	relations := make(map[string]Relation)
	for rows.Next() {
		var name string
		var target Linkage
		var many bool
		if err := rows.Scan(&name, &target.Type, &target.ID, &many); err != nil {
			return nil, fmt.Errorf("scan linkage: %w", err)
		}
		rel := relations[name]
		rel.Many = rel.Many || many
		rel.Targets = append(rel.Targets, target)
		relations[name] = rel
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate linkages: %w", err)
	}
	return relations, nil
}

func (s *SQLiteStore) ChangesSince(ctx context.Context, owner string, since int64) ([]Change, int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, op, type, resource_id, value
		FROM changes
		WHERE owner = ? AND seq > ?
		ORDER BY seq ASC
	`, owner, since)
	if err != nil {
		return nil, 0, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	changes := make([]Change, 0)
	var maxSeq int64
	for rows.Next() {
		var change Change
		var value string
		if err := rows.Scan(&change.Seq, &change.Op, &change.Type, &change.ID, &value); err != nil {
			return nil, 0, fmt.Errorf("scan change: %w", err)
		}
		change.Value = json.RawMessage(value)
		if change.Seq > maxSeq {
			maxSeq = change.Seq
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate changes: %w", err)
	}
	if maxSeq == 0 {
		maxSeq, err = s.maxSeq(ctx, owner)
		if err != nil {
			return nil, 0, err
		}
	}
	return changes, maxSeq, nil
}

func recordChange(ctx context.Context, transaction *sql.Tx, owner, op, typ string, id int64, value string, at time.Time) error {
	_, err := transaction.ExecContext(ctx, `
		INSERT INTO changes (owner, op, type, resource_id, value, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, owner, op, typ, id, value, at.UnixNano())
	if err != nil {
		return fmt.Errorf("record change: %w", err)
	}
	return nil
}

func (s *SQLiteStore) maxSeq(ctx context.Context, owner string) (int64, error) {
	var maxSeq int64
	row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM changes WHERE owner = ?", owner)
	if err := row.Scan(&maxSeq); err != nil {
		return 0, fmt.Errorf("max change seq: %w", err)
	}
	return maxSeq, nil
}
