package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrActiveSessionExists reports that a concurrent start won the race for
// the one-active-session-per-(user, planet) index.
var ErrActiveSessionExists = errors.New("active editing session already exists")

// ErrNodeExists reports a sibling slug collision on insert.
var ErrNodeExists = errors.New("node already exists")

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db dbtx
	// sqlDB is nil when the store is bound to a transaction.
	sqlDB *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, sqlDB: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.sqlDB
}

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *PostgresStore) error) error {
	if s.sqlDB == nil {
		return fn(s)
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PostgresStore{db: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash, avatar_url, bio)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Username, user.Email, user.PasswordHash, user.AvatarURL, user.Bio)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, avatar_url, bio, created_at, updated_at
		FROM users WHERE id=$1
	`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, avatar_url, bio, created_at, updated_at
		FROM users WHERE email=$1
	`, email))
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.AvatarURL,
		&user.Bio,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// UpdateUserProfile overwrites the profile fields that arrive non-empty.
func (s *PostgresStore) UpdateUserProfile(ctx context.Context, userID, email, avatarURL, bio string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users
		SET email=COALESCE(NULLIF($2, ''), email),
		    avatar_url=COALESCE(NULLIF($3, ''), avatar_url),
		    bio=COALESCE(NULLIF($4, ''), bio),
		    updated_at=NOW()
		WHERE id=$1
		RETURNING id, username, email, password_hash, avatar_url, bio, created_at, updated_at
	`, userID, email, avatarURL, bio)
	return s.scanUser(row)
}

// DeleteUser removes the account; the planet, its nodes, sessions and
// backups go with it via cascade.
func (s *PostgresStore) DeleteUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

// ---- planets ----

func (s *PostgresStore) InsertPlanet(ctx context.Context, planet Planet) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO planets (id, user_id, slug, name)
		VALUES ($1, $2, $3, $4)
	`, planet.ID, planet.UserID, planet.Slug, planet.Name)
	if err != nil {
		return fmt.Errorf("insert planet: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPlanetByUser(ctx context.Context, userID string) (*Planet, error) {
	var planet Planet
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, slug, name, created_at, updated_at
		FROM planets WHERE user_id=$1
	`, userID).Scan(&planet.ID, &planet.UserID, &planet.Slug, &planet.Name, &planet.CreatedAt, &planet.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get planet by user: %w", err)
	}
	return &planet, nil
}

func (s *PostgresStore) GetPlanetBySlug(ctx context.Context, slug string) (Planet, error) {
	var planet Planet
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, slug, name, created_at, updated_at
		FROM planets WHERE slug=$1
	`, slug).Scan(&planet.ID, &planet.UserID, &planet.Slug, &planet.Name, &planet.CreatedAt, &planet.UpdatedAt)
	if err != nil {
		return Planet{}, err
	}
	return planet, nil
}

func (s *PostgresStore) ListPlanets(ctx context.Context) ([]Planet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, slug, name, created_at, updated_at
		FROM planets
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list planets: %w", err)
	}
	defer rows.Close()

	items := make([]Planet, 0)
	for rows.Next() {
		var planet Planet
		if err := rows.Scan(&planet.ID, &planet.UserID, &planet.Slug, &planet.Name, &planet.CreatedAt, &planet.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan planet: %w", err)
		}
		items = append(items, planet)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate planets: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RenamePlanet(ctx context.Context, planetID, name string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE planets SET name=$2, updated_at=NOW() WHERE id=$1
	`, planetID, name)
	if err != nil {
		return false, fmt.Errorf("rename planet: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rename planet rows: %w", err)
	}
	return affected > 0, nil
}

// ---- nodes ----

const nodeColumns = `id, planet_id, slug, title, namespace, depth, file_path, type, tier, COALESCE(content, ''), metadata, sort_order, created_at, updated_at`

func scanNode(scan func(dest ...any) error) (Node, error) {
	var node Node
	var metadataRaw []byte
	err := scan(
		&node.ID,
		&node.PlanetID,
		&node.Slug,
		&node.Title,
		&node.Namespace,
		&node.Depth,
		&node.FilePath,
		&node.Type,
		&node.Tier,
		&node.Content,
		&metadataRaw,
		&node.SortOrder,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return Node{}, err
	}
	_ = json.Unmarshal(metadataRaw, &node.Metadata)
	return node, nil
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (Node, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id=$1`, nodeID)
	return scanNode(row.Scan)
}

func (s *PostgresStore) GetNodeByPath(ctx context.Context, planetID, filePath string) (Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+nodeColumns+` FROM nodes WHERE planet_id=$1 AND file_path=$2
	`, planetID, filePath)
	return scanNode(row.Scan)
}

func (s *PostgresStore) ListNodes(ctx context.Context, planetID string) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE planet_id=$1
		ORDER BY namespace ASC, sort_order ASC, slug ASC
	`, planetID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	items := make([]Node, 0)
	for rows.Next() {
		node, err := scanNode(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		items = append(items, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nodes: %w", err)
	}
	return items, nil
}

// NodeHasChildren reports whether any node lives at or below the given
// tree path.
func (s *PostgresStore) NodeHasChildren(ctx context.Context, planetID, filePath string) (bool, error) {
	// starts_with instead of LIKE: slugs may contain '_', which LIKE
	// treats as a wildcard, so "a_b" would claim "axb/..." descendants.
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM nodes
			WHERE planet_id=$1 AND (namespace=$2 OR starts_with(namespace, $2 || '/'))
		)
	`, planetID, filePath).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check node children: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) insertNode(ctx context.Context, node Node, ignoreConflict bool) error {
	metadata := node.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal node metadata: %w", err)
	}
	// Timestamps are written explicitly rather than left to the column
	// defaults: a node reinserted from a backup snapshot must come back
	// with the same created_at/updated_at it had before the session.
	query := `
		INSERT INTO nodes (id, planet_id, slug, title, namespace, depth, file_path, type, tier, content, metadata, sort_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11::jsonb, $12, $13, $14)
	`
	if ignoreConflict {
		query += ` ON CONFLICT DO NOTHING`
	}
	_, err = s.db.ExecContext(ctx, query,
		node.ID, node.PlanetID, node.Slug, node.Title, node.Namespace, node.Depth,
		node.FilePath, node.Type, node.Tier, node.Content, string(encoded), node.SortOrder,
		node.CreatedAt, node.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrNodeExists
	}
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	return nil
}

func (s *PostgresStore) updateNodeFields(ctx context.Context, node Node) (bool, error) {
	metadata := node.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return false, fmt.Errorf("marshal node metadata: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE nodes
		SET title=$2, content=NULLIF($3, ''), metadata=$4::jsonb, sort_order=$5, updated_at=NOW()
		WHERE id=$1
	`, node.ID, node.Title, node.Content, string(encoded), node.SortOrder)
	if err != nil {
		return false, fmt.Errorf("update node: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update node rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) deleteNode(ctx context.Context, nodeID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id=$1`, nodeID)
	if err != nil {
		return false, fmt.Errorf("delete node: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete node rows: %w", err)
	}
	return affected > 0, nil
}

// ---- editing sessions ----

func (s *PostgresStore) InsertSession(ctx context.Context, session EditingSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO editing_sessions (id, user_id, planet_id, started_at, is_active)
		VALUES ($1, $2, $3, $4, $5)
	`, session.ID, session.UserID, session.PlanetID, session.StartedAt, session.IsActive)
	if isUniqueViolation(err) {
		return ErrActiveSessionExists
	}
	if err != nil {
		return fmt.Errorf("insert editing session: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (EditingSession, error) {
	var session EditingSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, planet_id, started_at, is_active
		FROM editing_sessions WHERE id=$1
	`, sessionID).Scan(&session.ID, &session.UserID, &session.PlanetID, &session.StartedAt, &session.IsActive)
	if err != nil {
		return EditingSession{}, err
	}
	return session, nil
}

func (s *PostgresStore) GetActiveSession(ctx context.Context, userID, planetID string) (*EditingSession, error) {
	var session EditingSession
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, planet_id, started_at, is_active
		FROM editing_sessions
		WHERE user_id=$1 AND planet_id=$2 AND is_active
	`, userID, planetID).Scan(&session.ID, &session.UserID, &session.PlanetID, &session.StartedAt, &session.IsActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session: %w", err)
	}
	return &session, nil
}

// CloseSession marks an active session applied. Backups stay behind as
// audit history.
func (s *PostgresStore) CloseSession(ctx context.Context, sessionID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE editing_sessions SET is_active=FALSE WHERE id=$1 AND is_active
	`, sessionID)
	if err != nil {
		return false, fmt.Errorf("close editing session: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("close editing session rows: %w", err)
	}
	return affected > 0, nil
}

// ---- backups ----

func (s *PostgresStore) insertBackup(ctx context.Context, sessionID string, node Node, action string) error {
	var snapshot any
	if action != BackupCreate {
		encoded, err := json.Marshal(node)
		if err != nil {
			return fmt.Errorf("marshal node snapshot: %w", err)
		}
		snapshot = string(encoded)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_backups (session_id, node_id, action, snapshot)
		VALUES ($1, $2, $3, $4::jsonb)
	`, sessionID, node.ID, action, snapshot)
	if err != nil {
		return fmt.Errorf("insert node backup: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSessionBackups(ctx context.Context, sessionID string) ([]NodeBackup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, node_id, action, snapshot, created_at
		FROM node_backups
		WHERE session_id=$1
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session backups: %w", err)
	}
	defer rows.Close()

	items := make([]NodeBackup, 0)
	for rows.Next() {
		var backup NodeBackup
		var snapshotRaw []byte
		if err := rows.Scan(&backup.ID, &backup.SessionID, &backup.NodeID, &backup.Action, &snapshotRaw, &backup.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node backup: %w", err)
		}
		if len(snapshotRaw) > 0 {
			var node Node
			if err := json.Unmarshal(snapshotRaw, &node); err != nil {
				return nil, fmt.Errorf("unmarshal node snapshot: %w", err)
			}
			backup.Snapshot = &node
		}
		items = append(items, backup)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate node backups: %w", err)
	}
	return items, nil
}

// ---- gateway writes: backup first, then mutate, one transaction ----

// CreateNodeWithBackup inserts the node and a tombstone backup in one
// transaction. The backup goes in first: a backup without a node is
// harmless, a node without a backup is not revertible.
func (s *PostgresStore) CreateNodeWithBackup(ctx context.Context, sessionID string, node Node) error {
	return s.withTx(ctx, func(tx *PostgresStore) error {
		if err := tx.insertBackup(ctx, sessionID, node, BackupCreate); err != nil {
			return err
		}
		return tx.insertNode(ctx, node, false)
	})
}

// UpdateNodeWithBackup snapshots the prior state and overwrites the
// mutable fields in one transaction.
func (s *PostgresStore) UpdateNodeWithBackup(ctx context.Context, sessionID string, prior, updated Node) error {
	return s.withTx(ctx, func(tx *PostgresStore) error {
		if err := tx.insertBackup(ctx, sessionID, prior, BackupUpdate); err != nil {
			return err
		}
		changed, err := tx.updateNodeFields(ctx, updated)
		if err != nil {
			return err
		}
		if !changed {
			return sql.ErrNoRows
		}
		return nil
	})
}

// DeleteNodeWithBackup snapshots the node and removes it in one
// transaction.
func (s *PostgresStore) DeleteNodeWithBackup(ctx context.Context, sessionID string, prior Node) error {
	return s.withTx(ctx, func(tx *PostgresStore) error {
		if err := tx.insertBackup(ctx, sessionID, prior, BackupDelete); err != nil {
			return err
		}
		deleted, err := tx.deleteNode(ctx, prior.ID)
		if err != nil {
			return err
		}
		if !deleted {
			return sql.ErrNoRows
		}
		return nil
	})
}

// ---- restore ----

// DiscardSession replays a session's backups newest-first, applying the
// structural inverse of each recorded action, then removes the session and
// its backups. Everything runs in one transaction so an interrupted
// discard leaves the session active and fully replayable.
//
// Inverses tolerate partial prior application: a create's node may already
// be gone, a delete's node may already be back. Re-running converges on
// the same pre-session state.
func (s *PostgresStore) DiscardSession(ctx context.Context, sessionID string) error {
	return s.withTx(ctx, func(tx *PostgresStore) error {
		backups, err := tx.ListSessionBackups(ctx, sessionID)
		if err != nil {
			return err
		}
		for i := len(backups) - 1; i >= 0; i-- {
			if err := tx.applyInverse(ctx, backups[i]); err != nil {
				return err
			}
		}
		if _, err := tx.db.ExecContext(ctx, `DELETE FROM editing_sessions WHERE id=$1`, sessionID); err != nil {
			return fmt.Errorf("delete editing session: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) restoreNodeFields(ctx context.Context, node Node) error {
	metadata := node.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal node metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE nodes
		SET title=$2, content=NULLIF($3, ''), metadata=$4::jsonb, sort_order=$5, updated_at=$6
		WHERE id=$1
	`, node.ID, node.Title, node.Content, string(encoded), node.SortOrder, node.UpdatedAt)
	if err != nil {
		return fmt.Errorf("restore node: %w", err)
	}
	return nil
}

func (s *PostgresStore) applyInverse(ctx context.Context, backup NodeBackup) error {
	switch backup.Action {
	case BackupCreate:
		// Inverse of create: delete. Already-gone is fine.
		if _, err := s.deleteNode(ctx, backup.NodeID); err != nil {
			return err
		}
		return nil
	case BackupUpdate:
		// Inverse of update: put the snapshot's mutable fields back.
		// A zero-row update means the node was deleted later in the
		// session; its own backup handles it.
		if backup.Snapshot == nil {
			return nil
		}
		return s.restoreNodeFields(ctx, *backup.Snapshot)
	case BackupDelete:
		// Inverse of delete: reinsert the snapshot under its original
		// identifier. Conflicts mean a prior partial restore already
		// brought it back.
		if backup.Snapshot == nil {
			return nil
		}
		return s.insertNode(ctx, *backup.Snapshot, true)
	default:
		return fmt.Errorf("unknown backup action %q", backup.Action)
	}
}
