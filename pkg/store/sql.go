package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wardenproject/warden/pkg/counter"
	"github.com/wardenproject/warden/pkg/model"
)

// SQLStore implements Store over database/sql. Production runs it against
// PostgreSQL (lib/pq); tests run the same SQL against in-memory sqlite.
//
// Mutations take an in-process lock in addition to their transaction: the
// service is logically single-writer, and the lock guarantees counter
// advancement is observed in write order even on backends without
// serializable isolation.
type SQLStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Open connects to PostgreSQL and applies pending migrations.
func Open(ctx context.Context, url string) (*SQLStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return NewSQLStore(db), nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// CreateRole inserts a role; ErrRoleExists when the name is taken.
func (s *SQLStore) CreateRole(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO roles (name, created_at) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		name, time.Now())
	if err != nil {
		return fmt.Errorf("create role: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create role: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRoleExists, name)
	}
	return nil
}

// DropRole deletes the role, its group links and every privilege it holds
// in a single transaction, advancing the privilege counter once when any
// privilege row went away.
func (s *SQLStore) DropRole(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM roles WHERE name = $1`, name)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: %s", ErrRoleNotFound, name)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM group_roles WHERE role_name = $1`, name); err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx,
			`DELETE FROM privileges WHERE principal_type = $1 AND principal_name = $2`,
			string(model.PrincipalRole), name)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n > 0 {
			if _, err := advanceCounter(ctx, tx, counter.PermChange, 1); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) RoleExists(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM roles WHERE name = $1`, name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("role exists: %w", err)
	}
	return true, nil
}

func (s *SQLStore) ListRoles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// AddGroupsToRole links groups to a role. Existing links are left alone.
func (s *SQLStore) AddGroupsToRole(ctx context.Context, role string, groups []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRole(ctx, tx, role); err != nil {
			return err
		}
		now := time.Now()
		for _, g := range groups {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO group_roles (group_name, role_name, created_at) VALUES ($1, $2, $3)
				 ON CONFLICT (group_name, role_name) DO NOTHING`,
				g, role, now)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) DeleteGroupsFromRole(ctx context.Context, role string, groups []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRole(ctx, tx, role); err != nil {
			return err
		}
		for _, g := range groups {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM group_roles WHERE group_name = $1 AND role_name = $2`, g, role); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) RolesForGroups(ctx context.Context, groups []string) ([]string, error) {
	if len(groups) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(groups))
	args := make([]interface{}, len(groups))
	for i, g := range groups {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = g
	}
	query := fmt.Sprintf(
		`SELECT DISTINCT role_name FROM group_roles WHERE group_name IN (%s) ORDER BY role_name`,
		strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("roles for groups: %w", err)
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan role name: %w", err)
		}
		roles = append(roles, name)
	}
	return roles, rows.Err()
}

// GrantPrivileges inserts the batch for a role and advances the privilege
// counter by one per row written, all in one transaction. Re-granting an
// identical privilege is a no-op except that a grant option upgrade is
// applied. URI-scoped writes additionally advance the path counter.
func (s *SQLStore) GrantPrivileges(ctx context.Context, role string, privs []model.Privilege) (Seq, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq Seq
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRole(ctx, tx, role); err != nil {
			return err
		}
		principal := model.Principal{Type: model.PrincipalRole, Name: role}
		var writes, pathWrites int64
		now := time.Now()
		for _, p := range privs {
			p = p.Normalize()
			p.Synthesized = false
			n, err := insertPrivilege(ctx, tx, principal, p, now)
			if err != nil {
				return err
			}
			writes += n
			if p.Scope == model.URI {
				pathWrites += n
			}
		}
		return advanceAndObserve(ctx, tx, writes, pathWrites, 0, &seq)
	})
	return seq, err
}

// RevokePrivileges deletes matching explicit rows; synthesized owner rows
// for the same identity are never touched.
func (s *SQLStore) RevokePrivileges(ctx context.Context, role string, privs []model.Privilege) (Seq, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq Seq
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireRole(ctx, tx, role); err != nil {
			return err
		}
		var writes, pathWrites int64
		for _, p := range privs {
			p = p.Normalize()
			res, err := tx.ExecContext(ctx,
				`DELETE FROM privileges
				 WHERE principal_type = $1 AND principal_name = $2
				   AND scope = $3 AND server = $4 AND db_name = $5 AND tbl_name = $6
				   AND col_name = $7 AND uri = $8 AND action = $9 AND synthesized = $10`,
				string(model.PrincipalRole), role,
				p.Scope.String(), p.Server, p.Database, p.Table, p.Column, p.URI,
				string(p.Action), false)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			writes += n
			if p.Scope == model.URI {
				pathWrites += n
			}
		}
		return advanceAndObserve(ctx, tx, writes, pathWrites, 0, &seq)
	})
	return seq, err
}

// SynthesizeOwnerPrivilege installs an owner privilege if an identical one
// is not already present; replays advance the notification watermark but
// write nothing. At most one synthesized row exists per (object, owner).
func (s *SQLStore) SynthesizeOwnerPrivilege(ctx context.Context, owner model.Principal, priv model.Privilege, notificationID int64) (Seq, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq Seq
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p := priv.Normalize()
		p.Synthesized = true
		n, err := insertPrivilege(ctx, tx, owner, p, time.Now())
		if err != nil {
			return err
		}
		var writes int64
		if n > 0 {
			writes = 1
		}
		return advanceAndObserve(ctx, tx, writes, 0, notificationID, &seq)
	})
	return seq, err
}

// TransferOwnerPrivilege applies an ownership change as one transaction:
// every synthesized privilege on the object is removed and, when newPriv is
// non-nil, the new owner's privilege is installed. Readers never observe
// the removed-but-not-reinstalled intermediate state.
func (s *SQLStore) TransferOwnerPrivilege(ctx context.Context, object model.Chain, newOwner model.Principal, newPriv *model.Privilege, notificationID int64) (Seq, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq Seq
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		removed, err := deleteSynthesized(ctx, tx, object)
		if err != nil {
			return err
		}
		var inserted int64
		if newPriv != nil {
			p := newPriv.Normalize()
			p.Synthesized = true
			inserted, err = insertPrivilege(ctx, tx, newOwner, p, time.Now())
			if err != nil {
				return err
			}
		}
		var writes int64
		if removed+inserted > 0 {
			writes = 1
		}
		return advanceAndObserve(ctx, tx, writes, 0, notificationID, &seq)
	})
	return seq, err
}

// DropOwnerPrivileges removes synthesized privileges when the catalog
// object itself is dropped.
func (s *SQLStore) DropOwnerPrivileges(ctx context.Context, object model.Chain, notificationID int64) (Seq, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var seq Seq
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		removed, err := deleteSynthesized(ctx, tx, object)
		if err != nil {
			return err
		}
		var writes int64
		if removed > 0 {
			writes = 1
		}
		return advanceAndObserve(ctx, tx, writes, 0, notificationID, &seq)
	})
	return seq, err
}

func (s *SQLStore) PrivilegesForPrincipals(ctx context.Context, principals []model.Principal) ([]model.Privilege, error) {
	if len(principals) == 0 {
		return nil, nil
	}
	clauses := make([]string, len(principals))
	args := make([]interface{}, 0, len(principals)*2)
	for i, p := range principals {
		clauses[i] = fmt.Sprintf("(principal_type = $%d AND principal_name = $%d)", len(args)+1, len(args)+2)
		args = append(args, string(p.Type), p.Name)
	}
	query := `SELECT scope, server, db_name, tbl_name, col_name, uri, action, grant_option, synthesized
		FROM privileges WHERE ` + strings.Join(clauses, " OR ")
	return s.queryPrivileges(ctx, query, args...)
}

func (s *SQLStore) PrivilegesByRole(ctx context.Context, role string) ([]model.Privilege, error) {
	return s.PrivilegesByPrincipal(ctx, model.Principal{Type: model.PrincipalRole, Name: role})
}

func (s *SQLStore) PrivilegesByPrincipal(ctx context.Context, p model.Principal) ([]model.Privilege, error) {
	return s.queryPrivileges(ctx,
		`SELECT scope, server, db_name, tbl_name, col_name, uri, action, grant_option, synthesized
		 FROM privileges WHERE principal_type = $1 AND principal_name = $2`,
		string(p.Type), p.Name)
}

func (s *SQLStore) CounterValue(ctx context.Context, c counter.Category) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = $1`, string(c)).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("counter %s: %w", c, err)
	}
	return v, nil
}

func (s *SQLStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	row := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM roles),
		(SELECT COUNT(*) FROM privileges),
		(SELECT COUNT(*) FROM group_roles)`)
	if err := row.Scan(&c.Roles, &c.Privileges, &c.GroupLinks); err != nil {
		return Counts{}, fmt.Errorf("store counts: %w", err)
	}
	return c, nil
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) queryPrivileges(ctx context.Context, query string, args ...interface{}) ([]model.Privilege, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query privileges: %w", err)
	}
	defer rows.Close()

	var privs []model.Privilege
	for rows.Next() {
		var p model.Privilege
		var scope, action string
		if err := rows.Scan(&scope, &p.Server, &p.Database, &p.Table, &p.Column, &p.URI,
			&action, &p.GrantOption, &p.Synthesized); err != nil {
			return nil, fmt.Errorf("scan privilege: %w", err)
		}
		t, err := model.ParseObjectType(scope)
		if err != nil {
			return nil, fmt.Errorf("stored privilege: %w", err)
		}
		p.Scope = t
		p.Action = model.Action(action)
		privs = append(privs, p)
	}
	return privs, rows.Err()
}

func requireRole(ctx context.Context, tx *sql.Tx, role string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM roles WHERE name = $1`, role).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrRoleNotFound, role)
	}
	if err != nil {
		return fmt.Errorf("lookup role: %w", err)
	}
	return nil
}

// insertPrivilege writes one privilege row, returning 1 when a row was
// inserted and 0 when the identical privilege already existed. A grant
// option upgrade on an existing row counts as a write.
func insertPrivilege(ctx context.Context, tx *sql.Tx, principal model.Principal, p model.Privilege, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO privileges
			(principal_type, principal_name, scope, server, db_name, tbl_name, col_name, uri, action, grant_option, synthesized, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (principal_type, principal_name, scope, server, db_name, tbl_name, col_name, uri, action, synthesized) DO NOTHING`,
		string(principal.Type), principal.Name,
		p.Scope.String(), p.Server, p.Database, p.Table, p.Column, p.URI,
		string(p.Action), p.GrantOption, p.Synthesized, now)
	if err != nil {
		return 0, fmt.Errorf("insert privilege: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert privilege: %w", err)
	}
	if n == 0 && p.GrantOption {
		res, err := tx.ExecContext(ctx,
			`UPDATE privileges SET grant_option = $1
			 WHERE principal_type = $2 AND principal_name = $3
			   AND scope = $4 AND server = $5 AND db_name = $6 AND tbl_name = $7
			   AND col_name = $8 AND uri = $9 AND action = $10 AND synthesized = $11
			   AND grant_option = $12`,
			true, string(principal.Type), principal.Name,
			p.Scope.String(), p.Server, p.Database, p.Table, p.Column, p.URI,
			string(p.Action), p.Synthesized, false)
		if err != nil {
			return 0, fmt.Errorf("upgrade grant option: %w", err)
		}
		return res.RowsAffected()
	}
	return n, nil
}

// deleteSynthesized removes synthesized privileges scoped to exactly the
// given object.
func deleteSynthesized(ctx context.Context, tx *sql.Tx, object model.Chain) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM privileges
		 WHERE synthesized = $1 AND scope = $2 AND server = $3 AND db_name = $4 AND tbl_name = $5`,
		true, object.Depth().String(),
		object.NameAt(model.Server),
		object.NameAt(model.Database),
		tableNameOf(object))
	if err != nil {
		return 0, fmt.Errorf("delete owner privileges: %w", err)
	}
	return res.RowsAffected()
}

func tableNameOf(object model.Chain) string {
	if object.Depth() != model.Table {
		return ""
	}
	return strings.ToLower(object.NameAt(model.Table))
}

// advanceCounter bumps a counter row inside the caller's transaction.
func advanceCounter(ctx context.Context, tx *sql.Tx, c counter.Category, delta int64) (int64, error) {
	var v int64
	err := tx.QueryRowContext(ctx,
		`UPDATE counters SET value = value + $1 WHERE name = $2 RETURNING value`,
		delta, string(c)).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("advance counter %s: %w", c, err)
	}
	return v, nil
}

// raiseCounter lifts a counter to at least v, keeping it monotonic under
// replayed notifications.
func raiseCounter(ctx context.Context, tx *sql.Tx, c counter.Category, v int64) error {
	if v <= 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx,
		`UPDATE counters SET value = $1 WHERE name = $2 AND value < $1`, v, string(c))
	if err != nil {
		return fmt.Errorf("raise counter %s: %w", c, err)
	}
	return nil
}

// advanceAndObserve applies the counter deltas for a mutation and records
// the resulting values into seq, all inside the same transaction as the
// data writes.
func advanceAndObserve(ctx context.Context, tx *sql.Tx, permWrites, pathWrites, notificationID int64, seq *Seq) error {
	if permWrites > 0 {
		if _, err := advanceCounter(ctx, tx, counter.PermChange, permWrites); err != nil {
			return err
		}
	}
	if pathWrites > 0 {
		if _, err := advanceCounter(ctx, tx, counter.PathChange, pathWrites); err != nil {
			return err
		}
	}
	if err := raiseCounter(ctx, tx, counter.Notification, notificationID); err != nil {
		return err
	}
	return readSeq(ctx, tx, seq)
}

func readSeq(ctx context.Context, tx *sql.Tx, seq *Seq) error {
	rows, err := tx.QueryContext(ctx, `SELECT name, value FROM counters`)
	if err != nil {
		return fmt.Errorf("read counters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var v int64
		if err := rows.Scan(&name, &v); err != nil {
			return fmt.Errorf("scan counter: %w", err)
		}
		switch counter.Category(name) {
		case counter.PermChange:
			seq.Perm = v
		case counter.PathChange:
			seq.Path = v
		case counter.Notification:
			seq.Notification = v
		}
	}
	return rows.Err()
}
