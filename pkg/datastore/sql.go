package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/questboard/pkg/apperrors"
	"github.com/NicolasHaas/questboard/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
	now func() time.Time
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory provides SQLite-backed access to all questboard entities.
type ProviderFactory struct {
	DB *sql.DB

	// Now stamps created/updated times. Defaults to time.Now in UTC.
	Now func() time.Time
}

func (sf *ProviderFactory) clock() func() time.Time {
	if sf.Now != nil {
		return sf.Now
	}
	return func() time.Time { return time.Now().UTC() }
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB:  sf.DB,
			now: sf.clock(),
		},
	}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datastore: begin: %w", err)
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB:  tx,
			now: sf.clock(),
		},
		tx: tx,
	}, nil
}

// dsn appends connection parameters to a database path. Pragmas given in
// the DSN apply to every pooled connection; _txlock=immediate makes writers
// take the database lock at BEGIN instead of on first write.
func dsn(dbPath string) string {
	if strings.Contains(dbPath, "?") {
		return dbPath
	}
	return dbPath +
		"?_txlock=immediate" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=journal_mode(WAL)"
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	s := &ProviderFactory{DB: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

func (s *ProviderFactory) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id            INTEGER PRIMARY KEY,
		name          TEXT    NOT NULL CHECK(length(name) > 0),
		age           INTEGER NOT NULL CHECK(age >= 14 AND age <= 99),
		city          TEXT    NOT NULL DEFAULT '',
		time_zone     TEXT    NOT NULL DEFAULT '',
		is_player     INTEGER NOT NULL DEFAULT 0,
		is_master     INTEGER NOT NULL DEFAULT 0,
		plays_online  INTEGER NOT NULL DEFAULT 0,
		plays_offline INTEGER NOT NULL DEFAULT 0,
		bio           TEXT    NOT NULL DEFAULT '',
		created_at    TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS player_profiles (
		user_id    INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		experience INTEGER NOT NULL,
		payment    INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS player_systems (
		user_id INTEGER NOT NULL REFERENCES player_profiles(user_id) ON DELETE CASCADE,
		system  TEXT    NOT NULL,
		PRIMARY KEY (user_id, system)
	);

	CREATE TABLE IF NOT EXISTS master_profiles (
		user_id              INTEGER PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		experience           INTEGER NOT NULL,
		default_cost         TEXT    NOT NULL DEFAULT '',
		default_place        TEXT    NOT NULL DEFAULT '',
		default_platform     TEXT    NOT NULL DEFAULT '',
		default_requirements TEXT    NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		title        TEXT    NOT NULL CHECK(length(title) > 0),
		description  TEXT    NOT NULL DEFAULT '',
		system       TEXT    NOT NULL DEFAULT '',
		format       INTEGER NOT NULL,
		type         INTEGER NOT NULL,
		cost         TEXT    NOT NULL DEFAULT '',
		place        TEXT    NOT NULL DEFAULT '',
		platform     TEXT    NOT NULL DEFAULT '',
		time         TEXT    NOT NULL DEFAULT '',
		requirements TEXT    NOT NULL DEFAULT '',
		min_players  INTEGER NOT NULL CHECK(min_players >= 1),
		max_players  INTEGER NOT NULL CHECK(max_players <= 20 AND max_players >= min_players),
		min_age      INTEGER NOT NULL CHECK(min_age >= 14),
		max_age      INTEGER NOT NULL CHECK(max_age <= 99 AND max_age >= min_age),
		status       TEXT    NOT NULL CHECK(status IN ('recruiting_closed', 'recruiting_open', 'completed')),
		master_id    INTEGER NOT NULL REFERENCES users(id),
		created_at   TEXT    NOT NULL DEFAULT (datetime('now')),
		updated_at   TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE INDEX IF NOT EXISTS sessions_status ON sessions(status, id);
	CREATE INDEX IF NOT EXISTS sessions_master ON sessions(master_id);

	CREATE TABLE IF NOT EXISTS session_members (
		session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		user_id    INTEGER NOT NULL,
		state      TEXT    NOT NULL CHECK(state IN ('player', 'request')),
		PRIMARY KEY (session_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS session_members_user ON session_members(user_id);

	CREATE TABLE IF NOT EXISTS placements (
		user_id    INTEGER NOT NULL,
		session_id INTEGER NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		role       INTEGER NOT NULL CHECK(role IN (1, 2)),
		folder     TEXT    NOT NULL CHECK(folder IN ('active', 'archived')),
		PRIMARY KEY (user_id, session_id, role)
	);

	CREATE TABLE IF NOT EXISTS reviews (
		ratee_id   INTEGER NOT NULL,
		role       INTEGER NOT NULL CHECK(role IN (1, 2)),
		rater_id   INTEGER NOT NULL,
		score      INTEGER NOT NULL CHECK(score >= 1 AND score <= 5),
		updated_at TEXT    NOT NULL DEFAULT (datetime('now')),
		PRIMARY KEY (ratee_id, role, rater_id)
	);
	`
	const outbox = `
	CREATE TABLE IF NOT EXISTS outbox (
		id           TEXT PRIMARY KEY,
		kind         TEXT NOT NULL,
		payload      BLOB NOT NULL,
		created_at   TEXT NOT NULL DEFAULT (datetime('now')),
		delivered_at TEXT
	);

	CREATE INDEX IF NOT EXISTS outbox_pending ON outbox(delivered_at);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{version: 1, statements: []string{schema}},
		{version: 2, statements: []string{outbox}},
		{version: 3, statements: []string{
			"ALTER TABLE sessions ADD COLUMN edition TEXT NOT NULL DEFAULT ''",
			"ALTER TABLE sessions ADD COLUMN setting TEXT NOT NULL DEFAULT ''",
		}},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migrate v%d: %w", m.version, err)
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ---- Users ----

// SaveUser inserts or updates a user and replaces its sub-profiles.
func (s *baseProvider) SaveUser(ctx context.Context, u *model.User) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("datastore: save user: %w", err)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC().Truncate(time.Second)
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO users (id, name, age, city, time_zone, is_player, is_master, plays_online, plays_offline, bio, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name, age = excluded.age, city = excluded.city, time_zone = excluded.time_zone,
			is_player = excluded.is_player, is_master = excluded.is_master,
			plays_online = excluded.plays_online, plays_offline = excluded.plays_offline, bio = excluded.bio`,
		u.ID, u.Name, u.Age, u.City, u.TimeZone,
		boolInt(u.Roles.Player), boolInt(u.Roles.Master),
		boolInt(u.Formats.Online), boolInt(u.Formats.Offline),
		u.Bio, formatDBTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("datastore: save user: %w", err)
	}
	if err := s.savePlayerProfile(ctx, u.ID, u.Player); err != nil {
		return err
	}
	return s.saveMasterProfile(ctx, u.ID, u.Master)
}

func (s *baseProvider) savePlayerProfile(ctx context.Context, userID int64, p *model.PlayerProfile) error {
	if _, err := s.ExecContext(ctx, "DELETE FROM player_systems WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("datastore: save player profile: %w", err)
	}
	if p == nil {
		if _, err := s.ExecContext(ctx, "DELETE FROM player_profiles WHERE user_id = ?", userID); err != nil {
			return fmt.Errorf("datastore: save player profile: %w", err)
		}
		return nil
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO player_profiles (user_id, experience, payment) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET experience = excluded.experience, payment = excluded.payment`,
		userID, int(p.Experience), int(p.Payment))
	if err != nil {
		return fmt.Errorf("datastore: save player profile: %w", err)
	}
	for _, system := range p.Systems {
		if _, err := s.ExecContext(ctx, "INSERT INTO player_systems (user_id, system) VALUES (?, ?)", userID, system); err != nil {
			return fmt.Errorf("datastore: save player systems: %w", err)
		}
	}
	return nil
}

func (s *baseProvider) saveMasterProfile(ctx context.Context, userID int64, m *model.MasterProfile) error {
	if m == nil {
		if _, err := s.ExecContext(ctx, "DELETE FROM master_profiles WHERE user_id = ?", userID); err != nil {
			return fmt.Errorf("datastore: save master profile: %w", err)
		}
		return nil
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO master_profiles (user_id, experience, default_cost, default_place, default_platform, default_requirements)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			experience = excluded.experience, default_cost = excluded.default_cost,
			default_place = excluded.default_place, default_platform = excluded.default_platform,
			default_requirements = excluded.default_requirements`,
		userID, int(m.Experience), m.DefaultCost, m.DefaultPlace, m.DefaultPlatform, m.DefaultRequirements)
	if err != nil {
		return fmt.Errorf("datastore: save master profile: %w", err)
	}
	return nil
}

const userColumns = "id, name, age, city, time_zone, is_player, is_master, plays_online, plays_offline, bio, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	var createdAt string
	err := row.Scan(&u.ID, &u.Name, &u.Age, &u.City, &u.TimeZone,
		&u.Roles.Player, &u.Roles.Master, &u.Formats.Online, &u.Formats.Offline,
		&u.Bio, &createdAt)
	if err != nil {
		return nil, err
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = parsed
	return u, nil
}

// GetUser retrieves a user by id with both sub-profiles attached.
func (s *baseProvider) GetUser(ctx context.Context, id int64) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	if err := s.attachProfiles(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *baseProvider) attachProfiles(ctx context.Context, u *model.User) error {
	p := &model.PlayerProfile{}
	var experience, payment int
	err := s.QueryRowContext(ctx, "SELECT experience, payment FROM player_profiles WHERE user_id = ?", u.ID).
		Scan(&experience, &payment)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		p = nil
	case err != nil:
		return fmt.Errorf("datastore: get player profile: %w", err)
	default:
		p.Experience = model.Experience(experience)
		p.Payment = model.Payment(payment)
		if p.Systems, err = s.listSystems(ctx, u.ID); err != nil {
			return err
		}
		if p.Reviews, err = s.ListReviews(ctx, u.ID, model.RolePlayer); err != nil {
			return err
		}
	}
	u.Player = p

	m := &model.MasterProfile{}
	err = s.QueryRowContext(ctx, `
		SELECT experience, default_cost, default_place, default_platform, default_requirements
		FROM master_profiles WHERE user_id = ?`, u.ID).
		Scan(&experience, &m.DefaultCost, &m.DefaultPlace, &m.DefaultPlatform, &m.DefaultRequirements)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		m = nil
	case err != nil:
		return fmt.Errorf("datastore: get master profile: %w", err)
	default:
		m.Experience = model.Experience(experience)
		if m.Reviews, err = s.ListReviews(ctx, u.ID, model.RoleMaster); err != nil {
			return err
		}
	}
	u.Master = m
	return nil
}

func (s *baseProvider) listSystems(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.QueryContext(ctx, "SELECT system FROM player_systems WHERE user_id = ? ORDER BY system", userID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list systems: %w", err)
	}
	defer func() { _ = rows.Close() }()

	systems := []string{}
	for rows.Next() {
		var system string
		if err := rows.Scan(&system); err != nil {
			return nil, fmt.Errorf("datastore: scan system: %w", err)
		}
		systems = append(systems, system)
	}
	return systems, rows.Err()
}

// ListUsers returns all users ordered by id.
func (s *baseProvider) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	_ = rows.Close()

	for i := range users {
		if err := s.attachProfiles(ctx, &users[i]); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// ---- Reviews ----

// PutReview upserts a review keyed by (ratee, role, rater).
func (s *baseProvider) PutReview(ctx context.Context, r model.Review) error {
	if err := model.ValidateScore(r.Score); err != nil {
		return fmt.Errorf("datastore: put review: %w", err)
	}
	if !r.Role.Valid() {
		return fmt.Errorf("datastore: put review: %w", model.ErrInvalidRole)
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = s.now()
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO reviews (ratee_id, role, rater_id, score, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ratee_id, role, rater_id) DO UPDATE SET score = excluded.score, updated_at = excluded.updated_at`,
		r.RateeID, int(r.Role), r.RaterID, r.Score, formatDBTime(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("datastore: put review: %w", err)
	}
	return nil
}

// ListReviews returns rater id → score for one role profile.
func (s *baseProvider) ListReviews(ctx context.Context, rateeID int64, role model.Role) (model.Reviews, error) {
	rows, err := s.QueryContext(ctx, "SELECT rater_id, score FROM reviews WHERE ratee_id = ? AND role = ?", rateeID, int(role))
	if err != nil {
		return nil, fmt.Errorf("datastore: list reviews: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var reviews model.Reviews
	for rows.Next() {
		var rater int64
		var score int
		if err := rows.Scan(&rater, &score); err != nil {
			return nil, fmt.Errorf("datastore: scan review: %w", err)
		}
		if reviews == nil {
			reviews = make(model.Reviews)
		}
		reviews[rater] = score
	}
	return reviews, rows.Err()
}

// ---- Sessions ----

const sessionColumns = `s.id, s.title, s.description, s.system, s.edition, s.setting, s.format, s.type,
	s.cost, s.place, s.platform, s.time, s.requirements, s.min_players, s.max_players, s.min_age, s.max_age,
	s.status, s.master_id, s.created_at, s.updated_at`

func scanSession(row rowScanner) (*model.GameSession, error) {
	gs := &model.GameSession{}
	var format, typ int
	var status, createdAt, updatedAt string
	err := row.Scan(&gs.ID, &gs.Title, &gs.Description, &gs.System, &gs.Edition, &gs.Setting, &format, &typ, &gs.Cost, &gs.Place,
		&gs.Platform, &gs.Time, &gs.Requirements, &gs.MinPlayers, &gs.MaxPlayers, &gs.MinAge, &gs.MaxAge,
		&status, &gs.MasterID, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	gs.Format = model.Format(format)
	gs.Type = model.SessionType(typ)
	gs.Status = model.Status(status)
	if gs.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	if gs.UpdatedAt, err = parseDBTime(updatedAt); err != nil {
		return nil, err
	}
	return gs, nil
}

func (s *baseProvider) loadMembers(ctx context.Context, gs *model.GameSession) error {
	rows, err := s.QueryContext(ctx, "SELECT user_id, state FROM session_members WHERE session_id = ? ORDER BY user_id", gs.ID)
	if err != nil {
		return fmt.Errorf("datastore: load members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var userID int64
		var state string
		if err := rows.Scan(&userID, &state); err != nil {
			return fmt.Errorf("datastore: scan member: %w", err)
		}
		if state == "player" {
			gs.Players.Add(userID)
		} else {
			gs.Requests.Add(userID)
		}
	}
	return rows.Err()
}

// querySessions runs a session query and loads membership once the rows are closed.
func (s *baseProvider) querySessions(ctx context.Context, op, query string, args ...any) ([]model.GameSession, error) {
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("datastore: %s: %w", op, err)
	}
	var sessions []model.GameSession
	for rows.Next() {
		gs, err := scanSession(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("datastore: scan session: %w", err)
		}
		sessions = append(sessions, *gs)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("datastore: %s: %w", op, err)
	}
	_ = rows.Close()

	for i := range sessions {
		if err := s.loadMembers(ctx, &sessions[i]); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// GetSession retrieves a session with its membership.
func (s *baseProvider) GetSession(ctx context.Context, id int64) (*model.GameSession, error) {
	gs, err := scanSession(s.QueryRowContext(ctx, "SELECT "+sessionColumns+" FROM sessions s WHERE s.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get session: %w", err)
	}
	if err := s.loadMembers(ctx, gs); err != nil {
		return nil, err
	}
	return gs, nil
}

// ListOpenSessions is the open index: every recruiting session by ascending id.
func (s *baseProvider) ListOpenSessions(ctx context.Context) ([]model.GameSession, error) {
	return s.querySessions(ctx, "list open sessions",
		"SELECT "+sessionColumns+" FROM sessions s WHERE s.status = ? ORDER BY s.id",
		string(model.StatusRecruitingOpen))
}

// ListSessions returns every session by ascending id.
func (s *baseProvider) ListSessions(ctx context.Context) ([]model.GameSession, error) {
	return s.querySessions(ctx, "list sessions", "SELECT "+sessionColumns+" FROM sessions s ORDER BY s.id")
}

// ListUserSessions derives one of a user's per-role lists.
func (s *baseProvider) ListUserSessions(ctx context.Context, userID int64, role model.Role, folder model.Folder) ([]model.GameSession, error) {
	var held string
	switch role {
	case model.RoleMaster:
		held = "s.master_id = ?"
	case model.RolePlayer:
		held = "EXISTS (SELECT 1 FROM session_members m WHERE m.session_id = s.id AND m.user_id = ?)"
	default:
		return nil, fmt.Errorf("datastore: list user sessions: %w", model.ErrInvalidRole)
	}
	if !folder.Valid() {
		return nil, fmt.Errorf("datastore: list user sessions: %w", model.ErrInvalidFolder)
	}
	query := "SELECT " + sessionColumns + ` FROM sessions s
		LEFT JOIN placements p ON p.session_id = s.id AND p.user_id = ? AND p.role = ?
		WHERE ` + held + ` AND COALESCE(p.folder, 'active') = ?
		ORDER BY s.id`
	return s.querySessions(ctx, "list user sessions", query, userID, int(role), userID, string(folder))
}

// CreateSession inserts a session and assigns its id.
func (s *baseProvider) CreateSession(ctx context.Context, gs *model.GameSession) error {
	if err := gs.Validate(); err != nil {
		return fmt.Errorf("datastore: create session: %w", err)
	}
	now := s.now().UTC().Truncate(time.Second)
	var id any
	if gs.ID != 0 {
		id = gs.ID
	}
	res, err := s.ExecContext(ctx, `
		INSERT INTO sessions (id, title, description, system, edition, setting, format, type, cost, place, platform,
			time, requirements, min_players, max_players, min_age, max_age, status, master_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, gs.Title, gs.Description, gs.System, gs.Edition, gs.Setting, int(gs.Format), int(gs.Type), gs.Cost, gs.Place, gs.Platform,
		gs.Time, gs.Requirements, gs.MinPlayers, gs.MaxPlayers, gs.MinAge, gs.MaxAge, string(gs.Status),
		gs.MasterID, formatDBTime(now), formatDBTime(now))
	if err != nil {
		return fmt.Errorf("datastore: create session: %w", err)
	}
	if gs.ID == 0 {
		if gs.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("datastore: create session: %w", err)
		}
	}
	gs.CreatedAt, gs.UpdatedAt = now, now
	return s.writeMembers(ctx, gs)
}

func (s *baseProvider) writeMembers(ctx context.Context, gs *model.GameSession) error {
	if _, err := s.ExecContext(ctx, "DELETE FROM session_members WHERE session_id = ?", gs.ID); err != nil {
		return fmt.Errorf("datastore: write members: %w", err)
	}
	for _, set := range []struct {
		state string
		ids   model.IDSet
	}{{"player", gs.Players}, {"request", gs.Requests}} {
		for _, userID := range set.ids {
			_, err := s.ExecContext(ctx, "INSERT INTO session_members (session_id, user_id, state) VALUES (?, ?, ?)",
				gs.ID, userID, set.state)
			if err != nil {
				return fmt.Errorf("datastore: write members: %w", apperrors.Wrap(apperrors.CodeInvariantViolation, "duplicate membership", err))
			}
		}
	}
	return nil
}

// SaveSession updates a session's fields, status and membership together.
func (s *baseProvider) SaveSession(ctx context.Context, gs *model.GameSession) error {
	if err := gs.Validate(); err != nil {
		return fmt.Errorf("datastore: save session: %w", err)
	}
	now := s.now().UTC().Truncate(time.Second)
	res, err := s.ExecContext(ctx, `
		UPDATE sessions SET title = ?, description = ?, system = ?, edition = ?, setting = ?, format = ?, type = ?,
			cost = ?, place = ?, platform = ?, time = ?, requirements = ?, min_players = ?, max_players = ?,
			min_age = ?, max_age = ?, status = ?, master_id = ?, updated_at = ?
		WHERE id = ?`,
		gs.Title, gs.Description, gs.System, gs.Edition, gs.Setting, int(gs.Format), int(gs.Type), gs.Cost,
		gs.Place, gs.Platform, gs.Time, gs.Requirements, gs.MinPlayers, gs.MaxPlayers, gs.MinAge, gs.MaxAge,
		string(gs.Status), gs.MasterID, formatDBTime(now), gs.ID)
	if err != nil {
		return fmt.Errorf("datastore: save session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("datastore: save session: %w", err)
	} else if n == 0 {
		return fmt.Errorf("datastore: save session: %w", apperrors.NotFoundf("session %d not found", gs.ID))
	}
	gs.UpdatedAt = now
	return s.writeMembers(ctx, gs)
}

// DeleteSession removes a session together with its membership and placements.
func (s *baseProvider) DeleteSession(ctx context.Context, id int64) error {
	for _, stmt := range []string{
		"DELETE FROM placements WHERE session_id = ?",
		"DELETE FROM session_members WHERE session_id = ?",
		"DELETE FROM sessions WHERE id = ?",
	} {
		if _, err := s.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("datastore: delete session: %w", err)
		}
	}
	return nil
}

// ---- Placements ----

// SetPlacement files a session under folder in the user's list for role.
func (s *baseProvider) SetPlacement(ctx context.Context, userID, sessionID int64, role model.Role, folder model.Folder) error {
	if !role.Valid() {
		return fmt.Errorf("datastore: set placement: %w", model.ErrInvalidRole)
	}
	if !folder.Valid() {
		return fmt.Errorf("datastore: set placement: %w", model.ErrInvalidFolder)
	}
	_, err := s.ExecContext(ctx, `
		INSERT INTO placements (user_id, session_id, role, folder) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, session_id, role) DO UPDATE SET folder = excluded.folder`,
		userID, sessionID, int(role), string(folder))
	if err != nil {
		return fmt.Errorf("datastore: set placement: %w", err)
	}
	return nil
}

// DeletePlacement drops the user's placement row, if any.
func (s *baseProvider) DeletePlacement(ctx context.Context, userID, sessionID int64, role model.Role) error {
	_, err := s.ExecContext(ctx, "DELETE FROM placements WHERE user_id = ? AND session_id = ? AND role = ?",
		userID, sessionID, int(role))
	if err != nil {
		return fmt.Errorf("datastore: delete placement: %w", err)
	}
	return nil
}

// ---- Outbox ----

// AppendOutbox queues an encoded notification.
func (s *baseProvider) AppendOutbox(ctx context.Context, e OutboxEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	_, err := s.ExecContext(ctx, "INSERT INTO outbox (id, kind, payload, created_at) VALUES (?, ?, ?, ?)",
		e.ID, e.Kind, e.Payload, formatDBTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("datastore: append outbox: %w", err)
	}
	return nil
}

// ListPendingOutbox returns up to limit undelivered entries in insertion order.
func (s *baseProvider) ListPendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT id, kind, payload, created_at FROM outbox WHERE delivered_at IS NULL ORDER BY rowid LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("datastore: list outbox: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.Kind, &e.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan outbox: %w", err)
		}
		if e.CreatedAt, err = parseDBTime(createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan outbox: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkOutboxDelivered stamps an entry as delivered.
func (s *baseProvider) MarkOutboxDelivered(ctx context.Context, id string, at time.Time) error {
	res, err := s.ExecContext(ctx, "UPDATE outbox SET delivered_at = ? WHERE id = ?", formatDBTime(at), id)
	if err != nil {
		return fmt.Errorf("datastore: mark outbox: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("datastore: mark outbox: %w", apperrors.NotFoundf("outbox entry %s not found", id))
	}
	return nil
}

// PruneOutbox deletes entries delivered before cutoff.
func (s *baseProvider) PruneOutbox(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.ExecContext(ctx, "DELETE FROM outbox WHERE delivered_at IS NOT NULL AND delivered_at < ?",
		formatDBTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("datastore: prune outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("datastore: prune outbox: %w", err)
	}
	return int(n), nil
}
