package datastore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NicolasHaas/questboard/pkg/apperrors"
	"github.com/NicolasHaas/questboard/pkg/model"
)

// MemoryStore is an in-memory DataProviderFactory for tests and dev runs.
// It mirrors the SQLite store's validation and error behavior.
//
// Transactions are serialized by txMu and work on a private copy of the
// state that Commit swaps in. NonTx writes take txMu too, so they never
// interleave with an open transaction.
type MemoryStore struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	now  func() time.Time
	st   *memState
}

type placementKey struct {
	userID, sessionID int64
	role              model.Role
}

type reviewKey struct {
	rateeID int64
	role    model.Role
	raterID int64
}

type memState struct {
	nextSessionID int64
	users         map[int64]*model.User
	sessions      map[int64]*model.GameSession
	open          map[int64]bool
	placements    map[placementKey]model.Folder
	reviews       map[reviewKey]model.Review
	outbox        []OutboxEntry
}

func newMemState() *memState {
	return &memState{
		nextSessionID: 1,
		users:         make(map[int64]*model.User),
		sessions:      make(map[int64]*model.GameSession),
		open:          make(map[int64]bool),
		placements:    make(map[placementKey]model.Folder),
		reviews:       make(map[reviewKey]model.Review),
	}
}

func (st *memState) clone() *memState {
	out := &memState{
		nextSessionID: st.nextSessionID,
		users:         make(map[int64]*model.User, len(st.users)),
		sessions:      make(map[int64]*model.GameSession, len(st.sessions)),
		open:          make(map[int64]bool, len(st.open)),
		placements:    make(map[placementKey]model.Folder, len(st.placements)),
		reviews:       make(map[reviewKey]model.Review, len(st.reviews)),
		outbox:        append([]OutboxEntry(nil), st.outbox...),
	}
	for id, u := range st.users {
		out.users[id] = cloneUser(u)
	}
	for id, s := range st.sessions {
		out.sessions[id] = s.Clone()
	}
	for id := range st.open {
		out.open[id] = true
	}
	for k, v := range st.placements {
		out.placements[k] = v
	}
	for k, v := range st.reviews {
		out.reviews[k] = v
	}
	return out
}

func cloneUser(u *model.User) *model.User {
	out := *u
	if u.Player != nil {
		p := *u.Player
		p.Systems = append([]string(nil), u.Player.Systems...)
		p.Reviews = u.Player.Reviews.Clone()
		out.Player = &p
	}
	if u.Master != nil {
		m := *u.Master
		m.Reviews = u.Master.Reviews.Clone()
		out.Master = &m
	}
	return &out
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{now: now, st: newMemState()}
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// NonTx returns a provider that reads and writes committed state directly.
func (s *MemoryStore) NonTx() DataStore {
	return &memProvider{
		now:   s.now,
		state: func() *memState { return s.st },
		lock: func(write bool) func() {
			if !write {
				s.mu.RLock()
				return s.mu.RUnlock
			}
			s.txMu.Lock()
			s.mu.Lock()
			return func() {
				s.mu.Unlock()
				s.txMu.Unlock()
			}
		},
	}
}

// Tx blocks until no other transaction is open and begins a new one.
// The returned transaction must be finished by Commit or Rollback.
func (s *MemoryStore) Tx(ctx context.Context) (DataStoreTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("datastore: begin: %w", err)
	}
	s.txMu.Lock()

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	tx := &memTx{store: s}
	tx.memProvider = memProvider{
		now:   s.now,
		state: func() *memState { return work },
		lock:  func(bool) func() { return func() {} },
	}
	tx.work = work
	return tx, nil
}

type memTx struct {
	memProvider
	store *MemoryStore
	work  *memState
	done  bool
}

func (t *memTx) Commit() error {
	if t.done {
		return fmt.Errorf("datastore: commit: transaction already finished")
	}
	t.done = true
	t.store.mu.Lock()
	t.store.st = t.work
	t.store.mu.Unlock()
	t.store.txMu.Unlock()
	return nil
}

func (t *memTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.store.txMu.Unlock()
	return nil
}

// memProvider implements DataStore over one memState. lock guards access
// for NonTx providers and is a no-op inside a transaction.
type memProvider struct {
	now   func() time.Time
	state func() *memState
	lock  func(write bool) func()
}

func (p *memProvider) stamp() time.Time {
	return p.now().UTC().Truncate(time.Second)
}

// ---- Users ----

func (p *memProvider) SaveUser(_ context.Context, u *model.User) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("datastore: save user: %w", err)
	}
	defer p.lock(true)()
	st := p.state()

	stored := cloneUser(u)
	if existing, ok := st.users[u.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = p.stamp()
	} else {
		stored.CreatedAt = stored.CreatedAt.UTC().Truncate(time.Second)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = stored.CreatedAt
	}
	if stored.Player != nil {
		stored.Player.Reviews = nil
	}
	if stored.Master != nil {
		stored.Master.Reviews = nil
	}
	st.users[u.ID] = stored
	return nil
}

func (st *memState) reviewsFor(rateeID int64, role model.Role) model.Reviews {
	var out model.Reviews
	for k, r := range st.reviews {
		if k.rateeID != rateeID || k.role != role {
			continue
		}
		if out == nil {
			out = make(model.Reviews)
		}
		out[k.raterID] = r.Score
	}
	return out
}

func (st *memState) userView(u *model.User) *model.User {
	out := cloneUser(u)
	if out.Player != nil {
		out.Player.Reviews = st.reviewsFor(u.ID, model.RolePlayer)
	}
	if out.Master != nil {
		out.Master.Reviews = st.reviewsFor(u.ID, model.RoleMaster)
	}
	return out
}

func (p *memProvider) GetUser(_ context.Context, id int64) (*model.User, error) {
	defer p.lock(false)()
	st := p.state()
	u, ok := st.users[id]
	if !ok {
		return nil, nil
	}
	return st.userView(u), nil
}

func (p *memProvider) ListUsers(_ context.Context) ([]model.User, error) {
	defer p.lock(false)()
	st := p.state()
	users := make([]model.User, 0, len(st.users))
	for _, u := range st.users {
		users = append(users, *st.userView(u))
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

// ---- Reviews ----

func (p *memProvider) PutReview(_ context.Context, r model.Review) error {
	if err := model.ValidateScore(r.Score); err != nil {
		return fmt.Errorf("datastore: put review: %w", err)
	}
	if !r.Role.Valid() {
		return fmt.Errorf("datastore: put review: %w", model.ErrInvalidRole)
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = p.stamp()
	}
	defer p.lock(true)()
	p.state().reviews[reviewKey{r.RateeID, r.Role, r.RaterID}] = r
	return nil
}

func (p *memProvider) ListReviews(_ context.Context, rateeID int64, role model.Role) (model.Reviews, error) {
	defer p.lock(false)()
	return p.state().reviewsFor(rateeID, role), nil
}

// ---- Sessions ----

func sortedSessions(in []*model.GameSession) []model.GameSession {
	sort.Slice(in, func(i, j int) bool { return in[i].ID < in[j].ID })
	out := make([]model.GameSession, 0, len(in))
	for _, s := range in {
		out = append(out, *s.Clone())
	}
	return out
}

func (p *memProvider) GetSession(_ context.Context, id int64) (*model.GameSession, error) {
	defer p.lock(false)()
	s, ok := p.state().sessions[id]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (p *memProvider) ListOpenSessions(_ context.Context) ([]model.GameSession, error) {
	defer p.lock(false)()
	st := p.state()
	open := make([]*model.GameSession, 0, len(st.open))
	for id := range st.open {
		open = append(open, st.sessions[id])
	}
	return sortedSessions(open), nil
}

func (p *memProvider) ListSessions(_ context.Context) ([]model.GameSession, error) {
	defer p.lock(false)()
	st := p.state()
	all := make([]*model.GameSession, 0, len(st.sessions))
	for _, s := range st.sessions {
		all = append(all, s)
	}
	return sortedSessions(all), nil
}

func (p *memProvider) ListUserSessions(_ context.Context, userID int64, role model.Role, folder model.Folder) ([]model.GameSession, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("datastore: list user sessions: %w", model.ErrInvalidRole)
	}
	if !folder.Valid() {
		return nil, fmt.Errorf("datastore: list user sessions: %w", model.ErrInvalidFolder)
	}
	defer p.lock(false)()
	st := p.state()
	var held []*model.GameSession
	for _, s := range st.sessions {
		if !s.Holds(userID, role) {
			continue
		}
		placed, ok := st.placements[placementKey{userID, s.ID, role}]
		if !ok {
			placed = model.FolderActive
		}
		if placed == folder {
			held = append(held, s)
		}
	}
	return sortedSessions(held), nil
}

func (p *memProvider) CreateSession(_ context.Context, gs *model.GameSession) error {
	if err := gs.Validate(); err != nil {
		return fmt.Errorf("datastore: create session: %w", err)
	}
	defer p.lock(true)()
	st := p.state()
	if _, ok := st.users[gs.MasterID]; !ok {
		return fmt.Errorf("datastore: create session: constraint failed: FOREIGN KEY constraint failed")
	}
	if gs.ID == 0 {
		gs.ID = st.nextSessionID
	} else if _, exists := st.sessions[gs.ID]; exists {
		return fmt.Errorf("datastore: create session: constraint failed: UNIQUE constraint failed: sessions.id")
	}
	if gs.ID >= st.nextSessionID {
		st.nextSessionID = gs.ID + 1
	}
	now := p.stamp()
	gs.CreatedAt, gs.UpdatedAt = now, now
	st.sessions[gs.ID] = gs.Clone()
	st.setOpen(gs)
	return nil
}

// setOpen keeps the open index in step with the session status.
func (st *memState) setOpen(gs *model.GameSession) {
	if gs.IsOpen() {
		st.open[gs.ID] = true
	} else {
		delete(st.open, gs.ID)
	}
}

func (p *memProvider) SaveSession(_ context.Context, gs *model.GameSession) error {
	if err := gs.Validate(); err != nil {
		return fmt.Errorf("datastore: save session: %w", err)
	}
	defer p.lock(true)()
	st := p.state()
	existing, ok := st.sessions[gs.ID]
	if !ok {
		return fmt.Errorf("datastore: save session: %w", apperrors.NotFoundf("session %d not found", gs.ID))
	}
	gs.CreatedAt = existing.CreatedAt
	gs.UpdatedAt = p.stamp()
	st.sessions[gs.ID] = gs.Clone()
	st.setOpen(gs)
	return nil
}

func (p *memProvider) DeleteSession(_ context.Context, id int64) error {
	defer p.lock(true)()
	st := p.state()
	delete(st.sessions, id)
	delete(st.open, id)
	for k := range st.placements {
		if k.sessionID == id {
			delete(st.placements, k)
		}
	}
	return nil
}

// ---- Placements ----

func (p *memProvider) SetPlacement(_ context.Context, userID, sessionID int64, role model.Role, folder model.Folder) error {
	if !role.Valid() {
		return fmt.Errorf("datastore: set placement: %w", model.ErrInvalidRole)
	}
	if !folder.Valid() {
		return fmt.Errorf("datastore: set placement: %w", model.ErrInvalidFolder)
	}
	defer p.lock(true)()
	st := p.state()
	if _, ok := st.sessions[sessionID]; !ok {
		return fmt.Errorf("datastore: set placement: constraint failed: FOREIGN KEY constraint failed")
	}
	st.placements[placementKey{userID, sessionID, role}] = folder
	return nil
}

func (p *memProvider) DeletePlacement(_ context.Context, userID, sessionID int64, role model.Role) error {
	defer p.lock(true)()
	delete(p.state().placements, placementKey{userID, sessionID, role})
	return nil
}

// ---- Outbox ----

func (p *memProvider) AppendOutbox(_ context.Context, e OutboxEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = p.stamp()
	}
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Second)
	e.Payload = append([]byte(nil), e.Payload...)
	defer p.lock(true)()
	st := p.state()
	for _, existing := range st.outbox {
		if existing.ID == e.ID {
			return fmt.Errorf("datastore: append outbox: constraint failed: UNIQUE constraint failed: outbox.id")
		}
	}
	st.outbox = append(st.outbox, e)
	return nil
}

func (p *memProvider) ListPendingOutbox(_ context.Context, limit int) ([]OutboxEntry, error) {
	defer p.lock(false)()
	var out []OutboxEntry
	for _, e := range p.state().outbox {
		if len(out) >= limit {
			break
		}
		if e.DeliveredAt.IsZero() {
			e.Payload = append([]byte(nil), e.Payload...)
			out = append(out, e)
		}
	}
	return out, nil
}

func (p *memProvider) MarkOutboxDelivered(_ context.Context, id string, at time.Time) error {
	defer p.lock(true)()
	st := p.state()
	for i := range st.outbox {
		if st.outbox[i].ID == id {
			st.outbox[i].DeliveredAt = at.UTC().Truncate(time.Second)
			return nil
		}
	}
	return fmt.Errorf("datastore: mark outbox: %w", apperrors.NotFoundf("outbox entry %s not found", id))
}

func (p *memProvider) PruneOutbox(_ context.Context, cutoff time.Time) (int, error) {
	cutoff = cutoff.UTC().Truncate(time.Second)
	defer p.lock(true)()
	st := p.state()
	kept := st.outbox[:0]
	for _, e := range st.outbox {
		if !e.DeliveredAt.IsZero() && e.DeliveredAt.Before(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	n := len(st.outbox) - len(kept)
	clear(st.outbox[len(kept):])
	st.outbox = kept
	return n, nil
}
