package game_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/questboard/pkg/datastore"
	"github.com/NicolasHaas/questboard/pkg/game"
	"github.com/NicolasHaas/questboard/pkg/keylock"
	"github.com/NicolasHaas/questboard/pkg/logging"
	"github.com/NicolasHaas/questboard/pkg/model"
	"github.com/NicolasHaas/questboard/pkg/notify"

	"github.com/google/go-cmp/cmp/cmpopts"
)

const (
	masterID   int64 = 1
	aliceID    int64 = 2
	bobID      int64 = 3
	carolID    int64 = 4
	otherGMID  int64 = 5
	strangerID int64 = 99
)

var now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) last() notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type env struct {
	store      datastore.DataProviderFactory
	lifecycle  *game.Lifecycle
	membership *game.Membership
	events     *recorder
}

func newEnv(t *testing.T, store datastore.DataProviderFactory) *env {
	t.Helper()
	rec := &recorder{}
	deps := game.Deps{
		Store:    store,
		Notifier: rec,
		Locks:    keylock.New(),
		Logger:   logging.Discard(),
		Now:      func() time.Time { return now },
	}
	e := &env{
		store:      store,
		lifecycle:  game.NewLifecycle(deps),
		membership: game.NewMembership(deps),
		events:     rec,
	}
	e.seedUsers(t)
	return e
}

// withEnvs runs fn against a memory-backed and a SQLite-backed env.
func withEnvs(t *testing.T, fn func(t *testing.T, e *env)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, newEnv(t, datastore.NewMemoryWithClock(func() time.Time { return now })))
	})
	t.Run("sqlite", func(t *testing.T) {
		st, err := datastore.NewProviderFactory(filepath.Join(t.TempDir(), "game.db"))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = st.Close() })
		fn(t, newEnv(t, st))
	})
}

func (e *env) seedUsers(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	users := []*model.User{
		{
			ID: masterID, Name: "Keeper", Age: 35, City: "Moscow",
			Roles:   model.Roles{Master: true},
			Formats: model.Formats{Online: true, Offline: true},
			Master: &model.MasterProfile{
				Experience:   model.ExperienceVeteran,
				DefaultCost:  "Бесплатно",
				DefaultPlace: "Anticafe",
			},
		},
		player(aliceID, "Alice"),
		player(bobID, "Bob"),
		player(carolID, "Carol"),
		{
			ID: otherGMID, Name: "Other GM", Age: 40,
			Roles:  model.Roles{Master: true},
			Master: &model.MasterProfile{Experience: model.ExperienceExperienced},
		},
	}
	for _, u := range users {
		if err := e.store.NonTx().SaveUser(ctx, u); err != nil {
			t.Fatalf("seed user %d: %v", u.ID, err)
		}
	}
}

func player(id int64, name string) *model.User {
	return &model.User{
		ID: id, Name: name, Age: 25, City: "Moscow",
		Roles:   model.Roles{Player: true},
		Formats: model.Formats{Online: true},
		Player:  &model.PlayerProfile{Experience: model.ExperienceBeginner},
	}
}

func details(title string) model.Details {
	return model.Details{
		Title:      title,
		System:     "Call of Cthulhu",
		Format:     model.FormatOffline,
		Type:       model.TypeOneShot,
		MinPlayers: 1,
		MaxPlayers: 2,
		MinAge:     18,
		MaxAge:     model.MaxAge,
	}
}

// openSession creates and opens a session hosted by masterID.
func (e *env) openSession(t *testing.T, title string) *model.GameSession {
	t.Helper()
	ctx := context.Background()
	gs, err := e.lifecycle.Create(ctx, masterID, details(title))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := e.lifecycle.Open(ctx, gs.ID, masterID); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return gs
}

func (e *env) session(t *testing.T, id int64) *model.GameSession {
	t.Helper()
	gs, err := e.store.NonTx().GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if gs == nil {
		t.Fatalf("session %d missing", id)
	}
	return gs
}

// checkInvariants verifies membership and open-index invariants for every session.
func (e *env) checkInvariants(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	all, err := e.store.NonTx().ListSessions(ctx)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	open, err := e.store.NonTx().ListOpenSessions(ctx)
	if err != nil {
		t.Fatalf("ListOpenSessions: %v", err)
	}
	inIndex := make(map[int64]bool)
	for _, gs := range open {
		inIndex[gs.ID] = true
	}
	for _, gs := range all {
		if err := gs.CheckInvariants(); err != nil {
			t.Errorf("session %d: %v", gs.ID, err)
		}
		if inIndex[gs.ID] != gs.IsOpen() {
			t.Errorf("session %d: in open index = %v, status = %s", gs.ID, inIndex[gs.ID], gs.Status)
		}
	}
}

func (e *env) listIDs(t *testing.T, user int64, role model.Role, folder model.Folder) []int64 {
	t.Helper()
	list, err := e.store.NonTx().ListUserSessions(context.Background(), user, role, folder)
	if err != nil {
		t.Fatalf("ListUserSessions: %v", err)
	}
	var ids []int64
	for _, gs := range list {
		ids = append(ids, gs.ID)
	}
	return ids
}

var cmpEmpty = cmpopts.EquateEmpty()
