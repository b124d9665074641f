package datastore_test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/NicolasHaas/questboard/pkg/datastore"
	"github.com/NicolasHaas/questboard/pkg/model"
)

var fixedNow = time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

func clock() time.Time { return fixedNow }

func NewTestSqlConn(t *testing.T) (*datastore.ProviderFactory, error) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore_test: failed to open db: %w", err)
	}
	st.Now = clock

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Logf("closing database: %v", err)
		}
	})
	return st, nil
}

// withStores runs fn against the SQLite and the in-memory implementation.
func withStores(t *testing.T, fn func(t *testing.T, f datastore.DataProviderFactory)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		st, err := NewTestSqlConn(t)
		if err != nil {
			t.Fatalf("failed to open test connection: %v", err)
		}
		fn(t, st)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, datastore.NewMemoryWithClock(clock))
	})
}

func newUser(id int64, name string) *model.User {
	return &model.User{
		ID:      id,
		Name:    name,
		Age:     25,
		City:    "Kazan",
		Roles:   model.Roles{Player: true},
		Formats: model.Formats{Online: true},
	}
}

func newMaster(id int64, name string) *model.User {
	u := newUser(id, name)
	u.Roles = model.Roles{Master: true}
	u.Master = &model.MasterProfile{Experience: model.ExperienceVeteran, DefaultCost: "free"}
	return u
}

func newSession(masterID int64, title string) *model.GameSession {
	return model.NewSession(masterID, model.Details{
		Title:      title,
		System:     "D&D 5e",
		Format:     model.FormatOnline,
		Type:       model.TypeOneShot,
		MinPlayers: 1,
		MaxPlayers: 4,
		MinAge:     model.MinAge,
		MaxAge:     model.MaxAge,
	})
}
