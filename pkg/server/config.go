package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/questboard/pkg/datastore"
	"github.com/NicolasHaas/questboard/pkg/model"
)

// PlayerYAML is a player profile in seed files.
type PlayerYAML struct {
	Experience string   `yaml:"experience"`
	Payment    string   `yaml:"payment,omitempty"`
	Systems    []string `yaml:"systems,omitempty"`
}

// MasterYAML is a master profile in seed files.
type MasterYAML struct {
	Experience          string `yaml:"experience"`
	DefaultCost         string `yaml:"default_cost,omitempty"`
	DefaultPlace        string `yaml:"default_place,omitempty"`
	DefaultPlatform     string `yaml:"default_platform,omitempty"`
	DefaultRequirements string `yaml:"default_requirements,omitempty"`
}

// UserYAML represents a user in seed files.
type UserYAML struct {
	ID        int64         `yaml:"id"`
	Name      string        `yaml:"name"`
	Age       int           `yaml:"age"`
	City      string        `yaml:"city,omitempty"`
	TimeZone  string        `yaml:"time_zone,omitempty"`
	Formats   model.Formats `yaml:"formats"`
	Bio       string        `yaml:"bio,omitempty"`
	Player    *PlayerYAML   `yaml:"player,omitempty"`
	Master    *MasterYAML   `yaml:"master,omitempty"`
	CreatedAt string        `yaml:"created_at,omitempty"`
}

// SessionYAML represents a session in seed files.
type SessionYAML struct {
	ID           int64   `yaml:"id"`
	MasterID     int64   `yaml:"master_id"`
	Status       string  `yaml:"status"`
	Title        string  `yaml:"title"`
	Description  string  `yaml:"description,omitempty"`
	System       string  `yaml:"system"`
	Edition      string  `yaml:"edition,omitempty"`
	Setting      string  `yaml:"setting,omitempty"`
	Format       string  `yaml:"format"`
	Type         string  `yaml:"type"`
	Cost         string  `yaml:"cost,omitempty"`
	Place        string  `yaml:"place,omitempty"`
	Platform     string  `yaml:"platform,omitempty"`
	Time         string  `yaml:"time,omitempty"`
	Requirements string  `yaml:"requirements,omitempty"`
	MinPlayers   int     `yaml:"min_players"`
	MaxPlayers   int     `yaml:"max_players"`
	MinAge       int     `yaml:"min_age"`
	MaxAge       int     `yaml:"max_age"`
	Players      []int64 `yaml:"players,omitempty"`
	Requests     []int64 `yaml:"requests,omitempty"`
}

// ReviewYAML is one stored review in seed files.
type ReviewYAML struct {
	RateeID int64  `yaml:"ratee_id"`
	Role    string `yaml:"role"`
	RaterID int64  `yaml:"rater_id"`
	Score   int    `yaml:"score"`
}

// Seed is the top-level YAML document for import and export.
type Seed struct {
	Users    []UserYAML    `yaml:"users"`
	Sessions []SessionYAML `yaml:"sessions,omitempty"`
	Reviews  []ReviewYAML  `yaml:"reviews,omitempty"`
}

const seedTimeLayout = "2006-01-02T15:04:05Z"

// LoadSeedFromYAML reads a seed file and imports it into the store.
func LoadSeedFromYAML(ctx context.Context, path string, st datastore.DataProviderFactory, logger *slog.Logger) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	return ImportSeedYAML(ctx, data, st, logger)
}

// ImportSeedYAML parses YAML data and upserts its users, sessions and
// reviews in one transaction. Any invalid record aborts the whole import.
func ImportSeedYAML(ctx context.Context, data []byte, st datastore.DataProviderFactory, logger *slog.Logger) error {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed: %w", err)
	}

	tx, err := st.Tx(ctx)
	if err != nil {
		return fmt.Errorf("import seed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, uy := range seed.Users {
		u, err := uy.toModel()
		if err != nil {
			return fmt.Errorf("import user %d: %w", uy.ID, err)
		}
		if err := tx.SaveUser(ctx, u); err != nil {
			return fmt.Errorf("import user %d: %w", uy.ID, err)
		}
	}
	for _, sy := range seed.Sessions {
		gs, err := sy.toModel()
		if err != nil {
			return fmt.Errorf("import session %d: %w", sy.ID, err)
		}
		if err := upsertSession(ctx, tx, gs); err != nil {
			return fmt.Errorf("import session %d: %w", sy.ID, err)
		}
	}
	for _, ry := range seed.Reviews {
		role, err := model.ParseRole(ry.Role)
		if err != nil {
			return fmt.Errorf("import review %d->%d: %w", ry.RaterID, ry.RateeID, err)
		}
		r := model.Review{RateeID: ry.RateeID, Role: role, RaterID: ry.RaterID, Score: ry.Score}
		if err := tx.PutReview(ctx, r); err != nil {
			return fmt.Errorf("import review %d->%d: %w", ry.RaterID, ry.RateeID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("import seed: commit: %w", err)
	}

	logger.Info("imported seed from YAML",
		"users", len(seed.Users),
		"sessions", len(seed.Sessions),
		"reviews", len(seed.Reviews),
	)
	return nil
}

func upsertSession(ctx context.Context, tx datastore.DataStoreTx, gs *model.GameSession) error {
	if gs.ID == 0 {
		return tx.CreateSession(ctx, gs)
	}
	existing, err := tx.GetSession(ctx, gs.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return tx.CreateSession(ctx, gs)
	}
	return tx.SaveSession(ctx, gs)
}

// ExportSeedYAML exports all users, sessions and reviews as YAML.
func ExportSeedYAML(ctx context.Context, st datastore.DataProviderFactory) ([]byte, error) {
	ds := st.NonTx()
	users, err := ds.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := ds.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	seed := Seed{}
	for i := range users {
		u := &users[i]
		seed.Users = append(seed.Users, userYAML(u))
		for _, role := range []model.Role{model.RolePlayer, model.RoleMaster} {
			seed.Reviews = append(seed.Reviews, reviewsYAML(u.ID, role, u.ReviewsFor(role))...)
		}
	}
	for i := range sessions {
		seed.Sessions = append(seed.Sessions, sessionYAML(&sessions[i]))
	}
	return yaml.Marshal(&seed)
}

func userYAML(u *model.User) UserYAML {
	out := UserYAML{
		ID:        u.ID,
		Name:      u.Name,
		Age:       u.Age,
		City:      u.City,
		TimeZone:  u.TimeZone,
		Formats:   u.Formats,
		Bio:       u.Bio,
		CreatedAt: u.CreatedAt.UTC().Format(seedTimeLayout),
	}
	if p := u.Player; p != nil {
		out.Player = &PlayerYAML{
			Experience: p.Experience.String(),
			Payment:    p.Payment.String(),
			Systems:    p.Systems,
		}
	}
	if m := u.Master; m != nil {
		out.Master = &MasterYAML{
			Experience:          m.Experience.String(),
			DefaultCost:         m.DefaultCost,
			DefaultPlace:        m.DefaultPlace,
			DefaultPlatform:     m.DefaultPlatform,
			DefaultRequirements: m.DefaultRequirements,
		}
	}
	return out
}

func reviewsYAML(rateeID int64, role model.Role, reviews model.Reviews) []ReviewYAML {
	raters := make([]int64, 0, len(reviews))
	for rater := range reviews {
		raters = append(raters, rater)
	}
	sort.Slice(raters, func(i, j int) bool { return raters[i] < raters[j] })

	out := make([]ReviewYAML, 0, len(raters))
	for _, rater := range raters {
		out = append(out, ReviewYAML{RateeID: rateeID, Role: role.String(), RaterID: rater, Score: reviews[rater]})
	}
	return out
}

func sessionYAML(gs *model.GameSession) SessionYAML {
	return SessionYAML{
		ID:           gs.ID,
		MasterID:     gs.MasterID,
		Status:       string(gs.Status),
		Title:        gs.Title,
		Description:  gs.Description,
		System:       gs.System,
		Edition:      gs.Edition,
		Setting:      gs.Setting,
		Format:       gs.Format.String(),
		Type:         gs.Type.String(),
		Cost:         gs.Cost,
		Place:        gs.Place,
		Platform:     gs.Platform,
		Time:         gs.Time,
		Requirements: gs.Requirements,
		MinPlayers:   gs.MinPlayers,
		MaxPlayers:   gs.MaxPlayers,
		MinAge:       gs.MinAge,
		MaxAge:       gs.MaxAge,
		Players:      gs.Players,
		Requests:     gs.Requests,
	}
}

func (uy UserYAML) toModel() (*model.User, error) {
	u := &model.User{
		ID:       uy.ID,
		Name:     uy.Name,
		Age:      uy.Age,
		City:     uy.City,
		TimeZone: uy.TimeZone,
		Formats:  uy.Formats,
		Bio:      uy.Bio,
	}
	if uy.CreatedAt != "" {
		t, err := time.Parse(seedTimeLayout, uy.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("created_at: %w", err)
		}
		u.CreatedAt = t
	}
	if py := uy.Player; py != nil {
		exp, err := model.ParseExperience(py.Experience)
		if err != nil {
			return nil, err
		}
		pay, err := model.ParsePayment(py.Payment)
		if err != nil {
			return nil, err
		}
		u.Player = &model.PlayerProfile{Experience: exp, Payment: pay, Systems: py.Systems}
		u.Roles = u.Roles.With(model.RolePlayer)
	}
	if my := uy.Master; my != nil {
		exp, err := model.ParseExperience(my.Experience)
		if err != nil {
			return nil, err
		}
		u.Master = &model.MasterProfile{
			Experience:          exp,
			DefaultCost:         my.DefaultCost,
			DefaultPlace:        my.DefaultPlace,
			DefaultPlatform:     my.DefaultPlatform,
			DefaultRequirements: my.DefaultRequirements,
		}
		u.Roles = u.Roles.With(model.RoleMaster)
	}
	return u, nil
}

func (sy SessionYAML) toModel() (*model.GameSession, error) {
	format, err := model.ParseFormat(sy.Format)
	if err != nil {
		return nil, err
	}
	typ, err := model.ParseSessionType(sy.Type)
	if err != nil {
		return nil, err
	}
	gs := model.NewSession(sy.MasterID, model.Details{
		Title:        sy.Title,
		Description:  sy.Description,
		System:       model.ResolveSystem(sy.System),
		Edition:      sy.Edition,
		Setting:      sy.Setting,
		Format:       format,
		Type:         typ,
		Cost:         sy.Cost,
		Place:        sy.Place,
		Platform:     sy.Platform,
		Time:         sy.Time,
		Requirements: sy.Requirements,
		MinPlayers:   sy.MinPlayers,
		MaxPlayers:   sy.MaxPlayers,
		MinAge:       sy.MinAge,
		MaxAge:       sy.MaxAge,
	})
	gs.ID = sy.ID
	if sy.Status != "" {
		gs.Status = model.Status(sy.Status)
	}
	gs.Players = model.NewIDSet(sy.Players...)
	gs.Requests = model.NewIDSet(sy.Requests...)
	if err := gs.Validate(); err != nil {
		return nil, err
	}
	return gs, nil
}
