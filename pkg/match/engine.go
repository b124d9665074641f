package match

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/NicolasHaas/questboard/pkg/apperrors"
	"github.com/NicolasHaas/questboard/pkg/datastore"
	"github.com/NicolasHaas/questboard/pkg/model"
	"github.com/NicolasHaas/questboard/pkg/rbac"
)

// Request is one search. A nil Filter means DefaultFilter of the player;
// a supplied one applies to this search only.
type Request struct {
	PlayerID int64
	Filter   *Filter
}

// Candidate is one ranked search result.
type Candidate struct {
	SessionID int64  `json:"session_id"`
	Title     string `json:"title"`
	Score     int    `json:"score"`
}

// Engine searches the open index.
type Engine struct {
	store  datastore.DataProviderFactory
	logger *slog.Logger
}

// NewEngine returns an Engine reading from store.
func NewEngine(store datastore.DataProviderFactory, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, logger: logger}
}

// Search returns the open sessions that pass the filter, best first.
func (e *Engine) Search(ctx context.Context, req Request) ([]Candidate, error) {
	ds := e.store.NonTx()

	player, err := ds.GetUser(ctx, req.PlayerID)
	if err != nil {
		return nil, fmt.Errorf("match: search: %w", err)
	}
	if player == nil {
		return nil, apperrors.NotFoundf("user %d not found", req.PlayerID)
	}
	if err := rbac.Require(player.Roles, model.PermApply); err != nil {
		return nil, err
	}
	if player.Player == nil {
		return nil, apperrors.PermissionDeniedf("user %d has no player profile", player.ID)
	}

	filter := DefaultFilter(player)
	if req.Filter != nil {
		filter = *req.Filter
	}
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	open, err := ds.ListOpenSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("match: search: %w", err)
	}

	masters := make(map[int64]*model.User)
	out := make([]Candidate, 0, len(open))
	for i := range open {
		gs := &open[i]
		if gs.MasterID == player.ID || !filter.Admits(gs) {
			continue
		}
		master, ok := masters[gs.MasterID]
		if !ok {
			if master, err = ds.GetUser(ctx, gs.MasterID); err != nil {
				return nil, fmt.Errorf("match: search: master %d: %w", gs.MasterID, err)
			}
			masters[gs.MasterID] = master
		}
		out = append(out, Candidate{
			SessionID: gs.ID,
			Title:     gs.Title,
			Score:     Score(player, master, gs, filter),
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })

	e.logger.Debug("search complete",
		"player_id", player.ID,
		"open", len(open),
		"candidates", len(out),
	)
	return out, nil
}
