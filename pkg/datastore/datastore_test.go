package datastore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/NicolasHaas/questboard/pkg/apperrors"
	"github.com/NicolasHaas/questboard/pkg/datastore"
	"github.com/NicolasHaas/questboard/pkg/model"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestSaveUser(t *testing.T) {
	type tcase struct {
		user      *model.User
		expectErr bool
	}

	tcases := map[string]tcase{
		"player_only": {
			user: func() *model.User {
				u := newUser(100, "alice")
				u.Player = &model.PlayerProfile{
					Experience: model.ExperienceBeginner,
					Payment:    model.PaymentFreeOnly,
					Systems:    []string{"Pathfinder", "D&D 5e", "Pathfinder"},
				}
				return u
			}(),
		},
		"both_roles": {
			user: func() *model.User {
				u := newMaster(101, "bob")
				u.Roles.Player = true
				u.Player = &model.PlayerProfile{Experience: model.ExperienceVeteran}
				return u
			}(),
		},
		"bare_user": {
			user: newUser(102, "carol"),
		},
		"too_young": {
			user: func() *model.User {
				u := newUser(103, "dave")
				u.Age = 12
				return u
			}(),
			expectErr: true,
		},
		"empty_name": {
			user:      newUser(104, ""),
			expectErr: true,
		},
	}

	fn := func(tc tcase) func(*testing.T) {
		return func(t *testing.T) {
			withStores(t, func(t *testing.T, f datastore.DataProviderFactory) {
				ctx := context.Background()
				err := f.NonTx().SaveUser(ctx, tc.user)
				if tc.expectErr {
					if err == nil {
						t.Fatal("SaveUser: expected error, got nil")
					}
					if !errors.Is(err, apperrors.ErrValidation) {
						t.Errorf("SaveUser: error %v is not a validation error", err)
					}
					return
				}
				if err != nil {
					t.Fatalf("SaveUser: unexpected error: %v", err)
				}

				got, err := f.NonTx().GetUser(ctx, tc.user.ID)
				if err != nil {
					t.Fatalf("GetUser: unexpected error: %v", err)
				}
				if diff := cmp.Diff(tc.user, got, cmpopts.EquateEmpty()); diff != "" {
					t.Errorf("GetUser mismatch (-want +got):\n%s", diff)
				}
			})
		}
	}

	for name, tc := range tcases {
		t.Run(name, fn(tc))
	}
}

func TestSaveUserReplacesProfiles(t *testing.T) {
	withStores(t, func(t *testing.T, f datastore.DataProviderFactory) {
		ctx := context.Background()
		st := f.NonTx()

		u := newMaster(7, "gm")
		if err := st.SaveUser(ctx, u); err != nil {
			t.Fatalf("SaveUser: %v", err)
		}
		if err := st.PutReview(ctx, model.Review{RateeID: 7, Role: model.RoleMaster, RaterID: 8, Score: 4}); err != nil {
			t.Fatalf("PutReview: %v", err)
		}

		u.Name = "game master"
		u.Master.DefaultPlace = "Library"
		if err := st.SaveUser(ctx, u); err != nil {
			t.Fatalf("SaveUser update: %v", err)
		}
		got, err := st.GetUser(ctx, 7)
		if err != nil {
			t.Fatalf("GetUser: %v", err)
		}
		if got.Name != "game master" || got.Master.DefaultPlace != "Library" {
			t.Errorf("update not applied: %+v", got)
		}
		if diff := cmp.Diff(model.Reviews{8: 4}, got.Master.Reviews); diff != "" {
			t.Errorf("reviews lost on update (-want +got):\n%s", diff)
		}

		u.Master = nil
		if err := st.SaveUser(ctx, u); err != nil {
			t.Fatalf("SaveUser drop master: %v", err)
		}
		got, _ = st.GetUser(ctx, 7)
		if got.Master != nil {
			t.Errorf("master profile not removed: %+v", got.Master)
		}

		missing, err := st.GetUser(ctx, 999)
		if err != nil || missing != nil {
			t.Errorf("GetUser(missing) = %v, %v, want nil, nil", missing, err)
		}

		users, err := st.ListUsers(ctx)
		if err != nil {
			t.Fatalf("ListUsers: %v", err)
		}
		if len(users) != 1 || users[0].ID != 7 {
			t.Errorf("ListUsers = %+v", users)
		}
	})
}

func TestReviewsOverwrite(t *testing.T) {
	withStores(t, func(t *testing.T, f datastore.DataProviderFactory) {
		ctx := context.Background()
		st := f.NonTx()
		u := newUser(1, "p")
		u.Player = &model.PlayerProfile{Experience: model.ExperienceNovice}
		if err := st.SaveUser(ctx, u); err != nil {
			t.Fatalf("SaveUser: %v", err)
		}

		for _, r := range []model.Review{
			{RateeID: 1, Role: model.RolePlayer, RaterID: 2, Score: 5},
			{RateeID: 1, Role: model.RolePlayer, RaterID: 3, Score: 2},
			{RateeID: 1, Role: model.RolePlayer, RaterID: 2, Score: 1},
			{RateeID: 1, Role: model.RoleMaster, RaterID: 2, Score: 5},
		} {
			if err := st.PutReview(ctx, r); err != nil {
				t.Fatalf("PutReview(%+v): %v", r, err)
			}
		}
		got, err := st.ListReviews(ctx, 1, model.RolePlayer)
		if err != nil {
			t.Fatalf("ListReviews: %v", err)
		}
		if diff := cmp.Diff(model.Reviews{2: 1, 3: 2}, got); diff != "" {
			t.Errorf("ListReviews mismatch (-want +got):\n%s", diff)
		}

		user, _ := st.GetUser(ctx, 1)
		if r := user.Player.Rating(); r != 1.5 {
			t.Errorf("Rating() = %v, want 1.5", r)
		}

		if err := st.PutReview(ctx, model.Review{RateeID: 1, Role: model.RolePlayer, RaterID: 4, Score: 6}); err == nil {
			t.Error("PutReview(score 6): expected error")
		}
		none, err := st.ListReviews(ctx, 42, model.RoleMaster)
		if err != nil || none != nil {
			t.Errorf("ListReviews(none) = %v, %v, want nil, nil", none, err)
		}
	})
}

func TestSessionLifecycleInStore(t *testing.T) {
	withStores(t, func(t *testing.T, f datastore.DataProviderFactory) {
		ctx := context.Background()
		st := f.NonTx()
		if err := st.SaveUser(ctx, newMaster(1, "gm")); err != nil {
			t.Fatalf("SaveUser: %v", err)
		}

		gs := newSession(1, "Tomb of Annihilation")
		if err := st.CreateSession(ctx, gs); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if gs.ID == 0 || !gs.CreatedAt.Equal(fixedNow) {
			t.Fatalf("CreateSession did not assign id/time: %+v", gs)
		}

		open, _ := st.ListOpenSessions(ctx)
		if len(open) != 0 {
			t.Fatalf("closed session in open index: %+v", open)
		}

		gs.Status = model.StatusRecruitingOpen
		gs.Requests.Add(5)
		gs.Players.Add(6)
		gs.Edition, gs.Setting = "5e", "Chult"
		if err := st.SaveSession(ctx, gs); err != nil {
			t.Fatalf("SaveSession: %v", err)
		}

		got, err := st.GetSession(ctx, gs.ID)
		if err != nil {
			t.Fatalf("GetSession: %v", err)
		}
		if diff := cmp.Diff(gs, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("GetSession mismatch (-want +got):\n%s", diff)
		}

		open, _ = st.ListOpenSessions(ctx)
		if len(open) != 1 || open[0].ID != gs.ID {
			t.Fatalf("open index = %+v, want [%d]", open, gs.ID)
		}

		gs.Status = model.StatusCompleted
		if err := st.SaveSession(ctx, gs); err != nil {
			t.Fatalf("SaveSession completed: %v", err)
		}
		open, _ = st.ListOpenSessions(ctx)
		if len(open) != 0 {
			t.Errorf("completed session still in open index")
		}

		if err := st.DeleteSession(ctx, gs.ID); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if got, _ := st.GetSession(ctx, gs.ID); got != nil {
			t.Errorf("session survived delete: %+v", got)
		}
	})
}

func TestSessionWriteErrors(t *testing.T) {
	withStores(t, func(t *testing.T, f datastore.DataProviderFactory) {
		ctx := context.Background()
		st := f.NonTx()
		if err := st.SaveUser(ctx, newMaster(1, "gm")); err != nil {
			t.Fatalf("SaveUser: %v", err)
		}

		bad := newSession(1, "overlap")
		bad.Players = model.NewIDSet(2)
		bad.Requests = model.NewIDSet(2)
		err := st.CreateSession(ctx, bad)
		if apperrors.CodeOf(err) != apperrors.CodeInvariantViolation {
			t.Errorf("CreateSession(overlap) = %v, want invariant violation", err)
		}

		orphan := newSession(1, "ghost")
		orphan.ID = 77
		err = st.SaveSession(ctx, orphan)
		if !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("SaveSession(missing) = %v, want not found", err)
		}

		invalid := newSession(1, "")
		if err := st.CreateSession(ctx, invalid); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("CreateSession(empty title) = %v, want validation error", err)
		}

		noMaster := newSession(999, "nobody hosts")
		if err := st.CreateSession(ctx, noMaster); err == nil {
			t.Error("CreateSession with unknown master: expected error")
		}
	})
}

func TestListUserSessions(t *testing.T) {
	withStores(t, func(t *testing.T, f datastore.DataProviderFactory) {
		ctx := context.Background()
		st := f.NonTx()
		if err := st.SaveUser(ctx, newMaster(1, "gm")); err != nil {
			t.Fatalf("SaveUser: %v", err)
		}

		var ids []int64
		for _, title := range []string{"first", "second", "third"} {
			gs := newSession(1, title)
			gs.Requests.Add(10)
			if err := st.CreateSession(ctx, gs); err != nil {
				t.Fatalf("CreateSession: %v", err)
			}
			ids = append(ids, gs.ID)
		}

		if err := st.SetPlacement(ctx, 10, ids[1], model.RolePlayer, model.FolderArchived); err != nil {
			t.Fatalf("SetPlacement: %v", err)
		}
		if err := st.SetPlacement(ctx, 1, ids[2], model.RoleMaster, model.FolderArchived); err != nil {
			t.Fatalf("SetPlacement: %v", err)
		}

		sessionIDs := func(role model.Role, user int64, folder model.Folder) []int64 {
			t.Helper()
			list, err := st.ListUserSessions(ctx, user, role, folder)
			if err != nil {
				t.Fatalf("ListUserSessions: %v", err)
			}
			var out []int64
			for _, s := range list {
				out = append(out, s.ID)
			}
			return out
		}

		tests := []struct {
			name   string
			user   int64
			role   model.Role
			folder model.Folder
			want   []int64
		}{
			{"player games", 10, model.RolePlayer, model.FolderActive, []int64{ids[0], ids[2]}},
			{"player archive", 10, model.RolePlayer, model.FolderArchived, []int64{ids[1]}},
			{"master games", 1, model.RoleMaster, model.FolderActive, []int64{ids[0], ids[1]}},
			{"master archive", 1, model.RoleMaster, model.FolderArchived, []int64{ids[2]}},
			{"master has no player list", 1, model.RolePlayer, model.FolderActive, nil},
			{"stranger", 99, model.RolePlayer, model.FolderActive, nil},
		}
		for _, tt := range tests {
			if diff := cmp.Diff(tt.want, sessionIDs(tt.role, tt.user, tt.folder), cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("%s mismatch (-want +got):\n%s", tt.name, diff)
			}
		}

		if err := st.SetPlacement(ctx, 10, ids[1], model.RolePlayer, model.FolderActive); err != nil {
			t.Fatalf("SetPlacement back: %v", err)
		}
		if diff := cmp.Diff(ids, sessionIDs(model.RolePlayer, 10, model.FolderActive)); diff != "" {
			t.Errorf("after unarchive (-want +got):\n%s", diff)
		}

		if err := st.DeleteSession(ctx, ids[2]); err != nil {
			t.Fatalf("DeleteSession: %v", err)
		}
		if got := sessionIDs(model.RoleMaster, 1, model.FolderArchived); len(got) != 0 {
			t.Errorf("deleted session still listed: %v", got)
		}

		if _, err := st.ListUserSessions(ctx, 1, model.Role(0), model.FolderActive); err == nil {
			t.Error("ListUserSessions(invalid role): expected error")
		}
	})
}

func TestTxCommitAndRollback(t *testing.T) {
	withStores(t, func(t *testing.T, f datastore.DataProviderFactory) {
		ctx := context.Background()

		tx, err := f.Tx(ctx)
		if err != nil {
			t.Fatalf("Tx: %v", err)
		}
		if err := tx.SaveUser(ctx, newUser(1, "rolled back")); err != nil {
			t.Fatalf("SaveUser in tx: %v", err)
		}
		if err := tx.Rollback(); err != nil {
			t.Fatalf("Rollback: %v", err)
		}
		if u, _ := f.NonTx().GetUser(ctx, 1); u != nil {
			t.Fatalf("rolled back user visible: %+v", u)
		}

		tx, err = f.Tx(ctx)
		if err != nil {
			t.Fatalf("Tx: %v", err)
		}
		defer func() { _ = tx.Rollback() }()
		if err := tx.SaveUser(ctx, newUser(2, "committed")); err != nil {
			t.Fatalf("SaveUser in tx: %v", err)
		}
		if u, _ := tx.GetUser(ctx, 2); u == nil {
			t.Fatal("tx cannot read its own write")
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if u, _ := f.NonTx().GetUser(ctx, 2); u == nil {
			t.Fatal("committed user not visible")
		}
	})
}

func TestOutbox(t *testing.T) {
	withStores(t, func(t *testing.T, f datastore.DataProviderFactory) {
		ctx := context.Background()
		st := f.NonTx()

		for _, id := range []string{"a", "b", "c"} {
			if err := st.AppendOutbox(ctx, datastore.OutboxEntry{ID: id, Kind: "session_opened", Payload: []byte{0xa1}}); err != nil {
				t.Fatalf("AppendOutbox(%s): %v", id, err)
			}
		}
		if err := st.AppendOutbox(ctx, datastore.OutboxEntry{ID: "a", Kind: "dup", Payload: []byte{0}}); err == nil {
			t.Error("AppendOutbox(duplicate id): expected error")
		}

		pending, err := st.ListPendingOutbox(ctx, 2)
		if err != nil {
			t.Fatalf("ListPendingOutbox: %v", err)
		}
		want := []datastore.OutboxEntry{
			{ID: "a", Kind: "session_opened", Payload: []byte{0xa1}, CreatedAt: fixedNow},
			{ID: "b", Kind: "session_opened", Payload: []byte{0xa1}, CreatedAt: fixedNow},
		}
		if diff := cmp.Diff(want, pending); diff != "" {
			t.Errorf("ListPendingOutbox mismatch (-want +got):\n%s", diff)
		}

		if err := st.MarkOutboxDelivered(ctx, "a", fixedNow); err != nil {
			t.Fatalf("MarkOutboxDelivered: %v", err)
		}
		if err := st.MarkOutboxDelivered(ctx, "zzz", fixedNow); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("MarkOutboxDelivered(missing) = %v, want not found", err)
		}
		pending, _ = st.ListPendingOutbox(ctx, 10)
		var ids []string
		for _, e := range pending {
			ids = append(ids, e.ID)
		}
		if diff := cmp.Diff([]string{"b", "c"}, ids); diff != "" {
			t.Errorf("pending after delivery (-want +got):\n%s", diff)
		}

		if err := st.MarkOutboxDelivered(ctx, "b", fixedNow.Add(time.Hour)); err != nil {
			t.Fatalf("MarkOutboxDelivered(b): %v", err)
		}
		n, err := st.PruneOutbox(ctx, fixedNow.Add(time.Minute))
		if err != nil || n != 1 {
			t.Fatalf("PruneOutbox = %d, %v; want 1, nil", n, err)
		}
		if n, _ := st.PruneOutbox(ctx, fixedNow.Add(time.Minute)); n != 0 {
			t.Errorf("second PruneOutbox = %d, want 0", n)
		}
		if err := st.MarkOutboxDelivered(ctx, "a", fixedNow); !errors.Is(err, apperrors.ErrNotFound) {
			t.Errorf("pruned entry still present: %v", err)
		}
		if err := st.MarkOutboxDelivered(ctx, "b", fixedNow.Add(time.Hour)); err != nil {
			t.Errorf("recently delivered entry was pruned: %v", err)
		}
		if pending, _ = st.ListPendingOutbox(ctx, 10); len(pending) != 1 || pending[0].ID != "c" {
			t.Errorf("pending after prune = %+v, want [c]", pending)
		}
	})
}

func TestOutboxFollowsTransaction(t *testing.T) {
	withStores(t, func(t *testing.T, f datastore.DataProviderFactory) {
		ctx := context.Background()
		for _, tc := range []struct {
			id     string
			commit bool
		}{{"kept", true}, {"dropped", false}} {
			tx, err := f.Tx(ctx)
			if err != nil {
				t.Fatalf("Tx: %v", err)
			}
			if err := tx.AppendOutbox(ctx, datastore.OutboxEntry{ID: tc.id, Kind: "k", Payload: []byte{1}}); err != nil {
				t.Fatalf("AppendOutbox(%s): %v", tc.id, err)
			}
			if tc.commit {
				err = tx.Commit()
			} else {
				err = tx.Rollback()
			}
			if err != nil {
				t.Fatalf("finish %s: %v", tc.id, err)
			}
		}
		pending, err := f.NonTx().ListPendingOutbox(ctx, 10)
		if err != nil {
			t.Fatalf("ListPendingOutbox: %v", err)
		}
		if len(pending) != 1 || pending[0].ID != "kept" {
			t.Errorf("pending = %+v, want only the committed entry", pending)
		}
	})
}
