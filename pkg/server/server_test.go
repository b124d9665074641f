package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NicolasHaas/questboard/pkg/datastore"
	"github.com/NicolasHaas/questboard/pkg/logging"
	"github.com/NicolasHaas/questboard/pkg/match"
	"github.com/NicolasHaas/questboard/pkg/model"
	"github.com/NicolasHaas/questboard/pkg/notify"

	"github.com/google/go-cmp/cmp"
)

var testNow = time.Date(2026, 8, 1, 18, 0, 0, 0, time.UTC)

type sinkRecorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *sinkRecorder) Deliver(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *sinkRecorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func newTestServer(t *testing.T) (*Server, datastore.DataProviderFactory, *sinkRecorder) {
	t.Helper()
	st := datastore.NewMemoryWithClock(func() time.Time { return testNow })
	sink := &sinkRecorder{}
	srv := New(DefaultConfig(), Dependencies{
		Store:  st,
		Logger: logging.Discard(),
		Sink:   sink,
		Now:    func() time.Time { return testNow },
	})
	return srv, st, sink
}

// call sends a request as actor (0 sends no actor header) and returns the recorder.
func call(t *testing.T, h http.Handler, method, path string, actor int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if actor != 0 {
		req.Header.Set(ActorHeader, strconv.FormatInt(actor, 10))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d; body: %s", rec.Code, want, rec.Body.String())
	}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response: %v; body: %s", err, rec.Body.String())
	}
	return v
}

const (
	gmID    int64 = 1
	alice   int64 = 2
	bob     int64 = 3
	visitor int64 = 9
)

// seedAPI registers a master and two players through the API and posts one
// open session. It returns the session.
func seedAPI(t *testing.T, h http.Handler) model.GameSession {
	t.Helper()
	for _, u := range []struct {
		id   int64
		name string
		city string
	}{{gmID, "Keeper", "Samara"}, {alice, "Alice", "Samara"}, {bob, "Bob", "Ufa"}} {
		rec := call(t, h, http.MethodPost, "/users", u.id, registerRequest{
			Name: u.name, Age: 28, City: u.city,
			Formats: model.Formats{Online: true, Offline: true},
		})
		expectStatus(t, rec, http.StatusOK)
	}
	expectStatus(t, call(t, h, http.MethodPut, "/users/1/master", gmID, model.MasterProfile{
		Experience: model.ExperienceVeteran, DefaultCost: "free", DefaultPlace: "Library",
	}), http.StatusOK)
	for _, id := range []int64{alice, bob} {
		path := "/users/" + strconv.FormatInt(id, 10) + "/player"
		expectStatus(t, call(t, h, http.MethodPut, path, id, model.PlayerProfile{
			Experience: model.ExperienceBeginner, Systems: []string{"D&D"},
		}), http.StatusOK)
	}

	rec := call(t, h, http.MethodPost, "/sessions", gmID, model.Details{
		Title: "Lost Mine", System: "D&D 5e", Format: model.FormatOffline, Type: model.TypeOneShot,
		MinPlayers: 1, MaxPlayers: 4, MinAge: 18, MaxAge: 99,
	})
	expectStatus(t, rec, http.StatusCreated)
	gs := decodeBody[model.GameSession](t, rec)
	if gs.Place != "Library" || gs.Cost != "free" {
		t.Fatalf("master defaults not applied: place=%q cost=%q", gs.Place, gs.Cost)
	}
	expectStatus(t, call(t, h, http.MethodPost, "/sessions/1/open", gmID, nil), http.StatusNoContent)
	return gs
}

func TestAPISessionFlow(t *testing.T) {
	srv, _, sink := newTestServer(t)
	h := srv.Handler()
	seedAPI(t, h)

	rec := call(t, h, http.MethodGet, "/users/3/matches", bob, nil)
	expectStatus(t, rec, http.StatusOK)
	// Other city +10, preferred family -4.
	want := []match.Candidate{{SessionID: 1, Title: "Lost Mine", Score: 6}}
	if diff := cmp.Diff(want, decodeBody[[]match.Candidate](t, rec)); diff != "" {
		t.Errorf("matches mismatch (-want +got):\n%s", diff)
	}

	expectStatus(t, call(t, h, http.MethodPost, "/sessions/1/apply", alice, nil), http.StatusNoContent)
	expectStatus(t, call(t, h, http.MethodPost, "/sessions/1/apply", bob, nil), http.StatusNoContent)
	expectStatus(t, call(t, h, http.MethodPost, "/sessions/1/accept", gmID, playerRequest{PlayerID: alice}), http.StatusNoContent)
	expectStatus(t, call(t, h, http.MethodPost, "/sessions/1/decline", gmID, playerRequest{PlayerID: bob}), http.StatusNoContent)

	rec = call(t, h, http.MethodGet, "/sessions/1", visitor, nil)
	expectStatus(t, rec, http.StatusOK)
	gs := decodeBody[model.GameSession](t, rec)
	if diff := cmp.Diff(model.IDSet{alice}, gs.Players); diff != "" {
		t.Errorf("players mismatch (-want +got):\n%s", diff)
	}
	if len(gs.Requests) != 0 {
		t.Errorf("requests = %v, want none", gs.Requests)
	}

	expectStatus(t, call(t, h, http.MethodPatch, "/sessions/1", gmID, map[string]any{"time": "Friday 19:00"}), http.StatusOK)
	rec = call(t, h, http.MethodGet, "/sessions/1", gmID, nil)
	gs = decodeBody[model.GameSession](t, rec)
	if gs.Time != "Friday 19:00" || gs.Title != "Lost Mine" {
		t.Errorf("patch result: time=%q title=%q", gs.Time, gs.Title)
	}

	expectStatus(t, call(t, h, http.MethodPost, "/sessions/1/complete", gmID, confirmRequest{Confirmation: "Lost Mine"}), http.StatusNoContent)

	rec = call(t, h, http.MethodPost, "/sessions/1/ratings", alice, rateRequest{RateeID: gmID, Role: "master", Score: 5})
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[rateResponse](t, rec); got.Rating != 5 {
		t.Errorf("rating = %v, want 5", got.Rating)
	}

	rec = call(t, h, http.MethodGet, "/users/1/ratings/master", visitor, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[map[string]any](t, rec); got["count"] != float64(1) {
		t.Errorf("report = %v, want one review", got)
	}

	rec = call(t, h, http.MethodPost, "/sessions/1/folder", alice, folderRequest{Role: "player", Folder: model.FolderArchived})
	expectStatus(t, rec, http.StatusNoContent)
	rec = call(t, h, http.MethodGet, "/users/2/sessions?role=player&folder=archived", alice, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[[]model.GameSession](t, rec); len(got) != 1 || got[0].ID != 1 {
		t.Errorf("archive = %+v, want session 1", got)
	}

	m := srv.Metrics()
	if got := m.Events(notify.KindRequestReceived); got != 2 {
		t.Errorf("request events = %d, want 2", got)
	}
	if got := m.Searches.Load(); got != 1 {
		t.Errorf("searches = %d, want 1", got)
	}

	n, err := srv.Relay().RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	wantKinds := []notify.Kind{
		notify.KindSessionOpened,
		notify.KindRequestReceived,
		notify.KindRequestReceived,
		notify.KindApplicationAccepted,
		notify.KindApplicationDeclined,
		notify.KindSessionCompleted,
		notify.KindRatingRecorded,
	}
	if n != len(wantKinds) {
		t.Errorf("relayed %d, want %d", n, len(wantKinds))
	}
	if diff := cmp.Diff(wantKinds, sink.kinds()); diff != "" {
		t.Errorf("relayed kinds mismatch (-want +got):\n%s", diff)
	}
	if got := m.OutboxDelivered.Load(); got != int64(len(wantKinds)) {
		t.Errorf("outbox delivered = %d, want %d", got, len(wantKinds))
	}
}

func TestAPIErrors(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	seedAPI(t, h)

	type tcase struct {
		method string
		path   string
		actor  int64
		body   any
		status int
		code   string
		meta   map[string]string
	}

	fn := func(tc tcase) func(*testing.T) {
		return func(t *testing.T) {
			rec := call(t, h, tc.method, tc.path, tc.actor, tc.body)
			expectStatus(t, rec, tc.status)
			got := decodeBody[errorResponse](t, rec)
			if string(got.Code) != tc.code {
				t.Errorf("code = %q, want %q", got.Code, tc.code)
			}
			wantRecoverable := tc.code == "VALIDATION" || tc.code == "PERMISSION_DENIED"
			if got.Recoverable != wantRecoverable {
				t.Errorf("recoverable = %v, want %v", got.Recoverable, wantRecoverable)
			}
			if tc.meta != nil {
				if diff := cmp.Diff(tc.meta, got.Metadata); diff != "" {
					t.Errorf("metadata mismatch (-want +got):\n%s", diff)
				}
			}
		}
	}

	tests := map[string]tcase{
		"missing actor": {
			method: http.MethodPost, path: "/sessions/1/apply",
			status: http.StatusUnauthorized, code: "UNAUTHENTICATED",
		},
		"unknown session": {
			method: http.MethodPost, path: "/sessions/42/apply", actor: alice,
			status: http.StatusNotFound, code: "NOT_FOUND",
		},
		"bad session id": {
			method: http.MethodGet, path: "/sessions/abc", actor: alice,
			status: http.StatusUnprocessableEntity, code: "VALIDATION",
			meta:   map[string]string{"param": "id"},
		},
		"player cannot close": {
			method: http.MethodPost, path: "/sessions/1/close", actor: alice,
			status: http.StatusForbidden, code: "PERMISSION_DENIED",
		},
		"open twice": {
			method: http.MethodPost, path: "/sessions/1/open", actor: gmID,
			status: http.StatusConflict, code: "INVALID_TRANSITION",
		},
		"wrong confirmation": {
			method: http.MethodPost, path: "/sessions/1/complete", actor: gmID,
			body:   confirmRequest{Confirmation: "lost mine"},
			status: http.StatusUnprocessableEntity, code: "VALIDATION",
		},
		"rate before completion": {
			method: http.MethodPost, path: "/sessions/1/ratings", actor: alice,
			body:   rateRequest{RateeID: gmID, Role: "master", Score: 4},
			status: http.StatusConflict, code: "INVALID_TRANSITION",
		},
		"accept without player": {
			method: http.MethodPost, path: "/sessions/1/accept", actor: gmID,
			body:   map[string]any{},
			status: http.StatusUnprocessableEntity, code: "VALIDATION",
		},
		"edit someone else's profile": {
			method: http.MethodPut, path: "/users/2/player", actor: bob,
			body:   model.PlayerProfile{Experience: model.ExperienceNovice},
			status: http.StatusForbidden, code: "PERMISSION_DENIED",
		},
		"bad filter": {
			method: http.MethodGet, path: "/users/2/matches?age=200", actor: alice,
			status: http.StatusUnprocessableEntity, code: "VALIDATION",
		},
		"player without master profile creates": {
			method: http.MethodPost, path: "/sessions", actor: alice,
			body:   model.Details{Title: "Mine"},
			status: http.StatusForbidden, code: "PERMISSION_DENIED",
			meta:   map[string]string{"permission": "host_session", "role": "master"},
		},
		"unknown rating role": {
			method: http.MethodGet, path: "/users/1/ratings/admin", actor: alice,
			status: http.StatusUnprocessableEntity, code: "VALIDATION",
		},
	}

	for name, tc := range tests {
		t.Run(name, fn(tc))
	}
}

func TestMalformedBody(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader("{not json"))
	req.Header.Set(ActorHeader, "5")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusUnprocessableEntity)
}

func TestParseFilter(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    *match.Filter
		wantErr bool
	}{
		{name: "no parameters", query: "", want: nil},
		{name: "all both", query: "format=both&payment=both&type=both", want: &match.Filter{}},
		{
			name:  "specific",
			query: "format=offline&payment=free_only&type=campaign&systems=D%26D,Fate&systems=GURPS&age=30",
			want: &match.Filter{
				Format:  model.FormatOffline,
				Payment: model.PaymentFreeOnly,
				Type:    model.TypeCampaign,
				Systems: []string{"D&D", "Fate", "GURPS"},
				Age:     30,
			},
		},
		{name: "bad format", query: "format=vr", wantErr: true},
		{name: "bad age", query: "age=old", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/?"+tc.query, nil)
			got, err := parseFilter(req.URL.Query())
			if tc.wantErr {
				if err == nil {
					t.Fatalf("parseFilter(%q) = %+v, want error", tc.query, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseFilter(%q): %v", tc.query, err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("filter mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSystemsCatalog(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := call(t, srv.Handler(), http.MethodGet, "/systems", 0, nil)
	expectStatus(t, rec, http.StatusOK)
	if diff := cmp.Diff(model.PopularSystems, decodeBody[[]model.PopularSystem](t, rec)); diff != "" {
		t.Errorf("catalog mismatch (-want +got):\n%s", diff)
	}
}

func TestPatchSession(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()
	seedAPI(t, h)

	body := map[string]any{"system": "system_pathfinder", "edition": "2e", "setting": "Golarion"}
	rec := call(t, h, http.MethodPatch, "/sessions/1", gmID, body)
	expectStatus(t, rec, http.StatusOK)
	gs := decodeBody[model.GameSession](t, rec)
	if gs.System != "Pathfinder" || gs.Edition != "2e" || gs.Setting != "Golarion" || gs.Title != "Lost Mine" {
		t.Errorf("patched session = %+v", gs.Details)
	}

	req := httptest.NewRequest(http.MethodPatch, "/sessions/1", strings.NewReader(`{"title": 5}`))
	req.Header.Set(ActorHeader, strconv.FormatInt(gmID, 10))
	bad := httptest.NewRecorder()
	h.ServeHTTP(bad, req)
	expectStatus(t, bad, http.StatusUnprocessableEntity)

	rec = call(t, h, http.MethodGet, "/sessions/1", gmID, nil)
	if got := decodeBody[model.GameSession](t, rec); got.Title != "Lost Mine" || got.Edition != "2e" {
		t.Errorf("session after bad patch = %+v", got.Details)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t)
	h := srv.Handler()

	rec := call(t, h, http.MethodGet, "/healthz", 0, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[healthResponse](t, rec); got.Status != "ok" || got.Version.Version == "" {
		t.Errorf("health = %+v", got)
	}

	seedAPI(t, h)
	rec = call(t, h, http.MethodGet, "/metrics", 0, nil)
	expectStatus(t, rec, http.StatusOK)
	body := rec.Body.String()
	for _, line := range []string{
		`questboard_events_total{kind="session_opened"} 1`,
		`questboard_events_total{kind="rating_recorded"} 0`,
		"# TYPE questboard_searches_total counter",
		"questboard_outbox_delivered_total 0",
	} {
		if !strings.Contains(body, line) {
			t.Errorf("metrics output missing %q", line)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("QUESTBOARD_DB", "/var/lib/questboard/board.db")
	t.Setenv("QUESTBOARD_OUTBOX_INTERVAL", "5s")
	t.Setenv("QUESTBOARD_LOG_FORMAT", "json")
	t.Setenv("QUESTBOARD_OUTBOX_RETENTION", "72h")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := DefaultConfig()
	want.DBPath = "/var/lib/questboard/board.db"
	want.OutboxInterval = 5 * time.Second
	want.LogFormat = "json"
	want.OutboxRetention = 72 * time.Hour
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}

	cfg.LogFormat = "xml"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted log format xml")
	}
}
