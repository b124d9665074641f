package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/NicolasHaas/questboard/pkg/apperrors"
	"github.com/NicolasHaas/questboard/pkg/match"
	"github.com/NicolasHaas/questboard/pkg/model"
)

// ActorHeader carries the id of the user a request acts for. The
// conversational front end sets it; it is trusted as is.
const ActorHeader = "X-User-ID"

const maxBodyBytes = 1 << 20

type ctxKey int

const actorKey ctxKey = iota

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/systems", s.handleSystems)

	r.Group(func(r chi.Router) {
		r.Use(requireActor)

		r.Post("/users", s.handleRegister)
		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetUser)
			r.Put("/player", s.handleSetPlayer)
			r.Put("/master", s.handleSetMaster)
			r.Get("/sessions", s.handleUserSessions)
			r.Get("/matches", s.handleMatches)
			r.Get("/ratings/{role}", s.handleRatingReport)
		})

		r.Post("/sessions", s.handleCreateSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Patch("/", s.handleEditSession)
			r.Post("/open", s.handleOpen)
			r.Post("/close", s.handleClose)
			r.Post("/complete", s.handleComplete)
			r.Post("/delete", s.handleDelete)
			r.Post("/folder", s.handleFolder)
			r.Post("/apply", s.handleApply)
			r.Post("/accept", s.handleAccept)
			r.Post("/decline", s.handleDecline)
			r.Post("/kick", s.handleKick)
			r.Post("/leave", s.handleLeave)
			r.Post("/ratings", s.handleRate)
		})
	})
	return r
}

// ---- Middleware ----

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(ActorHeader)
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			writeJSON(w, http.StatusUnauthorized, errorResponse{
				Code:    "UNAUTHENTICATED",
				Message: ActorHeader + " header must hold a positive user id",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, id)))
	})
}

func actorFrom(r *http.Request) int64 {
	id, _ := r.Context().Value(actorKey).(int64)
	return id
}

// ---- Responses ----

type errorResponse struct {
	Code        apperrors.Code    `json:"code"`
	Message     string            `json:"message"`
	Recoverable bool              `json:"recoverable"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.metrics.RequestErrors.Add(1)
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{
		Code:        code,
		Message:     msg,
		Recoverable: code.Recoverable(),
		Metadata:    apperrors.MetadataOf(err),
	})
}

// decode reads a JSON body into v. An empty body leaves v unchanged.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Validationf("invalid request body: %v", err)
	}
	return nil
}

// decodeBytes merges a JSON body into v. An empty body leaves v unchanged.
func decodeBytes(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperrors.Validationf("invalid request body: %v", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.WithMetadata(apperrors.CodeValidation,
			fmt.Sprintf("invalid %s %q", name, chi.URLParam(r, name)),
			map[string]string{"param": name},
		)
	}
	return id, nil
}

// self resolves the {id} path user and requires it to be the actor.
func self(r *http.Request) (int64, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return 0, err
	}
	if id != actorFrom(r) {
		return 0, apperrors.PermissionDeniedf("user %d cannot act for user %d", actorFrom(r), id)
	}
	return id, nil
}

func (s *Server) handleSystems(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, model.PopularSystems)
}

// ---- Users ----

type registerRequest struct {
	Name     string        `json:"name"`
	Age      int           `json:"age"`
	City     string        `json:"city"`
	TimeZone string        `json:"time_zone"`
	Formats  model.Formats `json:"formats"`
	Bio      string        `json:"bio"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.profiles.Register(r.Context(), model.User{
		ID:       actorFrom(r),
		Name:     req.Name,
		Age:      req.Age,
		City:     req.City,
		TimeZone: req.TimeZone,
		Formats:  req.Formats,
		Bio:      req.Bio,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.profiles.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleSetPlayer(w http.ResponseWriter, r *http.Request) {
	id, err := self(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var p model.PlayerProfile
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.profiles.SetPlayerProfile(r.Context(), id, p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleSetMaster(w http.ResponseWriter, r *http.Request) {
	id, err := self(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var m model.MasterProfile
	if err := decode(r, &m); err != nil {
		s.writeError(w, r, err)
		return
	}
	u, err := s.profiles.SetMasterProfile(r.Context(), id, m)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleUserSessions(w http.ResponseWriter, r *http.Request) {
	id, err := self(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	role, err := queryRole(q.Get("role"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	folder := model.FolderActive
	if v := q.Get("folder"); v != "" {
		folder = model.Folder(v)
	}
	list, err := s.profiles.Sessions(r.Context(), id, role, folder)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	id, err := self(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter, err := parseFilter(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, err := s.matcher.Search(r.Context(), match.Request{PlayerID: id, Filter: filter})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.metrics.Searches.Add(1)
	s.metrics.SearchResults.Add(int64(len(list)))
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleRatingReport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	role, err := model.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.ratings.Report(r.Context(), id, role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// queryRole parses a role query value; empty means player.
func queryRole(v string) (model.Role, error) {
	if v == "" {
		return model.RolePlayer, nil
	}
	return model.ParseRole(v)
}

// parseFilter builds a one-off search filter from the query. It returns nil
// when no filter parameter is present so the profile default applies.
// "both" or an empty value leaves a dimension unrestricted.
func parseFilter(q url.Values) (*match.Filter, error) {
	keys := []string{"format", "payment", "type", "systems", "age"}
	present := false
	for _, k := range keys {
		if _, ok := q[k]; ok {
			present = true
			break
		}
	}
	if !present {
		return nil, nil
	}

	var f match.Filter
	var err error
	if v := q.Get("format"); v != "" && v != "both" {
		if f.Format, err = model.ParseFormat(v); err != nil {
			return nil, err
		}
	}
	if f.Payment, err = model.ParsePayment(q.Get("payment")); err != nil {
		return nil, err
	}
	if v := q.Get("type"); v != "" && v != "both" {
		if f.Type, err = model.ParseSessionType(v); err != nil {
			return nil, err
		}
	}
	for _, v := range q["systems"] {
		for _, sys := range strings.Split(v, ",") {
			if sys = strings.TrimSpace(sys); sys != "" {
				f.Systems = append(f.Systems, sys)
			}
		}
	}
	if v := q.Get("age"); v != "" {
		if f.Age, err = strconv.Atoi(v); err != nil {
			return nil, apperrors.Validationf("invalid age %q", v)
		}
	}
	return &f, nil
}

// ---- Sessions ----

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var d model.Details
	if err := decode(r, &d); err != nil {
		s.writeError(w, r, err)
		return
	}
	gs, err := s.lifecycle.Create(r.Context(), actorFrom(r), d)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, gs)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	gs, err := s.lifecycle.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

// handleEditSession applies a partial update: fields absent from the body
// keep their current values.
func (s *Server) handleEditSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, apperrors.Validationf("invalid request body: %v", err))
		return
	}
	gs, err := s.lifecycle.Patch(r.Context(), id, actorFrom(r), func(d *model.Details) error {
		return decodeBytes(body, d)
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, gs)
}

// sessionAction adapts an operation on the {id} session to a handler that
// answers 204 on success.
func (s *Server) sessionAction(fn func(r *http.Request, sessionID, actor int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if err := fn(r, id, actorFrom(r)); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type confirmRequest struct {
	Confirmation string `json:"confirmation"`
}

type folderRequest struct {
	Role   string       `json:"role"`
	Folder model.Folder `json:"folder"`
}

type playerRequest struct {
	PlayerID int64 `json:"player_id"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(func(r *http.Request, id, actor int64) error {
		return s.lifecycle.Open(r.Context(), id, actor)
	})(w, r)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(func(r *http.Request, id, actor int64) error {
		return s.lifecycle.Close(r.Context(), id, actor)
	})(w, r)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(func(r *http.Request, id, actor int64) error {
		var req confirmRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		return s.lifecycle.Complete(r.Context(), id, actor, req.Confirmation)
	})(w, r)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(func(r *http.Request, id, actor int64) error {
		var req confirmRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		return s.lifecycle.Delete(r.Context(), id, actor, req.Confirmation)
	})(w, r)
}

func (s *Server) handleFolder(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(func(r *http.Request, id, actor int64) error {
		var req folderRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		role, err := model.ParseRole(req.Role)
		if err != nil {
			return err
		}
		return s.lifecycle.SetFolder(r.Context(), id, actor, role, req.Folder)
	})(w, r)
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(func(r *http.Request, id, actor int64) error {
		return s.membership.Apply(r.Context(), id, actor)
	})(w, r)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	s.sessionAction(func(r *http.Request, id, actor int64) error {
		return s.membership.Leave(r.Context(), id, actor)
	})(w, r)
}

// playerDecision handles the master actions that name one player.
func (s *Server) playerDecision(op func(ctx context.Context, sessionID, actor, playerID int64) error) http.HandlerFunc {
	return s.sessionAction(func(r *http.Request, id, actor int64) error {
		var req playerRequest
		if err := decode(r, &req); err != nil {
			return err
		}
		if req.PlayerID <= 0 {
			return apperrors.Validationf("player_id is required")
		}
		return op(r.Context(), id, actor, req.PlayerID)
	})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	s.playerDecision(s.membership.Accept)(w, r)
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	s.playerDecision(s.membership.Decline)(w, r)
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	s.playerDecision(s.membership.Kick)(w, r)
}

type rateRequest struct {
	RateeID int64  `json:"ratee_id"`
	Role    string `json:"role"`
	Score   int    `json:"score"`
}

type rateResponse struct {
	Rating float64 `json:"rating"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req rateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rating, err := s.ratings.Rate(r.Context(), id, actorFrom(r), req.RateeID, role, req.Score)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rateResponse{Rating: rating})
}
