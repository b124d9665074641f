package model

import (
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/NicolasHaas/questboard/pkg/apperrors"
	"golang.org/x/text/cases"
)

const (
	MinPlayers = 1
	MaxPlayers = 20

	MaxTitleLength       = 100
	MaxDescriptionLength = 4000
)

var (
	ErrTitleEmpty        = apperrors.New(apperrors.CodeValidation, "session title must not be empty")
	ErrTitleTooLong      = apperrors.New(apperrors.CodeValidation, "session title too long")
	ErrDescriptionLong   = apperrors.New(apperrors.CodeValidation, "session description too long")
	ErrInvalidFormat     = apperrors.New(apperrors.CodeValidation, "session format must be online or offline")
	ErrInvalidType       = apperrors.New(apperrors.CodeValidation, "session type must be one-shot or campaign")
	ErrPlayersOutOfRange = apperrors.Newf(apperrors.CodeValidation, "players must satisfy %d <= min <= max <= %d", MinPlayers, MaxPlayers)
	ErrAgesOutOfRange    = apperrors.Newf(apperrors.CodeValidation, "ages must satisfy %d <= min <= max <= %d", MinAge, MaxAge)
	ErrMasterRequired    = apperrors.New(apperrors.CodeValidation, "session master is required")
	ErrInvalidStatus     = apperrors.New(apperrors.CodeValidation, "invalid session status")
	ErrInvalidFolder     = apperrors.New(apperrors.CodeValidation, "folder must be active or archived")
	ErrConfirmation      = apperrors.New(apperrors.CodeValidation, "confirmation text does not match the session title")
)

// Status is the recruiting state of a session.
type Status string

const (
	StatusRecruitingClosed Status = "recruiting_closed"
	StatusRecruitingOpen   Status = "recruiting_open"
	StatusCompleted        Status = "completed"
)

// Valid reports whether s is a defined status.
func (s Status) Valid() bool {
	switch s {
	case StatusRecruitingClosed, StatusRecruitingOpen, StatusCompleted:
		return true
	default:
		return false
	}
}

// CanTransitionTo enforces the session lifecycle. Completed is terminal.
func (s Status) CanTransitionTo(to Status) bool {
	switch s {
	case StatusRecruitingClosed:
		return to == StatusRecruitingOpen || to == StatusCompleted
	case StatusRecruitingOpen:
		return to == StatusRecruitingClosed || to == StatusCompleted
	default:
		return false
	}
}

// SessionType distinguishes single sessions from ongoing campaigns.
type SessionType int

const (
	TypeOneShot SessionType = iota + 1
	TypeCampaign
)

func (t SessionType) String() string {
	switch t {
	case TypeOneShot:
		return "one_shot"
	case TypeCampaign:
		return "campaign"
	default:
		return "unknown"
	}
}

// Valid reports whether t is a defined type.
func (t SessionType) Valid() bool {
	return t == TypeOneShot || t == TypeCampaign
}

// ParseSessionType converts a string to a SessionType.
func ParseSessionType(s string) (SessionType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "one_shot", "oneshot", "one-shot":
		return TypeOneShot, nil
	case "campaign":
		return TypeCampaign, nil
	default:
		return 0, ErrInvalidType
	}
}

// Folder is the bucket a user files a session under, independent of status.
type Folder string

const (
	FolderActive   Folder = "active"
	FolderArchived Folder = "archived"
)

// Valid reports whether f is a defined folder.
func (f Folder) Valid() bool {
	return f == FolderActive || f == FolderArchived
}

// Details are the descriptive fields of a session a master may edit.
type Details struct {
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	System       string      `json:"system"`
	Edition      string      `json:"edition"`
	Setting      string      `json:"setting"`
	Format       Format      `json:"format"`
	Type         SessionType `json:"type"`
	Cost         string      `json:"cost"`
	Place        string      `json:"place"`
	Platform     string      `json:"platform"`
	Time         string      `json:"time"`
	Requirements string      `json:"requirements"`
	MinPlayers   int         `json:"min_players"`
	MaxPlayers   int         `json:"max_players"`
	MinAge       int         `json:"min_age"`
	MaxAge       int         `json:"max_age"`
}

// GameSession is a single scheduled event with one master.
type GameSession struct {
	ID int64 `json:"id"`
	Details
	Status    Status    `json:"status"`
	MasterID  int64     `json:"master_id"`
	Players   IDSet     `json:"players"`
	Requests  IDSet     `json:"requests"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession builds a closed session hosted by masterID.
func NewSession(masterID int64, details Details) *GameSession {
	return &GameSession{
		Details:  details,
		Status:   StatusRecruitingClosed,
		MasterID: masterID,
	}
}

// Validate checks the descriptive fields.
func (d *Details) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return ErrTitleEmpty
	} else if utf8.RuneCountInString(d.Title) > MaxTitleLength {
		return ErrTitleTooLong
	}
	if utf8.RuneCountInString(d.Description) > MaxDescriptionLength {
		return ErrDescriptionLong
	}
	if utf8.RuneCountInString(d.System) > MaxSystemLength || utf8.RuneCountInString(d.Edition) > MaxSystemLength {
		return ErrSystemInvalid
	}
	for _, text := range []string{d.Setting, d.Cost, d.Place, d.Platform, d.Time, d.Requirements} {
		if utf8.RuneCountInString(text) > MaxTextLength {
			return ErrTextTooLong
		}
	}
	if !d.Format.Valid() {
		return ErrInvalidFormat
	}
	if !d.Type.Valid() {
		return ErrInvalidType
	}
	if d.MinPlayers < MinPlayers || d.MaxPlayers > MaxPlayers || d.MinPlayers > d.MaxPlayers {
		return ErrPlayersOutOfRange
	}
	if d.MinAge < MinAge || d.MaxAge > MaxAge || d.MinAge > d.MaxAge {
		return ErrAgesOutOfRange
	}
	return nil
}

// Validate checks the whole session, including membership invariants.
func (s *GameSession) Validate() error {
	if err := s.Details.Validate(); err != nil {
		return err
	}
	if s.MasterID <= 0 {
		return ErrMasterRequired
	}
	if !s.Status.Valid() {
		return ErrInvalidStatus
	}
	return s.CheckInvariants()
}

// CheckInvariants verifies players and requests are disjoint and exclude the master.
func (s *GameSession) CheckInvariants() error {
	if s.Players.Intersects(s.Requests) {
		return apperrors.InvariantViolationf("session %d: players and requests overlap", s.ID)
	}
	if s.Players.Has(s.MasterID) || s.Requests.Has(s.MasterID) {
		return apperrors.InvariantViolationf("session %d: master %d listed as member", s.ID, s.MasterID)
	}
	return nil
}

// IsOpen reports whether the session belongs in the open index.
func (s *GameSession) IsOpen() bool {
	return s.Status == StatusRecruitingOpen
}

// IsMember reports whether userID is an accepted player or a pending applicant.
func (s *GameSession) IsMember(userID int64) bool {
	return s.Players.Has(userID) || s.Requests.Has(userID)
}

// Participated reports whether userID took part as master or accepted player.
func (s *GameSession) Participated(userID int64) bool {
	return userID == s.MasterID || s.Players.Has(userID)
}

// Holds reports whether userID holds the session in role.
func (s *GameSession) Holds(userID int64, role Role) bool {
	switch role {
	case RoleMaster:
		return userID == s.MasterID
	case RolePlayer:
		return s.IsMember(userID)
	default:
		return false
	}
}

// AddRequest files userID as an applicant. Reports false when userID is
// already a player or applicant.
func (s *GameSession) AddRequest(userID int64) (bool, error) {
	if userID == s.MasterID {
		return false, apperrors.InvariantViolationf("session %d: master cannot apply", s.ID)
	}
	if s.IsMember(userID) {
		return false, nil
	}
	s.Requests.Add(userID)
	return true, nil
}

// AcceptRequest moves userID from requests to players.
func (s *GameSession) AcceptRequest(userID int64) error {
	if !s.Requests.Remove(userID) {
		return apperrors.NotFoundf("user %d has no pending request for session %d", userID, s.ID)
	}
	s.Players.Add(userID)
	return nil
}

// DeclineRequest drops userID from requests.
func (s *GameSession) DeclineRequest(userID int64) error {
	if !s.Requests.Remove(userID) {
		return apperrors.NotFoundf("user %d has no pending request for session %d", userID, s.ID)
	}
	return nil
}

// RemovePlayer drops an accepted player. The player is not re-filed as an applicant.
func (s *GameSession) RemovePlayer(userID int64) error {
	if !s.Players.Remove(userID) {
		return apperrors.NotFoundf("user %d is not a player of session %d", userID, s.ID)
	}
	return nil
}

// RemoveMember drops userID from whichever of players or requests it occupies.
func (s *GameSession) RemoveMember(userID int64) error {
	if s.Players.Remove(userID) || s.Requests.Remove(userID) {
		return nil
	}
	return apperrors.NotFoundf("user %d is not a member of session %d", userID, s.ID)
}

// Confirm checks a destructive action's confirmation text against the title.
func (s *GameSession) Confirm(text string) error {
	if text != s.Title {
		return ErrConfirmation
	}
	return nil
}

// Clone returns a deep copy.
func (s *GameSession) Clone() *GameSession {
	out := *s
	out.Players = s.Players.Clone()
	out.Requests = s.Requests.Clone()
	return &out
}

var freeCostWords = []string{"free", "бесплатно"}

// IsFreeCost classifies a cost text. Empty text, a leading "free" word or a
// first number equal to zero mean free; anything else is paid. The first
// number may carry a decimal part after "." or ",".
func IsFreeCost(cost string) bool {
	folded := strings.TrimSpace(cases.Fold().String(cost))
	if folded == "" {
		return true
	}
	for _, word := range freeCostWords {
		if strings.HasPrefix(folded, word) {
			return true
		}
	}
	start := strings.IndexFunc(folded, unicode.IsDigit)
	if start < 0 {
		return false
	}
	num := leadingNumber(folded[start:])
	n, err := strconv.ParseFloat(num, 64)
	return err == nil && n == 0
}

// leadingNumber returns the decimal at the start of s with a "." or ","
// separator normalized to ".".
func leadingNumber(s string) string {
	digits := func(i int) int {
		for i < len(s) && s[i] >= '0' && s[i] <= '9' {
			i++
		}
		return i
	}
	end := digits(0)
	if end+1 < len(s) && (s[end] == '.' || s[end] == ',') && s[end+1] >= '0' && s[end+1] <= '9' {
		return s[:end] + "." + s[end+1:digits(end+1)]
	}
	return s[:end]
}

// IsPaid reports whether the session charges players.
func (s *GameSession) IsPaid() bool {
	return !IsFreeCost(s.Cost)
}
