package model

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/NicolasHaas/questboard/pkg/apperrors"
)

const (
	MinAge = 14
	MaxAge = 99

	MaxNameLength = 100
	MaxCityLength = 100
	MaxBioLength  = 2000
)

var (
	ErrNameEmpty      = apperrors.New(apperrors.CodeValidation, "name must not be empty")
	ErrNameTooLong    = apperrors.New(apperrors.CodeValidation, "name too long")
	ErrAgeOutOfRange  = apperrors.Newf(apperrors.CodeValidation, "age must be between %d and %d", MinAge, MaxAge)
	ErrCityTooLong    = apperrors.New(apperrors.CodeValidation, "city too long")
	ErrBioTooLong     = apperrors.New(apperrors.CodeValidation, "bio too long")
	ErrUserIDRequired = apperrors.New(apperrors.CodeValidation, "user id must be positive")
)

// Format is the way a session is played.
type Format int

const (
	FormatOnline Format = iota + 1
	FormatOffline
)

func (f Format) String() string {
	switch f {
	case FormatOnline:
		return "online"
	case FormatOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Valid reports whether f is a defined format.
func (f Format) Valid() bool {
	return f == FormatOnline || f == FormatOffline
}

// ParseFormat converts a string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return FormatOnline, nil
	case "offline":
		return FormatOffline, nil
	default:
		return 0, apperrors.Validationf("unknown format %q", s)
	}
}

// Formats is the set of play formats a user is willing to play.
type Formats struct {
	Online  bool `json:"online" yaml:"online"`
	Offline bool `json:"offline" yaml:"offline"`
}

// Has reports whether the set contains f.
func (fs Formats) Has(f Format) bool {
	switch f {
	case FormatOnline:
		return fs.Online
	case FormatOffline:
		return fs.Offline
	default:
		return false
	}
}

// Only reports whether f is the single format in the set.
func (fs Formats) Only(f Format) bool {
	switch f {
	case FormatOnline:
		return fs.Online && !fs.Offline
	case FormatOffline:
		return fs.Offline && !fs.Online
	default:
		return false
	}
}

// User represents a registered user with optional role sub-profiles.
type User struct {
	ID        int64          `json:"id"`
	Name      string         `json:"name"`
	Age       int            `json:"age"`
	City      string         `json:"city"`
	TimeZone  string         `json:"time_zone"`
	Roles     Roles          `json:"roles"`
	Formats   Formats        `json:"formats"`
	Bio       string         `json:"bio"`
	Player    *PlayerProfile `json:"player,omitempty"`
	Master    *MasterProfile `json:"master,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Validate checks the general profile fields.
func (u *User) Validate() error {
	if u.ID <= 0 {
		return ErrUserIDRequired
	}
	if strings.TrimSpace(u.Name) == "" {
		return ErrNameEmpty
	} else if utf8.RuneCountInString(u.Name) > MaxNameLength {
		return ErrNameTooLong
	}
	if u.Age < MinAge || u.Age > MaxAge {
		return ErrAgeOutOfRange
	}
	if utf8.RuneCountInString(u.City) > MaxCityLength {
		return ErrCityTooLong
	}
	if utf8.RuneCountInString(u.Bio) > MaxBioLength {
		return ErrBioTooLong
	}
	if u.Player != nil {
		if err := u.Player.Validate(); err != nil {
			return err
		}
	}
	if u.Master != nil {
		if err := u.Master.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ReviewsFor returns the reviews map of the profile held in role, or nil.
func (u *User) ReviewsFor(role Role) Reviews {
	switch role {
	case RolePlayer:
		if u.Player != nil {
			return u.Player.Reviews
		}
	case RoleMaster:
		if u.Master != nil {
			return u.Master.Reviews
		}
	}
	return nil
}

// MasterRating is the master-profile rating, 0 when there is no master profile.
func (u *User) MasterRating() float64 {
	if u.Master == nil {
		return 0
	}
	return u.Master.Rating()
}
