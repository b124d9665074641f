package model

import "github.com/NicolasHaas/questboard/pkg/apperrors"

// Role is the capacity in which a user takes part in a session.
type Role int

const (
	RolePlayer Role = iota + 1 // Applies to and plays in sessions
	RoleMaster                 // Hosts sessions
)

// ErrInvalidRole is returned for role values outside the enum.
var ErrInvalidRole = apperrors.New(apperrors.CodeValidation, "invalid role: must be player or master")

func (r Role) String() string {
	switch r {
	case RolePlayer:
		return "player"
	case RoleMaster:
		return "master"
	default:
		return "unknown"
	}
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool {
	return r == RolePlayer || r == RoleMaster
}

// ParseRole converts a string to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "player":
		return RolePlayer, nil
	case "master":
		return RoleMaster, nil
	default:
		return 0, ErrInvalidRole
	}
}

// Roles is the set of roles a user registered for. Both may be held at once.
type Roles struct {
	Player bool `json:"player" yaml:"player"`
	Master bool `json:"master" yaml:"master"`
}

// Has reports whether the set contains r.
func (rs Roles) Has(r Role) bool {
	switch r {
	case RolePlayer:
		return rs.Player
	case RoleMaster:
		return rs.Master
	default:
		return false
	}
}

// With returns a copy of the set with r added.
func (rs Roles) With(r Role) Roles {
	switch r {
	case RolePlayer:
		rs.Player = true
	case RoleMaster:
		rs.Master = true
	}
	return rs
}

// Permission represents an action checked against a user's roles.
type Permission int

const (
	PermHostSession Permission = iota // create and run sessions
	PermApply                         // apply to sessions and search for them
	PermReceiveReview                 // be rated in a given role
)
