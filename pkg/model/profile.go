package model

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/NicolasHaas/questboard/pkg/apperrors"
)

const (
	MinScore = 1
	MaxScore = 5

	MaxSystems      = 20
	MaxSystemLength = 64
	MaxTextLength   = 1000
)

var (
	ErrInvalidExperience = apperrors.New(apperrors.CodeValidation, "invalid experience tier")
	ErrInvalidPayment    = apperrors.New(apperrors.CodeValidation, "invalid payment preference")
	ErrTooManySystems    = apperrors.Newf(apperrors.CodeValidation, "at most %d preferred systems", MaxSystems)
	ErrSystemInvalid     = apperrors.New(apperrors.CodeValidation, "system name empty or too long")
	ErrTextTooLong       = apperrors.New(apperrors.CodeValidation, "text field too long")
	ErrScoreOutOfRange   = apperrors.Newf(apperrors.CodeValidation, "score must be between %d and %d", MinScore, MaxScore)
)

// Experience is an ordinal experience tier.
type Experience int

const (
	ExperienceNovice Experience = iota + 1
	ExperienceBeginner
	ExperienceIntermediate
	ExperienceExperienced
	ExperienceVeteran
)

var experienceNames = map[Experience]string{
	ExperienceNovice:       "novice",
	ExperienceBeginner:     "beginner",
	ExperienceIntermediate: "intermediate",
	ExperienceExperienced:  "experienced",
	ExperienceVeteran:      "veteran",
}

func (e Experience) String() string {
	if name, ok := experienceNames[e]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether e is a defined tier.
func (e Experience) Valid() bool {
	return e >= ExperienceNovice && e <= ExperienceVeteran
}

// ParseExperience converts a tier name to an Experience.
func ParseExperience(s string) (Experience, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for e, name := range experienceNames {
		if name == s {
			return e, nil
		}
	}
	return 0, ErrInvalidExperience
}

// Payment is a player's stance on paid sessions.
type Payment int

const (
	PaymentBoth Payment = iota
	PaymentFreeOnly
	PaymentPaidOnly
)

func (p Payment) String() string {
	switch p {
	case PaymentBoth:
		return "both"
	case PaymentFreeOnly:
		return "free_only"
	case PaymentPaidOnly:
		return "paid_only"
	default:
		return "unknown"
	}
}

// Valid reports whether p is a defined preference.
func (p Payment) Valid() bool {
	return p >= PaymentBoth && p <= PaymentPaidOnly
}

// ParsePayment converts a string to a Payment. Empty means PaymentBoth.
func ParsePayment(s string) (Payment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "both":
		return PaymentBoth, nil
	case "free_only", "free":
		return PaymentFreeOnly, nil
	case "paid_only", "paid":
		return PaymentPaidOnly, nil
	default:
		return 0, ErrInvalidPayment
	}
}

// Reviews maps rater user id to score.
type Reviews map[int64]int

// Mean returns the average score, or 0 when there are no reviews.
func (r Reviews) Mean() float64 {
	if len(r) == 0 {
		return 0
	}
	sum := 0
	for _, score := range r {
		sum += score
	}
	return float64(sum) / float64(len(r))
}

// Clone returns an independent copy.
func (r Reviews) Clone() Reviews {
	if r == nil {
		return nil
	}
	out := make(Reviews, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// PlayerProfile holds the player-side preferences of a user.
type PlayerProfile struct {
	Experience Experience `json:"experience"`
	Payment    Payment    `json:"payment"`
	Systems    []string   `json:"systems"`
	Reviews    Reviews    `json:"reviews,omitempty"`
}

// Rating is the mean of the current reviews, 0 meaning "no reviews".
func (p *PlayerProfile) Rating() float64 {
	return p.Reviews.Mean()
}

// Validate checks the player profile fields and normalizes the systems set.
func (p *PlayerProfile) Validate() error {
	if !p.Experience.Valid() {
		return ErrInvalidExperience
	}
	if !p.Payment.Valid() {
		return ErrInvalidPayment
	}
	systems, err := NormalizeSystems(p.Systems)
	if err != nil {
		return err
	}
	p.Systems = systems
	return nil
}

// MasterProfile holds the master-side defaults of a user.
type MasterProfile struct {
	Experience          Experience `json:"experience"`
	DefaultCost         string     `json:"default_cost"`
	DefaultPlace        string     `json:"default_place"`
	DefaultPlatform     string     `json:"default_platform"`
	DefaultRequirements string     `json:"default_requirements"`
	Reviews             Reviews    `json:"reviews,omitempty"`
}

// Rating is the mean of the current reviews, 0 meaning "no reviews".
func (m *MasterProfile) Rating() float64 {
	return m.Reviews.Mean()
}

// Validate checks the master profile fields.
func (m *MasterProfile) Validate() error {
	if !m.Experience.Valid() {
		return ErrInvalidExperience
	}
	for _, text := range []string{m.DefaultCost, m.DefaultPlace, m.DefaultPlatform, m.DefaultRequirements} {
		if utf8.RuneCountInString(text) > MaxTextLength {
			return ErrTextTooLong
		}
	}
	return nil
}

// NormalizeSystems resolves catalog ids, trims, de-duplicates and sorts a
// systems set.
func NormalizeSystems(systems []string) ([]string, error) {
	if len(systems) > MaxSystems {
		return nil, ErrTooManySystems
	}
	seen := make(map[string]bool, len(systems))
	out := make([]string, 0, len(systems))
	for _, s := range systems {
		s = ResolveSystem(s)
		if s == "" || utf8.RuneCountInString(s) > MaxSystemLength {
			return nil, ErrSystemInvalid
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// Review is a single score one participant gave another.
type Review struct {
	RateeID   int64     `json:"ratee_id"`
	Role      Role      `json:"role"`
	RaterID   int64     `json:"rater_id"`
	Score     int       `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateScore checks a review score is within 1..5.
func ValidateScore(score int) error {
	if score < MinScore || score > MaxScore {
		return ErrScoreOutOfRange
	}
	return nil
}
