// Package match finds open sessions for a player and ranks them.
//
// A search runs in two passes over the open index. The hard filter drops
// sessions the player's filter rules out. The survivors are scored, lower
// being a better fit, and sorted stably so equal scores keep ascending
// session id order.
package match

import (
	"strings"

	"github.com/NicolasHaas/questboard/pkg/apperrors"
	"github.com/NicolasHaas/questboard/pkg/model"
)

// familyMarker is the substring that makes two system names one family.
const familyMarker = "D&D"

// Filter narrows a search. Zero values mean "no restriction": Format and
// Type 0 accept both, PaymentBoth accepts free and paid, empty Systems and
// Age 0 accept everything.
type Filter struct {
	Format  model.Format      `json:"format,omitempty"`
	Payment model.Payment     `json:"payment,omitempty"`
	Type    model.SessionType `json:"type,omitempty"`
	Systems []string          `json:"systems,omitempty"`
	Age     int               `json:"age,omitempty"`
}

// DefaultFilter derives a filter from the player's profile.
func DefaultFilter(u *model.User) Filter {
	f := Filter{Age: u.Age}
	switch {
	case u.Formats.Only(model.FormatOnline):
		f.Format = model.FormatOnline
	case u.Formats.Only(model.FormatOffline):
		f.Format = model.FormatOffline
	}
	if u.Player != nil {
		f.Payment = u.Player.Payment
		f.Systems = append([]string(nil), u.Player.Systems...)
	}
	return f
}

// Validate rejects out-of-range filter values.
func (f Filter) Validate() error {
	if f.Format != 0 && !f.Format.Valid() {
		return model.ErrInvalidFormat
	}
	if f.Type != 0 && !f.Type.Valid() {
		return model.ErrInvalidType
	}
	if !f.Payment.Valid() {
		return model.ErrInvalidPayment
	}
	if f.Age < 0 || f.Age > model.MaxAge {
		return apperrors.Validationf("filter age must be 0 or at most %d", model.MaxAge)
	}
	return nil
}

// Admits reports whether gs survives the hard filter.
func (f Filter) Admits(gs *model.GameSession) bool {
	if f.Format != 0 && f.Format != gs.Format {
		return false
	}
	switch f.Payment {
	case model.PaymentFreeOnly:
		if gs.IsPaid() {
			return false
		}
	case model.PaymentPaidOnly:
		if !gs.IsPaid() {
			return false
		}
	}
	if f.Type != 0 && f.Type != gs.Type {
		return false
	}
	if len(f.Systems) > 0 && !systemWanted(f.Systems, gs.System) {
		return false
	}
	if f.Age != 0 && (f.Age < gs.MinAge || f.Age > gs.MaxAge) {
		return false
	}
	return true
}

// sameFamily reports whether both names carry the family marker.
func sameFamily(a, b string) bool {
	return strings.Contains(a, familyMarker) && strings.Contains(b, familyMarker)
}

// systemWanted reports whether system is listed or shares a family with a listed entry.
func systemWanted(systems []string, system string) bool {
	for _, s := range systems {
		if s == system || sameFamily(s, system) {
			return true
		}
	}
	return false
}
