package match

import (
	"strings"

	"golang.org/x/text/cases"

	"github.com/NicolasHaas/questboard/pkg/model"
)

const (
	penaltyOfflineForOnlinePlayer = 5
	penaltyOtherCity              = 10
	penaltyOnlineForOfflinePlayer = 4
	maxAgePenalty                 = 10
	penaltyPaidForFreePlayer      = 6
	penaltyFreeForPaidPlayer      = 3
	bonusGoodMaster               = -1
	bonusGreatMaster              = -2
	penaltyPoorMaster             = 2
	penaltyMediocreMaster         = 2
	bonusPreferredSystem          = -4
)

// Score rates how well gs suits player under the effective filter; lower is
// better. Payment terms follow filter, not the stored profile. master may be
// nil when the host has been removed, which scores as an unknown city and no
// rating.
func Score(player, master *model.User, gs *model.GameSession, filter Filter) int {
	score := 0

	switch gs.Format {
	case model.FormatOffline:
		if player.Formats.Only(model.FormatOnline) {
			score += penaltyOfflineForOnlinePlayer
		}
		if master == nil || !sameCity(player.City, master.City) {
			score += penaltyOtherCity
		}
	case model.FormatOnline:
		if player.Formats.Only(model.FormatOffline) {
			score += penaltyOnlineForOfflinePlayer
		}
	}

	score += agePenalty(player.Age, gs.MinAge, gs.MaxAge)

	switch filter.Payment {
	case model.PaymentFreeOnly:
		if gs.IsPaid() {
			score += penaltyPaidForFreePlayer
		}
	case model.PaymentPaidOnly:
		if !gs.IsPaid() {
			score += penaltyFreeForPaidPlayer
		}
	}

	var rating float64
	if master != nil {
		rating = master.MasterRating()
	}
	score += ratingAdjustment(rating)

	if player.Player != nil && systemWanted(player.Player.Systems, gs.System) {
		score += bonusPreferredSystem
	}
	return score
}

// agePenalty is the distance from age to [lo, hi], capped.
func agePenalty(age, lo, hi int) int {
	var d int
	switch {
	case age < lo:
		d = lo - age
	case age > hi:
		d = age - hi
	}
	return min(d, maxAgePenalty)
}

// ratingAdjustment rewards well rated masters and penalizes poorly rated
// ones. A rating of 0 means no reviews and is neutral.
func ratingAdjustment(r float64) int {
	adj := 0
	if r > 4.0 {
		adj += bonusGoodMaster
	}
	if r > 4.5 {
		adj += bonusGreatMaster
	}
	if r > 0 && r <= 2.0 {
		adj += penaltyPoorMaster
	}
	if r > 2.0 && r <= 3.0 {
		adj += penaltyMediocreMaster
	}
	return adj
}

func sameCity(a, b string) bool {
	fold := cases.Fold()
	return fold.String(strings.TrimSpace(a)) == fold.String(strings.TrimSpace(b))
}
