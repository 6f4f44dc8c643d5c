// Package consensus turns a round's player selections into a RoundResult.
package consensus

import (
	"math"

	"github.com/Jorewin/planning-poker/go/internal/models"
)

// Calculate computes the round result for players. It returns false when the
// input is empty or any player has not selected a card yet.
//
// The mean of all selections is rounded half away from zero and snapped to the
// closest permissible card. Consensus is the share of players whose raw
// selection equals the rounded mean (not the snapped card).
func Calculate(players []models.Player) (models.RoundResult, bool) {
	if len(players) == 0 {
		return models.RoundResult{}, false
	}

	sum := 0
	for _, p := range players {
		if p.Selection == nil {
			return models.RoundResult{}, false
		}
		sum += int(*p.Selection)
	}

	rounded := int(math.Round(float64(sum) / float64(len(players))))

	matches := 0
	for _, p := range players {
		if int(*p.Selection) == rounded {
			matches++
		}
	}

	return models.RoundResult{
		Average:   Nearest(rounded),
		Consensus: float64(matches) / float64(len(players)),
	}, true
}

// Nearest maps n to the closest permissible card value. Ties go to the smaller
// card because the scale is walked in ascending order and only a strictly
// closer value replaces the current pick.
func Nearest(n int) models.CardValue {
	closest := models.CardValues[0]
	for _, c := range models.CardValues[1:] {
		if abs(int(c)-n) < abs(int(closest)-n) {
			closest = c
		}
	}
	return closest
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
