package contracts

// Tier is the licence policy category assigned by the classifier.
type Tier string

const (
	TierAlwaysAllowed Tier = "always_allowed"
	TierAllowed       Tier = "allowed"
	TierAvoid         Tier = "avoid"
	TierBlocked       Tier = "blocked"
	TierUnknown       Tier = "unknown"
)

// tierScores fixes the licence score per tier.
var tierScores = map[Tier]int{
	TierAlwaysAllowed: 100,
	TierAllowed:       80,
	TierAvoid:         30,
	TierBlocked:       0,
	TierUnknown:       50,
}

// Score returns the licence score for the tier, or 0 for an
// unrecognized tier value.
func (t Tier) Score() int {
	return tierScores[t]
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierScores[t]
	return ok
}

// TierForScore maps a 0..100 licence score back onto its tier band.
// Exact tier scores map to their tier; anything else falls into the
// nearest band below always_allowed.
func TierForScore(score int) Tier {
	switch {
	case score >= 100:
		return TierAlwaysAllowed
	case score >= 80:
		return TierAllowed
	case score >= 50:
		return TierUnknown
	case score > 0:
		return TierAvoid
	default:
		return TierBlocked
	}
}

// SecurityScore derives the 0..100 score from severity counts: any
// critical zeroes the score, otherwise 100 - 15*high - 8*medium -
// 3*low, clamped to [0, 100]. Informational findings never cost.
func SecurityScore(critical, high, medium, low int) int {
	if critical > 0 {
		return 0
	}
	score := 100 - 15*high - 8*medium - 3*low
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
