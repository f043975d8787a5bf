package engine

import "fmt"

// UserTier selects the policy applied to a request. It is passed untouched
// to every stage so implementations can apply their own tier rules.
type UserTier string

const (
	TierRegular UserTier = "regular"
	TierVIP     UserTier = "vip"
)

// AllTiers returns every valid tier.
func AllTiers() []UserTier {
	return []UserTier{TierRegular, TierVIP}
}

// ParseTier validates a raw tier value. Anything other than "regular" or
// "vip" (case-sensitive) is rejected with ErrInvalidTier.
func ParseTier(value string) (UserTier, error) {
	tier := UserTier(value)
	if !tier.Valid() {
		return "", fmt.Errorf("%w: %q (expected %q or %q)", ErrInvalidTier, value, TierRegular, TierVIP)
	}
	return tier, nil
}

// Valid reports whether t is one of the known tiers.
func (t UserTier) Valid() bool {
	return t == TierRegular || t == TierVIP
}

// Value returns the raw tier string.
func (t UserTier) Value() string {
	return string(t)
}

func (t UserTier) String() string {
	return string(t)
}

// IsVIP reports whether the tier is the premium tier.
func (t UserTier) IsVIP() bool {
	return t == TierVIP
}
