package renew

import (
	"math"
	"time"
)

// DurationClass is one of the renewal durations offered to users, in days.
// Classes are sold as multiples of the lock's native renewal period, not
// raw day counts, so pricing and on-chain duration stay consistent even if
// the lock's base period changes.
type DurationClass int

// The supported duration classes.
const (
	Duration30  DurationClass = 30
	Duration90  DurationClass = 90
	Duration365 DurationClass = 365
)

// Multiplier returns how many base renewal periods the class purchases.
func (c DurationClass) Multiplier() int64 {
	switch c {
	case Duration30:
		return 1
	case Duration90:
		return 3
	case Duration365:
		return 12
	default:
		return 0
	}
}

// Valid reports whether the class is one of the supported durations.
func (c DurationClass) Valid() bool {
	return c.Multiplier() != 0
}

// Quote is the priced cost of one renewal: the on-chain base cost, the
// service fee derived from it, and their sum, all in the ledger's smallest
// unit.
type Quote struct {
	BaseCost   int64
	Fee        int64
	Total      int64
	FeePercent float64
	Class      DurationClass
}

// NewQuote prices a renewal from the lock's current unit key price and the
// configured service-fee percent. The fee is rounded half up.
func NewQuote(keyPrice int64, feePercent float64, class DurationClass) (Quote, error) {
	if !class.Valid() {
		return Quote{}, Validationf("unsupported duration class: %d", class)
	}

	base := keyPrice * class.Multiplier()
	fee := int64(math.Floor(float64(base)*feePercent + 0.5))

	return Quote{
		BaseCost:   base,
		Fee:        fee,
		Total:      base + fee,
		FeePercent: feePercent,
		Class:      class,
	}, nil
}

// AddedDuration returns the on-chain extension the class purchases, given
// the lock's base expirationDuration in seconds.
func AddedDuration(baseSeconds int64, class DurationClass) (int64, error) {
	if !class.Valid() {
		return 0, Validationf("unsupported duration class: %d", class)
	}
	return baseSeconds * class.Multiplier(), nil
}

// ExpectedExpiration computes the expiration the key should carry after a
// successful extension.
func ExpectedExpiration(current time.Time, baseSeconds int64, class DurationClass) (time.Time, error) {
	added, err := AddedDuration(baseSeconds, class)
	if err != nil {
		return time.Time{}, err
	}
	return current.Add(time.Duration(added) * time.Second), nil
}
