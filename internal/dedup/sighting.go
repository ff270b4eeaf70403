package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Sighting is a raw record delivered by an opportunity source. The same
// listing reported twice must carry identical defining attributes.
type Sighting struct {
	Source     string
	Event      string
	Category   string
	Price      decimal.Decimal
	Quantity   int
	Confidence float64
	SeenAt     time.Time
}

// Validate rejects sightings missing a required field.
func (s Sighting) Validate() error {
	if s.Source == "" {
		return errors.New("sighting: source is required")
	}
	if s.Event == "" {
		return errors.New("sighting: event is required")
	}
	if s.Category == "" {
		return errors.New("sighting: category is required")
	}
	if s.Price.IsNegative() {
		return errors.New("sighting: price cannot be negative")
	}
	if s.Quantity < 0 {
		return errors.New("sighting: quantity cannot be negative")
	}
	return nil
}

// Fingerprint derives the deterministic identity of a sighting. Price is
// rounded to two decimal places first so equivalent prices always hash
// identically regardless of how the source formatted them.
func Fingerprint(source, event, category string, price decimal.Decimal) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(event))
	h.Write([]byte{0})
	h.Write([]byte(category))
	h.Write([]byte{0})
	h.Write([]byte(price.Round(2).StringFixed(2)))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func (s Sighting) fingerprint() string {
	return Fingerprint(s.Source, s.Event, s.Category, s.Price)
}
