package dedup

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Tier is the configured priority band of a category.
type Tier int

const (
	TierLow Tier = iota
	TierNormal
	TierHigh
	TierCritical
)

// ParseTier maps a configured tier name to its ordinal. Unknown names fall
// back to normal.
func ParseTier(name string) Tier {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "low":
		return TierLow
	case "high":
		return TierHigh
	case "critical":
		return TierCritical
	default:
		return TierNormal
	}
}

func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierHigh:
		return "high"
	case TierCritical:
		return "critical"
	default:
		return "normal"
	}
}

// Opportunity is a deduplicated, scored record eligible for a strike attempt.
type Opportunity struct {
	Fingerprint string
	Source      string
	Event       string
	Category    string
	Price       decimal.Decimal
	Quantity    int
	Tier        Tier
	Priority    int
	Confidence  float64
	DetectedAt  time.Time
	Processed   bool
}

// Options tune scoring behaviour.
type Options struct {
	// CategoryTiers maps a sighting category to a tier name.
	CategoryTiers map[string]string
	// Weights for the priority score. They are normalised internally so the
	// score always lands in [0, 100].
	TierWeight       float64
	FreshnessWeight  float64
	ConfidenceWeight float64
	// FreshnessHorizon is the age at which the freshness component reaches
	// zero.
	FreshnessHorizon time.Duration
}

// Table folds raw sightings into unique opportunities.
type Table struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*Opportunity
}

// NewTable constructs an empty dedup table.
func NewTable(opts Options, logger zerolog.Logger) *Table {
	if opts.TierWeight == 0 && opts.FreshnessWeight == 0 && opts.ConfidenceWeight == 0 {
		opts.TierWeight = 0.5
		opts.FreshnessWeight = 0.3
		opts.ConfidenceWeight = 0.2
	}
	if opts.FreshnessHorizon <= 0 {
		opts.FreshnessHorizon = 2 * time.Minute
	}
	return &Table{
		opts:    opts,
		logger:  logger.With().Str("component", "dedup").Logger(),
		now:     time.Now,
		entries: make(map[string]*Opportunity),
	}
}

// Submit folds a sighting into the table. A sighting with a new fingerprint
// creates and returns a scored opportunity; a duplicate of an unprocessed
// entry only refreshes DetectedAt and returns nil. Malformed sightings are
// rejected and never inserted.
func (t *Table) Submit(s Sighting) (*Opportunity, error) {
	if err := s.Validate(); err != nil {
		t.logger.Warn().Err(err).Str("source", s.Source).Str("event", s.Event).Msg("rejecting malformed sighting")
		return nil, err
	}

	now := t.now().UTC()
	fp := s.fingerprint()

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.entries[fp]; ok {
		if !existing.Processed {
			existing.DetectedAt = now
		}
		return nil, nil
	}

	tier := t.tierFor(s.Category)
	quantity := s.Quantity
	if quantity == 0 {
		quantity = 1
	}

	opp := &Opportunity{
		Fingerprint: fp,
		Source:      s.Source,
		Event:       s.Event,
		Category:    s.Category,
		Price:       s.Price.Round(2),
		Quantity:    quantity,
		Tier:        tier,
		Confidence:  s.Confidence,
		DetectedAt:  now,
	}
	opp.Priority = t.score(tier, s, now)
	t.entries[fp] = opp

	snapshot := *opp
	return &snapshot, nil
}

// Get returns a snapshot of the opportunity with the given fingerprint.
func (t *Table) Get(fp string) (Opportunity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	opp, ok := t.entries[fp]
	if !ok {
		return Opportunity{}, false
	}
	return *opp, true
}

// MarkProcessed records that a strike decision was made for the fingerprint.
func (t *Table) MarkProcessed(fp string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	opp, ok := t.entries[fp]
	if !ok {
		return false
	}
	opp.Processed = true
	return true
}

// Len reports the number of tracked opportunities.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Table) tierFor(category string) Tier {
	if name, ok := t.opts.CategoryTiers[category]; ok {
		return ParseTier(name)
	}
	return TierNormal
}

// score combines tier, freshness, and source confidence into an ordinal
// priority in [0, 100].
func (t *Table) score(tier Tier, s Sighting, now time.Time) int {
	total := t.opts.TierWeight + t.opts.FreshnessWeight + t.opts.ConfidenceWeight

	tierPart := float64(tier) / float64(TierCritical)

	freshness := 1.0
	if !s.SeenAt.IsZero() {
		age := now.Sub(s.SeenAt)
		if age > 0 {
			freshness = 1 - float64(age)/float64(t.opts.FreshnessHorizon)
			freshness = math.Max(0, freshness)
		}
	}

	confidence := math.Min(math.Max(s.Confidence, 0), 1)

	raw := (t.opts.TierWeight*tierPart + t.opts.FreshnessWeight*freshness + t.opts.ConfidenceWeight*confidence) / total
	return int(math.Round(raw * 100))
}
