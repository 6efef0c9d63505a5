package session

import (
	"sort"
	"time"

	"github.com/opd-ai/rpcwire/storage"
)

// adoptedSaltLifetime is the validity given to a salt the server hands out
// without a window (first salt, bad_server_salt, new_session_created).
const adoptedSaltLifetime = 30 * time.Minute

// Salt is one server salt and its validity window.
type Salt struct {
	ValidSince time.Time
	ValidUntil time.Time
	Value      int64
}

// SaltSet holds the known salts ordered by ValidSince.
type SaltSet struct {
	salts []Salt
	grace time.Duration
}

// NewSaltSet returns an empty set. An expired salt stays usable for grace
// when nothing newer is valid.
func NewSaltSet(grace time.Duration) *SaltSet {
	return &SaltSet{grace: grace}
}

// Add merges salts into the set. A salt value already present takes the new
// window.
func (s *SaltSet) Add(salts ...Salt) {
	for _, n := range salts {
		replaced := false
		for i := range s.salts {
			if s.salts[i].Value == n.Value {
				s.salts[i] = n
				replaced = true
				break
			}
		}
		if !replaced {
			s.salts = append(s.salts, n)
		}
	}
	sort.SliceStable(s.salts, func(i, j int) bool {
		return s.salts[i].ValidSince.Before(s.salts[j].ValidSince)
	})
}

// Adopt makes salt current from now on.
func (s *SaltSet) Adopt(salt int64, now time.Time) {
	s.Add(Salt{ValidSince: now, ValidUntil: now.Add(adoptedSaltLifetime), Value: salt})
}

// Current returns the most recently started salt valid at now, or failing
// that the most recently expired one still inside the grace period.
func (s *SaltSet) Current(now time.Time) (int64, bool) {
	for i := len(s.salts) - 1; i >= 0; i-- {
		c := s.salts[i]
		if !c.ValidSince.After(now) && now.Before(c.ValidUntil) {
			return c.Value, true
		}
	}
	var best *Salt
	for i := range s.salts {
		c := &s.salts[i]
		if c.ValidSince.After(now) || now.After(c.ValidUntil.Add(s.grace)) {
			continue
		}
		if best == nil || c.ValidUntil.After(best.ValidUntil) {
			best = c
		}
	}
	if best == nil {
		return 0, false
	}
	return best.Value, true
}

// Drop removes a salt the server rejected.
func (s *SaltSet) Drop(value int64) {
	out := s.salts[:0]
	for _, c := range s.salts {
		if c.Value != value {
			out = append(out, c)
		}
	}
	s.salts = out
}

// Future counts salts that start after now.
func (s *SaltSet) Future(now time.Time) int {
	n := 0
	for _, c := range s.salts {
		if c.ValidSince.After(now) {
			n++
		}
	}
	return n
}

// Prune drops salts expired for longer than the grace period and reports
// whether anything changed.
func (s *SaltSet) Prune(now time.Time) bool {
	out := s.salts[:0]
	for _, c := range s.salts {
		if now.Before(c.ValidUntil.Add(s.grace)) {
			out = append(out, c)
		}
	}
	changed := len(out) != len(s.salts)
	s.salts = out
	return changed
}

// Len returns the number of known salts.
func (s *SaltSet) Len() int { return len(s.salts) }

// Records converts the set for storage.
func (s *SaltSet) Records() []storage.SaltRecord {
	out := make([]storage.SaltRecord, len(s.salts))
	for i, c := range s.salts {
		out[i] = storage.SaltRecord{
			ValidSince: c.ValidSince.Unix(),
			ValidUntil: c.ValidUntil.Unix(),
			Salt:       c.Value,
		}
	}
	return out
}

// SaltsFromRecords converts stored salts.
func SaltsFromRecords(recs []storage.SaltRecord) []Salt {
	out := make([]Salt, len(recs))
	for i, r := range recs {
		out[i] = Salt{
			ValidSince: time.Unix(r.ValidSince, 0),
			ValidUntil: time.Unix(r.ValidUntil, 0),
			Value:      r.Salt,
		}
	}
	return out
}
