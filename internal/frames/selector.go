// Package frames picks input frames for clips: ordered candidate lists,
// blacklists of frames that failed, and the cyclic selector that finds the
// next usable frame.
package frames

// DefaultMaxProbes bounds how far the selector scans for a replacement.
const DefaultMaxProbes = 10

// Exhaustive is passed as MaxProbes to scan the whole list.
const Exhaustive = -1

// Selector scans an ordered candidate list cyclically.
type Selector struct {
	Candidates []string
	MaxProbes  int // 0 means DefaultMaxProbes, Exhaustive means len(Candidates)
}

func (s Selector) probes() int {
	switch {
	case s.MaxProbes == Exhaustive || s.MaxProbes > len(s.Candidates):
		return len(s.Candidates)
	case s.MaxProbes <= 0:
		if DefaultMaxProbes > len(s.Candidates) {
			return len(s.Candidates)
		}
		return DefaultMaxProbes
	default:
		return s.MaxProbes
	}
}

// Next returns the first candidate after current that is neither
// blacklisted nor listed in exclude. ok is false when every probed
// candidate was rejected.
func (s Selector) Next(current int, blacklist *Blacklist, exclude ...string) (int, string, bool) {
	n := len(s.Candidates)
	if n == 0 {
		return -1, "", false
	}

	for step := 1; step <= s.probes(); step++ {
		idx := ((current+step)%n + n) % n
		c := s.Candidates[idx]
		if blacklist.Has(c) || contains(exclude, c) {
			continue
		}
		return idx, c, true
	}
	return -1, "", false
}

// IndexOf returns the position of candidate in the list, or -1.
func (s Selector) IndexOf(candidate string) int {
	for i, c := range s.Candidates {
		if c == candidate {
			return i
		}
	}
	return -1
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
