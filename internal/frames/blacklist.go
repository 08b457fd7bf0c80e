package frames

import "sync"

// Blacklist is a set of frames known to fail. It is safe for concurrent
// use, but readers may miss a frame added by a sibling clip at the same
// moment; the worst case is one wasted submission.
type Blacklist struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

func NewBlacklist(items ...string) *Blacklist {
	b := &Blacklist{set: make(map[string]struct{}, len(items))}
	for _, it := range items {
		b.set[it] = struct{}{}
	}
	return b
}

// Has reports whether c is blacklisted. A nil blacklist is empty.
func (b *Blacklist) Has(c string) bool {
	if b == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.set[c]
	return ok
}

func (b *Blacklist) Add(c string) {
	if b == nil || c == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.set == nil {
		b.set = make(map[string]struct{})
	}
	b.set[c] = struct{}{}
}

func (b *Blacklist) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.set)
}

// Items returns the blacklisted frames in no particular order.
func (b *Blacklist) Items() []string {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.set))
	for c := range b.set {
		out = append(out, c)
	}
	return out
}

// Clone copies the current contents into a new, independent blacklist.
func (b *Blacklist) Clone() *Blacklist {
	return NewBlacklist(b.Items()...)
}
