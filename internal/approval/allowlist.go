package approval

import (
	"sort"
	"strings"
	"sync"
)

// AllowList is the process-wide set of module/action pairs that no longer need a human
// decision. Create one at startup and inject it; it is never reset implicitly.
type AllowList struct {
	mu    sync.RWMutex
	pairs map[string]struct{}
}

// NewAllowList creates an allow-list seeded with "module/action" entries.
func NewAllowList(seed ...string) *AllowList {
	l := &AllowList{pairs: make(map[string]struct{}, len(seed))}
	for _, entry := range seed {
		if module, action, ok := strings.Cut(entry, "/"); ok && module != "" && action != "" {
			l.pairs[pairKey(module, action)] = struct{}{}
		}
	}
	return l
}

func pairKey(module, action string) string {
	return module + "/" + action
}

// Add marks module/action as auto-approved.
func (l *AllowList) Add(module, action string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pairs[pairKey(module, action)] = struct{}{}
}

// Remove revokes an auto-approval.
func (l *AllowList) Remove(module, action string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.pairs, pairKey(module, action))
}

// Contains reports whether module/action is auto-approved.
func (l *AllowList) Contains(module, action string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.pairs[pairKey(module, action)]
	return ok
}

// List returns the sorted "module/action" entries.
func (l *AllowList) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.pairs))
	for k := range l.pairs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
