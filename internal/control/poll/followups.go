package poll

import (
	"context"
	"sort"
	"sync"
)

// FollowUpResult tells the caller where to go after a task succeeded.
type FollowUpResult struct {
	Redirect string
	Message  string
}

// FollowUpFunc runs once a polled task has succeeded. It is responsible for the
// cache invalidation that fits what the task did.
type FollowUpFunc func(ctx context.Context, owner, taskID string) (FollowUpResult, error)

// FollowUps is a registry of follow-ups by name.
type FollowUps struct {
	mu sync.RWMutex
	m  map[string]FollowUpFunc
}

func NewFollowUps() *FollowUps {
	return &FollowUps{m: make(map[string]FollowUpFunc)}
}

// Register binds name to fn, replacing any earlier binding.
func (f *FollowUps) Register(name string, fn FollowUpFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.m[name] = fn
}

func (f *FollowUps) Lookup(name string) (FollowUpFunc, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn, ok := f.m[name]
	return fn, ok
}

// Names lists registered follow-ups in order.
func (f *FollowUps) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.m))
	for name := range f.m {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
