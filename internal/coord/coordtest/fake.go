// Package coordtest provides an in-memory fake of coord.Client for unit
// tests, following the teacher's MemoryStore pattern (store/memory.go):
// a mutex-guarded map standing in for the real backend.
package coordtest

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/leetbattle/botfleet/internal/coord"
)

// Fake is an in-memory coord.Client. Construct it with New; the zero value
// has nil maps and is not usable.
type Fake struct {
	mu sync.Mutex

	strings map[string]string
	expiry  map[string]time.Time
	lists   map[string][]string
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
	hashes  map[string]map[string]string

	subs map[string][]chan coord.Message

	// Now lets tests control the clock used for TTL checks and the two
	// atomic scripts, instead of racing against real wall time.
	Now func() time.Time

	breakNext error
}

// BreakNextCall makes the next Get call return a connection-style error,
// for exercising readiness-probe failure paths.
func (f *Fake) BreakNextCall() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakNext = errors.New("coordtest: simulated store outage")
}

// New constructs a ready-to-use Fake.
func New() *Fake {
	return &Fake{
		strings: make(map[string]string),
		expiry:  make(map[string]time.Time),
		lists:   make(map[string][]string),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		hashes:  make(map[string]map[string]string),
		subs:    make(map[string][]chan coord.Message),
		Now:     time.Now,
	}
}

func (f *Fake) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *Fake) expireLocked(key string) {
	if exp, ok := f.expiry[key]; ok && f.now().After(exp) {
		delete(f.strings, key)
		delete(f.expiry, key)
	}
}

func (f *Fake) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.breakNext != nil {
		err := f.breakNext
		f.breakNext = nil
		return "", err
	}
	f.expireLocked(key)
	return f.strings[key], nil
}

func (f *Fake) Set(_ context.Context, key, value string, opts coord.SetOptions) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	if opts.NX {
		if _, exists := f.strings[key]; exists {
			return false, nil
		}
	}
	f.strings[key] = value
	if opts.TTL > 0 {
		f.expiry[key] = f.now().Add(opts.TTL)
	} else {
		delete(f.expiry, key)
	}
	return true, nil
}

func (f *Fake) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.strings, k)
		delete(f.expiry, k)
		delete(f.lists, k)
		delete(f.sets, k)
		delete(f.zsets, k)
		delete(f.hashes, k)
	}
	return nil
}

func (f *Fake) LPush(_ context.Context, key string, values ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append([]string{v}, f.lists[key]...)
	}
	return nil
}

func (f *Fake) RPush(_ context.Context, key string, values ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[key] = append(f.lists[key], values...)
	return nil
}

func (f *Fake) LPop(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	if len(list) == 0 {
		return "", false, nil
	}
	v := list[0]
	f.lists[key] = list[1:]
	return v, true, nil
}

func (f *Fake) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
	if stop < 0 || stop >= n {
		stop = n - 1
	}
	if start < 0 {
		start = 0
	}
	if start > stop {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, list[start:stop+1])
	return out, nil
}

func (f *Fake) LRem(_ context.Context, key string, count int64, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.lists[key]
	out := list[:0]
	for _, v := range list {
		if v == value {
			continue
		}
		out = append(out, v)
	}
	f.lists[key] = out
	return nil
}

func (f *Fake) SAdd(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[key]
	if !ok {
		set = make(map[string]struct{})
		f.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (f *Fake) SRem(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.sets[key]
	for _, m := range members {
		delete(set, m)
	}
	return nil
}

func (f *Fake) SIsMember(_ context.Context, key, member string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sets[key][member]
	return ok, nil
}

func (f *Fake) SCard(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.sets[key])), nil
}

func (f *Fake) SMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) ZScore(_ context.Context, key, member string) (float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	score, ok := f.zsets[key][member]
	return score, ok, nil
}

func (f *Fake) ZRem(_ context.Context, key string, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.zsets[key], member)
	return nil
}

func (f *Fake) ZAddForTest(key, member string, score float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.zsets[key]
	if !ok {
		set = make(map[string]float64)
		f.zsets[key] = set
	}
	set[member] = score
}

func (f *Fake) HGet(_ context.Context, key, field string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	val, ok := f.hashes[key][field]
	return val, ok, nil
}

func (f *Fake) HSet(_ context.Context, key string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
	return nil
}

func (f *Fake) HGetAll(_ context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) Publish(_ context.Context, channel, payload string) error {
	f.mu.Lock()
	subs := append([]chan coord.Message(nil), f.subs[channel]...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- coord.Message{Channel: channel, Payload: payload}
	}
	return nil
}

func (f *Fake) Subscribe(_ context.Context, channel string) (coord.Subscription, error) {
	ch := make(chan coord.Message, 64)
	f.mu.Lock()
	f.subs[channel] = append(f.subs[channel], ch)
	f.mu.Unlock()
	return &fakeSub{f: f, channel: channel, ch: ch}, nil
}

type fakeSub struct {
	f       *Fake
	channel string
	ch      chan coord.Message
}

func (s *fakeSub) Channel() <-chan coord.Message { return s.ch }

func (s *fakeSub) Close() error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	subs := s.f.subs[s.channel]
	for i, ch := range subs {
		if ch == s.ch {
			s.f.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(s.ch)
	return nil
}

func (f *Fake) ExtendLeader(_ context.Context, key, expectedValue string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(key)
	if f.strings[key] != expectedValue {
		return false, nil
	}
	f.expiry[key] = f.now().Add(ttl)
	return true, nil
}

func (f *Fake) AcquireCycleGuard(_ context.Context, guardKey string, now time.Time, maxAge, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked(guardKey)
	if existing, ok := f.strings[guardKey]; ok {
		existingMs, _ := strconv.ParseInt(existing, 10, 64)
		if now.UnixMilli()-existingMs < maxAge.Milliseconds() {
			return false, nil
		}
	}
	f.strings[guardKey] = strconv.FormatInt(now.UnixMilli(), 10)
	f.expiry[guardKey] = now.Add(ttl)
	return true, nil
}

func (f *Fake) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.strings {
		if matchPattern(pattern, k) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) Close() error { return nil }

// matchPattern supports "*" alone, a pattern ending in "*" (a prefix match,
// e.g. "bots:cycling:*"), and an exact key; no other glob forms.
func matchPattern(pattern, key string) bool {
	if pattern == "*" {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(key) >= len(prefix) && key[:len(prefix)] == prefix
	}
	return pattern == key
}
