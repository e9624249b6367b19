package store

import (
	"sync"
	"time"
)

// Group is one key's matching entries from an XREAD.
type Group struct {
	Key     string
	Entries []Entry
}

// XAdd appends fields at idSpec under key, creating a stream there (and
// clearing any prior expiry) if key is absent. It wakes any blocking
// tail subscriptions whose key set contains key.
func (s *Store) XAdd(key string, idSpec string, fields []Field) (string, error) {
	s.mu.Lock()
	e, ok := s.data[key]
	if ok && expired(e, time.Now()) {
		ok = false
	}

	var strm *Stream
	var expireAt *time.Time
	if ok {
		if e.value.Kind != KindStream {
			s.mu.Unlock()
			return "", ErrWrongType
		}
		strm = e.value.Stream
		expireAt = e.expireAt
	} else {
		strm = NewStream()
	}

	id, err := strm.Insert(idSpec, fields)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	s.data[key] = entry{value: Value{Kind: KindStream, Stream: strm}, expireAt: expireAt}
	s.mu.Unlock()

	s.notifyWrite(key)
	return id, nil
}

// XRange returns every entry in key's stream with id in [start, end].
func (s *Store) XRange(key, start, end string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[key]
	if !ok || expired(e, time.Now()) {
		return nil, nil
	}
	if e.value.Kind != KindStream {
		return nil, ErrWrongType
	}
	return e.value.Stream.QueryInclusive(start, end)
}

// XRead returns, for each key, the entries strictly newer than the
// corresponding id in ids. Keys with no matching entries are omitted
// from the result.
func (s *Store) XRead(keys, ids []string) ([]Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var groups []Group
	for i, key := range keys {
		e, ok := s.data[key]
		if !ok || expired(e, time.Now()) {
			continue
		}
		if e.value.Kind != KindStream {
			return nil, ErrWrongType
		}
		entries, err := e.value.Stream.QueryAfter(ids[i])
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			groups = append(groups, Group{Key: key, Entries: entries})
		}
	}
	return groups, nil
}

// XReadIDs resolves any "$" placeholder in ids to the corresponding
// key's current last id, in place. It must be called before a
// blocking wait so the wait only observes entries added afterward. A
// "$" against a key with no stream yet resolves to "0-0", so a
// subsequent XRead sees anything added from here on.
func (s *Store) XReadIDs(keys, ids []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, key := range keys {
		if ids[i] != "$" {
			continue
		}
		e, ok := s.data[key]
		if ok && !expired(e, time.Now()) && e.value.Kind == KindStream {
			ids[i] = e.value.Stream.LastID()
		} else {
			ids[i] = "0-0"
		}
	}
}

// Subscription is a blocking XREAD BLOCK 0 tail registration. Wait
// blocks until notifyWrite fires for one of its keys.
type Subscription struct {
	keys map[string]struct{}
	ch   chan struct{}
	once sync.Once
}

func newSubscription(keys []string) *Subscription {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return &Subscription{keys: set, ch: make(chan struct{})}
}

func (sub *Subscription) matches(key string) bool {
	_, ok := sub.keys[key]
	return ok
}

func (sub *Subscription) wake() {
	sub.once.Do(func() { close(sub.ch) })
}

// Wait blocks until this subscription is woken by a matching XADD.
func (sub *Subscription) Wait() {
	<-sub.ch
}

// Subscribe registers a blocking tail subscription over keys.
func (s *Store) Subscribe(keys []string) *Subscription {
	sub := newSubscription(keys)
	s.subMu.Lock()
	s.subs = append(s.subs, sub)
	s.subMu.Unlock()
	return sub
}

// notifyWrite wakes every subscription whose key set contains key,
// removing each as it is woken. A subscription is woken at most once;
// when a write matches more than one blocked subscription, every one
// of them is woken rather than only the first (see the XREAD BLOCK 0
// wakeup policy decision in DESIGN.md).
func (s *Store) notifyWrite(key string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	remaining := s.subs[:0]
	for _, sub := range s.subs {
		if sub.matches(key) {
			sub.wake()
			continue
		}
		remaining = append(remaining, sub)
	}
	s.subs = remaining
}
