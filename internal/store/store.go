// Package store owns the in-memory config map and its subscription
// bus. It is mutated only by the replication driver and read by the
// client core; every mutation is applied in the exact order it is
// received and fans out synchronously to subscribers before the
// mutating call returns — grounded on
// internal/realtime/bus.go's EventBus, generalized from a fire-and-forget
// buffered broadcast channel to synchronous, ordered, panic-safe
// dispatch, because the spec requires that a read issued immediately
// after a notification observe the new value.
package store

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/vitaliisemenov/configstream/internal/configtype"
)

// ChangeEvent is delivered to subscribers after a record is inserted
// or updated.
type ChangeEvent struct {
	Name  string
	Value any
}

// Subscriber is a change-notification callback.
type Subscriber func(ChangeEvent)

// Store holds the replicated config records.
type Store struct {
	mu      sync.RWMutex
	records map[string]configtype.Record

	globalSubs map[string]Subscriber
	keySubs    map[string]map[string]Subscriber

	logger *slog.Logger
}

// New creates an empty Store. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records:    make(map[string]configtype.Record),
		globalSubs: make(map[string]Subscriber),
		keySubs:    make(map[string]map[string]Subscriber),
		logger:     logger.With("component", "store"),
	}
}

// Seed replaces the store contents without notifying subscribers. Used
// to install fallbacks or a restored snapshot before any stream
// activity has occurred.
func (s *Store) Seed(records []configtype.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]configtype.Record, len(records))
	for _, r := range records {
		s.records[r.Name] = r
	}
}

// Get returns the record for name and whether it is present.
func (s *Store) Get(name string) (configtype.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[name]
	return r, ok
}

// Has returns the names in names that are absent from the store; an
// empty result means every name is present.
func (s *Store) Has(names []string) (missing []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range names {
		if _, ok := s.records[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

// Snapshot returns a defensive copy of every record currently held,
// suitable for a replay-body or a client-facing snapshot.
func (s *Store) Snapshot() []configtype.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]configtype.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	return out
}

// ApplyInit atomically replaces the full set of records and notifies
// subscribers for every record whose value is new or changed.
func (s *Store) ApplyInit(records []configtype.Record) {
	s.mu.Lock()
	previous := s.records
	next := make(map[string]configtype.Record, len(records))
	var changed []configtype.Record
	for _, r := range records {
		next[r.Name] = r
		if old, ok := previous[r.Name]; !ok || !valuesEqual(old.Value, r.Value) || !overridesEqual(old.Overrides, r.Overrides) {
			changed = append(changed, r)
		}
	}
	s.records = next
	s.mu.Unlock()

	for _, r := range changed {
		s.notify(r.Name, r.Value)
	}
}

// ApplyChange upserts a single record and notifies subscribers if its
// value or overrides actually changed.
func (s *Store) ApplyChange(record configtype.Record) {
	s.mu.Lock()
	old, existed := s.records[record.Name]
	unchanged := existed && valuesEqual(old.Value, record.Value) && overridesEqual(old.Overrides, record.Overrides)
	s.records[record.Name] = record
	s.mu.Unlock()

	if unchanged {
		return
	}
	s.notify(record.Name, record.Value)
}

// SubscribeGlobal registers cb to be invoked for every change to any
// record. The returned func unregisters it; it is idempotent and safe
// to call from multiple goroutines.
func (s *Store) SubscribeGlobal(cb Subscriber) func() {
	id := uuid.NewString()
	s.mu.Lock()
	s.globalSubs[id] = cb
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.globalSubs, id)
			s.mu.Unlock()
		})
	}
}

// SubscribeKey registers cb to be invoked only for changes to name.
// The returned func unregisters it; it is idempotent. When the last
// subscriber for a key is removed, the per-key set itself is removed.
func (s *Store) SubscribeKey(name string, cb Subscriber) func() {
	id := uuid.NewString()
	s.mu.Lock()
	set, ok := s.keySubs[name]
	if !ok {
		set = make(map[string]Subscriber)
		s.keySubs[name] = set
	}
	set[id] = cb
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if set, ok := s.keySubs[name]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(s.keySubs, name)
				}
			}
			s.mu.Unlock()
		})
	}
}

// notify dispatches a change to every interested subscriber, in
// registration order not guaranteed but each invoked synchronously and
// ordered relative to other mutations (mutations never overlap because
// they are only ever called from the single driver goroutine). A
// subscriber panic is recovered and logged so it cannot break delivery
// to the remaining subscribers or crash the driver.
func (s *Store) notify(name string, value any) {
	s.mu.RLock()
	globals := make([]Subscriber, 0, len(s.globalSubs))
	for _, cb := range s.globalSubs {
		globals = append(globals, cb)
	}
	var keyed []Subscriber
	if set, ok := s.keySubs[name]; ok {
		keyed = make([]Subscriber, 0, len(set))
		for _, cb := range set {
			keyed = append(keyed, cb)
		}
	}
	s.mu.RUnlock()

	event := ChangeEvent{Name: name, Value: value}
	for _, cb := range globals {
		s.invoke(cb, event)
	}
	for _, cb := range keyed {
		s.invoke(cb, event)
	}
}

func (s *Store) invoke(cb Subscriber, event ChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber callback panicked", "name", event.Name, "panic", r)
		}
	}()
	cb(event)
}

func valuesEqual(a, b any) bool {
	return formatValue(a) == formatValue(b)
}

func formatValue(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// overridesEqual compares two override lists by their JSON encoding.
// encoding/json marshals map keys in sorted order, so this is
// deterministic regardless of map iteration order.
func overridesEqual(a, b []configtype.Override) bool {
	if len(a) != len(b) {
		return false
	}
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ab) == string(bb)
}
