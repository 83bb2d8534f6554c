package quota

import (
	"context"
	"sort"
	"sync"
	"time"
)

type usageKey struct {
	userID string
	date   string
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[usageKey]*DailyUsageRecord
	events map[string]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   make(map[usageKey]*DailyUsageRecord),
		events: make(map[string]struct{}),
	}
}

func (s *MemoryStore) Get(ctx context.Context, userID string, day time.Time) (*DailyUsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[usageKey{userID, DateKey(day)}]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Increment(ctx context.Context, userID string, day time.Time, requests, tokens int) (*DailyUsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreate(userID, day)
	rec.RequestsUsed += requests
	rec.TokensUsed += tokens
	rec.UpdatedAt = time.Now().UTC()
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) ApplyEvent(ctx context.Context, eventID, userID string, day time.Time, requests, tokens int) (*DailyUsageRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreate(userID, day)
	_, seen := s.events[eventID]
	if !seen {
		s.events[eventID] = struct{}{}
		rec.RequestsUsed += requests
		rec.TokensUsed += tokens
		rec.UpdatedAt = time.Now().UTC()
	}
	cp := *rec
	return &cp, !seen, nil
}

func (s *MemoryStore) ReserveRequest(ctx context.Context, userID string, day time.Time, limit int) (*DailyUsageRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreate(userID, day)
	reserved := rec.RequestsUsed < limit
	if reserved {
		rec.RequestsUsed++
		rec.UpdatedAt = time.Now().UTC()
	}
	cp := *rec
	return &cp, reserved, nil
}

func (s *MemoryStore) ListRange(ctx context.Context, userID string, from, to time.Time) ([]DailyUsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	from, to = Day(from), Day(to)
	var out []DailyUsageRecord
	for key, rec := range s.data {
		if key.userID != userID || rec.Date.Before(from) || rec.Date.After(to) {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// Set replaces the day's counters.
func (s *MemoryStore) Set(userID string, day time.Time, requests, tokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.getOrCreate(userID, day)
	rec.RequestsUsed = requests
	rec.TokensUsed = tokens
}

// getOrCreate must be called with mu held for writing.
func (s *MemoryStore) getOrCreate(userID string, day time.Time) *DailyUsageRecord {
	day = Day(day)
	key := usageKey{userID, DateKey(day)}
	rec, ok := s.data[key]
	if !ok {
		rec = &DailyUsageRecord{UserID: userID, Date: day}
		s.data[key] = rec
	}
	return rec
}
