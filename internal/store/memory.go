package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"sudooom.im.inbox/internal/model"
)

// MemoryStore 内存消息存储，用于开发与测试
type MemoryStore struct {
	mu           sync.RWMutex
	pairs        map[model.PairKey][]*model.Message // 按 (created_at, id) 升序
	tokens       map[tokenKey]*model.Message
	counterparts map[string]map[string]struct{}
}

type tokenKey struct {
	sender string
	token  string
}

// NewMemoryStore 创建内存消息存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pairs:        make(map[model.PairKey][]*model.Message),
		tokens:       make(map[tokenKey]*model.Message),
		counterparts: make(map[string]map[string]struct{}),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, m model.Message) (model.Message, bool, error) {
	m = normalize(m)

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ClientToken != "" {
		if existing, ok := s.tokens[tokenKey{m.SenderID, m.ClientToken}]; ok {
			return clone(existing), false, nil
		}
	}

	stored := clone(&m)
	pair := m.Pair()
	list := s.pairs[pair]
	pos := sort.Search(len(list), func(i int) bool {
		return stored.Before(list[i])
	})
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = &stored
	s.pairs[pair] = list

	if m.ClientToken != "" {
		s.tokens[tokenKey{m.SenderID, m.ClientToken}] = &stored
	}
	s.link(m.SenderID, m.RecipientID)
	s.link(m.RecipientID, m.SenderID)

	return clone(&stored), true, nil
}

func (s *MemoryStore) link(viewerID, counterpartID string) {
	set, ok := s.counterparts[viewerID]
	if !ok {
		set = make(map[string]struct{})
		s.counterparts[viewerID] = set
	}
	set[counterpartID] = struct{}{}
}

func (s *MemoryStore) List(ctx context.Context, pair model.PairKey, after model.Cursor, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.pairs[pair]
	start := 0
	if !after.IsZero() {
		start = sort.Search(len(list), func(i int) bool {
			return after.Less(list[i].Cursor())
		})
	}

	out := make([]model.Message, 0)
	for i := start; i < len(list); i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, clone(list[i]))
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, recipientID, senderID string, at time.Time) (ReadResult, error) {
	at = at.UTC().Truncate(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	var res ReadResult
	for _, m := range s.pairs[model.NewPairKey(recipientID, senderID)] {
		if m.SenderID != senderID || !m.IsUnreadFor(recipientID) {
			continue
		}
		readAt := at
		m.ReadAt = &readAt
		res.Count++
		res.UpToMessageID = m.ID
	}
	return res, nil
}

func (s *MemoryStore) CountUnread(ctx context.Context, viewerID, counterpartID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.pairs[model.NewPairKey(viewerID, counterpartID)] {
		if m.SenderID == counterpartID && m.IsUnreadFor(viewerID) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) LastMessage(ctx context.Context, pair model.PairKey) (model.Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.pairs[pair]
	if len(list) == 0 {
		return model.Message{}, false, nil
	}
	return clone(list[len(list)-1]), true, nil
}

func (s *MemoryStore) Counterparts(ctx context.Context, viewerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.counterparts[viewerID]))
	for id := range s.counterparts[viewerID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
