package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"sudooom.im.inbox/internal/model"
)

// Key layout（各段以 \x00 分隔，用户标识中不允许出现 NUL）：
//
//	m\x00<id>                              消息 JSON
//	p\x00<a>\x00<b>\x00<ms><id>            会话对内按时间排序的索引
//	t\x00<sender>\x00<token>               幂等令牌 -> id
//	u\x00<recipient>\x00<sender>\x00<ms><id> 未读索引
//	c\x00<viewer>\x00<counterpart>         会话对方集合
const sep = 0x00

// PebbleStore 基于 Pebble 的本地持久化消息存储
type PebbleStore struct {
	db *pebble.DB
	// 写路径串行化，保证幂等检查与写入、批量已读各自原子
	mu sync.Mutex
}

// OpenPebble 打开 Pebble 存储，path 为空时使用内存文件系统
func OpenPebble(path string) (*PebbleStore, error) {
	opts := &pebble.Options{}
	if path == "" {
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble %q: %w", path, err)
	}
	return &PebbleStore{db: db}, nil
}

func key(parts ...[]byte) []byte {
	n := len(parts)
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for i, p := range parts {
		if i > 0 {
			out = append(out, sep)
		}
		out = append(out, p...)
	}
	return out
}

// orderSuffix 定长大端编码 (ms, id)，字节序即排序序
func orderSuffix(ms, id int64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[:8], uint64(ms))
	binary.BigEndian.PutUint64(b[8:], uint64(id))
	return b
}

func idBytes(id int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func messageKey(id int64) []byte {
	return key([]byte("m"), idBytes(id))
}

func pairPrefix(pair model.PairKey) []byte {
	return append(key([]byte("p"), []byte(pair.A), []byte(pair.B)), sep)
}

func tokenKeyBytes(sender, token string) []byte {
	return key([]byte("t"), []byte(sender), []byte(token))
}

func unreadPrefix(recipient, sender string) []byte {
	return append(key([]byte("u"), []byte(recipient), []byte(sender)), sep)
}

func counterpartPrefix(viewer string) []byte {
	return append(key([]byte("c"), []byte(viewer)), sep)
}

// prefixEnd 返回前缀范围的上界
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) getMessage(id int64) (model.Message, bool, error) {
	val, closer, err := s.db.Get(messageKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return model.Message{}, false, nil
	}
	if err != nil {
		return model.Message{}, false, err
	}
	defer closer.Close()

	var m model.Message
	if err := json.Unmarshal(val, &m); err != nil {
		return model.Message{}, false, fmt.Errorf("decode message %d: %w", id, err)
	}
	return m, true, nil
}

func (s *PebbleStore) Insert(ctx context.Context, m model.Message) (model.Message, bool, error) {
	m = normalize(m)

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.ClientToken != "" {
		val, closer, err := s.db.Get(tokenKeyBytes(m.SenderID, m.ClientToken))
		if err == nil {
			id := int64(binary.BigEndian.Uint64(val))
			closer.Close()
			existing, ok, err := s.getMessage(id)
			if err != nil {
				return model.Message{}, false, err
			}
			if ok {
				return existing, false, nil
			}
		} else if !errors.Is(err, pebble.ErrNotFound) {
			return model.Message{}, false, err
		}
	}

	data, err := json.Marshal(m)
	if err != nil {
		return model.Message{}, false, err
	}

	ms := m.CreatedAt.UnixMilli()
	order := orderSuffix(ms, m.ID)

	b := s.db.NewBatch()
	defer b.Close()

	if err := b.Set(messageKey(m.ID), data, nil); err != nil {
		return model.Message{}, false, err
	}
	if err := b.Set(append(pairPrefix(m.Pair()), order...), idBytes(m.ID), nil); err != nil {
		return model.Message{}, false, err
	}
	if m.ClientToken != "" {
		if err := b.Set(tokenKeyBytes(m.SenderID, m.ClientToken), idBytes(m.ID), nil); err != nil {
			return model.Message{}, false, err
		}
	}
	if m.ReadAt == nil {
		if err := b.Set(append(unreadPrefix(m.RecipientID, m.SenderID), order...), idBytes(m.ID), nil); err != nil {
			return model.Message{}, false, err
		}
	}
	if err := b.Set(key([]byte("c"), []byte(m.SenderID), []byte(m.RecipientID)), nil, nil); err != nil {
		return model.Message{}, false, err
	}
	if err := b.Set(key([]byte("c"), []byte(m.RecipientID), []byte(m.SenderID)), nil, nil); err != nil {
		return model.Message{}, false, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return model.Message{}, false, fmt.Errorf("commit message %d: %w", m.ID, err)
	}
	return m, true, nil
}

func (s *PebbleStore) List(ctx context.Context, pair model.PairKey, after model.Cursor, limit int) ([]model.Message, error) {
	prefix := pairPrefix(pair)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var valid bool
	if after.IsZero() {
		valid = iter.First()
	} else {
		// 游标本身不包含在结果内
		valid = iter.SeekGE(append(append([]byte(nil), prefix...), orderSuffix(after.CreatedAt.UnixMilli(), after.ID+1)...))
	}

	out := make([]model.Message, 0)
	for ; valid; valid = iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := int64(binary.BigEndian.Uint64(iter.Value()))
		m, ok, err := s.getMessage(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, iter.Error()
}

func (s *PebbleStore) MarkRead(ctx context.Context, recipientID, senderID string, at time.Time) (ReadResult, error) {
	at = at.UTC().Truncate(time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := unreadPrefix(recipientID, senderID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return ReadResult{}, err
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()

	var res ReadResult
	for valid := iter.First(); valid; valid = iter.Next() {
		id := int64(binary.BigEndian.Uint64(iter.Value()))
		m, ok, err := s.getMessage(id)
		if err != nil {
			return ReadResult{}, err
		}
		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return ReadResult{}, err
		}
		if !ok || m.ReadAt != nil {
			continue
		}
		readAt := at
		m.ReadAt = &readAt
		data, err := json.Marshal(m)
		if err != nil {
			return ReadResult{}, err
		}
		if err := b.Set(messageKey(id), data, nil); err != nil {
			return ReadResult{}, err
		}
		res.Count++
		res.UpToMessageID = id
	}
	if err := iter.Error(); err != nil {
		return ReadResult{}, err
	}
	if b.Empty() {
		return res, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return ReadResult{}, fmt.Errorf("commit read batch: %w", err)
	}
	return res, nil
}

func (s *PebbleStore) CountUnread(ctx context.Context, viewerID, counterpartID string) (int, error) {
	prefix := unreadPrefix(viewerID, counterpartID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	n := 0
	for valid := iter.First(); valid; valid = iter.Next() {
		n++
	}
	return n, iter.Error()
}

func (s *PebbleStore) LastMessage(ctx context.Context, pair model.PairKey) (model.Message, bool, error) {
	prefix := pairPrefix(pair)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return model.Message{}, false, err
	}
	defer iter.Close()

	if !iter.Last() {
		return model.Message{}, false, iter.Error()
	}
	return s.getMessage(int64(binary.BigEndian.Uint64(iter.Value())))
}

func (s *PebbleStore) Counterparts(ctx context.Context, viewerID string) ([]string, error) {
	prefix := counterpartPrefix(viewerID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	out := make([]string, 0)
	for valid := iter.First(); valid; valid = iter.Next() {
		out = append(out, string(bytes.TrimPrefix(iter.Key(), prefix)))
	}
	sort.Strings(out)
	return out, iter.Error()
}

func (s *PebbleStore) Ping(ctx context.Context) error {
	_, closer, err := s.db.Get([]byte("health"))
	if err == nil {
		closer.Close()
		return nil
	}
	if errors.Is(err, pebble.ErrNotFound) {
		return nil
	}
	return err
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
