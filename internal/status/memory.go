package status

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	mu        sync.Mutex
	rec       *Record
	expiresAt time.Time
	deleted   bool
}

// MemoryStore 进程内状态存储。每条记录有独立的锁，
// 不同部署互不阻塞，查询只在合并 patch 的瞬间等待。
type MemoryStore struct {
	ttl     time.Duration
	entries sync.Map // id -> *memoryEntry
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore 创建内存存储并启动过期清理协程，用完调用 Close
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
	}
	go s.janitor(janitorInterval(ttl))
	return s
}

func janitorInterval(ttl time.Duration) time.Duration {
	interval := ttl / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}

// Close 停止过期清理协程
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep 删除所有过期记录
func (s *MemoryStore) sweep() {
	now := s.now()
	s.entries.Range(func(key, value any) bool {
		e := value.(*memoryEntry)
		e.mu.Lock()
		if !e.deleted && now.After(e.expiresAt) {
			e.deleted = true
			s.entries.CompareAndDelete(key, e)
		}
		e.mu.Unlock()
		return true
	})
}

// lookup 返回已加锁的有效记录；记录不存在或已过期时返回 nil
func (s *MemoryStore) lookup(id string) *memoryEntry {
	v, ok := s.entries.Load(id)
	if !ok {
		return nil
	}
	e := v.(*memoryEntry)
	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil
	}
	if s.now().After(e.expiresAt) {
		e.deleted = true
		s.entries.CompareAndDelete(id, e)
		e.mu.Unlock()
		return nil
	}
	return e
}

func (s *MemoryStore) Create(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.now()
	stored := rec.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	fresh := &memoryEntry{rec: stored, expiresAt: now.Add(s.ttl)}

	for {
		v, loaded := s.entries.LoadOrStore(rec.ID, fresh)
		if !loaded {
			return nil
		}
		// 同 id 的旧记录已过期时允许覆盖
		if e := s.lookup(rec.ID); e != nil {
			e.mu.Unlock()
			return ErrExists
		}
		s.entries.CompareAndDelete(rec.ID, v)
	}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := s.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}
	defer e.mu.Unlock()
	return e.rec.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := s.lookup(id)
	if e == nil {
		return nil, ErrNotFound
	}
	defer e.mu.Unlock()

	now := s.now()
	next := e.rec.Clone()
	if err := next.apply(patch, now); err != nil {
		return nil, err
	}
	e.rec = next
	e.expiresAt = now.Add(s.ttl)
	return next.Clone(), nil
}
