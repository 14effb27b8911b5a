package manager

import (
	"sync"
	"sync/atomic"
)

// sessionSlot 单个会话的视界槽位。两个视界都以原子方式读写，
// 截断计算扫描所有槽位时不需要停世界。
type sessionSlot struct {
	inUse         bool
	oldestMember  atomic.Uint64
	oldestVisible atomic.Uint64
}

// Sessions 会话槽位表。
//
// 每个活动会话占一个槽位，记录两条视界：oldestMember是该会话
// 可能还作为成员出现在哪个标识符之后，oldestVisible是该会话还
// 可能去读哪个标识符之后的数据。截断只能推进到所有会话视界的
// 最小值，否则会删掉还有人要读的成员数据。
type Sessions struct {
	mu    sync.Mutex
	slots []sessionSlot
}

// NewSessions 创建容量固定的会话表
func NewSessions(capacity int) *Sessions {
	if capacity <= 0 {
		capacity = 128
	}
	return &Sessions{slots: make([]sessionSlot, capacity)}
}

// Session 一个已登记的会话
type Session struct {
	mgr      *Manager
	sessions *Sessions
	idx      int
	released bool

	cache *resultCache
}

// Acquire 登记一个会话。槽位用尽返回ErrSessionsExceeded。
func (m *Manager) Acquire() (*Session, error) {
	s := m.sessions
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.slots {
		if !s.slots[i].inUse {
			s.slots[i].inUse = true
			s.slots[i].oldestMember.Store(uint64(InvalidID))
			s.slots[i].oldestVisible.Store(uint64(InvalidID))
			return &Session{
				mgr:      m,
				sessions: s,
				idx:      i,
				cache:    newResultCache(m.cacheSize),
			}, nil
		}
	}
	return nil, ErrSessionsExceeded
}

// Release 注销会话并清掉它的两条视界
func (s *Session) Release() {
	if s.released {
		return
	}
	s.released = true
	s.cache.clear()

	s.sessions.mu.Lock()
	slot := &s.sessions.slots[s.idx]
	slot.oldestMember.Store(uint64(InvalidID))
	slot.oldestVisible.Store(uint64(InvalidID))
	slot.inUse = false
	s.sessions.mu.Unlock()
}

// AtTransactionEnd 事务结束时调用：丢弃本地结果缓存并清视界。
// 缓存整体丢弃而不是逐条淘汰，事务一结束旧结果就全部失效。
func (s *Session) AtTransactionEnd() {
	if s.released {
		return
	}
	s.cache.clear()
	slot := &s.sessions.slots[s.idx]
	slot.oldestMember.Store(uint64(InvalidID))
	slot.oldestVisible.Store(uint64(InvalidID))
}

// EnsureOldestMember 在本事务第一次创建或加入成员组之前调用，
// 把视界钉在当前的下一个标识符上。之后的截断不会越过它。
func (s *Session) EnsureOldestMember() {
	slot := &s.sessions.slots[s.idx]
	if ID(slot.oldestMember.Load()).IsValid() {
		return
	}
	// 读nextID要在生成锁下，和分配路径互斥，否则可能钉在一个
	// 已经被分配出去的标识符之后
	s.mgr.genLock.RLock()
	slot.oldestMember.Store(uint64(s.mgr.state.nextID))
	s.mgr.genLock.RUnlock()
}

// EnsureOldestVisible 在本事务第一次读成员组之前调用。
// 取所有会话oldestMember的最小值，没有就用下一个标识符。
func (s *Session) EnsureOldestVisible() {
	slot := &s.sessions.slots[s.idx]
	if ID(slot.oldestVisible.Load()).IsValid() {
		return
	}

	s.mgr.genLock.RLock()
	oldest := s.mgr.state.nextID
	s.mgr.genLock.RUnlock()

	for i := range s.sessions.slots {
		member := ID(s.sessions.slots[i].oldestMember.Load())
		if member.IsValid() && IDPrecedes(member, oldest) {
			oldest = member
		}
	}
	slot.oldestVisible.Store(uint64(oldest))
}

// OldestMemberHorizon 所有会话oldestMember视界的最小值。
// 没有任何会话持有视界时返回fallback。
func (s *Sessions) OldestMemberHorizon(fallback ID) ID {
	oldest := fallback
	for i := range s.slots {
		member := ID(s.slots[i].oldestMember.Load())
		if member.IsValid() && IDPrecedes(member, oldest) {
			oldest = member
		}
	}
	return oldest
}

// OldestVisibleHorizon 所有会话oldestVisible视界的最小值
func (s *Sessions) OldestVisibleHorizon(fallback ID) ID {
	oldest := fallback
	for i := range s.slots {
		visible := ID(s.slots[i].oldestVisible.Load())
		if visible.IsValid() && IDPrecedes(visible, oldest) {
			oldest = visible
		}
	}
	return oldest
}
