package manager

import (
	"container/list"
	"sort"
)

// resultCache 会话内的成员组结果缓存。
//
// 以规范化（排序去随机）的成员列表为键，MRU顺序维护最近结果，
// 超容量时砍掉最久没用的那条。缓存只在单个会话里使用，不加锁；
// 事务结束时整体丢弃。
type resultCache struct {
	capacity int
	entries  *list.List
}

type cacheEntry struct {
	id      ID
	members []Member
}

func newResultCache(capacity int) *resultCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &resultCache{capacity: capacity, entries: list.New()}
}

// canonicalMembers 排序出规范形态：先按事务号、再按身份升序。
// 比较与缓存键都建立在这个形态上。
func canonicalMembers(members []Member) []Member {
	sorted := make([]Member, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Xid != sorted[j].Xid {
			return sorted[i].Xid < sorted[j].Xid
		}
		return sorted[i].Status < sorted[j].Status
	})
	return sorted
}

func membersEqual(a, b []Member) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// lookup 查缓存。members必须已规范化。命中时条目移到队首。
func (c *resultCache) lookup(members []Member) (ID, bool) {
	for e := c.entries.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*cacheEntry)
		if membersEqual(entry.members, members) {
			c.entries.MoveToFront(e)
			return entry.id, true
		}
	}
	return InvalidID, false
}

// lookupByID 按标识符查缓存。命中时条目移到队首。
func (c *resultCache) lookupByID(id ID) ([]Member, bool) {
	for e := c.entries.Front(); e != nil; e = e.Next() {
		entry := e.Value.(*cacheEntry)
		if entry.id == id {
			c.entries.MoveToFront(e)
			return entry.members, true
		}
	}
	return nil, false
}

// put 记录一条结果。members必须已规范化且归缓存所有。
func (c *resultCache) put(id ID, members []Member) {
	c.entries.PushFront(&cacheEntry{id: id, members: members})
	if c.entries.Len() > c.capacity {
		c.entries.Remove(c.entries.Back())
	}
}

func (c *resultCache) clear() {
	c.entries.Init()
}

func (c *resultCache) len() int {
	return c.entries.Len()
}
