package manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalMembers(t *testing.T) {
	t.Run("按事务号再按身份排序", func(t *testing.T) {
		got := canonicalMembers([]Member{
			{Xid: 2, Status: StatusUpdate},
			{Xid: 1, Status: StatusForShare},
			{Xid: 1, Status: StatusForKeyShare},
		})
		assert.Equal(t, []Member{
			{Xid: 1, Status: StatusForKeyShare},
			{Xid: 1, Status: StatusForShare},
			{Xid: 2, Status: StatusUpdate},
		}, got)
	})

	t.Run("不修改原切片", func(t *testing.T) {
		orig := []Member{{Xid: 2}, {Xid: 1}}
		canonicalMembers(orig)
		assert.Equal(t, uint64(2), orig[0].Xid)
	})
}

func TestResultCache(t *testing.T) {
	t.Run("超容量时淘汰最久没用的条目", func(t *testing.T) {
		c := newResultCache(2)
		a := []Member{{Xid: 1, Status: StatusForShare}}
		b := []Member{{Xid: 2, Status: StatusForShare}}
		d := []Member{{Xid: 3, Status: StatusForShare}}

		c.put(ID(1), a)
		c.put(ID(2), b)

		// 触一下a让b变成最旧
		_, ok := c.lookup(a)
		assert.True(t, ok)

		c.put(ID(3), d)
		assert.Equal(t, 2, c.len())

		_, ok = c.lookup(b)
		assert.False(t, ok)
		id, ok := c.lookup(a)
		assert.True(t, ok)
		assert.Equal(t, ID(1), id)
	})

	t.Run("按标识符查找", func(t *testing.T) {
		c := newResultCache(4)
		a := []Member{{Xid: 1, Status: StatusForShare}}
		c.put(ID(7), a)

		got, ok := c.lookupByID(ID(7))
		assert.True(t, ok)
		assert.Equal(t, a, got)

		_, ok = c.lookupByID(ID(8))
		assert.False(t, ok)
	})

	t.Run("清空后不再命中", func(t *testing.T) {
		c := newResultCache(4)
		a := []Member{{Xid: 1, Status: StatusForShare}}
		c.put(ID(1), a)
		c.clear()
		_, ok := c.lookup(a)
		assert.False(t, ok)
		assert.Equal(t, 0, c.len())
	})
}
