package slru

import "sync/atomic"

// statistics
type stats struct {
	zeroCount     uint64
	hitCount      uint64
	readCount     uint64
	writeCount    uint64
	existsCount   uint64
	flushCount    uint64
	truncateCount uint64
}

func (st *stats) incrZero()     { atomic.AddUint64(&st.zeroCount, 1) }
func (st *stats) incrHit()      { atomic.AddUint64(&st.hitCount, 1) }
func (st *stats) incrRead()     { atomic.AddUint64(&st.readCount, 1) }
func (st *stats) incrWrite()    { atomic.AddUint64(&st.writeCount, 1) }
func (st *stats) incrExists()   { atomic.AddUint64(&st.existsCount, 1) }
func (st *stats) incrFlush()    { atomic.AddUint64(&st.flushCount, 1) }
func (st *stats) incrTruncate() { atomic.AddUint64(&st.truncateCount, 1) }

// StatsSnapshot 统计信息快照
type StatsSnapshot struct {
	PagesZeroed   uint64
	PageHits      uint64
	PagesRead     uint64
	PagesWritten  uint64
	ExistsChecks  uint64
	Flushes       uint64
	Truncates     uint64
}

// Stats 返回当前统计信息
func (c *Cache) Stats() StatsSnapshot {
	return StatsSnapshot{
		PagesZeroed:  atomic.LoadUint64(&c.stats.zeroCount),
		PageHits:     atomic.LoadUint64(&c.stats.hitCount),
		PagesRead:    atomic.LoadUint64(&c.stats.readCount),
		PagesWritten: atomic.LoadUint64(&c.stats.writeCount),
		ExistsChecks: atomic.LoadUint64(&c.stats.existsCount),
		Flushes:      atomic.LoadUint64(&c.stats.flushCount),
		Truncates:    atomic.LoadUint64(&c.stats.truncateCount),
	}
}

// HitRate 命中率
func (c *Cache) HitRate() float64 {
	hits := atomic.LoadUint64(&c.stats.hitCount)
	reads := atomic.LoadUint64(&c.stats.readCount)
	total := hits + reads
	if total == 0 {
		return 0.0
	}
	return float64(hits) / float64(total)
}
