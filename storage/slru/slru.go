package slru

import (
	"errors"
	"os"
	"sync/atomic"

	"github.com/zhukovaskychina/mxstore/logger"
	"github.com/zhukovaskychina/mxstore/storage/latch"
)

// BankSize 每个bank的槽位数
const BankSize = 16

// slotStatus 槽位状态机：Empty → ReadInProgress → Valid ↔ WriteInProgress
type slotStatus int32

const (
	slotEmpty slotStatus = iota
	slotReadInProgress
	slotValid
	slotWriteInProgress
)

// LogFlusher 先日志后数据：脏页落盘前必须先把相关日志推进到页的最大LSN。
type LogFlusher interface {
	FlushThrough(lsn uint64) error
}

// Config 页缓存配置
type Config struct {
	Family    string
	Dir       string
	Slots     int
	PageSize  int
	LongNames bool
	DirectIO  bool
	Order     WrapOrder
	Flusher   LogFlusher
}

// Cache 按bank分区的小型页缓存。
//
// 槽位被均分为16槽的bank，每个bank一把独立的读写锁；页号对bank数取模
// 决定归属，同一页永远落在同一个bank里。除少数原子字段外，所有槽位
// 元数据都受所属bank锁保护；物理I/O一律在bank锁之外进行，I/O期间由
// 槽位锁标记"进行中"，等待者以"获取共享槽位锁后立刻释放"的方式阻塞
// 到I/O结束，醒来后必须重新校验槽位状态。
type Cache struct {
	family string
	nslots int
	nbanks int

	store   *PageStore
	order   WrapOrder
	flusher LogFlusher

	// 槽位元数据，按槽位号并列索引
	status   []slotStatus
	dirty    []bool
	pageNums []int64
	lruCount []int64
	pageLSN  []uint64
	buffers  [][]byte

	bankLocks []latch.Latch
	slotLocks []latch.Latch
	bankTicks []int64

	// 最新已分配页号。淘汰算法永远不能驱逐它，否则扩展日志时
	// 会出现读-改-写竞争窗口。
	latestPage atomic.Int64

	// 恢复重放期间读到不存在的页按全零处理
	inRecovery atomic.Bool

	stats stats
}

// NewCache 创建一个页缓存。Slots必须是16的正整数倍。
func NewCache(cfg Config) (*Cache, error) {
	if cfg.Slots <= 0 || cfg.Slots%BankSize != 0 {
		return nil, ErrInvalidSlotCount
	}
	store, err := NewPageStore(PageStoreConfig{
		Family:    cfg.Family,
		Dir:       cfg.Dir,
		PageSize:  cfg.PageSize,
		LongNames: cfg.LongNames,
		DirectIO:  cfg.DirectIO,
	})
	if err != nil {
		return nil, err
	}

	c := &Cache{
		family:    cfg.Family,
		nslots:    cfg.Slots,
		nbanks:    cfg.Slots / BankSize,
		store:     store,
		order:     cfg.Order,
		flusher:   cfg.Flusher,
		status:    make([]slotStatus, cfg.Slots),
		dirty:     make([]bool, cfg.Slots),
		pageNums:  make([]int64, cfg.Slots),
		lruCount:  make([]int64, cfg.Slots),
		pageLSN:   make([]uint64, cfg.Slots),
		buffers:   make([][]byte, cfg.Slots),
		bankLocks: make([]latch.Latch, cfg.Slots/BankSize),
		slotLocks: make([]latch.Latch, cfg.Slots),
		bankTicks: make([]int64, cfg.Slots/BankSize),
	}
	for i := range c.buffers {
		c.buffers[i] = store.AlignedBuffer()
	}
	return c, nil
}

func (c *Cache) Family() string    { return c.family }
func (c *Cache) Store() *PageStore { return c.store }

// SetRecovery 进入/退出恢复重放模式
func (c *Cache) SetRecovery(on bool) { c.inRecovery.Store(on) }

// LatestPage 当前最新页号
func (c *Cache) LatestPage() int64 { return c.latestPage.Load() }

// SetLatestPage 启动时由上层按持久化的计数器初始化最新页号
func (c *Cache) SetLatestPage(pageno int64) { c.latestPage.Store(pageno) }

func (c *Cache) bankForPage(pageno int64) int {
	return int(pageno % int64(c.nbanks))
}

// BankGuard 一次bank锁持有期的凭据。
//
// 所有需要bank锁的操作都经由guard进行，guard会校验页号确实归它
// 覆盖的bank管；校验失败说明调用方锁错了bank，属于编程错误，直接panic。
type BankGuard struct {
	c         *Cache
	bank      int
	exclusive bool
	held      bool
}

// AcquireBank 以排它方式锁住页所在的bank
func (c *Cache) AcquireBank(pageno int64) *BankGuard {
	bank := c.bankForPage(pageno)
	c.bankLocks[bank].Lock()
	return &BankGuard{c: c, bank: bank, exclusive: true, held: true}
}

// AcquireBankShared 以共享方式锁住页所在的bank
func (c *Cache) AcquireBankShared(pageno int64) *BankGuard {
	bank := c.bankForPage(pageno)
	c.bankLocks[bank].RLock()
	return &BankGuard{c: c, bank: bank, exclusive: false, held: true}
}

// Release 释放bank锁。重复释放panic。
func (g *BankGuard) Release() {
	if !g.held {
		panic(ErrGuardReleased)
	}
	g.held = false
	if g.exclusive {
		g.c.bankLocks[g.bank].Unlock()
	} else {
		g.c.bankLocks[g.bank].RUnlock()
	}
}

func (g *BankGuard) unlock() {
	g.held = false
	if g.exclusive {
		g.c.bankLocks[g.bank].Unlock()
	} else {
		g.c.bankLocks[g.bank].RUnlock()
	}
}

func (g *BankGuard) relock() {
	if g.exclusive {
		g.c.bankLocks[g.bank].Lock()
	} else {
		g.c.bankLocks[g.bank].RLock()
	}
	g.held = true
}

func (g *BankGuard) mustCover(pageno int64) {
	if !g.held {
		panic(ErrGuardReleased)
	}
	if g.c.bankForPage(pageno) != g.bank {
		panic(ErrGuardMismatch)
	}
}

func (g *BankGuard) mustCoverSlot(slot int) {
	if !g.held {
		panic(ErrGuardReleased)
	}
	if slot/BankSize != g.bank {
		panic(ErrGuardMismatch)
	}
}

// Buffer 槽位的页缓冲。只能在持有对应bank锁期间访问。
func (c *Cache) Buffer(slot int) []byte { return c.buffers[slot] }

// PageNumber 槽位当前缓存的页号
func (c *Cache) PageNumber(slot int) int64 { return c.pageNums[slot] }

// MarkDirty 标脏。必须持有排它bank guard。
func (c *Cache) MarkDirty(g *BankGuard, slot int) {
	g.mustCoverSlot(slot)
	c.dirty[slot] = true
}

// SetPageLSN 记录页上最大的日志序号，落盘前据此推进日志
func (c *Cache) SetPageLSN(g *BankGuard, slot int, lsn uint64) {
	g.mustCoverSlot(slot)
	if lsn > c.pageLSN[slot] {
		c.pageLSN[slot] = lsn
	}
}

// recentlyUsed 推进LRU时钟。时钟读数允许与别的bank操作交错，
// 这里的竞争是良性的，最多让年龄估计略有偏差。
func (c *Cache) recentlyUsed(slot int) {
	bank := slot / BankSize
	cur := atomic.LoadInt64(&c.bankTicks[bank])
	if atomic.LoadInt64(&c.lruCount[slot]) != cur {
		cur++
		atomic.StoreInt64(&c.bankTicks[bank], cur)
		atomic.StoreInt64(&c.lruCount[slot], cur)
	}
}

// ZeroPage 把一个新页以全零内容放进缓存并标脏，不做物理读。
// 必须持有排它bank guard。返回槽位号。
func (c *Cache) ZeroPage(g *BankGuard, pageno int64) (int, error) {
	g.mustCover(pageno)

	slot, err := c.selectLRUPage(g, pageno)
	if err != nil {
		return -1, err
	}

	// selectLRUPage返回的槽位要么空、要么是干净页、要么已经是该页
	c.status[slot] = slotValid
	c.pageNums[slot] = pageno
	c.dirty[slot] = true
	c.pageLSN[slot] = 0
	buf := c.buffers[slot]
	for i := range buf {
		buf[i] = 0
	}

	c.latestPage.Store(pageno)
	c.recentlyUsed(slot)
	c.stats.incrZero()
	return slot, nil
}

// waitIO 阻塞到槽位上进行中的I/O结束。
//
// 进入时持有排它bank guard；内部会先放锁再等，返回时重新持锁。
// I/O执行者异常退出时可能留下"进行中"的残骸状态，这里负责把它
// 修复回一致形态。
func (c *Cache) waitIO(g *BankGuard, slot int) {
	g.unlock()
	c.slotLocks[slot].RLock()
	c.slotLocks[slot].RUnlock()
	g.relock()

	if c.status[slot] == slotReadInProgress ||
		c.status[slot] == slotWriteInProgress {
		// 状态还挂着，说明I/O失败且执行者已放弃；
		// 拿不到槽位锁则是另一个执行者接手了，留给它处理。
		if c.slotLocks[slot].TryRLock() {
			if c.status[slot] == slotReadInProgress {
				c.status[slot] = slotEmpty
			} else {
				c.status[slot] = slotValid
				c.dirty[slot] = true
			}
			c.slotLocks[slot].RUnlock()
		}
	}
}

// ReadPage 找到或读入指定页，返回槽位号。
//
// 必须持有排它bank guard；物理读期间会临时放锁，返回时重新持锁。
// writeOK为false时遇到正在写出的页也会等写完再返回。
func (c *Cache) ReadPage(g *BankGuard, pageno int64, writeOK bool) (int, error) {
	g.mustCover(pageno)

	for {
		slot, err := c.selectLRUPage(g, pageno)
		if err != nil {
			return -1, err
		}

		// 命中
		if c.status[slot] != slotEmpty && c.pageNums[slot] == pageno {
			if c.status[slot] == slotReadInProgress ||
				(c.status[slot] == slotWriteInProgress && !writeOK) {
				c.waitIO(g, slot)
				continue
			}
			c.recentlyUsed(slot)
			c.stats.incrHit()
			return slot, nil
		}

		// 未命中，槽位此刻要么空、要么是干净的受害页
		c.status[slot] = slotReadInProgress
		c.pageNums[slot] = pageno
		c.dirty[slot] = false
		c.pageLSN[slot] = 0

		c.slotLocks[slot].Lock()
		g.unlock()

		err = c.physicalReadPage(pageno, c.buffers[slot])

		g.relock()
		c.recentlyUsed(slot)
		if err == nil {
			c.status[slot] = slotValid
		} else {
			c.status[slot] = slotEmpty
		}
		c.slotLocks[slot].Unlock()

		if err != nil {
			return -1, err
		}
		c.stats.incrRead()
		return slot, nil
	}
}

// ReadPageReadOnly 只读命中路径：先试共享锁的快速路径，未命中时
// 升级为排它锁走完整读入。返回的guard由调用方Release。
func (c *Cache) ReadPageReadOnly(pageno int64) (int, *BankGuard, error) {
	g := c.AcquireBankShared(pageno)
	bankStart := g.bank * BankSize
	for slot := bankStart; slot < bankStart+BankSize; slot++ {
		if c.status[slot] == slotValid && c.pageNums[slot] == pageno {
			c.recentlyUsed(slot)
			c.stats.incrHit()
			return slot, g, nil
		}
	}
	g.Release()

	g = c.AcquireBank(pageno)
	slot, err := c.ReadPage(g, pageno, true)
	if err != nil {
		g.Release()
		return -1, nil, err
	}
	return slot, g, nil
}

// physicalReadPage 从段文件读一页。恢复期间页不存在视作全零页，
// 这是截断与扩展重放交错后的正常现象。
func (c *Cache) physicalReadPage(pageno int64, buf []byte) error {
	err := c.store.ReadPageAt(pageno, buf)
	if err != nil && errors.Is(err, os.ErrNotExist) && c.inRecovery.Load() {
		logger.Infof("slru %q: 恢复期间页 %d 的段文件不存在，按零页处理", c.family, pageno)
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	return err
}

// selectLRUPage 为pageno找一个槽位：已缓存则返回该槽位，否则
// 腾出一个可用槽位（可能写出脏受害页或等待他人I/O后重试）。
// 进入和返回时都持有排它bank guard。
func (c *Cache) selectLRUPage(g *BankGuard, pageno int64) (int, error) {
	bank := c.bankForPage(pageno)
	bankStart := bank * BankSize

	for {
		// 已有槽位或空槽位优先
		for slot := bankStart; slot < bankStart+BankSize; slot++ {
			if c.status[slot] != slotEmpty && c.pageNums[slot] == pageno {
				return slot, nil
			}
		}

		// 强制推进时钟，保证反复失败的循环里年龄仍会增长
		cur := atomic.AddInt64(&c.bankTicks[bank], 1) - 1

		bestValidSlot := -1
		var bestValidAge int64 = -1
		var bestValidPage int64
		bestBusySlot := -1
		var bestBusyAge int64 = -1
		var bestBusyPage int64
		latest := c.latestPage.Load()

		for slot := bankStart; slot < bankStart+BankSize; slot++ {
			if c.status[slot] == slotEmpty {
				return slot, nil
			}
			age := cur - atomic.LoadInt64(&c.lruCount[slot])
			if age < 0 {
				// 时钟读数存在良性竞争，负年龄钳到零
				atomic.StoreInt64(&c.lruCount[slot], cur)
				age = 0
			}
			page := c.pageNums[slot]
			if c.status[slot] == slotValid {
				// 最新页永远不做受害者
				if page == latest {
					continue
				}
				if age > bestValidAge ||
					(age == bestValidAge && c.order.PagePrecedes(page, bestValidPage)) {
					bestValidSlot = slot
					bestValidAge = age
					bestValidPage = page
				}
			} else {
				if age > bestBusyAge ||
					(age == bestBusyAge && c.order.PagePrecedes(page, bestBusyPage)) {
					bestBusySlot = slot
					bestBusyAge = age
					bestBusyPage = page
				}
			}
		}

		// 所有候选都在I/O中，等最久没用的那个结束后重试
		if bestValidSlot == -1 {
			c.waitIO(g, bestBusySlot)
			continue
		}

		if !c.dirty[bestValidSlot] {
			return bestValidSlot, nil
		}

		// 受害页是脏的：写出后重试。写出期间放过锁，醒来后
		// 一切都可能变了，必须从头再选。
		if err := c.writePageInternal(g, bestValidSlot, nil); err != nil {
			logger.Errorf("slru %q: 写出受害页 %d 失败: %v",
				c.family, c.pageNums[bestValidSlot], err)
			return -1, err
		}
	}
}

// WritePage 把一个有效槽位写回段文件。必须持有排它bank guard。
func (c *Cache) WritePage(g *BankGuard, slot int) error {
	g.mustCoverSlot(slot)
	return c.writePageInternal(g, slot, nil)
}

// writePageInternal 写出一个槽位。fdata不为nil时加入批量刷写，
// 句柄与fsync由批量上下文统一处理。
//
// 进入时持有排它bank guard，物理写期间放锁，返回时重新持锁。
// 写失败时脏标记在锁内恢复原状，之后才把错误交给调用方。
func (c *Cache) writePageInternal(g *BankGuard, slot int, fdata *flushBatch) error {
	pageno := c.pageNums[slot]

	if c.status[slot] != slotValid {
		return nil
	}
	// 干净页无事可做
	if !c.dirty[slot] {
		return nil
	}

	c.status[slot] = slotWriteInProgress
	c.dirty[slot] = false
	lsn := c.pageLSN[slot]

	c.slotLocks[slot].Lock()
	g.unlock()

	err := c.physicalWritePage(pageno, c.buffers[slot], lsn, fdata)

	g.relock()
	if err != nil &&
		c.pageNums[slot] == pageno &&
		c.status[slot] == slotWriteInProgress {
		c.dirty[slot] = true
	}
	c.status[slot] = slotValid
	c.slotLocks[slot].Unlock()

	if err != nil {
		return err
	}
	c.stats.incrWrite()
	return nil
}

// physicalWritePage 物理写出一页，先推日志再写数据
func (c *Cache) physicalWritePage(pageno int64, buf []byte, lsn uint64, fdata *flushBatch) error {
	if c.flusher != nil && lsn != 0 {
		if err := c.flusher.FlushThrough(lsn); err != nil {
			return err
		}
	}

	if fdata != nil {
		f, err := fdata.segmentFile(c.store, pageno/PagesPerSegment)
		if err != nil {
			return err
		}
		return c.store.WritePageAt(f, pageno, buf)
	}
	return c.store.WritePageAt(nil, pageno, buf)
}

// DoesPhysicalPageExist 绕过缓存检查页是否已物理存在
func (c *Cache) DoesPhysicalPageExist(pageno int64) (bool, error) {
	c.stats.incrExists()
	return c.store.PageExists(pageno)
}

// ZeroAndWritePage 造一个全零页并立刻落盘，恢复重放扩展日志用
func (c *Cache) ZeroAndWritePage(pageno int64) error {
	g := c.AcquireBank(pageno)
	defer g.Release()

	slot, err := c.ZeroPage(g, pageno)
	if err != nil {
		return err
	}
	return c.writePageInternal(g, slot, nil)
}
