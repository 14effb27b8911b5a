package slru

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/zhukovaskychina/mxstore/logger"
)

// maxFlushBatchFiles 一次批量刷写同时打开的段文件句柄上限
const maxFlushBatchFiles = 16

// flushBatch 批量刷写上下文：复用段文件句柄，攒到最后统一fdatasync
type flushBatch struct {
	files map[int64]*os.File
}

func newFlushBatch() *flushBatch {
	return &flushBatch{files: make(map[int64]*os.File)}
}

// segmentFile 取段文件句柄，句柄数到上限时先腾出一个
func (fb *flushBatch) segmentFile(store *PageStore, segno int64) (*os.File, error) {
	if f, ok := fb.files[segno]; ok {
		return f, nil
	}
	if len(fb.files) >= maxFlushBatchFiles {
		for sn, f := range fb.files {
			if err := fb.closeOne(store, sn, f); err != nil {
				return nil, err
			}
			break
		}
	}
	f, err := store.OpenSegment(segno)
	if err != nil {
		return nil, err
	}
	fb.files[segno] = f
	return f, nil
}

func (fb *flushBatch) closeOne(store *PageStore, segno int64, f *os.File) error {
	delete(fb.files, segno)
	path := store.SegmentFileName(segno)
	if err := unix.Fdatasync(int(f.Fd())); err != nil {
		f.Close()
		return &IOError{Family: store.family, Cause: IOCauseFsync, Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &IOError{Family: store.family, Cause: IOCauseClose, Path: path, Err: err}
	}
	return nil
}

// finish 把批量里剩下的句柄全部fdatasync并关闭，返回第一个错误
func (fb *flushBatch) finish(store *PageStore) error {
	var firstErr error
	for segno, f := range fb.files {
		if err := fb.closeOne(store, segno, f); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WriteAll 把所有脏页写回段文件，检查点时调用。
// 逐bank持锁，物理写在锁外进行，段文件句柄在整个过程中复用。
func (c *Cache) WriteAll() error {
	fdata := newFlushBatch()
	var firstErr error

	for bank := 0; bank < c.nbanks; bank++ {
		bankStart := bank * BankSize
		g := &BankGuard{c: c, bank: bank, exclusive: true, held: true}
		c.bankLocks[bank].Lock()

		for slot := bankStart; slot < bankStart+BankSize; slot++ {
			if c.status[slot] != slotValid || !c.dirty[slot] {
				continue
			}
			if err := c.writePageInternal(g, slot, fdata); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				logger.Errorf("slru %q: 检查点写出页 %d 失败: %v",
					c.family, c.pageNums[slot], err)
			}
		}
		g.Release()
	}

	if err := fdata.finish(c.store); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr == nil {
		c.stats.incrFlush()
	}
	return firstErr
}

// Truncate 丢弃cutoffPage之前的所有数据。
//
// 调用方必须已经排除与截断冲突的并发操作（上层持截断排斥锁），
// 并保证cutoff之前的数据不会再被访问。先作废缓存里的旧页，
// 再删除完全落在cutoff之前的段文件。
func (c *Cache) Truncate(cutoffPage int64) error {
	c.stats.incrTruncate()

	// 回绕自检：最新页竟然在切点之前，说明上层的回绕防护失守，
	// 此时删除任何东西都可能毁掉还在用的数据
	if c.order.PagePrecedes(c.latestPage.Load(), cutoffPage) {
		logger.Errorf("slru %q: 疑似页号回绕，拒绝截断到页 %d", c.family, cutoffPage)
		return ErrApparentWrap
	}

	for bank := 0; bank < c.nbanks; bank++ {
		if err := c.truncateBank(bank, cutoffPage); err != nil {
			return err
		}
	}

	// 缓存层面已无旧页，物理删除可以整段进行
	_, err := c.store.Scan(func(name string, segno, segpage int64) (bool, error) {
		if !c.mayDeleteSegment(segpage, cutoffPage) {
			return false, nil
		}
		logger.Infof("slru %q: 删除段文件 %s", c.family, name)
		return false, c.store.DeleteSegment(segno)
	})
	if err != nil {
		return err
	}
	return c.store.SyncDir()
}

// truncateBank 作废一个bank里所有落在cutoff之前的页。
// 脏页先写出、I/O中的页先等待，之后整bank从头重扫。
func (c *Cache) truncateBank(bank int, cutoffPage int64) error {
	bankStart := bank * BankSize

restart:
	g := &BankGuard{c: c, bank: bank, exclusive: true, held: true}
	c.bankLocks[bank].Lock()

	for slot := bankStart; slot < bankStart+BankSize; slot++ {
		if c.status[slot] == slotEmpty {
			continue
		}
		if !c.order.PagePrecedes(c.pageNums[slot], cutoffPage) {
			continue
		}

		// 干净的有效页直接清空，这是预期中的常见情形
		if c.status[slot] == slotValid && !c.dirty[slot] {
			c.status[slot] = slotEmpty
			continue
		}

		// 脏页或I/O中的页：处理后放锁重扫，等待期间bank里
		// 什么都可能发生
		if c.status[slot] == slotValid {
			if err := c.writePageInternal(g, slot, nil); err != nil {
				g.Release()
				return err
			}
		} else {
			c.waitIO(g, slot)
		}
		g.Release()
		goto restart
	}

	g.Release()
	return nil
}

// mayDeleteSegment 段是否完全落在cutoff之前。首尾两页都先于
// cutoff才能删，只看首页在回绕边界附近会误删半个活段。
func (c *Cache) mayDeleteSegment(segpage, cutoffPage int64) bool {
	return c.order.PagePrecedes(segpage, cutoffPage) &&
		c.order.PagePrecedes(segpage+PagesPerSegment-1, cutoffPage)
}

// DeleteSegment 作废并删除单个段文件，恢复重放截断记录时使用
func (c *Cache) DeleteSegment(segno int64) error {
	first := segno * PagesPerSegment
	last := first + PagesPerSegment - 1

	for bank := 0; bank < c.nbanks; bank++ {
		bankStart := bank * BankSize

	restart:
		g := &BankGuard{c: c, bank: bank, exclusive: true, held: true}
		c.bankLocks[bank].Lock()

		for slot := bankStart; slot < bankStart+BankSize; slot++ {
			if c.status[slot] == slotEmpty {
				continue
			}
			if c.pageNums[slot] < first || c.pageNums[slot] > last {
				continue
			}
			if c.status[slot] == slotValid {
				c.status[slot] = slotEmpty
				c.dirty[slot] = false
				continue
			}
			c.waitIO(g, slot)
			g.Release()
			goto restart
		}
		g.Release()
	}

	logger.Infof("slru %q: 删除段文件 %s", c.family, c.store.SegmentFileName(segno))
	if err := c.store.DeleteSegment(segno); err != nil {
		return err
	}
	return c.store.SyncDir()
}
