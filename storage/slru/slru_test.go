package slru

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试里的页号空间按有符号回绕比较
var testOrder = PagePrecedesFunc(func(a, b int64) bool { return a < b })

func newTestCache(t *testing.T, slots int) *Cache {
	c, err := NewCache(Config{
		Family:   "test",
		Dir:      t.TempDir(),
		Slots:    slots,
		PageSize: 8192,
		Order:    testOrder,
	})
	require.NoError(t, err)
	return c
}

func zeroAndFill(t *testing.T, c *Cache, pageno int64, fill byte) {
	g := c.AcquireBank(pageno)
	defer g.Release()
	slot, err := c.ZeroPage(g, pageno)
	require.NoError(t, err)
	buf := c.Buffer(slot)
	for i := range buf {
		buf[i] = fill
	}
	c.MarkDirty(g, slot)
}

func TestNewCache(t *testing.T) {
	t.Run("槽位数必须是16的倍数", func(t *testing.T) {
		_, err := NewCache(Config{Family: "bad", Dir: t.TempDir(), Slots: 10, PageSize: 8192, Order: testOrder})
		assert.ErrorIs(t, err, ErrInvalidSlotCount)
	})

	t.Run("页大小必须是512的倍数", func(t *testing.T) {
		_, err := NewCache(Config{Family: "bad", Dir: t.TempDir(), Slots: 16, PageSize: 1000, Order: testOrder})
		assert.ErrorIs(t, err, ErrInvalidPageSize)
	})
}

func TestZeroReadWrite(t *testing.T) {
	t.Run("建零页写回后能读出相同内容", func(t *testing.T) {
		c := newTestCache(t, 16)
		zeroAndFill(t, c, 3, 0xAB)

		g := c.AcquireBank(3)
		slot, err := c.ReadPage(g, 3, true)
		require.NoError(t, err)
		require.NoError(t, c.WritePage(g, slot))
		g.Release()

		// 换一个缓存实例从磁盘读
		c2, err := NewCache(Config{
			Family: "test", Dir: c.Store().Dir(), Slots: 16, PageSize: 8192, Order: testOrder,
		})
		require.NoError(t, err)
		g2 := c2.AcquireBank(3)
		slot2, err := c2.ReadPage(g2, 3, true)
		require.NoError(t, err)
		for _, b := range c2.Buffer(slot2) {
			require.Equal(t, byte(0xAB), b)
		}
		g2.Release()
	})

	t.Run("建零页推进最新页号", func(t *testing.T) {
		c := newTestCache(t, 16)
		zeroAndFill(t, c, 7, 0)
		assert.Equal(t, int64(7), c.LatestPage())
	})

	t.Run("读不存在的页报IO错误", func(t *testing.T) {
		c := newTestCache(t, 16)
		g := c.AcquireBank(42)
		_, err := c.ReadPage(g, 42, true)
		g.Release()
		var ioErr *IOError
		require.ErrorAs(t, err, &ioErr)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("干净页写回是空操作", func(t *testing.T) {
		c := newTestCache(t, 16)
		zeroAndFill(t, c, 1, 0x33)

		g := c.AcquireBank(1)
		slot, err := c.ReadPage(g, 1, true)
		require.NoError(t, err)
		require.NoError(t, c.WritePage(g, slot))

		written := c.Stats().PagesWritten
		require.NoError(t, c.WritePage(g, slot))
		g.Release()
		assert.Equal(t, written, c.Stats().PagesWritten)
	})

	t.Run("恢复模式下不存在的页按零页合成", func(t *testing.T) {
		c := newTestCache(t, 16)
		c.SetRecovery(true)
		g := c.AcquireBank(42)
		slot, err := c.ReadPage(g, 42, true)
		require.NoError(t, err)
		for _, b := range c.Buffer(slot) {
			require.Equal(t, byte(0), b)
		}
		g.Release()
	})
}

func TestReadPageReadOnly(t *testing.T) {
	t.Run("命中走共享锁快速路径", func(t *testing.T) {
		c := newTestCache(t, 16)
		zeroAndFill(t, c, 5, 0x11)

		before := c.Stats().PageHits
		slot, g, err := c.ReadPageReadOnly(5)
		require.NoError(t, err)
		assert.Equal(t, int64(5), c.PageNumber(slot))
		g.Release()
		assert.Equal(t, before+1, c.Stats().PageHits)
	})

	t.Run("未命中升级为排它读入", func(t *testing.T) {
		c := newTestCache(t, 16)
		zeroAndFill(t, c, 2, 0x22)
		g := c.AcquireBank(2)
		slot, err := c.ReadPage(g, 2, true)
		require.NoError(t, err)
		require.NoError(t, c.WritePage(g, slot))
		g.Release()

		c2, err := NewCache(Config{
			Family: "test", Dir: c.Store().Dir(), Slots: 16, PageSize: 8192, Order: testOrder,
		})
		require.NoError(t, err)
		slot2, g2, err := c2.ReadPageReadOnly(2)
		require.NoError(t, err)
		assert.Equal(t, int64(2), c2.PageNumber(slot2))
		g2.Release()
		assert.Equal(t, uint64(1), c2.Stats().PagesRead)
	})
}

func TestEviction(t *testing.T) {
	t.Run("超出容量时淘汰并写出脏受害页", func(t *testing.T) {
		c := newTestCache(t, 16)
		// 单个bank装16页，再多一页必然驱逐
		for pageno := int64(0); pageno < 17; pageno++ {
			zeroAndFill(t, c, pageno, byte(pageno))
		}

		// 被驱逐的脏页必须已经落盘
		found := 0
		_, err := c.Store().Scan(func(name string, segno, segpage int64) (bool, error) {
			found++
			return false, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, found)

		// 旧页还能读回来
		g := c.AcquireBank(0)
		slot, err := c.ReadPage(g, 0, true)
		require.NoError(t, err)
		assert.Equal(t, byte(0), c.Buffer(slot)[0])
		g.Release()
	})

	t.Run("最新页永远不被淘汰", func(t *testing.T) {
		c := newTestCache(t, 16)
		for pageno := int64(0); pageno < 40; pageno++ {
			zeroAndFill(t, c, pageno, byte(pageno))
		}
		// 最新页39必须仍驻留
		slot, g, err := c.ReadPageReadOnly(39)
		require.NoError(t, err)
		assert.Equal(t, byte(39), c.Buffer(slot)[0])
		g.Release()
		hits := c.Stats().PageHits
		assert.Greater(t, hits, uint64(0))
	})
}

func TestConcurrentReadWrite(t *testing.T) {
	t.Run("并发只读访问与写回互不干扰", func(t *testing.T) {
		c := newTestCache(t, 16)
		const pages = 4
		for p := int64(0); p < pages; p++ {
			zeroAndFill(t, c, p, byte(p+1))
		}

		const iters = 500
		var wg sync.WaitGroup
		for r := 0; r < 4; r++ {
			wg.Add(1)
			go func(start int64) {
				defer wg.Done()
				for i := 0; i < iters; i++ {
					p := (start + int64(i)) % pages
					slot, g, err := c.ReadPageReadOnly(p)
					if !assert.NoError(t, err) {
						return
					}
					got := c.Buffer(slot)[0]
					g.Release()
					if !assert.Equal(t, byte(p+1), got) {
						return
					}
				}
			}(int64(r))
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iters; i++ {
				p := int64(i) % pages
				g := c.AcquireBank(p)
				slot, err := c.ReadPage(g, p, true)
				if err != nil {
					g.Release()
					assert.NoError(t, err)
					return
				}
				c.MarkDirty(g, slot)
				err = c.WritePage(g, slot)
				g.Release()
				if !assert.NoError(t, err) {
					return
				}
			}
		}()
		wg.Wait()
	})
}

func TestWriteAll(t *testing.T) {
	t.Run("检查点把所有脏页写回", func(t *testing.T) {
		c := newTestCache(t, 32)
		for pageno := int64(0); pageno < 8; pageno++ {
			zeroAndFill(t, c, pageno, byte(pageno+1))
		}
		require.NoError(t, c.WriteAll())

		c2, err := NewCache(Config{
			Family: "test", Dir: c.Store().Dir(), Slots: 32, PageSize: 8192, Order: testOrder,
		})
		require.NoError(t, err)
		for pageno := int64(0); pageno < 8; pageno++ {
			g := c2.AcquireBank(pageno)
			slot, err := c2.ReadPage(g, pageno, true)
			require.NoError(t, err)
			assert.Equal(t, byte(pageno+1), c2.Buffer(slot)[0])
			g.Release()
		}
	})
}

func TestTruncate(t *testing.T) {
	t.Run("切点之前的整段被删除", func(t *testing.T) {
		c := newTestCache(t, 16)
		// 覆盖三个段再多一点，最新页必须晚于切点
		for pageno := int64(0); pageno <= 3*PagesPerSegment; pageno++ {
			zeroAndFill(t, c, pageno, 1)
		}
		require.NoError(t, c.WriteAll())

		cutoff := int64(2 * PagesPerSegment)
		require.NoError(t, c.Truncate(cutoff))

		// 段0和段1整个在切点之前
		_, err := os.Stat(c.Store().SegmentFileName(0))
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(c.Store().SegmentFileName(1))
		assert.True(t, os.IsNotExist(err))
		// 段2从切点开始，必须保留
		_, err = os.Stat(c.Store().SegmentFileName(2))
		assert.NoError(t, err)

		// 切点之后的页还能读
		g := c.AcquireBank(cutoff)
		_, err = c.ReadPage(g, cutoff, true)
		g.Release()
		assert.NoError(t, err)
	})

	t.Run("最新页早于切点时拒绝截断", func(t *testing.T) {
		c := newTestCache(t, 16)
		zeroAndFill(t, c, 10, 1)
		err := c.Truncate(100)
		assert.ErrorIs(t, err, ErrApparentWrap)
	})
}

func TestDeleteSegment(t *testing.T) {
	t.Run("驻留页被作废且文件被删除", func(t *testing.T) {
		c := newTestCache(t, 16)
		for pageno := int64(0); pageno <= PagesPerSegment; pageno++ {
			zeroAndFill(t, c, pageno, 1)
		}
		require.NoError(t, c.WriteAll())

		require.NoError(t, c.DeleteSegment(0))
		_, err := os.Stat(c.Store().SegmentFileName(0))
		assert.True(t, os.IsNotExist(err))

		exists, err := c.DoesPhysicalPageExist(0)
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestBankGuard(t *testing.T) {
	t.Run("guard覆盖错误的页号会panic", func(t *testing.T) {
		c, err := NewCache(Config{
			Family: "test", Dir: t.TempDir(), Slots: 32, PageSize: 8192, Order: testOrder,
		})
		require.NoError(t, err)
		// 两个bank：页0归bank0，页1归bank1
		g := c.AcquireBank(0)
		defer g.Release()
		assert.PanicsWithValue(t, ErrGuardMismatch, func() {
			c.ZeroPage(g, 1)
		})
	})

	t.Run("重复释放会panic", func(t *testing.T) {
		c := newTestCache(t, 16)
		g := c.AcquireBank(0)
		g.Release()
		assert.PanicsWithValue(t, ErrGuardReleased, func() { g.Release() })
	})
}

func TestPageStoreNaming(t *testing.T) {
	t.Run("短段名随段号增长", func(t *testing.T) {
		s, err := NewPageStore(PageStoreConfig{Family: "t", Dir: t.TempDir(), PageSize: 8192})
		require.NoError(t, err)
		assert.Equal(t, "0000", trimDir(s.SegmentFileName(0)))
		assert.Equal(t, "00FF", trimDir(s.SegmentFileName(0xFF)))
		assert.Equal(t, "12345", trimDir(s.SegmentFileName(0x12345)))
	})

	t.Run("长段名固定15位", func(t *testing.T) {
		s, err := NewPageStore(PageStoreConfig{Family: "t", Dir: t.TempDir(), PageSize: 8192, LongNames: true})
		require.NoError(t, err)
		assert.Equal(t, "00000000000000A", trimDir(s.SegmentFileName(0xA)))
	})

	t.Run("目录扫描只认合法段名", func(t *testing.T) {
		dir := t.TempDir()
		s, err := NewPageStore(PageStoreConfig{Family: "t", Dir: dir, PageSize: 8192})
		require.NoError(t, err)

		require.NoError(t, os.WriteFile(dir+"/0001", nil, 0644))
		require.NoError(t, os.WriteFile(dir+"/zzzz", nil, 0644))
		require.NoError(t, os.WriteFile(dir+"/001", nil, 0644))

		var segs []int64
		_, err = s.Scan(func(name string, segno, segpage int64) (bool, error) {
			segs = append(segs, segno)
			return false, nil
		})
		require.NoError(t, err)
		assert.Equal(t, []int64{1}, segs)
	})
}

func trimDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
