package slru

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"
)

// PagesPerSegment 每个段文件的固定页数
const PagesPerSegment = 32

// PageStore 单个逻辑日志的段文件I/O层。
//
// 把页号映射到(段文件, 偏移)并完成定长页的读写，不做任何缓存，
// 也不做超出单次系统调用的并发控制。
type PageStore struct {
	family    string
	dir       string
	pageSize  int
	longNames bool
	directIO  bool
}

// PageStoreConfig 段文件层配置
type PageStoreConfig struct {
	Family    string
	Dir       string
	PageSize  int
	LongNames bool
	DirectIO  bool
}

func NewPageStore(cfg PageStoreConfig) (*PageStore, error) {
	if cfg.PageSize <= 0 || cfg.PageSize%512 != 0 {
		return nil, ErrInvalidPageSize
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, &IOError{Family: cfg.Family, Cause: IOCauseOpen, Path: cfg.Dir, Err: err}
	}
	return &PageStore{
		family:    cfg.Family,
		dir:       cfg.Dir,
		pageSize:  cfg.PageSize,
		longNames: cfg.LongNames,
		directIO:  cfg.DirectIO,
	}, nil
}

func (s *PageStore) Dir() string   { return s.dir }
func (s *PageStore) PageSize() int { return s.pageSize }

// AlignedBuffer 分配一个页缓冲；O_DIRECT模式下按块对齐
func (s *PageStore) AlignedBuffer() []byte {
	if s.directIO {
		return directio.AlignedBlock(s.pageSize)
	}
	return make([]byte, s.pageSize)
}

// SegmentFileName 段号到文件名的映射。
//
// 短命名用4~6个十六进制字符（%04X 会随段号自然增长），
// 长命名固定15个字符。命名方案在日志族初始化时选定后不再改变。
func (s *PageStore) SegmentFileName(segno int64) string {
	if s.longNames {
		return filepath.Join(s.dir, fmt.Sprintf("%015X", segno))
	}
	return filepath.Join(s.dir, fmt.Sprintf("%04X", segno))
}

// SegmentForPage 页号所在的段号
func SegmentForPage(pageno int64) int64 {
	return pageno / PagesPerSegment
}

func (s *PageStore) openFile(path string, flag int) (*os.File, error) {
	if s.directIO {
		return directio.OpenFile(path, flag, 0644)
	}
	return os.OpenFile(path, flag, 0644)
}

// OpenSegment 打开(必要时创建)页所在的段文件，供上层批量写复用句柄
func (s *PageStore) OpenSegment(segno int64) (*os.File, error) {
	path := s.SegmentFileName(segno)

	// 段文件可能因恢复重放而被多个执行者同时创建，不能用O_EXCL
	f, err := s.openFile(path, os.O_RDWR|os.O_CREATE)
	if err != nil {
		return nil, &IOError{Family: s.family, Cause: IOCauseOpen, Path: path, Err: err}
	}
	return f, nil
}

// ReadPageAt 把一页读入buf。页不存在时返回的IOError包装os.ErrNotExist。
func (s *PageStore) ReadPageAt(pageno int64, buf []byte) error {
	segno := pageno / PagesPerSegment
	rpageno := pageno % PagesPerSegment
	offset := rpageno * int64(s.pageSize)
	path := s.SegmentFileName(segno)

	f, err := s.openFile(path, os.O_RDONLY)
	if err != nil {
		return &IOError{Family: s.family, Cause: IOCauseOpen, Path: path, Offset: offset, Err: err}
	}

	if _, err := f.ReadAt(buf[:s.pageSize], offset); err != nil {
		f.Close()
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			// 段存在但还没有这一页，视同文件缺失
			return &IOError{Family: s.family, Cause: IOCauseRead, Path: path, Offset: offset, Err: os.ErrNotExist}
		}
		return &IOError{Family: s.family, Cause: IOCauseRead, Path: path, Offset: offset, Err: err}
	}

	if err := f.Close(); err != nil {
		return &IOError{Family: s.family, Cause: IOCauseClose, Path: path, Offset: offset, Err: err}
	}
	return nil
}

// WritePageAt 把buf写到页的位置上并做fdatasync。
// f 不为nil时复用该句柄且不负责同步与关闭（批量刷写场景）。
func (s *PageStore) WritePageAt(f *os.File, pageno int64, buf []byte) error {
	segno := pageno / PagesPerSegment
	rpageno := pageno % PagesPerSegment
	offset := rpageno * int64(s.pageSize)
	path := s.SegmentFileName(segno)

	standalone := f == nil
	if standalone {
		var err error
		f, err = s.OpenSegment(segno)
		if err != nil {
			return err
		}
	}

	if _, err := f.WriteAt(buf[:s.pageSize], offset); err != nil {
		if standalone {
			f.Close()
		}
		return &IOError{Family: s.family, Cause: IOCauseWrite, Path: path, Offset: offset, Err: err}
	}

	if standalone {
		if err := unix.Fdatasync(int(f.Fd())); err != nil {
			f.Close()
			return &IOError{Family: s.family, Cause: IOCauseFsync, Path: path, Offset: offset, Err: err}
		}
		if err := f.Close(); err != nil {
			return &IOError{Family: s.family, Cause: IOCauseClose, Path: path, Offset: offset, Err: err}
		}
	}
	return nil
}

// PageExists 页是否已物理存在（段文件存在且足够长）
func (s *PageStore) PageExists(pageno int64) (bool, error) {
	segno := pageno / PagesPerSegment
	rpageno := pageno % PagesPerSegment
	offset := rpageno * int64(s.pageSize)
	path := s.SegmentFileName(segno)

	f, err := s.openFile(path, os.O_RDONLY)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &IOError{Family: s.family, Cause: IOCauseOpen, Path: path, Offset: offset, Err: err}
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return false, &IOError{Family: s.family, Cause: IOCauseSeek, Path: path, Offset: offset, Err: err}
	}

	result := fi.Size() >= offset+int64(s.pageSize)

	if err := f.Close(); err != nil {
		return false, &IOError{Family: s.family, Cause: IOCauseClose, Path: path, Offset: offset, Err: err}
	}
	return result, nil
}

// DeleteSegment 删除一个段文件；文件已不存在不算错误
func (s *PageStore) DeleteSegment(segno int64) error {
	path := s.SegmentFileName(segno)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return &IOError{Family: s.family, Cause: IOCauseOpen, Path: path, Err: err}
	}
	return nil
}

// SyncDir 把目录项落盘，保证新段文件在崩溃后可见
func (s *PageStore) SyncDir() error {
	d, err := os.Open(s.dir)
	if err != nil {
		return &IOError{Family: s.family, Cause: IOCauseOpen, Path: s.dir, Err: err}
	}
	if err := d.Sync(); err != nil {
		d.Close()
		return &IOError{Family: s.family, Cause: IOCauseFsync, Path: s.dir, Err: err}
	}
	return d.Close()
}

// validSegmentName 文件名长度与字符集是否符合当前命名方案
func (s *PageStore) validSegmentName(name string) bool {
	n := len(name)
	if s.longNames {
		if n != 15 {
			return false
		}
	} else if n < 4 || n > 6 {
		return false
	}
	for _, r := range name {
		if !strings.ContainsRune("0123456789ABCDEF", r) {
			return false
		}
	}
	return true
}

// ScanCallback 目录扫描回调。segpage是该段第一页的页号。
// 返回true时扫描提前终止。
type ScanCallback func(name string, segno, segpage int64) (bool, error)

// Scan 遍历目录里所有合法段文件并回调。不保证遍历顺序，也不加锁。
func (s *PageStore) Scan(cb ScanCallback) (bool, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return false, &IOError{Family: s.family, Cause: IOCauseOpen, Path: s.dir, Err: err}
	}

	for _, e := range entries {
		name := e.Name()
		if !s.validSegmentName(name) {
			continue
		}
		segno, err := strconv.ParseInt(name, 16, 64)
		if err != nil {
			continue
		}
		stop, err := cb(name, segno, segno*PagesPerSegment)
		if err != nil {
			return false, err
		}
		if stop {
			return true, nil
		}
	}
	return false, nil
}
