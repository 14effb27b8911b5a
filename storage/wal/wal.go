package wal

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/mxstore/logger"
)

// RedoFunc 某个日志族的重放函数。重放必须幂等：同一条记录
// 重放多少遍效果都一样。
type RedoFunc func(op uint8, lsn uint64, data []byte) error

// Config 日志管理器配置
type Config struct {
	Dir           string
	BufferSize    int
	FlushInterval time.Duration
	Compression   bool
}

// Manager 重做日志管理器。
//
// 记录先进内存缓冲，缓冲满、定时器到或显式FlushThrough时批量
// 写文件并fsync。FlushThrough(lsn)返回后保证LSN不大于lsn的记录
// 全部持久化，脏页落盘前靠它兑现先日志后数据。
type Manager struct {
	mu            sync.Mutex
	logFile       *os.File
	nextLSN       uint64
	flushedLSN    atomic.Uint64
	buffer        []*Record
	bufferSize    int
	dir           string
	compression   bool
	flushInterval time.Duration

	redoMu sync.RWMutex
	redo   map[uint8]RedoFunc

	lastCheckpoint uint64
	checkpointTime time.Time

	stopCh chan struct{}
	doneCh chan struct{}
	closed bool
}

// NewManager 创建日志管理器并启动后台刷写协程
func NewManager(cfg Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.Wrap(err, "wal: create log dir")
	}

	logFile, err := os.OpenFile(
		filepath.Join(cfg.Dir, "redo.log"),
		os.O_CREATE|os.O_RDWR|os.O_APPEND,
		0644,
	)
	if err != nil {
		return nil, errors.Wrap(err, "wal: open log file")
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}

	m := &Manager{
		logFile:       logFile,
		nextLSN:       1,
		buffer:        make([]*Record, 0, cfg.BufferSize),
		bufferSize:    cfg.BufferSize,
		dir:           cfg.Dir,
		compression:   cfg.Compression,
		flushInterval: cfg.FlushInterval,
		redo:          make(map[uint8]RedoFunc),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	go m.backgroundFlush()

	return m, nil
}

// RegisterRedo 注册一个日志族的重放函数
func (m *Manager) RegisterRedo(family uint8, fn RedoFunc) {
	m.redoMu.Lock()
	m.redo[family] = fn
	m.redoMu.Unlock()
}

// Append 追加一条记录并返回分配的LSN。缓冲满时就地刷写。
func (m *Manager) Append(family, op uint8, data []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if len(data) > maxRecordDataLen {
		return 0, errors.Errorf("wal: record payload %d exceeds limit", len(data))
	}

	rec := &Record{
		LSN:    m.nextLSN,
		Family: family,
		Op:     op,
		Data:   data,
	}
	m.nextLSN++
	m.buffer = append(m.buffer, rec)

	if len(m.buffer) >= m.bufferSize {
		if err := m.flushBuffer(); err != nil {
			return 0, err
		}
	}

	return rec.LSN, nil
}

// FlushThrough 保证LSN不大于lsn的记录全部落盘
func (m *Manager) FlushThrough(lsn uint64) error {
	if m.flushedLSN.Load() >= lsn {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.flushedLSN.Load() >= lsn {
		return nil
	}
	return m.flushBuffer()
}

// Sync 把当前缓冲的全部记录落盘
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushBuffer()
}

// FlushedLSN 已持久化的最大LSN
func (m *Manager) FlushedLSN() uint64 { return m.flushedLSN.Load() }

// flushBuffer 序列化缓冲并fsync。调用方持有m.mu。
func (m *Manager) flushBuffer() error {
	if len(m.buffer) == 0 {
		return nil
	}

	for _, rec := range m.buffer {
		if _, err := m.logFile.Write(encodeRecord(rec, m.compression)); err != nil {
			return errors.Wrap(err, "wal: write record")
		}
	}

	if err := m.logFile.Sync(); err != nil {
		return errors.Wrap(err, "wal: sync log file")
	}

	m.flushedLSN.Store(m.nextLSN - 1)
	m.buffer = m.buffer[:0]
	return nil
}

// backgroundFlush 后台定期刷写
func (m *Manager) backgroundFlush() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Sync(); err != nil {
				logger.Errorf("wal: 后台刷写失败: %v", err)
			}
		case <-m.stopCh:
			return
		}
	}
}

// Replay 从检查点之后重放日志，把记录分发给注册的重放函数。
//
// 残缺尾巴或校验和失败的记录视作崩溃现场的未完成写入，重放到
// 此停止且不算错误；没有注册重放函数的日志族记录被跳过。
func (m *Manager) Replay() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	startLSN := m.readCheckpoint()

	if _, err := m.logFile.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "wal: seek log start")
	}

	var count int
	var lastLSN uint64
	for {
		rec, err := decodeRecord(m.logFile)
		if err == io.EOF {
			break
		}
		if errors.Is(err, ErrTornRecord) || errors.Is(err, ErrBadChecksum) {
			logger.Warnf("wal: 日志尾部记录不完整(LSN %d 之后)，重放停止: %v", lastLSN, err)
			break
		}
		if err != nil {
			return err
		}
		lastLSN = rec.LSN
		if rec.LSN <= startLSN {
			continue
		}

		m.redoMu.RLock()
		fn := m.redo[rec.Family]
		m.redoMu.RUnlock()
		if fn == nil {
			continue
		}
		if err := fn(rec.Op, rec.LSN, rec.Data); err != nil {
			return errors.Wrapf(err, "wal: redo record lsn %d family %d op %d",
				rec.LSN, rec.Family, rec.Op)
		}
		count++
	}

	// 后续追加从重放终点继续编号
	if lastLSN >= m.nextLSN {
		m.nextLSN = lastLSN + 1
	}
	m.flushedLSN.Store(m.nextLSN - 1)

	if _, err := m.logFile.Seek(0, io.SeekEnd); err != nil {
		return errors.Wrap(err, "wal: seek log end")
	}

	logger.Infof("wal: 重放完成，应用 %d 条记录，下一个LSN %d", count, m.nextLSN)
	return nil
}

// Checkpoint 刷净缓冲并持久化检查点LSN，之前的记录重放时跳过
func (m *Manager) Checkpoint() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.flushBuffer(); err != nil {
		return err
	}

	m.lastCheckpoint = m.nextLSN - 1
	m.checkpointTime = time.Now()

	path := filepath.Join(m.dir, "redo_checkpoint")
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "wal: create checkpoint file")
	}
	if err := binary.Write(f, binary.BigEndian, m.lastCheckpoint); err != nil {
		f.Close()
		return errors.Wrap(err, "wal: write checkpoint")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "wal: sync checkpoint")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "wal: close checkpoint")
	}
	return errors.Wrap(os.Rename(tmp, path), "wal: install checkpoint")
}

// readCheckpoint 读持久化的检查点LSN，没有就从头重放
func (m *Manager) readCheckpoint() uint64 {
	f, err := os.Open(filepath.Join(m.dir, "redo_checkpoint"))
	if err != nil {
		return 0
	}
	defer f.Close()

	var lsn uint64
	if err := binary.Read(f, binary.BigEndian, &lsn); err != nil {
		return 0
	}
	m.lastCheckpoint = lsn
	return lsn
}

// Close 停止后台刷写，刷净缓冲并关闭文件
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.flushBuffer(); err != nil {
		return err
	}
	return errors.Wrap(m.logFile.Close(), "wal: close log file")
}
