package slru

import (
	"errors"
	"fmt"
)

// 页缓存错误
var (
	ErrInvalidSlotCount = errors.New("slot count must be a positive multiple of the bank size")
	ErrInvalidPageSize  = errors.New("page size must be a positive multiple of 512")
	ErrGuardMismatch    = errors.New("bank guard does not cover the requested page")
	ErrGuardReleased    = errors.New("bank guard already released")
	ErrApparentWrap     = errors.New("apparent wraparound: latest page precedes truncation cutoff")
)

// IOCause 物理I/O失败的环节
type IOCause int

const (
	IOCauseOpen IOCause = iota
	IOCauseSeek
	IOCauseRead
	IOCauseWrite
	IOCauseFsync
	IOCauseClose
)

func (c IOCause) String() string {
	switch c {
	case IOCauseOpen:
		return "open"
	case IOCauseSeek:
		return "seek"
	case IOCauseRead:
		return "read"
	case IOCauseWrite:
		return "write"
	case IOCauseFsync:
		return "fsync"
	case IOCauseClose:
		return "close"
	default:
		return "unknown"
	}
}

// IOError 携带定位一次段文件I/O失败所需的全部上下文。
// 共享状态先回滚为一致形态，错误随后一次性上报。
type IOError struct {
	Family string
	Cause  IOCause
	Path   string
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("slru %q: could not %s file %q at offset %d: %v",
		e.Family, e.Cause, e.Path, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
