package manager

import (
	"errors"
	"fmt"
)

// 管理器错误定义
var (
	ErrInvalidID        = errors.New("invalid multi-member transaction id")
	ErrNoMembers        = errors.New("member list must not be empty")
	ErrTooManyMembers   = errors.New("member list exceeds one page of members")
	ErrSessionsExceeded = errors.New("session slot table is full")
	ErrSessionReleased  = errors.New("session already released")
	ErrTruncationBusy   = errors.New("another truncation is already in progress")
	ErrManagerClosed    = errors.New("manager already closed")
)

// ConsistencyKind 一致性错误的种类，封闭枚举
type ConsistencyKind int

const (
	// ConsistencyTooOld 标识符早于最老可读标识符，数据已被截断
	ConsistencyTooOld ConsistencyKind = iota
	// ConsistencyFuture 标识符不小于下一个待分配标识符
	ConsistencyFuture
	// ConsistencyIDExhausted 标识符空间逼近回绕，拒绝再分配
	ConsistencyIDExhausted
	// ConsistencyMembersExhausted 成员槽位空间逼近回绕，拒绝再分配
	ConsistencyMembersExhausted
	// ConsistencyCorruptPage 成员页上读到非法的状态编码
	ConsistencyCorruptPage
	// ConsistencyMultipleUpdaters 成员组里出现了多个更新者
	ConsistencyMultipleUpdaters
)

func (k ConsistencyKind) String() string {
	switch k {
	case ConsistencyTooOld:
		return "too-old"
	case ConsistencyFuture:
		return "future"
	case ConsistencyIDExhausted:
		return "id-exhausted"
	case ConsistencyMembersExhausted:
		return "members-exhausted"
	case ConsistencyCorruptPage:
		return "corrupt-page"
	case ConsistencyMultipleUpdaters:
		return "multiple-updaters"
	default:
		return "unknown"
	}
}

// ConsistencyError 带定位信息的一致性错误。
// 调用方按Kind区分可恢复（等待清理后重试）与不可恢复的情形。
type ConsistencyError struct {
	Kind   ConsistencyKind
	ID     ID
	Oldest ID
	Next   ID
	Detail string
}

func (e *ConsistencyError) Error() string {
	msg := fmt.Sprintf("multi-member transaction %d: %s (oldest %d, next %d)",
		e.ID, e.Kind, e.Oldest, e.Next)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsConsistencyError 取出错误链上的一致性错误
func IsConsistencyError(err error) (*ConsistencyError, bool) {
	var ce *ConsistencyError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
