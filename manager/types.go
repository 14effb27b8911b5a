package manager

import (
	"fmt"

	"github.com/zhukovaskychina/mxstore/storage/slru"
)

// ID 多成员事务标识符。标识符空间是环形的，0保留为无效值，
// 回绕时从1重新开始。
type ID uint64

// Offset 成员日志里的全局槽位号。同样回绕，槽位0保留不用。
type Offset uint64

const (
	InvalidID ID = 0
	FirstID   ID = 1
)

// IsValid 是否为有效标识符
func (id ID) IsValid() bool { return id != InvalidID }

// Next 环形空间里的下一个标识符，跳过无效值
func (id ID) Next() ID {
	id++
	if id < FirstID {
		id = FirstID
	}
	return id
}

// Previous 环形空间里的上一个标识符，跳过无效值
func (id ID) Previous() ID {
	id--
	if id < FirstID {
		id = ^ID(0)
	}
	return id
}

// IDPrecedes 回绕空间里a是否严格先于b
func IDPrecedes(a, b ID) bool {
	return int64(a-b) < 0
}

// IDPrecedesOrEquals 回绕空间里a是否不晚于b
func IDPrecedesOrEquals(a, b ID) bool {
	return int64(a-b) <= 0
}

// OffsetPrecedes 回绕空间里成员槽位a是否严格先于b
func OffsetPrecedes(a, b Offset) bool {
	return int64(a-b) < 0
}

// MemberStatus 成员在事务组里的身份
type MemberStatus uint8

const (
	StatusForKeyShare MemberStatus = iota
	StatusForShare
	StatusForNoKeyUpdate
	StatusForUpdate
	StatusNoKeyUpdate
	StatusUpdate
)

// maxMemberStatus 状态编码上界，读成员页时校验用
const maxMemberStatus = StatusUpdate

func (s MemberStatus) String() string {
	switch s {
	case StatusForKeyShare:
		return "keysh"
	case StatusForShare:
		return "sh"
	case StatusForNoKeyUpdate:
		return "fornokeyupd"
	case StatusForUpdate:
		return "forupd"
	case StatusNoKeyUpdate:
		return "nokeyupd"
	case StatusUpdate:
		return "upd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// IsUpdate 是否为真正修改了数据的身份（排它身份）
func (s MemberStatus) IsUpdate() bool {
	return s == StatusNoKeyUpdate || s == StatusUpdate
}

// Member 一个事务成员：参与者事务号加身份
type Member struct {
	Xid    uint64
	Status MemberStatus
}

func (m Member) String() string {
	return fmt.Sprintf("%d(%s)", m.Xid, m.Status)
}

// 页布局常量。页固定8192字节。
//
// 偏移日志每页放1024个8字节槽位；成员日志按72字节一组：
// 8个标志字节后跟8个8字节事务号，每页113组共904个成员，
// 页尾剩余字节不用。
const (
	PageSize = 8192

	OffsetsPerPage = PageSize / 8

	FlagBytesPerGroup = 8
	MembersPerGroup   = 8
	GroupSize         = FlagBytesPerGroup + MembersPerGroup*8
	GroupsPerPage     = PageSize / GroupSize
	MembersPerPage    = GroupsPerPage * MembersPerGroup
)

// 偏移日志的页内寻址
func offsetPageFor(id ID) int64 { return int64(uint64(id) / OffsetsPerPage) }
func offsetEntryFor(id ID) int  { return int(uint64(id) % OffsetsPerPage) }

// 成员日志的页内寻址
func memberPageFor(off Offset) int64 { return int64(uint64(off) / MembersPerPage) }

func memberFlagPosFor(off Offset) int {
	inPage := int(uint64(off) % MembersPerPage)
	group := inPage / MembersPerGroup
	return group*GroupSize + inPage%MembersPerGroup
}

func memberXidPosFor(off Offset) int {
	inPage := int(uint64(off) % MembersPerPage)
	group := inPage / MembersPerGroup
	return group*GroupSize + FlagBytesPerGroup + (inPage%MembersPerGroup)*8
}

// memberSegmentFor 成员槽位所在的段号
func memberSegmentFor(off Offset) int64 {
	return memberPageFor(off) / slru.PagesPerSegment
}

// offsetPageOrder 偏移日志的页序。
//
// 整页比较在回绕边界上不可靠，必须首尾两个标识符都先于对方页
// 的整个跨度才算先于。比较时再偏移FirstID+1，避免保留标识符
// 干扰半空间判断。
func offsetPageOrder() slru.WrapOrder {
	return slru.PagePrecedesFunc(func(p1, p2 int64) bool {
		id1 := ID(uint64(p1)*OffsetsPerPage) + FirstID + 1
		id2 := ID(uint64(p2)*OffsetsPerPage) + FirstID + 1
		return IDPrecedes(id1, id2) &&
			IDPrecedes(id1, id2+OffsetsPerPage-1)
	})
}

// memberPageOrder 成员日志的页序，同样按页的首尾跨度判断
func memberPageOrder() slru.WrapOrder {
	return slru.PagePrecedesFunc(func(p1, p2 int64) bool {
		off1 := Offset(uint64(p1) * MembersPerPage)
		off2 := Offset(uint64(p2) * MembersPerPage)
		return OffsetPrecedes(off1, off2) &&
			OffsetPrecedes(off1, off2+MembersPerPage-1)
	})
}

// TxnStatus 成员事务的状态视图，由宿主事务系统注入。
type TxnStatus interface {
	// IsInProgress 事务是否仍在进行
	IsInProgress(xid uint64) bool
	// DidCommit 事务是否已提交
	DidCommit(xid uint64) bool
	// IsCurrent 是否为当前会话自己的事务
	IsCurrent(xid uint64) bool
}
