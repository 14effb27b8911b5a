package manager

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/juju/errors"

	"github.com/zhukovaskychina/mxstore/logger"
	"github.com/zhukovaskychina/mxstore/storage/slru"
)

// defaultVacuumSafeMargin 默认的清理触发余量
const defaultVacuumSafeMargin = 2000000

// controlFileName 数据目录下的控制文件。检查点时把三个计数器
// 快照持久化到这里，启动时先于重做日志重放读回，否则检查点之前
// 的分配在重放里没有记录，计数器会退回初始值。
const controlFileName = "control"

// writeControl 原子地持久化计数器快照
func (m *Manager) writeControl(next ID, nextOff Offset, oldest ID) error {
	payload := make([]byte, 24)
	binary.BigEndian.PutUint64(payload[0:], uint64(next))
	binary.BigEndian.PutUint64(payload[8:], uint64(nextOff))
	binary.BigEndian.PutUint64(payload[16:], uint64(oldest))

	path := filepath.Join(m.dataDir, controlFileName)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Annotate(err, "create control file")
	}
	if _, err := f.Write(payload); err != nil {
		f.Close()
		return errors.Annotate(err, "write control file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Annotate(err, "sync control file")
	}
	if err := f.Close(); err != nil {
		return errors.Annotate(err, "close control file")
	}
	return errors.Annotate(os.Rename(tmp, path), "install control file")
}

// readControl 读控制文件的计数器快照。文件不存在时ok为false。
func (m *Manager) readControl() (next ID, nextOff Offset, oldest ID, ok bool, err error) {
	payload, rerr := os.ReadFile(filepath.Join(m.dataDir, controlFileName))
	if rerr != nil {
		if os.IsNotExist(rerr) {
			return 0, 0, 0, false, nil
		}
		return 0, 0, 0, false, errors.Annotate(rerr, "read control file")
	}
	if len(payload) != 24 {
		return 0, 0, 0, false, errors.New("control file length mismatch")
	}
	next = ID(binary.BigEndian.Uint64(payload[0:]))
	nextOff = Offset(binary.BigEndian.Uint64(payload[8:]))
	oldest = ID(binary.BigEndian.Uint64(payload[16:]))
	return next, nextOff, oldest, true, nil
}

// Bootstrap 首次建库：两个日志各建好零号页并落盘，计数器归位。
// 不记重做日志，建库本身不需要可恢复。
func (m *Manager) Bootstrap() error {
	m.genLock.Lock()
	defer m.genLock.Unlock()

	m.state.nextID = FirstID
	m.state.nextOffset = 0
	m.state.oldestID = FirstID

	if err := m.offsets.ZeroAndWritePage(0); err != nil {
		return errors.Annotate(err, "bootstrap offsets log")
	}
	if err := m.members.ZeroAndWritePage(0); err != nil {
		return errors.Annotate(err, "bootstrap members log")
	}

	if err := m.writeControl(m.state.nextID, m.state.nextOffset, m.state.oldestID); err != nil {
		return err
	}

	m.setIDLimitLocked(FirstID)
	m.state.finishedStartup = true
	logger.Infof("manager: 初始化完成，起始标识符 %d", FirstID)
	return nil
}

// StartRecovery 进入恢复模式：先用控制文件的快照初始化计数器，
// 重放期间读到缺失的页按零页合成。宿主随后驱动重做日志重放，
// 重放完必须调用Trim收尾。
func (m *Manager) StartRecovery() error {
	next, nextOff, oldest, ok, err := m.readControl()
	if err != nil {
		return err
	}
	if ok {
		m.genLock.Lock()
		m.state.nextID = clampValid(next)
		m.state.nextOffset = nextOff
		m.state.oldestID = clampValid(oldest)
		m.genLock.Unlock()
		logger.Infof("manager: 控制文件快照，下一个标识符 %d，下一个槽位 %d，最老 %d",
			next, nextOff, oldest)
	} else {
		logger.Warnf("manager: 没有控制文件，计数器从初始值起步")
	}
	m.offsets.SetRecovery(true)
	m.members.SetRecovery(true)
	return nil
}

// SetNextID 按宿主持久化的控制数据设置计数器，启动早期调用
func (m *Manager) SetNextID(next ID, nextOff Offset) {
	m.genLock.Lock()
	defer m.genLock.Unlock()
	if !next.IsValid() {
		next = FirstID
	}
	m.state.nextID = next
	m.state.nextOffset = nextOff
}

// AdvanceNextID 把计数器推进到至少给定值，重放创建记录时调用
func (m *Manager) AdvanceNextID(minID ID, minOffset Offset) {
	m.genLock.Lock()
	defer m.genLock.Unlock()
	if IDPrecedes(m.state.nextID, minID) {
		if !minID.IsValid() {
			minID = FirstID
		}
		m.state.nextID = minID
	}
	if OffsetPrecedes(m.state.nextOffset, minOffset) {
		m.state.nextOffset = minOffset
	}
}

// AdvanceOldest 推进最老可读标识符并重算阈值，候选不更新时无操作
func (m *Manager) AdvanceOldest(newOldest ID) {
	m.genLock.Lock()
	defer m.genLock.Unlock()
	if IDPrecedes(m.state.oldestID, newOldest) {
		m.state.oldestID = newOldest
		m.setIDLimitLocked(newOldest)
	}
}

// ReadIDRange 当前视界快照：最老可读与下一个待分配
func (m *Manager) ReadIDRange() (oldest, next ID) {
	m.genLock.RLock()
	defer m.genLock.RUnlock()
	return m.state.oldestID, m.state.nextID
}

// IsDangerouslyOld 失效保护检查：距拒绝分配的余量是否已小于
// safeRemaining。外部清理驱动用它决定是否进入紧急模式。
func (m *Manager) IsDangerouslyOld(safeRemaining uint64) bool {
	m.genLock.RLock()
	defer m.genLock.RUnlock()
	if !m.state.limitsSet {
		return false
	}
	return uint64(m.state.stopLimit-m.state.nextID) < safeRemaining
}

// Trim 恢复收尾：重放结束后把两个日志的在用页尾清零，
// 退出恢复模式并重建各项阈值。
//
// 崩溃时最后一页之后的内容可能是半截写入的垃圾，不清掉的话
// 后续分配会把新记录写在垃圾旁边。清零不记重做日志，崩溃后
// 重放会再走到这里。
func (m *Manager) Trim() error {
	m.genLock.Lock()
	defer m.genLock.Unlock()

	nextID := m.state.nextID
	nextOffset := m.state.nextOffset

	m.offsets.SetLatestPage(offsetPageFor(nextID))
	m.members.SetLatestPage(memberPageFor(nextOffset))

	if entryno := offsetEntryFor(nextID); entryno != 0 {
		pageno := offsetPageFor(nextID)
		g := m.offsets.AcquireBank(pageno)
		slot, err := m.offsets.ReadPage(g, pageno, true)
		if err != nil {
			g.Release()
			return errors.Annotate(err, "trim offsets page")
		}
		buf := m.offsets.Buffer(slot)
		for i := entryno * 8; i < len(buf); i++ {
			buf[i] = 0
		}
		m.offsets.MarkDirty(g, slot)
		g.Release()
	}

	if uint64(nextOffset)%MembersPerPage != 0 {
		pageno := memberPageFor(nextOffset)
		g := m.members.AcquireBank(pageno)
		slot, err := m.members.ReadPage(g, pageno, true)
		if err != nil {
			g.Release()
			return errors.Annotate(err, "trim members page")
		}
		buf := m.members.Buffer(slot)
		for o := nextOffset; ; {
			buf[memberFlagPosFor(o)] = 0
			binary.BigEndian.PutUint64(buf[memberXidPosFor(o):], 0)
			o++
			if uint64(o)%MembersPerPage == 0 {
				break
			}
		}
		m.members.MarkDirty(g, slot)
		g.Release()
	}

	m.offsets.SetRecovery(false)
	m.members.SetRecovery(false)

	if off, ok := m.findMemberStart(m.state.oldestID); ok {
		m.state.oldestOffset = off
		m.state.oldestOffsetKnown = true
		m.updateMemberLimitLocked()
	} else {
		logger.Warnf("manager: 启动时定位不到最老标识符 %d 的成员起点，"+
			"成员空间回绕防护暂不生效", m.state.oldestID)
	}

	m.setIDLimitLocked(m.state.oldestID)
	m.state.finishedStartup = true
	logger.Infof("manager: 启动收尾完成，下一个标识符 %d，下一个槽位 %d", nextID, nextOffset)
	return nil
}

// Checkpoint 把两个日志的所有脏页写回段文件。
// 页写出前各自的日志LSN会被推进，先日志后数据在这里同样成立。
func (m *Manager) Checkpoint() error {
	if err := m.offsets.WriteAll(); err != nil {
		return errors.Annotate(err, "checkpoint offsets log")
	}
	if err := m.members.WriteAll(); err != nil {
		return errors.Annotate(err, "checkpoint members log")
	}

	// 计数器快照随检查点落盘；重做日志随后打自己的检查点时，
	// 被跳过的记录所代表的状态已经全在这里了
	m.genLock.RLock()
	next := m.state.nextID
	nextOff := m.state.nextOffset
	oldest := m.state.oldestID
	m.genLock.RUnlock()
	if err := m.writeControl(next, nextOff, oldest); err != nil {
		return err
	}

	logger.Debugf("manager: 检查点完成")
	return nil
}

// setIDLimitLocked 以最老可读标识符为基准重算三道阈值。
// 调用方持有生成锁排它。
func (m *Manager) setIDLimitLocked(oldest ID) {
	wrapLimit := clampValid(oldest + ID(uint64(1)<<63))
	stop := clampValid(wrapLimit - 100)
	warn := clampValid(wrapLimit - 10000000)
	vac := clampValid(oldest + ID(m.vacMargin))
	if !IDPrecedes(vac, warn) {
		vac = warn
	}

	m.state.vacLimit = vac
	m.state.warnLimit = warn
	m.state.stopLimit = stop
	m.state.limitsSet = true
	logger.Debugf("manager: 阈值重算，最老 %d，清理 %d，告警 %d，拒绝 %d",
		oldest, vac, warn, stop)
}

// clampValid 阈值运算穿过保留值0时跳到1
func clampValid(id ID) ID {
	if !id.IsValid() {
		return FirstID
	}
	return id
}

// updateMemberLimitLocked 以最老成员起点为基准重算成员空间的
// 拒绝阈值，整页对齐并在回绕点前留一个整段。调用方持有生成锁。
func (m *Manager) updateMemberLimitLocked() {
	if !m.state.oldestOffsetKnown {
		return
	}
	stop := m.state.oldestOffset - Offset(uint64(m.state.oldestOffset)%MembersPerPage)
	stop -= MembersPerPage * slru.PagesPerSegment
	m.state.memberStopLimit = stop
	m.state.memberStopLimitKnown = true
}

// findMemberStart 读一个标识符的成员起点。
// 对应的偏移页物理缺失或偏移项为零都算找不到。
func (m *Manager) findMemberStart(id ID) (Offset, bool) {
	pageno := offsetPageFor(id)
	exists, err := m.offsets.DoesPhysicalPageExist(pageno)
	if err != nil || !exists {
		return 0, false
	}
	off, err := m.readOffsetEntry(id)
	if err != nil || off == 0 {
		return 0, false
	}
	return off, true
}

// TruncateTo 把最老可读标识符推进到newOldest并回收旧段文件。
//
// 全程只允许一个截断在跑；任何定位失败都整体放弃本轮截断而不是
// 截一半。truncation记录先于任何删除落盘，崩溃后重放能把删干净。
// owner是上层数据域的归属标识，只随记录保存。
func (m *Manager) TruncateTo(newOldest ID, owner uint64) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}
	if !m.truncLock.TryLock() {
		return ErrTruncationBusy
	}
	defer m.truncLock.Unlock()

	m.genLock.RLock()
	oldest := m.state.oldestID
	next := m.state.nextID
	m.genLock.RUnlock()

	// 还有会话在读的标识符不能截
	horizon := m.sessions.OldestVisibleHorizon(newOldest)
	if IDPrecedes(horizon, newOldest) {
		logger.Infof("manager: 截断目标 %d 被会话可见视界压回 %d", newOldest, horizon)
		newOldest = horizon
	}

	if newOldest == oldest {
		return nil
	}
	if IDPrecedes(newOldest, oldest) || !IDPrecedesOrEquals(newOldest, next) {
		return errors.Errorf("truncate target %d outside valid range (%d, %d]",
			newOldest, oldest, next)
	}

	startMemb, ok := m.findMemberStart(oldest)
	if !ok {
		logger.Errorf("manager: 定位不到最老标识符 %d 的成员起点，本轮截断跳过", oldest)
		return nil
	}
	endMemb, ok := m.findMemberStart(newOldest)
	if !ok {
		logger.Errorf("manager: 定位不到目标标识符 %d 的成员起点，本轮截断跳过", newOldest)
		return nil
	}

	// 先日志后删除：记录必须在第一个段文件消失前持久化
	if m.wal != nil {
		lsn, err := m.wal.Append(WalFamily, opTruncate,
			encodeTruncate(owner, oldest, newOldest, startMemb, endMemb))
		if err != nil {
			return errors.Annotate(err, "log truncation")
		}
		if err := m.wal.FlushThrough(lsn); err != nil {
			return errors.Annotate(err, "flush truncation record")
		}
	}

	m.genLock.Lock()
	m.state.oldestID = newOldest
	m.state.oldestOffset = endMemb
	m.state.oldestOffsetKnown = true
	m.setIDLimitLocked(newOldest)
	m.updateMemberLimitLocked()
	m.genLock.Unlock()

	if err := m.performMemberTruncation(startMemb, endMemb); err != nil {
		return err
	}

	// 偏移日志退一个标识符再算切点，免得新最老标识符所在页
	// 在回绕边界上被误判
	if err := m.offsets.Truncate(offsetPageFor(newOldest.Previous())); err != nil {
		return errors.Annotate(err, "truncate offsets log")
	}

	logger.Infof("manager: 截断完成，最老标识符 %d -> %d，成员槽位 %d -> %d",
		oldest, newOldest, startMemb, endMemb)
	return nil
}

// performMemberTruncation 删除[start, end)覆盖的整段成员段文件
func (m *Manager) performMemberTruncation(start, end Offset) error {
	maxSeg := int64(^uint64(0)/MembersPerPage) / slru.PagesPerSegment
	endSeg := memberSegmentFor(end)
	for seg := memberSegmentFor(start); seg != endSeg; {
		if err := m.members.DeleteSegment(seg); err != nil {
			return errors.Annotate(err, "delete members segment")
		}
		seg++
		if seg > maxSeg {
			seg = 0
		}
	}
	return nil
}

func encodeTruncate(owner uint64, oldOldest, newOldest ID, startMemb, endMemb Offset) []byte {
	payload := make([]byte, 40)
	binary.BigEndian.PutUint64(payload[0:], owner)
	binary.BigEndian.PutUint64(payload[8:], uint64(oldOldest))
	binary.BigEndian.PutUint64(payload[16:], uint64(newOldest))
	binary.BigEndian.PutUint64(payload[24:], uint64(startMemb))
	binary.BigEndian.PutUint64(payload[32:], uint64(endMemb))
	return payload
}

func decodeTruncate(payload []byte) (owner uint64, oldOldest, newOldest ID, startMemb, endMemb Offset, err error) {
	if len(payload) != 40 {
		err = errors.New("truncate record length mismatch")
		return
	}
	owner = binary.BigEndian.Uint64(payload[0:])
	oldOldest = ID(binary.BigEndian.Uint64(payload[8:]))
	newOldest = ID(binary.BigEndian.Uint64(payload[16:]))
	startMemb = Offset(binary.BigEndian.Uint64(payload[24:]))
	endMemb = Offset(binary.BigEndian.Uint64(payload[32:]))
	return
}

// redo 重做日志重放入口。重放是幂等的：建零页直接重建并落盘，
// 创建记录重跑和正常路径相同的写入，截断记录重跑删除。
func (m *Manager) redo(op uint8, lsn uint64, data []byte) error {
	switch op {
	case opZeroOffsetsPage:
		if len(data) != 8 {
			return errors.New("zero offsets page record length mismatch")
		}
		pageno := int64(binary.BigEndian.Uint64(data))
		return m.offsets.ZeroAndWritePage(pageno)

	case opZeroMembersPage:
		if len(data) != 8 {
			return errors.New("zero members page record length mismatch")
		}
		pageno := int64(binary.BigEndian.Uint64(data))
		return m.members.ZeroAndWritePage(pageno)

	case opCreate:
		id, offset, members, err := decodeCreate(data)
		if err != nil {
			return err
		}
		if err := m.recordEntry(id, offset, members, lsn); err != nil {
			return errors.Annotatef(err, "redo create id %d", id)
		}
		m.AdvanceNextID(id.Next(), offset+Offset(len(members)))
		return nil

	case opTruncate:
		_, oldOldest, newOldest, startMemb, endMemb, err := decodeTruncate(data)
		if err != nil {
			return err
		}
		logger.Infof("manager: 重放截断记录，最老标识符 %d -> %d", oldOldest, newOldest)
		m.genLock.Lock()
		m.state.oldestID = newOldest
		m.state.oldestOffset = endMemb
		m.state.oldestOffsetKnown = true
		m.setIDLimitLocked(newOldest)
		m.updateMemberLimitLocked()
		m.genLock.Unlock()
		if err := m.performMemberTruncation(startMemb, endMemb); err != nil {
			return err
		}
		// 重放期间最新页号还没初始化，先顶上去，否则截断的回绕
		// 自检会误报
		m.offsets.SetLatestPage(offsetPageFor(newOldest))
		return m.offsets.Truncate(offsetPageFor(newOldest.Previous()))

	default:
		return errors.Errorf("unknown redo op %d", op)
	}
}
