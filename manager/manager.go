package manager

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/juju/errors"

	"github.com/zhukovaskychina/mxstore/logger"
	"github.com/zhukovaskychina/mxstore/storage/latch"
	"github.com/zhukovaskychina/mxstore/storage/slru"
	"github.com/zhukovaskychina/mxstore/storage/wal"
)

// 重做日志族与操作编码
const (
	WalFamily uint8 = 0x4D

	opZeroOffsetsPage uint8 = 1
	opZeroMembersPage uint8 = 2
	opCreate          uint8 = 3
	opTruncate        uint8 = 4
)

// vacSignalInterval 越过清理阈值后，每分配这么多标识符才再发一次
// 带外清理信号，避免信号风暴
const vacSignalInterval = 65536

// Config 管理器配置
type Config struct {
	DataDir          string
	OffsetBuffers    int
	MemberBuffers    int
	DirectIO         bool
	LocalCacheSize   int
	VacuumSafeMargin uint64
	MaxSessions      int

	// VacuumSignal 标识符消耗越过清理阈值时的带外通知，
	// 在独立协程里调用，可以为nil
	VacuumSignal func(oldest ID)

	Txn TxnStatus
	Wal *wal.Manager
}

// managerState 生成锁保护的核心计数器与阈值
type managerState struct {
	nextID     ID
	nextOffset Offset

	oldestID     ID
	oldestOffset Offset

	// oldestOffset只有在成功读到oldestID的偏移项后才可信，
	// 段文件损坏或尚未启动完成时为false
	oldestOffsetKnown bool

	// 标识符空间的三道阈值，越过依次触发：清理信号、告警、拒绝分配
	vacLimit  ID
	warnLimit ID
	stopLimit ID
	limitsSet bool

	// 成员槽位空间的拒绝阈值
	memberStopLimit      Offset
	memberStopLimitKnown bool

	finishedStartup bool
}

// Manager 多成员事务管理器。
//
// 两个页缓存分别承载偏移日志与成员日志；一个标识符对应偏移日志
// 里的一个槽位，槽位值指向成员日志里一段连续的成员记录，记录
// 长度由下一个标识符的偏移决定。生成锁串行化分配，发布广播
// 唤醒等着读未发布偏移项的读者。
type Manager struct {
	genLock   latch.Latch
	truncLock latch.Latch
	publish   *latch.Broadcaster

	state managerState

	dataDir string
	offsets *slru.Cache
	members *slru.Cache
	wal     *wal.Manager
	txn     TxnStatus

	sessions  *Sessions
	cacheSize int

	vacSignal    func(oldest ID)
	vacMargin    uint64
	lastSignalID atomic.Uint64

	closed atomic.Bool
}

// New 创建管理器并注册重做处理函数。
// 返回后还需调用Bootstrap（首次建库）或Startup（从已有数据启动）。
func New(cfg Config) (*Manager, error) {
	if cfg.OffsetBuffers <= 0 {
		cfg.OffsetBuffers = 64
	}
	if cfg.MemberBuffers <= 0 {
		cfg.MemberBuffers = 64
	}

	m := &Manager{
		publish:   latch.NewBroadcaster(),
		dataDir:   cfg.DataDir,
		wal:       cfg.Wal,
		txn:       cfg.Txn,
		sessions:  NewSessions(cfg.MaxSessions),
		cacheSize: cfg.LocalCacheSize,
		vacSignal: cfg.VacuumSignal,
	}
	m.state.nextID = FirstID
	m.state.oldestID = FirstID

	offsets, err := slru.NewCache(slru.Config{
		Family:   "offsets",
		Dir:      filepath.Join(cfg.DataDir, "offsets"),
		Slots:    cfg.OffsetBuffers,
		PageSize: PageSize,
		DirectIO: cfg.DirectIO,
		Order:    offsetPageOrder(),
		Flusher:  cfg.Wal,
	})
	if err != nil {
		return nil, errors.Annotate(err, "create offsets cache")
	}

	// 成员日志的页号空间远大于偏移日志，用长段名
	members, err := slru.NewCache(slru.Config{
		Family:    "members",
		Dir:       filepath.Join(cfg.DataDir, "members"),
		Slots:     cfg.MemberBuffers,
		PageSize:  PageSize,
		LongNames: true,
		DirectIO:  cfg.DirectIO,
		Order:     memberPageOrder(),
		Flusher:   cfg.Wal,
	})
	if err != nil {
		return nil, errors.Annotate(err, "create members cache")
	}

	m.offsets = offsets
	m.members = members

	if m.wal != nil {
		m.wal.RegisterRedo(WalFamily, m.redo)
	}

	if cfg.VacuumSafeMargin > 0 {
		m.vacMargin = cfg.VacuumSafeMargin
	} else {
		m.vacMargin = defaultVacuumSafeMargin
	}

	return m, nil
}

// NextID 下一个待分配标识符的快照
func (m *Manager) NextID() ID {
	m.genLock.RLock()
	defer m.genLock.RUnlock()
	return m.state.nextID
}

// OldestID 最老可读标识符的快照
func (m *Manager) OldestID() ID {
	m.genLock.RLock()
	defer m.genLock.RUnlock()
	return m.state.oldestID
}

// Create 为一对成员建组，外部调用者最常见的形态
func (m *Manager) Create(ctx context.Context, sess *Session, m1, m2 Member) (ID, error) {
	return m.CreateFromMembers(ctx, sess, []Member{m1, m2})
}

// CreateFromMembers 为一组成员分配标识符并持久化。
//
// 同一事务里相同成员组直接复用缓存过的标识符。成员顺序无关，
// 存储与比较都用规范化形态。
func (m *Manager) CreateFromMembers(ctx context.Context, sess *Session, members []Member) (ID, error) {
	if m.closed.Load() {
		return InvalidID, ErrManagerClosed
	}
	if sess != nil && sess.released {
		return InvalidID, ErrSessionReleased
	}
	if len(members) == 0 {
		return InvalidID, ErrNoMembers
	}
	if len(members) > MembersPerPage {
		return InvalidID, ErrTooManyMembers
	}

	// 一组成员里最多只能有一个更新者，出现第二个说明上层的行级
	// 互斥已经失守，这不是能重试的错误
	updaters := 0
	for _, mb := range members {
		if mb.Status.IsUpdate() {
			updaters++
		}
	}
	if updaters > 1 {
		return InvalidID, &ConsistencyError{
			Kind:   ConsistencyMultipleUpdaters,
			Detail: fmt.Sprintf("%d update members in one group", updaters),
		}
	}

	canonical := canonicalMembers(members)

	if sess != nil {
		if id, ok := sess.cache.lookup(canonical); ok {
			logger.Debugf("manager: 成员组命中本地缓存，复用标识符 %d", id)
			return id, nil
		}
		// 视界必须在占坑之前钉住，否则截断可能赶在发布前越过新标识符
		sess.EnsureOldestMember()
	}

	id, offset, err := m.reserve(len(members))
	if err != nil {
		return InvalidID, err
	}
	// reserve成功返回时持有生成锁，记录完成前分配路径保持串行

	lsn, err := m.logCreate(id, offset, canonical)
	if err == nil {
		err = m.recordEntry(id, offset, canonical, lsn)
	}
	m.genLock.Unlock()

	// 无论成败都要叫醒等待者，让它们重新校验状态
	m.publish.Broadcast()

	if err != nil {
		return InvalidID, errors.Annotatef(err, "record members for id %d", id)
	}

	if sess != nil {
		sess.cache.put(id, canonical)
	}
	logger.Debugf("manager: 创建标识符 %d，偏移 %d，成员数 %d", id, offset, len(canonical))
	return id, nil
}

// reserve 占下一个标识符与一段成员槽位。
// 成功时返回而不释放生成锁，调用方记录完数据后自行释放。
func (m *Manager) reserve(nmembers int) (ID, Offset, error) {
	m.genLock.Lock()

	id := m.state.nextID

	// 标识符空间回绕防护。越过清理阈值时先放锁：带外信号与告警
	// 不该在生成锁下发，发完重新拿锁再读一次计数器。
	if m.state.limitsSet && !IDPrecedes(id, m.state.vacLimit) {
		stopLimit := m.state.stopLimit
		warnLimit := m.state.warnLimit
		oldest := m.state.oldestID
		m.genLock.Unlock()

		if !IDPrecedes(id, stopLimit) {
			return InvalidID, 0, &ConsistencyError{
				Kind:   ConsistencyIDExhausted,
				ID:     id,
				Oldest: oldest,
				Detail: "id space exhausted, run maintenance to advance the oldest id",
			}
		}
		if !IDPrecedes(id, warnLimit) {
			logger.Warnf("manager: 标识符 %d 已进入告警区，距拒绝分配还剩 %d",
				id, uint64(stopLimit-id))
		}
		m.maybeSignalVacuum(id, oldest)

		m.genLock.Lock()
		id = m.state.nextID
	}

	if err := m.extendOffsets(id); err != nil {
		m.genLock.Unlock()
		return InvalidID, 0, err
	}

	offset := m.state.nextOffset
	reserve := uint64(nmembers)
	// 槽位0保留作哨兵：第一次（以及回绕后第一次）分配从1开始，
	// 多占一个槽位保证页扩展把哨兵也盖住
	if offset == 0 {
		offset = 1
		reserve++
	}

	// 成员槽位空间回绕防护
	if m.state.memberStopLimitKnown &&
		offsetWouldWrap(m.state.memberStopLimit, m.state.nextOffset, reserve) {
		oldest := m.state.oldestID
		m.genLock.Unlock()
		return InvalidID, 0, &ConsistencyError{
			Kind:   ConsistencyMembersExhausted,
			ID:     id,
			Oldest: oldest,
			Detail: "member slot space exhausted, run maintenance to advance the oldest id",
		}
	}

	if err := m.extendMembers(m.state.nextOffset, reserve); err != nil {
		m.genLock.Unlock()
		return InvalidID, 0, err
	}

	m.state.nextID = id.Next()
	m.state.nextOffset = m.state.nextOffset + Offset(reserve)

	return id, offset, nil
}

// offsetWouldWrap 从start前进distance是否会越过boundary
func offsetWouldWrap(boundary, start Offset, distance uint64) bool {
	finish := start + Offset(distance)
	return OffsetPrecedes(boundary, finish) && !OffsetPrecedes(boundary, start)
}

// maybeSignalVacuum 发带外清理信号，按消耗量限流
func (m *Manager) maybeSignalVacuum(id ID, oldest ID) {
	if m.vacSignal == nil {
		return
	}
	last := m.lastSignalID.Load()
	if last != 0 && uint64(id)-last < vacSignalInterval {
		return
	}
	if m.lastSignalID.CompareAndSwap(last, uint64(id)) {
		go m.vacSignal(oldest)
	}
}

// extendOffsets 标识符落在新页的第一个槽位时，先记日志再建零页
func (m *Manager) extendOffsets(id ID) error {
	if offsetEntryFor(id) != 0 {
		return nil
	}
	pageno := offsetPageFor(id)
	lsn, err := m.logZeroPage(opZeroOffsetsPage, pageno)
	if err != nil {
		return err
	}

	g := m.offsets.AcquireBank(pageno)
	defer g.Release()
	slot, err := m.offsets.ZeroPage(g, pageno)
	if err != nil {
		return err
	}
	m.offsets.SetPageLSN(g, slot, lsn)
	return nil
}

// extendMembers 为即将写入的槽位区间建好所有新页
func (m *Manager) extendMembers(start Offset, count uint64) error {
	for i := uint64(0); i < count; i++ {
		o := start + Offset(i)
		if uint64(o)%MembersPerPage != 0 {
			continue
		}
		pageno := memberPageFor(o)
		lsn, err := m.logZeroPage(opZeroMembersPage, pageno)
		if err != nil {
			return err
		}

		g := m.members.AcquireBank(pageno)
		slot, err := m.members.ZeroPage(g, pageno)
		if err != nil {
			g.Release()
			return err
		}
		m.members.SetPageLSN(g, slot, lsn)
		g.Release()
	}
	return nil
}

func (m *Manager) logZeroPage(op uint8, pageno int64) (uint64, error) {
	if m.wal == nil {
		return 0, nil
	}
	payload := make([]byte, 8)
	binary.BigEndian.PutUint64(payload, uint64(pageno))
	lsn, err := m.wal.Append(WalFamily, op, payload)
	if err != nil {
		return 0, errors.Annotate(err, "log zero page")
	}
	return lsn, nil
}

func (m *Manager) logCreate(id ID, offset Offset, members []Member) (uint64, error) {
	if m.wal == nil {
		return 0, nil
	}
	payload := encodeCreate(id, offset, members)
	lsn, err := m.wal.Append(WalFamily, opCreate, payload)
	if err != nil {
		return 0, errors.Annotatef(err, "log create for id %d", id)
	}
	return lsn, nil
}

func encodeCreate(id ID, offset Offset, members []Member) []byte {
	payload := make([]byte, 8+8+4+len(members)*9)
	binary.BigEndian.PutUint64(payload[0:], uint64(id))
	binary.BigEndian.PutUint64(payload[8:], uint64(offset))
	binary.BigEndian.PutUint32(payload[16:], uint32(len(members)))
	pos := 20
	for _, mb := range members {
		binary.BigEndian.PutUint64(payload[pos:], mb.Xid)
		payload[pos+8] = byte(mb.Status)
		pos += 9
	}
	return payload
}

func decodeCreate(payload []byte) (ID, Offset, []Member, error) {
	if len(payload) < 20 {
		return InvalidID, 0, nil, errors.New("create record too short")
	}
	id := ID(binary.BigEndian.Uint64(payload[0:]))
	offset := Offset(binary.BigEndian.Uint64(payload[8:]))
	n := int(binary.BigEndian.Uint32(payload[16:]))
	if len(payload) != 20+n*9 {
		return InvalidID, 0, nil, errors.New("create record length mismatch")
	}
	members := make([]Member, n)
	pos := 20
	for i := range members {
		members[i].Xid = binary.BigEndian.Uint64(payload[pos:])
		members[i].Status = MemberStatus(payload[pos+8])
		pos += 9
	}
	return id, offset, members, nil
}

// recordEntry 把偏移项和成员记录写进两个页缓存。
// 调用方持有生成锁；页都已由扩展步骤建好。
func (m *Manager) recordEntry(id ID, offset Offset, members []Member, lsn uint64) error {
	pageno := offsetPageFor(id)
	g := m.offsets.AcquireBank(pageno)
	slot, err := m.offsets.ReadPage(g, pageno, true)
	if err != nil {
		g.Release()
		return err
	}
	buf := m.offsets.Buffer(slot)
	binary.BigEndian.PutUint64(buf[offsetEntryFor(id)*8:], uint64(offset))
	m.offsets.MarkDirty(g, slot)
	m.offsets.SetPageLSN(g, slot, lsn)
	g.Release()

	var mg *slru.BankGuard
	var mslot int
	prevPage := int64(-1)
	for i, mb := range members {
		o := offset + Offset(i)
		mpage := memberPageFor(o)
		if mpage != prevPage {
			if mg != nil {
				mg.Release()
			}
			mg = m.members.AcquireBank(mpage)
			mslot, err = m.members.ReadPage(mg, mpage, true)
			if err != nil {
				mg.Release()
				return err
			}
			prevPage = mpage
		}
		mbuf := m.members.Buffer(mslot)
		mbuf[memberFlagPosFor(o)] = byte(mb.Status)
		binary.BigEndian.PutUint64(mbuf[memberXidPosFor(o):], mb.Xid)
		m.members.MarkDirty(mg, mslot)
		m.members.SetPageLSN(mg, mslot, lsn)
	}
	if mg != nil {
		mg.Release()
	}
	return nil
}

// readOffsetEntry 读一个标识符的偏移项。0表示尚未发布。
func (m *Manager) readOffsetEntry(id ID) (Offset, error) {
	pageno := offsetPageFor(id)
	slot, g, err := m.offsets.ReadPageReadOnly(pageno)
	if err != nil {
		return 0, err
	}
	off := Offset(binary.BigEndian.Uint64(m.offsets.Buffer(slot)[offsetEntryFor(id)*8:]))
	g.Release()
	return off, nil
}

// GetMembers 读出标识符对应的成员组。
//
// 偏移项为零说明分配者还没发布完，等广播后从头重试；组的长度
// 由下一个标识符的偏移决定，自己是最新标识符时用在用的全局
// 下一偏移。哨兵槽位上的零事务号在读出时跳过。
func (m *Manager) GetMembers(ctx context.Context, sess *Session, id ID) ([]Member, error) {
	if !id.IsValid() {
		return nil, ErrInvalidID
	}
	if sess != nil && sess.released {
		return nil, ErrSessionReleased
	}

	if sess != nil {
		// 先钉可见视界，再做范围检查，否则检查通过后截断仍可能追上来
		sess.EnsureOldestVisible()
	}

	// 范围检查挡在本地缓存前面：已截断的标识符必须报错，
	// 不能拿陈旧的缓存结果糊弄过去
	if err := m.checkRange(id); err != nil {
		return nil, err
	}

	if sess != nil {
		if members, ok := sess.cache.lookupByID(id); ok {
			logger.Debugf("manager: 标识符 %d 命中本地缓存", id)
			return members, nil
		}
	}

	var offset Offset
	var length uint64
	for {
		m.genLock.RLock()
		oldest := m.state.oldestID
		next := m.state.nextID
		nextOffset := m.state.nextOffset
		m.genLock.RUnlock()

		if IDPrecedes(id, oldest) {
			return nil, &ConsistencyError{Kind: ConsistencyTooOld, ID: id, Oldest: oldest, Next: next}
		}
		if !IDPrecedes(id, next) {
			return nil, &ConsistencyError{Kind: ConsistencyFuture, ID: id, Oldest: oldest, Next: next}
		}

		ch := m.publish.WaitCh()

		off, err := m.readOffsetEntry(id)
		if err != nil {
			return nil, err
		}
		if off == 0 {
			// 分配者占了坑还没写完，等它发布
			if err := waitOn(ctx, ch); err != nil {
				return nil, err
			}
			continue
		}

		succ := id.Next()
		if succ == next {
			offset = off
			length = uint64(nextOffset - off)
			break
		}

		succOff, err := m.readOffsetEntry(succ)
		if err != nil {
			return nil, err
		}
		if succOff == 0 {
			if err := waitOn(ctx, ch); err != nil {
				return nil, err
			}
			continue
		}
		offset = off
		length = uint64(succOff - off)
		break
	}

	members := make([]Member, 0, length)
	var mg *slru.BankGuard
	var mslot int
	prevPage := int64(-1)
	defer func() {
		if mg != nil {
			mg.Release()
		}
	}()
	for i := uint64(0); i < length; i++ {
		o := offset + Offset(i)
		mpage := memberPageFor(o)
		if mpage != prevPage {
			if mg != nil {
				mg.Release()
				mg = nil
			}
			var err error
			mslot, mg, err = m.members.ReadPageReadOnly(mpage)
			if err != nil {
				return nil, err
			}
			prevPage = mpage
		}
		mbuf := m.members.Buffer(mslot)
		xid := binary.BigEndian.Uint64(mbuf[memberXidPosFor(o):])
		if xid == 0 {
			// 哨兵槽位或回绕残留
			continue
		}
		status := MemberStatus(mbuf[memberFlagPosFor(o)])
		if status > maxMemberStatus {
			return nil, &ConsistencyError{
				Kind:   ConsistencyCorruptPage,
				ID:     id,
				Detail: "illegal member status on page " + m.members.Store().SegmentFileName(mpage/slru.PagesPerSegment),
			}
		}
		members = append(members, Member{Xid: xid, Status: status})
	}

	if sess != nil {
		sess.cache.put(id, canonicalMembers(members))
	}
	return members, nil
}

// checkRange 标识符是否落在当前可读区间里
func (m *Manager) checkRange(id ID) error {
	m.genLock.RLock()
	oldest := m.state.oldestID
	next := m.state.nextID
	m.genLock.RUnlock()

	if IDPrecedes(id, oldest) {
		return &ConsistencyError{Kind: ConsistencyTooOld, ID: id, Oldest: oldest, Next: next}
	}
	if !IDPrecedes(id, next) {
		return &ConsistencyError{Kind: ConsistencyFuture, ID: id, Oldest: oldest, Next: next}
	}
	return nil
}

func waitOn(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Expand 在现有成员组上加一个成员，产出新的标识符。
//
// 旧组里已经结束的普通加锁成员被过滤掉，仍在进行的成员和已
// 提交的更新者保留。新成员与旧成员完全相同时直接复用旧标识符。
func (m *Manager) Expand(ctx context.Context, sess *Session, id ID, member Member) (ID, error) {
	existing, err := m.GetMembers(ctx, sess, id)
	if err != nil {
		if ce, ok := IsConsistencyError(err); ok && ce.Kind == ConsistencyTooOld {
			// 旧组早已整体死亡并被清走，新组从单成员起步
			return m.CreateFromMembers(ctx, sess, []Member{member})
		}
		return InvalidID, err
	}

	seen := mapset.NewThreadUnsafeSet[uint64]()
	kept := make([]Member, 0, len(existing)+1)
	for _, mb := range existing {
		if mb.Xid == member.Xid {
			if mb.Status == member.Status {
				logger.Debugf("manager: 成员 %v 已在标识符 %d 里", member, id)
				return id, nil
			}
			// 同事务换了身份，旧记录丢弃
			continue
		}
		if seen.Contains(mb.Xid) {
			continue
		}
		// 已结束的普通加锁成员不再有意义；更新者只要提交过就必须留下
		if m.txn.IsInProgress(mb.Xid) ||
			(mb.Status.IsUpdate() && m.txn.DidCommit(mb.Xid)) {
			kept = append(kept, mb)
			seen.Add(mb.Xid)
		}
	}
	kept = append(kept, member)

	return m.CreateFromMembers(ctx, sess, kept)
}

// IsRunning 成员组里是否还有进行中的事务
func (m *Manager) IsRunning(ctx context.Context, sess *Session, id ID) (bool, error) {
	members, err := m.GetMembers(ctx, sess, id)
	if err != nil {
		if _, ok := IsConsistencyError(err); ok {
			return false, nil
		}
		return false, err
	}

	// 自己的事务最常见也最便宜，先查
	for _, mb := range members {
		if m.txn.IsCurrent(mb.Xid) {
			return true, nil
		}
	}
	for _, mb := range members {
		if m.txn.IsInProgress(mb.Xid) {
			return true, nil
		}
	}
	return false, nil
}

// CacheStats 两个页缓存的统计快照
func (m *Manager) CacheStats() (offsets, members slru.StatsSnapshot) {
	return m.offsets.Stats(), m.members.Stats()
}

// Close 刷净两个页缓存后关闭
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := m.offsets.WriteAll(); err != nil {
		return err
	}
	return m.members.WriteAll()
}
