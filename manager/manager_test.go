package manager

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhukovaskychina/mxstore/storage/wal"
)

// fakeTxn 可控的事务状态视图
type fakeTxn struct {
	inProgress map[uint64]bool
	committed  map[uint64]bool
	current    map[uint64]bool
}

func newFakeTxn() *fakeTxn {
	return &fakeTxn{
		inProgress: make(map[uint64]bool),
		committed:  make(map[uint64]bool),
		current:    make(map[uint64]bool),
	}
}

func (f *fakeTxn) IsInProgress(xid uint64) bool { return f.inProgress[xid] }
func (f *fakeTxn) DidCommit(xid uint64) bool    { return f.committed[xid] }
func (f *fakeTxn) IsCurrent(xid uint64) bool    { return f.current[xid] }

func newTestManager(t *testing.T, txn TxnStatus) *Manager {
	if txn == nil {
		txn = newFakeTxn()
	}
	m, err := New(Config{
		DataDir: t.TempDir(),
		Txn:     txn,
	})
	require.NoError(t, err)
	require.NoError(t, m.Bootstrap())
	return m
}

func newSession(t *testing.T, m *Manager) *Session {
	sess, err := m.Acquire()
	require.NoError(t, err)
	t.Cleanup(sess.Release)
	return sess
}

func TestCreateAndGetMembers(t *testing.T) {
	ctx := context.Background()

	t.Run("创建后读出规范化的成员组", func(t *testing.T) {
		m := newTestManager(t, nil)
		sess := newSession(t, m)

		members := []Member{
			{Xid: 300, Status: StatusForShare},
			{Xid: 100, Status: StatusUpdate},
			{Xid: 200, Status: StatusForKeyShare},
		}
		id, err := m.CreateFromMembers(ctx, sess, members)
		require.NoError(t, err)
		assert.Equal(t, FirstID, id)

		got, err := m.GetMembers(ctx, sess, id)
		require.NoError(t, err)
		assert.Equal(t, []Member{
			{Xid: 100, Status: StatusUpdate},
			{Xid: 200, Status: StatusForKeyShare},
			{Xid: 300, Status: StatusForShare},
		}, got)
	})

	t.Run("第一次分配跳过哨兵槽位", func(t *testing.T) {
		m := newTestManager(t, nil)
		sess := newSession(t, m)

		id, err := m.CreateFromMembers(ctx, sess, []Member{{Xid: 7, Status: StatusForShare}})
		require.NoError(t, err)

		off, err := m.readOffsetEntry(id)
		require.NoError(t, err)
		assert.Equal(t, Offset(1), off)
		// 哨兵多占一个槽位
		assert.Equal(t, Offset(2), m.state.nextOffset)
	})

	t.Run("最新标识符的组长度由在用计数器决定", func(t *testing.T) {
		m := newTestManager(t, nil)
		sess := newSession(t, m)

		members := []Member{
			{Xid: 1, Status: StatusForKeyShare},
			{Xid: 2, Status: StatusForKeyShare},
			{Xid: 3, Status: StatusForKeyShare},
		}
		id, err := m.CreateFromMembers(ctx, sess, members)
		require.NoError(t, err)

		// 不经过本地缓存，换个会话读
		other := newSession(t, m)
		got, err := m.GetMembers(ctx, other, id)
		require.NoError(t, err)
		assert.Len(t, got, 3)
	})

	t.Run("空成员组被拒绝", func(t *testing.T) {
		m := newTestManager(t, nil)
		_, err := m.CreateFromMembers(ctx, nil, nil)
		assert.ErrorIs(t, err, ErrNoMembers)
	})

	t.Run("多个更新者是一致性错误", func(t *testing.T) {
		m := newTestManager(t, nil)
		_, err := m.CreateFromMembers(ctx, nil, []Member{
			{Xid: 1, Status: StatusUpdate},
			{Xid: 2, Status: StatusNoKeyUpdate},
		})
		ce, ok := IsConsistencyError(err)
		require.True(t, ok)
		assert.Equal(t, ConsistencyMultipleUpdaters, ce.Kind)
	})
}

func TestLocalResultCache(t *testing.T) {
	ctx := context.Background()

	t.Run("相同成员组不消耗新标识符", func(t *testing.T) {
		m := newTestManager(t, nil)
		sess := newSession(t, m)

		a := []Member{{Xid: 10, Status: StatusForShare}, {Xid: 20, Status: StatusForKeyShare}}
		id1, err := m.CreateFromMembers(ctx, sess, a)
		require.NoError(t, err)

		next := m.NextID()

		// 顺序打乱也算同一组
		b := []Member{{Xid: 20, Status: StatusForKeyShare}, {Xid: 10, Status: StatusForShare}}
		id2, err := m.CreateFromMembers(ctx, sess, b)
		require.NoError(t, err)

		assert.Equal(t, id1, id2)
		assert.Equal(t, next, m.NextID())
	})

	t.Run("事务结束后缓存整体失效", func(t *testing.T) {
		m := newTestManager(t, nil)
		sess := newSession(t, m)

		a := []Member{{Xid: 10, Status: StatusForShare}}
		id1, err := m.CreateFromMembers(ctx, sess, a)
		require.NoError(t, err)

		sess.AtTransactionEnd()
		assert.Equal(t, 0, sess.cache.len())

		id2, err := m.CreateFromMembers(ctx, sess, a)
		require.NoError(t, err)
		assert.NotEqual(t, id1, id2)
	})
}

func TestRangeChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("无效标识符被拒绝", func(t *testing.T) {
		m := newTestManager(t, nil)
		_, err := m.GetMembers(ctx, nil, InvalidID)
		assert.ErrorIs(t, err, ErrInvalidID)
	})

	t.Run("未来的标识符是一致性错误", func(t *testing.T) {
		m := newTestManager(t, nil)
		_, err := m.GetMembers(ctx, nil, m.NextID())
		ce, ok := IsConsistencyError(err)
		require.True(t, ok)
		assert.Equal(t, ConsistencyFuture, ce.Kind)
	})
}

func TestExpand(t *testing.T) {
	ctx := context.Background()

	t.Run("过滤掉已结束的普通成员保留更新者", func(t *testing.T) {
		txn := newFakeTxn()
		txn.inProgress[100] = true
		txn.committed[300] = true
		m := newTestManager(t, txn)
		sess := newSession(t, m)

		id, err := m.CreateFromMembers(ctx, sess, []Member{
			{Xid: 100, Status: StatusForKeyShare},
			{Xid: 200, Status: StatusForShare},
			{Xid: 300, Status: StatusUpdate},
		})
		require.NoError(t, err)

		newID, err := m.Expand(ctx, sess, id, Member{Xid: 400, Status: StatusForKeyShare})
		require.NoError(t, err)
		require.NotEqual(t, id, newID)

		got, err := m.GetMembers(ctx, sess, newID)
		require.NoError(t, err)
		// 200已结束且不是更新者，被丢掉
		assert.Equal(t, []Member{
			{Xid: 100, Status: StatusForKeyShare},
			{Xid: 300, Status: StatusUpdate},
			{Xid: 400, Status: StatusForKeyShare},
		}, got)
	})

	t.Run("成员已存在时复用原标识符", func(t *testing.T) {
		txn := newFakeTxn()
		txn.inProgress[100] = true
		m := newTestManager(t, txn)
		sess := newSession(t, m)

		id, err := m.CreateFromMembers(ctx, sess, []Member{{Xid: 100, Status: StatusForShare}})
		require.NoError(t, err)

		same, err := m.Expand(ctx, sess, id, Member{Xid: 100, Status: StatusForShare})
		require.NoError(t, err)
		assert.Equal(t, id, same)
	})

	t.Run("同事务换身份时旧记录被替换", func(t *testing.T) {
		txn := newFakeTxn()
		txn.inProgress[100] = true
		m := newTestManager(t, txn)
		sess := newSession(t, m)

		id, err := m.CreateFromMembers(ctx, sess, []Member{{Xid: 100, Status: StatusForKeyShare}})
		require.NoError(t, err)

		newID, err := m.Expand(ctx, sess, id, Member{Xid: 100, Status: StatusNoKeyUpdate})
		require.NoError(t, err)

		got, err := m.GetMembers(ctx, sess, newID)
		require.NoError(t, err)
		assert.Equal(t, []Member{{Xid: 100, Status: StatusNoKeyUpdate}}, got)
	})
}

func TestIsRunning(t *testing.T) {
	ctx := context.Background()

	t.Run("有进行中的成员时为真", func(t *testing.T) {
		txn := newFakeTxn()
		txn.inProgress[100] = true
		m := newTestManager(t, txn)
		sess := newSession(t, m)

		id, err := m.CreateFromMembers(ctx, sess, []Member{
			{Xid: 100, Status: StatusForShare},
			{Xid: 200, Status: StatusForShare},
		})
		require.NoError(t, err)

		running, err := m.IsRunning(ctx, sess, id)
		require.NoError(t, err)
		assert.True(t, running)
	})

	t.Run("全部结束后为假", func(t *testing.T) {
		m := newTestManager(t, nil)
		sess := newSession(t, m)

		id, err := m.CreateFromMembers(ctx, sess, []Member{{Xid: 100, Status: StatusForShare}})
		require.NoError(t, err)

		running, err := m.IsRunning(ctx, sess, id)
		require.NoError(t, err)
		assert.False(t, running)
	})

	t.Run("自己的事务直接算进行中", func(t *testing.T) {
		txn := newFakeTxn()
		txn.current[100] = true
		m := newTestManager(t, txn)
		sess := newSession(t, m)

		id, err := m.CreateFromMembers(ctx, sess, []Member{{Xid: 100, Status: StatusForShare}})
		require.NoError(t, err)

		running, err := m.IsRunning(ctx, sess, id)
		require.NoError(t, err)
		assert.True(t, running)
	})
}

func TestSessions(t *testing.T) {
	t.Run("槽位用尽后拒绝新会话", func(t *testing.T) {
		m, err := New(Config{DataDir: t.TempDir(), Txn: newFakeTxn(), MaxSessions: 2})
		require.NoError(t, err)
		require.NoError(t, m.Bootstrap())

		s1, err := m.Acquire()
		require.NoError(t, err)
		_, err = m.Acquire()
		require.NoError(t, err)
		_, err = m.Acquire()
		assert.ErrorIs(t, err, ErrSessionsExceeded)

		// 释放后槽位可复用
		s1.Release()
		_, err = m.Acquire()
		assert.NoError(t, err)
	})

	t.Run("会话视界限制截断推进", func(t *testing.T) {
		ctx := context.Background()
		m := newTestManager(t, nil)
		writer := newSession(t, m)

		for i := 0; i < 100; i++ {
			_, err := m.CreateFromMembers(ctx, writer, []Member{{Xid: uint64(i + 1), Status: StatusForShare}})
			require.NoError(t, err)
			writer.AtTransactionEnd()
		}

		// 一个还在读早期标识符的会话把可见视界钉在10
		reader := newSession(t, m)
		reader.sessions.slots[reader.idx].oldestVisible.Store(10)

		require.NoError(t, m.TruncateTo(ID(50), 0))
		oldest, _ := m.ReadIDRange()
		assert.Equal(t, ID(10), oldest)
	})
}

func TestHorizonsAndLimits(t *testing.T) {
	t.Run("视界快照", func(t *testing.T) {
		m := newTestManager(t, nil)
		oldest, next := m.ReadIDRange()
		assert.Equal(t, FirstID, oldest)
		assert.Equal(t, FirstID, next)
	})

	t.Run("AdvanceOldest不回退", func(t *testing.T) {
		ctx := context.Background()
		m := newTestManager(t, nil)
		sess := newSession(t, m)
		for i := 0; i < 10; i++ {
			_, err := m.CreateFromMembers(ctx, sess, []Member{{Xid: uint64(i + 1), Status: StatusForShare}})
			require.NoError(t, err)
			sess.AtTransactionEnd()
		}

		m.AdvanceOldest(ID(5))
		oldest, _ := m.ReadIDRange()
		assert.Equal(t, ID(5), oldest)

		m.AdvanceOldest(ID(3))
		oldest, _ = m.ReadIDRange()
		assert.Equal(t, ID(5), oldest)
	})

	t.Run("失效保护检查", func(t *testing.T) {
		m := newTestManager(t, nil)
		assert.False(t, m.IsDangerouslyOld(100))
		assert.True(t, m.IsDangerouslyOld(uint64(1)<<63))
	})

	t.Run("越过清理阈值时发带外信号", func(t *testing.T) {
		signals := make(chan ID, 4)
		m, err := New(Config{
			DataDir:          t.TempDir(),
			Txn:              newFakeTxn(),
			VacuumSafeMargin: 4,
			VacuumSignal:     func(oldest ID) { signals <- oldest },
		})
		require.NoError(t, err)
		require.NoError(t, m.Bootstrap())

		ctx := context.Background()
		sess := newSession(t, m)
		for i := 0; i < 8; i++ {
			_, err := m.CreateFromMembers(ctx, sess, []Member{{Xid: uint64(i + 1), Status: StatusForShare}})
			require.NoError(t, err)
			sess.AtTransactionEnd()
		}

		select {
		case oldest := <-signals:
			assert.Equal(t, FirstID, oldest)
		case <-time.After(5 * time.Second):
			t.Fatal("没有收到清理信号")
		}
	})
}

func TestWraparoundMath(t *testing.T) {
	t.Run("标识符先后关系跨回绕成立", func(t *testing.T) {
		assert.True(t, IDPrecedes(^ID(0), FirstID))
		assert.True(t, IDPrecedes(ID(1), ID(2)))
		assert.False(t, IDPrecedes(ID(2), ID(2)))
		assert.True(t, IDPrecedesOrEquals(ID(2), ID(2)))
	})

	t.Run("递进跳过保留值", func(t *testing.T) {
		assert.Equal(t, FirstID, (^ID(0)).Next())
		assert.Equal(t, ^ID(0), FirstID.Previous())
	})

	t.Run("阈值运算穿过零点时被钳住", func(t *testing.T) {
		assert.Equal(t, FirstID, clampValid(InvalidID))
		assert.Equal(t, ID(42), clampValid(ID(42)))
	})
}

func TestTruncateTo(t *testing.T) {
	ctx := context.Background()

	t.Run("旧段被删新标识符仍可读", func(t *testing.T) {
		m := newTestManager(t, nil)
		sess := newSession(t, m)

		members := make([]Member, 16)
		for i := range members {
			members[i] = Member{Xid: uint64(i + 1), Status: StatusForKeyShare}
		}
		// 铺满一个以上的成员段
		for i := 0; i < 2000; i++ {
			members[0].Xid = uint64(i + 1000)
			_, err := m.CreateFromMembers(ctx, sess, members)
			require.NoError(t, err)
			sess.AtTransactionEnd()
		}

		require.NoError(t, m.TruncateTo(ID(1900), 0))

		oldest, _ := m.ReadIDRange()
		assert.Equal(t, ID(1900), oldest)

		// 第一个成员段整个落在新视界之前，已被删除
		_, err := os.Stat(m.members.Store().SegmentFileName(0))
		assert.True(t, os.IsNotExist(err))

		reader := newSession(t, m)
		_, err = m.GetMembers(ctx, reader, ID(1000))
		ce, ok := IsConsistencyError(err)
		require.True(t, ok)
		assert.Equal(t, ConsistencyTooOld, ce.Kind)

		got, err := m.GetMembers(ctx, reader, ID(1950))
		require.NoError(t, err)
		assert.Len(t, got, 16)
	})

	t.Run("目标等于当前最老时是空操作", func(t *testing.T) {
		m := newTestManager(t, nil)
		require.NoError(t, m.TruncateTo(FirstID, 0))
	})

	t.Run("目标越界时报错", func(t *testing.T) {
		m := newTestManager(t, nil)
		err := m.TruncateTo(ID(100), 0)
		assert.Error(t, err)
	})
}

func TestRecoveryReplay(t *testing.T) {
	ctx := context.Background()

	t.Run("崩溃后重放重建成员数据", func(t *testing.T) {
		dataDir := t.TempDir()
		walDir := t.TempDir()

		w1, err := wal.NewManager(wal.Config{Dir: walDir, FlushInterval: time.Hour})
		require.NoError(t, err)
		m1, err := New(Config{DataDir: dataDir, Txn: newFakeTxn(), Wal: w1})
		require.NoError(t, err)
		require.NoError(t, m1.Bootstrap())

		sess, err := m1.Acquire()
		require.NoError(t, err)

		members := []Member{
			{Xid: 100, Status: StatusUpdate},
			{Xid: 200, Status: StatusForShare},
		}
		id, err := m1.CreateFromMembers(ctx, sess, members)
		require.NoError(t, err)
		next := m1.NextID()

		// 不做检查点直接关掉，脏页只活在重做日志里
		require.NoError(t, w1.Close())

		w2, err := wal.NewManager(wal.Config{Dir: walDir, FlushInterval: time.Hour})
		require.NoError(t, err)
		defer w2.Close()
		m2, err := New(Config{DataDir: dataDir, Txn: newFakeTxn(), Wal: w2})
		require.NoError(t, err)

		require.NoError(t, m2.StartRecovery())
		require.NoError(t, w2.Replay())
		require.NoError(t, m2.Trim())

		assert.Equal(t, next, m2.NextID())

		sess2, err := m2.Acquire()
		require.NoError(t, err)
		got, err := m2.GetMembers(ctx, sess2, id)
		require.NoError(t, err)
		assert.Equal(t, members, got)
	})

	t.Run("检查点后重启保留计数器与已发布的成员", func(t *testing.T) {
		dataDir := t.TempDir()
		walDir := t.TempDir()

		w1, err := wal.NewManager(wal.Config{Dir: walDir, FlushInterval: time.Hour})
		require.NoError(t, err)
		m1, err := New(Config{DataDir: dataDir, Txn: newFakeTxn(), Wal: w1})
		require.NoError(t, err)
		require.NoError(t, m1.Bootstrap())

		sess, err := m1.Acquire()
		require.NoError(t, err)

		members := []Member{{Xid: 7, Status: StatusForShare}}
		id, err := m1.CreateFromMembers(ctx, sess, members)
		require.NoError(t, err)
		next := m1.NextID()

		// 检查点之后重做日志里不再有这次创建的记录，重启必须
		// 从控制文件接回计数器
		require.NoError(t, m1.Checkpoint())
		require.NoError(t, w1.Checkpoint())
		require.NoError(t, w1.Close())

		w2, err := wal.NewManager(wal.Config{Dir: walDir, FlushInterval: time.Hour})
		require.NoError(t, err)
		defer w2.Close()
		m2, err := New(Config{DataDir: dataDir, Txn: newFakeTxn(), Wal: w2})
		require.NoError(t, err)

		require.NoError(t, m2.StartRecovery())
		require.NoError(t, w2.Replay())
		require.NoError(t, m2.Trim())

		assert.Equal(t, next, m2.NextID())

		sess2, err := m2.Acquire()
		require.NoError(t, err)
		got, err := m2.GetMembers(ctx, sess2, id)
		require.NoError(t, err)
		assert.Equal(t, members, got)
	})
}

func TestPublishWait(t *testing.T) {
	t.Run("读者等到发布广播后拿到成员组", func(t *testing.T) {
		ctx := context.Background()
		m := newTestManager(t, nil)

		// 占下标识符但先不写偏移项，读者会撞上未发布的零值
		id, offset, err := m.reserve(1)
		require.NoError(t, err)
		m.genLock.Unlock()

		type result struct {
			members []Member
			err     error
		}
		done := make(chan result, 1)
		go func() {
			got, gerr := m.GetMembers(ctx, nil, id)
			done <- result{got, gerr}
		}()

		time.Sleep(50 * time.Millisecond)
		select {
		case r := <-done:
			t.Fatalf("读者未等待就返回: %v %v", r.members, r.err)
		default:
		}

		members := []Member{{Xid: 42, Status: StatusForShare}}
		m.genLock.Lock()
		require.NoError(t, m.recordEntry(id, offset, members, 0))
		m.genLock.Unlock()
		m.publish.Broadcast()

		select {
		case r := <-done:
			require.NoError(t, r.err)
			assert.Equal(t, members, r.members)
		case <-time.After(5 * time.Second):
			t.Fatal("读者没有被广播唤醒")
		}
	})

	t.Run("等待发布时响应取消", func(t *testing.T) {
		m := newTestManager(t, nil)

		id, _, err := m.reserve(1)
		require.NoError(t, err)
		m.genLock.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = m.GetMembers(ctx, nil, id)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
