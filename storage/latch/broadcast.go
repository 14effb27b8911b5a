package latch

import (
	"context"
	"sync"
)

// Broadcaster 条件变量风格的通知原语。
//
// 等待者拿到一个channel并select等待；Broadcast通过close该channel唤醒
// 所有等待者并换上新的channel。唤醒后等待者必须从头重新校验状态，
// 等待期间的任何中间状态都不可信。
type Broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{ch: make(chan struct{})}
}

// WaitCh 返回当前一代的等待channel
func (b *Broadcaster) WaitCh() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// Wait 阻塞到下一次Broadcast或ctx取消
func (b *Broadcaster) Wait(ctx context.Context) error {
	ch := b.WaitCh()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast 唤醒所有当前等待者
func (b *Broadcaster) Broadcast() {
	b.mu.Lock()
	close(b.ch)
	b.ch = make(chan struct{})
	b.mu.Unlock()
}
