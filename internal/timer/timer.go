// Package timer 提供基于单调时钟的倒计时器
package timer

import "time"

// now 可在测试中替换
var now = time.Now

// Timer 倒计时器, 零值表示未启动. 未启动或以零时长启动的计时器永不过期
type Timer struct {
	start time.Time
	wait  time.Duration
	armed bool
}

// New 创建并启动一个计时器
func New(d time.Duration) *Timer {
	t := &Timer{}
	t.Start(d)
	return t
}

// Start 以当前时刻为起点重新开始倒计时
func (t *Timer) Start(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.start = now()
	t.wait = d
	t.armed = true
}

// StartMS 以毫秒为单位启动倒计时
func (t *Timer) StartMS(ms uint32) {
	t.Start(time.Duration(ms) * time.Millisecond)
}

// Reset 恢复为未启动状态
func (t *Timer) Reset() {
	*t = Timer{}
}

func (t *Timer) elapsed() time.Duration {
	// now() 携带单调时钟读数, Sub 不受墙上时钟回拨影响
	d := now().Sub(t.start)
	if d < 0 {
		return 0
	}
	return d
}

// Remaining 返回剩余时间, 最小为 0
func (t *Timer) Remaining() time.Duration {
	if !t.armed {
		return 0
	}
	e := t.elapsed()
	if e >= t.wait {
		return 0
	}
	return t.wait - e
}

// RemainingMS 返回剩余毫秒数
func (t *Timer) RemainingMS() int {
	return int(t.Remaining() / time.Millisecond)
}

// Expired 以非零时长启动且经过时间严格超过等待时长时返回 true
func (t *Timer) Expired() bool {
	if !t.armed || t.wait == 0 {
		return false
	}
	return t.elapsed() > t.wait
}

// Started 是否已启动
func (t *Timer) Started() bool {
	return t.armed
}
