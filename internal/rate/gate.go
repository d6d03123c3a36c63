package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"annotrack/pkg/contract"
)

// LimitKey: 限流分组键（analyzer 客户端 + 凭据摘要）。
type LimitKey string

// Limits: 每分组的分析请求限额。0 表示该维度不启用。
type Limits struct {
	RPM             int `json:"rpm"`                // 每分钟分析请求数
	TPM             int `json:"tpm"`                // 每分钟估算 token 数
	MaxTokensPerReq int `json:"max_tokens_per_req"` // 单次请求估算上限
}

// Validate 拒绝负值。
func (l Limits) Validate() error {
	if l.RPM < 0 || l.TPM < 0 || l.MaxTokensPerReq < 0 {
		return fmt.Errorf("%w: rate limits must be >= 0", contract.ErrInvalidInput)
	}
	return nil
}

// Unlimited 判断是否所有维度都未启用。
func (l Limits) Unlimited() bool { return l.RPM == 0 && l.TPM == 0 && l.MaxTokensPerReq == 0 }

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // >=1
	Tokens   int // 估算 token，>=0
}

// Gate: 分析请求闸门（并发安全）。
type Gate interface {
	// Wait 阻塞直到额度可用或 ctx 结束；超过单请求上限时立即返回 ErrBudgetExceeded。
	Wait(ctx context.Context, a Ask) error
	// Try 非阻塞尝试。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail, tpmAvail int)
}

// NewGate 由静态配置构造闸门；clk 为空使用 time.Now。未配置的 key 不限额。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, groups: make(map[LimitKey]*group, len(m))}
	now := clk()
	for k, lim := range m {
		g.groups[k] = newGroup(lim, now)
	}
	return g
}

type gate struct {
	clk    func() time.Time
	mu     sync.Mutex
	groups map[LimitKey]*group
}

// group 持有两个令牌桶：请求数与 token 数。
type group struct {
	mu   sync.Mutex
	lim  Limits
	reqs bucket
	toks bucket
}

type bucket struct {
	capacity float64
	level    float64
	perSec   float64
	last     time.Time
}

func newGroup(lim Limits, now time.Time) *group {
	return &group{lim: lim, reqs: perMinute(lim.RPM, now), toks: perMinute(lim.TPM, now)}
}

func perMinute(n int, now time.Time) bucket {
	if n <= 0 {
		return bucket{}
	}
	c := float64(n)
	return bucket{capacity: c, level: c, perSec: c / 60, last: now}
}

func (b *bucket) off() bool { return b.capacity == 0 }

func (b *bucket) refill(now time.Time) {
	// 时钟回拨视为无时间流逝
	if b.off() || !now.After(b.last) {
		return
	}
	b.level = min(b.capacity, b.level+now.Sub(b.last).Seconds()*b.perSec)
	b.last = now
}

// shortfall 返回满足 n 仍需等待的时长；0 表示可立即消费。
func (b *bucket) shortfall(n int) time.Duration {
	if b.off() || n <= 0 {
		return 0
	}
	deficit := float64(n) - b.level
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / b.perSec * float64(time.Second))
}

func (b *bucket) consume(n int) {
	if b.off() || n <= 0 {
		return
	}
	b.level = max(0, b.level-float64(n))
}

func (b *bucket) avail() int {
	if b.off() {
		return 0
	}
	return int(max(0, min(b.level, b.capacity)))
}

func (g *gate) lookup(key LimitKey) *group {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.groups[key]
	if e == nil {
		e = newGroup(Limits{}, g.clk())
		g.groups[key] = e
	}
	return e
}

func check(e *group, a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return contract.ErrInvalidInput
	}
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return fmt.Errorf("%w: %d tokens > %d", contract.ErrBudgetExceeded, a.Tokens, e.lim.MaxTokensPerReq)
	}
	return nil
}

// reserve 尝试一次性扣减；失败时返回需要等待的时长。
func (g *gate) reserve(e *group, a Ask) (time.Duration, bool) {
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs.refill(now)
	e.toks.refill(now)
	wait := max(e.reqs.shortfall(a.Requests), e.toks.shortfall(a.Tokens))
	if wait > 0 {
		return wait, false
	}
	e.reqs.consume(a.Requests)
	e.toks.consume(a.Tokens)
	return 0, true
}

func (g *gate) Try(a Ask) bool {
	e := g.lookup(a.Key)
	if check(e, a) != nil {
		return false
	}
	_, ok := g.reserve(e, a)
	return ok
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e := g.lookup(a.Key)
	if err := check(e, a); err != nil {
		return err
	}
	const minSleep = 10 * time.Millisecond
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait, ok := g.reserve(e, a)
		if ok {
			return nil
		}
		if err := sleepCtx(ctx, max(wait+minSleep, minSleep)); err != nil {
			return err
		}
	}
}

// sleepCtx 以最多 200ms 的分片睡眠，及时响应取消。
func sleepCtx(ctx context.Context, d time.Duration) error {
	const step = 200 * time.Millisecond
	for d > 0 {
		s := min(d, step)
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		d -= s
	}
	return nil
}

// Snapshot 返回当前可用请求/令牌的向下取整估值（仅诊断）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail, tpmAvail int) {
	e := g.lookup(key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs.refill(now)
	e.toks.refill(now)
	return e.reqs.avail(), e.toks.avail()
}

var (
	_ Gate       = (*gate)(nil)
	_ Snapshoter = (*gate)(nil)
)
