package service

import (
	"context"
	"math"
	"sync"
	"time"

	"ragchat-go/internal/config"
	"ragchat-go/pkg/log"
)

// RateLimiter 按会话维护滑动窗口内的请求时间戳，同时检查突发与持续两个窗口。
// 它是流水线中唯一的共享可变状态，所有读改写都在 mu 下完成。
type RateLimiter struct {
	mu       sync.Mutex
	sessions map[string][]time.Time

	burstLimit      int
	burstWindow     time.Duration
	sustainedLimit  int
	sustainedWindow time.Duration
	sweepInterval   time.Duration
	inactivity      time.Duration

	now func() time.Time
}

// NewRateLimiter 根据配置创建限流器。
func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	burst := cfg.BurstLimit
	if burst <= 0 {
		burst = 3
	}
	sustained := cfg.SustainedLimit
	if sustained <= 0 {
		sustained = 10
	}
	return &RateLimiter{
		sessions:        make(map[string][]time.Time),
		burstLimit:      burst,
		burstWindow:     config.Seconds(cfg.BurstWindowSeconds, 10*time.Second),
		sustainedLimit:  sustained,
		sustainedWindow: config.Seconds(cfg.SustainedWindowSecs, 60*time.Second),
		sweepInterval:   config.Seconds(cfg.SweepIntervalSecs, 5*time.Minute),
		inactivity:      config.Seconds(cfg.InactivitySecs, 5*time.Minute),
		now:             time.Now,
	}
}

// Allow 检查并记录一次请求。被拒绝的请求不会记录时间戳。
func (r *RateLimiter) Allow(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	stamps := prune(r.sessions[sessionID], now.Add(-r.retention()))

	if err := r.violation(stamps, now, r.burstWindow, r.burstLimit, ReasonBurstLimit); err != nil {
		r.sessions[sessionID] = stamps
		return err
	}
	if err := r.violation(stamps, now, r.sustainedWindow, r.sustainedLimit, ReasonSustainedLimit); err != nil {
		r.sessions[sessionID] = stamps
		return err
	}

	r.sessions[sessionID] = append(stamps, now)
	return nil
}

func (r *RateLimiter) retention() time.Duration {
	if r.burstWindow > r.sustainedWindow {
		return r.burstWindow
	}
	return r.sustainedWindow
}

// violation 统计窗口内的请求数，达到上限时按窗口内最早的时间戳计算 retry-after。
func (r *RateLimiter) violation(stamps []time.Time, now time.Time, window time.Duration, limit int, reason string) error {
	cutoff := now.Add(-window)
	var oldest time.Time
	count := 0
	for _, ts := range stamps {
		if ts.After(cutoff) {
			if count == 0 {
				oldest = ts
			}
			count++
		}
	}
	if count < limit {
		return nil
	}
	retry := int(math.Ceil(oldest.Add(window).Sub(now).Seconds()))
	if retry < 1 {
		retry = 1
	}
	return &RateLimitError{
		Reason:     reason,
		RetryAfter: retry,
		Limit:      limit,
		Window:     window,
	}
}

// prune 丢弃 cutoff 之前的时间戳，时间戳按追加顺序有序。
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0:0], stamps[i:]...)
}

// Sweep 清理在不活跃窗口内没有任何请求的会话，返回清理数量。
func (r *RateLimiter) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.inactivity)
	removed := 0
	for id, stamps := range r.sessions {
		if len(stamps) == 0 || !stamps[len(stamps)-1].After(cutoff) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}

// Sessions 返回当前跟踪的会话数。
func (r *RateLimiter) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Run 周期性执行 Sweep，直到 ctx 被取消。
func (r *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				log.Debugf("[RateLimiter] 清理了 %d 个不活跃会话", n)
			}
		}
	}
}
