package execution

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/internal/metrics"
)

var errNotYetConfirmed = errors.New("position not visible yet")

func (cc ConfirmConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cc.InitialInterval
	b.MaxInterval = cc.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, cc.MaxRetries), ctx)
}

// poll 在预算内轮询中继状态与仓位数据源。
// 中继明确失败时立即返回 SubmissionRejected（不再重试）。
func (c *Controller) poll(ctx context.Context, entry *logrus.Entry, cc ConfirmConfig, opt domain.OptimisticPosition, txID string) (domain.ConfirmedPosition, error) {
	var found domain.ConfirmedPosition
	op := func() error {
		if txID != "" {
			if _, err := c.deps.Submitter.Status(ctx, txID); err != nil {
				if domain.KindOf(err) == domain.KindSubmissionRejected {
					return backoff.Permanent(err)
				}
				// 状态查询失败不影响仓位轮询
				entry.WithError(err).Debug("relayer status unavailable")
			}
		}
		list, err := c.deps.Positions.OpenPositions(ctx, opt.Wallet)
		if err != nil {
			return err
		}
		pos, ok := c.deps.Reconciler.Find(opt, list)
		if !ok {
			return errNotYetConfirmed
		}
		found = pos
		return nil
	}
	notify := func(err error, next time.Duration) {
		entry.WithError(err).WithField("next", next).Debug("confirmation pending")
	}
	err := backoff.RetryNotify(op, cc.backOff(ctx), notify)
	return found, err
}

// awaitConfirmation pendingConfirmation 阶段。
// 预算耗尽进入 failed(ConfirmationTimeout)：结果未知，乐观仓位保留为 pending。
func (c *Controller) awaitConfirmation(entry *logrus.Entry, a *Attempt, opt domain.OptimisticPosition, sub domain.Submission) {
	// 只受 Close 影响，调用方取消不会中断对已广播交易的观察
	ctx := c.root

	pos, err := c.poll(ctx, entry, c.cfg.Confirm, opt, sub.ID)
	switch {
	case err == nil:
		c.deps.Reconciler.Resolve(a.id, pos)
		if a.confirm(pos) {
			c.deps.Breaker.OnSuccess()
			metrics.AttemptsConfirmed.Add(1)
			entry.WithField("position", pos.Key()).Info("trade confirmed")
		}
		a.finish()

	case domain.KindOf(err) == domain.KindSubmissionRejected:
		c.deps.Reconciler.Drop(a.id)
		a.update(func(a *Attempt) { a.optimistic = nil })
		c.finishFailed(entry, a, err)

	default:
		c.finishFailed(entry, a, domain.NewError(domain.KindConfirmationTimeout, err,
			"position not observed after %d polls; outcome unknown, check explorer", c.cfg.Confirm.MaxRetries))
		c.watchLate(entry, a, opt, sub)
	}
}

// watchLate 超时后的尽力而为后台观察，不改写 attempt 的终态
func (c *Controller) watchLate(entry *logrus.Entry, a *Attempt, opt domain.OptimisticPosition, sub domain.Submission) {
	if c.cfg.Background.MaxRetries == 0 {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		pos, err := c.poll(c.root, entry, c.cfg.Background, opt, sub.ID)
		switch {
		case err == nil:
			c.deps.Reconciler.Resolve(a.id, pos)
			a.markLate(pos)
			metrics.LateConfirmations.Add(1)
			entry.WithField("position", pos.Key()).Info("late confirmation observed")
		case domain.KindOf(err) == domain.KindSubmissionRejected:
			c.deps.Reconciler.Drop(a.id)
			entry.WithError(err).Warn("submission failed after confirmation timeout")
		default:
			entry.WithError(err).Info("background confirmation gave up")
		}
	}()
}
