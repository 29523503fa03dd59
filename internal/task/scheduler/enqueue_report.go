package scheduler

import (
	"errors"
	"time"

	"gams/internal/task/engine"
	logx "gams/pkg/logx"
)

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// Overlap skips can happen during normal operation.
	if errors.Is(err, engine.ErrOverlapSkip) {
		if !s.log.IsZero() {
			s.log.Debug("task run skipped", logx.String("task", name), logx.Any("err", err))
		}
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	if s.lastEnqWarn == nil {
		s.lastEnqWarn = make(map[string]time.Time)
	}
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	if s.log.IsZero() {
		return
	}

	// Queue full / stopping are important but can be bursty.
	s.log.Warn("task failed to enqueue", logx.String("task", name), logx.Any("err", err))
}
