package notifier

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"duewatch/internal/engine"
	"duewatch/internal/eventbus"
	logx "duewatch/pkg/logx"
)

var ErrDisabled = errors.New("notifier disabled")

// Service is the async email pipeline: queue + worker pool + rate limit +
// retry. It satisfies engine.NotifierGateway; an enqueue that cannot be
// accepted falls back to one synchronous delivery attempt so warnings do
// not silently vanish when the pipeline is saturated or stopped.
//
// Safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan Email

	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the runtime tunables. Worker count changes take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket with burst = rate so short spikes don't stall workers.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Email, s.cfg.QueueSize)
	s.accepting = true
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			s.workerLoop()
		}()
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

// Stop blocks new intake and drains the queue best-effort until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q := s.queue
	cancel := s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	// Let in-flight enqueues finish before closing the channel.
	enqueued := make(chan struct{})
	go func() {
		s.sendWG.Wait()
		close(enqueued)
	}()
	select {
	case <-ctx.Done():
		// Drain deadline expired with enqueues still in flight. Close the
		// channel once they finish so the workers can exit, and reset
		// state now so a later Start is not a no-op.
		go func() {
			<-enqueued
			close(q)
		}()
		cancel()
		s.mu.Lock()
		s.queue = nil
		s.runCtx = nil
		s.runCancel = nil
		s.mu.Unlock()
		return
	case <-enqueued:
	}
	close(q)

	drained := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(drained)
	}()
	select {
	case <-ctx.Done():
	case <-drained:
	}
	cancel()

	s.mu.Lock()
	s.queue = nil
	s.runCtx = nil
	s.runCancel = nil
	s.mu.Unlock()
	s.log.Info("notifier stopped")
}

// DeliverEmail queues one message for the recipient. When the pipeline is
// stopped or full the message is delivered synchronously instead.
func (s *Service) DeliverEmail(ctx context.Context, to engine.Recipient, subject, body string, severity engine.RiskTier) error {
	if to.Email == "" {
		return errors.New("recipient has no email address")
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	e := Email{To: to.Email, Subject: tagSubject(subject, severity), Body: body, Severity: severity}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		s.log.Debug("notifier stopped; sending synchronously", logx.String("to", e.To))
		return s.sendWithRetry(ctx, e)
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- e:
		return nil
	default:
		s.log.Warn("notifier queue full; sending synchronously", logx.String("to", e.To))
		return s.sendWithRetry(ctx, e)
	}
}

func (s *Service) workerLoop() {
	s.mu.Lock()
	q := s.queue
	runCtx := s.runCtx
	s.mu.Unlock()

	for e := range q {
		select {
		case <-runCtx.Done():
			return
		default:
		}
		if err := s.sendWithRetry(runCtx, e); err != nil {
			s.log.Warn("email delivery failed",
				logx.String("to", e.To),
				logx.String("subject", e.Subject),
				logx.Err(err))
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, e Email) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	maxAttempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := s.sender.Send(callCtx, e)
		cancel()
		if err == nil {
			s.publish(eventbus.TypeNotifySent, e, nil)
			return nil
		}
		lastErr = err
		s.log.Debug("email send failed",
			logx.String("to", e.To),
			logx.Int("attempt", attempt),
			logx.Err(err))
		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		case <-t.C:
		}
	}

	s.publish(eventbus.TypeNotifyFailed, e, lastErr)
	return lastErr
}

func (s *Service) publish(typ string, e Email, err error) {
	if s.bus == nil {
		return
	}
	ev := EmailEvent{To: e.To, Subject: e.Subject, Severity: string(e.Severity), At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

// tagSubject prepends a severity tag unless the subject already carries
// one (project reminder subjects do).
func tagSubject(subject string, severity engine.RiskTier) string {
	if strings.HasPrefix(subject, "[") {
		return subject
	}
	switch severity {
	case engine.TierCritical:
		return "[CRITICAL] " + subject
	case engine.TierHigh:
		return "[HIGH] " + subject
	default:
		return subject
	}
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay precedes attempt+1.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3.
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if d < 0 {
		return 0
	}
	return d
}
