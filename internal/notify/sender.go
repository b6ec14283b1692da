package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fiscalbot/internal/transport"
	logx "fiscalbot/pkg/logx"
)

var ErrSenderStopped = errors.New("sender stopped")

type SenderConfig struct {
	// SendDelay is the minimum spacing between successive sends. The
	// channel enforces a global rate limit, not a per-destination one.
	SendDelay time.Duration
	// RateLimitFallback is the backoff used when the channel rate-limits
	// us without naming a retry duration.
	RateLimitFallback time.Duration
	// SendTimeout bounds one delivery attempt against the channel.
	SendTimeout time.Duration
	QueueSize   int
}

func (c *SenderConfig) applyDefaults() {
	if c.SendDelay <= 0 {
		c.SendDelay = 100 * time.Millisecond
	}
	if c.RateLimitFallback <= 0 {
		c.RateLimitFallback = 30 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

// SendOutcome is the terminal result of one Send call.
type SendOutcome struct {
	Delivered         bool
	ExternalMessageID string
	Err               error
}

// ConnectionDeactivator is the slice of the store the sender needs when a
// destination turns out to be permanently unreachable.
type ConnectionDeactivator interface {
	DeactivateConnectionsByChat(ctx context.Context, chatID int64, reason string) (int64, error)
}

type outbound struct {
	chatID int64
	text   string
	done   chan SendOutcome
}

// Sender is the globally shared, strictly ordered outbound queue: one
// worker, one send in flight at a time. Rate-limited messages are retried
// in place, so they go out before anything enqueued after them and their
// caller stays blocked until a terminal outcome.
type Sender struct {
	ch  transport.Channel
	st  ConnectionDeactivator
	log logx.Logger
	cfg SenderConfig

	limiter *rate.Limiter
	queue   chan outbound

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewSender(cfg SenderConfig, ch transport.Channel, st ConnectionDeactivator, log logx.Logger) *Sender {
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{
		ch:      ch,
		st:      st,
		log:     log.With(logx.String("comp", "sender")),
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.SendDelay), 1),
		queue:   make(chan outbound, cfg.QueueSize),
	}
}

func (s *Sender) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.worker(ctx, stopCh)
	}()
	s.log.Info("delivery queue started",
		logx.Duration("send_delay", s.cfg.SendDelay),
		logx.Int("queue_cap", cap(s.queue)))
}

func (s *Sender) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("delivery queue stopped")
	case <-ctx.Done():
		s.log.Warn("delivery queue stop timed out")
	}
}

// Send enqueues one message and blocks until the worker reaches a
// terminal outcome for it (or ctx is cancelled). Safe for concurrent use;
// ordering across callers follows enqueue order.
func (s *Sender) Send(ctx context.Context, chatID int64, text string) SendOutcome {
	m := outbound{chatID: chatID, text: text, done: make(chan SendOutcome, 1)}
	select {
	case s.queue <- m:
	case <-ctx.Done():
		return SendOutcome{Err: ctx.Err()}
	}
	select {
	case out := <-m.done:
		return out
	case <-ctx.Done():
		return SendOutcome{Err: ctx.Err()}
	}
}

func (s *Sender) worker(ctx context.Context, stopCh chan struct{}) {
	for {
		select {
		case <-stopCh:
			s.drain()
			return
		case <-ctx.Done():
			s.drain()
			return
		case m := <-s.queue:
			s.deliver(ctx, stopCh, m)
		}
	}
}

// drain resolves queued-but-unsent messages so no caller blocks across a
// shutdown.
func (s *Sender) drain() {
	for {
		select {
		case m := <-s.queue:
			m.done <- SendOutcome{Err: ErrSenderStopped}
		default:
			return
		}
	}
}

// deliver pushes one message to a terminal outcome. Rate limiting keeps
// the message at the head of the queue: the loop retries it before the
// worker ever picks up a newer message.
func (s *Sender) deliver(ctx context.Context, stopCh chan struct{}, m outbound) {
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			m.done <- SendOutcome{Err: err}
			return
		}

		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		msgID, err := s.ch.SendMessage(attemptCtx, m.chatID, m.text)
		cancel()

		if err == nil {
			m.done <- SendOutcome{Delivered: true, ExternalMessageID: msgID}
			return
		}

		var rl *transport.RateLimitedError
		if errors.As(err, &rl) {
			delay := rl.RetryAfter
			if delay <= 0 {
				delay = s.cfg.RateLimitFallback
			}
			s.log.Warn("channel rate limited, backing off",
				logx.Int64("chat_id", m.chatID), logx.Duration("delay", delay))
			select {
			case <-time.After(delay):
				continue
			case <-stopCh:
				m.done <- SendOutcome{Err: ErrSenderStopped}
				return
			case <-ctx.Done():
				m.done <- SendOutcome{Err: ctx.Err()}
				return
			}
		}

		var di *transport.DestinationInvalidError
		if errors.As(err, &di) {
			n, derr := s.st.DeactivateConnectionsByChat(ctx, m.chatID, di.Reason)
			if derr != nil {
				s.log.Error("deactivating invalid destination failed",
					logx.Int64("chat_id", m.chatID), logx.Err(derr))
			} else {
				s.log.Info("destination invalid, connections deactivated",
					logx.Int64("chat_id", m.chatID), logx.String("reason", di.Reason), logx.Int64("count", n))
			}
			m.done <- SendOutcome{Err: err}
			return
		}

		s.log.Warn("send failed", logx.Int64("chat_id", m.chatID), logx.Err(err))
		m.done <- SendOutcome{Err: err}
		return
	}
}
