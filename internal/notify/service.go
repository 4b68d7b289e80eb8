package notify

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"threadcast/internal/model"
	"threadcast/internal/presence"
	"threadcast/internal/render"
	"threadcast/internal/store"
	"threadcast/internal/transport"
	"threadcast/pkg/logx"
)

var ErrQueueFull = errors.New("notify queue full")

type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
}

// Service is the async notification pipeline: accepted messages are
// queued, workers evaluate every subscriber's rule list and route each
// decision independently to live push or the digest spool. One attempt
// per recipient; a failed push is not escalated to the digest path.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log   logx.Logger
	st    store.Store
	pres  *presence.Registry
	tr    transport.Transport
	rend  render.Renderer
	spool store.DigestSpool

	limiter *rate.Limiter
	queue   chan model.Message

	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, st store.Store, pres *presence.Registry, tr transport.Transport, rend render.Renderer, spool store.DigestSpool, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 100
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		st:      st,
		pres:    pres,
		tr:      tr,
		rend:    rend,
		spool:   spool,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan model.Message, cfg.QueueSize),
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 100
	}
	s.cfg.RatePerSec = cfg.RatePerSec
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.runCancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in notify worker",
						logx.Int("worker", idx), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx)
		}()
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}

// Enqueue hands an accepted message to the pipeline. Non-blocking.
func (s *Service) Enqueue(ctx context.Context, msg model.Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case s.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			if err := s.process(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("notify failed", logx.String("message", msg.ID), logx.Err(err))
			}
		}
	}
}

func (s *Service) process(ctx context.Context, msg model.Message) error {
	// The thread is read after tag accumulation, so rule evaluation sees
	// the full accumulated set including this message's own tags.
	thread, err := s.st.Thread(ctx, msg.ThreadID)
	if err != nil {
		return err
	}
	subscribers, err := s.st.Subscribers(ctx, msg.ThreadID)
	if err != nil {
		return err
	}

	tagGroups := map[string]string{}
	tagGroup := func(tagID string) (string, bool) {
		if g, ok := tagGroups[tagID]; ok {
			return g, true
		}
		t, err := s.st.Tag(ctx, tagID)
		if err != nil {
			return "", false
		}
		tagGroups[tagID] = t.GroupID
		return t.GroupID, true
	}

	for _, subID := range subscribers {
		if subID == msg.AuthorID {
			continue
		}
		sub, err := s.st.User(ctx, subID)
		if err != nil {
			s.log.Warn("subscriber lookup failed", logx.String("user", subID), logx.Err(err))
			continue
		}
		rule, ok := Match(sub.Rules(), MatchContext{
			SubscriberID: subID,
			Message:      msg,
			ThreadTagIDs: thread.TagIDs,
			TagGroup:     tagGroup,
		})
		if !ok {
			continue
		}
		s.log.Trace("rule matched",
			logx.String("user", subID), logx.String("message", msg.ID),
			logx.String("rule", rule.String()))
		s.deliver(ctx, sub, msg)
	}
	return nil
}

// deliver routes one matched decision: online subscribers get an
// immediate rendered push, offline ones a digest spool entry.
func (s *Service) deliver(ctx context.Context, sub model.User, msg model.Message) {
	rendered, err := s.rend.Render(ctx, sub.ID, msg)
	if err != nil {
		s.log.Warn("render failed", logx.String("user", sub.ID), logx.String("message", msg.ID), logx.Err(err))
		return
	}

	if s.pres.IsOnline(sub.ID) {
		s.mu.Lock()
		lim := s.limiter
		s.mu.Unlock()
		if err := lim.Wait(ctx); err != nil {
			return
		}
		view := transport.MessageView{
			MessageID: msg.ID,
			ThreadID:  msg.ThreadID,
			GroupID:   msg.GroupID,
			AuthorID:  msg.AuthorID,
			Rendered:  rendered,
			CreatedAt: msg.CreatedAt,
		}
		if err := s.tr.Push(ctx, sub.ID, transport.Payload{Kind: transport.PayloadMessage, Message: &view}); err != nil {
			s.log.Warn("notify push failed", logx.String("user", sub.ID), logx.String("message", msg.ID), logx.Err(err))
		}
		return
	}

	entry := store.DigestEntry{
		UserID:    sub.ID,
		ThreadID:  msg.ThreadID,
		MessageID: msg.ID,
		Rendered:  rendered,
		At:        time.Now(),
	}
	if err := s.spool.Append(ctx, entry); err != nil {
		s.log.Warn("digest spool append failed", logx.String("user", sub.ID), logx.String("message", msg.ID), logx.Err(err))
	}
}
