// Package broadcast recomputes per-recipient views of changed entities
// and pushes them to every eligible, currently-connected user.
//
// Recipient sets are recomputed per event instead of maintaining
// denormalized push lists; group and thread sizes are chat-scale, so the
// O(members) work per event buys a lot of correctness for little cost.
package broadcast

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"threadcast/internal/eventbus"
	"threadcast/internal/model"
	"threadcast/internal/presence"
	"threadcast/internal/store"
	"threadcast/internal/transport"
	"threadcast/pkg/logx"
)

var ErrQueueFull = errors.New("broadcast queue full")

type Config struct {
	Workers    int
	QueueSize  int
	RatePerSec int
}

type jobKind int

const (
	jobThread jobKind = iota
	jobUser
	jobGroup
)

type job struct {
	kind jobKind

	threadID string
	exclude  map[string]struct{}

	userID        string
	selfInitiated bool

	groupID string
	change  string
}

// Service runs the fan-out worker pool. Pushes go through the Transport
// at most once each; failures are logged, never retried or escalated.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log  logx.Logger
	st   store.Store
	pres *presence.Registry
	tr   transport.Transport
	bus  eventbus.Bus

	limiter *rate.Limiter
	queue   chan job

	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
	busUnsub  func()
}

func New(cfg Config, st store.Store, pres *presence.Registry, tr transport.Transport, bus eventbus.Bus, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 200
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
		bus:     bus,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan job, cfg.QueueSize),
	}
}

// Apply swaps the rate limit live. Pool sizing stays fixed until restart.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 200
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
					s.log.Error("panic in broadcast worker",
						logx.Int("worker", idx), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx)
		}()
	}

	// Presence transitions become user-change broadcasts.
	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(64)
		s.mu.Lock()
		s.busUnsub = unsub
		s.mu.Unlock()
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			for {
				select {
				case <-runCtx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					if ev.Kind == eventbus.KindPresenceOnline || ev.Kind == eventbus.KindPresenceOffline {
						if err := s.UserChanged(runCtx, ev.UserID, true); err != nil {
							s.log.Warn("presence broadcast dropped", logx.String("user", ev.UserID), logx.Err(err))
						}
					}
				}
			}
		}()
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.runCancel
	unsub := s.busUnsub
	s.runCancel = nil
	s.busUnsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
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

// ThreadChanged fans a thread update out to (watchers ∩ online) − exclude.
func (s *Service) ThreadChanged(ctx context.Context, threadID string, exclude ...string) error {
	ex := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		ex[id] = struct{}{}
	}
	return s.enqueue(ctx, job{kind: jobThread, threadID: threadID, exclude: ex})
}

// UserChanged fans a user update out to their mutual-visibility set ∩
// online, minus the user themself when the change is self-initiated.
func (s *Service) UserChanged(ctx context.Context, userID string, selfInitiated bool) error {
	return s.enqueue(ctx, job{kind: jobUser, userID: userID, selfInitiated: selfInitiated})
}

// GroupChanged fans a group update out to members ∩ online.
func (s *Service) GroupChanged(ctx context.Context, groupID, change string) error {
	return s.enqueue(ctx, job{kind: jobGroup, groupID: groupID, change: change})
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case s.queue <- j:
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
		case j := <-s.queue:
			var err error
			switch j.kind {
			case jobThread:
				err = s.execThread(ctx, j)
			case jobUser:
				err = s.execUser(ctx, j)
			case jobGroup:
				err = s.execGroup(ctx, j)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("broadcast failed", logx.Int("kind", int(j.kind)), logx.Err(err))
			}
		}
	}
}

func (s *Service) execThread(ctx context.Context, j job) error {
	thread, err := s.st.Thread(ctx, j.threadID)
	if err != nil {
		return err
	}
	watchers, err := s.st.Watchers(ctx, j.threadID)
	if err != nil {
		return err
	}

	recipients := s.pres.OnlineSubset(watchers)
	for _, userID := range recipients {
		if _, skip := j.exclude[userID]; skip {
			continue
		}
		view, err := s.threadViewFor(ctx, userID, thread)
		if err != nil {
			s.log.Warn("thread view failed", logx.String("thread", thread.ID), logx.String("user", userID), logx.Err(err))
			continue
		}
		s.push(ctx, userID, transport.Payload{Kind: transport.PayloadThread, Thread: &view})
	}
	return nil
}

func (s *Service) threadViewFor(ctx context.Context, userID string, thread model.Thread) (transport.ThreadView, error) {
	return ThreadViewFor(ctx, s.st, userID, thread)
}

// ThreadViewFor builds the recipient-specific view of a thread. The
// accumulated tags are filtered down to the ones the recipient
// subscribes to (a recipient never observes tags they are not
// subscribed to) and the recipient's own last-opened-at marker rides
// along. The engine's load/search paths use the same filter so every
// surface shows a consistent view.
func ThreadViewFor(ctx context.Context, st store.Store, userID string, thread model.Thread) (transport.ThreadView, error) {
	subscribed, err := st.SubscribedTags(ctx, userID)
	if err != nil {
		return transport.ThreadView{}, err
	}
	subs := make(map[string]struct{}, len(subscribed))
	for _, id := range subscribed {
		subs[id] = struct{}{}
	}
	var visible []string
	for _, id := range thread.TagIDs {
		if _, ok := subs[id]; ok {
			visible = append(visible, id)
		}
	}

	opened, err := st.LastOpened(ctx, userID, thread.ID)
	if err != nil {
		return transport.ThreadView{}, err
	}
	return transport.ThreadView{
		ThreadID:     thread.ID,
		GroupID:      thread.GroupID,
		TagIDs:       visible,
		LastOpenedAt: opened,
	}, nil
}

func (s *Service) execUser(ctx context.Context, j job) error {
	u, err := s.st.User(ctx, j.userID)
	if err != nil {
		return err
	}
	visibleTo, err := s.st.VisibleTo(ctx, j.userID)
	if err != nil {
		return err
	}

	view := transport.UserView{
		UserID:   u.ID,
		Nickname: u.Nickname,
		Avatar:   u.Avatar,
		Online:   s.pres.IsOnline(u.ID),
	}
	for _, userID := range s.pres.OnlineSubset(visibleTo) {
		if j.selfInitiated && userID == j.userID {
			continue
		}
		s.push(ctx, userID, transport.Payload{Kind: transport.PayloadUser, User: &view})
	}
	return nil
}

func (s *Service) execGroup(ctx context.Context, j job) error {
	grp, err := s.st.Group(ctx, j.groupID)
	if err != nil {
		return err
	}
	members, err := s.st.GroupMembers(ctx, j.groupID)
	if err != nil {
		return err
	}

	view := transport.GroupView{
		GroupID: grp.ID,
		Name:    grp.Name,
		Public:  grp.Public,
		Intro:   grp.Intro,
		Avatar:  grp.Avatar,
		Change:  j.change,
	}
	for _, userID := range s.pres.OnlineSubset(members) {
		s.push(ctx, userID, transport.Payload{Kind: transport.PayloadGroup, Group: &view})
	}
	return nil
}

func (s *Service) push(ctx context.Context, userID string, p transport.Payload) {
	s.mu.Lock()
	lim := s.limiter
	s.mu.Unlock()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}
	start := time.Now()
	if err := s.tr.Push(ctx, userID, p); err != nil {
		s.log.Warn("push failed", logx.String("user", userID), logx.String("kind", string(p.Kind)), logx.Err(err))
		return
	}
	s.log.Trace("pushed", logx.String("user", userID), logx.String("kind", string(p.Kind)), logx.Duration("took", time.Since(start)))
}
