// Package digest bundles spooled notifications for offline users into
// email-style digests and hands them to the mail collaborator on a
// schedule. Delivery is best effort, at most one attempt per flush.
package digest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"threadcast/internal/store"
	"threadcast/pkg/logx"
)

// Mailer is the outbound email collaborator. Delivery semantics
// (retries, bounces) are its concern, not the core's.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

type Config struct {
	Enabled bool
	// Schedule is a cron spec or @every interval for flushes.
	Schedule string
}

// Service drains the digest spool on a cron schedule. Composition runs
// off the event-processing path entirely; a slow SMTP server never
// blocks message routing.
type Service struct {
	cfg   Config
	log   logx.Logger
	st    store.Store
	spool store.DigestSpool
	mail  Mailer

	mu   sync.Mutex
	cron *cron.Cron
}

func New(cfg Config, st store.Store, spool store.DigestSpool, mail Mailer, log logx.Logger) *Service {
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@every 15m"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, st: st, spool: spool, mail: mail}
}

func (s *Service) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		if err := s.Flush(ctx); err != nil {
			s.log.Warn("digest flush failed", logx.Err(err))
		}
	})
	if err != nil {
		return fmt.Errorf("digest schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.cron = c
	s.log.Info("digest flusher started", logx.String("schedule", s.cfg.Schedule))
	return nil
}

func (s *Service) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Flush drains the spool once: entries are bundled per user and per
// thread, composed into one email per user, and handed to the mailer.
// The user's entries are cleared after the attempt either way: the
// contract is at-most-once, a failed send is not retried.
func (s *Service) Flush(ctx context.Context) error {
	entries, err := s.spool.Pending(ctx)
	if err != nil {
		return fmt.Errorf("pending: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	byUser := map[string][]store.DigestEntry{}
	for _, e := range entries {
		byUser[e.UserID] = append(byUser[e.UserID], e)
	}

	users := make([]string, 0, len(byUser))
	for id := range byUser {
		users = append(users, id)
	}
	sort.Strings(users)

	for _, userID := range users {
		bundle := byUser[userID]
		upTo := bundle[0].At
		for _, e := range bundle {
			if e.At.After(upTo) {
				upTo = e.At
			}
		}

		u, err := s.st.User(ctx, userID)
		if err != nil {
			s.log.Warn("digest user lookup failed", logx.String("user", userID), logx.Err(err))
			continue
		}
		if strings.TrimSpace(u.Email) == "" {
			s.log.Debug("digest skipped, no email", logx.String("user", userID))
			_ = s.spool.Clear(ctx, userID, upTo)
			continue
		}

		subject, body := Compose(bundle)
		if err := s.mail.Send(ctx, u.Email, subject, body); err != nil {
			s.log.Warn("digest send failed", logx.String("user", userID), logx.Err(err))
		} else {
			s.log.Info("digest sent", logx.String("user", userID), logx.Int("messages", len(bundle)))
		}
		if err := s.spool.Clear(ctx, userID, upTo); err != nil {
			s.log.Warn("digest clear failed", logx.String("user", userID), logx.Err(err))
		}
	}
	return nil
}

// Compose renders one user's bundle: messages grouped per thread in
// arrival order.
func Compose(bundle []store.DigestEntry) (subject, body string) {
	byThread := map[string][]store.DigestEntry{}
	var order []string
	for _, e := range bundle {
		if _, seen := byThread[e.ThreadID]; !seen {
			order = append(order, e.ThreadID)
		}
		byThread[e.ThreadID] = append(byThread[e.ThreadID], e)
	}

	var b strings.Builder
	for i, threadID := range order {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Thread %s\n", threadID)
		for _, e := range byThread[threadID] {
			fmt.Fprintf(&b, "  [%s] %s\n", e.At.Format(time.RFC822), e.Rendered)
		}
	}

	if len(order) == 1 {
		subject = fmt.Sprintf("%d new messages while you were away", len(bundle))
	} else {
		subject = fmt.Sprintf("%d new messages in %d threads while you were away", len(bundle), len(order))
	}
	return subject, b.String()
}
