// Package conversation decides which peer's timeline is on screen.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	ErrNoPeer = errors.New("conversation: peer id is required")
	ErrSelf   = errors.New("cannot start a conversation with yourself")
)

// Loader is the timeline store.
type Loader interface {
	SelectConversation(ctx context.Context, peerID string) error
	Peer() string
	Ready() bool
}

type Option func(*Selector)

func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) { s.log = l }
}

// WithErrorHandler receives failures of background Focus loads.
func WithErrorHandler(fn func(peerID string, err error)) Option {
	return func(s *Selector) { s.onError = fn }
}

// WithFocusTimeout bounds a background Focus load.
func WithFocusTimeout(d time.Duration) Option {
	return func(s *Selector) { s.focusTimeout = d }
}

type Selector struct {
	self         string
	loader       Loader
	log          *slog.Logger
	onError      func(string, error)
	focusTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active string
}

func New(self string, loader Loader, opts ...Option) *Selector {
	s := &Selector{
		self:         self,
		loader:       loader,
		log:          slog.Default(),
		focusTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Select makes peerID the active conversation and loads its history.
// Re-selecting a loaded conversation does nothing; use Refresh to reload.
func (s *Selector) Select(ctx context.Context, peerID string) error {
	if peerID == "" {
		return ErrNoPeer
	}
	if peerID == s.self {
		return ErrSelf
	}

	s.mu.Lock()
	same := s.active == peerID
	s.active = peerID
	s.mu.Unlock()

	if same && s.loader.Peer() == peerID && s.loader.Ready() {
		return nil
	}
	return s.loader.SelectConversation(ctx, peerID)
}

// Active returns the selected peer, or "".
func (s *Selector) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Refresh reloads the active conversation.
func (s *Selector) Refresh(ctx context.Context) error {
	peer := s.Active()
	if peer == "" {
		return ErrNoPeer
	}
	return s.loader.SelectConversation(ctx, peer)
}

// Focus selects peerID in the background.
func (s *Selector) Focus(peerID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.focusTimeout)
		defer cancel()
		if err := s.Select(ctx, peerID); err != nil {
			s.log.Warn("focus conversation", "peer", peerID, "error", err)
			if s.onError != nil {
				s.onError(peerID, err)
			}
		}
	}()
}

// Close cancels background loads and waits for them.
func (s *Selector) Close() {
	s.cancel()
	s.wg.Wait()
}
