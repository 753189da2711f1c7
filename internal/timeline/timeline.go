// Package timeline owns the ordered, deduplicated message list of the
// currently selected conversation.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/4xmen/messagehub/internal/api"
	"github.com/4xmen/messagehub/internal/metrics"
	"github.com/4xmen/messagehub/internal/models"
)

var (
	ErrNoConversation = errors.New("timeline: no conversation selected")
	ErrEmptyMessage   = errors.New("timeline: message is empty")
	ErrMixedPayload   = errors.New("timeline: send exactly one of text, audio or media")
)

// Collaborator is the subset of the REST client the store needs.
type Collaborator interface {
	Conversation(ctx context.Context, peerID string) ([]models.Message, error)
	SendText(ctx context.Context, receiverID, content string) (*models.Message, error)
	SendAudio(ctx context.Context, receiverID string, audio api.Attachment) (*models.Message, error)
	SendMedia(ctx context.Context, receiverID string, media api.Attachment) (*models.Message, error)
}

type Emitter interface {
	Emit(event string, payload any) error
}

// Outgoing is one message to send. Exactly one field is set.
type Outgoing struct {
	Text  string
	Audio *api.Attachment
	Media *api.Attachment
}

// Live message outcomes, also used as metric labels.
const (
	outcomeAppended  = "appended"
	outcomeNotReady  = "not_ready"
	outcomeForeign   = "foreign"
	outcomeDuplicate = "duplicate"
	outcomeInvalid   = "invalid"
)

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithChangeHandler is called with a snapshot after every visible change.
// It runs without the store lock held.
func WithChangeHandler(fn func(peerID string, msgs []models.Message)) Option {
	return func(s *Store) { s.onChange = fn }
}

type Store struct {
	self     string
	remote   Collaborator
	emitter  Emitter
	log      *slog.Logger
	onChange func(string, []models.Message)

	mu       sync.Mutex
	gen      uint64
	peer     string
	ready    bool
	messages []models.Message
	guard    map[string]int            // message id -> index in messages
	pending  map[string]models.Message // status updates seen while loading
	early    []models.Message          // own sends persisted while loading
}

func New(self string, remote Collaborator, emitter Emitter, opts ...Option) *Store {
	s := &Store{
		self:    self,
		remote:  remote,
		emitter: emitter,
		log:     slog.Default(),
		guard:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectConversation clears the timeline and loads the history with peerID.
// A load that resolves after another selection has started is discarded and
// reports nil.
func (s *Store) SelectConversation(ctx context.Context, peerID string) error {
	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.peer = peerID
	s.ready = false
	s.messages = nil
	s.guard = make(map[string]int)
	s.pending = make(map[string]models.Message)
	s.early = nil
	s.mu.Unlock()
	s.changed()

	history, err := s.remote.Conversation(ctx, peerID)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		metrics.HistoryLoads.WithLabelValues("stale").Inc()
		s.log.Debug("timeline: discarding stale history", "peer_id", peerID, "generation", gen)
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		metrics.HistoryLoads.WithLabelValues("error").Inc()
		return fmt.Errorf("load conversation with %s: %w", peerID, err)
	}

	msgs := make([]models.Message, 0, len(history)+len(s.early))
	guard := make(map[string]int, len(history)+len(s.early))
	add := func(m models.Message) {
		if m.ID == "" {
			return
		}
		if _, dup := guard[m.ID]; dup {
			return
		}
		if upd, ok := s.pending[m.ID]; ok {
			m = merge(m, upd)
		}
		guard[m.ID] = len(msgs)
		msgs = append(msgs, m)
	}
	for _, m := range history {
		add(m)
	}
	for _, m := range s.early {
		add(m)
	}

	s.messages = msgs
	s.guard = guard
	s.pending = nil
	s.early = nil
	s.ready = true
	s.mu.Unlock()

	metrics.HistoryLoads.WithLabelValues("applied").Inc()
	s.changed()
	return nil
}

// Reset drops the selection. In-flight loads are discarded.
func (s *Store) Reset() {
	s.mu.Lock()
	s.gen++
	s.peer = ""
	s.ready = false
	s.messages = nil
	s.guard = make(map[string]int)
	s.pending = nil
	s.early = nil
	s.mu.Unlock()
	s.changed()
}

// OnLiveMessage appends a message that arrived on the event channel and
// reports whether it was appended. Messages are dropped before the history
// load completes, when they belong to another conversation, or when their id
// is already present.
func (s *Store) OnLiveMessage(msg models.Message) bool {
	s.mu.Lock()
	outcome := s.insertLocked(msg)
	s.mu.Unlock()

	metrics.LiveMessages.WithLabelValues(outcome).Inc()
	if outcome != outcomeAppended {
		s.log.Debug("timeline: live message dropped", "message_id", msg.ID, "reason", outcome)
		return false
	}
	s.changed()
	return true
}

func (s *Store) insertLocked(msg models.Message) string {
	switch {
	case !s.ready:
		return outcomeNotReady
	case msg.ID == "":
		return outcomeInvalid
	case !msg.Between(s.self, s.peer):
		return outcomeForeign
	}
	if _, dup := s.guard[msg.ID]; dup {
		return outcomeDuplicate
	}
	s.guard[msg.ID] = len(s.messages)
	s.messages = append(s.messages, msg)
	return outcomeAppended
}

// OnMessageUpdated replaces the entry with the same id and reports whether
// one was found. It never inserts. Delivered and seen marks are never
// cleared by an update.
func (s *Store) OnMessageUpdated(msg models.Message) bool {
	s.mu.Lock()
	i, ok := s.guard[msg.ID]
	if ok {
		s.messages[i] = merge(s.messages[i], msg)
	} else if s.pending != nil && msg.ID != "" {
		if prev, seen := s.pending[msg.ID]; seen {
			msg = merge(prev, msg)
		}
		s.pending[msg.ID] = msg
	}
	s.mu.Unlock()

	if ok {
		s.changed()
	}
	return ok
}

// merge returns upd with the status marks of cur carried over, so an older
// update arriving late cannot roll a message back.
func merge(cur, upd models.Message) models.Message {
	upd.Delivered = upd.Delivered || cur.Delivered
	upd.Seen = upd.Seen || cur.Seen
	return upd
}

// Send persists out through the collaborator, adds the created message to the
// timeline, and broadcasts it for the receiver's live delivery. On error the
// timeline is unchanged.
func (s *Store) Send(ctx context.Context, out Outgoing) (*models.Message, error) {
	s.mu.Lock()
	peer, gen := s.peer, s.gen
	s.mu.Unlock()

	if peer == "" {
		return nil, ErrNoConversation
	}

	var (
		msg *models.Message
		err error
	)
	switch text := strings.TrimSpace(out.Text); {
	case countSet(text != "", out.Audio != nil, out.Media != nil) > 1:
		return nil, ErrMixedPayload
	case out.Audio != nil:
		msg, err = s.remote.SendAudio(ctx, peer, *out.Audio)
	case out.Media != nil:
		msg, err = s.remote.SendMedia(ctx, peer, *out.Media)
	case text != "":
		msg, err = s.remote.SendText(ctx, peer, text)
	default:
		return nil, ErrEmptyMessage
	}
	if err != nil {
		return nil, fmt.Errorf("send message to %s: %w", peer, err)
	}

	s.mu.Lock()
	appended := false
	if gen == s.gen && msg.ID != "" {
		if s.ready {
			appended = s.insertLocked(*msg) == outcomeAppended
		} else {
			s.early = append(s.early, *msg)
		}
	}
	s.mu.Unlock()
	if appended {
		s.changed()
	}

	if err := s.emitter.Emit(models.EventSendMessage, msg); err != nil {
		// Persisted already; the receiver sees it on the next history load.
		s.log.Warn("timeline: live broadcast failed", "message_id", msg.ID, "err", err)
	}
	return msg, nil
}

func countSet(flags ...bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

// Messages returns a copy of the timeline in display order.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

func (s *Store) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *Store) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Store) changed() {
	if s.onChange == nil {
		return
	}
	s.mu.Lock()
	peer, msgs := s.peer, slices.Clone(s.messages)
	s.mu.Unlock()
	s.onChange(peer, msgs)
}
