// Package session is the process-wide realtime session: one event channel,
// one REST client, and the components that consume them.
package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/4xmen/messagehub/internal/api"
	"github.com/4xmen/messagehub/internal/call"
	"github.com/4xmen/messagehub/internal/channel"
	"github.com/4xmen/messagehub/internal/conversation"
	"github.com/4xmen/messagehub/internal/models"
	"github.com/4xmen/messagehub/internal/presence"
	"github.com/4xmen/messagehub/internal/timeline"
	"github.com/4xmen/messagehub/pkg/config"
	"github.com/4xmen/messagehub/pkg/i18n"
)

var (
	ErrNoIdentity = errors.New("session: USER_ID is required")
	ErrNoToken    = errors.New("session: AUTH_TOKEN is required")
)

const noticeBuffer = 64

// Notice is a transient user-facing message. Text is already translated.
type Notice struct {
	Text string
	Err  error
	At   time.Time
}

type Contact struct {
	models.User
	Online bool
}

type options struct {
	log        *slog.Logger
	media      call.MediaSource
	peers      call.PeerFactory
	chanOpts   []channel.Option
	apiOpts    []api.Option
	onTimeline func(string, []models.Message)
	onPresence func([]string)
	onCall     func(call.Change)
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

func WithMediaSource(m call.MediaSource) Option {
	return func(o *options) { o.media = m }
}

func WithPeerFactory(f call.PeerFactory) Option {
	return func(o *options) { o.peers = f }
}

func WithChannelOptions(opts ...channel.Option) Option {
	return func(o *options) { o.chanOpts = append(o.chanOpts, opts...) }
}

func WithAPIOptions(opts ...api.Option) Option {
	return func(o *options) { o.apiOpts = append(o.apiOpts, opts...) }
}

// WithTimelineHandler observes every visible timeline change.
func WithTimelineHandler(fn func(peerID string, msgs []models.Message)) Option {
	return func(o *options) { o.onTimeline = fn }
}

func WithPresenceHandler(fn func(online []string)) Option {
	return func(o *options) { o.onPresence = fn }
}

// WithCallHandler observes call phase changes. It must not block or call
// back into the session.
func WithCallHandler(fn func(call.Change)) Option {
	return func(o *options) { o.onCall = fn }
}

type Session struct {
	self string
	log  *slog.Logger
	tr   i18n.Translator

	channel  *channel.Client
	api      *api.Client
	timeline *timeline.Store
	presence *presence.Tracker
	calls    *call.Machine
	selector *conversation.Selector

	subs      []*channel.Subscription
	notices   chan Notice
	onCall    func(call.Change)
	closeOnce sync.Once
}

func New(cfg *config.Config, opts ...Option) (*Session, error) {
	if cfg.UserID == "" {
		return nil, ErrNoIdentity
	}
	if cfg.AuthToken == "" {
		return nil, ErrNoToken
	}

	o := options{log: slog.Default(), media: call.SilenceSource{}, peers: call.PionFactory{}}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		self:    cfg.UserID,
		log:     o.log,
		tr:      i18n.Translator(cfg.Locale),
		notices: make(chan Notice, noticeBuffer),
		onCall:  o.onCall,
	}

	chanOpts := append([]channel.Option{
		channel.WithToken(cfg.AuthToken),
		channel.WithLogger(o.log),
		channel.WithStateHandler(s.channelState),
	}, o.chanOpts...)
	s.channel = channel.New(cfg.EventsURL, chanOpts...)

	apiOpts := append([]api.Option{api.WithTimeout(cfg.RequestTimeout)}, o.apiOpts...)
	s.api = api.New(cfg.APIBaseURL, cfg.AuthToken, apiOpts...)

	tlOpts := []timeline.Option{timeline.WithLogger(o.log)}
	if o.onTimeline != nil {
		tlOpts = append(tlOpts, timeline.WithChangeHandler(o.onTimeline))
	}
	s.timeline = timeline.New(s.self, s.api, s.channel, tlOpts...)
	s.presence = presence.New(o.onPresence)

	s.selector = conversation.New(s.self, s.timeline,
		conversation.WithLogger(o.log),
		conversation.WithFocusTimeout(cfg.RequestTimeout),
		conversation.WithErrorHandler(func(_ string, err error) {
			s.publish("could not load conversation", err)
		}),
	)

	s.calls = call.New(s.channel, o.media, o.peers,
		call.WithLogger(o.log),
		call.WithICEServers(iceServers(cfg)),
		call.WithRingTimeout(cfg.CallRingTimeout),
		call.WithFocuser(s.selector),
		call.WithChangeHandler(s.callChanged),
	)

	s.subscribe()
	return s, nil
}

func iceServers(cfg *config.Config) []call.ICEServer {
	var servers []call.ICEServer
	if urls := cfg.ICEServerURLs(); len(urls) > 0 {
		servers = append(servers, call.ICEServer{URLs: urls})
	}
	if cfg.TurnServer != "" {
		servers = append(servers, call.ICEServer{
			URLs:       []string{cfg.TurnServer},
			Username:   cfg.TurnUsername,
			Credential: cfg.TurnPassword,
		})
	}
	return servers
}

// on registers a handler that decodes the payload as T. An absent or null
// payload decodes to the zero T; malformed payloads are logged and dropped.
func on[T any](s *Session, event string, fn func(T)) {
	sub := s.channel.On(event, func(data json.RawMessage) {
		var v T
		if len(bytes.TrimSpace(data)) == 0 {
			fn(v)
			return
		}
		if err := json.Unmarshal(data, &v); err != nil {
			s.log.Warn("dropping malformed event", "event", event, "error", err)
			return
		}
		fn(v)
	})
	s.subs = append(s.subs, sub)
}

func (s *Session) subscribe() {
	on(s, models.EventOnlineUsers, s.presence.Replace)
	on(s, models.EventReceiveMessage, func(m models.Message) { s.timeline.OnLiveMessage(m) })
	on(s, models.EventMessageUpdated, func(m models.Message) { s.timeline.OnMessageUpdated(m) })
	on(s, models.EventCallMade, s.calls.HandleCallMade)
	on(s, models.EventAnswerMade, s.calls.HandleAnswer)
	on(s, models.EventICECandidate, s.calls.HandleICECandidate)
	on(s, models.EventCallEnded, s.calls.HandleCallEnded)
}

// Start announces the identity and connects the event channel.
func (s *Session) Start(ctx context.Context) error {
	if err := s.channel.Join(s.self); err != nil {
		return err
	}
	return s.channel.Connect(ctx)
}

// Close hangs up any call, unsubscribes and disconnects. Safe to call twice.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.calls.EndCall()
		for _, sub := range s.subs {
			s.channel.Off(sub)
		}
		s.subs = nil
		s.selector.Close()
		err = s.channel.Close()
	})
	return err
}

func (s *Session) Self() string { return s.self }

func (s *Session) Timeline() *timeline.Store { return s.timeline }

func (s *Session) Presence() *presence.Tracker { return s.presence }

func (s *Session) Calls() *call.Machine { return s.calls }

func (s *Session) Conversations() *conversation.Selector { return s.selector }

// Notices streams transient messages for display. Unread notices are
// dropped once the buffer fills; the channel is never closed.
func (s *Session) Notices() <-chan Notice { return s.notices }

func (s *Session) publish(text string, err error) {
	if err != nil {
		s.log.Warn(text, "error", err)
	}
	s.notice(s.tr.T(text), err)
}

func (s *Session) notice(text string, err error) {
	select {
	case s.notices <- Notice{Text: text, Err: err, At: time.Now()}:
	default:
		s.log.Debug("notice dropped", "text", text)
	}
}

func (s *Session) channelState(st channel.State) {
	switch st {
	case channel.Disconnected:
		s.presence.Reset()
		s.publish("connection lost, reconnecting", nil)
	case channel.Connected:
		s.publish("connected", nil)
	}
}

// callNotices covers transitions no caller sees an error for; failures of
// StartCall and AcceptCall are reported by callError.
var callNotices = map[string]string{
	"incoming":          "incoming call",
	"hangup":            "call ended",
	"remote_hangup":     "call ended",
	"declined":          "call declined",
	"no_answer":         "no answer",
	"bad_answer":        "call failed",
	"glare":             "call failed",
	"connection_failed": "call failed",
}

func (s *Session) callChanged(c call.Change) {
	if text, ok := callNotices[c.Reason]; ok {
		s.notice(s.tr.T(text)+": "+c.PeerID, nil)
	}
	if s.onCall != nil {
		s.onCall(c)
	}
}

// Select opens the conversation with peerID.
func (s *Session) Select(ctx context.Context, peerID string) error {
	err := s.selector.Select(ctx, peerID)
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrSelf):
		s.publish(err.Error(), err)
	default:
		s.publish("could not load conversation", err)
	}
	return err
}

// SendText sends to the active conversation. On success the caller may
// clear its compose input; on failure it should keep it.
func (s *Session) SendText(ctx context.Context, text string) (*models.Message, error) {
	return s.send(ctx, timeline.Outgoing{Text: text}, "could not send message")
}

func (s *Session) SendAudio(ctx context.Context, audio api.Attachment) (*models.Message, error) {
	return s.send(ctx, timeline.Outgoing{Audio: &audio}, "could not upload audio")
}

func (s *Session) SendMedia(ctx context.Context, media api.Attachment) (*models.Message, error) {
	return s.send(ctx, timeline.Outgoing{Media: &media}, "could not upload media")
}

func (s *Session) send(ctx context.Context, out timeline.Outgoing, failure string) (*models.Message, error) {
	msg, err := s.timeline.Send(ctx, out)
	switch {
	case err == nil:
	case errors.Is(err, timeline.ErrNoConversation):
		s.publish("select a conversation first", err)
	case errors.Is(err, timeline.ErrEmptyMessage):
		s.publish("message is empty", err)
	default:
		s.publish(apiFailure(failure, err), err)
	}
	return msg, err
}

// apiFailure prefers the collaborator's own message for client errors.
func apiFailure(fallback string, err error) string {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Status < 500 && apiErr.Message != "" {
		return apiErr.Message
	}
	return fallback
}

// Contacts lists every other user with their presence, online first.
func (s *Session) Contacts(ctx context.Context) ([]Contact, error) {
	users, err := s.api.Users(ctx)
	if err != nil {
		s.publish("could not load contacts", err)
		return nil, err
	}
	contacts := make([]Contact, 0, len(users))
	for _, u := range users {
		if u.ID == s.self {
			continue
		}
		contacts = append(contacts, Contact{User: u, Online: s.presence.IsOnline(u.ID)})
	}
	sort.SliceStable(contacts, func(i, j int) bool {
		if contacts[i].Online != contacts[j].Online {
			return contacts[i].Online
		}
		return strings.ToLower(contacts[i].Email) < strings.ToLower(contacts[j].Email)
	})
	return contacts, nil
}

// StartCall calls peerID, or the active conversation when peerID is empty.
func (s *Session) StartCall(ctx context.Context, peerID string) error {
	if peerID == "" {
		peerID = s.selector.Active()
	}
	if peerID == "" {
		s.publish("select a conversation first", call.ErrNoPeer)
		return call.ErrNoPeer
	}
	err := s.calls.StartCall(ctx, peerID)
	s.callError(err)
	return err
}

func (s *Session) AcceptCall(ctx context.Context) error {
	err := s.calls.AcceptCall(ctx)
	s.callError(err)
	return err
}

func (s *Session) DeclineCall() error {
	err := s.calls.DeclineCall()
	s.callError(err)
	return err
}

func (s *Session) EndCall() {
	s.calls.EndCall()
}

func (s *Session) callError(err error) {
	switch {
	case err == nil, errors.Is(err, call.ErrAborted):
	case errors.Is(err, call.ErrBusy):
		s.publish("already in a call", err)
	case errors.Is(err, call.ErrNoIncomingCall):
		s.publish("no incoming call", err)
	case errors.Is(err, call.ErrMediaUnavailable):
		s.publish("microphone unavailable", err)
	default:
		s.publish("call failed", err)
	}
}
