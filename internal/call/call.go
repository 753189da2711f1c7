// Package call runs the single process-wide call signaling session on top of
// the event channel and a peer-connection primitive.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/4xmen/messagehub/internal/metrics"
	"github.com/4xmen/messagehub/internal/models"
)

var (
	ErrBusy             = errors.New("call: another call is in progress")
	ErrNoIncomingCall   = errors.New("call: no incoming call to answer")
	ErrAborted          = errors.New("call: call ended during setup")
	ErrMediaUnavailable = errors.New("call: microphone unavailable")
	ErrNegotiation      = errors.New("call: negotiation failed")
	ErrNoPeer           = errors.New("call: peer id is required")
)

const (
	DefaultRingTimeout   = 45 * time.Second
	maxBufferedCandidate = 64
)

type Phase int

const (
	Idle Phase = iota
	Calling
	Ringing
	Connected
)

func (p Phase) String() string {
	switch p {
	case Calling:
		return "calling"
	case Ringing:
		return "ringing"
	case Connected:
		return "connected"
	default:
		return "idle"
	}
}

type Role int

const (
	Caller Role = iota + 1
	Callee
)

// Change describes a phase transition. Reason is a short machine-readable
// cause such as "declined" or "remote_hangup".
type Change struct {
	Phase  Phase
	PeerID string
	Role   Role
	Reason string
}

type Option func(*Machine)

func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) { m.log = l }
}

func WithICEServers(servers []ICEServer) Option {
	return func(m *Machine) { m.ice = servers }
}

func WithRingTimeout(d time.Duration) Option {
	return func(m *Machine) { m.ringTimeout = d }
}

// WithFocuser moves the active conversation to the caller on accept.
func WithFocuser(f Focuser) Option {
	return func(m *Machine) { m.focus = f }
}

// WithChangeHandler observes phase transitions. It runs with the machine
// lock held and must not call back into the Machine.
func WithChangeHandler(fn func(Change)) Option {
	return func(m *Machine) { m.onChange = fn }
}

// session is replaced wholesale on every mutation; callers holding an old
// value compare epochs to detect that their call is gone.
type session struct {
	epoch     uint64
	peerID    string
	role      Role
	phase     Phase
	media     LocalMedia
	conn      Peer
	offer     *models.SessionDescription
	accepting bool
	answering bool
	remoteSet bool
	signaled  bool
	remote    []models.ICECandidate // inbound, waiting for a remote description
	local     []models.ICECandidate // outbound, waiting for the offer or answer
	timer     *time.Timer
}

func (s *session) clone() *session {
	c := *s
	return &c
}

type Machine struct {
	emitter     Emitter
	media       MediaSource
	peers       PeerFactory
	focus       Focuser
	ice         []ICEServer
	ringTimeout time.Duration
	log         *slog.Logger
	onChange    func(Change)

	mu    sync.Mutex
	epoch uint64
	cur   *session
	dead  []*session // torn down, released by unlock
}

func New(emitter Emitter, media MediaSource, peers PeerFactory, opts ...Option) *Machine {
	m := &Machine{
		emitter:     emitter,
		media:       media,
		peers:       peers,
		ringTimeout: DefaultRingTimeout,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// unlock releases the lock, then the resources of any session torn down
// while it was held.
func (m *Machine) unlock() {
	dead := m.dead
	m.dead = nil
	m.mu.Unlock()
	for _, s := range dead {
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				m.log.Debug("close peer connection", "peer", s.peerID, "error", err)
			}
		}
		if s.media != nil {
			s.media.Stop()
		}
	}
}

func (m *Machine) currentLocked(epoch uint64) (*session, bool) {
	if m.cur == nil || m.cur.epoch != epoch {
		return nil, false
	}
	return m.cur, true
}

func (m *Machine) setLocked(next *session, reason string) {
	prev := m.cur
	m.cur = next
	if prev == nil || prev.phase != next.phase {
		m.changedLocked(Change{Phase: next.phase, PeerID: next.peerID, Role: next.role, Reason: reason})
	}
}

func (m *Machine) changedLocked(c Change) {
	metrics.CallPhases.WithLabelValues(c.Phase.String()).Inc()
	m.log.Info("call phase", "phase", c.Phase.String(), "peer", c.PeerID, "reason", c.Reason)
	if m.onChange != nil {
		m.onChange(c)
	}
}

// teardownLocked returns the machine to Idle. The peer is told with end-call
// only when notify is set and it has seen our side of the negotiation.
func (m *Machine) teardownLocked(s *session, notify bool, reason string) {
	if s.timer != nil {
		s.timer.Stop()
	}
	m.cur = nil
	m.dead = append(m.dead, s)
	if notify && (s.role == Callee || s.signaled) {
		if err := m.emitter.Emit(models.EventEndCall, models.EndCall{To: s.peerID}); err != nil {
			m.log.Warn("send end-call", "peer", s.peerID, "error", err)
		}
	}
	m.changedLocked(Change{Phase: Idle, PeerID: s.peerID, Role: s.role, Reason: reason})
}

func (m *Machine) end(epoch uint64, notify bool, reason string) {
	m.mu.Lock()
	defer m.unlock()
	if s, ok := m.currentLocked(epoch); ok {
		m.teardownLocked(s, notify, reason)
	}
}

// StartCall dials peerID. It returns once the offer is sent; the answer
// arrives later through HandleAnswer.
func (m *Machine) StartCall(ctx context.Context, peerID string) error {
	if peerID == "" {
		return ErrNoPeer
	}

	m.mu.Lock()
	if m.cur != nil {
		m.unlock()
		return ErrBusy
	}
	m.epoch++
	s := &session{epoch: m.epoch, peerID: peerID, role: Caller, phase: Calling}
	m.setLocked(s, "dialing")
	m.unlock()

	conn, err := m.prepare(ctx, s)
	if err != nil {
		return err
	}

	offer, err := conn.CreateOffer(ctx)

	m.mu.Lock()
	defer m.unlock()
	cur, ok := m.currentLocked(s.epoch)
	if !ok {
		return ErrAborted
	}
	if err != nil {
		m.teardownLocked(cur, false, "offer_failed")
		return fmt.Errorf("%w: create offer: %v", ErrNegotiation, err)
	}
	if err := m.emitter.Emit(models.EventCallUser, models.CallUser{To: peerID, Offer: offer}); err != nil {
		m.teardownLocked(cur, false, "signaling_failed")
		return fmt.Errorf("call: send offer: %w", err)
	}

	next := cur.clone()
	next.signaled = true
	next.timer = m.ringTimer(next.epoch)
	m.flushLocalLocked(next)
	m.setLocked(next, "offer_sent")
	return nil
}

// prepare acquires media and builds the peer for s. On failure the session
// is already back to Idle, silently.
func (m *Machine) prepare(ctx context.Context, s *session) (Peer, error) {
	media, err := m.media.Acquire(ctx)

	m.mu.Lock()
	cur, ok := m.currentLocked(s.epoch)
	if !ok {
		m.unlock()
		if media != nil {
			media.Stop()
		}
		return nil, ErrAborted
	}
	if err != nil {
		m.teardownLocked(cur, false, "media_unavailable")
		m.unlock()
		return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
	}
	next := cur.clone()
	next.media = media
	m.setLocked(next, "")
	m.unlock()

	conn, err := m.peers.NewPeer(m.ice)
	if err != nil {
		m.end(s.epoch, false, "peer_failed")
		return nil, fmt.Errorf("%w: create peer connection: %v", ErrNegotiation, err)
	}
	epoch := s.epoch
	conn.OnICECandidate(func(c models.ICECandidate) { m.localCandidate(epoch, c) })
	conn.OnConnectionStateChange(func(st ConnectionState) { m.connectionState(epoch, st) })
	for _, track := range media.Tracks() {
		if err := conn.AddTrack(track); err != nil {
			_ = conn.Close()
			m.end(epoch, false, "peer_failed")
			return nil, fmt.Errorf("%w: add track: %v", ErrNegotiation, err)
		}
	}

	m.mu.Lock()
	cur, ok = m.currentLocked(epoch)
	if !ok {
		m.unlock()
		_ = conn.Close()
		return nil, ErrAborted
	}
	next = cur.clone()
	next.conn = conn
	m.setLocked(next, "")
	m.unlock()
	return conn, nil
}

// AcceptCall answers the ringing call and moves the conversation to the
// caller.
func (m *Machine) AcceptCall(ctx context.Context) error {
	m.mu.Lock()
	cur := m.cur
	if cur == nil || cur.phase != Ringing || cur.accepting {
		m.unlock()
		return ErrNoIncomingCall
	}
	s := cur.clone()
	s.accepting = true
	m.setLocked(s, "")
	offer := *s.offer
	from := s.peerID
	m.unlock()

	conn, err := m.prepare(ctx, s)
	if err != nil {
		return err
	}

	if err := conn.SetRemoteDescription(offer); err != nil {
		m.end(s.epoch, true, "bad_offer")
		return fmt.Errorf("%w: apply offer: %v", ErrNegotiation, err)
	}

	m.mu.Lock()
	cur, ok := m.currentLocked(s.epoch)
	if !ok {
		m.unlock()
		return ErrAborted
	}
	next := cur.clone()
	next.remoteSet = true
	buffered := next.remote
	next.remote = nil
	m.setLocked(next, "")
	m.unlock()
	m.addCandidates(conn, from, buffered)

	answer, err := conn.CreateAnswer(ctx)

	m.mu.Lock()
	cur, ok = m.currentLocked(s.epoch)
	if !ok {
		m.unlock()
		return ErrAborted
	}
	if err != nil {
		m.teardownLocked(cur, true, "answer_failed")
		m.unlock()
		return fmt.Errorf("%w: create answer: %v", ErrNegotiation, err)
	}
	if err := m.emitter.Emit(models.EventMakeAnswer, models.MakeAnswer{To: from, Answer: answer}); err != nil {
		m.teardownLocked(cur, true, "signaling_failed")
		m.unlock()
		return fmt.Errorf("call: send answer: %w", err)
	}
	next = cur.clone()
	next.signaled = true
	next.offer = nil
	next.accepting = false
	next.phase = Connected
	m.flushLocalLocked(next)
	m.setLocked(next, "answered")
	m.unlock()

	if m.focus != nil {
		m.focus.Focus(from)
	}
	return nil
}

// DeclineCall rejects the ringing call and tells the caller.
func (m *Machine) DeclineCall() error {
	m.mu.Lock()
	defer m.unlock()
	cur := m.cur
	if cur == nil || cur.phase != Ringing || cur.accepting {
		return ErrNoIncomingCall
	}
	m.teardownLocked(cur, true, "declined")
	return nil
}

// EndCall hangs up whatever call is in progress. It is a no-op when Idle.
func (m *Machine) EndCall() {
	m.mu.Lock()
	defer m.unlock()
	if m.cur != nil {
		m.teardownLocked(m.cur, true, "hangup")
	}
}

// HandleCallMade records an incoming offer. A second caller is turned away
// while a call is in progress; an offer from the peer being called ends both
// attempts.
func (m *Machine) HandleCallMade(in models.CallMade) {
	if in.From == "" || !in.Offer.Valid() || in.Offer.Type != "offer" {
		m.log.Warn("dropping malformed call-made", "from", in.From)
		return
	}

	m.mu.Lock()
	defer m.unlock()
	if cur := m.cur; cur != nil {
		if cur.peerID != in.From {
			m.log.Info("rejecting call while busy", "from", in.From, "current", cur.peerID)
			if err := m.emitter.Emit(models.EventEndCall, models.EndCall{To: in.From}); err != nil {
				m.log.Warn("send end-call", "peer", in.From, "error", err)
			}
			return
		}
		if cur.role == Caller {
			// Both sides dialed each other. Each abandons its own attempt
			// and rejects the other, so neither waits for the ring timeout.
			m.log.Info("call collision, ending", "peer", in.From)
			if err := m.emitter.Emit(models.EventEndCall, models.EndCall{To: in.From}); err != nil {
				m.log.Warn("send end-call", "peer", in.From, "error", err)
			}
			m.teardownLocked(cur, false, "glare")
			return
		}
		if cur.phase == Ringing && !cur.accepting {
			next := cur.clone()
			offer := in.Offer
			next.offer = &offer
			m.setLocked(next, "")
		}
		return
	}

	m.epoch++
	offer := in.Offer
	m.setLocked(&session{epoch: m.epoch, peerID: in.From, role: Callee, phase: Ringing, offer: &offer}, "incoming")
}

// HandleAnswer completes an outbound call.
func (m *Machine) HandleAnswer(in models.AnswerMade) {
	m.mu.Lock()
	cur := m.cur
	if cur == nil || cur.role != Caller || cur.phase != Calling || !cur.signaled || cur.answering {
		m.unlock()
		m.log.Debug("dropping unexpected answer-made", "from", in.From)
		return
	}
	if in.From != "" && in.From != cur.peerID {
		m.unlock()
		m.log.Debug("dropping answer-made from another peer", "from", in.From)
		return
	}
	if !in.Answer.Valid() || in.Answer.Type != "answer" {
		m.log.Warn("malformed answer, ending call", "peer", cur.peerID)
		m.teardownLocked(cur, true, "bad_answer")
		m.unlock()
		return
	}
	next := cur.clone()
	next.answering = true
	m.setLocked(next, "")
	epoch, conn := next.epoch, next.conn
	m.unlock()

	err := conn.SetRemoteDescription(in.Answer)

	m.mu.Lock()
	cur, ok := m.currentLocked(epoch)
	if !ok {
		m.unlock()
		return
	}
	if err != nil {
		m.log.Warn("apply answer", "peer", cur.peerID, "error", err)
		m.teardownLocked(cur, true, "bad_answer")
		m.unlock()
		return
	}
	if cur.timer != nil {
		cur.timer.Stop()
	}
	next = cur.clone()
	next.timer = nil
	next.remoteSet = true
	next.answering = false
	next.phase = Connected
	buffered := next.remote
	next.remote = nil
	m.setLocked(next, "answered")
	peerID := next.peerID
	m.unlock()

	m.addCandidates(conn, peerID, buffered)
}

// HandleICECandidate adds a remote candidate, buffering it until the remote
// description is in place.
func (m *Machine) HandleICECandidate(in models.InboundCandidate) {
	if in.Candidate.Candidate == "" {
		return
	}

	m.mu.Lock()
	cur := m.cur
	if cur == nil {
		m.unlock()
		m.log.Debug("dropping ice-candidate while idle", "from", in.From)
		return
	}
	if in.From != "" && in.From != cur.peerID {
		m.unlock()
		m.log.Debug("dropping ice-candidate from another peer", "from", in.From)
		return
	}
	if cur.conn == nil || !cur.remoteSet {
		if len(cur.remote) >= maxBufferedCandidate {
			m.unlock()
			m.log.Warn("candidate buffer full, dropping", "peer", cur.peerID)
			return
		}
		next := cur.clone()
		next.remote = append(slices.Clip(cur.remote), in.Candidate)
		m.setLocked(next, "")
		m.unlock()
		return
	}
	conn, peerID := cur.conn, cur.peerID
	m.unlock()

	m.addCandidates(conn, peerID, []models.ICECandidate{in.Candidate})
}

// HandleCallEnded tears down the call when its peer hangs up.
func (m *Machine) HandleCallEnded(in models.CallEnded) {
	m.mu.Lock()
	defer m.unlock()
	cur := m.cur
	if cur == nil {
		return
	}
	if in.From != "" && in.From != cur.peerID {
		m.log.Debug("ignoring call-ended from another peer", "from", in.From)
		return
	}
	m.teardownLocked(cur, false, "remote_hangup")
}

func (m *Machine) addCandidates(conn Peer, peerID string, cs []models.ICECandidate) {
	for _, c := range cs {
		if err := conn.AddICECandidate(c); err != nil {
			m.log.Warn("add ice candidate", "peer", peerID, "error", err)
		}
	}
}

func (m *Machine) localCandidate(epoch uint64, c models.ICECandidate) {
	m.mu.Lock()
	defer m.unlock()
	cur, ok := m.currentLocked(epoch)
	if !ok {
		return
	}
	if !cur.signaled {
		next := cur.clone()
		next.local = append(slices.Clip(cur.local), c)
		m.setLocked(next, "")
		return
	}
	m.emitCandidateLocked(cur.peerID, c)
}

func (m *Machine) flushLocalLocked(s *session) {
	for _, c := range s.local {
		m.emitCandidateLocked(s.peerID, c)
	}
	s.local = nil
}

func (m *Machine) emitCandidateLocked(to string, c models.ICECandidate) {
	if err := m.emitter.Emit(models.EventICECandidate, models.OutboundCandidate{To: to, Candidate: c}); err != nil {
		m.log.Warn("send ice-candidate", "peer", to, "error", err)
	}
}

func (m *Machine) connectionState(epoch uint64, st ConnectionState) {
	m.log.Debug("peer connection state", "state", st.String())
	if st == StateFailed {
		m.end(epoch, true, "connection_failed")
	}
}

func (m *Machine) ringTimer(epoch uint64) *time.Timer {
	if m.ringTimeout <= 0 {
		return nil
	}
	return time.AfterFunc(m.ringTimeout, func() {
		m.mu.Lock()
		defer m.unlock()
		if cur, ok := m.currentLocked(epoch); ok && cur.phase == Calling {
			m.teardownLocked(cur, true, "no_answer")
		}
	})
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return Idle
	}
	return m.cur.phase
}

// Peer returns the other party of the current call, or "" when Idle.
func (m *Machine) Peer() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return ""
	}
	return m.cur.peerID
}

// Incoming reports the caller of a ringing call that has not been answered.
func (m *Machine) Incoming() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil || m.cur.phase != Ringing || m.cur.accepting {
		return "", false
	}
	return m.cur.peerID, true
}
