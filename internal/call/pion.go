package call

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/4xmen/messagehub/internal/models"
)

// PionFactory builds peers on pion/webrtc. Remote tracks go to OnRemoteTrack
// when set and are drained otherwise.
type PionFactory struct {
	API           *webrtc.API
	OnRemoteTrack func(*webrtc.TrackRemote)
}

func (f PionFactory) NewPeer(servers []ICEServer) (Peer, error) {
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		cfg.ICEServers = append(cfg.ICEServers, srv)
	}

	var (
		pc  *webrtc.PeerConnection
		err error
	)
	if f.API != nil {
		pc, err = f.API.NewPeerConnection(cfg)
	} else {
		pc, err = webrtc.NewPeerConnection(cfg)
	}
	if err != nil {
		return nil, err
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if f.OnRemoteTrack != nil {
			f.OnRemoteTrack(track)
			return
		}
		for {
			if _, _, err := track.ReadRTP(); err != nil {
				return
			}
		}
	})
	return &pionPeer{pc: pc}, nil
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) AddTrack(t Track) error {
	local, ok := t.(webrtc.TrackLocal)
	if !ok {
		return fmt.Errorf("call: track %s is not a pion track", t.ID())
	}
	_, err := p.pc.AddTrack(local)
	return err
}

func (p *pionPeer) OnICECandidate(fn func(models.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		j := c.ToJSON()
		fn(models.ICECandidate{
			Candidate:        j.Candidate,
			SDPMid:           j.SDPMid,
			SDPMLineIndex:    j.SDPMLineIndex,
			UsernameFragment: j.UsernameFragment,
		})
	})
}

func (p *pionPeer) OnConnectionStateChange(fn func(ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnecting:
			fn(StateConnecting)
		case webrtc.PeerConnectionStateConnected:
			fn(StateConnected)
		case webrtc.PeerConnectionStateDisconnected:
			fn(StateDisconnected)
		case webrtc.PeerConnectionStateFailed:
			fn(StateFailed)
		case webrtc.PeerConnectionStateClosed:
			fn(StateClosed)
		}
	})
}

func (p *pionPeer) CreateOffer(ctx context.Context) (models.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return models.SessionDescription{}, err
	}
	return models.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (p *pionPeer) CreateAnswer(ctx context.Context) (models.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return models.SessionDescription{}, err
	}
	return models.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (p *pionPeer) SetRemoteDescription(d models.SessionDescription) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP})
}

func (p *pionPeer) AddICECandidate(c models.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceSource provides an Opus track that carries silence. It stands in
// for a capture device on headless clients.
type SilenceSource struct{}

func (SilenceSource) Acquire(ctx context.Context) (LocalMedia, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "messagehub",
	)
	if err != nil {
		return nil, err
	}

	s := &silence{track: track, stop: make(chan struct{})}
	go s.pump()
	return s, nil
}

type silence struct {
	track *webrtc.TrackLocalStaticSample
	stop  chan struct{}
	once  sync.Once
}

func (s *silence) pump() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			// Errors before the track is bound are expected.
			_ = s.track.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond})
		}
	}
}

func (s *silence) Tracks() []Track { return []Track{s.track} }

func (s *silence) Stop() { s.once.Do(func() { close(s.stop) }) }
