package call

import (
	"context"

	"github.com/4xmen/messagehub/internal/models"
)

// Track is an opaque local media track handed from a MediaSource to a Peer.
type Track interface {
	ID() string
}

// LocalMedia is an acquired capture resource. Stop releases every track.
type LocalMedia interface {
	Tracks() []Track
	Stop()
}

// MediaSource acquires local audio. Acquire may block on a consent prompt.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "new"
	}
}

// Peer is the peer-connection primitive. CreateOffer and CreateAnswer also
// apply the result as the local description.
type Peer interface {
	AddTrack(Track) error
	OnICECandidate(func(models.ICECandidate))
	OnConnectionStateChange(func(ConnectionState))
	CreateOffer(ctx context.Context) (models.SessionDescription, error)
	CreateAnswer(ctx context.Context) (models.SessionDescription, error)
	SetRemoteDescription(models.SessionDescription) error
	AddICECandidate(models.ICECandidate) error
	Close() error
}

type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

type PeerFactory interface {
	NewPeer(servers []ICEServer) (Peer, error)
}

type Emitter interface {
	Emit(event string, payload any) error
}

// Focuser moves the active conversation to a peer without blocking.
type Focuser interface {
	Focus(peerID string)
}
