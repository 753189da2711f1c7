package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeLoader struct {
	mu    sync.Mutex
	peer  string
	ready bool
	calls []string
	err   error
}

func (l *fakeLoader) SelectConversation(ctx context.Context, peerID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, peerID)
	l.peer = peerID
	l.ready = l.err == nil
	return l.err
}

func (l *fakeLoader) Peer() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.peer
}

func (l *fakeLoader) Ready() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ready
}

func (l *fakeLoader) loads() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func TestSelectRejectsSelfAndEmpty(t *testing.T) {
	l := &fakeLoader{}
	s := New("me", l)

	if err := s.Select(context.Background(), ""); !errors.Is(err, ErrNoPeer) {
		t.Errorf("Select(\"\") = %v, want ErrNoPeer", err)
	}
	if err := s.Select(context.Background(), "me"); !errors.Is(err, ErrSelf) {
		t.Errorf("Select(self) = %v, want ErrSelf", err)
	}
	if len(l.loads()) != 0 {
		t.Fatalf("loader called for rejected peers: %v", l.loads())
	}
}

func TestSelectSamePeerIsNoop(t *testing.T) {
	l := &fakeLoader{}
	s := New("me", l)

	for i := 0; i < 2; i++ {
		if err := s.Select(context.Background(), "u2"); err != nil {
			t.Fatalf("Select: %v", err)
		}
	}
	if got := l.loads(); len(got) != 1 {
		t.Fatalf("loads = %v, want one", got)
	}
	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := l.loads(); len(got) != 2 {
		t.Fatalf("Refresh did not reload: %v", got)
	}
	if s.Active() != "u2" {
		t.Fatalf("Active = %q", s.Active())
	}
}

func TestFailedSelectCanBeRetried(t *testing.T) {
	l := &fakeLoader{err: errors.New("boom")}
	s := New("me", l)

	if err := s.Select(context.Background(), "u2"); err == nil {
		t.Fatal("expected the load error")
	}
	l.mu.Lock()
	l.err = nil
	l.mu.Unlock()
	if err := s.Select(context.Background(), "u2"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := l.loads(); len(got) != 2 {
		t.Fatalf("loads = %v, want two", got)
	}
}

func TestRefreshWithoutSelection(t *testing.T) {
	s := New("me", &fakeLoader{})
	if err := s.Refresh(context.Background()); !errors.Is(err, ErrNoPeer) {
		t.Fatalf("Refresh = %v, want ErrNoPeer", err)
	}
}

func TestFocusReportsErrors(t *testing.T) {
	l := &fakeLoader{err: errors.New("offline")}
	failed := make(chan string, 1)
	s := New("me", l, WithErrorHandler(func(peer string, err error) { failed <- peer }))
	defer s.Close()

	s.Focus("u1")

	select {
	case peer := <-failed:
		if peer != "u1" {
			t.Fatalf("error for %q, want u1", peer)
		}
	case <-time.After(time.Second):
		t.Fatal("Focus error not reported")
	}
	if s.Active() != "u1" {
		t.Fatalf("Active = %q, want u1", s.Active())
	}
}
