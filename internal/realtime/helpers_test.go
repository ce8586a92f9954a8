package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/auth"
)

type fakeTransport struct {
	mu          sync.Mutex
	frames      [][]byte
	sendErr     error
	closePanics bool
	closeErr    error
	closed      bool
	closeCode   int
	closeReason string
}

func (f *fakeTransport) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, payload)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	if f.closePanics {
		panic("transport exploded")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	return f.closeErr
}

func (f *fakeTransport) messages(t *testing.T) []Outbound {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	decoded := make([]Outbound, 0, len(f.frames))
	for _, frame := range f.frames {
		var message Outbound
		if err := json.Unmarshal(frame, &message); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		decoded = append(decoded, message)
	}
	return decoded
}

type fakeVerifier struct {
	principals map[string]auth.Principal
}

func (f fakeVerifier) Verify(_ context.Context, token string) (auth.Principal, error) {
	principal, ok := f.principals[token]
	if !ok {
		return auth.Principal{}, auth.ErrInvalidSessionToken
	}
	return principal, nil
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var errBrokenPipe = errors.New("broken pipe")

func newTestRegistries(t *testing.T, clock func() time.Time) (*ConnectionRegistry, *RoomRegistry) {
	t.Helper()
	rooms := NewRoomRegistry()
	connections, err := NewConnectionRegistry(ConnectionRegistryConfig{
		Rooms: rooms,
		Verifier: fakeVerifier{principals: map[string]auth.Principal{
			"token-u1": {ID: "u1", DisplayName: "Una", Role: auth.RoleStudent},
			"token-l1": {ID: "l1", DisplayName: "Lev", Role: auth.RoleLecturer},
		}},
		Clock: clock,
	})
	if err != nil {
		t.Fatalf("new connection registry: %v", err)
	}
	return connections, rooms
}
