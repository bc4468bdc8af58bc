package rooms

import (
	"context"
	"errors"
	"testing"
	"time"

	"murmur/internal/identity"
	"murmur/internal/matrix"
)

type fakeClient struct {
	resolveAlias   func(ctx context.Context, alias string) (string, error)
	deleteAlias    func(ctx context.Context, alias string) error
	createRoom     func(ctx context.Context, req matrix.CreateRoomRequest) (string, error)
	joinRoom       func(ctx context.Context, roomID, asUser string) error
	sendStateEvent func(ctx context.Context, roomID, eventType, stateKey string, content any) error
}

func (f *fakeClient) ResolveAlias(ctx context.Context, alias string) (string, error) {
	return f.resolveAlias(ctx, alias)
}

func (f *fakeClient) DeleteAlias(ctx context.Context, alias string) error {
	if f.deleteAlias == nil {
		return nil
	}
	return f.deleteAlias(ctx, alias)
}

func (f *fakeClient) CreateRoom(ctx context.Context, req matrix.CreateRoomRequest) (string, error) {
	return f.createRoom(ctx, req)
}

func (f *fakeClient) JoinRoom(ctx context.Context, roomID, asUser string) error {
	if f.joinRoom == nil {
		return nil
	}
	return f.joinRoom(ctx, roomID, asUser)
}

func (f *fakeClient) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content any) error {
	if f.sendStateEvent == nil {
		return nil
	}
	return f.sendStateEvent(ctx, roomID, eventType, stateKey, content)
}

func (f *fakeClient) SendMessage(ctx context.Context, roomID string, content any, asUser string) (string, error) {
	return "", errors.New("not implemented")
}

func (f *fakeClient) RedactEvent(ctx context.Context, roomID, eventID, reason, asUser string) error {
	return errors.New("not implemented")
}

func (f *fakeClient) SetDisplayName(ctx context.Context, userID, name string) error {
	return nil
}

func (f *fakeClient) GetProfile(ctx context.Context, userID string) (matrix.ProfileResponse, error) {
	return matrix.ProfileResponse{}, errors.New("not implemented")
}

func (f *fakeClient) Sync(ctx context.Context, since string, timeout time.Duration) (*matrix.SyncResponse, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeClient) DownloadMedia(ctx context.Context, mxcURI string) ([]byte, string, error) {
	return nil, "", errors.New("not implemented")
}

func notFound() error {
	return &matrix.APIError{StatusCode: 404, Code: "M_NOT_FOUND", Message: "not found"}
}

func conflict() error {
	return &matrix.APIError{StatusCode: 400, Code: "M_ROOM_IN_USE", Message: "alias taken"}
}

func mustTenant(t *testing.T, s string) identity.TenantID {
	t.Helper()
	id, err := identity.ParseTenantID(s)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestEnsureTenantSpaceCachesResolution(t *testing.T) {
	resolves := 0
	fc := &fakeClient{
		resolveAlias: func(_ context.Context, alias string) (string, error) {
			resolves++
			if alias != "#murmur_acme:example.org" {
				t.Errorf("alias = %q", alias)
			}
			return "!space:example.org", nil
		},
	}
	r := NewRouter(fc, "example.org", "murmur", "")

	tn := mustTenant(t, "acme")
	for i := 0; i < 3; i++ {
		got, err := r.EnsureTenantSpace(context.Background(), tn)
		if err != nil {
			t.Fatalf("EnsureTenantSpace: %v", err)
		}
		if got != "!space:example.org" {
			t.Errorf("space = %q", got)
		}
	}
	if resolves != 1 {
		t.Errorf("directory hit %d times, want 1", resolves)
	}
}

func TestEnsureTenantSpaceCreatesOnMiss(t *testing.T) {
	fc := &fakeClient{
		resolveAlias: func(context.Context, string) (string, error) { return "", notFound() },
		createRoom: func(_ context.Context, req matrix.CreateRoomRequest) (string, error) {
			if !req.IsSpace {
				t.Error("container not created as space")
			}
			if req.AliasLocalpart != "murmur_acme" {
				t.Errorf("alias localpart = %q", req.AliasLocalpart)
			}
			return "!new:example.org", nil
		},
	}
	r := NewRouter(fc, "example.org", "murmur", "")

	got, err := r.EnsureTenantSpace(context.Background(), mustTenant(t, "acme"))
	if err != nil {
		t.Fatalf("EnsureTenantSpace: %v", err)
	}
	if got != "!new:example.org" {
		t.Errorf("space = %q", got)
	}
}

func TestEnsureTenantSpaceLosingRaceResolvesWinner(t *testing.T) {
	calls := 0
	fc := &fakeClient{
		resolveAlias: func(context.Context, string) (string, error) {
			calls++
			if calls == 1 {
				return "", notFound()
			}
			return "!winner:example.org", nil
		},
		createRoom: func(context.Context, matrix.CreateRoomRequest) (string, error) {
			return "", conflict()
		},
	}
	r := NewRouter(fc, "example.org", "murmur", "")

	got, err := r.EnsureTenantSpace(context.Background(), mustTenant(t, "acme"))
	if err != nil {
		t.Fatalf("EnsureTenantSpace: %v", err)
	}
	if got != "!winner:example.org" {
		t.Errorf("space = %q", got)
	}
}

func TestEnsureThreadRoomResolvesAndJoins(t *testing.T) {
	joined := ""
	fc := &fakeClient{
		resolveAlias: func(_ context.Context, alias string) (string, error) {
			if alias != "#acme_post-1:example.org" {
				t.Errorf("alias = %q", alias)
			}
			return "!thread:example.org", nil
		},
		joinRoom: func(_ context.Context, roomID, asUser string) error {
			joined = roomID
			if asUser != "" {
				t.Errorf("joined as %q, want service identity", asUser)
			}
			return nil
		},
	}
	r := NewRouter(fc, "example.org", "murmur", "")

	got, err := r.EnsureThreadRoom(context.Background(), mustTenant(t, "acme"), "post-1")
	if err != nil {
		t.Fatalf("EnsureThreadRoom: %v", err)
	}
	if got != "!thread:example.org" || joined != "!thread:example.org" {
		t.Errorf("room = %q, joined = %q", got, joined)
	}
}

func TestEnsureThreadRoomCreatesAndLinks(t *testing.T) {
	var linkedRoom, linkedSpace string
	var created matrix.CreateRoomRequest
	fc := &fakeClient{
		resolveAlias: func(_ context.Context, alias string) (string, error) {
			if alias == "#murmur_acme:example.org" {
				return "!space:example.org", nil
			}
			return "", notFound()
		},
		createRoom: func(_ context.Context, req matrix.CreateRoomRequest) (string, error) {
			created = req
			return "!thread:example.org", nil
		},
		sendStateEvent: func(_ context.Context, roomID, eventType, stateKey string, content any) error {
			if eventType != spaceChildEventType {
				t.Errorf("event type = %q", eventType)
			}
			linkedSpace, linkedRoom = roomID, stateKey
			return nil
		},
	}
	r := NewRouter(fc, "example.org", "murmur", "@owner:example.org")

	got, err := r.EnsureThreadRoom(context.Background(), mustTenant(t, "acme"), "post-1")
	if err != nil {
		t.Fatalf("EnsureThreadRoom: %v", err)
	}
	if got != "!thread:example.org" {
		t.Errorf("room = %q", got)
	}
	if created.AliasLocalpart != "acme_post-1" {
		t.Errorf("alias localpart = %q", created.AliasLocalpart)
	}
	if len(created.Invite) != 1 || created.Invite[0] != "@owner:example.org" {
		t.Errorf("invite = %v", created.Invite)
	}
	if created.PowerLevelUsers["@owner:example.org"] != ownerPowerLevel {
		t.Errorf("power levels = %v", created.PowerLevelUsers)
	}
	if linkedSpace != "!space:example.org" || linkedRoom != "!thread:example.org" {
		t.Errorf("linked %q into %q", linkedRoom, linkedSpace)
	}
}

func TestEnsureThreadRoomRepairsUnjoinable(t *testing.T) {
	deleted := ""
	resolveCalls := 0
	fc := &fakeClient{
		resolveAlias: func(_ context.Context, alias string) (string, error) {
			if alias == "#murmur_acme:example.org" {
				return "!space:example.org", nil
			}
			resolveCalls++
			if resolveCalls == 1 {
				return "!stale:example.org", nil
			}
			return "", notFound()
		},
		joinRoom: func(_ context.Context, roomID, _ string) error {
			if roomID == "!stale:example.org" {
				return &matrix.APIError{StatusCode: 403, Code: "M_FORBIDDEN", Message: "gone"}
			}
			return nil
		},
		deleteAlias: func(_ context.Context, alias string) error {
			deleted = alias
			return nil
		},
		createRoom: func(context.Context, matrix.CreateRoomRequest) (string, error) {
			return "!fresh:example.org", nil
		},
	}
	r := NewRouter(fc, "example.org", "murmur", "")

	got, err := r.EnsureThreadRoom(context.Background(), mustTenant(t, "acme"), "post-1")
	if err != nil {
		t.Fatalf("EnsureThreadRoom: %v", err)
	}
	if got != "!fresh:example.org" {
		t.Errorf("room = %q", got)
	}
	if deleted != "#acme_post-1:example.org" {
		t.Errorf("retired alias = %q", deleted)
	}
}

func TestEnsureThreadRoomLosingRaceJoinsWinner(t *testing.T) {
	resolveCalls := 0
	joined := ""
	fc := &fakeClient{
		resolveAlias: func(_ context.Context, alias string) (string, error) {
			if alias == "#murmur_acme:example.org" {
				return "!space:example.org", nil
			}
			resolveCalls++
			if resolveCalls == 1 {
				return "", notFound()
			}
			return "!winner:example.org", nil
		},
		createRoom: func(context.Context, matrix.CreateRoomRequest) (string, error) {
			return "", conflict()
		},
		joinRoom: func(_ context.Context, roomID, _ string) error {
			joined = roomID
			return nil
		},
	}
	r := NewRouter(fc, "example.org", "murmur", "")

	got, err := r.EnsureThreadRoom(context.Background(), mustTenant(t, "acme"), "post-1")
	if err != nil {
		t.Fatalf("EnsureThreadRoom: %v", err)
	}
	if got != "!winner:example.org" || joined != "!winner:example.org" {
		t.Errorf("room = %q, joined = %q", got, joined)
	}
}
