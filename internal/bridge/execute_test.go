package bridge

import (
	"context"
	"errors"
	"testing"

	"murmur/internal/identity"
	"murmur/internal/matrix"
	"murmur/internal/protocol"
	"murmur/internal/rooms"
	"murmur/internal/store"
)

const testSalt = "test-salt"

func newTestExecutor(st Store, net matrix.Client) *Executor {
	router := rooms.NewRouter(net, "example.org", "murmur", "")
	return NewExecutor(st, net, router, "example.org", testBotLocalpart, testSalt)
}

func acme(t *testing.T) identity.TenantID {
	t.Helper()
	id, err := identity.ParseTenantID("acme")
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestSendCommentAsGhost(t *testing.T) {
	var sentAs, sentRoom string
	var sentContent protocol.MessageContent
	var displayNameUser, displayName string
	joins := map[string]string{}
	net := &fakeNet{
		resolveAlias: func(_ context.Context, alias string) (string, error) {
			return "!thread:example.org", nil
		},
		joinRoom: func(_ context.Context, roomID, asUser string) error {
			joins[asUser] = roomID
			return nil
		},
		setDisplayName: func(_ context.Context, userID, name string) error {
			displayNameUser, displayName = userID, name
			return nil
		},
		sendMessage: func(_ context.Context, roomID string, content any, asUser string) (string, error) {
			sentRoom, sentAs = roomID, asUser
			sentContent = content.(protocol.MessageContent)
			return "$new:example.org", nil
		},
	}
	var mappedRoom string
	st := &fakeStore{
		ensureRoom: func(_ context.Context, roomID, tenant, slug string) error {
			mappedRoom = roomID
			if tenant != "acme" || slug != "post-1" {
				t.Errorf("mapping = %s/%s", tenant, slug)
			}
			return nil
		},
	}
	e := newTestExecutor(st, net)

	cmd := SendComment{
		Tenant:     acme(t),
		Slug:       "post-1",
		Content:    "hi",
		Nickname:   "Ferris",
		GuestToken: "tok-1",
		TxnID:      "txn_1",
	}
	if err := e.Execute(context.Background(), cmd); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	fp := identity.Fingerprint("", "tok-1", testSalt)
	wantGhost := protocol.GhostUserID(testBotLocalpart, fp, "example.org")
	if sentAs != wantGhost {
		t.Errorf("sent as %q, want %q", sentAs, wantGhost)
	}
	if sentRoom != "!thread:example.org" || mappedRoom != "!thread:example.org" {
		t.Errorf("room = %q, mapped = %q", sentRoom, mappedRoom)
	}
	if joins[wantGhost] != "!thread:example.org" {
		t.Errorf("ghost joins = %v", joins)
	}
	if displayNameUser != wantGhost || displayName != "Ferris" {
		t.Errorf("display name %q set for %q", displayName, displayNameUser)
	}
	if sentContent.Metadata == nil || sentContent.Metadata.AuthorFingerprint != fp {
		t.Errorf("metadata = %+v", sentContent.Metadata)
	}
	if sentContent.Metadata.TxnID != "txn_1" || !sentContent.Metadata.IsGuest {
		t.Errorf("metadata = %+v", sentContent.Metadata)
	}
}

func TestSendCommentGhostJoinCachedAcrossSends(t *testing.T) {
	ghostJoins := 0
	net := &fakeNet{
		joinRoom: func(_ context.Context, _ string, asUser string) error {
			if asUser != "" {
				ghostJoins++
			}
			return nil
		},
	}
	e := newTestExecutor(&fakeStore{}, net)

	cmd := SendComment{Tenant: acme(t), Slug: "post-1", Content: "hi", Nickname: "Ferris", GuestToken: "tok"}
	for i := 0; i < 3; i++ {
		if err := e.Execute(context.Background(), cmd); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if ghostJoins != 1 {
		t.Errorf("ghost joins = %d, want 1", ghostJoins)
	}
}

func TestSendCommentMalformedReplySendsUnthreaded(t *testing.T) {
	var sent protocol.MessageContent
	net := &fakeNet{
		sendMessage: func(_ context.Context, _ string, content any, _ string) (string, error) {
			sent = content.(protocol.MessageContent)
			return "$new", nil
		},
	}
	e := newTestExecutor(&fakeStore{}, net)

	cmd := SendComment{Tenant: acme(t), Slug: "post-1", Content: "hi", Nickname: "F", GuestToken: "t", ReplyTo: "not-an-event-id"}
	if err := e.Execute(context.Background(), cmd); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sent.RelatesTo != nil {
		t.Errorf("reply relation attached: %+v", sent.RelatesTo)
	}
}

func TestSendCommentValidReplyThreaded(t *testing.T) {
	var sent protocol.MessageContent
	net := &fakeNet{
		sendMessage: func(_ context.Context, _ string, content any, _ string) (string, error) {
			sent = content.(protocol.MessageContent)
			return "$new", nil
		},
	}
	e := newTestExecutor(&fakeStore{}, net)

	cmd := SendComment{Tenant: acme(t), Slug: "post-1", Content: "hi", Nickname: "F", GuestToken: "t", ReplyTo: "$parent:example.org"}
	if err := e.Execute(context.Background(), cmd); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if sent.RelatesTo == nil || sent.RelatesTo.InReplyTo == nil {
		t.Fatal("reply relation missing")
	}
}

func TestSendCommentRejectsEmptyContent(t *testing.T) {
	e := newTestExecutor(&fakeStore{}, &fakeNet{})
	err := e.Execute(context.Background(), SendComment{Tenant: acme(t), Slug: "p", Content: "  ", Nickname: "F", GuestToken: "t"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestSendCommentRemoteFailureIsTransient(t *testing.T) {
	net := &fakeNet{
		sendMessage: func(context.Context, string, any, string) (string, error) {
			return "", &matrix.APIError{StatusCode: 502, Message: "bad gateway"}
		},
	}
	e := newTestExecutor(&fakeStore{}, net)

	err := e.Execute(context.Background(), SendComment{Tenant: acme(t), Slug: "p", Content: "hi", Nickname: "F", GuestToken: "t"})
	if !errors.Is(err, ErrRemoteTransient) {
		t.Errorf("err = %v, want ErrRemoteTransient", err)
	}
}

func storedComment(fp string) *store.Comment {
	c := &store.Comment{
		ID:         "$c1",
		Tenant:     "acme",
		Slug:       "post-1",
		AuthorName: "Ferris",
		IsGuest:    true,
		Content:    "hi",
	}
	if fp != "" {
		c.AuthorFingerprint = &fp
	}
	return c
}

func TestUserDeleteFingerprintMismatch(t *testing.T) {
	redactions := 0
	st := &fakeStore{
		getComment: func(context.Context, string) (*store.Comment, error) {
			return storedComment("owner-fp"), nil
		},
	}
	net := &fakeNet{
		redactEvent: func(context.Context, string, string, string, string) error {
			redactions++
			return nil
		},
	}
	e := newTestExecutor(st, net)

	err := e.Execute(context.Background(), UserDeleteComment{Tenant: acme(t), Slug: "post-1", CommentID: "$c1", Fingerprint: "intruder-fp"})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
	if redactions != 0 {
		t.Error("redaction issued despite denied permission")
	}
}

func TestUserDeleteUnknownComment(t *testing.T) {
	e := newTestExecutor(&fakeStore{}, &fakeNet{})
	err := e.Execute(context.Background(), UserDeleteComment{Tenant: acme(t), Slug: "post-1", CommentID: "$nope", Fingerprint: "fp"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUserDeleteMatchingFingerprintRedacts(t *testing.T) {
	var redactedID, redactedAs, reason string
	st := &fakeStore{
		getComment: func(context.Context, string) (*store.Comment, error) {
			return storedComment("owner-fp"), nil
		},
	}
	net := &fakeNet{
		redactEvent: func(_ context.Context, _ string, eventID, r, asUser string) error {
			redactedID, reason, redactedAs = eventID, r, asUser
			return nil
		},
	}
	e := newTestExecutor(st, net)

	if err := e.Execute(context.Background(), UserDeleteComment{Tenant: acme(t), Slug: "post-1", CommentID: "$c1", Fingerprint: "owner-fp"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if redactedID != "$c1" || reason != userDeleteReason {
		t.Errorf("redacted %q with reason %q", redactedID, reason)
	}
	if redactedAs != "" {
		t.Errorf("redacted as %q, want service identity", redactedAs)
	}
}

func TestUserEditSendsAsOriginalAuthor(t *testing.T) {
	var sentAs string
	var sent protocol.MessageContent
	st := &fakeStore{
		getComment: func(context.Context, string) (*store.Comment, error) {
			return storedComment("owner-fp"), nil
		},
	}
	net := &fakeNet{
		sendMessage: func(_ context.Context, _ string, content any, asUser string) (string, error) {
			sentAs = asUser
			sent = content.(protocol.MessageContent)
			return "$edit", nil
		},
	}
	e := newTestExecutor(st, net)

	cmd := UserEditComment{Tenant: acme(t), Slug: "post-1", CommentID: "$c1", Content: "hi there", Fingerprint: "owner-fp"}
	if err := e.Execute(context.Background(), cmd); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	wantGhost := protocol.GhostUserID(testBotLocalpart, "owner-fp", "example.org")
	if sentAs != wantGhost {
		t.Errorf("sent as %q, want original author %q", sentAs, wantGhost)
	}
	if sent.RelatesTo == nil || sent.RelatesTo.RelType != "m.replace" || sent.RelatesTo.EventID != "$c1" {
		t.Errorf("relation = %+v", sent.RelatesTo)
	}
	if sent.NewContent == nil || sent.NewContent.Metadata == nil || sent.NewContent.Metadata.OriginContent != "hi there" {
		t.Errorf("replacement = %+v", sent.NewContent)
	}
}

func TestUserEditFingerprintMismatch(t *testing.T) {
	st := &fakeStore{
		getComment: func(context.Context, string) (*store.Comment, error) {
			return storedComment("owner-fp"), nil
		},
	}
	e := newTestExecutor(st, &fakeNet{})

	err := e.Execute(context.Background(), UserEditComment{Tenant: acme(t), Slug: "post-1", CommentID: "$c1", Content: "x", Fingerprint: "other"})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
}

func TestRedactCommandUsesServiceIdentity(t *testing.T) {
	var redactedAs, reason string
	net := &fakeNet{
		redactEvent: func(_ context.Context, _ string, _, r, asUser string) error {
			redactedAs, reason = asUser, r
			return nil
		},
	}
	e := newTestExecutor(&fakeStore{}, net)

	if err := e.Execute(context.Background(), RedactComment{Tenant: acme(t), Slug: "post-1", CommentID: "$c1", Reason: "spam"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if redactedAs != "" || reason != "spam" {
		t.Errorf("redacted as %q with reason %q", redactedAs, reason)
	}
}

func TestRedactRejectsMalformedCommentID(t *testing.T) {
	e := newTestExecutor(&fakeStore{}, &fakeNet{})
	err := e.Execute(context.Background(), RedactComment{Tenant: acme(t), Slug: "post-1", CommentID: "oops"})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestRedactVanishedThreadIsNotFound(t *testing.T) {
	var created int
	net := &fakeNet{
		resolveAlias: func(context.Context, string) (string, error) {
			return "", &matrix.APIError{StatusCode: 404, Code: "M_NOT_FOUND", Message: "not found"}
		},
		createRoom: func(context.Context, matrix.CreateRoomRequest) (string, error) {
			created++
			return "!fresh:example.org", nil
		},
		redactEvent: func(context.Context, string, string, string, string) error {
			t.Error("redaction issued with no thread room")
			return nil
		},
	}
	e := newTestExecutor(&fakeStore{}, net)

	err := e.Execute(context.Background(), RedactComment{Tenant: acme(t), Slug: "post-gone", CommentID: "$c1", Reason: "spam"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if created != 0 {
		t.Errorf("created %d rooms while redacting", created)
	}
}

func TestUserEditVanishedThreadIsNotFound(t *testing.T) {
	var created, sends int
	st := &fakeStore{
		getComment: func(context.Context, string) (*store.Comment, error) {
			return storedComment("owner-fp"), nil
		},
	}
	net := &fakeNet{
		resolveAlias: func(context.Context, string) (string, error) {
			return "", &matrix.APIError{StatusCode: 404, Code: "M_NOT_FOUND", Message: "not found"}
		},
		createRoom: func(context.Context, matrix.CreateRoomRequest) (string, error) {
			created++
			return "!fresh:example.org", nil
		},
		sendMessage: func(context.Context, string, any, string) (string, error) {
			sends++
			return "$edit", nil
		},
	}
	e := newTestExecutor(st, net)

	err := e.Execute(context.Background(), UserEditComment{Tenant: acme(t), Slug: "post-gone", CommentID: "$c1", Content: "x", Fingerprint: "owner-fp"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if created != 0 || sends != 0 {
		t.Errorf("created %d rooms, sent %d edits while the thread was gone", created, sends)
	}
}
