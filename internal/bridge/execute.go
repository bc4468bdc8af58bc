package bridge

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"

	"murmur/internal/identity"
	"murmur/internal/matrix"
	"murmur/internal/protocol"
	"murmur/internal/rooms"
	"murmur/internal/store"
)

const userDeleteReason = "deleted by author"

// Executor performs commands against the remote network. One instance is
// shared by whichever driver is running; all methods are safe for use by
// concurrent command loops.
type Executor struct {
	store  Store
	client matrix.Client
	router *rooms.Router

	serverName   string
	botLocalpart string
	identitySalt string
	log          *log.Logger

	mu sync.Mutex
	// ghost user id -> rooms it is known to have joined
	joined map[string]map[string]bool
	// ghost user id -> last display name pushed
	names map[string]string
}

func NewExecutor(st Store, client matrix.Client, router *rooms.Router, serverName, botLocalpart, identitySalt string) *Executor {
	return &Executor{
		store:        st,
		client:       client,
		router:       router,
		serverName:   serverName,
		botLocalpart: botLocalpart,
		identitySalt: identitySalt,
		log:          log.New(log.Writer(), "[execute] ", log.LstdFlags),
		joined:       make(map[string]map[string]bool),
		names:        make(map[string]string),
	}
}

// Execute runs one command to completion and returns its single typed
// outcome.
func (e *Executor) Execute(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case SendComment:
		return e.sendComment(ctx, c)
	case RedactComment:
		return e.redactComment(ctx, c)
	case UserDeleteComment:
		return e.userDeleteComment(ctx, c)
	case UserEditComment:
		return e.userEditComment(ctx, c)
	default:
		return fmt.Errorf("%w: unknown command %T", ErrInvalidInput, cmd)
	}
}

func (e *Executor) sendComment(ctx context.Context, cmd SendComment) error {
	if strings.TrimSpace(cmd.Content) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	if strings.TrimSpace(cmd.Nickname) == "" {
		return fmt.Errorf("%w: empty nickname", ErrInvalidInput)
	}

	roomID, err := e.router.EnsureThreadRoom(ctx, cmd.Tenant, cmd.Slug)
	if err != nil {
		return remoteErr("ensure thread room", err)
	}
	if err := e.store.EnsureRoom(ctx, roomID, cmd.Tenant.String(), cmd.Slug); err != nil {
		return fmt.Errorf("record room mapping: %w", err)
	}

	fp := identity.Fingerprint(cmd.Email, cmd.GuestToken, e.identitySalt)
	ghost := protocol.GhostUserID(e.botLocalpart, fp, e.serverName)
	if err := e.ensureJoined(ctx, ghost, roomID); err != nil {
		return remoteErr("join as ghost", err)
	}
	e.ensureDisplayName(ctx, ghost, cmd.Nickname)

	replyTo := cmd.ReplyTo
	if replyTo != "" && !protocol.ValidEventID(replyTo) {
		// Second line of defense behind boundary validation; degrade
		// rather than drop the comment.
		e.log.Printf("malformed reply target %q, sending unthreaded", replyTo)
		replyTo = ""
	}

	msg := protocol.BuildComment(protocol.Metadata{
		AuthorName:        cmd.Nickname,
		IsGuest:           true,
		OriginContent:     cmd.Content,
		AuthorFingerprint: fp,
		TxnID:             cmd.TxnID,
	}, replyTo)

	if _, err := e.client.SendMessage(ctx, roomID, msg, ghost); err != nil {
		return remoteErr("send comment", err)
	}
	return nil
}

func (e *Executor) redactComment(ctx context.Context, cmd RedactComment) error {
	return e.redact(ctx, cmd.Tenant, cmd.Slug, cmd.CommentID, cmd.Reason)
}

func (e *Executor) userDeleteComment(ctx context.Context, cmd UserDeleteComment) error {
	if _, err := e.authorize(ctx, cmd.CommentID, cmd.Fingerprint); err != nil {
		return err
	}
	return e.redact(ctx, cmd.Tenant, cmd.Slug, cmd.CommentID, userDeleteReason)
}

func (e *Executor) userEditComment(ctx context.Context, cmd UserEditComment) error {
	if strings.TrimSpace(cmd.Content) == "" {
		return fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	existing, err := e.authorize(ctx, cmd.CommentID, cmd.Fingerprint)
	if err != nil {
		return err
	}

	roomID, err := e.router.ResolveThreadRoom(ctx, cmd.Tenant, cmd.Slug)
	if err != nil {
		if matrix.IsNotFound(err) {
			return fmt.Errorf("%w: thread %s/%s", ErrNotFound, cmd.Tenant, cmd.Slug)
		}
		return remoteErr("resolve thread room", err)
	}

	// Edits must come from the original poster's identity.
	ghost := protocol.GhostUserID(e.botLocalpart, cmd.Fingerprint, e.serverName)
	if err := e.ensureJoined(ctx, ghost, roomID); err != nil {
		return remoteErr("join as ghost", err)
	}

	msg := protocol.BuildEdit(cmd.CommentID, protocol.Metadata{
		AuthorName:        existing.AuthorName,
		IsGuest:           true,
		OriginContent:     cmd.Content,
		AuthorFingerprint: cmd.Fingerprint,
	})
	if _, err := e.client.SendMessage(ctx, roomID, msg, ghost); err != nil {
		return remoteErr("send edit", err)
	}
	return nil
}

func (e *Executor) redact(ctx context.Context, tenant identity.TenantID, slug, commentID, reason string) error {
	if !protocol.ValidEventID(commentID) {
		return fmt.Errorf("%w: malformed comment id %q", ErrInvalidInput, commentID)
	}
	roomID, err := e.router.ResolveThreadRoom(ctx, tenant, slug)
	if err != nil {
		if matrix.IsNotFound(err) {
			return fmt.Errorf("%w: thread %s/%s", ErrNotFound, tenant, slug)
		}
		return remoteErr("resolve thread room", err)
	}
	if err := e.client.RedactEvent(ctx, roomID, commentID, reason, ""); err != nil {
		return remoteErr("redact comment", err)
	}
	return nil
}

// authorize checks that the caller's fingerprint matches the stored one and
// returns the stored comment on success.
func (e *Executor) authorize(ctx context.Context, commentID, fingerprint string) (*store.Comment, error) {
	c, err := e.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, fmt.Errorf("load comment: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: comment %s", ErrNotFound, commentID)
	}
	if c.AuthorFingerprint == nil || *c.AuthorFingerprint != fingerprint {
		return nil, fmt.Errorf("%w: fingerprint mismatch on %s", ErrPermissionDenied, commentID)
	}
	return c, nil
}

func (e *Executor) ensureJoined(ctx context.Context, userID, roomID string) error {
	e.mu.Lock()
	already := e.joined[userID][roomID]
	e.mu.Unlock()
	if already {
		return nil
	}

	if err := e.client.JoinRoom(ctx, roomID, userID); err != nil {
		return err
	}

	e.mu.Lock()
	if e.joined[userID] == nil {
		e.joined[userID] = make(map[string]bool)
	}
	e.joined[userID][roomID] = true
	e.mu.Unlock()
	return nil
}

// ensureDisplayName pushes the nickname onto the ghost profile. Best-effort
// and skipped when the last push already set the same name.
func (e *Executor) ensureDisplayName(ctx context.Context, userID, nickname string) {
	e.mu.Lock()
	current := e.names[userID]
	e.mu.Unlock()
	if current == nickname {
		return
	}

	if err := e.client.SetDisplayName(ctx, userID, nickname); err != nil {
		e.log.Printf("set display name for %s: %v", userID, err)
		return
	}
	e.mu.Lock()
	e.names[userID] = nickname
	e.mu.Unlock()
}

func remoteErr(op string, err error) error {
	if matrix.IsConflict(err) {
		return fmt.Errorf("%w: %s: %v", ErrRemoteConflict, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrRemoteTransient, op, err)
}
