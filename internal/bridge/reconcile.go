package bridge

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"murmur/internal/avatar"
	"murmur/internal/matrix"
	"murmur/internal/protocol"
	"murmur/internal/search"
	"murmur/internal/store"
)

// Store is the local cache surface the bridge consumes.
type Store interface {
	EnsureRoom(ctx context.Context, roomID, tenant, slug string) error
	GetRoomMeta(ctx context.Context, roomID string) (*store.RoomMeta, error)
	UpsertComment(ctx context.Context, roomID string, c store.Comment, rawEvent *string) error
	GetComment(ctx context.Context, commentID string) (*store.Comment, error)
	DeleteComment(ctx context.Context, commentID string) (*store.RoomMeta, error)
	GetProfile(ctx context.Context, userID string) (*store.Profile, error)
	PutProfile(ctx context.Context, userID string, displayName, avatarURL *string) error
	GetSyncToken(ctx context.Context) (string, error)
	SaveSyncToken(ctx context.Context, token string) error
}

// Reconciler folds inbound room events into the local cache. Processing is
// idempotent: re-delivery of any event is a safe no-op, so at-least-once
// transports need no dedup in front of it.
type Reconciler struct {
	store     Store
	client    matrix.Client
	search    *search.Service
	avatars   *avatar.Mirror
	broadcast *Broadcaster

	botUserID    string
	botLocalpart string
	log          *log.Logger
}

func NewReconciler(st Store, client matrix.Client, broadcast *Broadcaster, srch *search.Service, avatars *avatar.Mirror, botUserID, botLocalpart string) *Reconciler {
	return &Reconciler{
		store:        st,
		client:       client,
		search:       srch,
		avatars:      avatars,
		broadcast:    broadcast,
		botUserID:    botUserID,
		botLocalpart: botLocalpart,
		log:          log.New(log.Writer(), "[reconcile] ", log.LstdFlags),
	}
}

// HandleEvent processes one inbound event. A failure affects only this
// event; callers keep going with the rest of the batch.
func (r *Reconciler) HandleEvent(ctx context.Context, ev matrix.Event) error {
	switch ev.Type {
	case matrix.EventTypeMessage:
		return r.handleMessage(ctx, ev)
	case matrix.EventTypeRedaction:
		return r.handleRedaction(ctx, ev)
	default:
		return nil
	}
}

func (r *Reconciler) handleMessage(ctx context.Context, ev matrix.Event) error {
	meta, err := r.store.GetRoomMeta(ctx, ev.RoomID)
	if err != nil {
		return fmt.Errorf("room meta for %s: %w", ev.RoomID, err)
	}
	if meta == nil {
		// A room we never provisioned; not ours to mirror.
		r.log.Printf("dropping event %s in unknown room %s", ev.ID, ev.RoomID)
		return nil
	}

	parsed, err := protocol.ParseContent(ev.Content)
	if err != nil {
		return fmt.Errorf("parse event %s: %w", ev.ID, err)
	}

	// Edits keep the original event id as the canonical comment id.
	commentID := ev.ID
	var updatedAt *time.Time
	if parsed.EditTarget != "" {
		commentID = parsed.EditTarget
		t := time.UnixMilli(ev.Timestamp).UTC()
		updatedAt = &t
	}

	extracted, ok := protocol.ExtractComment(parsed, ev.Sender, r.botUserID, r.botLocalpart)
	if !ok {
		return nil
	}
	if strings.TrimSpace(extracted.Content) == "" {
		return nil
	}

	c := store.Comment{
		ID:         commentID,
		Tenant:     meta.Tenant,
		Slug:       meta.Slug,
		AuthorID:   ev.Sender,
		AuthorName: extracted.AuthorName,
		IsGuest:    extracted.IsGuest,
		Content:    extracted.Content,
		CreatedAt:  time.UnixMilli(ev.Timestamp).UTC(),
		UpdatedAt:  updatedAt,
	}
	if extracted.Fingerprint != "" {
		c.AuthorFingerprint = &extracted.Fingerprint
	}
	if extracted.TxnID != "" {
		c.TxnID = &extracted.TxnID
	}
	if parsed.ReplyTo != "" {
		c.ReplyTo = &parsed.ReplyTo
	}

	if !extracted.IsGuest && !protocol.IsServiceSender(ev.Sender, r.botUserID, r.botLocalpart) {
		r.hydrateProfile(ctx, &c)
	}

	raw := string(ev.Content)
	if err := r.store.UpsertComment(ctx, ev.RoomID, c, &raw); err != nil {
		return fmt.Errorf("upsert comment %s: %w", commentID, err)
	}

	if r.search != nil {
		r.search.IndexComment(search.CommentRecord{
			ID:         c.ID,
			SiteID:     c.Tenant,
			PostSlug:   c.Slug,
			AuthorName: c.AuthorName,
			Content:    c.Content,
			CreatedAt:  c.CreatedAt.Unix(),
		})
	}

	kind := EventNewComment
	if updatedAt != nil {
		kind = EventUpdateComment
	}
	r.broadcast.Publish(Notification{
		Type:      kind,
		Tenant:    meta.Tenant,
		Slug:      meta.Slug,
		CommentID: c.ID,
		Comment:   &c,
	})
	return nil
}

func (r *Reconciler) handleRedaction(ctx context.Context, ev matrix.Event) error {
	if ev.Redacts == "" {
		return nil
	}
	meta, err := r.store.DeleteComment(ctx, ev.Redacts)
	if err != nil {
		return fmt.Errorf("delete comment %s: %w", ev.Redacts, err)
	}
	if meta == nil {
		// Redaction for something we never stored; order of arrival is
		// not guaranteed and this stays a no-op.
		return nil
	}

	if r.search != nil {
		r.search.DeleteComment(ev.Redacts)
	}
	r.broadcast.Publish(Notification{
		Type:      EventDeleteComment,
		Tenant:    meta.Tenant,
		Slug:      meta.Slug,
		CommentID: ev.Redacts,
	})
	return nil
}

// hydrateProfile fills display name and avatar for a genuine network
// identity, lazily refreshing the cache. Failures leave the raw sender id
// in place and never fail the event.
func (r *Reconciler) hydrateProfile(ctx context.Context, c *store.Comment) {
	cached, err := r.store.GetProfile(ctx, c.AuthorID)
	if err != nil {
		r.log.Printf("profile cache read for %s: %v", c.AuthorID, err)
	}
	if cached != nil {
		r.applyProfile(c, cached.DisplayName, cached.AvatarURL)
		return
	}

	fetched, err := r.client.GetProfile(ctx, c.AuthorID)
	if err != nil {
		r.log.Printf("profile fetch for %s: %v", c.AuthorID, err)
		return
	}

	var displayName, avatarURL *string
	if fetched.DisplayName != "" {
		displayName = &fetched.DisplayName
	}
	if fetched.AvatarURL != "" {
		url := fetched.AvatarURL
		if r.avatars != nil {
			if mirrored, merr := r.avatars.MirrorAvatar(ctx, url); merr == nil {
				url = mirrored
			} else {
				r.log.Printf("avatar mirror for %s: %v", c.AuthorID, merr)
			}
		}
		avatarURL = &url
	}

	if err := r.store.PutProfile(ctx, c.AuthorID, displayName, avatarURL); err != nil {
		r.log.Printf("profile cache write for %s: %v", c.AuthorID, err)
	}
	r.applyProfile(c, displayName, avatarURL)
}

func (r *Reconciler) applyProfile(c *store.Comment, displayName, avatarURL *string) {
	if displayName != nil && *displayName != "" {
		c.AuthorName = *displayName
	}
	c.AvatarURL = avatarURL
}
