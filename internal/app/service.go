package app

import (
	"context"
	"net/http"
	"time"

	"murmur/internal/bridge"
	"murmur/internal/identity"
	"murmur/internal/pow"
	"murmur/internal/protocol"
	"murmur/internal/search"
	"murmur/internal/store"
)

// StoreReader is the query-path surface the HTTP layer consumes.
type StoreReader interface {
	ListComments(ctx context.Context, tenant, slug string, limit, offset int) ([]store.Comment, int, error)
	Ping(ctx context.Context) error
}

// Service fronts the command channel and the read path for the HTTP layer.
type Service struct {
	store     StoreReader
	commands  chan<- bridge.Envelope
	timeout   time.Duration
	guard     *pow.Guard
	search    *search.Service
	broadcast *bridge.Broadcaster

	identitySalt string
}

func NewService(st StoreReader, commands chan<- bridge.Envelope, timeout time.Duration, guard *pow.Guard, srch *search.Service, broadcast *bridge.Broadcaster, identitySalt string) *Service {
	return &Service{
		store:        st,
		commands:     commands,
		timeout:      timeout,
		guard:        guard,
		search:       srch,
		broadcast:    broadcast,
		identitySalt: identitySalt,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) IssueChallenge() string {
	return s.guard.IssueChallenge()
}

func (s *Service) VerifyProof(ctx context.Context, challenge, nonce string) bool {
	return s.guard.Verify(ctx, challenge, nonce)
}

func (s *Service) ListComments(ctx context.Context, tenant identity.TenantID, slug string, limit, offset int) ([]store.Comment, int, error) {
	return s.store.ListComments(ctx, tenant.String(), slug, limit, offset)
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) Subscribe() (<-chan bridge.Notification, func()) {
	return s.broadcast.Subscribe()
}

// Fingerprint derives the guest identity hash for (email, guest token).
func (s *Service) Fingerprint(email, guestToken string) string {
	return identity.Fingerprint(email, guestToken, s.identitySalt)
}

type SubmitCommentInput struct {
	Tenant     identity.TenantID
	Slug       string
	Content    string
	Nickname   string
	Email      string
	GuestToken string
	ReplyTo    string
	TxnID      string
}

func (s *Service) SubmitComment(ctx context.Context, in SubmitCommentInput) error {
	if in.ReplyTo != "" && !protocol.ValidEventID(in.ReplyTo) {
		return domainError(http.StatusBadRequest, "INVALID_REPLY_TO", "replyTo is not a valid event id", nil)
	}
	return s.submit(ctx, bridge.SendComment{
		Tenant:     in.Tenant,
		Slug:       in.Slug,
		Content:    in.Content,
		Nickname:   in.Nickname,
		Email:      in.Email,
		GuestToken: in.GuestToken,
		ReplyTo:    in.ReplyTo,
		TxnID:      in.TxnID,
	})
}

func (s *Service) EditComment(ctx context.Context, tenant identity.TenantID, slug, commentID, content, fingerprint string) error {
	return s.submit(ctx, bridge.UserEditComment{
		Tenant:      tenant,
		Slug:        slug,
		CommentID:   commentID,
		Content:     content,
		Fingerprint: fingerprint,
	})
}

func (s *Service) DeleteComment(ctx context.Context, tenant identity.TenantID, slug, commentID, fingerprint string) error {
	return s.submit(ctx, bridge.UserDeleteComment{
		Tenant:      tenant,
		Slug:        slug,
		CommentID:   commentID,
		Fingerprint: fingerprint,
	})
}

func (s *Service) AdminRedactComment(ctx context.Context, tenant identity.TenantID, slug, commentID, reason string) error {
	return s.submit(ctx, bridge.RedactComment{
		Tenant:    tenant,
		Slug:      slug,
		CommentID: commentID,
		Reason:    reason,
	})
}

// submit hands a command to the driver's command loop and awaits its single
// outcome. A timeout is reported distinctly from an explicit failure since
// the command may still take effect.
func (s *Service) submit(ctx context.Context, cmd bridge.Command) error {
	env := bridge.NewEnvelope(cmd)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case s.commands <- env:
	case <-timer.C:
		return ErrCommandTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-env.Resp:
		return err
	case <-timer.C:
		return ErrCommandTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
