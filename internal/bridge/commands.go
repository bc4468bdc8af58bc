// Package bridge is the synchronization engine between the comment API and
// the remote room network: a command executor for the outbound direction, an
// event reconciler for the inbound one, and the drivers that move events.
package bridge

import "murmur/internal/identity"

// Command is a write operation submitted by the HTTP layer and performed
// against the remote network by the driver's command loop.
type Command interface {
	commandName() string
}

type SendComment struct {
	Tenant     identity.TenantID
	Slug       string
	Content    string
	Nickname   string
	Email      string
	GuestToken string
	ReplyTo    string
	TxnID      string
}

type RedactComment struct {
	Tenant    identity.TenantID
	Slug      string
	CommentID string
	Reason    string
}

type UserDeleteComment struct {
	Tenant      identity.TenantID
	Slug        string
	CommentID   string
	Fingerprint string
}

type UserEditComment struct {
	Tenant      identity.TenantID
	Slug        string
	CommentID   string
	Content     string
	Fingerprint string
}

func (SendComment) commandName() string       { return "send_comment" }
func (RedactComment) commandName() string     { return "redact_comment" }
func (UserDeleteComment) commandName() string { return "user_delete_comment" }
func (UserEditComment) commandName() string   { return "user_edit_comment" }

// Envelope pairs a command with its single-use reply channel. The executor
// sends exactly one result; the submitter owns the timeout.
type Envelope struct {
	Cmd  Command
	Resp chan error
}

func NewEnvelope(cmd Command) Envelope {
	return Envelope{Cmd: cmd, Resp: make(chan error, 1)}
}
