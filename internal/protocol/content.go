package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MetadataKey is the namespaced content field carrying structured comment
// data alongside the human-readable fallback body.
const MetadataKey = "io.murmur.comment.v1"

const guestMarker = " (Guest): "

// Metadata is the self-describing payload attached to every comment the
// bridge sends. Foreign clients ignore it and render the fallback body.
type Metadata struct {
	AuthorName        string `json:"author_name"`
	IsGuest           bool   `json:"is_guest"`
	OriginContent     string `json:"origin_content"`
	AuthorFingerprint string `json:"author_fingerprint,omitempty"`
	TxnID             string `json:"txn_id,omitempty"`
}

type inReplyTo struct {
	EventID string `json:"event_id"`
}

type relatesTo struct {
	RelType   string     `json:"rel_type,omitempty"`
	EventID   string     `json:"event_id,omitempty"`
	InReplyTo *inReplyTo `json:"m.in_reply_to,omitempty"`
}

type newContent struct {
	MsgType  string    `json:"msgtype"`
	Body     string    `json:"body"`
	Metadata *Metadata `json:"io.murmur.comment.v1,omitempty"`
}

// MessageContent is the m.room.message content body for outbound sends.
type MessageContent struct {
	MsgType    string      `json:"msgtype"`
	Body       string      `json:"body"`
	Metadata   *Metadata   `json:"io.murmur.comment.v1,omitempty"`
	RelatesTo  *relatesTo  `json:"m.relates_to,omitempty"`
	NewContent *newContent `json:"m.new_content,omitempty"`
}

func fallbackBody(name, content string) string {
	return "**" + name + "**" + guestMarker + content
}

// BuildComment assembles the outbound payload for a new guest comment.
// replyTo, when set, must be a valid event id.
func BuildComment(meta Metadata, replyTo string) MessageContent {
	msg := MessageContent{
		MsgType:  "m.text",
		Body:     fallbackBody(meta.AuthorName, meta.OriginContent),
		Metadata: &meta,
	}
	if replyTo != "" {
		msg.RelatesTo = &relatesTo{InReplyTo: &inReplyTo{EventID: replyTo}}
	}
	return msg
}

// BuildEdit assembles a replacement payload targeting the original event.
// The top-level body carries the edit-convention asterisk prefix for clients
// that do not understand replacement relations.
func BuildEdit(targetEventID string, meta Metadata) MessageContent {
	return MessageContent{
		MsgType: "m.text",
		Body:    "* " + fallbackBody(meta.AuthorName, meta.OriginContent),
		Metadata: &meta,
		RelatesTo: &relatesTo{
			RelType: "m.replace",
			EventID: targetEventID,
		},
		NewContent: &newContent{
			MsgType:  "m.text",
			Body:     fallbackBody(meta.AuthorName, meta.OriginContent),
			Metadata: &meta,
		},
	}
}

// Parsed is the decoded view of an inbound message content body.
type Parsed struct {
	Body     string
	Metadata *Metadata
	// EditTarget is the event id this message replaces, empty for plain
	// messages. When set, Body and Metadata already reflect the
	// replacement content.
	EditTarget string
	ReplyTo    string
}

// ParseContent decodes an inbound m.room.message content body. For
// replacement events the m.new_content payload wins over the top-level one.
func ParseContent(raw json.RawMessage) (Parsed, error) {
	var wire struct {
		Body      string          `json:"body"`
		Metadata  *Metadata       `json:"io.murmur.comment.v1"`
		RelatesTo *relatesTo      `json:"m.relates_to"`
		New       json.RawMessage `json:"m.new_content"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Parsed{}, fmt.Errorf("decode message content: %w", err)
	}

	p := Parsed{Body: wire.Body, Metadata: wire.Metadata}
	if rel := wire.RelatesTo; rel != nil {
		if rel.RelType == "m.replace" && rel.EventID != "" {
			p.EditTarget = rel.EventID
			if len(wire.New) > 0 {
				var repl struct {
					Body     string    `json:"body"`
					Metadata *Metadata `json:"io.murmur.comment.v1"`
				}
				if err := json.Unmarshal(wire.New, &repl); err == nil {
					p.Body = repl.Body
					p.Metadata = repl.Metadata
				}
			}
		}
		if rel.InReplyTo != nil {
			p.ReplyTo = rel.InReplyTo.EventID
		}
	}
	return p, nil
}

// Extracted is comment authorship and content recovered from an inbound
// event, either from structured metadata or from the fallback convention.
type Extracted struct {
	AuthorName  string
	IsGuest     bool
	Content     string
	Fingerprint string
	TxnID       string
}

// ExtractComment recovers authorship and content from a parsed message.
// Priority: structured metadata, then the bot's own fallback convention,
// then the raw sender and body for genuine network users. Returns false for
// unparseable service messages, which callers skip.
func ExtractComment(p Parsed, sender, botUserID, botLocalpart string) (Extracted, bool) {
	if m := p.Metadata; m != nil {
		return Extracted{
			AuthorName:  m.AuthorName,
			IsGuest:     m.IsGuest,
			Content:     m.OriginContent,
			Fingerprint: m.AuthorFingerprint,
			TxnID:       m.TxnID,
		}, true
	}
	if IsServiceSender(sender, botUserID, botLocalpart) {
		body := strings.TrimPrefix(p.Body, "* ")
		name, text, ok := strings.Cut(body, guestMarker)
		if !ok {
			return Extracted{}, false
		}
		name = strings.TrimSuffix(strings.TrimPrefix(name, "**"), "**")
		return Extracted{AuthorName: name, IsGuest: true, Content: text}, true
	}
	return Extracted{AuthorName: sender, Content: p.Body}, true
}
