package store

import "time"

// Comment is the canonical cached form of a remote room event. Its ID is the
// remote event id and never changes across edits; edits target the original
// id, not the edit event's own id.
type Comment struct {
	ID                string     `json:"id"`
	Tenant            string     `json:"site_id"`
	Slug              string     `json:"post_slug"`
	AuthorID          string     `json:"author_id"`
	AuthorName        string     `json:"author_name"`
	AuthorFingerprint *string    `json:"author_fingerprint,omitempty"`
	AvatarURL         *string    `json:"avatar_url,omitempty"`
	IsGuest           bool       `json:"is_guest"`
	Content           string     `json:"content"`
	IsRedacted        bool       `json:"is_redacted"`
	ReplyTo           *string    `json:"reply_to,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
	TxnID             *string    `json:"txn_id,omitempty"`
}

// RoomMeta maps a remote room id back to its thread.
type RoomMeta struct {
	RoomID string
	Tenant string
	Slug   string
}

// Profile is a cached native-identity profile. Entries older than the TTL
// are treated as misses and refreshed lazily.
type Profile struct {
	UserID        string
	DisplayName   *string
	AvatarURL     *string
	LastRefreshed time.Time
}

// DeletedAuthorName replaces the author of a redacted comment.
const DeletedAuthorName = "[Deleted]"
