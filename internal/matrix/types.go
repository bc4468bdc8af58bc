package matrix

import "encoding/json"

// Event is a timeline event as delivered by the sync and webhook transports.
// Content is kept raw; interpretation lives in internal/protocol.
type Event struct {
	ID        string          `json:"event_id"`
	Type      string          `json:"type"`
	Sender    string          `json:"sender"`
	RoomID    string          `json:"room_id"`
	Timestamp int64           `json:"origin_server_ts"`
	Content   json.RawMessage `json:"content"`
	Redacts   string          `json:"redacts,omitempty"`
}

const (
	EventTypeMessage   = "m.room.message"
	EventTypeRedaction = "m.room.redaction"
)

// CreateRoomRequest describes a room to be created.
type CreateRoomRequest struct {
	AliasLocalpart string
	Name           string
	IsSpace        bool
	Invite         []string
	// PowerLevelUsers grants elevated rights to specific identities at
	// creation time.
	PowerLevelUsers map[string]int
}

// ProfileResponse is a user's public profile.
type ProfileResponse struct {
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
}

// SyncResponse is the flattened result of one long-poll cycle: the resume
// cursor plus the timeline events of every joined room.
type SyncResponse struct {
	NextBatch string
	Events    []Event
}
