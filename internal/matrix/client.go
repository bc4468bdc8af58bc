// Package matrix is the capability surface this service needs from a
// room-network homeserver: alias resolution, room creation and joining,
// message and redaction sending, profiles, media, and long-poll sync.
// Federation and cryptography stay on the homeserver's side of the wire.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"murmur/internal/util"
)

// Client is the protocol capability consumed by the router, reconciler and
// executor. asUser arguments name the acting identity; the empty string acts
// as the primary service identity.
type Client interface {
	ResolveAlias(ctx context.Context, alias string) (string, error)
	DeleteAlias(ctx context.Context, alias string) error
	CreateRoom(ctx context.Context, req CreateRoomRequest) (string, error)
	JoinRoom(ctx context.Context, roomID, asUser string) error
	SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content any) error
	SendMessage(ctx context.Context, roomID string, content any, asUser string) (string, error)
	RedactEvent(ctx context.Context, roomID, eventID, reason, asUser string) error
	SetDisplayName(ctx context.Context, userID, name string) error
	GetProfile(ctx context.Context, userID string) (ProfileResponse, error)
	Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error)
	DownloadMedia(ctx context.Context, mxcURI string) ([]byte, string, error)
}

// HTTPClient talks to a homeserver over the plain client-server API.
// When Impersonate is set (application-service tokens) the acting identity
// is passed via the user_id query parameter; otherwise asUser is ignored
// and every call acts as the token's own identity.
type HTTPClient struct {
	baseURL     string
	accessToken string
	impersonate bool
	syncSlack   time.Duration
	http        *http.Client
}

// defaultSyncSlack is how far past the requested long-poll window a sync
// response may arrive before the connection is treated as stalled.
const defaultSyncSlack = 10 * time.Second

func NewHTTPClient(homeserverURL, accessToken string, impersonate bool) *HTTPClient {
	return &HTTPClient{
		baseURL:     strings.TrimRight(homeserverURL, "/"),
		accessToken: accessToken,
		impersonate: impersonate,
		syncSlack:   defaultSyncSlack,
		// Sync derives a per-call deadline; other calls rely on ctx.
		http: &http.Client{Timeout: 0},
	}
}

func (c *HTTPClient) ResolveAlias(ctx context.Context, alias string) (string, error) {
	var out struct {
		RoomID string `json:"room_id"`
	}
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(alias)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return "", err
	}
	return out.RoomID, nil
}

func (c *HTTPClient) DeleteAlias(ctx context.Context, alias string) error {
	path := "/_matrix/client/v3/directory/room/" + url.PathEscape(alias)
	return c.do(ctx, http.MethodDelete, path, nil, nil, nil)
}

func (c *HTTPClient) CreateRoom(ctx context.Context, req CreateRoomRequest) (string, error) {
	body := map[string]any{
		"preset":     "public_chat",
		"visibility": "public",
	}
	if req.AliasLocalpart != "" {
		body["room_alias_name"] = req.AliasLocalpart
	}
	if req.Name != "" {
		body["name"] = req.Name
	}
	if req.IsSpace {
		body["creation_content"] = map[string]any{"type": "m.space"}
	}
	if len(req.Invite) > 0 {
		body["invite"] = req.Invite
	}
	if len(req.PowerLevelUsers) > 0 {
		body["power_level_content_override"] = map[string]any{"users": req.PowerLevelUsers}
	}

	var out struct {
		RoomID string `json:"room_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", nil, body, &out); err != nil {
		return "", err
	}
	return out.RoomID, nil
}

func (c *HTTPClient) JoinRoom(ctx context.Context, roomID, asUser string) error {
	path := "/_matrix/client/v3/join/" + url.PathEscape(roomID)
	return c.do(ctx, http.MethodPost, path, c.actingQuery(asUser), map[string]any{}, nil)
}

func (c *HTTPClient) SendStateEvent(ctx context.Context, roomID, eventType, stateKey string, content any) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/state/" + url.PathEscape(eventType) + "/" + url.PathEscape(stateKey)
	return c.do(ctx, http.MethodPut, path, nil, content, nil)
}

func (c *HTTPClient) SendMessage(ctx context.Context, roomID string, content any, asUser string) (string, error) {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/send/m.room.message/" + util.NewID("txn")
	var out struct {
		EventID string `json:"event_id"`
	}
	if err := c.do(ctx, http.MethodPut, path, c.actingQuery(asUser), content, &out); err != nil {
		return "", err
	}
	return out.EventID, nil
}

func (c *HTTPClient) RedactEvent(ctx context.Context, roomID, eventID, reason, asUser string) error {
	path := "/_matrix/client/v3/rooms/" + url.PathEscape(roomID) +
		"/redact/" + url.PathEscape(eventID) + "/" + util.NewID("txn")
	body := map[string]any{}
	if reason != "" {
		body["reason"] = reason
	}
	return c.do(ctx, http.MethodPut, path, c.actingQuery(asUser), body, nil)
}

func (c *HTTPClient) SetDisplayName(ctx context.Context, userID, name string) error {
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID) + "/displayname"
	return c.do(ctx, http.MethodPut, path, c.actingQuery(userID), map[string]any{"displayname": name}, nil)
}

func (c *HTTPClient) GetProfile(ctx context.Context, userID string) (ProfileResponse, error) {
	var out ProfileResponse
	path := "/_matrix/client/v3/profile/" + url.PathEscape(userID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return ProfileResponse{}, err
	}
	return out, nil
}

// Sync long-polls the homeserver and flattens joined-room timelines into a
// single event list, stamping each event with its room id.
func (c *HTTPClient) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
	// The homeserver holds the request open for at most timeout; a call
	// still pending past that plus slack means a dead connection, and it
	// must fail so the poll loop can back off and retry.
	ctx, cancel := context.WithTimeout(ctx, timeout+c.syncSlack)
	defer cancel()

	query := url.Values{}
	query.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))
	if since != "" {
		query.Set("since", since)
	}

	var out struct {
		NextBatch string `json:"next_batch"`
		Rooms     struct {
			Join map[string]struct {
				Timeline struct {
					Events []Event `json:"events"`
				} `json:"timeline"`
			} `json:"join"`
		} `json:"rooms"`
	}
	if err := c.do(ctx, http.MethodGet, "/_matrix/client/v3/sync", query, nil, &out); err != nil {
		return nil, err
	}

	resp := &SyncResponse{NextBatch: out.NextBatch}
	for roomID, room := range out.Rooms.Join {
		for _, ev := range room.Timeline.Events {
			ev.RoomID = roomID
			resp.Events = append(resp.Events, ev)
		}
	}
	return resp, nil
}

func (c *HTTPClient) DownloadMedia(ctx context.Context, mxcURI string) ([]byte, string, error) {
	server, mediaID, ok := strings.Cut(strings.TrimPrefix(mxcURI, "mxc://"), "/")
	if !ok || !strings.HasPrefix(mxcURI, "mxc://") {
		return nil, "", fmt.Errorf("invalid mxc uri: %s", mxcURI)
	}

	path := c.baseURL + "/_matrix/client/v1/media/download/" +
		url.PathEscape(server) + "/" + url.PathEscape(mediaID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build media request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", decodeAPIError(resp)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, "", fmt.Errorf("read media body: %w", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *HTTPClient) actingQuery(asUser string) url.Values {
	if !c.impersonate || asUser == "" {
		return nil
	}
	query := url.Values{}
	query.Set("user_id", asUser)
	return query
}

func (c *HTTPClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, apiErr)
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
