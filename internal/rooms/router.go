// Package rooms provisions the remote container and thread rooms backing
// tenants and comment threads, with an in-memory resolution cache in front
// of the homeserver directory.
package rooms

import (
	"context"
	"fmt"
	"log"
	"sync"

	"murmur/internal/identity"
	"murmur/internal/matrix"
	"murmur/internal/protocol"
)

const spaceChildEventType = "m.space.child"

// ownerPowerLevel grants the configured owner moderation rights in every
// thread room.
const ownerPowerLevel = 50

type Router struct {
	client      matrix.Client
	serverName  string
	spacePrefix string
	ownerUserID string
	log         *log.Logger

	mu     sync.RWMutex
	spaces map[string]string
}

func NewRouter(client matrix.Client, serverName, spacePrefix, ownerUserID string) *Router {
	return &Router{
		client:      client,
		serverName:  serverName,
		spacePrefix: spacePrefix,
		ownerUserID: ownerUserID,
		log:         log.New(log.Writer(), "[rooms] ", log.LstdFlags),
		spaces:      make(map[string]string),
	}
}

// EnsureTenantSpace resolves or creates the per-tenant container space.
// The cache is an accelerator only; misses always fall back to the
// directory, and a losing create race resolves the winner's room.
func (r *Router) EnsureTenantSpace(ctx context.Context, tenant identity.TenantID) (string, error) {
	r.mu.RLock()
	cached, ok := r.spaces[tenant.String()]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	alias := protocol.SpaceAlias(r.spacePrefix, tenant, r.serverName)
	roomID, err := r.client.ResolveAlias(ctx, alias)
	if err != nil {
		if !matrix.IsNotFound(err) {
			return "", fmt.Errorf("resolve space %s: %w", alias, err)
		}
		roomID, err = r.createSpace(ctx, tenant, alias)
		if err != nil {
			return "", err
		}
	}

	r.mu.Lock()
	r.spaces[tenant.String()] = roomID
	r.mu.Unlock()
	return roomID, nil
}

func (r *Router) createSpace(ctx context.Context, tenant identity.TenantID, alias string) (string, error) {
	roomID, err := r.client.CreateRoom(ctx, matrix.CreateRoomRequest{
		AliasLocalpart: protocol.SpaceAliasLocalpart(r.spacePrefix, tenant),
		Name:           tenant.String(),
		IsSpace:        true,
	})
	if err == nil {
		r.log.Printf("created space %s for tenant %s", roomID, tenant)
		return roomID, nil
	}
	if !matrix.IsConflict(err) {
		return "", fmt.Errorf("create space for %s: %w", tenant, err)
	}
	// Another instance won the race; their room is ours too.
	roomID, rerr := r.client.ResolveAlias(ctx, alias)
	if rerr != nil {
		return "", fmt.Errorf("re-resolve space %s after conflict: %w", alias, rerr)
	}
	return roomID, nil
}

// ResolveThreadRoom resolves the thread room for (tenant, slug) without
// creating anything. Operations against existing comments use this so a
// vanished thread surfaces as not-found instead of spawning an empty room.
func (r *Router) ResolveThreadRoom(ctx context.Context, tenant identity.TenantID, slug string) (string, error) {
	return r.client.ResolveAlias(ctx, protocol.ThreadAlias(tenant, slug, r.serverName))
}

// EnsureThreadRoom resolves or creates the thread room for (tenant, slug),
// joining it if needed. A resolvable but unjoinable room is repaired by
// retiring its alias and recreating.
func (r *Router) EnsureThreadRoom(ctx context.Context, tenant identity.TenantID, slug string) (string, error) {
	alias := protocol.ThreadAlias(tenant, slug, r.serverName)
	roomID, err := r.client.ResolveAlias(ctx, alias)
	if err == nil {
		jerr := r.client.JoinRoom(ctx, roomID, "")
		if jerr == nil {
			return roomID, nil
		}
		r.log.Printf("room %s for alias %s is unjoinable (%v), recreating", roomID, alias, jerr)
		if derr := r.client.DeleteAlias(ctx, alias); derr != nil && !matrix.IsNotFound(derr) {
			return "", fmt.Errorf("retire stale alias %s: %w", alias, derr)
		}
	} else if !matrix.IsNotFound(err) {
		return "", fmt.Errorf("resolve thread %s: %w", alias, err)
	}

	spaceID, err := r.EnsureTenantSpace(ctx, tenant)
	if err != nil {
		return "", err
	}
	return r.createThreadRoom(ctx, tenant, slug, alias, spaceID)
}

func (r *Router) createThreadRoom(ctx context.Context, tenant identity.TenantID, slug, alias, spaceID string) (string, error) {
	req := matrix.CreateRoomRequest{
		AliasLocalpart: protocol.ThreadAliasLocalpart(tenant, slug),
		Name:           slug,
	}
	if r.ownerUserID != "" {
		req.Invite = []string{r.ownerUserID}
		req.PowerLevelUsers = map[string]int{r.ownerUserID: ownerPowerLevel}
	}

	roomID, err := r.client.CreateRoom(ctx, req)
	if err != nil {
		if !matrix.IsConflict(err) {
			return "", fmt.Errorf("create thread room %s: %w", alias, err)
		}
		roomID, err = r.client.ResolveAlias(ctx, alias)
		if err != nil {
			return "", fmt.Errorf("re-resolve thread %s after conflict: %w", alias, err)
		}
		if err := r.client.JoinRoom(ctx, roomID, ""); err != nil {
			return "", fmt.Errorf("join thread room %s after conflict: %w", roomID, err)
		}
		return roomID, nil
	}

	child := map[string]any{"via": []string{r.serverName}}
	if err := r.client.SendStateEvent(ctx, spaceID, spaceChildEventType, roomID, child); err != nil {
		// The room works without the space link; log and carry on.
		r.log.Printf("link %s into space %s: %v", roomID, spaceID, err)
	}
	r.log.Printf("created thread room %s for %s/%s", roomID, tenant, slug)
	return roomID, nil
}
