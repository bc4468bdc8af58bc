// Package protocol owns the naming conventions and wire payload shapes the
// bridge puts on and reads off the room network: thread and space aliases,
// ghost identities, and the self-describing comment payload.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"murmur/internal/identity"
)

var ErrBadAlias = errors.New("alias does not follow the tenant_slug convention")

// ThreadAliasLocalpart names a thread room. The underscore separator is safe
// because tenant ids reject it.
func ThreadAliasLocalpart(tenant identity.TenantID, slug string) string {
	return tenant.String() + "_" + slug
}

func ThreadAlias(tenant identity.TenantID, slug, serverName string) string {
	return "#" + ThreadAliasLocalpart(tenant, slug) + ":" + serverName
}

func SpaceAliasLocalpart(prefix string, tenant identity.TenantID) string {
	return prefix + "_" + tenant.String()
}

func SpaceAlias(prefix string, tenant identity.TenantID, serverName string) string {
	return "#" + SpaceAliasLocalpart(prefix, tenant) + ":" + serverName
}

// ParseThreadAlias recovers (tenant, slug) from a thread alias or alias
// localpart. The first underscore splits tenant from slug; everything after
// it, underscores included, belongs to the slug.
func ParseThreadAlias(alias string) (identity.TenantID, string, error) {
	localpart := strings.TrimPrefix(alias, "#")
	if i := strings.LastIndexByte(localpart, ':'); i >= 0 {
		localpart = localpart[:i]
	}
	rawTenant, slug, ok := strings.Cut(localpart, "_")
	if !ok || slug == "" {
		return identity.TenantID{}, "", fmt.Errorf("%w: %q", ErrBadAlias, alias)
	}
	tenant, err := identity.ParseTenantID(rawTenant)
	if err != nil {
		return identity.TenantID{}, "", fmt.Errorf("%w: %q: %v", ErrBadAlias, alias, err)
	}
	return tenant, slug, nil
}

// GhostLocalpart names the puppet identity for an anonymous author.
func GhostLocalpart(botLocalpart, fingerprint string) string {
	return botLocalpart + "_" + fingerprint
}

func GhostUserID(botLocalpart, fingerprint, serverName string) string {
	return "@" + GhostLocalpart(botLocalpart, fingerprint) + ":" + serverName
}

// IsServiceSender reports whether userID is the service identity itself or
// one of its ghosts. Used by the reconciler's echo filter.
func IsServiceSender(userID, botUserID, botLocalpart string) bool {
	return userID == botUserID || strings.HasPrefix(userID, "@"+botLocalpart+"_")
}

// ValidEventID checks the minimal shape of a remote event id.
func ValidEventID(s string) bool {
	if len(s) < 2 || s[0] != '$' {
		return false
	}
	return !strings.ContainsAny(s, " \t\r\n")
}
