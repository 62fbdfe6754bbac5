package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/Strob0t/licenser/internal/port/privilege"
)

// Gateway implements privilege.Gateway on top of guild member roles.
type Gateway struct {
	client *Client
}

// NewGateway creates a Gateway using client.
func NewGateway(client *Client) *Gateway {
	return &Gateway{client: client}
}

type guildMember struct {
	Roles []string `json:"roles"`
}

type guildRole struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type guild struct {
	ID string `json:"id"`
}

// Grant adds the role to the member.
func (g *Gateway) Grant(ctx context.Context, tenantID, identityID, capabilityID, reason string) error {
	err := g.client.do(ctx, http.MethodPut, guildPath(tenantID, "members", identityID, "roles", capabilityID), reason, nil, nil)
	if err != nil {
		return fmt.Errorf("grant role %s to %s in %s: %w", capabilityID, identityID, tenantID, err)
	}
	return nil
}

// Revoke removes the role from the member. Discord accepts removing a role
// the member does not have, so the member is read first and a missing role
// or member is reported as privilege.ErrNotFound.
func (g *Gateway) Revoke(ctx context.Context, tenantID, identityID, capabilityID string) error {
	member, err := g.member(ctx, tenantID, identityID)
	if err != nil {
		return fmt.Errorf("revoke role %s from %s in %s: %w", capabilityID, identityID, tenantID, err)
	}
	if !slices.Contains(member.Roles, capabilityID) {
		return fmt.Errorf("revoke role %s from %s in %s: member lacks role: %w", capabilityID, identityID, tenantID, privilege.ErrNotFound)
	}
	err = g.client.do(ctx, http.MethodDelete, guildPath(tenantID, "members", identityID, "roles", capabilityID), "entitlement expired", nil, nil)
	if err != nil {
		return fmt.Errorf("revoke role %s from %s in %s: %w", capabilityID, identityID, tenantID, err)
	}
	return nil
}

// HasCapability reports whether the member holds the role. A member that
// left the guild holds nothing.
func (g *Gateway) HasCapability(ctx context.Context, tenantID, identityID, capabilityID string) (bool, error) {
	member, err := g.member(ctx, tenantID, identityID)
	if errors.Is(err, privilege.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check role %s on %s in %s: %w", capabilityID, identityID, tenantID, err)
	}
	return slices.Contains(member.Roles, capabilityID), nil
}

// CapabilityExists reports whether the guild still has the role.
func (g *Gateway) CapabilityExists(ctx context.Context, tenantID, capabilityID string) (bool, error) {
	var roles []guildRole
	err := g.client.do(ctx, http.MethodGet, guildPath(tenantID, "roles"), "", nil, &roles)
	if isUnknown(err, codeUnknownGuild) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("list roles of %s: %w", tenantID, err)
	}
	return slices.ContainsFunc(roles, func(r guildRole) bool { return r.ID == capabilityID }), nil
}

// IdentityInTenant reports whether the user is still a guild member.
func (g *Gateway) IdentityInTenant(ctx context.Context, tenantID, identityID string) (bool, error) {
	_, err := g.member(ctx, tenantID, identityID)
	if errors.Is(err, privilege.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get member %s of %s: %w", identityID, tenantID, err)
	}
	return true, nil
}

// TenantExists reports whether the bot can still see the guild. Discord
// answers 403 Missing Access for guilds the bot was removed from.
func (g *Gateway) TenantExists(ctx context.Context, tenantID string) (bool, error) {
	var gd guild
	err := g.client.do(ctx, http.MethodGet, guildPath(tenantID), "", nil, &gd)
	if isUnknown(err, codeUnknownGuild) || isCode(err, codeMissingAccess) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get guild %s: %w", tenantID, err)
	}
	return true, nil
}

func (g *Gateway) member(ctx context.Context, tenantID, identityID string) (*guildMember, error) {
	var m guildMember
	if err := g.client.do(ctx, http.MethodGet, guildPath(tenantID, "members", identityID), "", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// isUnknown reports a 404, or a Discord "Unknown X" error code.
func isUnknown(err error, code int) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, privilege.ErrNotFound) || isCode(err, code)
}

func isCode(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
