package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/product-os/deploynaut/internal/adapter/ristretto"
	"github.com/product-os/deploynaut/internal/port/scmclient"
)

// MembershipService answers "is this login a member of {explicit users
// ∪ any of these organizations ∪ any of these teams}?".
//
// Lookup failures fail closed: the login is treated as a non-member and
// the surrounding evaluation continues. A broken membership source must
// not grant access, and must not take down sibling rules either.
type MembershipService struct {
	client scmclient.MemberLister
	cache  *ristretto.MemberCache
	ttl    time.Duration
}

// NewMembershipService creates a resolver over the given member-list
// capability. cache may be nil to disable caching.
func NewMembershipService(client scmclient.MemberLister, cache *ristretto.MemberCache, ttl time.Duration) *MembershipService {
	return &MembershipService{client: client, cache: cache, ttl: ttl}
}

// IsAuthorized reports whether login is in the membership set. Explicit
// users are checked first (no I/O), then organizations, then teams,
// short-circuiting on the first match.
func (s *MembershipService) IsAuthorized(ctx context.Context, login string, users, organizations, teams []string) bool {
	if login == "" {
		return false
	}

	for _, u := range users {
		if strings.EqualFold(u, login) {
			return true
		}
	}

	for _, org := range organizations {
		if s.IsInOrganization(ctx, login, org) {
			return true
		}
	}

	for _, team := range teams {
		if s.IsInTeam(ctx, login, team) {
			return true
		}
	}

	return false
}

// IsInOrganization reports whether login is a member of org.
func (s *MembershipService) IsInOrganization(ctx context.Context, login, org string) bool {
	logins, err := s.members(ristretto.OrgKey(org), func() ([]string, error) {
		return s.fetchOrgMembers(ctx, org)
	})
	if err != nil {
		slog.Warn("organization membership lookup failed; treating as non-member",
			"org", org, "login", login, "error", err)
		return false
	}
	return containsFold(logins, login)
}

// IsInTeam reports whether login is a member of a team given as
// "org/slug". A malformed reference is a non-membership, not an error.
func (s *MembershipService) IsInTeam(ctx context.Context, login, team string) bool {
	org, slug, ok := strings.Cut(team, "/")
	if !ok || org == "" || slug == "" {
		slog.Warn("malformed team reference; expected org/slug", "team", team)
		return false
	}

	logins, err := s.members(ristretto.TeamKey(org, slug), func() ([]string, error) {
		return s.fetchTeamMembers(ctx, org, slug)
	})
	if err != nil {
		slog.Warn("team membership lookup failed; treating as non-member",
			"team", team, "login", login, "error", err)
		return false
	}
	return containsFold(logins, login)
}

// members returns a login list from the cache or, on a miss, via fetch.
func (s *MembershipService) members(key string, fetch func() ([]string, error)) ([]string, error) {
	if s.cache != nil {
		if logins, ok := s.cache.Get(key); ok {
			return logins, nil
		}
	}

	logins, err := fetch()
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(key, logins, s.ttl)
	}
	return logins, nil
}

func (s *MembershipService) fetchOrgMembers(ctx context.Context, org string) ([]string, error) {
	members, err := s.client.ListOrganizationMembers(ctx, org)
	if err != nil {
		return nil, fmt.Errorf("list organization members: %w", err)
	}
	logins := make([]string, 0, len(members))
	for _, m := range members {
		logins = append(logins, m.Login)
	}
	return logins, nil
}

func (s *MembershipService) fetchTeamMembers(ctx context.Context, org, slug string) ([]string, error) {
	members, err := s.client.ListTeamMembers(ctx, org, slug)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	logins := make([]string, 0, len(members))
	for _, m := range members {
		logins = append(logins, m.Login)
	}
	return logins, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
