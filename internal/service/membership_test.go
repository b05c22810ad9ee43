package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/product-os/deploynaut/internal/adapter/ristretto"
	"github.com/product-os/deploynaut/internal/domain/scm"
)

type fakeMembers struct {
	orgs  map[string][]string
	teams map[string][]string
	err   error
	calls int
}

func (f *fakeMembers) ListOrganizationMembers(_ context.Context, org string) ([]scm.User, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return asUsers(f.orgs[org]), nil
}

func (f *fakeMembers) ListTeamMembers(_ context.Context, org, slug string) ([]scm.User, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return asUsers(f.teams[org+"/"+slug]), nil
}

func asUsers(logins []string) []scm.User {
	users := make([]scm.User, 0, len(logins))
	for i, login := range logins {
		users = append(users, scm.User{ID: int64(i + 1), Login: login})
	}
	return users
}

func TestIsAuthorizedExplicitUser(t *testing.T) {
	// the client errors on any call: explicit users must resolve
	// without I/O
	fake := &fakeMembers{err: errors.New("no network in this test")}
	svc := NewMembershipService(fake, nil, 0)

	ctx := context.Background()
	if !svc.IsAuthorized(ctx, "Alice", []string{"alice"}, nil, nil) {
		t.Error("expected case-insensitive explicit user match")
	}
	if fake.calls != 0 {
		t.Errorf("expected no host calls, got %d", fake.calls)
	}
}

func TestIsAuthorizedOrganization(t *testing.T) {
	fake := &fakeMembers{orgs: map[string][]string{"product-os": {"alice", "bob"}}}
	svc := NewMembershipService(fake, nil, 0)

	ctx := context.Background()
	if !svc.IsAuthorized(ctx, "BOB", nil, []string{"product-os"}, nil) {
		t.Error("expected org member to be authorized")
	}
	if svc.IsAuthorized(ctx, "mallory", nil, []string{"product-os"}, nil) {
		t.Error("expected non-member to be denied")
	}
}

func TestIsAuthorizedTeam(t *testing.T) {
	fake := &fakeMembers{teams: map[string][]string{"product-os/deployers": {"carol"}}}
	svc := NewMembershipService(fake, nil, 0)

	ctx := context.Background()
	if !svc.IsAuthorized(ctx, "carol", nil, nil, []string{"product-os/deployers"}) {
		t.Error("expected team member to be authorized")
	}
}

func TestIsAuthorizedEmptyLogin(t *testing.T) {
	fake := &fakeMembers{orgs: map[string][]string{"product-os": {""}}}
	svc := NewMembershipService(fake, nil, 0)

	if svc.IsAuthorized(context.Background(), "", []string{""}, []string{"product-os"}, nil) {
		t.Error("empty login must never be authorized")
	}
}

func TestMalformedTeamReference(t *testing.T) {
	fake := &fakeMembers{teams: map[string][]string{"product-os/deployers": {"carol"}}}
	svc := NewMembershipService(fake, nil, 0)

	ctx := context.Background()
	for _, team := range []string{"deployers", "/deployers", "product-os/"} {
		if svc.IsInTeam(ctx, "carol", team) {
			t.Errorf("malformed team reference %q must not match", team)
		}
	}
	if fake.calls != 0 {
		t.Errorf("malformed references must not reach the host, got %d calls", fake.calls)
	}
}

func TestLookupFailureIsNonMember(t *testing.T) {
	fake := &fakeMembers{err: errors.New("boom")}
	svc := NewMembershipService(fake, nil, 0)

	ctx := context.Background()
	if svc.IsInOrganization(ctx, "alice", "product-os") {
		t.Error("lookup failure must fail closed")
	}
	if svc.IsInTeam(ctx, "alice", "product-os/deployers") {
		t.Error("lookup failure must fail closed")
	}
}

func TestMembershipCacheHit(t *testing.T) {
	cache, err := ristretto.NewMemberCache(1 << 20)
	if err != nil {
		t.Fatalf("NewMemberCache: %v", err)
	}
	defer cache.Close()

	fake := &fakeMembers{orgs: map[string][]string{"product-os": {"alice"}}}
	svc := NewMembershipService(fake, cache, time.Minute)

	ctx := context.Background()
	if !svc.IsInOrganization(ctx, "alice", "product-os") {
		t.Fatal("expected member on first lookup")
	}
	cache.Wait()

	if !svc.IsInOrganization(ctx, "alice", "product-os") {
		t.Fatal("expected member on cached lookup")
	}
	if fake.calls != 1 {
		t.Errorf("expected exactly one host call, got %d", fake.calls)
	}
}
