package auth

import (
	"context"
	"errors"
	"testing"

	"botdeck/internal/apperrors"
	"botdeck/internal/discord"
)

// fakeSource is an in-memory GuildSource.
type fakeSource struct {
	guilds    []discord.Guild
	members   map[string]map[string]*discord.Member // guildID → userID → member
	guildsErr error
}

func (f *fakeSource) Guilds() ([]discord.Guild, error) {
	if f.guildsErr != nil {
		return nil, f.guildsErr
	}
	return f.guilds, nil
}

func (f *fakeSource) Member(guildID, userID string) (*discord.Member, error) {
	if g, ok := f.members[guildID]; ok {
		return g[userID], nil
	}
	return nil, nil
}

func discordUser() *DiscordUser {
	return &DiscordUser{ID: "42", Username: "tester", Discriminator: "0"}
}

func TestResolveRolesUnionAcrossGuilds(t *testing.T) {
	src := &fakeSource{
		guilds: []discord.Guild{{ID: "g1"}, {ID: "g2"}, {ID: "g3"}},
		members: map[string]map[string]*discord.Member{
			"g1": {"42": {UserID: "42", Roles: []string{"member", "dj"}}},
			"g3": {"42": {UserID: "42", Roles: []string{"dj", "operator"}}},
		},
	}

	data, err := ResolveRoles(context.Background(), src, discordUser())
	if err != nil {
		t.Fatalf("ResolveRoles: %v", err)
	}

	// First shared guild pins GuildID.
	if data.GuildID != "g1" {
		t.Errorf("GuildID = %q, want g1", data.GuildID)
	}
	// Union with duplicates removed.
	want := []string{"member", "dj", "operator"}
	if len(data.Roles) != len(want) {
		t.Fatalf("roles = %v, want %v", data.Roles, want)
	}
	for i, r := range want {
		if data.Roles[i] != r {
			t.Errorf("roles[%d] = %q, want %q", i, data.Roles[i], r)
		}
	}
}

func TestResolveRolesNotInAnyGuild(t *testing.T) {
	src := &fakeSource{
		guilds:  []discord.Guild{{ID: "g1"}},
		members: map[string]map[string]*discord.Member{},
	}

	_, err := ResolveRoles(context.Background(), src, discordUser())
	if apperrors.KindOf(err) != apperrors.KindAuthentication {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestResolveRolesProviderDown(t *testing.T) {
	src := &fakeSource{guildsErr: errors.New("gateway closed")}
	_, err := ResolveRoles(context.Background(), src, discordUser())
	if apperrors.KindOf(err) != apperrors.KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestResolveRolesEmptyRoleSet(t *testing.T) {
	src := &fakeSource{
		guilds: []discord.Guild{{ID: "g1"}},
		members: map[string]map[string]*discord.Member{
			"g1": {"42": {UserID: "42", Roles: nil}},
		},
	}

	data, err := ResolveRoles(context.Background(), src, discordUser())
	if err != nil {
		t.Fatalf("membership without roles is still membership: %v", err)
	}
	if data.GuildID != "g1" || len(data.Roles) != 0 {
		t.Errorf("data = %+v", data)
	}
	if data.Roles == nil {
		t.Error("roles must be an empty slice, not nil, for JSON round-trips")
	}
}
