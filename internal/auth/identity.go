package auth

import (
	"context"
	"log"

	"botdeck/internal/apperrors"
	"botdeck/internal/discord"
	"botdeck/internal/models"
)

// ResolveRoles builds the user's role set from the chat platform. The
// first shared guild pins GuildID; the role set is the union of the
// user's roles across every guild the bot shares with them. A user the
// bot shares no guild with is a hard authentication failure.
func ResolveRoles(ctx context.Context, src discord.GuildSource, user *DiscordUser) (*models.UserData, error) {
	guilds, err := src.Guilds()
	if err != nil {
		return nil, apperrors.Upstream(err, "chat platform unavailable")
	}

	data := &models.UserData{
		ID:            user.ID,
		Username:      user.Username,
		Discriminator: user.Discriminator,
		Avatar:        user.Avatar,
		Roles:         []string{},
	}

	seen := make(map[string]bool)
	found := false
	for _, g := range guilds {
		member, err := src.Member(g.ID, user.ID)
		if err != nil {
			log.Printf("⚠️  Member lookup in guild %s: %v", g.ID, err)
			continue
		}
		if member == nil {
			continue
		}
		if !found {
			data.GuildID = g.ID
			found = true
		}
		for _, role := range member.Roles {
			if !seen[role] {
				seen[role] = true
				data.Roles = append(data.Roles, role)
			}
		}
	}

	if !found {
		return nil, apperrors.Authentication("user is not a member of any guild this bot serves")
	}
	return data, nil
}

// Verifier performs the slow-path re-verification: identity fetch plus
// role resolution against the live provider.
type Verifier struct {
	Exchanger Exchanger
	Source    discord.GuildSource
}

// Verify resolves the full identity behind token. Any failure is an
// authentication or upstream error; callers decide whether to destroy
// the session.
func (v *Verifier) Verify(ctx context.Context, token string) (*models.UserData, error) {
	user, err := v.Exchanger.FetchIdentity(ctx, token)
	if err != nil {
		return nil, err
	}
	return ResolveRoles(ctx, v.Source, user)
}
