package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Guild is the minimal guild view the dashboard core depends on.
type Guild struct {
	ID   string
	Name string
}

// Member is a guild member with their role IDs.
type Member struct {
	UserID string
	Roles  []string
}

// GuildSource is the chat-platform capability the auth pipeline needs:
// enumerate the guilds the bot belongs to, and fetch a member's roles in
// one guild. Tests substitute a fake.
type GuildSource interface {
	Guilds() ([]Guild, error)
	Member(guildID, userID string) (*Member, error)
}

// Client is the discordgo-backed GuildSource used in production.
type Client struct {
	session *discordgo.Session
}

// NewClient opens a bot-token gateway session.
func NewClient(botToken string) (*Client, error) {
	s, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	if err := s.Open(); err != nil {
		return nil, fmt.Errorf("open discord gateway: %w", err)
	}
	return &Client{session: s}, nil
}

// Close shuts down the gateway connection.
func (c *Client) Close() error {
	return c.session.Close()
}

// Guilds enumerates the guilds the bot is a member of.
func (c *Client) Guilds() ([]Guild, error) {
	gs, err := c.session.UserGuilds(200, "", "", false)
	if err != nil {
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	out := make([]Guild, 0, len(gs))
	for _, g := range gs {
		out = append(out, Guild{ID: g.ID, Name: g.Name})
	}
	return out, nil
}

// Member fetches the member record for userID in guildID. Returns
// (nil, nil) when the user is not a member of that guild.
func (c *Client) Member(guildID, userID string) (*Member, error) {
	m, err := c.session.GuildMember(guildID, userID)
	if err != nil {
		if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Response != nil && restErr.Response.StatusCode == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch member %s in guild %s: %w", userID, guildID, err)
	}
	return &Member{UserID: userID, Roles: m.Roles}, nil
}
