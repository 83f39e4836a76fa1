package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/lavafleet/pkg/lavalink"
)

// commandTimeout bounds one command's node round-trips.
const commandTimeout = 30 * time.Second

// musicBot handles the text command surface.
type musicBot struct {
	manager *lavalink.Manager
	prefix  string
}

// onMessage dispatches prefix commands from guild messages.
func (b *musicBot) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.GuildID == "" {
		return
	}
	if !strings.HasPrefix(m.Content, b.prefix) {
		return
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(m.Content, b.prefix), " ")
	arg = strings.TrimSpace(arg)

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	var err error
	switch strings.ToLower(name) {
	case "play":
		err = b.play(ctx, s, m, arg)
	case "skip":
		err = b.withPlayer(m.GuildID, func(p *lavalink.Player) error { return p.Skip(ctx) })
	case "pause":
		err = b.withPlayer(m.GuildID, func(p *lavalink.Player) error { return p.Pause(ctx, true) })
	case "resume":
		err = b.withPlayer(m.GuildID, func(p *lavalink.Player) error { return p.Pause(ctx, false) })
	case "stop":
		err = b.withPlayer(m.GuildID, func(p *lavalink.Player) error { return p.Stop(ctx, true) })
	case "loop":
		err = b.withPlayer(m.GuildID, func(p *lavalink.Player) error {
			return p.SetLoop(lavalink.LoopMode(arg))
		})
	case "queue":
		err = b.showQueue(s, m)
	case "leave":
		err = b.withPlayer(m.GuildID, func(p *lavalink.Player) error {
			p.Destroy()
			return nil
		})
	default:
		return
	}
	if err != nil {
		slog.Warn("command failed", "command", name, "guild", m.GuildID, "error", err)
		_, _ = s.ChannelMessageSend(m.ChannelID, "error: "+err.Error())
	}
}

// play resolves the query and starts or enqueues the result.
func (b *musicBot) play(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, query string) error {
	if query == "" {
		return fmt.Errorf("usage: %splay <url or search>", b.prefix)
	}

	channelID, err := voiceChannelOf(s, m.GuildID, m.Author.ID)
	if err != nil {
		return err
	}

	player, err := b.manager.CreatePlayer(m.GuildID, nil)
	if err != nil {
		return err
	}
	if player.ChannelID() == "" {
		if err := player.Connect(ctx, channelID); err != nil {
			return err
		}
	}

	result, err := b.manager.LoadTracks(ctx, query, player)
	if err != nil {
		return err
	}

	var tracks []lavalink.Track
	switch result.LoadType {
	case lavalink.LoadTypeTrack:
		t, err := result.Track()
		if err != nil {
			return err
		}
		tracks = []lavalink.Track{t}
	case lavalink.LoadTypeSearch:
		found, err := result.Tracks()
		if err != nil {
			return err
		}
		if len(found) == 0 {
			return fmt.Errorf("nothing found for %q", query)
		}
		tracks = found[:1]
	case lavalink.LoadTypePlaylist:
		pl, err := result.Playlist()
		if err != nil {
			return err
		}
		tracks = pl.Tracks
	case lavalink.LoadTypeEmpty:
		return fmt.Errorf("nothing found for %q", query)
	case lavalink.LoadTypeError:
		exc, err := result.LoadError()
		if err != nil {
			return err
		}
		return exc
	}

	for i := range tracks {
		tracks[i].Requester = m.Author.ID
	}
	player.Queue().Add(tracks...)

	if !player.Playing() {
		return player.Play(ctx, lavalink.PlayRequest{})
	}
	_, _ = s.ChannelMessageSend(m.ChannelID, fmt.Sprintf("queued %d track(s)", len(tracks)))
	return nil
}

// showQueue prints the current track and the next few queued ones.
func (b *musicBot) showQueue(s *discordgo.Session, m *discordgo.MessageCreate) error {
	player, ok := b.manager.Player(m.GuildID)
	if !ok {
		return fmt.Errorf("nothing is playing")
	}
	var sb strings.Builder
	if cur, has := player.Current(); has {
		fmt.Fprintf(&sb, "now: %s - %s (%s)\n", cur.Info.Author, cur.Info.Title, cur.Duration())
	}
	for i, t := range player.Queue().Tracks() {
		if i >= 10 {
			fmt.Fprintf(&sb, "... and %d more\n", player.Queue().Size()-10)
			break
		}
		fmt.Fprintf(&sb, "%d. %s - %s\n", i+1, t.Info.Author, t.Info.Title)
	}
	if sb.Len() == 0 {
		sb.WriteString("queue is empty")
	}
	_, err := s.ChannelMessageSend(m.ChannelID, sb.String())
	return err
}

// withPlayer runs fn against the guild's player when one exists.
func (b *musicBot) withPlayer(guildID string, fn func(*lavalink.Player) error) error {
	player, ok := b.manager.Player(guildID)
	if !ok {
		return fmt.Errorf("nothing is playing")
	}
	return fn(player)
}

// voiceChannelOf finds the voice channel the user is currently in.
func voiceChannelOf(s *discordgo.Session, guildID, userID string) (string, error) {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return "", fmt.Errorf("guild not cached: %w", err)
	}
	for _, vs := range guild.VoiceStates {
		if vs.UserID == userID && vs.ChannelID != "" {
			return vs.ChannelID, nil
		}
	}
	return "", fmt.Errorf("join a voice channel first")
}
