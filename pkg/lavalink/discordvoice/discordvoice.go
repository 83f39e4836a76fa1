// Package discordvoice bridges bwmarrin/discordgo and the lavalink package.
// It supplies the gateway send callback for the voice-connect opcode and
// forwards Discord's voice events into a [lavalink.Manager].
//
// Typical wiring:
//
//	session, _ := discordgo.New("Bot " + token)
//	manager, _ := lavalink.New(discordvoice.SendFunc(session))
//	discordvoice.Register(session, manager)
package discordvoice

import (
	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/lavafleet/pkg/lavalink"
)

// SendFunc returns a [lavalink.SendGatewayFunc] backed by the session's
// gateway connection.
func SendFunc(session *discordgo.Session) lavalink.SendGatewayFunc {
	return func(guildID string, update lavalink.GatewayVoiceUpdate) error {
		channelID := ""
		if update.ChannelID != nil {
			channelID = *update.ChannelID
		}
		// ChannelVoiceJoinManual sends the raw opcode-4 payload without
		// waiting for the voice connection (the node owns that).
		return session.ChannelVoiceJoinManual(guildID, channelID, update.SelfMute, update.SelfDeaf)
	}
}

// Register wires the session's voice events into the manager and sets the
// bot user ID once the gateway reports ready. Call before opening the
// session.
func Register(session *discordgo.Session, manager *lavalink.Manager) {
	session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		if r.User != nil {
			_ = manager.SetUserID(r.User.ID)
		}
	})
	session.AddHandler(func(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
		manager.HandleVoiceStateUpdate(convertVoiceState(v))
	})
	session.AddHandler(func(_ *discordgo.Session, v *discordgo.VoiceServerUpdate) {
		manager.HandleVoiceServerUpdate(lavalink.VoiceServerUpdate{
			GuildID:  v.GuildID,
			Token:    v.Token,
			Endpoint: v.Endpoint,
		})
	})
}

// convertVoiceState maps discordgo's empty-string channel to the library's
// nil (left voice entirely).
func convertVoiceState(v *discordgo.VoiceStateUpdate) lavalink.VoiceStateUpdate {
	update := lavalink.VoiceStateUpdate{
		GuildID:   v.GuildID,
		UserID:    v.UserID,
		SessionID: v.SessionID,
	}
	if v.ChannelID != "" {
		channelID := v.ChannelID
		update.ChannelID = &channelID
	}
	return update
}
