package chatbot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const discordBusyMessage = "I'm still working on your last message!"

// Discord owns the gateway session and turns qualifying messages into
// bot responses.
type Discord struct {
	session *discordgo.Session
	config  *DiscordConfig
	logger  *slog.Logger
	bot     *ChatBot

	connected         atomic.Bool
	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64

	removeHandlerFuncs []func()
}

func newDiscord(bot *ChatBot, config *DiscordConfig) (*Discord, error) {
	d := &Discord{
		config: config,
		logger: slog.New(bot.logHandler).With(loggerNameKey, "discord"),
		bot:    bot,
	}

	session, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return nil, fmt.Errorf("error creating discord session: %w", err)
	}
	session.Identify.Intents = config.GatewayIntents
	session.StateEnabled = true
	if config.httpClient != nil {
		session.Client = config.httpClient
	}
	if config.DiscordGoLogLevel != nil {
		for msgL, level := range discordGoLogLevels {
			if level == config.DiscordGoLogLevel.Level() {
				session.LogLevel = msgL
			}
		}
	}
	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		bot.logHandler,
	)
	d.session = session
	return d, nil
}

// connect opens the gateway session and registers the message handler.
func (d *Discord) connect(ctx context.Context) error {
	d.removeHandlerFuncs = append(
		d.removeHandlerFuncs,
		d.session.AddHandler(d.handleReady),
		d.session.AddHandler(d.handleConnect),
		d.session.AddHandler(d.handleDisconnect),
		d.session.AddHandler(d.handleMessageCreate),
	)

	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (d *Discord) close() error {
	for _, removeHandler := range d.removeHandlerFuncs {
		removeHandler()
	}
	d.removeHandlerFuncs = nil
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

func (d *Discord) handleReady(s *discordgo.Session, _ *discordgo.Ready) {
	d.logger.Info("discord session ready", "bot_user", s.State.User.Username)

	if d.config.CustomStatus != "" {
		if err := s.UpdateCustomStatus(d.config.CustomStatus); err != nil {
			d.logger.Error("error setting custom status", tint.Err(err))
		}
	}
	if d.config.StartupMessage != "" && d.config.NotificationChannelID != "" {
		_, err := s.ChannelMessageSend(
			d.config.NotificationChannelID,
			d.config.StartupMessage,
		)
		if err != nil {
			d.logger.Error("error sending startup message", tint.Err(err))
		}
	}
}

func (d *Discord) handleConnect(_ *discordgo.Session, _ *discordgo.Connect) {
	d.metricConnects.Add(1)
	d.connected.Store(true)
	d.logger.Info("connected to discord gateway")
}

func (d *Discord) handleDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	d.metricDisconnects.Add(1)
	d.connected.Store(false)
	d.logger.Warn("disconnected from discord gateway")
}

// handleMessageCreate filters incoming messages and dispatches qualifying
// ones to the response pipeline in a goroutine, so the gateway event loop
// is never blocked on a provider round trip.
func (d *Discord) handleMessageCreate(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == s.State.User.ID {
		return
	}
	if m.MentionEveryone {
		return
	}

	content, triggered := d.shouldRespond(s, m)
	if !triggered {
		return
	}
	if !d.channelAllowed(m) {
		d.logger.Debug(
			"ignoring message outside allowed channels",
			"channel_id", m.ChannelID,
			"guild_id", m.GuildID,
		)
		return
	}

	if !d.bot.tryAcquireUser(m.Author.ID) {
		d.logger.Info("user already has a request in flight", "user_id", m.Author.ID)
		d.reply(s, m, discordBusyMessage)
		return
	}

	go func() {
		defer d.bot.releaseUser(m.Author.ID)
		d.respondToMessage(s, m, content)
	}()
}

// shouldRespond reports whether the message is addressed to the bot: a
// DM, a mention, or a configured trigger word. The returned content has
// the bot mention stripped.
func (d *Discord) shouldRespond(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) (string, bool) {
	content := strings.TrimSpace(m.Content)
	if content == "" {
		return "", false
	}

	if m.GuildID == "" {
		return content, true
	}

	botID := s.State.User.ID
	for _, mention := range m.Mentions {
		if mention.ID == botID {
			content = strings.ReplaceAll(content, "<@"+botID+">", "")
			content = strings.ReplaceAll(content, "<@!"+botID+">", "")
			content = strings.TrimSpace(content)
			return content, content != ""
		}
	}

	lower := strings.ToLower(content)
	for _, trigger := range d.config.TriggerWords {
		if trigger != "" && strings.Contains(lower, strings.ToLower(trigger)) {
			return content, true
		}
	}
	return "", false
}

func (d *Discord) channelAllowed(m *discordgo.MessageCreate) bool {
	if m.GuildID == "" {
		return true
	}
	if d.config.GuildID != "" && m.GuildID != d.config.GuildID {
		return false
	}
	if len(d.config.AllowedChannels) == 0 {
		return true
	}
	for _, channelID := range d.config.AllowedChannels {
		if channelID == m.ChannelID {
			return true
		}
	}
	return false
}

func (d *Discord) respondToMessage(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
	content string,
) {
	ctx := WithLogger(context.Background(), d.logger)

	if err := s.ChannelTyping(m.ChannelID); err != nil {
		d.logger.Debug("error sending typing indicator", tint.Err(err))
	}

	persona := resolvePersona(
		m.Author.ID,
		authorDisplayName(m.Message),
		m.Member,
		d.guildRoles(s, m.GuildID),
		d.bot.config.Roles,
	)

	reply, err := d.bot.respond(ctx, IncomingMessage{
		UserID:    m.Author.ID,
		UserName:  authorDisplayName(m.Message),
		ChannelID: m.ChannelID,
		GuildID:   m.GuildID,
		Content:   content,
		Persona:   persona,
		History:   s,
		BotUserID: s.State.User.ID,
	})
	if err != nil {
		d.logger.Error("error responding to message", tint.Err(err))
		reply = d.config.ErrorMessage
	}
	if reply == "" {
		return
	}
	d.reply(s, m, reply)
}

func (d *Discord) guildRoles(s *discordgo.Session, guildID string) []*discordgo.Role {
	if guildID == "" {
		return nil
	}
	if guild, err := s.State.Guild(guildID); err == nil && guild != nil {
		return guild.Roles
	}
	roles, err := s.GuildRoles(guildID)
	if err != nil {
		d.logger.Warn("error fetching guild roles", tint.Err(err), "guild_id", guildID)
		return nil
	}
	return roles
}

func (d *Discord) reply(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
	reply string,
) {
	for _, chunk := range splitMessage(reply, discordMaxMessageLength) {
		_, err := s.ChannelMessageSendReply(m.ChannelID, chunk, m.Reference())
		if err != nil {
			d.logger.Error("error sending reply", tint.Err(err))
			return
		}
	}
}
