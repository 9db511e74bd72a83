package chatbot

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// UserPersona is the resolved view of one requesting user: their effective
// role settings plus the identity line shown to the model.
type UserPersona struct {
	UserID   string
	UserName string

	// Title is the honorific from the user's effective role, if any
	Title string

	// Prompt is the role's system prompt addition, if any
	Prompt string

	// Quota is the effective quota policy. The zero value means unlimited.
	Quota RoleQuotaPolicy
}

// Identity returns the line used to introduce the user to the model.
func (p UserPersona) Identity() string {
	if p.Title != "" {
		return fmt.Sprintf("%s %s (ID: %s)", p.Title, p.UserName, p.UserID)
	}
	return fmt.Sprintf("%s (ID: %s)", p.UserName, p.UserID)
}

// highestConfiguredRole returns the member's highest-positioned guild role
// that has an entry in the role config map, or nil when none do. Role
// position breaks ties the way Discord displays them, higher wins.
func highestConfiguredRole(
	member *discordgo.Member,
	guildRoles []*discordgo.Role,
	roles map[string]*RoleConfig,
) *RoleConfig {
	if member == nil || len(roles) == 0 {
		return nil
	}
	positions := make(map[string]int, len(guildRoles))
	for _, role := range guildRoles {
		positions[role.ID] = role.Position
	}

	var best *RoleConfig
	bestPosition := -1
	for _, roleID := range member.Roles {
		cfg, ok := roles[roleID]
		if !ok {
			continue
		}
		if position := positions[roleID]; position > bestPosition {
			best = cfg
			bestPosition = position
		}
	}
	return best
}

// resolvePersona builds the persona for a requesting user. member and
// guildRoles are nil for direct messages, which resolve to the default
// (unlimited, untitled) persona.
func resolvePersona(
	userID string,
	userName string,
	member *discordgo.Member,
	guildRoles []*discordgo.Role,
	roles map[string]*RoleConfig,
) UserPersona {
	persona := UserPersona{UserID: userID, UserName: userName}
	if roleCfg := highestConfiguredRole(member, guildRoles, roles); roleCfg != nil {
		persona.Title = roleCfg.Title
		persona.Prompt = roleCfg.Prompt
		persona.Quota = roleCfg.Quota
	}
	return persona
}

// buildSystemPrompt assembles the full system prompt for one request:
// base persona, role addition, then the knowledge sections, with the
// security preamble fencing off everything sourced from the transcript.
func buildSystemPrompt(
	basePrompt string,
	securityPreamble string,
	persona UserPersona,
	portrait *Portrait,
	worldEntries []WorldBookEntry,
	memories []MemoryNote,
) string {
	var b strings.Builder

	if basePrompt != "" {
		b.WriteString(basePrompt)
		b.WriteString("\n\n")
	}
	if persona.Prompt != "" {
		b.WriteString(persona.Prompt)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "You are talking with %s.\n", persona.Identity())

	if portrait != nil && portrait.CoreContent != "" {
		b.WriteString("\nWhat you know about this user:\n")
		b.WriteString(portrait.CoreContent)
		b.WriteString("\n")
		if len(portrait.Aliases) > 0 {
			fmt.Fprintf(&b, "They also go by: %s\n", strings.Join(portrait.Aliases, ", "))
		}
	}

	if len(worldEntries) > 0 {
		b.WriteString("\nRelevant background knowledge:\n")
		for _, entry := range worldEntries {
			fmt.Fprintf(&b, "- %s\n", entry.Content)
		}
	}

	if len(memories) > 0 {
		b.WriteString("\nYour memories:\n")
		for _, note := range memories {
			fmt.Fprintf(&b, "- %s\n", note.Content)
		}
	}

	if securityPreamble != "" {
		b.WriteString("\n")
		b.WriteString(securityPreamble)
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}
