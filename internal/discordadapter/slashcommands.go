package discordadapter

import (
	"log/slog"

	"github.com/bwmarrin/discordgo"
)

var slashCommandDefs = []*discordgo.ApplicationCommand{
	{
		Name:        "connect",
		Description: "Bind this Discord guild to a Roomy space",
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "roomy-space-url",
				Description: "The Roomy space URL to bridge to",
				Required:    true,
			},
		},
	},
	{
		Name:        "disconnect",
		Description: "Unbind this Discord guild from its Roomy space",
	},
	{
		Name:        "info",
		Description: "Show bridge status for this guild",
	},
}

func (a *Adapter) registerSlashCommands() error {
	for _, cmd := range slashCommandDefs {
		if _, err := a.session.ApplicationCommandCreate(a.appID, "", cmd); err != nil {
			return err
		}
	}
	slog.Info("slash commands registered", "count", len(slashCommandDefs))
	return nil
}

func (a *Adapter) handleInteraction(s *discordgo.Session, ic *discordgo.InteractionCreate) {
	if ic.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := ic.ApplicationCommandData()

	var response string
	switch data.Name {
	case "connect":
		if a.handlers.OnSlashConnect == nil {
			return
		}
		url := ""
		if len(data.Options) > 0 {
			url = data.Options[0].StringValue()
		}
		response = a.handlers.OnSlashConnect(ic, url)
	case "disconnect":
		if a.handlers.OnSlashDisconnect == nil {
			return
		}
		response = a.handlers.OnSlashDisconnect(ic)
	case "info":
		if a.handlers.OnSlashInfo == nil {
			return
		}
		response = a.handlers.OnSlashInfo(ic)
	default:
		return
	}

	err := s.InteractionRespond(ic.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: response,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		slog.Error("failed to respond to interaction", "command", data.Name, "error", err)
	}
}
