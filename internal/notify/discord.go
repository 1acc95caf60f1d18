package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/webhook"
)

type embedPoster interface {
	CreateEmbeds(embeds []discord.Embed, opts ...rest.RequestOpt) (*discord.Message, error)
}

var severityColors = map[string]int{
	"info":    0x2ecc71,
	"warning": 0xf1c40f,
	"error":   0xe74c3c,
}

// DiscordSender delivers alerts as webhook embeds.
type DiscordSender struct {
	client embedPoster
	closer func(ctx context.Context)
}

func NewDiscordSender(webhookURL string) (*DiscordSender, error) {
	client, err := webhook.NewWithURL(webhookURL)
	if err != nil {
		return nil, fmt.Errorf("discord: create webhook client: %w", err)
	}
	return &DiscordSender{client: client, closer: client.Close}, nil
}

func (d *DiscordSender) Send(ctx context.Context, alert Alert) error {
	if _, err := d.client.CreateEmbeds([]discord.Embed{discordEmbed(alert)}, rest.WithCtx(ctx)); err != nil {
		return fmt.Errorf("discord: send embed: %w", err)
	}
	return nil
}

func (d *DiscordSender) Name() string { return "discord" }

// Close releases the webhook client.
func (d *DiscordSender) Close(ctx context.Context) {
	if d.closer != nil {
		d.closer(ctx)
	}
}

func discordEmbed(alert Alert) discord.Embed {
	b := discord.NewEmbedBuilder().
		SetTitle(alert.Title).
		SetColor(severityColors[string(alert.Severity)]).
		SetFooterText(strings.ToUpper(string(alert.Severity)))
	if !alert.Time.IsZero() {
		b.SetTimestamp(alert.Time)
	}
	for _, f := range alert.Fields {
		b.AddField(f.Name, f.Value, len(f.Value) <= 24)
	}
	return b.Build()
}
