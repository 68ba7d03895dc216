// Package notify posts staff notifications to a Discord channel. Delivery
// is fire-and-forget: failures are logged and never surfaced to the
// business operation that triggered them.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/garagemlabs/garagem/internal/config"
)

// Discord sends staff notifications over a Discord bot session.
type Discord struct {
	session   *discordgo.Session
	channelID string
	logger    *slog.Logger
}

// New creates a Discord notifier and opens its session.
func New(cfg config.NotifyConfig, logger *slog.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsNone
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("opening discord session: %w", err)
	}
	return &Discord{
		session:   session,
		channelID: cfg.ChannelID,
		logger:    logger,
	}, nil
}

// Close shuts down the Discord session.
func (d *Discord) Close() error {
	return d.session.Close()
}

// ReservationConfirmed announces a confirmed reservation to the staff
// channel.
func (d *Discord) ReservationConfirmed(ctx context.Context, vehicleID, reservationID string) {
	d.send(ctx, &discordgo.MessageEmbed{
		Title: "Reservation confirmed",
		Color: 0x2ecc71,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Vehicle", Value: vehicleID, Inline: true},
			{Name: "Reservation", Value: reservationID, Inline: true},
		},
	})
}

// AuctionClosed announces an auction outcome to the staff channel.
func (d *Discord) AuctionClosed(ctx context.Context, auctionID, outcome string) {
	color := 0x2ecc71
	if outcome != "closed_won" {
		color = 0xe74c3c
	}
	d.send(ctx, &discordgo.MessageEmbed{
		Title: "Auction closed",
		Color: color,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Auction", Value: auctionID, Inline: true},
			{Name: "Outcome", Value: outcome, Inline: true},
		},
	})
}

func (d *Discord) send(ctx context.Context, embed *discordgo.MessageEmbed) {
	if _, err := d.session.ChannelMessageSendEmbed(d.channelID, embed); err != nil {
		d.logger.WarnContext(ctx, "discord notification failed",
			slog.String("channel_id", d.channelID),
			slog.String("title", embed.Title),
			slog.Any("error", err),
		)
	}
}
