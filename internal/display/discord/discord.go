// Package discord provides a display sink that posts every finished capture
// to a Discord channel: the classifier input as an attachment and the results
// as an embed.
//
// Posting happens on a background goroutine so a slow Discord API never holds
// up the capture pipeline. When the queue is full the update is dropped.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/disintegration/imaging"

	"github.com/MrWong99/seesay/internal/display"
	"github.com/MrWong99/seesay/pkg/provider/classifier"
)

const (
	// embedColorOK is the sidebar colour when something was recognised.
	embedColorOK = 0x2ECC71

	// embedColorNothing is the sidebar colour for an empty result.
	embedColorNothing = 0xE67E22

	queueSize = 4
)

// Sender is the subset of *discordgo.Session the sink uses.
type Sender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Config holds Discord sink configuration.
type Config struct {
	// Token is the bot token, without the "Bot " prefix.
	Token string `yaml:"token"`

	// ChannelID is the channel results are posted to.
	ChannelID string `yaml:"channel_id"`
}

// Sink posts results to Discord. Thread-safe.
type Sink struct {
	sender    Sender
	channelID string
	closer    func() error

	mu      sync.Mutex
	pending []byte // PNG of the last image, waiting for its results

	queue    chan *discordgo.MessageSend
	done     chan struct{}
	stopOnce sync.Once
}

// New opens a Discord session with cfg and returns a sink posting through it.
func New(cfg Config) (*Sink, error) {
	if cfg.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel_id is required")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	s := NewWithSender(session, cfg.ChannelID)
	s.closer = session.Close
	return s, nil
}

// NewWithSender returns a sink posting through sender. Used by tests and by
// callers that already own a session.
func NewWithSender(sender Sender, channelID string) *Sink {
	s := &Sink{
		sender:    sender,
		channelID: channelID,
		queue:     make(chan *discordgo.MessageSend, queueSize),
		done:      make(chan struct{}),
	}
	go s.loop()
	return s
}

// ShowStatus implements [display.Sink]. Status changes are not posted.
func (s *Sink) ShowStatus(string) {}

// ShowImage implements [display.Sink]. The image is encoded now and posted
// together with the next results.
func (s *Sink) ShowImage(img image.Image) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		slog.Warn("discord: encode image", "err", err)
		return
	}
	s.mu.Lock()
	s.pending = buf.Bytes()
	s.mu.Unlock()
}

// ShowResults implements [display.Sink].
func (s *Sink) ShowResults(recs []classifier.Recognition) {
	s.mu.Lock()
	png := s.pending
	s.pending = nil
	s.mu.Unlock()

	msg := &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{buildEmbed(recs)}}
	if png != nil {
		msg.Files = []*discordgo.File{{Name: "capture.png", ContentType: "image/png", Reader: bytes.NewReader(png)}}
		msg.Embeds[0].Image = &discordgo.MessageEmbedImage{URL: "attachment://capture.png"}
	}

	select {
	case s.queue <- msg:
	case <-s.done:
	default:
		slog.Warn("discord: post queue full, dropping result", "channel", s.channelID)
	}
}

func (s *Sink) loop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			if _, err := s.sender.ChannelMessageSendComplex(s.channelID, msg); err != nil {
				slog.Warn("discord: post result", "channel", s.channelID, "err", err)
			}
		}
	}
}

// Close stops posting and closes the session opened by [New]. Queued posts
// are discarded. Idempotent.
func (s *Sink) Close(_ context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.closer != nil {
			err = s.closer()
		}
	})
	return err
}

// buildEmbed renders recs as an embed with one field per slot.
func buildEmbed(recs []classifier.Recognition) *discordgo.MessageEmbed {
	color := embedColorOK
	if len(recs) == 0 {
		color = embedColorNothing
	}
	slots := display.Slots(recs)
	fields := make([]*discordgo.MessageEmbedField, 0, display.MaxSlots)
	for i, text := range slots {
		if text == "" {
			text = "-"
		}
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:   fmt.Sprintf("#%d", i+1),
			Value:  text,
			Inline: true,
		})
	}
	return &discordgo.MessageEmbed{
		Title:  display.Summary(recs),
		Color:  color,
		Fields: fields,
	}
}

var _ display.Sink = (*Sink)(nil)
