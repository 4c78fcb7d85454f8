package notify

import (
	"context"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/logger"
	"codeberg.org/mutker/bitaxectl/internal/report"
)

// Sender is satisfied by *Dispatcher.
type Sender interface {
	Send(msg Message) error
}

// Summarizer computes the history summary for [from, to].
type Summarizer func(ctx context.Context, from, to time.Time) (report.Summary, error)

// Digest sends a summary of the last interval of history, once per interval.
type Digest struct {
	sender    Sender
	summarize Summarizer
	interval  time.Duration
	logger    logger.Logger
}

func NewDigest(sender Sender, summarize Summarizer, interval time.Duration, log logger.Logger) *Digest {
	return &Digest{
		sender:    sender,
		summarize: summarize,
		interval:  interval,
		logger:    log,
	}
}

// Run sends a digest at the end of every interval until ctx is cancelled.
func (g *Digest) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := g.SendAt(ctx, now); err != nil {
				g.logger.Warn().
					Err(err).
					Str("error_code", string(errors.CodeOf(err))).
					Msg("Failed to send summary")
			}
		}
	}
}

// SendAt summarizes the interval ending at now and queues the message.
func (g *Digest) SendAt(ctx context.Context, now time.Time) error {
	sum, err := g.summarize(ctx, now.Add(-g.interval), now)
	if err != nil {
		return err
	}

	if err := g.sender.Send(FromSummary(sum)); err != nil {
		return err
	}

	g.logger.Debug().
		Int("samples", sum.Samples).
		Int("alerts", sum.Alerts).
		Msg("Summary queued")
	return nil
}
