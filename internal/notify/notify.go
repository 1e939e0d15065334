// Package notify posts drone lifecycle notifications to Slack. It is
// optional; a hub without a bot token runs with a nil Notifier and every
// method becomes a no-op.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"

	"github.com/nerfZael/dronehub/model"
)

const postTimeout = 5 * time.Second

// poster is the slice of slack.Client the notifier uses.
type poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Notifier posts to a single Slack channel.
type Notifier struct {
	api     poster
	channel string
	log     *slog.Logger
}

// New builds a Notifier. An empty token or channel disables notifications
// by returning nil.
func New(botToken, channel string, log *slog.Logger) *Notifier {
	if botToken == "" || channel == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		api:     slack.New(botToken),
		channel: channel,
		log:     log,
	}
}

// DroneReady announces a drone reaching the ready phase.
func (n *Notifier) DroneReady(d model.DroneRecord) {
	n.post(fmt.Sprintf(":white_check_mark: *Drone `%s` is ready*", d.Name), d, "")
}

// DroneError announces a drone entering the error phase.
func (n *Notifier) DroneError(d model.DroneRecord, msg string) {
	n.post(fmt.Sprintf(":x: *Drone `%s` failed*", d.Name), d, msg)
}

// DroneDeleted announces a drone removal.
func (n *Notifier) DroneDeleted(d model.DroneRecord) {
	n.post(fmt.Sprintf(":wastebasket: Drone `%s` deleted", d.Name), d, "")
}

func (n *Notifier) post(header string, d model.DroneRecord, detail string) {
	if n == nil {
		return
	}

	headerText := slack.NewTextBlockObject(slack.MarkdownType, header, false, false)
	blocks := []slack.Block{slack.NewSectionBlock(headerText, nil, nil)}
	if detail != "" {
		detailText := slack.NewTextBlockObject(slack.MarkdownType,
			fmt.Sprintf("```%s```", model.Truncate(detail, 2000)), false, false)
		blocks = append(blocks, slack.NewSectionBlock(detailText, nil, nil))
	}
	contextLine := fmt.Sprintf("Drone `%s`", d.ID)
	if d.Group != "" {
		contextLine += fmt.Sprintf(" | Group `%s`", d.Group)
	}
	blocks = append(blocks, slack.NewContextBlock("",
		slack.NewTextBlockObject(slack.MarkdownType, contextLine, false, false)))

	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()
	if _, _, err := n.api.PostMessageContext(ctx, n.channel, slack.MsgOptionBlocks(blocks...)); err != nil {
		n.log.Warn("slack notification failed", "drone", d.ID, "err", err)
	}
}
