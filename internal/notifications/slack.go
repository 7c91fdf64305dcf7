// Package notifications alerts operators when a schedule stops running.
package notifications

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"

	"github.com/Harvey-AU/report-scheduler/internal/db"
)

// PauseNotifier is told when a schedule is auto-paused
type PauseNotifier interface {
	NotifyPaused(ctx context.Context, schedule *db.Schedule, code db.ErrorCode)
}

// New returns a Slack notifier, or a no-op one when webhookURL is empty
func New(webhookURL, appURL string) PauseNotifier {
	if webhookURL == "" {
		log.Info().Msg("SLACK_WEBHOOK_URL not set, pause notifications disabled")
		return NoopNotifier{}
	}
	return NewSlackNotifier(webhookURL, appURL)
}

// NoopNotifier discards notifications
type NoopNotifier struct{}

func (NoopNotifier) NotifyPaused(context.Context, *db.Schedule, db.ErrorCode) {}

// SlackNotifier posts to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	appURL     string
}

func NewSlackNotifier(webhookURL, appURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		appURL:     strings.TrimRight(appURL, "/"),
	}
}

// NotifyPaused posts the alert. Failures are logged only.
func (n *SlackNotifier) NotifyPaused(ctx context.Context, schedule *db.Schedule, code db.ErrorCode) {
	blocks := n.buildMessageBlocks(schedule, code)
	msg := &slack.WebhookMessage{
		Text:   fmt.Sprintf("Report schedule %s auto-paused: %s", schedule.ID, code),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}

	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		log.Warn().
			Err(err).
			Str("schedule_id", schedule.ID).
			Str("error_code", string(code)).
			Msg("Failed to send Slack pause notification")
		return
	}

	log.Info().
		Str("schedule_id", schedule.ID).
		Str("error_code", string(code)).
		Msg("Slack pause notification sent")
}

func (n *SlackNotifier) buildMessageBlocks(schedule *db.Schedule, code db.ErrorCode) []slack.Block {
	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(
				"mrkdwn",
				fmt.Sprintf(":double_vertical_bar: *Report schedule auto-paused* after %d consecutive failures", schedule.ConsecutiveFailures),
				false,
				false,
			),
			nil,
			nil,
		),
		slack.NewSectionBlock(
			nil,
			[]*slack.TextBlockObject{
				slack.NewTextBlockObject("mrkdwn", "*Schedule*\n`"+schedule.ID+"`", false, false),
				slack.NewTextBlockObject("mrkdwn", "*Last error*\n`"+string(code)+"`", false, false),
				slack.NewTextBlockObject("mrkdwn", "*Report*\n"+string(schedule.ReportKind), false, false),
				slack.NewTextBlockObject("mrkdwn", "*Property*\n"+schedule.AnalyticsPropertyID, false, false),
			},
			nil,
		),
	}

	if schedule.PauseReason != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", schedule.PauseReason, false, false),
		))
	}

	if n.appURL != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(
				"mrkdwn",
				fmt.Sprintf("<%s/schedules/%s|Review and resume>", n.appURL, schedule.ID),
				false,
				false,
			),
			nil,
			nil,
		))
	}

	return blocks
}
