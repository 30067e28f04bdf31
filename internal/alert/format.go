package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return json.Marshal(event)
	}
}

func formatSlack(event Event) ([]byte, error) {
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("cmdwarden: %s", event.Kind),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Subject:* %s", event.Subject)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Session:* %s", event.SessionID)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Command:* %s", event.Command)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event Event) ([]byte, error) {
	severity := "warning"
	switch event.Kind {
	case KindForbiddenCommand, KindTamper:
		severity = "critical"
	case KindDangerousPattern:
		severity = "error"
	}

	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("cmdwarden %s: %s", event.Kind, event.Subject),
			"severity": severity,
			"source":   "cmdwarden",
			"custom_details": map[string]any{
				"envelope_id": event.EnvelopeID,
				"session_id":  event.SessionID,
				"command":     event.Command,
				"reason":      event.Reason,
			},
		},
	}
	return json.Marshal(payload)
}
