// Package alerts parses Alertmanager-shaped webhook envelopes into
// AlertEvent records and derives per-alert identifiers.
// It is not built on prometheus/alertmanager's own template package
// (not vendored in the dependency set this project draws from); the
// envelope shape is simple enough that a direct discriminator-based
// decode, in the same style the control plane already uses for other
// inbound webhook formats, is a better fit than pulling in the full
// Alertmanager module.
package alerts

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/flowmesh/fleetd/internal/model"
)

// ErrEmptyBody is returned when the webhook request body is empty.
var ErrEmptyBody = errors.New("empty request body")

// envelope mirrors Alertmanager's webhook_config payload.
type envelope struct {
	Receiver string        `json:"receiver"`
	Status   string        `json:"status"`
	Alerts   []alertEntry  `json:"alerts"`
	GroupKey string        `json:"groupKey"`
}

type alertEntry struct {
	Status       string            `json:"status"`
	Labels       map[string]string `json:"labels"`
	Annotations  map[string]string `json:"annotations"`
	StartsAt     time.Time         `json:"startsAt"`
	EndsAt       time.Time         `json:"endsAt"`
	Fingerprint  string            `json:"fingerprint"`
}

// severitySynonyms maps the documented synonym set down onto fleetd's
// three severity buckets; anything not listed here passes through
// lowercased rather than collapsing to a single catch-all value.
var severitySynonyms = map[string]string{
	"critical":      "critical",
	"fatal":         "critical",
	"high":          "critical",
	"emergency":     "critical",
	"warning":       "warning",
	"warn":          "warning",
	"medium":        "warning",
	"info":          "info",
	"informational": "info",
	"low":           "info",
}

// Parse decodes an Alertmanager webhook body into one AlertEvent per
// contained alert. RawPayload on each event holds the whole webhook body
// as received, so every event from one delivery carries the same envelope.
func Parse(body []byte) ([]model.AlertEvent, error) {
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.New("invalid JSON: " + err.Error())
	}

	events := make([]model.AlertEvent, 0, len(env.Alerts))
	for _, a := range env.Alerts {
		labelsJSON, _ := json.Marshal(a.Labels)
		annotationsJSON, _ := json.Marshal(a.Annotations)

		alertName := a.Labels["alertname"]
		streamName := firstNonEmpty(a.Labels["stream_id"], a.Labels["stream"], a.Labels["instance"])
		severity := normalizeSeverity(a.Labels["severity"])

		ev := model.AlertEvent{
			Receiver:           env.Receiver,
			GroupKey:           env.GroupKey,
			NotificationStatus: env.Status,
			AlertStatus:        a.Status,
			AlertName:          alertName,
			AlertUID:           a.Fingerprint,
			Severity:           severity,
			StreamName:         streamName,
			Fingerprint:        a.Fingerprint,
			Summary:            a.Annotations["summary"],
			Description:        a.Annotations["description"],
			StartsAt:           a.StartsAt,
			EndsAt:             a.EndsAt,
			RawPayload:         string(body),
			LabelsJSON:         string(labelsJSON),
			AnnotationsJSON:    string(annotationsJSON),
			ValuesJSON:         "{}",
			Identifier:         Identifier(a.Fingerprint, alertName, streamName, severity),
		}
		events = append(events, ev)
	}
	return events, nil
}

// Identifier derives the stable key used to group related alert events.
// Alertmanager's fingerprint is stable across repeated firings of the
// same alert, so it's used when present; otherwise a composite of
// alert name, stream, and severity approximates the same grouping for
// payloads from a sender that doesn't set one.
func Identifier(fingerprint, alertName, streamName, severity string) string {
	if fingerprint != "" {
		return fingerprint
	}
	return strings.Join([]string{alertName, streamName, severity}, "|")
}

func normalizeSeverity(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if mapped, ok := severitySynonyms[s]; ok {
		return mapped
	}
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
