package notify

import (
	"fmt"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/report"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
)

var alertTitles = map[telemetry.AlertKind]string{
	telemetry.AlertThermal:          "Temperature alert",
	telemetry.AlertHashrateDrop:     "Hashrate drop",
	telemetry.AlertConnectionLost:   "Miner unreachable",
	telemetry.AlertPoolRejects:      "Pool rejecting shares",
	telemetry.AlertStoreUnavailable: "History store unavailable",
}

// FromAlert builds the message sent for an alert.
func FromAlert(alert telemetry.AlertEvent) Message {
	title, ok := alertTitles[alert.Kind]
	if !ok {
		title = string(alert.Kind)
	}
	if alert.Severity == telemetry.SeverityCritical {
		title = "CRITICAL: " + title
	}

	fields := []Field{
		{Title: "Kind", Value: string(alert.Kind), Short: true},
		{Title: "Severity", Value: string(alert.Severity), Short: true},
		{Title: "Time", Value: alert.Timestamp.Format(time.RFC1123)},
	}
	if alert.SampleTime != nil {
		fields = append(fields, Field{Title: "Sample", Value: alert.SampleTime.Format(time.RFC1123)})
	}

	return Message{
		Title:     title,
		Text:      alert.Message,
		Kind:      string(alert.Kind),
		Severity:  alert.Severity,
		Timestamp: alert.Timestamp,
		Fields:    fields,
	}
}

var actionTitles = map[telemetry.Outcome]string{
	telemetry.OutcomeImproved: "Optimization improved hashrate",
	telemetry.OutcomeReverted: "Optimization reverted",
	telemetry.OutcomeManual:   "Settings changed manually",
}

// Notable reports whether an action outcome is worth a notification.
// Pending probes and their regressed resolutions are followed by a
// notable row of their own.
func Notable(action telemetry.OptimizationAction) bool {
	_, ok := actionTitles[action.Outcome]
	return ok
}

// FromAction builds the message sent for an optimization action.
func FromAction(action telemetry.OptimizationAction) Message {
	title, ok := actionTitles[action.Outcome]
	if !ok {
		title = "Optimization " + string(action.Outcome)
	}

	return Message{
		Title: title,
		Text: fmt.Sprintf("%s changed from %d to %d",
			action.Parameter, action.OldValue, action.NewValue),
		Kind:      "optimization",
		Timestamp: action.Timestamp,
		Fields: []Field{
			{Title: "Parameter", Value: string(action.Parameter), Short: true},
			{Title: "Outcome", Value: string(action.Outcome), Short: true},
			{Title: "Old", Value: fmt.Sprint(action.OldValue), Short: true},
			{Title: "New", Value: fmt.Sprint(action.NewValue), Short: true},
			{Title: "Time", Value: action.Timestamp.Format(time.RFC1123)},
		},
	}
}

// Halted announces that the optimizer stopped and waits for a manual reset.
func Halted(state telemetry.OptimizationState, at time.Time) Message {
	return Message{
		Title:     "CRITICAL: Optimizer halted",
		Text:      fmt.Sprintf("No further adjustments until reset: %s", state.HaltReason),
		Kind:      "safety_halt",
		Severity:  telemetry.SeverityCritical,
		Timestamp: at,
		Fields: []Field{
			{Title: "Reason", Value: state.HaltReason},
			{Title: "Frequency", Value: fmt.Sprintf("%d MHz", state.Settings.Frequency), Short: true},
			{Title: "Core voltage", Value: fmt.Sprintf("%d mV", state.Settings.Voltage), Short: true},
			{Title: "Time", Value: at.Format(time.RFC1123)},
		},
	}
}

// FromSummary builds the periodic history digest.
func FromSummary(sum report.Summary) Message {
	text := fmt.Sprintf("No samples recorded between %s and %s",
		sum.From.Format(time.RFC1123), sum.To.Format(time.RFC1123))
	if sum.Samples > 0 {
		text = fmt.Sprintf("Average %.1f GH/s at %.1f GH/J, peak %.1f°C",
			sum.MeanHashrate, sum.MeanEfficiency, sum.PeakTemperature)
	}

	return Message{
		Title:     "Miner summary",
		Text:      text,
		Kind:      "summary",
		Timestamp: sum.To,
		Fields: []Field{
			{Title: "Samples", Value: fmt.Sprint(sum.Samples), Short: true},
			{Title: "Alerts", Value: fmt.Sprint(sum.Alerts), Short: true},
			{Title: "Optimizer actions", Value: fmt.Sprint(sum.Actions), Short: true},
			{Title: "Period", Value: sum.To.Sub(sum.From).String(), Short: true},
		},
	}
}

// Startup announces that monitoring began for a device.
func Startup(deviceURL string, optimizing bool, at time.Time) Message {
	mode := "monitor only"
	if optimizing {
		mode = "monitoring and optimizing"
	}

	return Message{
		Title:     "bitaxectl started",
		Text:      fmt.Sprintf("Now %s %s", mode, deviceURL),
		Timestamp: at,
		Fields: []Field{
			{Title: "Device", Value: deviceURL, Short: true},
			{Title: "Mode", Value: mode, Short: true},
		},
	}
}

func severityColor(severity telemetry.Severity) string {
	switch severity {
	case telemetry.SeverityCritical:
		return "#FF0000"
	case telemetry.SeverityWarning:
		return "#FFA500"
	}
	return "#36A64F"
}
