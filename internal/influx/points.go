package influx

import (
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	measurementSample = "bitaxe_sample"
	measurementAlert  = "bitaxe_alert"
	measurementAction = "bitaxe_action"
)

func samplePoint(device string, s telemetry.Sample) *write.Point {
	return write.NewPoint(
		measurementSample,
		map[string]string{
			"device": device,
			"pool":   string(s.PoolState),
		},
		map[string]any{
			"hashrate":        s.Hashrate,
			"temperature":     s.Temperature,
			"power":           s.Power,
			"voltage":         s.Voltage,
			"frequency":       s.Frequency,
			"shares_accepted": s.SharesAccepted,
			"shares_rejected": s.SharesRejected,
			"fan_speed":       s.FanSpeed,
			"efficiency":      s.Efficiency(),
		},
		s.Timestamp,
	)
}

func alertPoint(device string, a telemetry.AlertEvent) *write.Point {
	return write.NewPoint(
		measurementAlert,
		map[string]string{
			"device":   device,
			"kind":     string(a.Kind),
			"severity": string(a.Severity),
		},
		map[string]any{
			"id":      a.ID,
			"message": a.Message,
		},
		a.Timestamp,
	)
}

func actionPoint(device string, a telemetry.OptimizationAction) *write.Point {
	return write.NewPoint(
		measurementAction,
		map[string]string{
			"device":    device,
			"parameter": string(a.Parameter),
			"outcome":   string(a.Outcome),
		},
		map[string]any{
			"id":        a.ID,
			"old_value": a.OldValue,
			"new_value": a.NewValue,
		},
		a.Timestamp,
	)
}
