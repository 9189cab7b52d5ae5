package domain

import (
	"sort"
	"time"
)

// StatusLogEntry records one observed status transition of a vehicle.
// The log is append-only; an entry is mutated exactly once, when dispatch
// acknowledges it.
type StatusLogEntry struct {
	ID              string     `json:"id"`
	VehicleID       string     `json:"vehicleId"`
	VehicleCallSign string     `json:"vehicleCallSign"`
	OldStatus       StatusCode `json:"oldStatus"`
	NewStatus       StatusCode `json:"newStatus"`
	PreviousStatus  StatusCode `json:"previousStatus"`
	Timestamp       time.Time  `json:"timestamp"`
	Confirmed       bool       `json:"confirmed"`
	AlertDelivered  bool       `json:"alertDelivered"`
	UserID          string     `json:"userId,omitempty"`
}

type AlertState string

const (
	// AlertNone marks entries that never enter the alert state machine.
	AlertNone         AlertState = "NONE"
	AlertRaised       AlertState = "RAISED"
	AlertPendingAck   AlertState = "DELIVERED_PENDING_ACK"
	AlertAcknowledged AlertState = "ACKNOWLEDGED"
)

// IsAlert reports whether e is an open alert: an alert-worthy transition
// whose acknowledgment has not been announced yet.
func (e StatusLogEntry) IsAlert() bool {
	return e.NewStatus.AlertWorthy() && !e.AlertDelivered
}

// State is the store-visible state of e. DELIVERED_PENDING_ACK is a local
// notion of each terminal and never stored, so it is not returned here.
func (e StatusLogEntry) State() AlertState {
	switch {
	case !e.NewStatus.AlertWorthy():
		return AlertNone
	case e.AlertDelivered:
		return AlertAcknowledged
	default:
		return AlertRaised
	}
}

// LastStatus folds the log into the newest known status of vehicleID.
// Entries with equal timestamps resolve to the one stored later.
func LastStatus(vehicleID string, log []StatusLogEntry) StatusCode {
	status := FreeAtStation
	var newest time.Time
	found := false
	for _, e := range log {
		if e.VehicleID != vehicleID {
			continue
		}
		if !found || !e.Timestamp.Before(newest) {
			status = e.NewStatus
			newest = e.Timestamp
			found = true
		}
	}
	return status
}

// PendingAlerts returns the open alerts of log in log order.
func PendingAlerts(log []StatusLogEntry) []StatusLogEntry {
	var out []StatusLogEntry
	for _, e := range log {
		if e.IsAlert() {
			out = append(out, e)
		}
	}
	return out
}

// Recent returns at most n entries, newest first. The input is not modified.
func Recent(log []StatusLogEntry, n int) []StatusLogEntry {
	out := make([]StatusLogEntry, len(log))
	copy(out, log)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func FindEntry(log []StatusLogEntry, id string) (int, bool) {
	for i, e := range log {
		if e.ID == id {
			return i, true
		}
	}
	return -1, false
}
