// Package tracker detects vehicle status transitions by diffing the vehicle
// collection against the status log. It keeps no state of its own: the
// last known status of a vehicle is whatever the log says it is.
package tracker

import "fire-dispatch/radiostatus/internal/domain"

// Transition is a status change visible in the vehicle collection but not
// yet recorded in the status log.
type Transition struct {
	Vehicle domain.Vehicle
	From    domain.StatusCode
	To      domain.StatusCode
}

func (t Transition) AlertWorthy() bool {
	return t.To.AlertWorthy()
}

// Scope decides which vehicles a terminal observes. A nil Scope observes all.
type Scope func(domain.Vehicle) bool

// Detect returns one transition per in-scope vehicle whose status differs
// from its last logged status, in vehicle collection order.
func Detect(vehicles []domain.Vehicle, log []domain.StatusLogEntry, scope Scope) []Transition {
	var out []Transition
	for _, v := range vehicles {
		if scope != nil && !scope(v) {
			continue
		}
		last := domain.LastStatus(v.ID, log)
		if v.Status != last {
			out = append(out, Transition{Vehicle: v, From: last, To: v.Status})
		}
	}
	return out
}
