package auth

import (
	"fire-dispatch/radiostatus/internal/domain"
	"fire-dispatch/radiostatus/internal/tracker"
)

// ScopeFor returns the vehicles a user may observe. Firefighters see the
// vehicles of their own station; every other role sees all of them.
func ScopeFor(user domain.User) tracker.Scope {
	if user.Role != domain.RoleFirefighter {
		return nil
	}
	station := user.Station
	return func(v domain.Vehicle) bool {
		return station != "" && v.Station == station
	}
}
