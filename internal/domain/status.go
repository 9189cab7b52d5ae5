package domain

import (
	"encoding/json"
	"fmt"
)

// StatusCode is the radio status a vehicle reports. The numbering is the
// fixed FMS scheme used by German fire services and must not change.
type StatusCode int

const (
	PrioritySpeechRequest StatusCode = 0
	FreeOnRadio           StatusCode = 1
	FreeAtStation         StatusCode = 2
	EnRoute               StatusCode = 3
	OnScene               StatusCode = 4
	SpeechRequest         StatusCode = 5
	NotReady              StatusCode = 6
	PatientAboard         StatusCode = 7
	AtHospital            StatusCode = 8
	NotOccupied           StatusCode = 9
)

var statusLabels = map[StatusCode]string{
	PrioritySpeechRequest: "Priorisierter Sprechwunsch",
	FreeOnRadio:           "Frei auf Funk",
	FreeAtStation:         "Frei auf Wache",
	EnRoute:               "Auf Einsatzfahrt",
	OnScene:               "Am Einsatzort",
	SpeechRequest:         "Sprechwunsch",
	NotReady:              "Nicht Einsatzbereit",
	PatientAboard:         "Patienten Aufgenommen",
	AtHospital:            "Am Krankenhaus",
	NotOccupied:           "Nicht Belegt",
}

func (s StatusCode) Valid() bool {
	return s >= PrioritySpeechRequest && s <= NotOccupied
}

// AlertWorthy reports whether a transition into s must alert dispatch.
func (s StatusCode) AlertWorthy() bool {
	return s == PrioritySpeechRequest || s == SpeechRequest
}

func (s StatusCode) Priority() bool {
	return s == PrioritySpeechRequest
}

func (s StatusCode) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return fmt.Sprintf("Unbekannt (%d)", int(s))
}

func (s StatusCode) String() string {
	return fmt.Sprintf("%d %s", int(s), s.Label())
}

func (s *StatusCode) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("status code: %w", err)
	}
	code := StatusCode(n)
	if !code.Valid() {
		return fmt.Errorf("status code %d out of range", n)
	}
	*s = code
	return nil
}
