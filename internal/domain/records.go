package domain

import "time"

// Collection names in the shared record store.
const (
	CollectionVehicles    = "vehicles"
	CollectionStatusLog   = "statusLog"
	CollectionEmergencies = "emergencies"
	CollectionUsers       = "users"
	CollectionStations    = "stations"
)

type Vehicle struct {
	ID             string     `json:"id"`
	CallSign       string     `json:"callSign"`
	SpeechCallSign string     `json:"speechCallSign,omitempty"`
	Station        string     `json:"station"`
	Status         StatusCode `json:"status"`
	Crew           []string   `json:"crew"`
	LastUpdate     time.Time  `json:"lastUpdate"`
}

// SpokenName is the call sign used in spoken announcements.
func (v Vehicle) SpokenName() string {
	if v.SpeechCallSign != "" {
		return v.SpeechCallSign
	}
	return v.CallSign
}

type UserRole string

const (
	RoleAdministrator UserRole = "administrator"
	RoleDispatcher    UserRole = "dispatcher"
	RoleFirefighter   UserRole = "firefighter"
	RoleChief         UserRole = "chief"
	RoleObserver      UserRole = "observer"
)

type User struct {
	ID       string   `json:"id"`
	Username string   `json:"username"`
	Role     UserRole `json:"role"`
	Station  string   `json:"station"`
	Active   bool     `json:"active"`
}

type Station struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Code string `json:"code"`
}

type EmergencyStatus string

const (
	EmergencyActive    EmergencyStatus = "active"
	EmergencyCompleted EmergencyStatus = "completed"
	EmergencyCancelled EmergencyStatus = "cancelled"
	EmergencyPending   EmergencyStatus = "pending"
)

type Emergency struct {
	ID               string          `json:"id"`
	IncidentNumber   string          `json:"incidentNumber"`
	Title            string          `json:"title"`
	Location         string          `json:"location"`
	Status           EmergencyStatus `json:"status"`
	AssignedVehicles []string        `json:"assignedVehicles"`
	CreatedAt        time.Time       `json:"createdAt"`
}

func FindVehicle(vehicles []Vehicle, id string) (Vehicle, bool) {
	for _, v := range vehicles {
		if v.ID == id {
			return v, true
		}
	}
	return Vehicle{}, false
}
