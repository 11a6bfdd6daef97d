package models

type CapacitySnapshot struct {
	SessionID     string        `json:"session_id"`
	Title         string        `json:"title"`
	Capacity      int           `json:"capacity"`
	Confirmed     int           `json:"confirmed"`
	Waitlisted    int           `json:"waitlisted"`
	Available     int           `json:"available"`
	OccupancyRate int64         `json:"occupancy_rate"` // percent, rounded
	Status        SessionStatus `json:"status"`
}
