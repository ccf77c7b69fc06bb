package models

import "time"

type Ticket struct {
	TicketID       string     `json:"ticket_id"`
	AgencyID       string     `json:"agency_id"`
	ServiceID      string     `json:"service_id,omitempty"`
	ClientID       string     `json:"client_id"`
	SequenceNumber int64      `json:"sequence_number"`
	Number         string     `json:"number"`
	AccessCode     string     `json:"access_code,omitempty"`
	Status         string     `json:"status"`
	IssuedAt       time.Time  `json:"issued_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

const (
	StatusWaiting   = "waiting"
	StatusServing   = "serving"
	StatusDone      = "done"
	StatusCancelled = "cancelled"
)

func ValidStatus(status string) bool {
	switch status {
	case StatusWaiting, StatusServing, StatusDone, StatusCancelled:
		return true
	default:
		return false
	}
}

// TerminalStatus reports whether no further transition can leave the status.
func TerminalStatus(status string) bool {
	return status == StatusDone || status == StatusCancelled
}
