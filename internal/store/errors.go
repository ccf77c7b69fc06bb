package store

import "errors"

var (
	ErrSequenceConflict = errors.New("sequence number already taken")
	ErrStatusConflict   = errors.New("ticket status changed concurrently")
	ErrServingConflict  = errors.New("another ticket is already serving for the agency")
	ErrTicketNotFound   = errors.New("ticket not found")
)
