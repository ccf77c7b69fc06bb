package queue

import "guichet/internal/models"

var transitionMap = map[string][]string{
	models.StatusServing:   {models.StatusWaiting},
	models.StatusDone:      {models.StatusServing},
	models.StatusCancelled: {models.StatusWaiting, models.StatusServing},
}

// ValidTransition reports whether a ticket may move from one status to
// another. Terminal statuses have no outgoing transitions.
func ValidTransition(from, to string) bool {
	for _, status := range transitionMap[to] {
		if status == from {
			return true
		}
	}
	return false
}
