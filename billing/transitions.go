package billing

import "slices"

// Transition represents a directed status change.
type Transition struct {
	From Status
	To   Status
}

// validTransitions defines all allowed status changes. Staying in the same
// status is always allowed and is not listed. StatusDeleted is only reached
// through a forced deletion.
var validTransitions = map[Transition]bool{
	{StatusIncomplete, StatusActive}:            true,
	{StatusIncomplete, StatusIncompleteExpired}: true,
	{StatusIncomplete, StatusCancelled}:         true,

	{StatusIncompleteExpired, StatusActive}:    true,
	{StatusIncompleteExpired, StatusCancelled}: true,

	{StatusTrialing, StatusActive}:    true,
	{StatusTrialing, StatusCancelled}: true,
	{StatusTrialing, StatusPastDue}:   true,

	{StatusActive, StatusCancelled}: true,
	{StatusActive, StatusPastDue}:   true,
	{StatusActive, StatusUnpaid}:    true,

	{StatusPastDue, StatusActive}:    true,
	{StatusPastDue, StatusCancelled}: true,
	{StatusPastDue, StatusUnpaid}:    true,

	{StatusUnpaid, StatusActive}:    true,
	{StatusUnpaid, StatusCancelled}: true,

	{StatusCancelled, StatusActive}: true,
}

// CanTransition checks if a status change is permitted.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns all valid target statuses from the given status.
func ValidTransitionsFrom(from Status) []Status {
	targets := make([]Status, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}
