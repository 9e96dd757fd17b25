// Package tasks resolves in-flight tasks when the system halts. Each task is
// classified by its consent boundary and moved with a compare-and-swap.
package tasks

// Status is a task lifecycle status.
type Status string

const (
	StatusAuthorized Status = "AUTHORIZED"
	StatusActivated  Status = "ACTIVATED"
	StatusRouted     Status = "ROUTED"

	StatusAccepted   Status = "ACCEPTED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusReported   Status = "REPORTED"
	StatusAggregated Status = "AGGREGATED"

	StatusCompleted   Status = "COMPLETED"
	StatusDeclined    Status = "DECLINED"
	StatusNullified   Status = "NULLIFIED"
	StatusQuarantined Status = "QUARANTINED"
)

// Category is the consent-boundary classification of a status.
type Category string

const (
	CategoryPreConsent  Category = "pre_consent"
	CategoryPostConsent Category = "post_consent"
	CategoryTerminal    Category = "terminal"
	CategoryUnknown     Category = "unknown"
)

var categories = map[Status]Category{
	StatusAuthorized:  CategoryPreConsent,
	StatusActivated:   CategoryPreConsent,
	StatusRouted:      CategoryPreConsent,
	StatusAccepted:    CategoryPostConsent,
	StatusInProgress:  CategoryPostConsent,
	StatusReported:    CategoryPostConsent,
	StatusAggregated:  CategoryPostConsent,
	StatusCompleted:   CategoryTerminal,
	StatusDeclined:    CategoryTerminal,
	StatusNullified:   CategoryTerminal,
	StatusQuarantined: CategoryTerminal,
}

// Categorize is a pure function of the status.
func Categorize(s Status) Category {
	if c, ok := categories[s]; ok {
		return c
	}
	return CategoryUnknown
}

// TargetStatus is the status a task moves to on halt. ok is false for
// terminal and unknown statuses, which are not moved.
func TargetStatus(s Status) (target Status, ok bool) {
	switch Categorize(s) {
	case CategoryPreConsent:
		return StatusNullified, true
	case CategoryPostConsent:
		return StatusQuarantined, true
	default:
		return "", false
	}
}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(s Status) bool {
	return Categorize(s) == CategoryTerminal
}

var transitions = map[Status][]Status{
	StatusAuthorized: {StatusActivated, StatusDeclined, StatusNullified},
	StatusActivated:  {StatusRouted, StatusDeclined, StatusNullified},
	StatusRouted:     {StatusAccepted, StatusDeclined, StatusNullified},
	StatusAccepted:   {StatusInProgress, StatusQuarantined},
	StatusInProgress: {StatusReported, StatusQuarantined},
	StatusReported:   {StatusAggregated, StatusQuarantined},
	StatusAggregated: {StatusCompleted, StatusQuarantined},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
