package confirmation

import "strings"

// Status is the lifecycle state of a confirmation session.
type Status string

const (
	Pending   Status = "PENDING"
	Success   Status = "SUCCESS"
	Failed    Status = "FAILED"
	Expired   Status = "EXPIRED"
	Cancelled Status = "CANCELLED"
)

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	switch s {
	case Success, Failed, Expired, Cancelled:
		return true
	default:
		return false
	}
}

// DefaultClassifier maps paid to Success and cancelled or failed to Failed.
type DefaultClassifier struct{}

func (DefaultClassifier) Classify(report StatusReport) Status {
	raw := strings.ToLower(strings.TrimSpace(report.RawStatus))
	if report.Paid || raw == "paid" {
		return Success
	}
	switch raw {
	case "cancelled", "canceled", "failed":
		return Failed
	default:
		return Pending
	}
}
