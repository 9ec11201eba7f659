package confirmation

import "context"

//go:generate mockgen -source=collaborators.go -destination=mock/collaborators.go -package=mock

// StatusReport is what the status endpoint said about an order.
type StatusReport struct {
	RawStatus string
	Paid      bool
	Body      map[string]any
}

// StatusChecker queries the external confirmation status for a token.
type StatusChecker interface {
	CheckStatus(ctx context.Context, token string) (StatusReport, error)
}

// OrderCanceller asks the backend to cancel an order.
type OrderCanceller interface {
	CancelOrder(ctx context.Context, orderID, reason string) error
}

// Classifier maps a status report onto a session status. Returning Pending
// leaves the session unchanged.
type Classifier interface {
	Classify(report StatusReport) Status
}
