package expr

import (
	"log/slog"
	"strings"

	"github.com/l0p7/storesync/internal/confirmation"
)

// Conditions used when none are configured. They match the vocabulary of
// confirmation.DefaultClassifier.
const (
	DefaultSuccessWhen = `paid || rawStatus.trim().lowerAscii() == "paid"`
	DefaultFailureWhen = `rawStatus.trim().lowerAscii() in ["cancelled", "canceled", "failed"]`
)

// StatusClassifier maps status reports with configured CEL conditions.
// A failing evaluation counts as not matched.
type StatusClassifier struct {
	success Program
	failure Program
	logger  *slog.Logger
}

// NewStatusClassifier compiles successWhen and failureWhen. Empty conditions
// fall back to DefaultSuccessWhen and DefaultFailureWhen.
func NewStatusClassifier(successWhen, failureWhen string, logger *slog.Logger) (*StatusClassifier, error) {
	env, err := NewEnvironment()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(successWhen) == "" {
		successWhen = DefaultSuccessWhen
	}
	if strings.TrimSpace(failureWhen) == "" {
		failureWhen = DefaultFailureWhen
	}
	success, err := env.Compile(successWhen)
	if err != nil {
		return nil, err
	}
	failure, err := env.Compile(failureWhen)
	if err != nil {
		return nil, err
	}
	c := &StatusClassifier{success: success, failure: failure, logger: logger}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Classify implements confirmation.Classifier.
func (c *StatusClassifier) Classify(report confirmation.StatusReport) confirmation.Status {
	vars := activation(report)
	if c.match(c.success, vars) {
		return confirmation.Success
	}
	if c.match(c.failure, vars) {
		return confirmation.Failed
	}
	return confirmation.Pending
}

func (c *StatusClassifier) match(p Program, vars map[string]any) bool {
	ok, err := p.EvalBool(vars)
	if err != nil {
		c.logger.Warn("status condition failed", slog.String("expression", p.Source()), slog.Any("error", err))
		return false
	}
	return ok
}

func activation(report confirmation.StatusReport) map[string]any {
	body := report.Body
	if body == nil {
		body = map[string]any{}
	}
	return map[string]any{
		"rawStatus": report.RawStatus,
		"paid":      report.Paid,
		"body":      body,
	}
}
