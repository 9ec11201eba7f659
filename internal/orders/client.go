// Package orders talks to the order status and cancellation endpoints.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/l0p7/storesync/internal/confirmation"
	"github.com/l0p7/storesync/internal/fetch"
	"github.com/l0p7/storesync/internal/templates"
)

// Config names the endpoint templates. Both templates see .OrderID and
// .Token.
type Config struct {
	StatusURL    string
	CancelURL    string
	RequiresAuth bool
}

// Client implements confirmation.StatusChecker and
// confirmation.OrderCanceller. Order endpoints are never cached.
type Client struct {
	coordinator *fetch.Coordinator
	status      *templates.Template
	cancel      *templates.Template
	policy      fetch.Policy
}

type templateData struct {
	OrderID string
	Token   string
}

func New(coordinator *fetch.Coordinator, renderer *templates.Renderer, cfg Config) (*Client, error) {
	if coordinator == nil {
		return nil, errors.New("orders: coordinator required")
	}
	if renderer == nil {
		renderer = templates.NewRenderer()
	}
	status, err := compileRequired(renderer, "status", cfg.StatusURL)
	if err != nil {
		return nil, err
	}
	cancel, err := compileRequired(renderer, "cancel", cfg.CancelURL)
	if err != nil {
		return nil, err
	}
	return &Client{
		coordinator: coordinator,
		status:      status,
		cancel:      cancel,
		policy:      fetch.Policy{RequiresAuth: cfg.RequiresAuth, SkipCache: true},
	}, nil
}

func compileRequired(renderer *templates.Renderer, name, source string) (*templates.Template, error) {
	tmpl, err := renderer.CompileInline(name, source)
	if err != nil {
		return nil, fmt.Errorf("orders: %w", err)
	}
	if tmpl == nil {
		return nil, fmt.Errorf("orders: %s url template required", name)
	}
	return tmpl, nil
}

// CheckStatus fetches the status of the order identified by token.
func (c *Client) CheckStatus(ctx context.Context, token string) (confirmation.StatusReport, error) {
	target, err := c.status.Render(templateData{Token: token})
	if err != nil {
		return confirmation.StatusReport{}, fmt.Errorf("orders: status url: %w", err)
	}
	resp, err := c.coordinator.Issue(ctx, strings.TrimSpace(target), c.policy, fetch.RequestOptions{Fresh: true})
	if err != nil {
		return confirmation.StatusReport{}, err
	}
	var body map[string]any
	if err := resp.Decode(&body); err != nil {
		return confirmation.StatusReport{}, fmt.Errorf("orders: status body: %w", err)
	}
	report := confirmation.StatusReport{Body: body}
	if raw, ok := body["status"].(string); ok {
		report.RawStatus = raw
	}
	if paid, ok := body["paid"].(bool); ok {
		report.Paid = paid
	}
	return report, nil
}

// CancelOrder posts the cancellation with reason.
func (c *Client) CancelOrder(ctx context.Context, orderID, reason string) error {
	target, err := c.cancel.Render(templateData{OrderID: orderID})
	if err != nil {
		return fmt.Errorf("orders: cancel url: %w", err)
	}
	payload, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return fmt.Errorf("orders: encode cancel: %w", err)
	}
	_, err = c.coordinator.Issue(ctx, strings.TrimSpace(target), c.policy, fetch.RequestOptions{
		Method: http.MethodPost,
		Body:   payload,
	})
	return err
}
