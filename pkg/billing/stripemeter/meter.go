// Package stripemeter reports session cost to a Stripe billing meter.
package stripemeter

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/vango-go/vai-assistant/pkg/core/types"
)

// DefaultScale reports cost in ten-thousandths of the ledger currency.
const DefaultScale = 10000

// Sender posts one meter event.
type Sender interface {
	Send(ctx context.Context, params *stripe.BillingMeterEventCreateParams) error
}

type clientSender struct {
	client *stripe.Client
}

func (s clientSender) Send(ctx context.Context, params *stripe.BillingMeterEventCreateParams) error {
	_, err := s.client.V1BillingMeterEvents.Create(ctx, params)
	return err
}

// NewSender returns a Sender backed by the Stripe API.
func NewSender(apiKey string) Sender {
	return clientSender{client: stripe.NewClient(apiKey)}
}

type Config struct {
	// EventName is the meter's event_name.
	EventName string
	// CustomerVar names the session variable holding the Stripe customer id.
	CustomerVar string
	// Scale multiplies the billed total before rounding. Default: DefaultScale.
	Scale float64
}

// Meter implements record.Recorder. Sessions without a customer or with
// nothing to bill are skipped.
type Meter struct {
	sender Sender
	cfg    Config
	logger *slog.Logger
}

func New(sender Sender, cfg Config, logger *slog.Logger) (*Meter, error) {
	if sender == nil {
		return nil, fmt.Errorf("stripemeter: sender is required")
	}
	if strings.TrimSpace(cfg.EventName) == "" {
		return nil, fmt.Errorf("stripemeter: event name is required")
	}
	if strings.TrimSpace(cfg.CustomerVar) == "" {
		return nil, fmt.Errorf("stripemeter: customer variable is required")
	}
	if cfg.Scale <= 0 {
		cfg.Scale = DefaultScale
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{sender: sender, cfg: cfg, logger: logger}, nil
}

func (m *Meter) Record(ctx context.Context, rec types.SessionRecord) error {
	params, ok := m.params(rec)
	if !ok {
		m.logger.Debug("meter event skipped", "session_id", rec.SessionID, "agent_id", rec.AgentID)
		return nil
	}
	if err := m.sender.Send(ctx, params); err != nil {
		return fmt.Errorf("stripemeter: session %s: %w", rec.SessionID, err)
	}
	return nil
}

func (m *Meter) params(rec types.SessionRecord) (*stripe.BillingMeterEventCreateParams, bool) {
	customer := strings.TrimSpace(rec.Vars[m.cfg.CustomerVar])
	if customer == "" {
		return nil, false
	}
	value := int64(math.Round(rec.Breakdown.Total * m.cfg.Scale))
	if value <= 0 {
		return nil, false
	}
	params := &stripe.BillingMeterEventCreateParams{
		EventName:  stripe.String(m.cfg.EventName),
		Identifier: stripe.String(rec.SessionID),
		Payload: map[string]string{
			"stripe_customer_id": customer,
			"value":              strconv.FormatInt(value, 10),
		},
	}
	if !rec.EndedAt.IsZero() {
		params.Timestamp = stripe.Int64(rec.EndedAt.Unix())
	}
	return params, true
}
