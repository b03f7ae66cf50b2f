package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
)

// Event is a decoded processor event. The concrete type is one of
// CheckoutCompleted, SubscriptionChanged, InvoicePaid, InvoicePaymentFailed,
// RefundIssued or UnhandledEvent.
type Event interface {
	EventID() string
	EventType() string
}

// Envelope carries the fields common to every processor event.
type Envelope struct {
	ID      string
	Type    string
	Created time.Time
}

func (e Envelope) EventID() string   { return e.ID }
func (e Envelope) EventType() string { return e.Type }

// Checkout metadata types.
const (
	CheckoutTrialStart     = "trial_start"
	CheckoutCreditPurchase = "credit_purchase"
)

// CheckoutCompleted is checkout.session.completed.
type CheckoutCompleted struct {
	Envelope
	SessionID       string
	AccountID       string
	CustomerID      string
	SubscriptionID  string
	PaymentIntentID string
	Mode            string
	Kind            string
	AmountTotal     decimal.Decimal
	Metadata        map[string]string
}

// SubscriptionAction distinguishes customer.subscription.* events.
type SubscriptionAction string

const (
	SubscriptionCreated SubscriptionAction = "created"
	SubscriptionUpdated SubscriptionAction = "updated"
	SubscriptionDeleted SubscriptionAction = "deleted"
)

// SubscriptionChanged is customer.subscription.created/updated/deleted.
// PreviousStatus is empty unless the status changed in this event.
type SubscriptionChanged struct {
	Envelope
	Action             SubscriptionAction
	SubscriptionID     string
	AccountID          string
	CustomerID         string
	Status             string
	PreviousStatus     string
	PriceID            string
	PreviousPriceID    string
	StartDate          time.Time
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	TrialEnd           *time.Time
	Metadata           map[string]string
}

// InvoiceLine is the part of an invoice line item that drives grants.
type InvoiceLine struct {
	PriceID     string
	Proration   bool
	PeriodStart time.Time
	PeriodEnd   time.Time
	Amount      decimal.Decimal
	Metadata    map[string]string
}

// InvoicePaid is invoice.paid / invoice.payment_succeeded.
type InvoicePaid struct {
	Envelope
	InvoiceID      string
	AccountID      string
	CustomerID     string
	SubscriptionID string
	BillingReason  string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	AmountPaid     decimal.Decimal
	Lines          []InvoiceLine
	Metadata       map[string]string
}

// IsCreditTopUp reports an invoice that only sells one-off credits.
func (inv *InvoicePaid) IsCreditTopUp() bool {
	if inv.Metadata["type"] == CheckoutCreditPurchase {
		return true
	}
	if len(inv.Lines) == 0 || inv.SubscriptionID != "" {
		return false
	}
	for _, l := range inv.Lines {
		if l.Metadata["type"] != CheckoutCreditPurchase {
			return false
		}
	}
	return true
}

// FullCycleLine returns the first non-proration subscription line.
func (inv *InvoicePaid) FullCycleLine() (InvoiceLine, bool) {
	for _, l := range inv.Lines {
		if !l.Proration && l.PriceID != "" {
			return l, true
		}
	}
	return InvoiceLine{}, false
}

// InvoicePaymentFailed is invoice.payment_failed.
type InvoicePaymentFailed struct {
	Envelope
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	AttemptCount   int64
	AmountDue      decimal.Decimal
}

// RefundIssued is charge.refunded.
type RefundIssued struct {
	Envelope
	RefundID        string
	ChargeID        string
	PaymentIntentID string
	CustomerID      string
	Amount          decimal.Decimal
}

// UnhandledEvent is any event type this service does not act on.
type UnhandledEvent struct {
	Envelope
}

// DecodeEvent turns a verified processor event into its typed variant.
func DecodeEvent(event stripe.Event) (Event, error) {
	env := Envelope{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: time.Unix(event.Created, 0).UTC(),
	}
	if event.Data == nil {
		return UnhandledEvent{Envelope: env}, nil
	}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("failed to decode checkout session: %w", err)
		}
		accountID := s.Metadata["account_id"]
		if accountID == "" {
			accountID = s.ClientReferenceID
		}
		return CheckoutCompleted{
			Envelope:        env,
			SessionID:       s.ID,
			AccountID:       accountID,
			CustomerID:      customerID(s.Customer),
			SubscriptionID:  subscriptionID(s.Subscription),
			PaymentIntentID: paymentIntentID(s.PaymentIntent),
			Mode:            string(s.Mode),
			Kind:            s.Metadata["type"],
			AmountTotal:     centsToCredits(s.AmountTotal),
			Metadata:        s.Metadata,
		}, nil

	case stripe.EventTypeCustomerSubscriptionCreated,
		stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		action := SubscriptionUpdated
		switch event.Type {
		case stripe.EventTypeCustomerSubscriptionCreated:
			action = SubscriptionCreated
		case stripe.EventTypeCustomerSubscriptionDeleted:
			action = SubscriptionDeleted
		}
		changed := subscriptionChanged(env, action, &sub)
		if prev, ok := event.Data.PreviousAttributes["status"].(string); ok {
			changed.PreviousStatus = prev
		}
		changed.PreviousPriceID = previousPriceID(event.Data.PreviousAttributes)
		return changed, nil

	case stripe.EventTypeInvoicePaid, stripe.EventTypeInvoicePaymentSucceeded:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("failed to decode invoice: %w", err)
		}
		paid := InvoicePaid{
			Envelope:       env,
			InvoiceID:      inv.ID,
			AccountID:      inv.Metadata["account_id"],
			CustomerID:     customerID(inv.Customer),
			SubscriptionID: subscriptionID(inv.Subscription),
			BillingReason:  string(inv.BillingReason),
			PeriodStart:    unixTime(inv.PeriodStart),
			PeriodEnd:      unixTime(inv.PeriodEnd),
			AmountPaid:     centsToCredits(inv.AmountPaid),
			Metadata:       inv.Metadata,
		}
		if inv.Lines != nil {
			for _, li := range inv.Lines.Data {
				line := InvoiceLine{
					Proration: li.Proration,
					Amount:    centsToCredits(li.Amount),
					Metadata:  li.Metadata,
				}
				if li.Price != nil {
					line.PriceID = li.Price.ID
				}
				if li.Period != nil {
					line.PeriodStart = unixTime(li.Period.Start)
					line.PeriodEnd = unixTime(li.Period.End)
				}
				paid.Lines = append(paid.Lines, line)
			}
		}
		return paid, nil

	case stripe.EventTypeInvoicePaymentFailed:
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("failed to decode invoice: %w", err)
		}
		return InvoicePaymentFailed{
			Envelope:       env,
			InvoiceID:      inv.ID,
			CustomerID:     customerID(inv.Customer),
			SubscriptionID: subscriptionID(inv.Subscription),
			AttemptCount:   inv.AttemptCount,
			AmountDue:      centsToCredits(inv.AmountDue),
		}, nil

	case stripe.EventTypeChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("failed to decode charge: %w", err)
		}
		refund := RefundIssued{
			Envelope:        env,
			ChargeID:        ch.ID,
			PaymentIntentID: paymentIntentID(ch.PaymentIntent),
			CustomerID:      customerID(ch.Customer),
			Amount:          centsToCredits(ch.AmountRefunded),
		}
		if ch.Refunds != nil && len(ch.Refunds.Data) > 0 && ch.Refunds.Data[0] != nil {
			latest := ch.Refunds.Data[0]
			refund.RefundID = latest.ID
			refund.Amount = centsToCredits(latest.Amount)
		}
		if refund.RefundID == "" {
			// Refund list is not expanded on older API versions.
			refund.RefundID = "evt:" + event.ID
		}
		return refund, nil
	}

	return UnhandledEvent{Envelope: env}, nil
}

func subscriptionChanged(env Envelope, action SubscriptionAction, sub *stripe.Subscription) SubscriptionChanged {
	c := SubscriptionChanged{
		Envelope:           env,
		Action:             action,
		SubscriptionID:     sub.ID,
		AccountID:          sub.Metadata["account_id"],
		CustomerID:         customerID(sub.Customer),
		Status:             string(sub.Status),
		StartDate:          unixTime(sub.StartDate),
		CurrentPeriodStart: unixTime(sub.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(sub.CurrentPeriodEnd),
		Metadata:           sub.Metadata,
	}
	if sub.TrialEnd > 0 {
		t := unixTime(sub.TrialEnd)
		c.TrialEnd = &t
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.Price != nil {
				c.PriceID = item.Price.ID
				break
			}
		}
	}
	return c
}

// previousPriceID digs items.data[0].price.id out of previous_attributes.
func previousPriceID(prev map[string]interface{}) string {
	items, ok := prev["items"].(map[string]interface{})
	if !ok {
		return ""
	}
	data, ok := items["data"].([]interface{})
	if !ok || len(data) == 0 {
		return ""
	}
	first, ok := data[0].(map[string]interface{})
	if !ok {
		return ""
	}
	price, ok := first["price"].(map[string]interface{})
	if !ok {
		return ""
	}
	id, _ := price["id"].(string)
	return id
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func subscriptionID(s *stripe.Subscription) string {
	if s == nil {
		return ""
	}
	return s.ID
}

func paymentIntentID(p *stripe.PaymentIntent) string {
	if p == nil {
		return ""
	}
	return p.ID
}

func unixTime(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func centsToCredits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
