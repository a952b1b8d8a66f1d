package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/borisigal/towerofbabel-sub003/internal/models"
)

// ErrMalformedEvent indicates the webhook body could not be parsed into a
// known event shape. Callers respond with a client error; the provider will
// not succeed on retry.
var ErrMalformedEvent = errors.New("billing: malformed event")

// EventType names one provider webhook event. The set is closed: an unknown
// event name is rejected at parse time rather than partially handled.
type EventType string

// Provider event names.
const (
	EventSubscriptionCreated   EventType = "subscription_created"
	EventSubscriptionUpdated   EventType = "subscription_updated"
	EventSubscriptionCancelled EventType = "subscription_cancelled"
	EventSubscriptionResumed   EventType = "subscription_resumed"
	EventSubscriptionExpired   EventType = "subscription_expired"
	EventSubscriptionPaused    EventType = "subscription_paused"
	EventSubscriptionUnpaused  EventType = "subscription_unpaused"
	EventPaymentSucceeded      EventType = "subscription_payment_succeeded"
	EventPaymentFailed         EventType = "subscription_payment_failed"
	EventPaymentRecovered      EventType = "subscription_payment_recovered"
)

// Event is one fully parsed webhook delivery. Only the fields the event type
// requires are guaranteed to be set; ParseEvent fails fast on a missing
// required field instead of leaving it zero.
type Event struct {
	ID             string // Provider event ID, the deduplication key.
	Type           EventType
	SubscriptionID string // Provider subscription ID.

	AccountID   uint64 // Local account, from meta custom data. Set on created.
	CustomerRef string
	PlanRef     string
	ItemRef     string

	Status   models.SubscriptionStatus
	RenewsAt *time.Time
	EndsAt   *time.Time

	Raw []byte // Body as received, persisted with the event record.
}

// envelope is the provider's wire shape.
type envelope struct {
	Meta struct {
		EventName  string `json:"event_name"`
		EventID    string `json:"event_id"`
		CustomData struct {
			AccountID string `json:"account_id"`
		} `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		ID         string `json:"id"`
		Attributes struct {
			Status     string     `json:"status"`
			RenewsAt   *time.Time `json:"renews_at"`
			EndsAt     *time.Time `json:"ends_at"`
			CustomerID string     `json:"customer_id"`
			PlanID     string     `json:"plan_id"`
			ItemID     string     `json:"item_id"`
		} `json:"attributes"`
	} `json:"data"`
}

// ParseEvent decodes a raw webhook body and validates the fields its event
// type requires.
func ParseEvent(raw []byte) (*Event, error) {
	var env envelope
	if errDecode := json.Unmarshal(raw, &env); errDecode != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, errDecode)
	}

	eventType := EventType(strings.TrimSpace(env.Meta.EventName))
	switch eventType {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionCancelled,
		EventSubscriptionResumed, EventSubscriptionExpired, EventSubscriptionPaused,
		EventSubscriptionUnpaused, EventPaymentSucceeded, EventPaymentFailed,
		EventPaymentRecovered:
	case "":
		return nil, fmt.Errorf("%w: missing meta.event_name", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", ErrMalformedEvent, eventType)
	}

	ev := &Event{
		ID:             strings.TrimSpace(env.Meta.EventID),
		Type:           eventType,
		SubscriptionID: strings.TrimSpace(env.Data.ID),
		CustomerRef:    strings.TrimSpace(env.Data.Attributes.CustomerID),
		PlanRef:        strings.TrimSpace(env.Data.Attributes.PlanID),
		ItemRef:        strings.TrimSpace(env.Data.Attributes.ItemID),
		RenewsAt:       env.Data.Attributes.RenewsAt,
		EndsAt:         env.Data.Attributes.EndsAt,
		Raw:            raw,
	}

	if ev.ID == "" {
		return nil, fmt.Errorf("%w: missing meta.event_id", ErrMalformedEvent)
	}
	if ev.SubscriptionID == "" {
		return nil, fmt.Errorf("%w: missing data.id", ErrMalformedEvent)
	}

	if rawStatus := strings.TrimSpace(env.Data.Attributes.Status); rawStatus != "" {
		status := models.SubscriptionStatus(rawStatus)
		switch status {
		case models.SubscriptionStatusActive, models.SubscriptionStatusPastDue,
			models.SubscriptionStatusPaused, models.SubscriptionStatusCancelled,
			models.SubscriptionStatusExpired:
			ev.Status = status
		default:
			return nil, fmt.Errorf("%w: unknown subscription status %q", ErrMalformedEvent, rawStatus)
		}
	}

	switch eventType {
	case EventSubscriptionCreated:
		accountRef := strings.TrimSpace(env.Meta.CustomData.AccountID)
		if accountRef == "" {
			// An event with no account reference can never be applied; failing
			// here surfaces it instead of silently dropping the subscription.
			return nil, fmt.Errorf("%w: %s missing meta.custom_data.account_id", ErrMalformedEvent, eventType)
		}
		accountID, errParse := strconv.ParseUint(accountRef, 10, 64)
		if errParse != nil || accountID == 0 {
			return nil, fmt.Errorf("%w: invalid account_id %q", ErrMalformedEvent, accountRef)
		}
		ev.AccountID = accountID
		if ev.PlanRef == "" {
			return nil, fmt.Errorf("%w: %s missing data.attributes.plan_id", ErrMalformedEvent, eventType)
		}

	case EventSubscriptionUpdated:
		if ev.Status == "" {
			return nil, fmt.Errorf("%w: %s missing data.attributes.status", ErrMalformedEvent, eventType)
		}

	case EventSubscriptionResumed, EventPaymentSucceeded, EventPaymentRecovered:
		if ev.RenewsAt == nil {
			return nil, fmt.Errorf("%w: %s missing data.attributes.renews_at", ErrMalformedEvent, eventType)
		}
	}

	return ev, nil
}
