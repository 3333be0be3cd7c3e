package events

import (
	"sync"
	"time"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventTraderCreated      EventType = "TRADER_CREATED"
	EventTraderStateChanged EventType = "TRADER_STATE_CHANGED"
	EventTraderDeleted      EventType = "TRADER_DELETED"
	EventSignalGenerated    EventType = "SIGNAL_GENERATED"
	EventOrderPlaced        EventType = "ORDER_PLACED"
	EventOrderFilled        EventType = "ORDER_FILLED"
	EventOrderPending       EventType = "ORDER_PENDING"
	EventPositionOpened     EventType = "POSITION_OPENED"
	EventPositionClosed     EventType = "POSITION_CLOSED"
	EventTradeRejected      EventType = "TRADE_REJECTED"
	EventRiskDecision       EventType = "RISK_DECISION"
	EventPatternMatched     EventType = "PATTERN_MATCHED"
	EventTraderHealth       EventType = "TRADER_HEALTH"
	EventStopLossTriggered  EventType = "STOP_LOSS_TRIGGERED"
	EventEmergencyStop      EventType = "EMERGENCY_STOP"
	EventEmergencyCleared   EventType = "EMERGENCY_CLEARED"
	EventPatternLearned     EventType = "PATTERN_LEARNED"
	EventPatternsPruned     EventType = "PATTERNS_PRUNED"
	EventError              EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	TraderID  string                 `json:"trader_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// Publisher is the narrow interface components depend on
type Publisher interface {
	Publish(event Event)
}

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber // Subscribers to all events
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Delivery is asynchronous
// so a slow subscriber never blocks a trader loop.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishStateChange publishes a trader lifecycle transition
func (eb *EventBus) PublishStateChange(traderID, from, to, reason string) {
	eb.Publish(Event{
		Type:     EventTraderStateChanged,
		TraderID: traderID,
		Data: map[string]interface{}{
			"from":   from,
			"to":     to,
			"reason": reason,
		},
	})
}

// PublishSignal publishes a signal generated event
func (eb *EventBus) PublishSignal(traderID, strategyName, symbol, action, reason string, confidence float64) {
	eb.Publish(Event{
		Type:     EventSignalGenerated,
		TraderID: traderID,
		Data: map[string]interface{}{
			"strategy":   strategyName,
			"symbol":     symbol,
			"action":     action,
			"reason":     reason,
			"confidence": confidence,
		},
	})
}

// PublishPositionClosed publishes a closed position
func (eb *EventBus) PublishPositionClosed(traderID, symbol, reason string, entryPrice, exitPrice, pnl, pnlPercent float64) {
	eb.Publish(Event{
		Type:     EventPositionClosed,
		TraderID: traderID,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"reason":      reason,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"pnl":         pnl,
			"pnl_percent": pnlPercent,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type: EventError,
		Data: data,
	})
}

// NopPublisher drops every event
type NopPublisher struct{}

// Publish implements Publisher
func (NopPublisher) Publish(Event) {}
