package core

import (
	"time"
)

// EventFilter defines a function type for filtering journal events
type EventFilter func(event Event) bool

// EventType names a step in a position's lifecycle
type EventType string

const (
	EventCreated     EventType = "created"
	EventFilled      EventType = "filled"
	EventProtected   EventType = "protected"
	EventTPHit       EventType = "tp_hit"
	EventClosing     EventType = "closing"
	EventClosed      EventType = "closed"
	EventFailed      EventType = "failed"
	EventUnprotected EventType = "unprotected"
	EventRecovered   EventType = "recovered"
)

// Event is one journal record in a position's lifecycle. Events are
// the only state the engine persists; everything else is rebuilt from
// the venue and configuration on startup.
type Event struct {
	ID   int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	Time time.Time `json:"time"`

	Type     EventType     `json:"type" gorm:"index"`
	Pair     string        `json:"pair" gorm:"index"`
	Side     PositionSide  `json:"side"`
	Strategy StrategyKind  `json:"strategy"`
	Phase    PositionPhase `json:"phase"`

	Contracts float64 `json:"contracts"`
	Price     float64 `json:"price"`
	Leverage  int     `json:"leverage"`

	Reason CloseReason `json:"reason,omitempty"`
	PnL    float64     `json:"pnl"`
	ROE    float64     `json:"roe"`

	Tags map[string]string `json:"tags,omitempty" gorm:"serializer:json"`
}

func WithEventPair(pair string) EventFilter {
	return func(event Event) bool {
		return event.Pair == pair
	}
}

func WithEventTypeIn(types ...EventType) EventFilter {
	return func(event Event) bool {
		for _, t := range types {
			if event.Type == t {
				return true
			}
		}
		return false
	}
}

func WithEventSince(t time.Time) EventFilter {
	return func(event Event) bool {
		return !event.Time.Before(t)
	}
}
