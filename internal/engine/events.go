package engine

import (
	"context"
	"time"

	"entropycalc/internal/fhe"
	"entropycalc/internal/oracle"
)

// EventKind names an observable engine event.
type EventKind string

const (
	EventValuesInitialized              EventKind = "ValuesInitialized"
	EventEntropyRequested               EventKind = "EntropyRequested"
	EventAdditionPerformed              EventKind = "AdditionPerformed"
	EventSubtractionPerformed           EventKind = "SubtractionPerformed"
	EventMultiplicationPerformed        EventKind = "MultiplicationPerformed"
	EventEntropyAdditionPerformed       EventKind = "EntropyAdditionPerformed"
	EventEntropySubtractionPerformed    EventKind = "EntropySubtractionPerformed"
	EventEntropyMultiplicationPerformed EventKind = "EntropyMultiplicationPerformed"
)

// Event is one entry of the engine's observable stream. Which optional fields are set depends
// on Kind: Principal for ValuesInitialized and EntropyRequested, RequestID for the entropy
// events, Result for every arithmetic event.
type Event struct {
	Seq       uint64           `json:"seq"`
	Kind      EventKind        `json:"kind"`
	Principal fhe.Principal    `json:"principal,omitempty"`
	RequestID oracle.RequestID `json:"request_id,omitempty"`
	Result    *fhe.Handle      `json:"result,omitempty"`
	Time      time.Time        `json:"time"`
}

// EventSink receives events after the operation that produced them has committed. The sink
// assigns Seq.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

func resultEvent(kind EventKind, id oracle.RequestID, result fhe.Ciphertext) Event {
	h := result.Handle()
	return Event{Kind: kind, RequestID: id, Result: &h}
}
