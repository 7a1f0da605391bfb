package coordinator

import (
	"context"
	"errors"

	"batch-dispatch/internal/domain"
	"batch-dispatch/internal/security"
)

// Classification decides what happens to a control message after a failure.
type Classification int

const (
	// NonConsumable failures are transient: the message is redelivered.
	NonConsumable Classification = iota
	// Consumable failures are poison: the message is consumed and the job marked FAILED.
	Consumable
	// Benign failures are expected outcomes that need no handling.
	Benign
)

func (c Classification) String() string {
	switch c {
	case Consumable:
		return "consumable"
	case Benign:
		return "benign"
	}
	return "non_consumable"
}

var consumableKinds = map[domain.ErrorKind]bool{
	domain.KindMalformedMessage:         true,
	domain.KindNoSuchJobExecution:       true,
	domain.KindSecurity:                 true,
	domain.KindJobStartDenied:           true,
	domain.KindApplicationNotFound:      true,
	domain.KindExecutionNotMostRecent:   true,
	domain.KindExecutionAlreadyComplete: true,
	domain.KindNoSuchJobInstance:        true,
	domain.KindInvalidParameters:        true,
	domain.KindDuplicateKey:             true,
	domain.KindIllegalStatusTransition:  true,
}

// Classify maps a dispatch failure to its Classification. A persistence
// wrapper is looked through exactly once: its direct cause decides.
func Classify(err error) Classification {
	if err == nil {
		return Benign
	}
	var unavailable *security.ContextUnavailableError
	if errors.As(err, &unavailable) {
		return NonConsumable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, domain.ErrDispatchCancelled) {
		return Benign
	}

	var de *domain.Error
	if !errors.As(err, &de) {
		return NonConsumable
	}
	if de.Kind == domain.KindPersistence {
		inner, ok := de.Err.(*domain.Error)
		if !ok {
			return NonConsumable
		}
		de = inner
	}

	if de.Kind == domain.KindJobStoppedBeforeStart {
		return Benign
	}
	if consumableKinds[de.Kind] {
		return Consumable
	}
	return NonConsumable
}
