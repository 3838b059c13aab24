package model

import (
	"errors"
	"fmt"
)

var (
	// ErrModelNotTrained is returned by Predict when no fitted state exists.
	ErrModelNotTrained = errors.New("pricing model is not trained")
	// ErrTrainingInProgress is returned when a second Train overlaps a running one.
	ErrTrainingInProgress = errors.New("training already in progress")
	// ErrNoState is returned by a Store that has never saved a state.
	ErrNoState = errors.New("no persisted model state")
)

// InsufficientDataError aborts a training run with too few records.
type InsufficientDataError struct {
	Got      int
	Required int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient training data: got %d records, need at least %d", e.Got, e.Required)
}

// PersistenceError wraps a load or save failure of the model store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("model state %s failed: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
