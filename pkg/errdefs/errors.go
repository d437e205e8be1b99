// Package errdefs defines the typed failures surfaced by burrow operations.
//
// Every public operation returns either a success payload or an error that
// wraps exactly one of the sentinels below, so callers classify failures with
// errors.Is and the routing layer maps them to status codes with HTTPStatus.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when a table, record or schema is absent.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned on a table name, alias or field collision.
	ErrAlreadyExists = errors.New("already exists")
	// ErrSchemaNotFound is returned when a migration needs a schema that is not registered.
	ErrSchemaNotFound = errors.New("schema not found")
	// ErrFieldNotFound is returned when a migration names a field the schema does not declare.
	ErrFieldNotFound = errors.New("field not found")
	// ErrStoreFault wraps any unexpected backend error.
	ErrStoreFault = errors.New("store fault")
	// ErrAmbiguous is returned when an alias resolves to more than one schema.
	ErrAmbiguous = errors.New("ambiguous identifier")
	// ErrTimeout is returned when waiting for a table state exceeds its deadline.
	ErrTimeout = errors.New("timed out")
	// ErrMigrationInProgress is returned when a table is locked by a running migration.
	ErrMigrationInProgress = errors.New("migration in progress")
	// ErrInvalidArgument is returned for malformed input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidState is returned when an operation does not apply to a migration's current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrIDExhausted is returned when no free record id could be generated.
	ErrIDExhausted = errors.New("record id attempts exhausted")
)

// NotFound builds an ErrNotFound for the given kind and identifier.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
}

// AlreadyExists builds an ErrAlreadyExists for the given kind and identifier.
func AlreadyExists(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, ErrAlreadyExists)
}

// InvalidArgument builds an ErrInvalidArgument with a formatted reason.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidArgument)
}

// Fault wraps err as ErrStoreFault unless it already carries a burrow
// classification or is a context error.
func Fault(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClassified(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreFault, err)
}

// IsClassified reports whether err already wraps one of the sentinels or a
// context cancellation.
func IsClassified(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrAlreadyExists, ErrSchemaNotFound, ErrFieldNotFound,
		ErrStoreFault, ErrAmbiguous, ErrTimeout, ErrMigrationInProgress,
		ErrInvalidArgument, ErrInvalidState, ErrIDExhausted,
		context.Canceled, context.DeadlineExceeded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// HTTPStatus maps an error to the status code the HTTP adapter responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSchemaNotFound), errors.Is(err, ErrFieldNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrAmbiguous), errors.Is(err, ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrMigrationInProgress):
		return http.StatusLocked
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
