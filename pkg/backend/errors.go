package backend

import "fmt"

// DuplicateError is returned when a create targets an id that already
// exists.
type DuplicateError struct {
	Kind string
	ID   string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.ID)
}

// NotFoundError is returned when a delete or sub-activity operation targets
// a record that does not exist. Plain reads never return it; missing ids
// drop out of result lists instead.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// InvalidIDError is returned when an operation requires an id and the
// caller supplied a record without one.
type InvalidIDError struct {
	Kind string
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("%s has no id", e.Kind)
}

// InvalidVerbError is returned for sub-activity operations with an
// unsupported verb, or a typed delete whose verb does not match the stored
// record.
type InvalidVerbError struct {
	Verb   string
	Reason string
}

func (e *InvalidVerbError) Error() string {
	return fmt.Sprintf("%s: %q", e.Reason, e.Verb)
}

// ConfigurationError is returned when the backing store is missing or
// misconfigured.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "backend not configured: " + e.Reason
}

// OperationNotSupportedError is returned by backends that cannot honor an
// operation, such as clearing objects out from under their referencing
// activities.
type OperationNotSupportedError struct {
	Op string
}

func (e *OperationNotSupportedError) Error() string {
	return "operation not supported: " + e.Op
}
