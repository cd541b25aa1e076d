package core

import (
	"errors"
	"fmt"
)

// Failure captures transport-neutral error details that protocol adapters
// map onto line replies or RPC error strings.
type Failure struct {
	Code   string
	Detail string
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// CodeUnknownLot marks operations referencing a lot id that is not configured.
const CodeUnknownLot = "unknown_lot"

// UnknownLot builds the Failure returned when a lot id is not configured.
// The detail text is the wire-visible RPC error string.
func UnknownLot(lotID string) Failure {
	return Failure{Code: CodeUnknownLot, Detail: fmt.Sprintf("Unknown lot: %s", lotID)}
}

// IsUnknownLot reports whether err is an unknown-lot failure.
func IsUnknownLot(err error) bool {
	var failure Failure
	return errors.As(err, &failure) && failure.Code == CodeUnknownLot
}
