package ble

import (
	"errors"
	"fmt"
	"strings"
)

// Transport-level failures. Callers match these with errors.Is; the
// platform stacks report them as free-form strings, so classifyError maps
// the strings onto sentinels once, here.
var (
	// ErrPermissionDenied means the OS refused Bluetooth access for this
	// process. Not retryable until the user grants permission.
	ErrPermissionDenied = errors.New("bluetooth permission denied")
	// ErrAdapterUnavailable means the adapter is missing, disabled or
	// powered off. Retryable once the adapter comes back.
	ErrAdapterUnavailable = errors.New("bluetooth adapter unavailable")
)

// classifyError wraps an adapter enable failure with the matching
// sentinel. Unrecognized errors pass through unchanged.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"),
		strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "denied"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(msg, "powered"),
		strings.Contains(msg, "not ready"),
		strings.Contains(msg, "adapter"),
		strings.Contains(msg, "unsupported"),
		strings.Contains(msg, "disabled"):
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}
	return err
}
