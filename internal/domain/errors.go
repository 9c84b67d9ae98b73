package domain

import (
	"errors"
	"fmt"
)

// ErrReauthRequired signals a permanently invalidated refresh token. It is
// terminal: never retried automatically, surfaced to a reconnect flow, and all
// ingestion for the owner pauses until resolved.
var ErrReauthRequired = errors.New("mailbox reauthorization required")

// ErrWatchUnsupported is returned by providers without a push channel; the
// poller is their only ingestion path.
var ErrWatchUnsupported = errors.New("push watch not supported by provider")

// ConfigError reports missing credentials or topic configuration. Fatal to the
// operation that requires it, never silently swallowed.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration missing: %s", e.Field)
}

// ParseError marks a malformed message. The message is skipped and logged;
// sibling messages in the same batch keep processing.
type ParseError struct {
	ProviderMessageID string
	Err               error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse message %s: %v", e.ProviderMessageID, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// TransientError wraps provider failures worth retrying (rate limit, timeout,
// 5xx). After bounded retries are exhausted the operation is skipped, not
// escalated to the whole run.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
