// Package providers defines the provider-agnostic mailbox access interface
// implemented by the gmail and outlook adapters.
package providers

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
)

// ErrCursorExpired signals that the stored history cursor is too old for an
// incremental diff; the caller must re-bootstrap from a lookback window.
var ErrCursorExpired = errors.New("history cursor expired")

// WatchInfo is the result of registering a push watch.
type WatchInfo struct {
	HistoryCursor string
	Expiry        time.Time
}

// MailProvider is the mailbox access surface the dispatcher and the watch
// manager consume. One instance is scoped to a single owner's mailbox with a
// live access token.
type MailProvider interface {
	// FetchMessage retrieves and normalizes one message by provider id.
	FetchMessage(ctx context.Context, providerMessageID string) (*domain.NormalizedMessage, error)

	// ListHistory returns the provider message ids added since cursor and
	// the advanced cursor. Returns ErrCursorExpired when the cursor is no
	// longer usable.
	ListHistory(ctx context.Context, cursor string) ([]string, string, error)

	// ListMessageIDs pages through all message ids received since the given
	// time, invoking fn once per page. fn returning an error stops the walk.
	ListMessageIDs(ctx context.Context, since time.Time, fn func(ids []string) error) error

	// CurrentCursor returns a cursor representing the mailbox's present
	// state, used to bootstrap incremental sync.
	CurrentCursor(ctx context.Context) (string, error)

	// Watch registers the push notification channel. Providers without one
	// return domain.ErrWatchUnsupported.
	Watch(ctx context.Context) (*WatchInfo, error)

	// StopWatch cancels the push notification channel.
	StopWatch(ctx context.Context) error
}

// Factory builds a provider adapter for an owner's mailbox. Implementations
// resolve a live access token, so a dead credential surfaces here as
// domain.ErrReauthRequired.
type Factory func(ctx context.Context, settings *domain.MailboxSettings) (MailProvider, error)

// TrackingPattern compiles the bracketed subject-token pattern for a tracking
// prefix, e.g. CSP matches [CSP-4821] case-insensitively.
func TrackingPattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)\[(` + regexp.QuoteMeta(prefix) + `-[A-Za-z0-9]+)\]`)
}

// TrackingFromSubject extracts a tracking code from a subject line, brackets
// stripped, or "" when absent.
func TrackingFromSubject(re *regexp.Regexp, subject string) string {
	m := re.FindStringSubmatch(subject)
	if len(m) < 2 {
		return ""
	}
	return strings.ToUpper(m[1])
}

// SplitAddrs parses a comma-separated address header into trimmed entries.
func SplitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
