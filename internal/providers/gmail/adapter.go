// Package gmail adapts the Gmail API to the MailProvider interface.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/providers"
)

const (
	maxAttempts    = 3
	initialBackoff = time.Second
	pageSize       = 100
)

// Adapter implements providers.MailProvider for one Gmail mailbox.
type Adapter struct {
	svc    *gmailapi.Service
	parser *Parser
	topic  string
	label  string
	cb     *gobreaker.CircuitBreaker
}

// Options configures a Gmail adapter.
type Options struct {
	// PushTopic is the Pub/Sub topic watch registrations publish to.
	PushTopic string
	// WatchLabel restricts the watch to one label, typically INBOX.
	WatchLabel     string
	TrackingPrefix string
	TrackingHeader string
}

// New builds an adapter bound to an access token.
func New(ctx context.Context, accessToken string, opts Options) (*Adapter, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "gmail-api",
		Interval: time.Minute,
		Timeout:  30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	return &Adapter{
		svc:    svc,
		parser: NewParser(opts.TrackingPrefix, opts.TrackingHeader),
		topic:  opts.PushTopic,
		label:  opts.WatchLabel,
		cb:     cb,
	}, nil
}

// call runs one API operation through the circuit breaker with bounded
// exponential retry on rate limits and 5xx responses.
func (a *Adapter) call(ctx context.Context, op string, fn func() error) error {
	_, err := a.cb.Execute(func() (any, error) {
		backoff := initialBackoff
		var lastErr error
		for attempt := 0; attempt < maxAttempts; attempt++ {
			if attempt > 0 {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(backoff):
				}
				backoff *= 2
			}
			lastErr = fn()
			if lastErr == nil {
				return nil, nil
			}
			if !isRetryable(lastErr) {
				return nil, lastErr
			}
		}
		return nil, &domain.TransientError{Op: op, Err: lastErr}
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.TransientError{Op: op, Err: err}
	}
	return err
}

func isRetryable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Code >= 500
	}
	return false
}

// FetchMessage retrieves the full message and normalizes it.
func (a *Adapter) FetchMessage(ctx context.Context, providerMessageID string) (*domain.NormalizedMessage, error) {
	var raw *gmailapi.Message
	err := a.call(ctx, "messages.get", func() error {
		var apiErr error
		raw, apiErr = a.svc.Users.Messages.Get("me", providerMessageID).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", providerMessageID, err)
	}
	return a.parser.Normalize(raw)
}

// ListHistory returns message ids added since cursor, deduplicated in first-
// seen order, plus the advanced cursor.
func (a *Adapter) ListHistory(ctx context.Context, cursor string) ([]string, string, error) {
	startHistoryID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, "", fmt.Errorf("invalid history cursor %q: %w", cursor, err)
	}

	var (
		ids      []string
		seen     = make(map[string]bool)
		latestID = startHistoryID
	)

	err = a.call(ctx, "history.list", func() error {
		ids = ids[:0]
		for k := range seen {
			delete(seen, k)
		}
		latestID = startHistoryID

		call := a.svc.Users.History.List("me").StartHistoryId(startHistoryID).MaxResults(pageSize)
		return call.Pages(ctx, func(page *gmailapi.ListHistoryResponse) error {
			for _, history := range page.History {
				if history.Id > latestID {
					latestID = history.Id
				}
				for _, record := range history.MessagesAdded {
					id := record.Message.Id
					if !seen[id] {
						seen[id] = true
						ids = append(ids, id)
					}
				}
			}
			return nil
		})
	})
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return nil, "", providers.ErrCursorExpired
		}
		return nil, "", fmt.Errorf("failed to list history: %w", err)
	}

	return ids, strconv.FormatUint(latestID, 10), nil
}

// ListMessageIDs pages through all messages received after since.
func (a *Adapter) ListMessageIDs(ctx context.Context, since time.Time, fn func(ids []string) error) error {
	query := fmt.Sprintf("after:%s", since.Format("2006/01/02"))
	call := a.svc.Users.Messages.List("me").Q(query).IncludeSpamTrash(false).MaxResults(pageSize)

	err := call.Pages(ctx, func(page *gmailapi.ListMessagesResponse) error {
		ids := make([]string, 0, len(page.Messages))
		for _, m := range page.Messages {
			ids = append(ids, m.Id)
		}
		return fn(ids)
	})
	if err != nil {
		if isRetryable(err) {
			return &domain.TransientError{Op: "messages.list", Err: err}
		}
		return fmt.Errorf("failed to list messages: %w", err)
	}
	return nil
}

// CurrentCursor reads the mailbox's present history id from the profile.
func (a *Adapter) CurrentCursor(ctx context.Context) (string, error) {
	var profile *gmailapi.Profile
	err := a.call(ctx, "getprofile", func() error {
		var apiErr error
		profile, apiErr = a.svc.Users.GetProfile("me").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to get profile: %w", err)
	}
	return strconv.FormatUint(profile.HistoryId, 10), nil
}

// Watch registers the Pub/Sub push channel. The provider caps the lifetime at
// seven days; the expiration comes back as epoch millis.
func (a *Adapter) Watch(ctx context.Context) (*providers.WatchInfo, error) {
	if a.topic == "" {
		return nil, &domain.ConfigError{Field: "push_topic"}
	}

	req := &gmailapi.WatchRequest{TopicName: a.topic}
	if a.label != "" {
		req.LabelIds = []string{a.label}
	}

	var resp *gmailapi.WatchResponse
	err := a.call(ctx, "watch", func() error {
		var apiErr error
		resp, apiErr = a.svc.Users.Watch("me", req).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register watch: %w", err)
	}

	return &providers.WatchInfo{
		HistoryCursor: strconv.FormatUint(resp.HistoryId, 10),
		Expiry:        time.UnixMilli(resp.Expiration).UTC(),
	}, nil
}

// StopWatch cancels the push channel.
func (a *Adapter) StopWatch(ctx context.Context) error {
	err := a.call(ctx, "stop", func() error {
		return a.svc.Users.Stop("me").Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("failed to stop watch: %w", err)
	}
	return nil
}
