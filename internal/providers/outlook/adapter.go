// Package outlook adapts Microsoft Graph mail to the MailProvider interface.
// Outlook mailboxes have no push channel here; the poller is their only
// ingestion path, so Watch reports domain.ErrWatchUnsupported.
package outlook

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
	"github.com/MStee09/BoltFreightCSP-sub003/internal/providers"
)

const pageSize = int32(100)

var selectFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients", "ccRecipients",
	"body", "receivedDateTime", "internetMessageHeaders",
}

// Adapter implements providers.MailProvider for one Outlook mailbox. The
// history cursor is the RFC 3339 receivedDateTime high-water mark.
type Adapter struct {
	client         *msgraphsdk.GraphServiceClient
	userID         string
	trackingHeader string
	trackingRe     *regexp.Regexp
}

// Options configures an Outlook adapter.
type Options struct {
	TrackingPrefix string
	TrackingHeader string
}

// New builds an adapter bound to an access token. userID is the Graph user
// key, typically the mailbox address.
func New(ctx context.Context, accessToken, userID string, opts Options) (*Adapter, error) {
	cred := &staticTokenCredential{token: accessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{
		client:         client,
		userID:         userID,
		trackingHeader: strings.ToLower(opts.TrackingHeader),
		trackingRe:     providers.TrackingPattern(opts.TrackingPrefix),
	}, nil
}

// FetchMessage retrieves and normalizes one message.
func (a *Adapter) FetchMessage(ctx context.Context, providerMessageID string) (*domain.NormalizedMessage, error) {
	msg, err := a.client.Users().ByUserId(a.userID).Messages().ByMessageId(providerMessageID).Get(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", providerMessageID, err)
	}
	return a.normalize(msg), nil
}

// ListHistory lists message ids received after the cursor timestamp and
// advances the cursor to the newest receivedDateTime observed.
func (a *Adapter) ListHistory(ctx context.Context, cursor string) ([]string, string, error) {
	since, err := time.Parse(time.RFC3339, cursor)
	if err != nil {
		return nil, "", providers.ErrCursorExpired
	}

	var ids []string
	latest := since
	err = a.listSince(ctx, since, func(page []models.Messageable) error {
		for _, m := range page {
			if id := m.GetId(); id != nil {
				ids = append(ids, *id)
			}
			if rcvd := m.GetReceivedDateTime(); rcvd != nil && rcvd.After(latest) {
				latest = *rcvd
			}
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}

	return ids, latest.UTC().Format(time.RFC3339), nil
}

// ListMessageIDs pages through message ids received after since, invoking fn
// once per Graph page.
func (a *Adapter) ListMessageIDs(ctx context.Context, since time.Time, fn func(ids []string) error) error {
	return a.listSince(ctx, since, func(page []models.Messageable) error {
		ids := make([]string, 0, len(page))
		for _, m := range page {
			if id := m.GetId(); id != nil {
				ids = append(ids, *id)
			}
		}
		if len(ids) == 0 {
			return nil
		}
		return fn(ids)
	})
}

// listSince walks the full listing for the window, following @odata.nextLink
// until the server stops returning one. Graph caps a single response at Top
// messages regardless of the filter.
func (a *Adapter) listSince(ctx context.Context, since time.Time, fn func(page []models.Messageable) error) error {
	filter := fmt.Sprintf("receivedDateTime gt %s", since.UTC().Format(time.RFC3339))
	orderBy := []string{"receivedDateTime asc"}
	top := pageSize

	requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
			Top:     &top,
			Filter:  &filter,
			Orderby: orderBy,
			Select:  selectFields,
		},
	}

	builder := a.client.Users().ByUserId(a.userID).Messages()
	result, err := builder.Get(ctx, requestConfig)
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	for {
		if err := fn(result.GetValue()); err != nil {
			return err
		}
		next := result.GetOdataNextLink()
		if next == nil || *next == "" {
			return nil
		}
		result, err = builder.WithUrl(*next).Get(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to list messages page: %w", err)
		}
	}
}

// CurrentCursor marks the mailbox's present point in time.
func (a *Adapter) CurrentCursor(ctx context.Context) (string, error) {
	return time.Now().UTC().Format(time.RFC3339), nil
}

// Watch is not available for Outlook mailboxes in this service.
func (a *Adapter) Watch(ctx context.Context) (*providers.WatchInfo, error) {
	return nil, domain.ErrWatchUnsupported
}

// StopWatch mirrors Watch.
func (a *Adapter) StopWatch(ctx context.Context) error {
	return domain.ErrWatchUnsupported
}

// normalize converts a Graph message to the provider-independent record.
func (a *Adapter) normalize(m models.Messageable) *domain.NormalizedMessage {
	msg := &domain.NormalizedMessage{}

	if id := m.GetId(); id != nil {
		msg.ProviderMessageID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		msg.ProviderThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		msg.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				msg.From = *addr
			}
		}
	}
	msg.To = extractAddresses(m.GetToRecipients())
	msg.Cc = extractAddresses(m.GetCcRecipients())

	if body := m.GetBody(); body != nil {
		if content := body.GetContent(); content != nil {
			msg.Body = *content
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		t := rcvd.UTC()
		msg.SentAt = &t
	}

	headers := make(map[string]string)
	for _, h := range m.GetInternetMessageHeaders() {
		if name := h.GetName(); name != nil {
			if value := h.GetValue(); value != nil {
				headers[strings.ToLower(*name)] = *value
			}
		}
	}
	if v := strings.TrimSpace(headers["in-reply-to"]); v != "" {
		msg.InReplyTo = v
	}

	if v := strings.TrimSpace(headers[a.trackingHeader]); v != "" {
		msg.TrackingCode = strings.ToUpper(v)
	} else {
		msg.TrackingCode = providers.TrackingFromSubject(a.trackingRe, msg.Subject)
	}

	return msg
}

func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, *addr)
			}
		}
	}
	return addrs
}

// staticTokenCredential satisfies the Azure credential interface with an
// already-issued access token.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}
