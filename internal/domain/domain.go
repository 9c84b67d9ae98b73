package domain

import (
	"time"
)

// Provider identifies the mailbox provider an owner connected.
type Provider string

const (
	ProviderGmail   Provider = "gmail"
	ProviderOutlook Provider = "outlook"
)

// Direction of a message relative to the owning mailbox.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ThreadStatus is the conversation state machine value.
type ThreadStatus string

const (
	ThreadActive        ThreadStatus = "active"
	ThreadAwaitingReply ThreadStatus = "awaiting_reply"
	ThreadStalled       ThreadStatus = "stalled"
	ThreadClosed        ThreadStatus = "closed"
)

// NormalizedMessage is the provider-independent view of one mail message.
// It is ephemeral: the dispatcher turns it into an EmailActivity.
type NormalizedMessage struct {
	ProviderMessageID string
	ProviderThreadID  string
	Subject           string
	From              string
	To                []string
	Cc                []string
	Body              string
	// SentAt is nil when the Date header was missing or unparseable; the
	// dispatcher falls back to the notification receipt time.
	SentAt       *time.Time
	InReplyTo    string
	TrackingCode string
}

// Correlation links a message to at most one CRM entity and optionally an
// already-known internal thread.
type Correlation struct {
	// ThreadID is the internal thread id when a matcher resolved one
	// directly (tracking code or thread continuation). Empty means the
	// aggregator derives the thread from the provider thread id.
	ThreadID   string
	CustomerID string
	CarrierID  string
	EventID    string
	// MatchedBy names the matcher that produced the correlation, for logs.
	MatchedBy string
}

// Linked reports whether any CRM entity was matched.
func (c Correlation) Linked() bool {
	return c.CustomerID != "" || c.CarrierID != "" || c.EventID != ""
}

// EmailActivity is the persisted record of one ingested message.
// Unique on ProviderMessageID; inserts are idempotent.
type EmailActivity struct {
	ID                string
	OwnerID           string
	ProviderMessageID string
	ProviderThreadID  string
	ThreadID          string
	Direction         Direction
	Subject           string
	From              string
	To                []string
	Cc                []string
	Body              string
	SentAt            time.Time
	InReplyTo         string
	TrackingCode      string
	CustomerID        string
	CarrierID         string
	EventID           string
	CreatedAt         time.Time
}

// EmailThread is the per-conversation aggregate. Never deleted, only closed.
type EmailThread struct {
	ID            string
	OwnerID       string
	Subject       string
	Participants  []string
	Status        ThreadStatus
	MessageCount  int64
	LastActivity  time.Time
	AwaitingSince *time.Time
	CustomerID    string
	CarrierID     string
	EventID       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FollowUpTask is a user-created reminder on a thread. Auto-resolved when an
// inbound message arrives after its creation.
type FollowUpTask struct {
	ID         string
	ThreadID   string
	OwnerID    string
	Note       string
	DueAt      *time.Time
	Resolved   bool
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// OAuthTokenRecord is the stored credential for one connected mailbox.
type OAuthTokenRecord struct {
	OwnerID      string
	Mailbox      string
	Provider     Provider
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
	// Dead marks a permanently invalidated refresh token; the owner must
	// reconnect before any ingestion resumes.
	Dead      bool
	UpdatedAt time.Time
}

// WatchSubscription tracks the provider push registration for a mailbox.
type WatchSubscription struct {
	OwnerID       string
	Mailbox       string
	HistoryCursor string
	Expiry        time.Time
	Active        bool
	UpdatedAt     time.Time
}

// MailboxSettings is the per-owner ingestion configuration row.
type MailboxSettings struct {
	OwnerID          string
	Mailbox          string
	Provider         Provider
	IngestionEnabled bool
	// BusinessDaysOnly controls how the awaiting-reply stall threshold is
	// counted. Holidays are always excluded.
	BusinessDaysOnly bool
	StallAfterDays   int
}

// Customer, Carrier and NegotiationEvent are the CRM read surface consumed by
// the correlation resolver. Their lifecycle is owned elsewhere.
type Customer struct {
	ID   string
	Name string
}

type Carrier struct {
	ID           string
	Name         string
	ContactEmail string
}

type NegotiationEvent struct {
	ID         string
	CustomerID string
	Stage      string
}

// StageActiveBidding is the negotiation stage eligible for heuristic
// correlation attachment.
const StageActiveBidding = "active_bidding"
