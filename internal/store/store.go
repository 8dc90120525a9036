// ABOUTME: Store interface and data types for relaydesk persistence
// ABOUTME: Defines Customer, Agent, Workplace, Conversation entities and the Store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrAlreadyAssigned is returned when an unassigned-only conversation update
// loses the assignment race. It is distinct from ErrNotFound so callers can
// re-fetch and show the winning assignee instead of reporting an error.
var ErrAlreadyAssigned = errors.New("conversation already assigned")

// ErrTagExists is returned when creating a tag whose name is already taken
var ErrTagExists = errors.New("tag already exists")

// ErrEmptyIdentification is returned when an identification value carries no
// usable key field. It is a programming/input error and never reaches the
// database.
var ErrEmptyIdentification = errors.New("empty identification")

// CustomerIdentification locates a customer by exactly one of several
// mutually exclusive identity keys.
type CustomerIdentification struct {
	ID              string // internal id
	Channel         string // paired with ChannelUserID
	ChannelUserID   string
	SessionID       string // anonymous web/shell session
	PubSubUserID    string // paired with PubSubChannelID
	PubSubChannelID string
}

// Empty reports whether no usable key field is set.
func (ci CustomerIdentification) Empty() bool {
	return ci.ID == "" &&
		(ci.Channel == "" || ci.ChannelUserID == "") &&
		ci.SessionID == "" &&
		(ci.PubSubUserID == "" || ci.PubSubChannelID == "")
}

// Customer is a person seeking support. Customers are never deleted.
type Customer struct {
	ID              string
	Channel         string
	ChannelUserID   string
	SessionID       string
	PubSubUserID    string
	PubSubChannelID string
	DisplayName     string
	CreatedAt       time.Time
}

// Identification returns the canonical identification for this customer.
func (c *Customer) Identification() CustomerIdentification {
	return CustomerIdentification{ID: c.ID}
}

// CustomerDiff carries mutable display-metadata updates. Nil fields are left
// untouched.
type CustomerDiff struct {
	DisplayName *string
}

// AgentIdentification locates an agent by internal id or channel identity.
type AgentIdentification struct {
	ID            string
	Channel       string
	ChannelUserID string
}

// Empty reports whether no usable key field is set.
func (ai AgentIdentification) Empty() bool {
	return ai.ID == "" && (ai.Channel == "" || ai.ChannelUserID == "")
}

// Agent is a person answering support requests. Agents are never hard-deleted;
// Deactivated is the terminal lifecycle state.
type Agent struct {
	ID            string
	Channel       string
	ChannelUserID string
	DisplayName   string
	Deactivated   bool
	CreatedAt     time.Time
}

// Identification returns the canonical identification for this agent.
func (a *Agent) Identification() AgentIdentification {
	return AgentIdentification{ID: a.ID}
}

// AgentDiff carries mutable agent field updates. Nil fields are left
// untouched.
type AgentDiff struct {
	DisplayName *string
	Deactivated *bool
}

// WorkplaceIdentification locates a workplace by its full identity tuple:
// the agent's channel identity plus the concrete endpoint (bot token,
// session, pubsub channel) the agent is reachable through.
type WorkplaceIdentification struct {
	Channel       string
	ChannelUserID string
	EndpointID    string
}

// Empty reports whether the identity tuple is incomplete.
func (wi WorkplaceIdentification) Empty() bool {
	return wi.Channel == "" || wi.ChannelUserID == "" || wi.EndpointID == ""
}

// AgentIdentification reduces the workplace identity to the owning agent's.
func (wi WorkplaceIdentification) AgentIdentification() AgentIdentification {
	return AgentIdentification{Channel: wi.Channel, ChannelUserID: wi.ChannelUserID}
}

// Workplace binds one agent to one concrete channel endpoint. Immutable once
// created; liveness is implied by the owning agent's deactivation.
type Workplace struct {
	ID         string
	AgentID    string
	Channel    string
	EndpointID string
	CreatedAt  time.Time
}

// ConversationState is the conversation lifecycle state
type ConversationState string

const (
	StateNew      ConversationState = "new"
	StateAssigned ConversationState = "assigned"
	StateResolved ConversationState = "resolved"
)

// MessageKind discriminates who (or what) produced a message
type MessageKind string

const (
	MessageFromCustomer MessageKind = "customer"
	MessageFromAgent    MessageKind = "agent"
	// Synthetic system markers appended by the engine on state transitions.
	MessageResolved  MessageKind = "resolved"
	MessagePostponed MessageKind = "postponed"
)

// Internal reports whether the message is a system marker rather than
// something a person typed.
func (k MessageKind) Internal() bool {
	return k != MessageFromCustomer && k != MessageFromAgent
}

// Message is an immutable, append-only conversation entry. Text and Image are
// not mutually exclusive; a single send may carry both.
type Message struct {
	ID             string
	ConversationID string
	Kind           MessageKind
	Text           string
	Image          []byte
	CreatedAt      time.Time
}

// Conversation is the unit of work: one customer, over time zero or more
// agents, an append-only message list, tags, and an optional rating.
type Conversation struct {
	ID                  string
	State               ConversationState
	CustomerID          string
	AssignedAgentID     string // empty when unassigned
	AssignedWorkplaceID string // empty when unassigned
	Messages            []*Message
	Tags                []string
	CustomerRating      int // 0 = unrated, otherwise 1-5
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Assigned reports whether the conversation currently holds an assignment.
func (c *Conversation) Assigned() bool {
	return c.AssignedWorkplaceID != ""
}

// ConversationDiff describes a partial conversation update. Nil/empty fields
// are left untouched. ClearAssignment explicitly resets the assignment pair:
// "unchanged" and "set to none" must be distinguishable.
type ConversationDiff struct {
	State               *ConversationState
	AssignedAgentID     *string
	AssignedWorkplaceID *string
	ClearAssignment     bool
	CustomerRating      *int
	AddTags             []string
	RemoveTags          []string
}

// Tag is a named label attachable to conversations. Names are unique;
// creating a duplicate is an error, not an upsert.
type Tag struct {
	ID        string
	Name      string
	CreatedBy string // agent id
	CreatedAt time.Time
}

// EventKind discriminates persisted event records
type EventKind string

const (
	EventConversationStarted   EventKind = "conversation_started"
	EventAgentAssigned         EventKind = "agent_assigned"
	EventMessageSent           EventKind = "message_sent"
	EventTagAdded              EventKind = "tag_added"
	EventTagRemoved            EventKind = "tag_removed"
	EventConversationRated     EventKind = "conversation_rated"
	EventConversationResolved  EventKind = "conversation_resolved"
	EventConversationPostponed EventKind = "conversation_postponed"
)

// Event is one appended, never-mutated fact about a conversation, kept for
// downstream analytics. The engine only writes these; it never reads them
// back during normal operation.
type Event struct {
	ID             string
	Kind           EventKind
	ConversationID string
	CustomerID     string
	AgentID        string
	WorkplaceID    string
	TagName        string
	MessageKind    MessageKind
	CreatedAt      time.Time
}

// Store defines the persistence contract the engine runs against.
// Implementations must provide the unassigned-only conditional update as an
// atomic compare-and-swap, since multiple process instances may share one
// backend.
type Store interface {
	// Customers
	GetOrCreateCustomer(ctx context.Context, ident CustomerIdentification, diff *CustomerDiff) (*Customer, error)

	// Agents
	GetAgent(ctx context.Context, ident AgentIdentification) (*Agent, error)
	CreateOrUpdateAgent(ctx context.Context, ident AgentIdentification, diff *AgentDiff) (*Agent, error)
	UpdateAgent(ctx context.Context, ident AgentIdentification, diff *AgentDiff) (*Agent, error)

	// Workplaces
	GetOrCreateWorkplace(ctx context.Context, ident WorkplaceIdentification) (*Workplace, error)
	GetWorkplace(ctx context.Context, id string) (*Workplace, error)
	ListAgentWorkplaces(ctx context.Context, agentID string) ([]*Workplace, error)

	// Conversations
	GetOrCreateOpenConversation(ctx context.Context, customerID string) (conv *Conversation, created bool, err error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversationsByIDs(ctx context.Context, ids []string, withMessages bool) ([]*Conversation, error)
	ListCustomerConversations(ctx context.Context, customerID string) ([]*Conversation, error)
	ListAgentConversations(ctx context.Context, agentID string) ([]*Conversation, error)
	GetWorkplaceConversation(ctx context.Context, workplaceID string) (*Conversation, error)
	AppendMessage(ctx context.Context, msg *Message) error
	UpdateConversation(ctx context.Context, id string, diff ConversationDiff, unassignedOnly bool) error

	// Tags
	CreateTag(ctx context.Context, name string, createdBy *Agent) (*Tag, error)
	ListTags(ctx context.Context) ([]*Tag, error)

	// Event log (append-only, analytics-facing)
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, limit int) ([]*Event, error)

	// Close releases any resources held by the store
	Close() error
}
