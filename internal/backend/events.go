// ABOUTME: Event payload types carried by the backend's observables
// ABOUTME: One struct per notification category so subscribers get typed payloads

package backend

import (
	"github.com/relaydesk/relaydesk/internal/store"
)

// ConversationEvent carries a conversation snapshot after a state change.
type ConversationEvent struct {
	Conversation *store.Conversation
}

// ConversationTagEvent carries the post-update conversation snapshot and the
// tag that was added or removed.
type ConversationTagEvent struct {
	Conversation *store.Conversation
	Tag          *store.Tag
}

// TagEvent announces a newly created tag.
type TagEvent struct {
	Tag *store.Tag
}

// NewMessageForCustomerEvent delivers a message to the customer's channel.
type NewMessageForCustomerEvent struct {
	Customer     *store.Customer
	Conversation *store.Conversation
	Message      *store.Message
}

// NewUnassignedMessageEvent routes a customer message that arrived while no
// workplace was assigned; manager-facing adapters subscribe to this.
type NewUnassignedMessageEvent struct {
	Conversation *store.Conversation
	Message      *store.Message
}

// NewMessageForAgentEvent delivers a message to one specific workplace.
// Assignment replays a conversation's history as a batch of these.
type NewMessageForAgentEvent struct {
	Agent     *store.Agent
	Workplace *store.Workplace
	Message   *store.Message
}
