// ABOUTME: Backend facade and conversation assignment engine
// ABOUTME: Single entry point wiring permission checks, workplace selection and event fan-out

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydesk/relaydesk/internal/eventbus"
	"github.com/relaydesk/relaydesk/internal/permissions"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/internal/workplace"
)

// ErrPermissionDenied is returned when an operation is not allowed for the
// acting agent. The operation has no side effects.
var ErrPermissionDenied = errors.New("permission denied")

// ErrAgentDeactivated is returned when a deactivated agent attempts, or is
// the target of, an operation.
var ErrAgentDeactivated = errors.New("agent is deactivated")

// ErrInvalidRating is returned for ratings outside 1-5.
var ErrInvalidRating = errors.New("rating must be between 1 and 5")

// Backend is the single public entry point channel adapters call. It owns no
// entity state: all entities live in the store, and the working set of any
// one operation is transient. Adapters observe state changes through the
// exported observables; a single Publish awaits all subscribers, so an
// adapter that awaits an operation is guaranteed its notifications have been
// fully delivered.
type Backend struct {
	store    store.Store
	checkers []permissions.Checker
	selector *workplace.Selector
	logger   *slog.Logger

	NewConversation        *eventbus.Observable[ConversationEvent]
	ConversationAssignment *eventbus.Observable[ConversationEvent]
	ConversationResolution *eventbus.Observable[ConversationEvent]
	ConversationPostponed  *eventbus.Observable[ConversationEvent]
	ConversationRated      *eventbus.Observable[ConversationEvent]
	ConversationTagAdded   *eventbus.Observable[ConversationTagEvent]
	ConversationTagRemoved *eventbus.Observable[ConversationTagEvent]
	NewMessageForCustomer  *eventbus.Observable[NewMessageForCustomerEvent]
	NewUnassignedMessage   *eventbus.Observable[NewUnassignedMessageEvent]
	NewMessageForAgent     *eventbus.Observable[NewMessageForAgentEvent]
	TagCreated             *eventbus.Observable[TagEvent]

	// EventAppended mirrors every record appended to the historical event
	// log, for relays that forward the log elsewhere.
	EventAppended *eventbus.Observable[*store.Event]
}

// New creates a Backend over a store, an ordered collection of permission
// checkers, and an ordered collection of workplace providers.
func New(st store.Store, checkers []permissions.Checker, providers []workplace.Provider, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "backend")
	return &Backend{
		store:    st,
		checkers: checkers,
		selector: workplace.NewSelector(st, providers, logger),
		logger:   logger,

		NewConversation:        eventbus.NewObservable[ConversationEvent](),
		ConversationAssignment: eventbus.NewObservable[ConversationEvent](),
		ConversationResolution: eventbus.NewObservable[ConversationEvent](),
		ConversationPostponed:  eventbus.NewObservable[ConversationEvent](),
		ConversationRated:      eventbus.NewObservable[ConversationEvent](),
		ConversationTagAdded:   eventbus.NewObservable[ConversationTagEvent](),
		ConversationTagRemoved: eventbus.NewObservable[ConversationTagEvent](),
		NewMessageForCustomer:  eventbus.NewObservable[NewMessageForCustomerEvent](),
		NewUnassignedMessage:   eventbus.NewObservable[NewUnassignedMessageEvent](),
		NewMessageForAgent:     eventbus.NewObservable[NewMessageForAgentEvent](),
		TagCreated:             eventbus.NewObservable[TagEvent](),
		EventAppended:          eventbus.NewObservable[*store.Event](),
	}
}

// CreateOrUpdateCustomer resolves or creates a customer and applies display
// metadata updates.
func (b *Backend) CreateOrUpdateCustomer(ctx context.Context, ident store.CustomerIdentification, diff *store.CustomerDiff) (*store.Customer, error) {
	return b.store.GetOrCreateCustomer(ctx, ident, diff)
}

// IdentifyCustomerConversation resolves the customer and returns their
// current open conversation, creating both lazily. Calling twice with no
// intervening resolution returns the same conversation.
func (b *Backend) IdentifyCustomerConversation(ctx context.Context, ident store.CustomerIdentification) (*store.Conversation, error) {
	customer, err := b.store.GetOrCreateCustomer(ctx, ident, nil)
	if err != nil {
		return nil, err
	}
	conv, created, err := b.store.GetOrCreateOpenConversation(ctx, customer.ID)
	if err != nil {
		return nil, err
	}
	if created {
		b.recordEvent(ctx, &store.Event{
			Kind:           store.EventConversationStarted,
			ConversationID: conv.ID,
			CustomerID:     customer.ID,
		})
	}
	return conv, nil
}

// CreateOrUpdateAgent resolves or creates an agent. Creation is gated by the
// aggregated can-create-agent decision; a denied attempt has no side
// effects. On success, missing workplaces are materialized so the agent is
// immediately assignable.
func (b *Backend) CreateOrUpdateAgent(ctx context.Context, ident store.AgentIdentification, diff *store.AgentDiff) (*store.Agent, error) {
	if diff != nil && diff.Deactivated != nil {
		return nil, fmt.Errorf("can't deactivate agent via diff, use DeactivateAgent")
	}
	if ident.Empty() {
		return nil, store.ErrEmptyIdentification
	}

	_, err := b.store.GetAgent(ctx, ident)
	if errors.Is(err, store.ErrNotFound) {
		if !permissions.CanCreateAgent(b.checkers, ident) {
			return nil, ErrPermissionDenied
		}
	} else if err != nil {
		return nil, err
	}

	agent, err := b.store.CreateOrUpdateAgent(ctx, ident, diff)
	if err != nil {
		return nil, err
	}
	existing, err := b.store.ListAgentWorkplaces(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	if _, err := b.selector.Materialize(ctx, agent, existing); err != nil {
		return nil, err
	}
	return agent, nil
}

// IdentifyAgent resolves an existing agent.
func (b *Backend) IdentifyAgent(ctx context.Context, ident store.AgentIdentification) (*store.Agent, error) {
	return b.store.GetAgent(ctx, ident)
}

// UpdateAgent applies a metadata diff to an existing agent. Deactivation is
// not expressible through the diff.
func (b *Backend) UpdateAgent(ctx context.Context, ident store.AgentIdentification, diff *store.AgentDiff) (*store.Agent, error) {
	if diff != nil && diff.Deactivated != nil {
		return nil, fmt.Errorf("can't deactivate agent via diff, use DeactivateAgent")
	}
	return b.store.UpdateAgent(ctx, ident, diff)
}

// DeactivateAgent postpones all of the agent's assigned conversations back
// into the unassigned pool, then sets the terminal deactivated flag.
func (b *Backend) DeactivateAgent(ctx context.Context, agent *store.Agent) error {
	conversations, err := b.store.ListAgentConversations(ctx, agent.ID)
	if err != nil {
		return err
	}
	for _, conv := range conversations {
		if err := b.PostponeConversation(ctx, agent, conv); err != nil {
			return fmt.Errorf("postponing conversation %s: %w", conv.ID, err)
		}
	}
	deactivated := true
	if _, err := b.store.UpdateAgent(ctx, agent.Identification(), &store.AgentDiff{Deactivated: &deactivated}); err != nil {
		return err
	}
	b.logger.Info("deactivated agent", "agent_id", agent.ID)
	return nil
}

// IdentifyWorkplace resolves or creates a workplace, creating the owning
// agent lazily when the can-create-agent decision allows it.
func (b *Backend) IdentifyWorkplace(ctx context.Context, ident store.WorkplaceIdentification) (*store.Workplace, error) {
	if ident.Empty() {
		return nil, store.ErrEmptyIdentification
	}
	wp, err := b.store.GetOrCreateWorkplace(ctx, ident)
	if !errors.Is(err, store.ErrNotFound) {
		return wp, err
	}

	// Owning agent doesn't exist yet.
	agentIdent := ident.AgentIdentification()
	if !permissions.CanCreateAgent(b.checkers, agentIdent) {
		return nil, ErrPermissionDenied
	}
	if _, err := b.store.CreateOrUpdateAgent(ctx, agentIdent, nil); err != nil {
		return nil, err
	}
	return b.store.GetOrCreateWorkplace(ctx, ident)
}

// IdentifyAgentConversation returns the conversation currently assigned to
// the identified workplace.
func (b *Backend) IdentifyAgentConversation(ctx context.Context, ident store.WorkplaceIdentification) (*store.Conversation, error) {
	wp, err := b.store.GetOrCreateWorkplace(ctx, ident)
	if err != nil {
		return nil, err
	}
	return b.store.GetWorkplaceConversation(ctx, wp.ID)
}

// CheckPermission aggregates all checkers' votes for the agent and
// permission.
func (b *Backend) CheckPermission(agent *store.Agent, permission permissions.Permission) bool {
	return permissions.Check(b.checkers, agent, permission)
}

// ProcessMessage appends the message to the conversation and routes the
// notification: customer messages go to the assigned workplace, or to the
// unassigned-message channel when nobody holds the conversation; the first
// customer message additionally announces the new conversation. Agent and
// system messages go to the customer (and, for system messages, the assigned
// workplace too).
func (b *Backend) ProcessMessage(ctx context.Context, conv *store.Conversation, msg *store.Message) error {
	msg.ConversationID = conv.ID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	switch msg.Kind {
	case store.MessageFromCustomer:
		return b.processCustomerMessage(ctx, conv, msg)
	case store.MessageFromAgent:
		return b.processAgentMessage(ctx, conv, msg)
	default:
		return b.processInternalMessage(ctx, conv, msg)
	}
}

func (b *Backend) processCustomerMessage(ctx context.Context, conv *store.Conversation, msg *store.Message) error {
	if err := b.store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	first := len(conv.Messages) == 0
	conv.Messages = append(conv.Messages, msg)
	b.recordMessageEvent(ctx, conv, msg)

	if first {
		if err := b.NewConversation.Publish(ctx, ConversationEvent{Conversation: conv}); err != nil {
			return fmt.Errorf("publishing new conversation: %w", err)
		}
	}

	if conv.Assigned() {
		return b.deliverToWorkplace(ctx, conv, msg)
	}
	return b.NewUnassignedMessage.Publish(ctx, NewUnassignedMessageEvent{Conversation: conv, Message: msg})
}

func (b *Backend) processAgentMessage(ctx context.Context, conv *store.Conversation, msg *store.Message) error {
	if conv.AssignedAgentID != "" {
		agent, err := b.store.GetAgent(ctx, store.AgentIdentification{ID: conv.AssignedAgentID})
		if err != nil {
			return err
		}
		if agent.Deactivated {
			return ErrAgentDeactivated
		}
	}
	if err := b.store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	conv.Messages = append(conv.Messages, msg)
	b.recordMessageEvent(ctx, conv, msg)
	return b.deliverToCustomer(ctx, conv, msg)
}

func (b *Backend) processInternalMessage(ctx context.Context, conv *store.Conversation, msg *store.Message) error {
	if err := b.store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	conv.Messages = append(conv.Messages, msg)
	b.recordMessageEvent(ctx, conv, msg)

	if err := b.deliverToCustomer(ctx, conv, msg); err != nil {
		return err
	}
	if conv.Assigned() {
		return b.deliverToWorkplace(ctx, conv, msg)
	}
	return nil
}

func (b *Backend) deliverToCustomer(ctx context.Context, conv *store.Conversation, msg *store.Message) error {
	customer, err := b.store.GetOrCreateCustomer(ctx, store.CustomerIdentification{ID: conv.CustomerID}, nil)
	if err != nil {
		return err
	}
	return b.NewMessageForCustomer.Publish(ctx, NewMessageForCustomerEvent{
		Customer:     customer,
		Conversation: conv,
		Message:      msg,
	})
}

func (b *Backend) deliverToWorkplace(ctx context.Context, conv *store.Conversation, msg *store.Message) error {
	agent, wp, err := b.assignedPair(ctx, conv)
	if err != nil {
		return err
	}
	return b.NewMessageForAgent.Publish(ctx, NewMessageForAgentEvent{
		Agent:     agent,
		Workplace: wp,
		Message:   msg,
	})
}

func (b *Backend) assignedPair(ctx context.Context, conv *store.Conversation) (*store.Agent, *store.Workplace, error) {
	agent, err := b.store.GetAgent(ctx, store.AgentIdentification{ID: conv.AssignedAgentID})
	if err != nil {
		return nil, nil, err
	}
	wp, err := b.store.GetWorkplace(ctx, conv.AssignedWorkplaceID)
	if err != nil {
		return nil, nil, err
	}
	return agent, wp, nil
}

// AssignAgent binds the conversation to one of the assignee's eligible
// workplaces. The assignment is a compare-and-swap against storage: among
// concurrent conflicting calls exactly one succeeds and the rest get
// store.ErrAlreadyAssigned with nothing published. On success, one
// assignment event is published and the conversation's history is replayed
// to the new workplace as an ordered batch.
func (b *Backend) AssignAgent(ctx context.Context, assigner, assignee *store.Agent, conversationID string) error {
	if assigner.Deactivated || assignee.Deactivated {
		return ErrAgentDeactivated
	}

	required := permissions.PermissionAssignToOthers
	if assigner.ID == assignee.ID {
		required = permissions.PermissionAssignToSelf
	}
	if !permissions.Check(b.checkers, assigner, required) {
		return ErrPermissionDenied
	}

	wp, err := b.selector.Choose(ctx, assignee)
	if err != nil {
		return err
	}

	state := store.StateAssigned
	err = b.store.UpdateConversation(ctx, conversationID, store.ConversationDiff{
		State:               &state,
		AssignedAgentID:     &assignee.ID,
		AssignedWorkplaceID: &wp.ID,
	}, true)
	if err != nil {
		// Lost races and missing conversations surface verbatim; nothing
		// is published.
		return err
	}

	conv, err := b.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}

	b.logger.Info("assigned conversation",
		"conversation_id", conv.ID,
		"assigner_id", assigner.ID,
		"assignee_id", assignee.ID,
		"workplace_id", wp.ID)

	if err := b.ConversationAssignment.Publish(ctx, ConversationEvent{Conversation: conv}); err != nil {
		return fmt.Errorf("publishing assignment: %w", err)
	}

	// Replay prior context to the new workplace as one batch, through the
	// same at-least-once primitive normal delivery uses.
	if len(conv.Messages) > 0 {
		batch := make([]NewMessageForAgentEvent, 0, len(conv.Messages))
		for _, msg := range conv.Messages {
			batch = append(batch, NewMessageForAgentEvent{Agent: assignee, Workplace: wp, Message: msg})
		}
		if err := b.NewMessageForAgent.PublishBatch(ctx, batch); err != nil {
			return fmt.Errorf("replaying history: %w", err)
		}
	}

	b.recordEvent(ctx, &store.Event{
		Kind:           store.EventAgentAssigned,
		ConversationID: conv.ID,
		CustomerID:     conv.CustomerID,
		AgentID:        assignee.ID,
		WorkplaceID:    wp.ID,
	})
	return nil
}

// ResolveConversation closes the conversation. Only the currently assigned
// agent may resolve; anyone else gets ErrPermissionDenied with zero side
// effects, regardless of role-based permissions. A deactivated resolver's
// conversation is postponed back into the pool instead.
func (b *Backend) ResolveConversation(ctx context.Context, resolver *store.Agent, conv *store.Conversation) error {
	if conv.AssignedAgentID == "" || conv.AssignedAgentID != resolver.ID {
		return ErrPermissionDenied
	}
	if resolver.Deactivated {
		if err := b.PostponeConversation(ctx, resolver, conv); err != nil {
			return err
		}
		return ErrAgentDeactivated
	}

	if err := b.ProcessMessage(ctx, conv, &store.Message{Kind: store.MessageResolved}); err != nil {
		return err
	}

	state := store.StateResolved
	err := b.store.UpdateConversation(ctx, conv.ID, store.ConversationDiff{
		State:           &state,
		ClearAssignment: true,
	}, false)
	if err != nil {
		return err
	}

	snapshot, err := b.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return err
	}

	b.logger.Info("resolved conversation", "conversation_id", conv.ID, "resolver_id", resolver.ID)

	if err := b.ConversationResolution.Publish(ctx, ConversationEvent{Conversation: snapshot}); err != nil {
		return fmt.Errorf("publishing resolution: %w", err)
	}
	b.recordEvent(ctx, &store.Event{
		Kind:           store.EventConversationResolved,
		ConversationID: conv.ID,
		CustomerID:     conv.CustomerID,
		AgentID:        resolver.ID,
	})
	return nil
}

// PostponeConversation returns the conversation to the unassigned pool:
// state back to new, assignment cleared, and the new-conversation
// notification re-fired so adapters offer it for assignment again. Only the
// currently assigned agent may postpone.
func (b *Backend) PostponeConversation(ctx context.Context, postponer *store.Agent, conv *store.Conversation) error {
	if conv.AssignedAgentID == "" || conv.AssignedAgentID != postponer.ID {
		return ErrPermissionDenied
	}

	if err := b.ProcessMessage(ctx, conv, &store.Message{Kind: store.MessagePostponed}); err != nil {
		return err
	}

	state := store.StateNew
	err := b.store.UpdateConversation(ctx, conv.ID, store.ConversationDiff{
		State:           &state,
		ClearAssignment: true,
	}, false)
	if err != nil {
		return err
	}

	snapshot, err := b.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return err
	}

	b.logger.Info("postponed conversation", "conversation_id", conv.ID, "postponer_id", postponer.ID)

	if err := b.ConversationPostponed.Publish(ctx, ConversationEvent{Conversation: snapshot}); err != nil {
		return fmt.Errorf("publishing postponement: %w", err)
	}
	if err := b.NewConversation.Publish(ctx, ConversationEvent{Conversation: snapshot}); err != nil {
		return fmt.Errorf("republishing conversation: %w", err)
	}
	b.recordEvent(ctx, &store.Event{
		Kind:           store.EventConversationPostponed,
		ConversationID: conv.ID,
		CustomerID:     conv.CustomerID,
		AgentID:        postponer.ID,
	})
	return nil
}

// RateConversation stores a 1-5 customer rating. The state machine imposes
// no precondition: rating an unresolved conversation is accepted here, and
// any stricter policy belongs to the calling adapter.
func (b *Backend) RateConversation(ctx context.Context, conv *store.Conversation, rating int) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	err := b.store.UpdateConversation(ctx, conv.ID, store.ConversationDiff{CustomerRating: &rating}, false)
	if err != nil {
		return err
	}
	snapshot, err := b.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return err
	}
	if err := b.ConversationRated.Publish(ctx, ConversationEvent{Conversation: snapshot}); err != nil {
		return fmt.Errorf("publishing rating: %w", err)
	}
	b.recordEvent(ctx, &store.Event{
		Kind:           store.EventConversationRated,
		ConversationID: conv.ID,
		CustomerID:     conv.CustomerID,
	})
	return nil
}

// AddTagToConversation attaches a tag with set semantics: adding a tag
// already present is a no-op, not an error.
func (b *Backend) AddTagToConversation(ctx context.Context, conv *store.Conversation, tag *store.Tag) error {
	err := b.store.UpdateConversation(ctx, conv.ID, store.ConversationDiff{AddTags: []string{tag.Name}}, false)
	if err != nil {
		return err
	}
	snapshot, err := b.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return err
	}
	if err := b.ConversationTagAdded.Publish(ctx, ConversationTagEvent{Conversation: snapshot, Tag: tag}); err != nil {
		return fmt.Errorf("publishing tag addition: %w", err)
	}
	b.recordEvent(ctx, &store.Event{
		Kind:           store.EventTagAdded,
		ConversationID: conv.ID,
		CustomerID:     conv.CustomerID,
		TagName:        tag.Name,
	})
	return nil
}

// RemoveTagFromConversation detaches a tag; removing an absent tag is a
// no-op.
func (b *Backend) RemoveTagFromConversation(ctx context.Context, conv *store.Conversation, tag *store.Tag) error {
	err := b.store.UpdateConversation(ctx, conv.ID, store.ConversationDiff{RemoveTags: []string{tag.Name}}, false)
	if err != nil {
		return err
	}
	snapshot, err := b.store.GetConversation(ctx, conv.ID)
	if err != nil {
		return err
	}
	if err := b.ConversationTagRemoved.Publish(ctx, ConversationTagEvent{Conversation: snapshot, Tag: tag}); err != nil {
		return fmt.Errorf("publishing tag removal: %w", err)
	}
	b.recordEvent(ctx, &store.Event{
		Kind:           store.EventTagRemoved,
		ConversationID: conv.ID,
		CustomerID:     conv.CustomerID,
		TagName:        tag.Name,
	})
	return nil
}

// CreateTag creates a uniquely named tag. Requires the create-tags
// permission; duplicate names surface store.ErrTagExists verbatim.
func (b *Backend) CreateTag(ctx context.Context, name string, createdBy *store.Agent) (*store.Tag, error) {
	if createdBy.Deactivated {
		return nil, ErrAgentDeactivated
	}
	if !permissions.Check(b.checkers, createdBy, permissions.PermissionCreateTags) {
		return nil, ErrPermissionDenied
	}
	tag, err := b.store.CreateTag(ctx, name, createdBy)
	if err != nil {
		return nil, err
	}
	if err := b.TagCreated.Publish(ctx, TagEvent{Tag: tag}); err != nil {
		return nil, fmt.Errorf("publishing tag creation: %w", err)
	}
	return tag, nil
}

// GetAllTags lists every tag.
func (b *Backend) GetAllTags(ctx context.Context) ([]*store.Tag, error) {
	return b.store.ListTags(ctx)
}

// GetConversations fetches conversations by ID, optionally with messages.
func (b *Backend) GetConversations(ctx context.Context, ids []string, withMessages bool) ([]*store.Conversation, error) {
	return b.store.ListConversationsByIDs(ctx, ids, withMessages)
}

// GetCustomerConversations lists a customer's conversations with messages.
func (b *Backend) GetCustomerConversations(ctx context.Context, customer *store.Customer) ([]*store.Conversation, error) {
	return b.store.ListCustomerConversations(ctx, customer.ID)
}

func (b *Backend) recordMessageEvent(ctx context.Context, conv *store.Conversation, msg *store.Message) {
	b.recordEvent(ctx, &store.Event{
		Kind:           store.EventMessageSent,
		ConversationID: conv.ID,
		CustomerID:     conv.CustomerID,
		AgentID:        conv.AssignedAgentID,
		WorkplaceID:    conv.AssignedWorkplaceID,
		MessageKind:    msg.Kind,
	})
}

// recordEvent appends to the historical log and mirrors the record on
// EventAppended. The log is fire-and-forget: a failed append is logged and
// never fails the triggering operation.
func (b *Backend) recordEvent(ctx context.Context, event *store.Event) {
	if err := b.store.AppendEvent(ctx, event); err != nil {
		b.logger.Error("failed to append event", "error", err, "kind", event.Kind, "conversation_id", event.ConversationID)
		return
	}
	if err := b.EventAppended.Publish(ctx, event); err != nil {
		b.logger.Error("event relay subscriber failed", "error", err, "kind", event.Kind)
	}
}
