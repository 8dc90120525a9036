// ABOUTME: Tests for the backend facade and assignment engine
// ABOUTME: Covers the conversation lifecycle, single-winner assignment, and permission gating

package backend

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydesk/relaydesk/internal/eventbus"
	"github.com/relaydesk/relaydesk/internal/permissions"
	"github.com/relaydesk/relaydesk/internal/store"
	"github.com/relaydesk/relaydesk/internal/workplace"
)

type fixture struct {
	store   *store.MemoryStore
	backend *Backend
}

func newFixture(t *testing.T, endpoints []string, entries []permissions.RosterEntry, allowUnknown bool) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	checkers := []permissions.Checker{permissions.NewRosterChecker(entries, allowUnknown)}
	providers := []workplace.Provider{workplace.NewPoolProvider("telegram", endpoints)}
	return &fixture{
		store:   st,
		backend: New(st, checkers, providers, nil),
	}
}

func supportRoster(userIDs ...string) []permissions.RosterEntry {
	var entries []permissions.RosterEntry
	for _, id := range userIDs {
		entries = append(entries, permissions.RosterEntry{
			Channel:       "telegram",
			ChannelUserID: id,
			Roles:         []permissions.Role{permissions.RoleSupport},
		})
	}
	return entries
}

func (f *fixture) agent(t *testing.T, userID string) *store.Agent {
	t.Helper()
	agent, err := f.backend.CreateOrUpdateAgent(context.Background(), store.AgentIdentification{
		Channel:       "telegram",
		ChannelUserID: userID,
	}, nil)
	require.NoError(t, err)
	return agent
}

func (f *fixture) customerConversation(t *testing.T, sessionID string) *store.Conversation {
	t.Helper()
	conv, err := f.backend.IdentifyCustomerConversation(context.Background(), store.CustomerIdentification{SessionID: sessionID})
	require.NoError(t, err)
	return conv
}

func countEvents(t *testing.T, st *store.MemoryStore, kind store.EventKind) int {
	t.Helper()
	events, err := st.ListEvents(context.Background(), 1000)
	require.NoError(t, err)
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func counter[T any](o *eventbus.Observable[T]) *atomic.Int32 {
	var n atomic.Int32
	o.Subscribe(func(ctx context.Context, event T) error {
		n.Add(1)
		return nil
	})
	return &n
}

func TestIdentifyCustomerConversation_Idempotent(t *testing.T) {
	f := newFixture(t, []string{"bot-a"}, nil, false)

	first := f.customerConversation(t, "s1")
	assert.Equal(t, store.StateNew, first.State)

	second := f.customerConversation(t, "s1")
	assert.Equal(t, first.ID, second.ID, "repeated identification returns the same open conversation")

	assert.Equal(t, 1, countEvents(t, f.store, store.EventConversationStarted))
}

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"bot-a"}, supportRoster("helper"), false)
	agent := f.agent(t, "helper")

	newConvs := counter(f.backend.NewConversation)
	assignments := counter(f.backend.ConversationAssignment)
	resolutions := counter(f.backend.ConversationResolution)
	unassigned := counter(f.backend.NewUnassignedMessage)
	forCustomer := counter(f.backend.NewMessageForCustomer)

	var replayed []string
	var mu sync.Mutex
	f.backend.NewMessageForAgent.SubscribeBatch(func(ctx context.Context, events []NewMessageForAgentEvent) error {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			replayed = append(replayed, e.Message.Text)
		}
		return nil
	})

	// Customer opens a conversation and speaks twice.
	conv := f.customerConversation(t, "s1")
	require.NoError(t, f.backend.ProcessMessage(ctx, conv, &store.Message{Kind: store.MessageFromCustomer, Text: "hello"}))
	require.NoError(t, f.backend.ProcessMessage(ctx, conv, &store.Message{Kind: store.MessageFromCustomer, Text: "anyone there?"}))

	assert.Equal(t, int32(1), newConvs.Load(), "only the first message announces the conversation")
	assert.Equal(t, int32(2), unassigned.Load())

	// Agent takes it: one assignment, full history replayed as a batch.
	require.NoError(t, f.backend.AssignAgent(ctx, agent, agent, conv.ID))
	assert.Equal(t, int32(1), assignments.Load())

	mu.Lock()
	assert.Equal(t, []string{"hello", "anyone there?"}, replayed)
	replayed = nil
	mu.Unlock()

	assigned, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateAssigned, assigned.State)
	assert.Equal(t, agent.ID, assigned.AssignedAgentID)
	assert.NotEmpty(t, assigned.AssignedWorkplaceID)

	// Further customer messages now go straight to the workplace.
	require.NoError(t, f.backend.ProcessMessage(ctx, assigned, &store.Message{Kind: store.MessageFromCustomer, Text: "hi"}))
	mu.Lock()
	assert.Equal(t, []string{"hi"}, replayed)
	mu.Unlock()
	assert.Equal(t, int32(2), unassigned.Load(), "assigned conversations don't hit the unassigned channel")

	// Agent replies to the customer.
	require.NoError(t, f.backend.ProcessMessage(ctx, assigned, &store.Message{Kind: store.MessageFromAgent, Text: "how can I help?"}))
	assert.Equal(t, int32(1), forCustomer.Load())

	// Resolution closes and clears the assignment.
	require.NoError(t, f.backend.ResolveConversation(ctx, agent, assigned))
	assert.Equal(t, int32(1), resolutions.Load())

	resolved, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateResolved, resolved.State)
	assert.Empty(t, resolved.AssignedAgentID)
	assert.Empty(t, resolved.AssignedWorkplaceID)

	// The resolved marker was appended and delivered to the customer.
	last := resolved.Messages[len(resolved.Messages)-1]
	assert.Equal(t, store.MessageResolved, last.Kind)

	// Rating is accepted and recorded.
	require.NoError(t, f.backend.RateConversation(ctx, resolved, 4))
	rated, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, rated.CustomerRating)

	// A new message from the same customer starts a fresh conversation.
	next := f.customerConversation(t, "s1")
	assert.NotEqual(t, conv.ID, next.ID)
}

func TestAssignAgent_SingleWinner(t *testing.T) {
	ctx := context.Background()
	const contenders = 8

	userIDs := make([]string, contenders)
	for i := range userIDs {
		userIDs[i] = string(rune('a' + i))
	}
	f := newFixture(t, []string{"bot-a"}, supportRoster(userIDs...), false)

	agents := make([]*store.Agent, contenders)
	for i, id := range userIDs {
		agents[i] = f.agent(t, id)
	}
	conv := f.customerConversation(t, "s1")

	assignments := counter(f.backend.ConversationAssignment)

	var wg sync.WaitGroup
	errs := make([]error, contenders)
	for i := range agents {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.backend.AssignAgent(ctx, agents[i], agents[i], conv.ID)
		}(i)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrAlreadyAssigned):
			losses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one contender wins")
	assert.Equal(t, contenders-1, losses)
	assert.Equal(t, int32(1), assignments.Load(), "losers publish nothing")
	assert.Equal(t, 1, countEvents(t, f.store, store.EventAgentAssigned))
}

func TestAssignAgent_PermissionChecks(t *testing.T) {
	ctx := context.Background()
	entries := append(supportRoster("helper"), permissions.RosterEntry{
		Channel:       "telegram",
		ChannelUserID: "boss",
		Roles:         []permissions.Role{permissions.RoleManager},
	})
	f := newFixture(t, []string{"bot-a", "bot-b"}, entries, true)

	boss := f.agent(t, "boss")
	helper := f.agent(t, "helper")
	nobody := f.agent(t, "nobody") // on no roster entry, allowed in via allowUnknown

	conv := f.customerConversation(t, "s1")

	// Support can self-assign but not assign others.
	require.NoError(t, f.backend.AssignAgent(ctx, helper, helper, conv.ID))

	other := f.customerConversation(t, "s2")
	err := f.backend.AssignAgent(ctx, helper, boss, other.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// No roles at all: even self-assignment is denied.
	err = f.backend.AssignAgent(ctx, nobody, nobody, other.ID)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	// Manager assigns someone else.
	require.NoError(t, f.backend.AssignAgent(ctx, boss, helper, other.ID))
}

func TestAssignAgent_NoWorkplaceAvailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"bot-a"}, supportRoster("helper"), false)
	agent := f.agent(t, "helper")

	first := f.customerConversation(t, "s1")
	require.NoError(t, f.backend.AssignAgent(ctx, agent, agent, first.ID))

	// The only workplace is now busy.
	second := f.customerConversation(t, "s2")
	err := f.backend.AssignAgent(ctx, agent, agent, second.ID)
	assert.ErrorIs(t, err, workplace.ErrNoneAvailable)
}

func TestResolveConversation_OnlyAssignee(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"bot-a", "bot-b"}, supportRoster("helper", "intruder"), false)
	helper := f.agent(t, "helper")
	intruder := f.agent(t, "intruder")

	conv := f.customerConversation(t, "s1")

	// Unassigned conversations can't be resolved.
	err := f.backend.ResolveConversation(ctx, helper, conv)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	require.NoError(t, f.backend.AssignAgent(ctx, helper, helper, conv.ID))
	assigned, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)

	resolutions := counter(f.backend.ConversationResolution)

	err = f.backend.ResolveConversation(ctx, intruder, assigned)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, int32(0), resolutions.Load(), "a denied resolution has no side effects")

	unchanged, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateAssigned, unchanged.State)
	assert.Equal(t, helper.ID, unchanged.AssignedAgentID)

	require.NoError(t, f.backend.ResolveConversation(ctx, helper, assigned))
	assert.Equal(t, int32(1), resolutions.Load())
}

func TestPostponeConversation_ReturnsToPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"bot-a"}, supportRoster("helper"), false)
	agent := f.agent(t, "helper")

	conv := f.customerConversation(t, "s1")
	require.NoError(t, f.backend.AssignAgent(ctx, agent, agent, conv.ID))
	assigned, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)

	postponed := counter(f.backend.ConversationPostponed)
	announced := counter(f.backend.NewConversation)

	require.NoError(t, f.backend.PostponeConversation(ctx, agent, assigned))
	assert.Equal(t, int32(1), postponed.Load())
	assert.Equal(t, int32(1), announced.Load(), "postponement re-offers the conversation")

	back, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateNew, back.State)
	assert.Empty(t, back.AssignedAgentID)
	assert.Empty(t, back.AssignedWorkplaceID)

	last := back.Messages[len(back.Messages)-1]
	assert.Equal(t, store.MessagePostponed, last.Kind)

	// The freed workplace can take the conversation again.
	require.NoError(t, f.backend.AssignAgent(ctx, agent, agent, conv.ID))
}

func TestRateConversation_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"bot-a"}, nil, false)
	conv := f.customerConversation(t, "s1")

	assert.ErrorIs(t, f.backend.RateConversation(ctx, conv, 0), ErrInvalidRating)
	assert.ErrorIs(t, f.backend.RateConversation(ctx, conv, 6), ErrInvalidRating)
	require.NoError(t, f.backend.RateConversation(ctx, conv, 1))
	require.NoError(t, f.backend.RateConversation(ctx, conv, 5))
}

func TestCreateOrUpdateAgent_CreationGated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"bot-a"}, supportRoster("helper"), false)

	_, err := f.backend.CreateOrUpdateAgent(ctx, store.AgentIdentification{
		Channel:       "telegram",
		ChannelUserID: "stranger",
	}, nil)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	agent := f.agent(t, "helper")

	// Workplaces are materialized on creation.
	workplaces, err := f.store.ListAgentWorkplaces(ctx, agent.ID)
	require.NoError(t, err)
	assert.Len(t, workplaces, 1)

	// Updates to an existing agent bypass the creation gate.
	name := "Helper H."
	updated, err := f.backend.CreateOrUpdateAgent(ctx, agent.Identification(), &store.AgentDiff{DisplayName: &name})
	require.NoError(t, err)
	assert.Equal(t, "Helper H.", updated.DisplayName)

	// Deactivation is not expressible through the diff.
	deactivated := true
	_, err = f.backend.CreateOrUpdateAgent(ctx, agent.Identification(), &store.AgentDiff{Deactivated: &deactivated})
	assert.Error(t, err)
}

func TestDeactivateAgent_PostponesOpenWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"bot-a"}, supportRoster("helper"), false)
	agent := f.agent(t, "helper")

	conv := f.customerConversation(t, "s1")
	require.NoError(t, f.backend.AssignAgent(ctx, agent, agent, conv.ID))

	require.NoError(t, f.backend.DeactivateAgent(ctx, agent))

	back, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StateNew, back.State)
	assert.Empty(t, back.AssignedAgentID)

	gone, err := f.backend.IdentifyAgent(ctx, agent.Identification())
	require.NoError(t, err)
	assert.True(t, gone.Deactivated)

	// Deactivated agents can no longer be assigned.
	err = f.backend.AssignAgent(ctx, gone, gone, conv.ID)
	assert.ErrorIs(t, err, ErrAgentDeactivated)
}

func TestIdentifyWorkplace_LazyAgentCreation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"bot-a"}, supportRoster("helper"), false)

	ident := store.WorkplaceIdentification{Channel: "telegram", ChannelUserID: "helper", EndpointID: "bot-a"}
	wp, err := f.backend.IdentifyWorkplace(ctx, ident)
	require.NoError(t, err)

	agent, err := f.backend.IdentifyAgent(ctx, store.AgentIdentification{Channel: "telegram", ChannelUserID: "helper"})
	require.NoError(t, err)
	assert.Equal(t, agent.ID, wp.AgentID)

	// Unknown identities can't sneak an agent in through a workplace.
	_, err = f.backend.IdentifyWorkplace(ctx, store.WorkplaceIdentification{
		Channel: "telegram", ChannelUserID: "stranger", EndpointID: "bot-a",
	})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestIdentifyAgentConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"bot-a"}, supportRoster("helper"), false)
	agent := f.agent(t, "helper")

	ident := store.WorkplaceIdentification{Channel: "telegram", ChannelUserID: "helper", EndpointID: "bot-a"}

	_, err := f.backend.IdentifyAgentConversation(ctx, ident)
	assert.ErrorIs(t, err, store.ErrNotFound)

	conv := f.customerConversation(t, "s1")
	require.NoError(t, f.backend.AssignAgent(ctx, agent, agent, conv.ID))

	held, err := f.backend.IdentifyAgentConversation(ctx, ident)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, held.ID)
}

func TestTags(t *testing.T) {
	ctx := context.Background()
	entries := []permissions.RosterEntry{{
		Channel:       "telegram",
		ChannelUserID: "boss",
		Roles:         []permissions.Role{permissions.RoleManager},
	}}
	f := newFixture(t, []string{"bot-a"}, append(entries, supportRoster("helper")...), false)
	boss := f.agent(t, "boss")
	helper := f.agent(t, "helper")

	// Tag creation needs the create-tags permission.
	_, err := f.backend.CreateTag(ctx, "billing", helper)
	assert.ErrorIs(t, err, ErrPermissionDenied)

	tag, err := f.backend.CreateTag(ctx, "billing", boss)
	require.NoError(t, err)
	assert.Equal(t, "billing", tag.Name)
	assert.Equal(t, boss.ID, tag.CreatedBy)

	_, err = f.backend.CreateTag(ctx, "billing", boss)
	assert.ErrorIs(t, err, store.ErrTagExists)

	tags, err := f.backend.GetAllTags(ctx)
	require.NoError(t, err)
	require.Len(t, tags, 1)

	conv := f.customerConversation(t, "s1")

	added := counter(f.backend.ConversationTagAdded)
	require.NoError(t, f.backend.AddTagToConversation(ctx, conv, tag))
	require.NoError(t, f.backend.AddTagToConversation(ctx, conv, tag), "re-adding is a no-op, not an error")
	assert.Equal(t, int32(2), added.Load())

	tagged, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing"}, tagged.Tags)

	require.NoError(t, f.backend.RemoveTagFromConversation(ctx, conv, tag))
	untagged, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, untagged.Tags)
}

func TestProcessMessage_AgentMessageBlockedAfterDeactivation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"bot-a"}, supportRoster("helper"), false)
	agent := f.agent(t, "helper")

	conv := f.customerConversation(t, "s1")
	require.NoError(t, f.backend.AssignAgent(ctx, agent, agent, conv.ID))
	assigned, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)

	// Deactivate behind the conversation's back.
	deactivated := true
	_, err = f.store.UpdateAgent(ctx, agent.Identification(), &store.AgentDiff{Deactivated: &deactivated})
	require.NoError(t, err)

	err = f.backend.ProcessMessage(ctx, assigned, &store.Message{Kind: store.MessageFromAgent, Text: "too late"})
	assert.ErrorIs(t, err, ErrAgentDeactivated)
}

func TestEventLog_RecordsLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, []string{"bot-a"}, supportRoster("helper"), false)
	agent := f.agent(t, "helper")

	appended := counter(f.backend.EventAppended)

	conv := f.customerConversation(t, "s1")
	require.NoError(t, f.backend.ProcessMessage(ctx, conv, &store.Message{Kind: store.MessageFromCustomer, Text: "hello"}))
	require.NoError(t, f.backend.AssignAgent(ctx, agent, agent, conv.ID))
	assigned, err := f.store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.NoError(t, f.backend.ResolveConversation(ctx, agent, assigned))

	assert.Equal(t, 1, countEvents(t, f.store, store.EventConversationStarted))
	assert.Equal(t, 1, countEvents(t, f.store, store.EventAgentAssigned))
	assert.Equal(t, 1, countEvents(t, f.store, store.EventConversationResolved))
	// hello + the resolved marker
	assert.Equal(t, 2, countEvents(t, f.store, store.EventMessageSent))

	total, err := f.store.ListEvents(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, int(appended.Load()), len(total), "every persisted record is mirrored to subscribers")
}
