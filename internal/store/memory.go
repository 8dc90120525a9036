// ABOUTME: In-memory implementation of the Store interface
// ABOUTME: Mirrors SQLite semantics under a mutex; used in tests and embedded setups

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store. All operations are safe for concurrent
// use; the unassigned-only conditional update is atomic under the store
// mutex, giving the same single-winner guarantee as the SQLite CAS.
type MemoryStore struct {
	mu            sync.Mutex
	customers     map[string]*Customer
	agents        map[string]*Agent
	workplaces    map[string]*Workplace
	conversations map[string]*Conversation
	tags          map[string]*Tag // keyed by name
	events        []*Event
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		customers:     make(map[string]*Customer),
		agents:        make(map[string]*Agent),
		workplaces:    make(map[string]*Workplace),
		conversations: make(map[string]*Conversation),
		tags:          make(map[string]*Tag),
	}
}

func (s *MemoryStore) GetOrCreateCustomer(ctx context.Context, ident CustomerIdentification, diff *CustomerDiff) (*Customer, error) {
	if ident.Empty() {
		return nil, ErrEmptyIdentification
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	customer := s.findCustomer(ident)
	if customer == nil {
		if ident.ID != "" {
			return nil, ErrNotFound
		}
		customer = &Customer{
			ID:              uuid.New().String(),
			Channel:         ident.Channel,
			ChannelUserID:   ident.ChannelUserID,
			SessionID:       ident.SessionID,
			PubSubUserID:    ident.PubSubUserID,
			PubSubChannelID: ident.PubSubChannelID,
			CreatedAt:       time.Now(),
		}
		s.customers[customer.ID] = customer
	}
	if diff != nil && diff.DisplayName != nil {
		customer.DisplayName = *diff.DisplayName
	}
	copied := *customer
	return &copied, nil
}

func (s *MemoryStore) findCustomer(ident CustomerIdentification) *Customer {
	if ident.ID != "" {
		return s.customers[ident.ID]
	}
	for _, c := range s.customers {
		switch {
		case ident.Channel != "" && ident.ChannelUserID != "":
			if c.Channel == ident.Channel && c.ChannelUserID == ident.ChannelUserID {
				return c
			}
		case ident.SessionID != "":
			if c.SessionID == ident.SessionID {
				return c
			}
		default:
			if c.PubSubUserID == ident.PubSubUserID && c.PubSubChannelID == ident.PubSubChannelID {
				return c
			}
		}
	}
	return nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, ident AgentIdentification) (*Agent, error) {
	if ident.Empty() {
		return nil, ErrEmptyIdentification
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	agent := s.findAgent(ident)
	if agent == nil {
		return nil, ErrNotFound
	}
	copied := *agent
	return &copied, nil
}

func (s *MemoryStore) findAgent(ident AgentIdentification) *Agent {
	if ident.ID != "" {
		return s.agents[ident.ID]
	}
	for _, a := range s.agents {
		if a.Channel == ident.Channel && a.ChannelUserID == ident.ChannelUserID {
			return a
		}
	}
	return nil
}

func (s *MemoryStore) CreateOrUpdateAgent(ctx context.Context, ident AgentIdentification, diff *AgentDiff) (*Agent, error) {
	if ident.Empty() {
		return nil, ErrEmptyIdentification
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	agent := s.findAgent(ident)
	if agent == nil {
		if ident.ID != "" {
			return nil, ErrNotFound
		}
		agent = &Agent{
			ID:            uuid.New().String(),
			Channel:       ident.Channel,
			ChannelUserID: ident.ChannelUserID,
			CreatedAt:     time.Now(),
		}
		s.agents[agent.ID] = agent
	}
	applyAgentDiff(agent, diff)
	copied := *agent
	return &copied, nil
}

func (s *MemoryStore) UpdateAgent(ctx context.Context, ident AgentIdentification, diff *AgentDiff) (*Agent, error) {
	if ident.Empty() {
		return nil, ErrEmptyIdentification
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	agent := s.findAgent(ident)
	if agent == nil {
		return nil, ErrNotFound
	}
	applyAgentDiff(agent, diff)
	copied := *agent
	return &copied, nil
}

func applyAgentDiff(agent *Agent, diff *AgentDiff) {
	if diff == nil {
		return
	}
	if diff.DisplayName != nil {
		agent.DisplayName = *diff.DisplayName
	}
	if diff.Deactivated != nil {
		agent.Deactivated = *diff.Deactivated
	}
}

func (s *MemoryStore) GetOrCreateWorkplace(ctx context.Context, ident WorkplaceIdentification) (*Workplace, error) {
	if ident.Empty() {
		return nil, ErrEmptyIdentification
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	agent := s.findAgent(ident.AgentIdentification())
	if agent == nil {
		return nil, ErrNotFound
	}
	for _, wp := range s.workplaces {
		if wp.AgentID == agent.ID && wp.Channel == ident.Channel && wp.EndpointID == ident.EndpointID {
			copied := *wp
			return &copied, nil
		}
	}
	wp := &Workplace{
		ID:         uuid.New().String(),
		AgentID:    agent.ID,
		Channel:    ident.Channel,
		EndpointID: ident.EndpointID,
		CreatedAt:  time.Now(),
	}
	s.workplaces[wp.ID] = wp
	copied := *wp
	return &copied, nil
}

func (s *MemoryStore) GetWorkplace(ctx context.Context, id string) (*Workplace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wp, ok := s.workplaces[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *wp
	return &copied, nil
}

func (s *MemoryStore) ListAgentWorkplaces(ctx context.Context, agentID string) ([]*Workplace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var workplaces []*Workplace
	for _, wp := range s.workplaces {
		if wp.AgentID == agentID {
			copied := *wp
			workplaces = append(workplaces, &copied)
		}
	}
	sort.Slice(workplaces, func(i, j int) bool {
		if workplaces[i].CreatedAt.Equal(workplaces[j].CreatedAt) {
			return workplaces[i].ID < workplaces[j].ID
		}
		return workplaces[i].CreatedAt.Before(workplaces[j].CreatedAt)
	})
	return workplaces, nil
}

func (s *MemoryStore) GetOrCreateOpenConversation(ctx context.Context, customerID string) (*Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conversations {
		if c.CustomerID == customerID && c.State != StateResolved {
			return copyConversation(c, true), false, nil
		}
	}
	now := time.Now()
	conv := &Conversation{
		ID:         uuid.New().String(),
		State:      StateNew,
		CustomerID: customerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.conversations[conv.ID] = conv
	return copyConversation(conv, true), true, nil
}

func copyConversation(c *Conversation, withMessages bool) *Conversation {
	copied := *c
	copied.Tags = append([]string(nil), c.Tags...)
	copied.Messages = nil
	if withMessages {
		for _, m := range c.Messages {
			mc := *m
			copied.Messages = append(copied.Messages, &mc)
		}
	}
	return &copied
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c, true), nil
}

func (s *MemoryStore) ListConversationsByIDs(ctx context.Context, ids []string, withMessages bool) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conversations []*Conversation
	for _, id := range ids {
		if c, ok := s.conversations[id]; ok {
			conversations = append(conversations, copyConversation(c, withMessages))
		}
	}
	return conversations, nil
}

func (s *MemoryStore) ListCustomerConversations(ctx context.Context, customerID string) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conversations []*Conversation
	for _, c := range s.conversations {
		if c.CustomerID == customerID {
			conversations = append(conversations, copyConversation(c, true))
		}
	}
	sortConversations(conversations)
	return conversations, nil
}

func (s *MemoryStore) ListAgentConversations(ctx context.Context, agentID string) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conversations []*Conversation
	for _, c := range s.conversations {
		if c.AssignedAgentID == agentID && c.State == StateAssigned {
			conversations = append(conversations, copyConversation(c, false))
		}
	}
	sortConversations(conversations)
	return conversations, nil
}

func sortConversations(conversations []*Conversation) {
	sort.Slice(conversations, func(i, j int) bool {
		if conversations[i].CreatedAt.Equal(conversations[j].CreatedAt) {
			return conversations[i].ID < conversations[j].ID
		}
		return conversations[i].CreatedAt.Before(conversations[j].CreatedAt)
	})
}

func (s *MemoryStore) GetWorkplaceConversation(ctx context.Context, workplaceID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.conversations {
		if c.AssignedWorkplaceID == workplaceID && c.State != StateResolved {
			return copyConversation(c, true), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) AppendMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	copied := *msg
	c.Messages = append(c.Messages, &copied)
	c.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateConversation(ctx context.Context, id string, diff ConversationDiff, unassignedOnly bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if unassignedOnly && c.AssignedWorkplaceID != "" {
		return ErrAlreadyAssigned
	}

	if diff.State != nil {
		c.State = *diff.State
	}
	if diff.ClearAssignment {
		c.AssignedAgentID = ""
		c.AssignedWorkplaceID = ""
	} else {
		if diff.AssignedAgentID != nil {
			c.AssignedAgentID = *diff.AssignedAgentID
		}
		if diff.AssignedWorkplaceID != nil {
			c.AssignedWorkplaceID = *diff.AssignedWorkplaceID
		}
	}
	if diff.CustomerRating != nil {
		c.CustomerRating = *diff.CustomerRating
	}
	for _, tag := range diff.AddTags {
		if !containsTag(c.Tags, tag) {
			c.Tags = append(c.Tags, tag)
			sort.Strings(c.Tags)
		}
	}
	for _, tag := range diff.RemoveTags {
		for i, existing := range c.Tags {
			if existing == tag {
				c.Tags = append(c.Tags[:i], c.Tags[i+1:]...)
				break
			}
		}
	}
	c.UpdatedAt = time.Now()
	return nil
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (s *MemoryStore) CreateTag(ctx context.Context, name string, createdBy *Agent) (*Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tags[name]; exists {
		return nil, ErrTagExists
	}
	tag := &Tag{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedBy: createdBy.ID,
		CreatedAt: time.Now(),
	}
	s.tags[name] = tag
	copied := *tag
	return &copied, nil
}

func (s *MemoryStore) ListTags(ctx context.Context) ([]*Tag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tags []*Tag
	for _, t := range s.tags {
		copied := *t
		tags = append(tags, &copied)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	copied := *event
	s.events = append(s.events, &copied)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, limit int) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var events []*Event
	for i := len(s.events) - 1; i >= 0 && len(events) < limit; i-- {
		copied := *s.events[i]
		events = append(events, &copied)
	}
	return events, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)
