// ABOUTME: Workplace providers and the selector that picks an assignment target
// ABOUTME: Providers report missing workplaces and filter usable ones; first eligible wins

package workplace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/relaydesk/relaydesk/internal/store"
)

// ErrNoneAvailable is returned when filtering leaves no eligible workplace
// for the agent.
var ErrNoneAvailable = errors.New("no workplace available")

// Provider is one channel integration's view of workplaces. Implementations
// are independent; the selector iterates over an ordered collection of them
// and never depends on concrete types.
type Provider interface {
	// MissingWorkplaces reports workplace identities that ought to exist for
	// this agent but are absent from existing.
	MissingWorkplaces(agent *store.Agent, existing []*store.Workplace) []store.WorkplaceIdentification

	// FilterAvailable returns the subset of workplaces this integration
	// currently considers usable for receiving an assignment.
	FilterAvailable(workplaces []*store.Workplace) []*store.Workplace
}

// SelectorStore defines what the selector needs from storage.
type SelectorStore interface {
	GetOrCreateWorkplace(ctx context.Context, ident store.WorkplaceIdentification) (*store.Workplace, error)
	ListAgentWorkplaces(ctx context.Context, agentID string) ([]*store.Workplace, error)
	ListAgentConversations(ctx context.Context, agentID string) ([]*store.Conversation, error)
}

// Selector materializes and picks workplaces for assignment.
type Selector struct {
	store     SelectorStore
	providers []Provider
	logger    *slog.Logger
}

// NewSelector creates a Selector over an ordered provider collection. The
// provider order is significant: it fixes the tie-break in Choose.
func NewSelector(st SelectorStore, providers []Provider, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		store:     st,
		providers: providers,
		logger:    logger.With("component", "workplace"),
	}
}

// Materialize asks every provider which workplaces are missing for the agent
// and creates them. Creation is idempotent: a workplace reported missing by
// two calls is created once. Returns the newly created workplaces.
func (s *Selector) Materialize(ctx context.Context, agent *store.Agent, existing []*store.Workplace) ([]*store.Workplace, error) {
	var created []*store.Workplace
	for _, provider := range s.providers {
		for _, ident := range provider.MissingWorkplaces(agent, existing) {
			wp, err := s.store.GetOrCreateWorkplace(ctx, ident)
			if err != nil {
				return nil, fmt.Errorf("materializing workplace: %w", err)
			}
			created = append(created, wp)
		}
	}
	if len(created) > 0 {
		s.logger.Debug("materialized workplaces", "agent_id", agent.ID, "count", len(created))
	}
	return created, nil
}

// Choose resolves the single workplace an assignment should target:
// materialize missing workplaces, let each provider filter the candidates,
// drop workplaces already holding one of the agent's assigned conversations,
// and take the first survivor in provider-concatenation order. That
// first-eligible pick is a deliberate deterministic tie-break, not a
// load balancer. Returns ErrNoneAvailable when nothing survives.
func (s *Selector) Choose(ctx context.Context, agent *store.Agent) (*store.Workplace, error) {
	existing, err := s.store.ListAgentWorkplaces(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("listing workplaces: %w", err)
	}
	created, err := s.Materialize(ctx, agent, existing)
	if err != nil {
		return nil, err
	}
	all := append(existing, created...)

	var available []*store.Workplace
	for _, provider := range s.providers {
		available = append(available, provider.FilterAvailable(all)...)
	}

	conversations, err := s.store.ListAgentConversations(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("listing agent conversations: %w", err)
	}
	busy := make(map[string]bool, len(conversations))
	for _, conv := range conversations {
		if conv.AssignedWorkplaceID != "" {
			busy[conv.AssignedWorkplaceID] = true
		}
	}

	for _, wp := range available {
		if !busy[wp.ID] {
			return wp, nil
		}
	}
	return nil, ErrNoneAvailable
}
