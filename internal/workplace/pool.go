// ABOUTME: PoolProvider derives workplaces from a configured pool of channel endpoints
// ABOUTME: One workplace per endpoint for agents enrolled in the provider's channel

package workplace

import (
	"github.com/relaydesk/relaydesk/internal/store"
)

// PoolProvider is a config-driven Provider: agents enrolled in its channel
// get one workplace per configured endpoint (e.g. one per bot token), and
// only workplaces whose endpoint is still in the pool are considered usable.
type PoolProvider struct {
	channel   string
	endpoints []string
}

// NewPoolProvider creates a provider for one channel with a fixed endpoint
// pool.
func NewPoolProvider(channel string, endpoints []string) *PoolProvider {
	return &PoolProvider{channel: channel, endpoints: endpoints}
}

func (p *PoolProvider) MissingWorkplaces(agent *store.Agent, existing []*store.Workplace) []store.WorkplaceIdentification {
	if agent.Channel != p.channel || agent.ChannelUserID == "" {
		return nil
	}
	present := make(map[string]bool, len(existing))
	for _, wp := range existing {
		if wp.Channel == p.channel {
			present[wp.EndpointID] = true
		}
	}
	var missing []store.WorkplaceIdentification
	for _, endpoint := range p.endpoints {
		if !present[endpoint] {
			missing = append(missing, store.WorkplaceIdentification{
				Channel:       p.channel,
				ChannelUserID: agent.ChannelUserID,
				EndpointID:    endpoint,
			})
		}
	}
	return missing
}

func (p *PoolProvider) FilterAvailable(workplaces []*store.Workplace) []*store.Workplace {
	pool := make(map[string]bool, len(p.endpoints))
	for _, endpoint := range p.endpoints {
		pool[endpoint] = true
	}
	var available []*store.Workplace
	for _, wp := range workplaces {
		if wp.Channel == p.channel && pool[wp.EndpointID] {
			available = append(available, wp)
		}
	}
	return available
}

var _ Provider = (*PoolProvider)(nil)
