// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides customer/agent/conversation persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS customers (
			id TEXT PRIMARY KEY,
			channel TEXT,
			channel_user_id TEXT,
			session_id TEXT,
			pubsub_user_id TEXT,
			pubsub_channel_id TEXT,
			display_name TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_channel
			ON customers(channel, channel_user_id) WHERE channel_user_id IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_session
			ON customers(session_id) WHERE session_id IS NOT NULL;
		CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_pubsub
			ON customers(pubsub_user_id, pubsub_channel_id) WHERE pubsub_user_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			channel TEXT,
			channel_user_id TEXT,
			display_name TEXT NOT NULL DEFAULT '',
			deactivated INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_channel
			ON agents(channel, channel_user_id) WHERE channel_user_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS workplaces (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL REFERENCES agents(id),
			channel TEXT NOT NULL,
			endpoint_id TEXT NOT NULL,
			created_at TEXT NOT NULL,

			UNIQUE(agent_id, channel, endpoint_id)
		);

		CREATE INDEX IF NOT EXISTS idx_workplaces_agent ON workplaces(agent_id);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			customer_id TEXT NOT NULL REFERENCES customers(id),
			state TEXT NOT NULL,
			assigned_agent_id TEXT,
			assigned_workplace_id TEXT,
			customer_rating INTEGER,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,

			CHECK (state IN ('new', 'assigned', 'resolved'))
		);

		-- At most one non-resolved conversation per customer.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open
			ON conversations(customer_id) WHERE state != 'resolved';
		CREATE INDEX IF NOT EXISTS idx_conversations_agent
			ON conversations(assigned_agent_id);
		CREATE INDEX IF NOT EXISTS idx_conversations_workplace
			ON conversations(assigned_workplace_id);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			kind TEXT NOT NULL,
			text TEXT,
			image BLOB,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at);

		CREATE TABLE IF NOT EXISTS tags (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			created_by TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversation_tags (
			conversation_id TEXT NOT NULL REFERENCES conversations(id),
			tag_name TEXT NOT NULL,

			PRIMARY KEY (conversation_id, tag_name)
		);

		CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			conversation_id TEXT,
			customer_id TEXT,
			agent_id TEXT,
			workplace_id TEXT,
			tag_name TEXT,
			message_kind TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_events_created ON events(created_at);
		CREATE INDEX IF NOT EXISTS idx_events_conversation ON events(conversation_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// GetOrCreateCustomer looks up a customer by identification, creating one if
// no match exists. Lookups by internal ID never create: an unknown ID is
// ErrNotFound. Concurrent creation races resolve to the winning row.
func (s *SQLiteStore) GetOrCreateCustomer(ctx context.Context, ident CustomerIdentification, diff *CustomerDiff) (*Customer, error) {
	if ident.Empty() {
		return nil, ErrEmptyIdentification
	}

	where, args := customerWhere(ident)
	customer, err := s.queryCustomer(ctx, where, args)
	if err == nil {
		return s.applyCustomerDiff(ctx, customer, diff)
	}
	if err != ErrNotFound {
		return nil, err
	}
	if ident.ID != "" {
		// Internal IDs are only minted here; an unknown one is a caller bug.
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
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO customers (id, channel, channel_user_id, session_id, pubsub_user_id, pubsub_channel_id, display_name, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		customer.ID,
		nullString(customer.Channel),
		nullString(customer.ChannelUserID),
		nullString(customer.SessionID),
		nullString(customer.PubSubUserID),
		nullString(customer.PubSubChannelID),
		customer.DisplayName,
		formatTime(customer.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			// Another request created this customer between our lookup and insert
			customer, err = s.queryCustomer(ctx, where, args)
			if err != nil {
				return nil, err
			}
			return s.applyCustomerDiff(ctx, customer, diff)
		}
		return nil, fmt.Errorf("inserting customer: %w", err)
	}

	s.logger.Debug("created customer", "id", customer.ID)
	return s.applyCustomerDiff(ctx, customer, diff)
}

func customerWhere(ident CustomerIdentification) (string, []any) {
	switch {
	case ident.ID != "":
		return "id = ?", []any{ident.ID}
	case ident.Channel != "" && ident.ChannelUserID != "":
		return "channel = ? AND channel_user_id = ?", []any{ident.Channel, ident.ChannelUserID}
	case ident.SessionID != "":
		return "session_id = ?", []any{ident.SessionID}
	default:
		return "pubsub_user_id = ? AND pubsub_channel_id = ?", []any{ident.PubSubUserID, ident.PubSubChannelID}
	}
}

func (s *SQLiteStore) queryCustomer(ctx context.Context, where string, args []any) (*Customer, error) {
	query := `
		SELECT id, channel, channel_user_id, session_id, pubsub_user_id, pubsub_channel_id, display_name, created_at
		FROM customers
		WHERE ` + where

	var c Customer
	var channel, channelUserID, sessionID, pubsubUserID, pubsubChannelID sql.NullString
	var createdAt string

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&c.ID, &channel, &channelUserID, &sessionID, &pubsubUserID, &pubsubChannelID,
		&c.DisplayName, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying customer: %w", err)
	}

	c.Channel = channel.String
	c.ChannelUserID = channelUserID.String
	c.SessionID = sessionID.String
	c.PubSubUserID = pubsubUserID.String
	c.PubSubChannelID = pubsubChannelID.String
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func (s *SQLiteStore) applyCustomerDiff(ctx context.Context, customer *Customer, diff *CustomerDiff) (*Customer, error) {
	if diff == nil || diff.DisplayName == nil {
		return customer, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE customers SET display_name = ? WHERE id = ?`,
		*diff.DisplayName, customer.ID,
	); err != nil {
		return nil, fmt.Errorf("updating customer: %w", err)
	}
	customer.DisplayName = *diff.DisplayName
	return customer, nil
}

// GetAgent retrieves an agent by identification.
// Returns ErrNotFound if no matching agent exists.
func (s *SQLiteStore) GetAgent(ctx context.Context, ident AgentIdentification) (*Agent, error) {
	if ident.Empty() {
		return nil, ErrEmptyIdentification
	}
	where, args := agentWhere(ident)
	return s.queryAgent(ctx, where, args)
}

func agentWhere(ident AgentIdentification) (string, []any) {
	if ident.ID != "" {
		return "id = ?", []any{ident.ID}
	}
	return "channel = ? AND channel_user_id = ?", []any{ident.Channel, ident.ChannelUserID}
}

func (s *SQLiteStore) queryAgent(ctx context.Context, where string, args []any) (*Agent, error) {
	query := `
		SELECT id, channel, channel_user_id, display_name, deactivated, created_at
		FROM agents
		WHERE ` + where

	var a Agent
	var channel, channelUserID sql.NullString
	var deactivated int
	var createdAt string

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&a.ID, &channel, &channelUserID, &a.DisplayName, &deactivated, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}

	a.Channel = channel.String
	a.ChannelUserID = channelUserID.String
	a.Deactivated = deactivated != 0
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// CreateOrUpdateAgent looks up an agent by identification, creating one if no
// match exists, then applies the diff. Lookups by internal ID never create.
func (s *SQLiteStore) CreateOrUpdateAgent(ctx context.Context, ident AgentIdentification, diff *AgentDiff) (*Agent, error) {
	if ident.Empty() {
		return nil, ErrEmptyIdentification
	}

	where, args := agentWhere(ident)
	agent, err := s.queryAgent(ctx, where, args)
	if err == nil {
		return s.applyAgentDiff(ctx, agent, diff)
	}
	if err != ErrNotFound {
		return nil, err
	}
	if ident.ID != "" {
		return nil, ErrNotFound
	}

	agent = &Agent{
		ID:            uuid.New().String(),
		Channel:       ident.Channel,
		ChannelUserID: ident.ChannelUserID,
		CreatedAt:     time.Now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (id, channel, channel_user_id, display_name, deactivated, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`,
		agent.ID,
		nullString(agent.Channel),
		nullString(agent.ChannelUserID),
		agent.DisplayName,
		formatTime(agent.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			agent, err = s.queryAgent(ctx, where, args)
			if err != nil {
				return nil, err
			}
			return s.applyAgentDiff(ctx, agent, diff)
		}
		return nil, fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "channel", agent.Channel)
	return s.applyAgentDiff(ctx, agent, diff)
}

// UpdateAgent applies a diff to an existing agent.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, ident AgentIdentification, diff *AgentDiff) (*Agent, error) {
	if ident.Empty() {
		return nil, ErrEmptyIdentification
	}
	where, args := agentWhere(ident)
	agent, err := s.queryAgent(ctx, where, args)
	if err != nil {
		return nil, err
	}
	return s.applyAgentDiff(ctx, agent, diff)
}

func (s *SQLiteStore) applyAgentDiff(ctx context.Context, agent *Agent, diff *AgentDiff) (*Agent, error) {
	if diff == nil {
		return agent, nil
	}
	if diff.DisplayName != nil {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE agents SET display_name = ? WHERE id = ?`,
			*diff.DisplayName, agent.ID,
		); err != nil {
			return nil, fmt.Errorf("updating agent: %w", err)
		}
		agent.DisplayName = *diff.DisplayName
	}
	if diff.Deactivated != nil {
		deactivated := 0
		if *diff.Deactivated {
			deactivated = 1
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE agents SET deactivated = ? WHERE id = ?`,
			deactivated, agent.ID,
		); err != nil {
			return nil, fmt.Errorf("updating agent: %w", err)
		}
		agent.Deactivated = *diff.Deactivated
	}
	return agent, nil
}

// GetOrCreateWorkplace retrieves a workplace by its identity tuple, creating
// it lazily on first use. Creating an already-existing workplace is a safe
// no-op that returns the existing row. The owning agent must already exist.
func (s *SQLiteStore) GetOrCreateWorkplace(ctx context.Context, ident WorkplaceIdentification) (*Workplace, error) {
	if ident.Empty() {
		return nil, ErrEmptyIdentification
	}

	agent, err := s.GetAgent(ctx, ident.AgentIdentification())
	if err != nil {
		return nil, err
	}

	wp, err := s.queryWorkplace(ctx, agent.ID, ident.Channel, ident.EndpointID)
	if err == nil {
		return wp, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	wp = &Workplace{
		ID:         uuid.New().String(),
		AgentID:    agent.ID,
		Channel:    ident.Channel,
		EndpointID: ident.EndpointID,
		CreatedAt:  time.Now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workplaces (id, agent_id, channel, endpoint_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, wp.ID, wp.AgentID, wp.Channel, wp.EndpointID, formatTime(wp.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return s.queryWorkplace(ctx, agent.ID, ident.Channel, ident.EndpointID)
		}
		return nil, fmt.Errorf("inserting workplace: %w", err)
	}

	s.logger.Debug("created workplace", "id", wp.ID, "agent_id", wp.AgentID, "channel", wp.Channel)
	return wp, nil
}

func (s *SQLiteStore) queryWorkplace(ctx context.Context, agentID, channel, endpointID string) (*Workplace, error) {
	var wp Workplace
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, channel, endpoint_id, created_at
		FROM workplaces
		WHERE agent_id = ? AND channel = ? AND endpoint_id = ?
	`, agentID, channel, endpointID).Scan(&wp.ID, &wp.AgentID, &wp.Channel, &wp.EndpointID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying workplace: %w", err)
	}
	wp.CreatedAt = parseTime(createdAt)
	return &wp, nil
}

// GetWorkplace retrieves a workplace by ID.
// Returns ErrNotFound if the workplace doesn't exist.
func (s *SQLiteStore) GetWorkplace(ctx context.Context, id string) (*Workplace, error) {
	var wp Workplace
	var createdAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, channel, endpoint_id, created_at
		FROM workplaces
		WHERE id = ?
	`, id).Scan(&wp.ID, &wp.AgentID, &wp.Channel, &wp.EndpointID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying workplace: %w", err)
	}
	wp.CreatedAt = parseTime(createdAt)
	return &wp, nil
}

// ListAgentWorkplaces returns all workplaces belonging to an agent in
// creation order.
func (s *SQLiteStore) ListAgentWorkplaces(ctx context.Context, agentID string) ([]*Workplace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, channel, endpoint_id, created_at
		FROM workplaces
		WHERE agent_id = ?
		ORDER BY created_at ASC, id ASC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("querying workplaces: %w", err)
	}
	defer rows.Close()

	var workplaces []*Workplace
	for rows.Next() {
		var wp Workplace
		var createdAt string
		if err := rows.Scan(&wp.ID, &wp.AgentID, &wp.Channel, &wp.EndpointID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning workplace row: %w", err)
		}
		wp.CreatedAt = parseTime(createdAt)
		workplaces = append(workplaces, &wp)
	}
	return workplaces, rows.Err()
}

// GetOrCreateOpenConversation returns the customer's current non-resolved
// conversation, creating a new one in state "new" if none exists. The
// partial unique index on open conversations makes concurrent creation
// collapse to a single row.
func (s *SQLiteStore) GetOrCreateOpenConversation(ctx context.Context, customerID string) (*Conversation, bool, error) {
	conv, err := s.queryConversation(ctx, "customer_id = ? AND state != 'resolved'", []any{customerID})
	if err == nil {
		if err := s.loadConversationDetails(ctx, conv, true); err != nil {
			return nil, false, err
		}
		return conv, false, nil
	}
	if err != ErrNotFound {
		return nil, false, err
	}

	now := time.Now()
	conv = &Conversation{
		ID:         uuid.New().String(),
		State:      StateNew,
		CustomerID: customerID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, customer_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, conv.ID, conv.CustomerID, string(conv.State), formatTime(now), formatTime(now))
	if err != nil {
		if isConstraintViolation(err) {
			// Lost the creation race; the open-conversation invariant means
			// the winner is the conversation we want.
			conv, err = s.queryConversation(ctx, "customer_id = ? AND state != 'resolved'", []any{customerID})
			if err != nil {
				return nil, false, err
			}
			if err := s.loadConversationDetails(ctx, conv, true); err != nil {
				return nil, false, err
			}
			return conv, false, nil
		}
		return nil, false, fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "customer_id", customerID)
	return conv, true, nil
}

func (s *SQLiteStore) queryConversation(ctx context.Context, where string, args []any) (*Conversation, error) {
	query := `
		SELECT id, customer_id, state, assigned_agent_id, assigned_workplace_id, customer_rating, created_at, updated_at
		FROM conversations
		WHERE ` + where

	var c Conversation
	var agentID, workplaceID sql.NullString
	var rating sql.NullInt64
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&c.ID, &c.CustomerID, (*string)(&c.State), &agentID, &workplaceID, &rating, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}

	c.AssignedAgentID = agentID.String
	c.AssignedWorkplaceID = workplaceID.String
	c.CustomerRating = int(rating.Int64)
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (s *SQLiteStore) loadConversationDetails(ctx context.Context, conv *Conversation, withMessages bool) error {
	tagRows, err := s.db.QueryContext(ctx, `
		SELECT tag_name FROM conversation_tags WHERE conversation_id = ? ORDER BY tag_name
	`, conv.ID)
	if err != nil {
		return fmt.Errorf("querying conversation tags: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var name string
		if err := tagRows.Scan(&name); err != nil {
			return fmt.Errorf("scanning tag row: %w", err)
		}
		conv.Tags = append(conv.Tags, name)
	}
	if err := tagRows.Err(); err != nil {
		return err
	}

	if !withMessages {
		return nil
	}

	msgRows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, kind, text, image, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, conv.ID)
	if err != nil {
		return fmt.Errorf("querying messages: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		var m Message
		var text sql.NullString
		var createdAt string
		if err := msgRows.Scan(&m.ID, &m.ConversationID, (*string)(&m.Kind), &text, &m.Image, &createdAt); err != nil {
			return fmt.Errorf("scanning message row: %w", err)
		}
		m.Text = text.String
		m.CreatedAt = parseTime(createdAt)
		conv.Messages = append(conv.Messages, &m)
	}
	return msgRows.Err()
}

// GetConversation retrieves a conversation with its messages and tags.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv, err := s.queryConversation(ctx, "id = ?", []any{id})
	if err != nil {
		return nil, err
	}
	if err := s.loadConversationDetails(ctx, conv, true); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversationsByIDs retrieves conversations for the given IDs. Missing
// IDs are silently skipped.
func (s *SQLiteStore) ListConversationsByIDs(ctx context.Context, ids []string, withMessages bool) ([]*Conversation, error) {
	var conversations []*Conversation
	for _, id := range ids {
		conv, err := s.queryConversation(ctx, "id = ?", []any{id})
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := s.loadConversationDetails(ctx, conv, withMessages); err != nil {
			return nil, err
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

// ListCustomerConversations returns all of a customer's conversations with
// messages, oldest first.
func (s *SQLiteStore) ListCustomerConversations(ctx context.Context, customerID string) ([]*Conversation, error) {
	return s.listConversations(ctx, "customer_id = ?", []any{customerID}, true)
}

// ListAgentConversations returns the conversations currently assigned to an
// agent, without messages.
func (s *SQLiteStore) ListAgentConversations(ctx context.Context, agentID string) ([]*Conversation, error) {
	return s.listConversations(ctx, "assigned_agent_id = ? AND state = 'assigned'", []any{agentID}, false)
}

func (s *SQLiteStore) listConversations(ctx context.Context, where string, args []any, withMessages bool) ([]*Conversation, error) {
	query := `
		SELECT id, customer_id, state, assigned_agent_id, assigned_workplace_id, customer_rating, created_at, updated_at
		FROM conversations
		WHERE ` + where + `
		ORDER BY created_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*Conversation
	for rows.Next() {
		var c Conversation
		var agentID, workplaceID sql.NullString
		var rating sql.NullInt64
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.CustomerID, (*string)(&c.State), &agentID, &workplaceID, &rating, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		c.AssignedAgentID = agentID.String
		c.AssignedWorkplaceID = workplaceID.String
		c.CustomerRating = int(rating.Int64)
		c.CreatedAt = parseTime(createdAt)
		c.UpdatedAt = parseTime(updatedAt)
		conversations = append(conversations, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, conv := range conversations {
		if err := s.loadConversationDetails(ctx, conv, withMessages); err != nil {
			return nil, err
		}
	}
	return conversations, nil
}

// GetWorkplaceConversation returns the non-resolved conversation currently
// assigned to the workplace. Returns ErrNotFound if there is none.
func (s *SQLiteStore) GetWorkplaceConversation(ctx context.Context, workplaceID string) (*Conversation, error) {
	conv, err := s.queryConversation(ctx, "assigned_workplace_id = ? AND state != 'resolved'", []any{workplaceID})
	if err != nil {
		return nil, err
	}
	if err := s.loadConversationDetails(ctx, conv, true); err != nil {
		return nil, err
	}
	return conv, nil
}

// AppendMessage appends a message to a conversation.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, kind, text, image, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, string(msg.Kind), nullString(msg.Text), msg.Image, formatTime(msg.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(time.Now()), msg.ConversationID,
	); err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "conversation_id", msg.ConversationID, "kind", msg.Kind)
	return nil
}

// UpdateConversation applies a diff to a conversation. With unassignedOnly
// set, the field update only takes effect if the conversation currently has
// no assigned workplace; losing that race returns ErrAlreadyAssigned,
// distinct from ErrNotFound. Tag changes use set semantics: adding a present
// tag or removing an absent one is a no-op.
func (s *SQLiteStore) UpdateConversation(ctx context.Context, id string, diff ConversationDiff, unassignedOnly bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now())}

	if diff.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(*diff.State))
	}
	if diff.ClearAssignment {
		sets = append(sets, "assigned_agent_id = NULL", "assigned_workplace_id = NULL")
	} else {
		if diff.AssignedAgentID != nil {
			sets = append(sets, "assigned_agent_id = ?")
			args = append(args, *diff.AssignedAgentID)
		}
		if diff.AssignedWorkplaceID != nil {
			sets = append(sets, "assigned_workplace_id = ?")
			args = append(args, *diff.AssignedWorkplaceID)
		}
	}
	if diff.CustomerRating != nil {
		sets = append(sets, "customer_rating = ?")
		args = append(args, *diff.CustomerRating)
	}

	query := "UPDATE conversations SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	if unassignedOnly {
		// The compare-and-swap: only one concurrent assignment can see the
		// NULL workplace and commit.
		query += " AND assigned_workplace_id IS NULL"
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating conversation: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking conversation existence: %w", err)
		}
		return ErrAlreadyAssigned
	}

	for _, tag := range diff.AddTags {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO conversation_tags (conversation_id, tag_name) VALUES (?, ?)
		`, id, tag); err != nil {
			return fmt.Errorf("adding tag: %w", err)
		}
	}
	for _, tag := range diff.RemoveTags {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM conversation_tags WHERE conversation_id = ? AND tag_name = ?
		`, id, tag); err != nil {
			return fmt.Errorf("removing tag: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing conversation update: %w", err)
	}

	s.logger.Debug("updated conversation", "id", id, "unassigned_only", unassignedOnly)
	return nil
}

// CreateTag creates a uniquely named tag.
// Returns ErrTagExists if the name is already taken.
func (s *SQLiteStore) CreateTag(ctx context.Context, name string, createdBy *Agent) (*Tag, error) {
	tag := &Tag{
		ID:        uuid.New().String(),
		Name:      name,
		CreatedBy: createdBy.ID,
		CreatedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (id, name, created_by, created_at)
		VALUES (?, ?, ?, ?)
	`, tag.ID, tag.Name, tag.CreatedBy, formatTime(tag.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return nil, ErrTagExists
		}
		return nil, fmt.Errorf("inserting tag: %w", err)
	}

	s.logger.Debug("created tag", "name", name, "created_by", createdBy.ID)
	return tag, nil
}

// ListTags returns all tags ordered by name.
func (s *SQLiteStore) ListTags(ctx context.Context) ([]*Tag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, created_by, created_at FROM tags ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying tags: %w", err)
	}
	defer rows.Close()

	var tags []*Tag
	for rows.Next() {
		var t Tag
		var createdAt string
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning tag row: %w", err)
		}
		t.CreatedAt = parseTime(createdAt)
		tags = append(tags, &t)
	}
	return tags, rows.Err()
}

// AppendEvent appends a record to the historical event log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, kind, conversation_id, customer_id, agent_id, workplace_id, tag_name, message_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		string(event.Kind),
		nullString(event.ConversationID),
		nullString(event.CustomerID),
		nullString(event.AgentID),
		nullString(event.WorkplaceID),
		nullString(event.TagName),
		nullString(string(event.MessageKind)),
		formatTime(event.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// ListEvents returns the most recently appended events, newest first.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListEvents(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, conversation_id, customer_id, agent_id, workplace_id, tag_name, message_kind, created_at
		FROM events
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var convID, customerID, agentID, workplaceID, tagName, messageKind sql.NullString
		var createdAt string
		if err := rows.Scan(&e.ID, (*string)(&e.Kind), &convID, &customerID, &agentID, &workplaceID, &tagName, &messageKind, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		e.ConversationID = convID.String
		e.CustomerID = customerID.String
		e.AgentID = agentID.String
		e.WorkplaceID = workplaceID.String
		e.TagName = tagName.String
		e.MessageKind = MessageKind(messageKind.String)
		e.CreatedAt = parseTime(createdAt)
		events = append(events, &e)
	}
	return events, rows.Err()
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
