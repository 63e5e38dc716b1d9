package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/tcmartin/flowqueue/pkg/models"
)

// PostgreSQLProvider implements the Provider interface using PostgreSQL
type PostgreSQLProvider struct {
	db                *sql.DB
	flowStore         *PostgreSQLFlowStore
	flowJobStore      *PostgreSQLFlowJobStore
	subscriptionStore *PostgreSQLSubscriptionStore
}

// PostgreSQLProviderConfig contains configuration for the PostgreSQL provider
type PostgreSQLProviderConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewPostgreSQLProvider creates a new PostgreSQL storage provider
func NewPostgreSQLProvider(config PostgreSQLProviderConfig) (*PostgreSQLProvider, error) {
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.Database, config.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	provider := &PostgreSQLProvider{db: db}
	provider.flowStore = &PostgreSQLFlowStore{db: db}
	provider.flowJobStore = &PostgreSQLFlowJobStore{db: db}
	provider.subscriptionStore = &PostgreSQLSubscriptionStore{db: db}
	return provider, nil
}

// Initialize sets up the storage backend
func (p *PostgreSQLProvider) Initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS flows (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			handler TEXT NOT NULL,
			queue TEXT NOT NULL,
			user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			progress JSONB NOT NULL DEFAULT '{}',
			result JSONB,
			error TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS flows_user_idx ON flows (user_id)`,
		`CREATE TABLE IF NOT EXISTS flow_jobs (
			job_id TEXT PRIMARY KEY,
			flow_id TEXT NOT NULL REFERENCES flows (id) ON DELETE CASCADE,
			queue TEXT NOT NULL,
			name TEXT NOT NULL,
			data JSONB,
			options JSONB,
			children JSONB,
			status TEXT NOT NULL,
			result JSONB,
			error TEXT,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS flow_jobs_flow_idx ON flow_jobs (flow_id)`,
		`CREATE TABLE IF NOT EXISTS webhook_subscriptions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			url TEXT NOT NULL,
			event_type TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE INDEX IF NOT EXISTS webhook_subscriptions_user_idx ON webhook_subscriptions (user_id)`,
	}
	for _, stmt := range schema {
		if _, err := p.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close cleans up resources
func (p *PostgreSQLProvider) Close() error {
	return p.db.Close()
}

// GetFlowStore returns a store for flow records
func (p *PostgreSQLProvider) GetFlowStore() FlowStore {
	return p.flowStore
}

// GetFlowJobStore returns a store for flow job records
func (p *PostgreSQLProvider) GetFlowJobStore() FlowJobStore {
	return p.flowJobStore
}

// GetSubscriptionStore returns a store for webhook subscriptions
func (p *PostgreSQLProvider) GetSubscriptionStore() SubscriptionStore {
	return p.subscriptionStore
}

// PostgreSQLFlowStore is a PostgreSQL implementation of FlowStore
type PostgreSQLFlowStore struct {
	db *sql.DB
}

// SaveFlow persists a new flow record
func (s *PostgreSQLFlowStore) SaveFlow(flow models.Flow) error {
	progress, result, err := marshalFlowJSON(flow)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO flows (id, name, handler, queue, user_id, status, progress, result, error, created_at, updated_at, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		flow.ID, flow.Name, flow.Handler, flow.Queue, flow.UserID, string(flow.Status),
		progress, result, flow.Error, flow.CreatedAt, flow.UpdatedAt, nullTime(flow.StartedAt), nullTime(flow.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}
	return nil
}

// GetFlow retrieves a flow record
func (s *PostgreSQLFlowStore) GetFlow(flowID string) (models.Flow, error) {
	row := s.db.QueryRow(
		`SELECT id, name, handler, queue, user_id, status, progress, result, error, created_at, updated_at, started_at, completed_at
		 FROM flows WHERE id = $1`, flowID)
	return scanFlow(row)
}

// ListFlows returns all flows owned by a user
func (s *PostgreSQLFlowStore) ListFlows(userID string) ([]models.Flow, error) {
	rows, err := s.db.Query(
		`SELECT id, name, handler, queue, user_id, status, progress, result, error, created_at, updated_at, started_at, completed_at
		 FROM flows WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		flow, err := scanFlow(rows)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

// UpdateFlow replaces a flow record
func (s *PostgreSQLFlowStore) UpdateFlow(flow models.Flow) error {
	progress, result, err := marshalFlowJSON(flow)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE flows SET name = $2, handler = $3, queue = $4, user_id = $5, status = $6, progress = $7,
		        result = $8, error = $9, updated_at = $10, started_at = $11, completed_at = $12
		 WHERE id = $1`,
		flow.ID, flow.Name, flow.Handler, flow.Queue, flow.UserID, string(flow.Status),
		progress, result, flow.Error, flow.UpdatedAt, nullTime(flow.StartedAt), nullTime(flow.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to update flow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFlowNotFound
	}
	return nil
}

// LockFlow takes an exclusive advisory lock on one flow so concurrent
// processor instances cannot interleave read-modify-write updates of its
// row. Advisory locks are session-scoped, so the lock is held on a pinned
// connection that is released together with it.
func (s *PostgreSQLFlowStore) LockFlow(flowID string) (func(), error) {
	ctx := context.Background()
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for flow lock: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1))`, flowID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to lock flow: %w", err)
	}
	unlock := func() {
		conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, flowID)
		conn.Close()
	}
	return unlock, nil
}

// DeleteFlow removes a flow record. Job records cascade with it.
func (s *PostgreSQLFlowStore) DeleteFlow(flowID string) error {
	res, err := s.db.Exec(`DELETE FROM flows WHERE id = $1`, flowID)
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrFlowNotFound
	}
	return nil
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanFlow(row rowScanner) (models.Flow, error) {
	var flow models.Flow
	var status string
	var progress []byte
	var result sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(&flow.ID, &flow.Name, &flow.Handler, &flow.Queue, &flow.UserID, &status,
		&progress, &result, &flow.Error, &flow.CreatedAt, &flow.UpdatedAt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return models.Flow{}, ErrFlowNotFound
	}
	if err != nil {
		return models.Flow{}, fmt.Errorf("failed to scan flow: %w", err)
	}
	flow.Status = models.FlowStatus(status)
	if startedAt.Valid {
		flow.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		flow.CompletedAt = completedAt.Time
	}
	if len(progress) > 0 {
		if err := json.Unmarshal(progress, &flow.Progress); err != nil {
			return models.Flow{}, fmt.Errorf("failed to unmarshal progress: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &flow.Result); err != nil {
			return models.Flow{}, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	return flow, nil
}

func marshalFlowJSON(flow models.Flow) ([]byte, interface{}, error) {
	progress, err := json.Marshal(flow.Progress)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal progress: %w", err)
	}
	var result interface{}
	if flow.Result != nil {
		encoded, err := json.Marshal(flow.Result)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		result = string(encoded)
	}
	return progress, result, nil
}

// PostgreSQLFlowJobStore is a PostgreSQL implementation of FlowJobStore
type PostgreSQLFlowJobStore struct {
	db *sql.DB
}

// SaveJob persists a flow job record keyed by its external job ID
func (s *PostgreSQLFlowJobStore) SaveJob(record models.FlowJobRecord) error {
	data, options, children, result, err := marshalJobJSON(record)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO flow_jobs (job_id, flow_id, queue, name, data, options, children, status, result, error, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (job_id) DO UPDATE SET status = $8, result = $9, error = $10, updated_at = $11`,
		record.JobID, record.FlowID, record.Queue, record.Name, data, options, children,
		string(record.Status), result, record.Error, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save flow job: %w", err)
	}
	return nil
}

// GetJob retrieves a flow job record by external job ID
func (s *PostgreSQLFlowJobStore) GetJob(jobID string) (models.FlowJobRecord, error) {
	row := s.db.QueryRow(
		`SELECT job_id, flow_id, queue, name, data, options, children, status, result, error, updated_at
		 FROM flow_jobs WHERE job_id = $1`, jobID)
	return scanJob(row)
}

// ListJobs returns all job records belonging to a flow
func (s *PostgreSQLFlowJobStore) ListJobs(flowID string) ([]models.FlowJobRecord, error) {
	rows, err := s.db.Query(
		`SELECT job_id, flow_id, queue, name, data, options, children, status, result, error, updated_at
		 FROM flow_jobs WHERE flow_id = $1`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flow jobs: %w", err)
	}
	defer rows.Close()

	var records []models.FlowJobRecord
	for rows.Next() {
		record, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// UpdateJob replaces a flow job record
func (s *PostgreSQLFlowJobStore) UpdateJob(record models.FlowJobRecord) error {
	data, options, children, result, err := marshalJobJSON(record)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		`UPDATE flow_jobs SET flow_id = $2, queue = $3, name = $4, data = $5, options = $6, children = $7,
		        status = $8, result = $9, error = $10, updated_at = $11
		 WHERE job_id = $1`,
		record.JobID, record.FlowID, record.Queue, record.Name, data, options, children,
		string(record.Status), result, record.Error, record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update flow job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobRecordNotFound
	}
	return nil
}

// DeleteJobs removes every job record belonging to a flow
func (s *PostgreSQLFlowJobStore) DeleteJobs(flowID string) error {
	if _, err := s.db.Exec(`DELETE FROM flow_jobs WHERE flow_id = $1`, flowID); err != nil {
		return fmt.Errorf("failed to delete flow jobs: %w", err)
	}
	return nil
}

func scanJob(row rowScanner) (models.FlowJobRecord, error) {
	var record models.FlowJobRecord
	var status string
	var data, options, children, result sql.NullString
	err := row.Scan(&record.JobID, &record.FlowID, &record.Queue, &record.Name,
		&data, &options, &children, &status, &result, &record.Error, &record.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.FlowJobRecord{}, ErrJobRecordNotFound
	}
	if err != nil {
		return models.FlowJobRecord{}, fmt.Errorf("failed to scan flow job: %w", err)
	}
	record.Status = models.JobStatus(status)
	if err := unmarshalNull(data, &record.Data); err != nil {
		return models.FlowJobRecord{}, err
	}
	if err := unmarshalNull(options, &record.Options); err != nil {
		return models.FlowJobRecord{}, err
	}
	if err := unmarshalNull(children, &record.Children); err != nil {
		return models.FlowJobRecord{}, err
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &record.Result); err != nil {
			return models.FlowJobRecord{}, fmt.Errorf("failed to unmarshal job result: %w", err)
		}
	}
	return record, nil
}

func unmarshalNull(src sql.NullString, dst interface{}) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("failed to unmarshal job field: %w", err)
	}
	return nil
}

func marshalJobJSON(record models.FlowJobRecord) (data, options, children interface{}, result interface{}, err error) {
	encode := func(v interface{}) (interface{}, error) {
		if v == nil {
			return nil, nil
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job field: %w", err)
		}
		return string(encoded), nil
	}
	if data, err = encode(record.Data); err != nil {
		return
	}
	if options, err = encode(record.Options); err != nil {
		return
	}
	if record.Children != nil {
		if children, err = encode(record.Children); err != nil {
			return
		}
	}
	if record.Result != nil {
		if result, err = encode(record.Result); err != nil {
			return
		}
	}
	return
}

// PostgreSQLSubscriptionStore is a PostgreSQL implementation of SubscriptionStore
type PostgreSQLSubscriptionStore struct {
	db *sql.DB
}

// SaveSubscription persists a subscription
func (s *PostgreSQLSubscriptionStore) SaveSubscription(sub models.WebhookSubscription) error {
	_, err := s.db.Exec(
		`INSERT INTO webhook_subscriptions (id, user_id, url, event_type, active)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET user_id = $2, url = $3, event_type = $4, active = $5`,
		sub.ID, sub.UserID, sub.URL, sub.EventType, sub.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// GetSubscription retrieves a subscription
func (s *PostgreSQLSubscriptionStore) GetSubscription(id string) (models.WebhookSubscription, error) {
	var sub models.WebhookSubscription
	err := s.db.QueryRow(
		`SELECT id, user_id, url, event_type, active FROM webhook_subscriptions WHERE id = $1`, id,
	).Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.EventType, &sub.Active)
	if err == sql.ErrNoRows {
		return models.WebhookSubscription{}, ErrSubscriptionNotFound
	}
	if err != nil {
		return models.WebhookSubscription{}, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns all subscriptions for a user
func (s *PostgreSQLSubscriptionStore) ListSubscriptions(userID string) ([]models.WebhookSubscription, error) {
	return s.query(`SELECT id, user_id, url, event_type, active FROM webhook_subscriptions WHERE user_id = $1`, userID)
}

// ActiveSubscriptions returns a user's active subscriptions matching an
// event kind, either exactly or through the wildcard type.
func (s *PostgreSQLSubscriptionStore) ActiveSubscriptions(userID, eventType string) ([]models.WebhookSubscription, error) {
	return s.query(
		`SELECT id, user_id, url, event_type, active FROM webhook_subscriptions
		 WHERE user_id = $1 AND active AND (event_type = $2 OR event_type = $3)`,
		userID, eventType, models.WildcardEventType)
}

func (s *PostgreSQLSubscriptionStore) query(stmt string, args ...interface{}) ([]models.WebhookSubscription, error) {
	rows, err := s.db.Query(stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.WebhookSubscription
	for rows.Next() {
		var sub models.WebhookSubscription
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.URL, &sub.EventType, &sub.Active); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// DeleteSubscription removes a subscription
func (s *PostgreSQLSubscriptionStore) DeleteSubscription(id string) error {
	res, err := s.db.Exec(`DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}
