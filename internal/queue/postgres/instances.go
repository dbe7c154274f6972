package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/carrierdesk/notify/internal/domain"
	"github.com/carrierdesk/notify/internal/queue"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// InstanceRepository implements queue.InstanceRepository using PostgreSQL.
type InstanceRepository struct {
	db *pgxpool.Pool
}

// NewInstanceRepository creates a new PostgreSQL instance repository.
func NewInstanceRepository(db *pgxpool.Pool) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// ActiveInstance returns the most recently updated connected instance for a
// channel, or queue.ErrNoActiveInstance when none is connected.
func (r *InstanceRepository) ActiveInstance(ctx context.Context, channel domain.Channel) (*domain.ChannelInstance, error) {
	query := `
		SELECT id, channel, name, base_url, token, state, created_at, updated_at
		FROM channel_instances
		WHERE channel = $1 AND state = 'connected'
		ORDER BY updated_at DESC
		LIMIT 1
	`
	var inst domain.ChannelInstance
	err := r.db.QueryRow(ctx, query, channel).Scan(
		&inst.ID,
		&inst.Channel,
		&inst.Name,
		&inst.BaseURL,
		&inst.Token,
		&inst.State,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, queue.ErrNoActiveInstance
		}
		return nil, fmt.Errorf("active instance: %w", err)
	}
	return &inst, nil
}

// CreateInstance registers a new channel instance.
func (r *InstanceRepository) CreateInstance(ctx context.Context, inst *domain.ChannelInstance) error {
	query := `
		INSERT INTO channel_instances (channel, name, base_url, token, state)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		inst.Channel,
		inst.Name,
		inst.BaseURL,
		inst.Token,
		inst.State,
	).Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt)
}

// ListInstances returns all registered instances.
func (r *InstanceRepository) ListInstances(ctx context.Context) ([]domain.ChannelInstance, error) {
	query := `
		SELECT id, channel, name, base_url, token, state, created_at, updated_at
		FROM channel_instances
		ORDER BY channel, name
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	instances := make([]domain.ChannelInstance, 0)
	for rows.Next() {
		var inst domain.ChannelInstance
		err := rows.Scan(
			&inst.ID,
			&inst.Channel,
			&inst.Name,
			&inst.BaseURL,
			&inst.Token,
			&inst.State,
			&inst.CreatedAt,
			&inst.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// UpdateInstanceState transitions an instance between connected and
// disconnected.
func (r *InstanceRepository) UpdateInstanceState(ctx context.Context, id string, state domain.InstanceState) error {
	query := `
		UPDATE channel_instances
		SET state = $2, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, state)
	if err != nil {
		return fmt.Errorf("update instance state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return queue.ErrInstanceNotFound
	}
	return nil
}
