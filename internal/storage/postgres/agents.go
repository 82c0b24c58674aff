package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mistakeknot/interlock/internal/core"
)

func (t *tx) GetPool(ctx context.Context, project, name string) (core.Pool, error) {
	p := core.Pool{Project: project, Name: name}
	err := t.q.QueryRow(ctx,
		`SELECT capacity FROM slot_pools WHERE project = $1 AND name = $2`, project, name,
	).Scan(&p.Capacity)
	if errNoRows(err) {
		return core.Pool{}, fmt.Errorf("pool %s/%s: %w", project, name, core.ErrNotFound)
	}
	if err != nil {
		return core.Pool{}, fmt.Errorf("get pool: %w", err)
	}
	return p, nil
}

func (t *tx) PutPool(ctx context.Context, p core.Pool) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO slot_pools (project, name, capacity) VALUES ($1, $2, $3)
		 ON CONFLICT (project, name) DO UPDATE SET capacity = EXCLUDED.capacity`,
		p.Project, p.Name, p.Capacity,
	)
	if err != nil {
		return fmt.Errorf("put pool: %w", err)
	}
	return nil
}

func (t *tx) ListPools(ctx context.Context, project string) ([]core.Pool, error) {
	rows, err := t.q.Query(ctx,
		`SELECT project, name, capacity FROM slot_pools WHERE project = $1 ORDER BY name`, project)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()
	var out []core.Pool
	for rows.Next() {
		var p core.Pool
		if err := rows.Scan(&p.Project, &p.Name, &p.Capacity); err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const agentColumns = `id, project, name, capabilities, created_at`

func scanAgent(row pgx.Row) (core.Agent, error) {
	var a core.Agent
	if err := row.Scan(&a.ID, &a.Project, &a.Name, &a.Capabilities, &a.CreatedAt); err != nil {
		return core.Agent{}, err
	}
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}

func (t *tx) UpsertAgent(ctx context.Context, a core.Agent) (core.Agent, error) {
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	out, err := scanAgent(t.q.QueryRow(ctx,
		`INSERT INTO agents (project, name, capabilities, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (project, name) DO UPDATE SET capabilities = EXCLUDED.capabilities
		 RETURNING `+agentColumns,
		a.Project, a.Name, a.Capabilities, a.CreatedAt.UTC(),
	))
	if err != nil {
		return core.Agent{}, fmt.Errorf("upsert agent: %w", err)
	}
	return out, nil
}

func (t *tx) AgentByName(ctx context.Context, project, name string) (core.Agent, error) {
	a, err := scanAgent(t.q.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project = $1 AND name = $2`, project, name))
	if errNoRows(err) {
		return core.Agent{}, fmt.Errorf("agent %s/%s: %w", project, name, core.ErrUnknownAgent)
	}
	if err != nil {
		return core.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (t *tx) AgentByID(ctx context.Context, id core.AgentID) (core.Agent, error) {
	a, err := scanAgent(t.q.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, int64(id)))
	if errNoRows(err) {
		return core.Agent{}, fmt.Errorf("agent %d: %w", id, core.ErrUnknownAgent)
	}
	if err != nil {
		return core.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (t *tx) ListAgents(ctx context.Context, project string) ([]core.Agent, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project = $1 ORDER BY id`, project)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []core.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
