package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mistakeknot/interlock/internal/core"
)

func (t *tx) GetPool(ctx context.Context, project, name string) (core.Pool, error) {
	p := core.Pool{Project: project, Name: name}
	err := t.q.QueryRowContext(ctx,
		`SELECT capacity FROM slot_pools WHERE project = ? AND name = ?`, project, name,
	).Scan(&p.Capacity)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Pool{}, fmt.Errorf("pool %s/%s: %w", project, name, core.ErrNotFound)
	}
	if err != nil {
		return core.Pool{}, fmt.Errorf("get pool: %w", err)
	}
	return p, nil
}

func (t *tx) PutPool(ctx context.Context, p core.Pool) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO slot_pools (project, name, capacity) VALUES (?, ?, ?)
		 ON CONFLICT(project, name) DO UPDATE SET capacity = excluded.capacity`,
		p.Project, p.Name, p.Capacity,
	)
	if err != nil {
		return fmt.Errorf("put pool: %w", err)
	}
	return nil
}

func (t *tx) ListPools(ctx context.Context, project string) ([]core.Pool, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT project, name, capacity FROM slot_pools WHERE project = ? ORDER BY name`, project)
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

const agentColumns = `id, project, name, capabilities_json, created_at`

func scanAgent(sc scanner) (core.Agent, error) {
	var (
		a         core.Agent
		capsJSON  string
		createdAt int64
	)
	if err := sc.Scan(&a.ID, &a.Project, &a.Name, &capsJSON, &createdAt); err != nil {
		return core.Agent{}, err
	}
	if err := json.Unmarshal([]byte(capsJSON), &a.Capabilities); err != nil {
		return core.Agent{}, fmt.Errorf("decode capabilities: %w", err)
	}
	a.CreatedAt = fromNanos(createdAt)
	return a, nil
}

func (t *tx) UpsertAgent(ctx context.Context, a core.Agent) (core.Agent, error) {
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	capsJSON, err := json.Marshal(a.Capabilities)
	if err != nil {
		return core.Agent{}, fmt.Errorf("encode capabilities: %w", err)
	}
	row := t.q.QueryRowContext(ctx,
		`INSERT INTO agents (project, name, capabilities_json, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(project, name) DO UPDATE SET capabilities_json = excluded.capabilities_json
		 RETURNING `+agentColumns,
		a.Project, a.Name, string(capsJSON), nanos(a.CreatedAt),
	)
	out, err := scanAgent(row)
	if err != nil {
		return core.Agent{}, fmt.Errorf("upsert agent: %w", err)
	}
	return out, nil
}

func (t *tx) AgentByName(ctx context.Context, project, name string) (core.Agent, error) {
	row := t.q.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project = ? AND name = ?`, project, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Agent{}, fmt.Errorf("agent %s/%s: %w", project, name, core.ErrUnknownAgent)
	}
	if err != nil {
		return core.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (t *tx) AgentByID(ctx context.Context, id core.AgentID) (core.Agent, error) {
	row := t.q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, int64(id))
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Agent{}, fmt.Errorf("agent %d: %w", id, core.ErrUnknownAgent)
	}
	if err != nil {
		return core.Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (t *tx) ListAgents(ctx context.Context, project string) ([]core.Agent, error) {
	rows, err := t.q.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE project = ? ORDER BY id`, project)
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
