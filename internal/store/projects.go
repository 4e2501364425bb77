package store

import (
	"context"
	"fmt"

	"github.com/georgysavva/scany/v2/sqlscan"
	"github.com/google/uuid"

	"github.com/flowforge/runner/internal/cierr"
	"github.com/flowforge/runner/internal/domain"
)

// CreateProject persists a new project and returns it with an assigned ID.
func (s *Store) CreateProject(ctx context.Context, name, configPath string) (*domain.Project, error) {
	p := &domain.Project{ID: uuid.NewString(), Name: name, ConfigPath: configPath}
	_, err := s.writer.ExecContext(ctx,
		`INSERT INTO projects (id, name, config_path) VALUES (?, ?, ?)`,
		p.ID, p.Name, p.ConfigPath)
	if err != nil {
		return nil, wrapBusy(fmt.Errorf("insert project: %w", err))
	}
	return p, nil
}

// GetProject fetches a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	var p domain.Project
	err := sqlscan.Get(ctx, s.reader, &p,
		`SELECT id, name, config_path FROM projects WHERE id = ?`, id)
	if err != nil {
		if sqlscan.NotFound(err) {
			return nil, cierr.ErrNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return &p, nil
}

// GetProjectByName fetches a project by its unique name, e.g. a
// webhook delivery's repository full name.
func (s *Store) GetProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	var p domain.Project
	err := sqlscan.Get(ctx, s.reader, &p,
		`SELECT id, name, config_path FROM projects WHERE name = ?`, name)
	if err != nil {
		if sqlscan.NotFound(err) {
			return nil, cierr.ErrNotFound
		}
		return nil, fmt.Errorf("get project by name: %w", err)
	}
	return &p, nil
}

// ListProjects returns every registered project.
func (s *Store) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	var ps []*domain.Project
	if err := sqlscan.Select(ctx, s.reader, &ps,
		`SELECT id, name, config_path FROM projects ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return ps, nil
}
