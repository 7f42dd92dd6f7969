package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateProject creates a new project.
func (s *Store) CreateProject(ctx context.Context, project *Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if project.DefaultBranch == "" {
		project.DefaultBranch = "main"
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO projects (id, name, git_repo_path, default_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), project.ID, project.Name, project.GitRepoPath, project.DefaultBranch, project.CreatedAt, project.UpdatedAt)
	return err
}

// GetProject retrieves a project by ID.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	project := &Project{}
	err := s.reader().GetContext(ctx, project, s.reader().Rebind(`
		SELECT id, name, git_repo_path, default_branch, created_at, updated_at
		FROM projects WHERE id = ?
	`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return project, nil
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects(ctx context.Context) ([]*Project, error) {
	var projects []*Project
	err := s.reader().SelectContext(ctx, &projects, `
		SELECT id, name, git_repo_path, default_branch, created_at, updated_at
		FROM projects ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	return projects, nil
}

// UpdateProject updates an existing project.
func (s *Store) UpdateProject(ctx context.Context, project *Project) error {
	project.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE projects SET name = ?, git_repo_path = ?, default_branch = ?, updated_at = ?
		WHERE id = ?
	`), project.Name, project.GitRepoPath, project.DefaultBranch, project.UpdatedAt, project.ID)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("project %s: %w", project.ID, ErrNotFound)
	}
	return nil
}

// DeleteProject deletes a project by ID. Tasks, attempts, runs and processes
// cascade through foreign keys.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM projects WHERE id = ?`), id)
	if err != nil {
		return err
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}
