package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// App is an application the dashboard knows about.
type App struct {
	ID        string
	Name      string
	GitHubURL string
}

// CreateApp inserts a new app.
func (s *Store) CreateApp(ctx context.Context, name, githubURL string) (App, error) {
	app := App{ID: uuid.NewString(), Name: name, GitHubURL: githubURL}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO apps (id, name, github_url) VALUES (?, ?, ?)`,
		app.ID, app.Name, app.GitHubURL)
	if err != nil {
		return App{}, fmt.Errorf("insert app %s: %w", name, err)
	}
	return app, nil
}

// EnsureApp returns the app named name, creating it if needed. Apps created
// outside the dashboard show up here the first time they are viewed.
func (s *Store) EnsureApp(ctx context.Context, name string) (App, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO apps (id, name) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		uuid.NewString(), name)
	if err != nil {
		return App{}, fmt.Errorf("ensure app %s: %w", name, err)
	}
	return s.GetApp(ctx, name)
}

// GetApp looks an app up by name.
func (s *Store) GetApp(ctx context.Context, name string) (App, error) {
	return s.scanApp(s.db.QueryRowContext(ctx,
		`SELECT id, name, github_url FROM apps WHERE name = ?`, name))
}

// AppByGitHubURL finds the app deployed from a repository.
func (s *Store) AppByGitHubURL(ctx context.Context, url string) (App, error) {
	return s.scanApp(s.db.QueryRowContext(ctx,
		`SELECT id, name, github_url FROM apps WHERE github_url = ? ORDER BY name LIMIT 1`, url))
}

// SetGitHubURL records the repository an app deploys from.
func (s *Store) SetGitHubURL(ctx context.Context, name, url string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE apps SET github_url = ? WHERE name = ?`, url, name)
	if err != nil {
		return fmt.Errorf("update app %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListApps returns apps ordered by name.
func (s *Store) ListApps(ctx context.Context) ([]App, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, github_url FROM apps ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []App
	for rows.Next() {
		var a App
		if err := rows.Scan(&a.ID, &a.Name, &a.GitHubURL); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) scanApp(row *sql.Row) (App, error) {
	var a App
	if err := row.Scan(&a.ID, &a.Name, &a.GitHubURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return App{}, ErrNotFound
		}
		return App{}, err
	}
	return a, nil
}
