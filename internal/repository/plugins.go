// Package repository provides persistence implementations for the plugin
// catalog and user accounts using a PostgreSQL database.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/atinyakov/PluginRepo/internal/models"
	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint breach.
const uniqueViolation = "23505"

// writableColumns lists the plugin columns set by Upsert, in argument order.
var writableColumns = []string{
	"md5_sum", "file_name", "user_id", "create_date", "update_date",
	"public", "trusted", "average_vote", "rating_votes", "downloads",
	"name", "qgis_minimum_version", "qgis_maximum_version", "description", "about",
	"version", "author", "email", "repository", "homepage",
	"tracker", "changelog", "experimental", "deprecated", "icon",
	"plugin_dependencies", "server", "has_processing_provider", "category",
}

// updatableColumns lists the columns a re-upload replaces. Counters,
// ratings, visibility and the creation date are owned by their own
// statements and never written back from a previously read copy.
var updatableColumns = []string{
	"md5_sum", "file_name", "user_id", "update_date",
	"name", "qgis_minimum_version", "qgis_maximum_version", "description", "about",
	"version", "author", "email", "repository", "homepage",
	"tracker", "changelog", "experimental", "deprecated", "icon",
	"plugin_dependencies", "server", "has_processing_provider", "category",
}

const selectPlugin = `
SELECT p.id, p.md5_sum, p.file_name, COALESCE(p.user_id, 0), COALESCE(u.name, ''),
       p.create_date, p.update_date, p.public, p.trusted, p.average_vote,
       p.rating_votes, p.downloads, p.name, p.qgis_minimum_version, p.qgis_maximum_version,
       p.description, p.about, p.version, p.author, p.email,
       p.repository, p.homepage, p.tracker, p.changelog, p.experimental,
       p.deprecated, p.icon, p.plugin_dependencies, p.server, p.has_processing_provider,
       p.category,
       ARRAY(SELECT pr.role_id FROM plugin_role pr WHERE pr.plugin_id = p.id ORDER BY pr.role_id),
       ARRAY(SELECT t.name FROM plugin_tag pt JOIN tags t ON t.id = pt.tag_id
             WHERE pt.plugin_id = p.id ORDER BY pt.position)
  FROM plugins p
  LEFT JOIN users u ON u.id = p.user_id`

var (
	insertPlugin = fmt.Sprintf(`INSERT INTO plugins (%s) VALUES (%s) RETURNING id`,
		strings.Join(writableColumns, ", "), placeholders(1, len(writableColumns)))
	updatePlugin = fmt.Sprintf(`UPDATE plugins SET %s WHERE id = $%d AND md5_sum = $%d`,
		assignments(updatableColumns), len(updatableColumns)+1, len(updatableColumns)+2)
)

// PostgresCatalogRepository implements plugin catalog operations against a
// PostgreSQL database.
type PostgresCatalogRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresCatalogRepository creates a new PostgresCatalogRepository using
// the provided *sql.DB.
func NewPostgresCatalogRepository(db *sql.DB) *PostgresCatalogRepository {
	return &PostgresCatalogRepository{DB: db}
}

// FindByFileName returns the plugin stored under fileName, or nil.
func (r *PostgresCatalogRepository) FindByFileName(ctx context.Context, fileName string) (*models.Plugin, error) {
	return r.findOne(ctx, `p.file_name = $1`, fileName)
}

// FindByChecksum returns the plugin whose archive has the MD5 sum, or nil.
func (r *PostgresCatalogRepository) FindByChecksum(ctx context.Context, sum string) (*models.Plugin, error) {
	return r.findOne(ctx, `p.md5_sum = $1`, sum)
}

// FindByID returns the plugin with the given id, or nil.
func (r *PostgresCatalogRepository) FindByID(ctx context.Context, id int64) (*models.Plugin, error) {
	return r.findOne(ctx, `p.id = $1`, id)
}

// FindByIcon returns the plugin referencing icon, or nil.
func (r *PostgresCatalogRepository) FindByIcon(ctx context.Context, icon string) (*models.Plugin, error) {
	return r.findOne(ctx, `p.icon = $1 AND p.icon <> ''`, icon)
}

func (r *PostgresCatalogRepository) findOne(ctx context.Context, where string, arg any) (*models.Plugin, error) {
	row := r.DB.QueryRowContext(ctx, selectPlugin+` WHERE `+where, arg)
	p, err := scanPlugin(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find plugin: %w", err)
	}
	return p, nil
}

// ListAll returns every plugin ordered by id.
func (r *PostgresCatalogRepository) ListAll(ctx context.Context) ([]models.Plugin, error) {
	return r.list(ctx, selectPlugin+` ORDER BY p.id`)
}

// ListVisible returns the public plugins and those sharing a role with
// roleIDs, ordered by id.
func (r *PostgresCatalogRepository) ListVisible(ctx context.Context, roleIDs []int64) ([]models.Plugin, error) {
	return r.list(ctx, selectPlugin+`
 WHERE p.public
    OR EXISTS (SELECT 1 FROM plugin_role pr WHERE pr.plugin_id = p.id AND pr.role_id = ANY($1))
 ORDER BY p.id`, pq.Array(roleIDs))
}

func (r *PostgresCatalogRepository) list(ctx context.Context, query string, args ...any) ([]models.Plugin, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	defer rows.Close()

	var plugins []models.Plugin
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		plugins = append(plugins, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	return plugins, nil
}

// Upsert inserts p when p.ID is zero, otherwise updates the row provided its
// checksum still equals prevChecksum. The tag set is replaced in the same
// transaction.
func (r *PostgresCatalogRepository) Upsert(ctx context.Context, p *models.Plugin, prevChecksum string) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	id := p.ID
	if id == 0 {
		err = tx.QueryRowContext(ctx, insertPlugin, pluginArgs(p)...).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert plugin: %w", conflict(err))
		}
		for _, roleID := range p.RoleIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO plugin_role (plugin_id, role_id) VALUES ($1, $2)`, id, roleID); err != nil {
				return 0, fmt.Errorf("insert plugin role: %w", err)
			}
		}
	} else {
		args := append(updateArgs(p), id, prevChecksum)
		res, err := tx.ExecContext(ctx, updatePlugin, args...)
		if err != nil {
			return 0, fmt.Errorf("update plugin: %w", conflict(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("update plugin: %w", err)
		}
		if n == 0 {
			return 0, fmt.Errorf("update plugin %d: %w", id, models.ErrConflict)
		}
	}

	if err := replaceTags(ctx, tx, id, p.Tags); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	p.ID = id
	return id, nil
}

// replaceTags finds or creates every tag and makes them the plugin's tag set.
func replaceTags(ctx context.Context, tx *sql.Tx, pluginID int64, tags []string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM plugin_tag WHERE plugin_id = $1`, pluginID); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	for pos, name := range tags {
		var tagID int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO tags (name) VALUES ($1)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, name).Scan(&tagID)
		if err != nil {
			return fmt.Errorf("resolve tag %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO plugin_tag (plugin_id, tag_id, position) VALUES ($1, $2, $3)`,
			pluginID, tagID, pos); err != nil {
			return fmt.Errorf("attach tag %s: %w", name, err)
		}
	}
	return nil
}

// Delete removes the plugin row; role and tag links cascade.
func (r *PostgresCatalogRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM plugins WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete plugin: %w", err)
	}
	return nil
}

// IncrementDownloads adds one to the download counter of a plugin.
func (r *PostgresCatalogRepository) IncrementDownloads(ctx context.Context, id int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE plugins SET downloads = downloads + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment downloads: %w", err)
	}
	return nil
}

// SetAccess replaces the public flag and role set of a plugin.
func (r *PostgresCatalogRepository) SetAccess(ctx context.Context, id int64, public bool, roleIDs []int64) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE plugins SET public = $1 WHERE id = $2`, public, id); err != nil {
		return fmt.Errorf("set public: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM plugin_role WHERE plugin_id = $1`, id); err != nil {
		return fmt.Errorf("clear roles: %w", err)
	}
	if len(roleIDs) > 0 {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO plugin_role (plugin_id, role_id)
			SELECT $1, unnest($2::bigint[])
			ON CONFLICT DO NOTHING
		`, id, pq.Array(roleIDs))
		if err != nil {
			return fmt.Errorf("set roles: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// AddVote folds vote into the running average of a plugin.
func (r *PostgresCatalogRepository) AddVote(ctx context.Context, id int64, vote int) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE plugins
		   SET average_vote = (average_vote * rating_votes + $1) / (rating_votes + 1),
		       rating_votes = rating_votes + 1
		 WHERE id = $2
	`, vote, id)
	if err != nil {
		return fmt.Errorf("add vote: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlugin(s scanner) (*models.Plugin, error) {
	var p models.Plugin
	err := s.Scan(
		&p.ID, &p.MD5Sum, &p.FileName, &p.UserID, &p.UploadedBy,
		&p.CreateDate, &p.UpdateDate, &p.Public, &p.Trusted, &p.AverageVotes,
		&p.RatingVotes, &p.Downloads, &p.Name, &p.QGISMinimumVersion, &p.QGISMaximumVersion,
		&p.Description, &p.About, &p.Version, &p.Author, &p.Email,
		&p.Repository, &p.Homepage, &p.Tracker, &p.Changelog, &p.Experimental,
		&p.Deprecated, &p.Icon, &p.PluginDependencies, &p.Server, &p.HasProcessingProvider,
		&p.Category,
		pq.Array(&p.RoleIDs),
		pq.Array(&p.Tags),
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func pluginArgs(p *models.Plugin) []any {
	var userID sql.NullInt64
	if p.UserID != 0 {
		userID = sql.NullInt64{Int64: p.UserID, Valid: true}
	}
	return []any{
		p.MD5Sum, p.FileName, userID, p.CreateDate, p.UpdateDate,
		p.Public, p.Trusted, p.AverageVotes, p.RatingVotes, p.Downloads,
		p.Name, p.QGISMinimumVersion, p.QGISMaximumVersion, p.Description, p.About,
		p.Version, p.Author, p.Email, p.Repository, p.Homepage,
		p.Tracker, p.Changelog, p.Experimental, p.Deprecated, p.Icon,
		p.PluginDependencies, p.Server, p.HasProcessingProvider, p.Category,
	}
}

// updateArgs returns the values of updatableColumns, in order.
func updateArgs(p *models.Plugin) []any {
	values := pluginArgs(p)
	byColumn := make(map[string]any, len(values))
	for i, c := range writableColumns {
		byColumn[c] = values[i]
	}
	args := make([]any, 0, len(updatableColumns)+2)
	for _, c := range updatableColumns {
		args = append(args, byColumn[c])
	}
	return args
}

// conflict maps unique constraint violations to models.ErrConflict.
func conflict(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", models.ErrConflict, pqErr.Constraint)
	}
	return err
}

func placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ph, ", ")
}

func assignments(cols []string) string {
	set := make([]string, len(cols))
	for i, c := range cols {
		set[i] = fmt.Sprintf("%s = $%d", c, i+1)
	}
	return strings.Join(set, ", ")
}
