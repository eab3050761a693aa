package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/atinyakov/PluginRepo/internal/metrics"
	"github.com/atinyakov/PluginRepo/internal/models"
	"github.com/atinyakov/PluginRepo/internal/version"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// CatalogService answers catalog queries and serves stored files under the
// visibility rule.
type CatalogService struct {
	repo    CatalogRepository
	plugins BlobStore
	icons   BlobStore
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewCatalogService constructs a CatalogService. m may be nil.
func NewCatalogService(repo CatalogRepository, plugins, icons BlobStore, log *zap.Logger, m *metrics.Metrics) *CatalogService {
	return &CatalogService{repo: repo, plugins: plugins, icons: icons, log: log, metrics: m}
}

// List returns the plugins visible to p. When qgisVersion is not empty only
// plugins whose declared QGIS range includes it are returned.
func (s *CatalogService) List(ctx context.Context, p *models.Principal, qgisVersion string) ([]models.Plugin, error) {
	var (
		plugins []models.Plugin
		err     error
	)
	switch {
	case p.IsAnonymous():
		plugins, err = s.repo.ListVisible(ctx, nil)
	case p.Superuser:
		plugins, err = s.repo.ListAll(ctx)
	default:
		plugins, err = s.repo.ListVisible(ctx, p.RoleIDs)
	}
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}

	qgisVersion = strings.TrimSpace(qgisVersion)
	if qgisVersion == "" {
		return plugins, nil
	}
	return slices.DeleteFunc(plugins, func(pl models.Plugin) bool {
		return !version.InRange(qgisVersion, pl.QGISMinimumVersion, pl.QGISMaximumVersion)
	}), nil
}

// FindByFileName returns the plugin stored under fileName.
func (s *CatalogService) FindByFileName(ctx context.Context, fileName string) (*models.Plugin, error) {
	pl, err := s.repo.FindByFileName(ctx, fileName)
	if err != nil {
		return nil, fmt.Errorf("find plugin %s: %w", fileName, err)
	}
	if pl == nil {
		return nil, ErrNotFound
	}
	return pl, nil
}

// FindByChecksum returns the plugin whose archive has the given MD5 sum.
func (s *CatalogService) FindByChecksum(ctx context.Context, sum string) (*models.Plugin, error) {
	pl, err := s.repo.FindByChecksum(ctx, sum)
	if err != nil {
		return nil, fmt.Errorf("find plugin by checksum: %w", err)
	}
	if pl == nil {
		return nil, ErrNotFound
	}
	return pl, nil
}

// Download opens the archive fileName for p. The caller closes the returned
// file and reports a completed transfer with CountDownload.
func (s *CatalogService) Download(ctx context.Context, p *models.Principal, fileName string) (*models.Plugin, afero.File, error) {
	pl, err := s.FindByFileName(ctx, fileName)
	if err != nil {
		return nil, nil, err
	}
	if !pl.VisibleTo(p) {
		return nil, nil, ErrAccessDenied
	}

	f, err := s.plugins.Open(pl.FileName)
	if errors.Is(err, os.ErrNotExist) {
		s.log.Warn("plugin archive missing on disk", zap.String("file_name", pl.FileName))
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", pl.FileName, err)
	}
	return pl, f, nil
}

// CountDownload records one full download of pl.
func (s *CatalogService) CountDownload(ctx context.Context, pl *models.Plugin) error {
	if err := s.repo.IncrementDownloads(ctx, pl.ID); err != nil {
		return fmt.Errorf("count download: %w", err)
	}
	pl.Downloads++
	if s.metrics != nil {
		s.metrics.Downloads.WithLabelValues(pl.FileName).Inc()
	}
	return nil
}

// Icon opens the icon fileName for p.
func (s *CatalogService) Icon(ctx context.Context, p *models.Principal, fileName string) (afero.File, error) {
	pl, err := s.repo.FindByIcon(ctx, IconURLPrefix+fileName)
	if err != nil {
		return nil, fmt.Errorf("find icon %s: %w", fileName, err)
	}
	if pl == nil {
		return nil, ErrNotFound
	}
	if !pl.VisibleTo(p) {
		return nil, ErrAccessDenied
	}

	f, err := s.icons.Open(fileName)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// Delete removes a plugin, its archive and its icon. Superusers only.
func (s *CatalogService) Delete(ctx context.Context, p *models.Principal, id int64) error {
	pl, err := s.requireAdmin(ctx, p, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete plugin %d: %w", id, err)
	}

	err = s.plugins.Remove(pl.FileName)
	if icon := strings.TrimPrefix(pl.Icon, IconURLPrefix); icon != "" {
		err = multierr.Append(err, s.icons.Remove(icon))
	}
	if err != nil {
		// the catalog row is gone; leftovers are collected by the cleaner
		s.log.Warn("removing plugin files failed", zap.String("file_name", pl.FileName), zap.Error(err))
	}

	s.log.Info("PLUGIN_DELETED",
		zap.Int64("id", pl.ID),
		zap.String("name", pl.Name),
		zap.String("user", p.Name),
	)
	return nil
}

// SetAccess replaces the public flag and role set of a plugin.
// Superusers only.
func (s *CatalogService) SetAccess(ctx context.Context, p *models.Principal, id int64, public bool, roleIDs []int64) error {
	pl, err := s.requireAdmin(ctx, p, id)
	if err != nil {
		return err
	}
	if err := s.repo.SetAccess(ctx, id, public, roleIDs); err != nil {
		return fmt.Errorf("set access of plugin %d: %w", id, err)
	}

	switch {
	case public && !pl.Public:
		s.log.Info("PLUGIN_MADE_PUBLIC", zap.Int64("id", id), zap.String("name", pl.Name), zap.String("user", p.Name))
	case !public && pl.Public:
		s.log.Info("PLUGIN_MADE_PRIVATE", zap.Int64("id", id), zap.String("name", pl.Name), zap.String("user", p.Name))
	}
	if !slices.Equal(pl.RoleIDs, roleIDs) {
		s.log.Info("PLUGIN_ROLES_CHANGED",
			zap.Int64("id", id),
			zap.Int64s("from", pl.RoleIDs),
			zap.Int64s("to", roleIDs),
			zap.String("user", p.Name),
		)
	}
	return nil
}

// Vote records a rating between 1 and 5 for a plugin visible to p.
func (s *CatalogService) Vote(ctx context.Context, p *models.Principal, id int64, vote int) error {
	if vote < 1 || vote > 5 {
		return ErrInvalidVote
	}
	pl, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("find plugin %d: %w", id, err)
	}
	if pl == nil {
		return ErrNotFound
	}
	if !pl.VisibleTo(p) {
		return ErrAccessDenied
	}
	if err := s.repo.AddVote(ctx, id, vote); err != nil {
		return fmt.Errorf("vote for plugin %d: %w", id, err)
	}
	return nil
}

func (s *CatalogService) requireAdmin(ctx context.Context, p *models.Principal, id int64) (*models.Plugin, error) {
	if p.IsAnonymous() || !p.Superuser {
		return nil, ErrAccessDenied
	}
	pl, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find plugin %d: %w", id, err)
	}
	if pl == nil {
		return nil, ErrNotFound
	}
	return pl, nil
}
