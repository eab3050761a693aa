// Package service provides the business logic of the plugin repository:
// ingestion of uploaded archives, catalog queries and authentication,
// delegating persistence to repository interfaces.
package service

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/atinyakov/PluginRepo/internal/archive"
	"github.com/atinyakov/PluginRepo/internal/metrics"
	"github.com/atinyakov/PluginRepo/internal/models"
	"github.com/atinyakov/PluginRepo/internal/version"
	"github.com/spf13/afero"
	"github.com/spf13/cast"
	"go.uber.org/zap"
)

// IconURLPrefix is the route prefix under which icons are served.
const IconURLPrefix = "/icons/"

// CatalogRepository defines the persistence operations on plugin records.
// Find methods return a nil plugin and a nil error when nothing matches.
type CatalogRepository interface {
	// FindByFileName looks a plugin up by its canonical archive name.
	FindByFileName(ctx context.Context, fileName string) (*models.Plugin, error)
	// FindByChecksum looks a plugin up by the MD5 sum of its archive.
	FindByChecksum(ctx context.Context, sum string) (*models.Plugin, error)
	// FindByID looks a plugin up by its identifier.
	FindByID(ctx context.Context, id int64) (*models.Plugin, error)
	// FindByIcon looks a plugin up by its icon reference.
	FindByIcon(ctx context.Context, icon string) (*models.Plugin, error)
	// ListAll returns every plugin.
	ListAll(ctx context.Context) ([]models.Plugin, error)
	// ListVisible returns public plugins and those sharing a role with roleIDs.
	ListVisible(ctx context.Context, roleIDs []int64) ([]models.Plugin, error)
	// Upsert inserts p when p.ID is zero, otherwise updates it provided the
	// stored checksum still equals prevChecksum. Tags are resolved and
	// replaced in the same transaction. Returns the plugin ID, or
	// models.ErrConflict when the row changed underneath.
	Upsert(ctx context.Context, p *models.Plugin, prevChecksum string) (int64, error)
	// Delete removes the plugin and its associations.
	Delete(ctx context.Context, id int64) error
	// IncrementDownloads adds one to the download counter.
	IncrementDownloads(ctx context.Context, id int64) error
	// SetAccess replaces the public flag and role set of a plugin.
	SetAccess(ctx context.Context, id int64, public bool, roleIDs []int64) error
	// AddVote folds vote into the running rating average.
	AddVote(ctx context.Context, id int64, vote int) error
}

// BlobStore stores named files such as plugin archives and icons.
type BlobStore interface {
	WriteAtomic(name string, data []byte) error
	// Stage writes data under a temporary name that Commit publishes.
	Stage(data []byte) (string, error)
	Commit(tmp, name string) error
	Open(name string) (afero.File, error)
	Remove(name string) error
}

// IngestResult describes an accepted upload.
type IngestResult struct {
	ID       int64  `json:"id"`
	Version  string `json:"version"`
	FileName string `json:"file_name"`
	Created  bool   `json:"created"`
}

// IngestService validates uploaded plugin archives and records them in the
// catalog.
type IngestService struct {
	repo    CatalogRepository
	plugins BlobStore
	icons   BlobStore
	locks   *KeyedMutex
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewIngestService constructs an IngestService. m may be nil.
func NewIngestService(repo CatalogRepository, plugins, icons BlobStore, log *zap.Logger, m *metrics.Metrics) *IngestService {
	return &IngestService{
		repo:    repo,
		plugins: plugins,
		icons:   icons,
		locks:   NewKeyedMutex(),
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// Ingest runs the upload pipeline for data on behalf of uploader: duplicate
// check, metadata extraction, version supersession, icon and tag handling,
// atomic write of the archive and the catalog upsert. Uploads of the same
// canonical plugin are serialised.
func (s *IngestService) Ingest(ctx context.Context, uploader *models.Principal, data []byte) (*IngestResult, error) {
	start := time.Now()
	res, err := s.ingest(ctx, uploader, data)
	s.observe(res, err, time.Since(start))
	return res, err
}

func (s *IngestService) ingest(ctx context.Context, uploader *models.Principal, data []byte) (*IngestResult, error) {
	if uploader.IsAnonymous() || !uploader.Superuser {
		return nil, fmt.Errorf("%w: user not authorized to upload plugins", ErrAccessDenied)
	}

	sum := checksum(data)
	dup, err := s.repo.FindByChecksum(ctx, sum)
	if err != nil {
		s.log.Error("checksum lookup failed", zap.String("md5_sum", sum), zap.Error(err))
		return nil, ErrPersistence
	}
	if dup != nil {
		return nil, fmt.Errorf("%w: identical to %s %s", ErrDuplicateContent, dup.FileName, dup.Version)
	}

	md, err := archive.Extract(data)
	if err != nil {
		return nil, err
	}
	if _, err := version.Parse(md.Version()); err != nil {
		return nil, fmt.Errorf("%w: %v", archive.ErrInvalidMetadata, err)
	}

	unlock := s.locks.Lock(md.FileName)
	defer unlock()

	existing, err := s.repo.FindByFileName(ctx, md.FileName)
	if err != nil {
		s.log.Error("plugin lookup failed", zap.String("file_name", md.FileName), zap.Error(err))
		return nil, ErrPersistence
	}

	plugin := &models.Plugin{Trusted: true, CreateDate: s.now().UTC()}
	prevSum := ""
	if existing != nil {
		if err := s.checkSupersedes(md, existing); err != nil {
			return nil, err
		}
		plugin = carryOver(existing)
		prevSum = existing.MD5Sum
	}

	icon, err := s.storeIcon(md)
	if err != nil {
		return nil, err
	}

	applyMetadata(plugin, md.Fields)
	plugin.Icon = icon
	if _, ok := md.Fields["tags"]; ok {
		plugin.Tags = parseTags(md.Fields["tags"])
	}
	plugin.MD5Sum = sum
	plugin.FileName = md.FileName
	plugin.UserID = uploader.UserID
	plugin.UploadedBy = uploader.Name
	plugin.UpdateDate = s.now().UTC()

	// the archive is published under its real name only after the row
	// commits, so a writer losing the checksum race leaves no trace
	staged, err := s.plugins.Stage(data)
	if err != nil {
		s.log.Error("writing plugin archive failed",
			zap.String("file_name", md.FileName),
			zap.Int("size", len(data)),
			zap.Error(err),
		)
		return nil, ErrStorageWrite
	}

	id, err := s.repo.Upsert(ctx, plugin, prevSum)
	if err != nil {
		s.discard(staged)
	}
	if errors.Is(err, models.ErrConflict) {
		return nil, fmt.Errorf("%w: %s was modified concurrently", ErrStaleVersion, md.FileName)
	}
	if err != nil {
		s.log.Warn("saving plugin failed",
			zap.Int64("id", plugin.ID),
			zap.String("file_name", plugin.FileName),
			zap.String("name", plugin.Name),
			zap.String("version", plugin.Version),
			zap.String("md5_sum", plugin.MD5Sum),
			zap.Strings("tags", plugin.Tags),
			zap.Int64("user_id", plugin.UserID),
			zap.Error(err),
		)
		return nil, ErrPersistence
	}

	if err := s.plugins.Commit(staged, md.FileName); err != nil {
		s.discard(staged)
		s.log.Error("publishing plugin archive failed",
			zap.Int64("id", id),
			zap.String("file_name", md.FileName),
			zap.String("md5_sum", plugin.MD5Sum),
			zap.Error(err),
		)
		return nil, ErrStorageWrite
	}

	mode := "PLUGIN_UPDATED"
	if existing == nil {
		mode = "PLUGIN_CREATED"
	}
	s.log.Info(mode,
		zap.Int64("id", id),
		zap.String("name", plugin.Name),
		zap.String("version", plugin.Version),
		zap.String("user", uploader.Name),
	)

	return &IngestResult{ID: id, Version: plugin.Version, FileName: md.FileName, Created: existing == nil}, nil
}

func (s *IngestService) discard(staged string) {
	if err := s.plugins.Remove(staged); err != nil {
		s.log.Warn("removing staged archive failed", zap.String("temp", staged), zap.Error(err))
	}
}

// checkSupersedes rejects uploads that do not strictly raise the version.
func (s *IngestService) checkSupersedes(md *archive.Metadata, existing *models.Plugin) error {
	newer, err := version.Newer(md.Version(), existing.Version)
	if err != nil {
		// the stored version predates validation; let the upload replace it
		s.log.Warn("cannot compare with stored version",
			zap.String("file_name", existing.FileName),
			zap.String("stored", existing.Version),
			zap.String("uploaded", md.Version()),
			zap.Error(err),
		)
		return nil
	}
	if !newer {
		return fmt.Errorf("%w: there already exists a version of the plugin %s (%s) that is the same or newer than %s",
			ErrStaleVersion, existing.FileName, existing.Version, md.Version())
	}
	return nil
}

// carryOver keeps the fields of a stored plugin that an upload does not
// replace: identity, visibility, statistics and the tag set.
func carryOver(existing *models.Plugin) *models.Plugin {
	return &models.Plugin{
		ID:           existing.ID,
		CreateDate:   existing.CreateDate,
		Public:       existing.Public,
		Trusted:      existing.Trusted,
		AverageVotes: existing.AverageVotes,
		RatingVotes:  existing.RatingVotes,
		Downloads:    existing.Downloads,
		RoleIDs:      existing.RoleIDs,
		Tags:         existing.Tags,
	}
}

// storeIcon copies the declared icon out of the archive and returns its
// reference, or "" when no icon is declared.
func (s *IngestService) storeIcon(md *archive.Metadata) (string, error) {
	rel := strings.TrimSpace(md.Fields["icon"])
	if rel == "" {
		return "", nil
	}
	data, err := md.ReadFile(rel)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingIconAsset, err)
	}

	name := md.Stem() + strings.ToLower(path.Ext(rel))
	if err := s.icons.WriteAtomic(name, data); err != nil {
		s.log.Error("writing icon failed", zap.String("icon", name), zap.Error(err))
		return "", ErrStorageWrite
	}
	return IconURLPrefix + name, nil
}

func (s *IngestService) observe(res *IngestResult, err error, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.UploadDuration.Observe(elapsed.Seconds())
	switch {
	case err == nil && res.Created:
		s.metrics.Uploads.WithLabelValues(metrics.ResultCreated, "").Inc()
	case err == nil:
		s.metrics.Uploads.WithLabelValues(metrics.ResultUpdated, "").Inc()
	case errors.Is(err, ErrStorageWrite), errors.Is(err, ErrPersistence):
		s.metrics.Uploads.WithLabelValues(metrics.ResultFailed, reason(err)).Inc()
	default:
		s.metrics.Uploads.WithLabelValues(metrics.ResultRejected, reason(err)).Inc()
	}
}

// reason maps an ingestion error to a short metrics label.
func reason(err error) string {
	switch {
	case errors.Is(err, archive.ErrCorruptArchive):
		return "corrupt_archive"
	case errors.Is(err, archive.ErrMissingMetadata):
		return "missing_metadata"
	case errors.Is(err, archive.ErrInvalidMetadata):
		return "invalid_metadata"
	case errors.Is(err, ErrDuplicateContent):
		return "duplicate"
	case errors.Is(err, ErrStaleVersion):
		return "stale_version"
	case errors.Is(err, ErrMissingIconAsset):
		return "missing_icon"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrStorageWrite):
		return "storage"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "other"
	}
}

func checksum(data []byte) string {
	h := md5.Sum(data)
	return hex.EncodeToString(h[:])
}

// parseTags splits a comma separated tag list, dropping blanks and
// duplicates while keeping the declared order.
func parseTags(raw string) []string {
	var tags []string
	seen := make(map[string]struct{})
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	return tags
}

type fieldSetter func(p *models.Plugin, value string)

func text(field func(p *models.Plugin) *string) fieldSetter {
	return func(p *models.Plugin, value string) {
		*field(p) = strings.TrimSpace(value)
	}
}

func flag(field func(p *models.Plugin) *bool) fieldSetter {
	return func(p *models.Plugin, value string) {
		*field(p) = cast.ToBool(strings.TrimSpace(value))
	}
}

// metadataFields maps the recognised metadata.txt keys onto plugin fields.
// Anything else in the [general] section is ignored.
var metadataFields = map[string]fieldSetter{
	"name":                  text(func(p *models.Plugin) *string { return &p.Name }),
	"version":               text(func(p *models.Plugin) *string { return &p.Version }),
	"qgisminimumversion":    text(func(p *models.Plugin) *string { return &p.QGISMinimumVersion }),
	"qgismaximumversion":    text(func(p *models.Plugin) *string { return &p.QGISMaximumVersion }),
	"description":           text(func(p *models.Plugin) *string { return &p.Description }),
	"about":                 text(func(p *models.Plugin) *string { return &p.About }),
	"author":                text(func(p *models.Plugin) *string { return &p.Author }),
	"email":                 text(func(p *models.Plugin) *string { return &p.Email }),
	"repository":            text(func(p *models.Plugin) *string { return &p.Repository }),
	"homepage":              text(func(p *models.Plugin) *string { return &p.Homepage }),
	"tracker":               text(func(p *models.Plugin) *string { return &p.Tracker }),
	"changelog":             text(func(p *models.Plugin) *string { return &p.Changelog }),
	"plugin_dependencies":   text(func(p *models.Plugin) *string { return &p.PluginDependencies }),
	"category":              text(func(p *models.Plugin) *string { return &p.Category }),
	"experimental":          flag(func(p *models.Plugin) *bool { return &p.Experimental }),
	"deprecated":            flag(func(p *models.Plugin) *bool { return &p.Deprecated }),
	"server":                flag(func(p *models.Plugin) *bool { return &p.Server }),
	"hasprocessingprovider": flag(func(p *models.Plugin) *bool { return &p.HasProcessingProvider }),
}

// applyMetadata copies the recognised metadata fields onto p.
func applyMetadata(p *models.Plugin, fields map[string]string) {
	for key, value := range fields {
		if set, ok := metadataFields[key]; ok {
			set(p, value)
		}
	}
	if p.QGISMaximumVersion == "" && p.QGISMinimumVersion != "" {
		p.QGISMaximumVersion = version.DefaultMaximum(p.QGISMinimumVersion)
	}
}
