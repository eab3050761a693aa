package service_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/atinyakov/PluginRepo/internal/models"
	"github.com/atinyakov/PluginRepo/internal/storage"
	"github.com/spf13/afero"
)

// memCatalog is an in-memory CatalogRepository. It hands out copies so the
// service cannot mutate stored state behind its back.
type memCatalog struct {
	mu      sync.Mutex
	nextID  int64
	plugins map[int64]models.Plugin

	upsertErr error
	upserts   int
}

func newMemCatalog() *memCatalog {
	return &memCatalog{plugins: make(map[int64]models.Plugin)}
}

func (m *memCatalog) find(match func(models.Plugin) bool) *models.Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.plugins {
		if match(p) {
			cp := clonePlugin(p)
			return &cp
		}
	}
	return nil
}

func (m *memCatalog) FindByFileName(_ context.Context, name string) (*models.Plugin, error) {
	return m.find(func(p models.Plugin) bool { return p.FileName == name }), nil
}

func (m *memCatalog) FindByChecksum(_ context.Context, sum string) (*models.Plugin, error) {
	return m.find(func(p models.Plugin) bool { return p.MD5Sum == sum }), nil
}

func (m *memCatalog) FindByID(_ context.Context, id int64) (*models.Plugin, error) {
	return m.find(func(p models.Plugin) bool { return p.ID == id }), nil
}

func (m *memCatalog) FindByIcon(_ context.Context, icon string) (*models.Plugin, error) {
	return m.find(func(p models.Plugin) bool { return p.Icon != "" && p.Icon == icon }), nil
}

func (m *memCatalog) list(match func(models.Plugin) bool) []models.Plugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Plugin
	for _, p := range m.plugins {
		if match(p) {
			out = append(out, clonePlugin(p))
		}
	}
	slices.SortFunc(out, func(a, b models.Plugin) int { return int(a.ID - b.ID) })
	return out
}

func (m *memCatalog) ListAll(context.Context) ([]models.Plugin, error) {
	return m.list(func(models.Plugin) bool { return true }), nil
}

func (m *memCatalog) ListVisible(_ context.Context, roleIDs []int64) ([]models.Plugin, error) {
	return m.list(func(p models.Plugin) bool {
		if p.Public {
			return true
		}
		for _, id := range p.RoleIDs {
			if slices.Contains(roleIDs, id) {
				return true
			}
		}
		return false
	}), nil
}

func (m *memCatalog) Upsert(_ context.Context, p *models.Plugin, prevChecksum string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return 0, m.upsertErr
	}
	for id, other := range m.plugins {
		if id != p.ID && (other.FileName == p.FileName || other.MD5Sum == p.MD5Sum) {
			return 0, models.ErrConflict
		}
	}
	stored := clonePlugin(*p)
	if p.ID == 0 {
		m.nextID++
		p.ID = m.nextID
		stored.ID = p.ID
	} else {
		cur, ok := m.plugins[p.ID]
		if !ok || cur.MD5Sum != prevChecksum {
			return 0, models.ErrConflict
		}
		// an update leaves counters, ratings and access alone
		stored.CreateDate = cur.CreateDate
		stored.Public = cur.Public
		stored.Trusted = cur.Trusted
		stored.AverageVotes = cur.AverageVotes
		stored.RatingVotes = cur.RatingVotes
		stored.Downloads = cur.Downloads
		stored.RoleIDs = cur.RoleIDs
	}
	m.plugins[p.ID] = stored
	m.upserts++
	return p.ID, nil
}

func (m *memCatalog) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.plugins, id)
	return nil
}

func (m *memCatalog) IncrementDownloads(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plugins[id]
	if !ok {
		return errors.New("no such plugin")
	}
	p.Downloads++
	m.plugins[id] = p
	return nil
}

func (m *memCatalog) SetAccess(_ context.Context, id int64, public bool, roleIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.plugins[id]
	p.Public = public
	p.RoleIDs = slices.Clone(roleIDs)
	m.plugins[id] = p
	return nil
}

func (m *memCatalog) AddVote(_ context.Context, id int64, vote int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.plugins[id]
	p.AverageVotes = (p.AverageVotes*float64(p.RatingVotes) + float64(vote)) / float64(p.RatingVotes+1)
	p.RatingVotes++
	m.plugins[id] = p
	return nil
}

// put stores p directly, bypassing the ingestion pipeline.
// setChecksum changes a row the way a concurrent upload would.
func (m *memCatalog) setChecksum(id int64, sum string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.plugins[id]
	p.MD5Sum = sum
	m.plugins[id] = p
}

func (m *memCatalog) put(p models.Plugin) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	m.plugins[p.ID] = clonePlugin(p)
	return p.ID
}

func clonePlugin(p models.Plugin) models.Plugin {
	p.RoleIDs = slices.Clone(p.RoleIDs)
	p.Tags = slices.Clone(p.Tags)
	return p
}

// failingStore fails every write.
type failingStore struct{}

func (failingStore) WriteAtomic(string, []byte) error { return errors.New("disk full") }
func (failingStore) Stage([]byte) (string, error)     { return "", errors.New("disk full") }
func (failingStore) Commit(string, string) error      { return errors.New("disk full") }
func (failingStore) Open(string) (afero.File, error)  { return nil, errors.New("disk gone") }
func (failingStore) Remove(string) error              { return errors.New("disk gone") }

func newMemStore(t *testing.T, dir string) *storage.Store {
	t.Helper()
	s, err := storage.New(afero.NewMemMapFs(), dir)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s
}

// pluginZip builds a plugin archive with metadata.txt under dir.
func pluginZip(t *testing.T, dir, metadata string, extra map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	files := map[string]string{dir + "/metadata.txt": metadata, dir + "/__init__.py": ""}
	for name, content := range extra {
		files[dir+"/"+name] = content
	}
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("create zip entry: %v", err)
		}
		if _, err := w.Write([]byte(files[name])); err != nil {
			t.Fatalf("write zip entry: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

var (
	admin  = &models.Principal{UserID: 1, Name: "admin", Superuser: true}
	member = &models.Principal{UserID: 2, Name: "bob", RoleIDs: []int64{10}}
)

func modelsPlugin(fileName, ver, sum string) models.Plugin {
	return models.Plugin{FileName: fileName, Name: fileName, Version: ver, MD5Sum: sum}
}
