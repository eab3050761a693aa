package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/atinyakov/PluginRepo/internal/models"
	"github.com/lib/pq"
)

var pluginColumns = []string{
	"id", "md5_sum", "file_name", "user_id", "uploaded_by",
	"create_date", "update_date", "public", "trusted", "average_vote",
	"rating_votes", "downloads", "name", "qgis_minimum_version", "qgis_maximum_version",
	"description", "about", "version", "author", "email",
	"repository", "homepage", "tracker", "changelog", "experimental",
	"deprecated", "icon", "plugin_dependencies", "server", "has_processing_provider",
	"category", "role_ids", "tags",
}

func pluginRow(id int64, fileName, ver string, public bool, roles, tags string) []driver.Value {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return []driver.Value{
		id, "sum-" + fileName, fileName, int64(1), "admin",
		ts, ts, public, true, 4.5,
		int64(2), int64(10), "Plugin " + fileName, "3.0", "3.99",
		"desc", "", ver, "Jane", "jane@example.com",
		"", "", "", "", false,
		false, "/icons/x.png", "", false, true,
		"Raster", roles, tags,
	}
}

func setupCatalogMock(t *testing.T) (*PostgresCatalogRepository, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	repo := NewPostgresCatalogRepository(db)
	cleanup := func() { db.Close() }
	return repo, mock, cleanup
}

func TestFindByFileName_Success(t *testing.T) {
	repo, mock, cleanup := setupCatalogMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE p.file_name = $1`)).
		WithArgs("a.zip").
		WillReturnRows(sqlmock.NewRows(pluginColumns).AddRow(pluginRow(7, "a.zip", "1.2", true, "{3,5}", "{gis,raster}")...))

	p, err := repo.FindByFileName(context.Background(), "a.zip")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected plugin, got nil")
	}
	if p.ID != 7 || p.Version != "1.2" || !p.Public || p.UploadedBy != "admin" {
		t.Errorf("unexpected plugin: %+v", p)
	}
	if len(p.RoleIDs) != 2 || p.RoleIDs[1] != 5 {
		t.Errorf("RoleIDs = %v; want [3 5]", p.RoleIDs)
	}
	if len(p.Tags) != 2 || p.Tags[0] != "gis" {
		t.Errorf("Tags = %v; want [gis raster]", p.Tags)
	}
	if !p.HasProcessingProvider || p.Category != "Raster" {
		t.Errorf("trailing columns not scanned: %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestFindByChecksum_NotFound(t *testing.T) {
	repo, mock, cleanup := setupCatalogMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE p.md5_sum = $1`)).
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows(pluginColumns))

	p, err := repo.FindByChecksum(context.Background(), "abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil plugin, got %+v", p)
	}
}

func TestFindByID_Error(t *testing.T) {
	repo, mock, cleanup := setupCatalogMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE p.id = $1`)).
		WithArgs(int64(1)).
		WillReturnError(errors.New("query fail"))

	if _, err := repo.FindByID(context.Background(), 1); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestListVisible(t *testing.T) {
	repo, mock, cleanup := setupCatalogMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`pr.role_id = ANY($1)`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(pluginColumns).
			AddRow(pluginRow(1, "a.zip", "1.0", true, "{}", "{}")...).
			AddRow(pluginRow(2, "b.zip", "2.0", false, "{10}", "{}")...))

	plugins, err := repo.ListVisible(context.Background(), []int64{10})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plugins) != 2 || plugins[1].FileName != "b.zip" {
		t.Fatalf("unexpected plugins: %+v", plugins)
	}
	if len(plugins[0].RoleIDs) != 0 {
		t.Errorf("RoleIDs = %v; want empty", plugins[0].RoleIDs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestListAll_QueryError(t *testing.T) {
	repo, mock, cleanup := setupCatalogMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY p.id`)).WillReturnError(errors.New("boom"))

	if _, err := repo.ListAll(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func newPlugin() *models.Plugin {
	return &models.Plugin{
		MD5Sum: "new-sum", FileName: "a.zip", UserID: 1, Name: "A", Version: "2.0",
		Tags: []string{"gis"},
	}
}

func TestUpsert_Insert(t *testing.T) {
	repo, mock, cleanup := setupCatalogMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO plugins (md5_sum, file_name, user_id`)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM plugin_tag WHERE plugin_id = $1`)).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO tags (name) VALUES ($1)`)).
		WithArgs("gis").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO plugin_tag (plugin_id, tag_id, position) VALUES ($1, $2, $3)`)).
		WithArgs(int64(7), int64(3), 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	p := newPlugin()
	id, err := repo.Upsert(context.Background(), p, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 7 || p.ID != 7 {
		t.Errorf("id = %d, p.ID = %d; want 7", id, p.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUpsert_InsertConflict(t *testing.T) {
	repo, mock, cleanup := setupCatalogMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO plugins`).
		WillReturnError(&pq.Error{Code: "23505", Constraint: "plugins_file_name_key"})
	mock.ExpectRollback()

	_, err := repo.Upsert(context.Background(), newPlugin(), "")
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("Upsert error = %v; want %v", err, models.ErrConflict)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUpsert_Update(t *testing.T) {
	repo, mock, cleanup := setupCatalogMock(t)
	defer cleanup()

	p := newPlugin()
	p.ID = 7
	p.Tags = nil

	mock.ExpectBegin()
	args := make([]driver.Value, len(updatableColumns)+2)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	args[0] = "new-sum"
	args[len(args)-2] = int64(7)
	args[len(args)-1] = "old-sum"
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE plugins SET md5_sum = $1, file_name = $2`)).
		WithArgs(args...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM plugin_tag WHERE plugin_id = $1`)).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	id, err := repo.Upsert(context.Background(), p, "old-sum")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 7 {
		t.Errorf("id = %d; want 7", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUpsert_UpdateLostRace(t *testing.T) {
	repo, mock, cleanup := setupCatalogMock(t)
	defer cleanup()

	p := newPlugin()
	p.ID = 7

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE plugins SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := repo.Upsert(context.Background(), p, "old-sum")
	if !errors.Is(err, models.ErrConflict) {
		t.Fatalf("Upsert error = %v; want %v", err, models.ErrConflict)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestUpdateStatementGuardsChecksum(t *testing.T) {
	n := len(updatableColumns)
	want := regexp.MustCompile(`WHERE id = \$24 AND md5_sum = \$25$`)
	if n != 23 || !want.MatchString(updatePlugin) {
		t.Errorf("unexpected update statement for %d columns: %s", n, updatePlugin)
	}
	if got := len(pluginArgs(newPlugin())); got != len(writableColumns) {
		t.Errorf("pluginArgs returned %d values; want %d", got, len(writableColumns))
	}
	if got := len(updateArgs(newPlugin())); got != n {
		t.Errorf("updateArgs returned %d values; want %d", got, n)
	}
}

func TestUpdateStatementKeepsCountersAndAccess(t *testing.T) {
	for _, col := range []string{"downloads", "average_vote", "rating_votes", "public", "trusted", "create_date"} {
		if regexp.MustCompile(`\b` + col + ` = `).MatchString(updatePlugin) {
			t.Errorf("update statement overwrites %s: %s", col, updatePlugin)
		}
	}
}

func TestIncrementDownloads(t *testing.T) {
	repo, mock, cleanup := setupCatalogMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE plugins SET downloads = downloads + 1 WHERE id = $1`)).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.IncrementDownloads(context.Background(), 7); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSetAccess(t *testing.T) {
	repo, mock, cleanup := setupCatalogMock(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE plugins SET public = $1 WHERE id = $2`)).
		WithArgs(false, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM plugin_role WHERE plugin_id = $1`)).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO plugin_role (plugin_id, role_id)`)).
		WithArgs(int64(7), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	if err := repo.SetAccess(context.Background(), 7, false, []int64{1, 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestAddVote(t *testing.T) {
	repo, mock, cleanup := setupCatalogMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`SET average_vote = (average_vote * rating_votes + $1) / (rating_votes + 1)`)).
		WithArgs(4, int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.AddVote(context.Background(), 7, 4); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestDelete(t *testing.T) {
	repo, mock, cleanup := setupCatalogMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM plugins WHERE id = $1`)).
		WithArgs(int64(7)).
		WillReturnError(errors.New("fk violation"))

	if err := repo.Delete(context.Background(), 7); err == nil {
		t.Fatal("expected error, got nil")
	}
}
