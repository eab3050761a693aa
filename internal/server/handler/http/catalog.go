package http

import (
	"context"
	"encoding/xml"
	"html/template"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/atinyakov/PluginRepo/internal/middleware"
	"github.com/atinyakov/PluginRepo/internal/models"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// CatalogService defines the catalog operations required by the CatalogHandler.
type CatalogService interface {
	List(ctx context.Context, p *models.Principal, qgisVersion string) ([]models.Plugin, error)
	Download(ctx context.Context, p *models.Principal, fileName string) (*models.Plugin, afero.File, error)
	CountDownload(ctx context.Context, pl *models.Plugin) error
	Icon(ctx context.Context, p *models.Principal, fileName string) (afero.File, error)
	Delete(ctx context.Context, p *models.Principal, id int64) error
	SetAccess(ctx context.Context, p *models.Principal, id int64, public bool, roleIDs []int64) error
	Vote(ctx context.Context, p *models.Principal, id int64, vote int) error
}

// CatalogHandler serves the plugin feed, the listing page, downloads and
// icons, and the plugin administration endpoints.
type CatalogHandler struct {
	Service CatalogService
	// BaseURL is the external address used in download links. When empty
	// the address is derived from the request Host, which the client
	// controls.
	BaseURL string
	// TrustProxy lets X-Forwarded-Proto pick the derived scheme.
	TrustProxy bool
	Log     *zap.Logger
}

const feedTimeLayout = "2006-01-02 15:04:05"

// pyBool renders booleans the way QGIS clients expect them.
type pyBool bool

func (b pyBool) MarshalText() ([]byte, error) {
	if b {
		return []byte("True"), nil
	}
	return []byte("False"), nil
}

type feed struct {
	XMLName xml.Name      `xml:"plugins"`
	Plugins []feedElement `xml:"pyqgis_plugin"`
}

type feedElement struct {
	NameAttr    string `xml:"name,attr"`
	VersionAttr string `xml:"version,attr"`

	ID                   int64  `xml:"id"`
	MD5Sum               string `xml:"md5_sum"`
	FileName             string `xml:"file_name"`
	UploadedBy           string `xml:"uploaded_by"`
	CreateDate           string `xml:"create_date"`
	UpdateDate           string `xml:"update_date"`
	Public               pyBool `xml:"public"`
	Trusted              pyBool `xml:"trusted"`
	AverageVote          string `xml:"average_vote"`
	RatingVotes          int64  `xml:"rating_votes"`
	Downloads            int64  `xml:"downloads"`
	Name                 string `xml:"name"`
	QGISMinimumVersion   string `xml:"qgis_minimum_version"`
	QGISMaximumVersion   string `xml:"qgis_maximum_version"`
	Description          string `xml:"description"`
	About                string `xml:"about"`
	Version              string `xml:"version"`
	Author               string `xml:"author"`
	AuthorName           string `xml:"author_name"`
	Email                string `xml:"email"`
	Repository           string `xml:"repository"`
	Homepage             string `xml:"homepage"`
	Tracker              string `xml:"tracker"`
	Changelog            string `xml:"changelog"`
	Experimental         pyBool `xml:"experimental"`
	Deprecated           pyBool `xml:"deprecated"`
	Icon                 string `xml:"icon"`
	ExternalDependencies string `xml:"external_dependencies"`
	Server               pyBool `xml:"server"`
	HasProcessing        pyBool `xml:"hasprocessingprovider"`
	Category             string `xml:"category"`
	DownloadURL          string `xml:"download_url"`
	Tags                 string `xml:"tags"`
}

func toFeedElement(p *models.Plugin, base string) feedElement {
	icon := p.Icon
	if icon != "" && strings.HasPrefix(icon, "/") {
		icon = base + icon
	}
	return feedElement{
		NameAttr:             p.Name,
		VersionAttr:          p.Version,
		ID:                   p.ID,
		MD5Sum:               p.MD5Sum,
		FileName:             p.FileName,
		UploadedBy:           p.UploadedBy,
		CreateDate:           p.CreateDate.UTC().Format(feedTimeLayout),
		UpdateDate:           p.UpdateDate.UTC().Format(feedTimeLayout),
		Public:               pyBool(p.Public),
		Trusted:              pyBool(p.Trusted),
		AverageVote:          strconv.FormatFloat(p.AverageVotes, 'f', -1, 64),
		RatingVotes:          p.RatingVotes,
		Downloads:            p.Downloads,
		Name:                 p.Name,
		QGISMinimumVersion:   p.QGISMinimumVersion,
		QGISMaximumVersion:   p.QGISMaximumVersion,
		Description:          p.Description,
		About:                p.About,
		Version:              p.Version,
		Author:               p.Author,
		AuthorName:           p.Author,
		Email:                p.Email,
		Repository:           p.Repository,
		Homepage:             p.Homepage,
		Tracker:              p.Tracker,
		Changelog:            p.Changelog,
		Experimental:         pyBool(p.Experimental),
		Deprecated:           pyBool(p.Deprecated),
		Icon:                 icon,
		ExternalDependencies: p.PluginDependencies,
		Server:               pyBool(p.Server),
		HasProcessing:        pyBool(p.HasProcessingProvider),
		Category:             p.Category,
		DownloadURL:          downloadURL(base, p.FileName),
		Tags:                 strings.Join(p.Tags, ","),
	}
}

func downloadURL(base, fileName string) string {
	return base + "/download/" + url.PathEscape(fileName)
}

// baseURL returns the configured external address or one derived from r.
func (h *CatalogHandler) baseURL(r *http.Request) string {
	if h.BaseURL != "" {
		return strings.TrimSuffix(h.BaseURL, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if h.TrustProxy {
		if fwd := strings.ToLower(r.Header.Get("X-Forwarded-Proto")); fwd == "http" || fwd == "https" {
			scheme = fwd
		}
	}
	return scheme + "://" + r.Host
}

// PluginsXML handles GET /plugins.xml. The optional qgis query parameter
// limits the feed to plugins compatible with that QGIS version.
func (h *CatalogHandler) PluginsXML(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())
	plugins, err := h.Service.List(r.Context(), p, r.URL.Query().Get("qgis"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	base := h.baseURL(r)
	out := feed{Plugins: make([]feedElement, 0, len(plugins))}
	for i := range plugins {
		out.Plugins = append(out.Plugins, toFeedElement(&plugins[i], base))
	}

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write([]byte(xml.Header))
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(out); err != nil {
		h.Log.Error("encoding plugin feed failed", zap.Error(err))
	}
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>QGIS plugin repository</title></head>
<body>
<h1>QGIS plugin repository</h1>
{{if .User}}<p>Signed in as {{.User}}</p>{{end}}
<p>Add <code>{{.FeedURL}}</code> as a plugin repository in QGIS.</p>
<table>
<tr><th>Name</th><th>Version</th><th>QGIS</th><th>Description</th><th>Author</th><th>Downloads</th><th>Tags</th>{{if .Admin}}<th>Public</th>{{end}}</tr>
{{range .Plugins}}<tr>
<td>{{if .Icon}}<img src="{{.Icon}}" alt="" width="24" height="24"> {{end}}<a href="{{.DownloadURL}}">{{.Name}}</a></td>
<td>{{.Version}}{{if .Experimental}} (experimental){{end}}</td>
<td>{{.QGISMinimumVersion}} - {{.QGISMaximumVersion}}</td>
<td>{{.Description}}</td>
<td>{{.Author}}</td>
<td>{{.Downloads}}</td>
<td>{{.Tags}}</td>
{{if $.Admin}}<td>{{.Public}}</td>{{end}}
</tr>{{end}}
</table>
</body>
</html>
`))

type indexPage struct {
	User    string
	Admin   bool
	FeedURL string
	Plugins []feedElement
}

// Index handles GET / with an HTML listing of the visible plugins.
func (h *CatalogHandler) Index(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())
	plugins, err := h.Service.List(r.Context(), p, r.URL.Query().Get("qgis"))
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	base := h.baseURL(r)
	page := indexPage{FeedURL: base + "/plugins.xml"}
	if !p.IsAnonymous() {
		page.User = p.Name
		page.Admin = p.Superuser
	}
	for i := range plugins {
		page.Plugins = append(page.Plugins, toFeedElement(&plugins[i], base))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, page); err != nil {
		h.Log.Error("rendering index failed", zap.Error(err))
	}
}

// Download handles GET /download/{filename}.
func (h *CatalogHandler) Download(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())
	name := chi.URLParam(r, "filename")

	pl, f, err := h.Service.Download(r.Context(), p, name)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+pl.FileName+`"`)
	ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
	http.ServeContent(ww, r, pl.FileName, modTime(f, pl.UpdateDate), f)

	// 304, 206 and HEAD responses are not downloads.
	if r.Method != http.MethodGet || ww.Status() != http.StatusOK {
		return
	}
	if err := h.Service.CountDownload(r.Context(), pl); err != nil {
		h.Log.Error("counting download failed", zap.String("file_name", pl.FileName), zap.Error(err))
	}
}

// Icon handles GET /icons/{filename}.
func (h *CatalogHandler) Icon(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())
	name := chi.URLParam(r, "filename")

	f, err := h.Service.Icon(r.Context(), p, name)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}
	defer f.Close()

	http.ServeContent(w, r, name, modTime(f, time.Time{}), f)
}

func modTime(f afero.File, fallback time.Time) time.Time {
	if fi, err := f.Stat(); err == nil {
		return fi.ModTime()
	}
	return fallback
}
