// Package models defines the core data structures for plugins, tags,
// users, roles and the authenticated principal.
package models

import (
	"slices"
	"time"
)

// Plugin is a single versioned plugin record in the catalog.
type Plugin struct {
	// ID is the unique identifier for the plugin.
	ID int64 `json:"id"`
	// MD5Sum is the hex encoded checksum of the stored archive.
	MD5Sum string `json:"md5_sum"`
	// FileName is the canonical archive name and the on-disk key.
	FileName string `json:"file_name"`
	// UserID references the user that uploaded the current version.
	UserID int64 `json:"user_id"`
	// UploadedBy is the display name of UserID, filled on reads.
	UploadedBy string `json:"uploaded_by"`
	// CreateDate is set when the plugin is first ingested.
	CreateDate time.Time `json:"create_date"`
	// UpdateDate is refreshed on every accepted re-upload or edit.
	UpdateDate time.Time `json:"update_date"`

	Public       bool    `json:"public"`
	Trusted      bool    `json:"trusted"`
	AverageVotes float64 `json:"average_votes"`
	RatingVotes  int64   `json:"rating_votes"`
	Downloads    int64   `json:"downloads"`

	// Values from metadata.txt.
	Name                  string `json:"name"`
	QGISMinimumVersion    string `json:"qgis_minimum_version"`
	QGISMaximumVersion    string `json:"qgis_maximum_version"`
	Description           string `json:"description"`
	About                 string `json:"about"`
	Version               string `json:"version"`
	Author                string `json:"author"`
	Email                 string `json:"email"`
	Repository            string `json:"repository"`
	Homepage              string `json:"homepage"`
	Tracker               string `json:"tracker"`
	Changelog             string `json:"changelog"`
	Experimental          bool   `json:"experimental"`
	Deprecated            bool   `json:"deprecated"`
	Icon                  string `json:"icon"`
	PluginDependencies    string `json:"plugin_dependencies"`
	Server                bool   `json:"server"`
	HasProcessingProvider bool   `json:"hasprocessingprovider"`
	Category              string `json:"category"`

	// RoleIDs lists the roles allowed to see a non-public plugin.
	RoleIDs []int64 `json:"role_ids"`
	// Tags holds the tag names attached to the plugin.
	Tags []string `json:"tags"`
}

// VisibleTo reports whether p may see the plugin: the plugin is public,
// the principal is a superuser, or the role sets intersect.
func (pl *Plugin) VisibleTo(p *Principal) bool {
	if pl.Public {
		return true
	}
	if p.IsAnonymous() {
		return false
	}
	if p.Superuser {
		return true
	}
	for _, id := range pl.RoleIDs {
		if slices.Contains(p.RoleIDs, id) {
			return true
		}
	}
	return false
}

// Tag is a classification label shared across plugins.
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Role is a coarse-grained authorization group.
type Role struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// User represents an account allowed to log in.
type User struct {
	// ID is the unique identifier for the user.
	ID int64
	// Name is the login name of the user.
	Name string
	// PasswordHash is the bcrypt hash of the user's password.
	PasswordHash []byte
	// Superuser grants upload and administration rights.
	Superuser bool
	// RoleIDs lists the roles the user belongs to.
	RoleIDs []int64
}

// Principal is the caller a request is executed on behalf of.
// A nil *Principal is the anonymous caller.
type Principal struct {
	UserID    int64
	Name      string
	Superuser bool
	RoleIDs   []int64
}

// Anonymous is the principal used for unauthenticated requests.
var Anonymous *Principal

// IsAnonymous reports whether p is the unauthenticated caller.
func (p *Principal) IsAnonymous() bool {
	return p == nil || p.UserID == 0
}

// PrincipalFromUser builds the principal for an authenticated user.
func PrincipalFromUser(u *User) *Principal {
	return &Principal{
		UserID:    u.ID,
		Name:      u.Name,
		Superuser: u.Superuser,
		RoleIDs:   slices.Clone(u.RoleIDs),
	}
}
