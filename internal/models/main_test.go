package models

import "testing"

func TestPlugin_VisibleTo(t *testing.T) {
	tests := []struct {
		name      string
		plugin    Plugin
		principal *Principal
		want      bool
	}{
		{
			name:      "private plugin hidden from anonymous",
			plugin:    Plugin{Public: false},
			principal: Anonymous,
			want:      false,
		},
		{
			name:      "public plugin visible to anonymous",
			plugin:    Plugin{Public: true},
			principal: Anonymous,
			want:      true,
		},
		{
			name:      "private plugin visible to superuser",
			plugin:    Plugin{},
			principal: &Principal{UserID: 1, Superuser: true},
			want:      true,
		},
		{
			name:      "role intersection",
			plugin:    Plugin{RoleIDs: []int64{3, 4}},
			principal: &Principal{UserID: 2, RoleIDs: []int64{1, 4}},
			want:      true,
		},
		{
			name:      "disjoint roles",
			plugin:    Plugin{RoleIDs: []int64{3}},
			principal: &Principal{UserID: 2, RoleIDs: []int64{1, 2}},
			want:      false,
		},
		{
			name:      "user without roles",
			plugin:    Plugin{RoleIDs: []int64{3}},
			principal: &Principal{UserID: 2},
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.plugin.VisibleTo(tt.principal); got != tt.want {
				t.Errorf("VisibleTo() = %v; want %v", got, tt.want)
			}
		})
	}
}

func TestPrincipalFromUser(t *testing.T) {
	u := &User{ID: 7, Name: "alice", Superuser: true, RoleIDs: []int64{1}}
	p := PrincipalFromUser(u)
	if p.IsAnonymous() {
		t.Fatal("expected authenticated principal")
	}
	if p.Name != "alice" || !p.Superuser || len(p.RoleIDs) != 1 {
		t.Errorf("unexpected principal: %+v", p)
	}
	u.RoleIDs[0] = 99
	if p.RoleIDs[0] != 1 {
		t.Error("principal must not share the role slice with the user")
	}
}
