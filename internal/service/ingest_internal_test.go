package service

import (
	"testing"

	"github.com/atinyakov/PluginRepo/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestParseTags(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{raw: "", want: nil},
		{raw: "gis", want: []string{"gis"}},
		{raw: " gis , raster,,gis ", want: []string{"gis", "raster"}},
		{raw: ",,", want: nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseTags(tt.raw), "parseTags(%q)", tt.raw)
	}
}

func TestApplyMetadata(t *testing.T) {
	p := &models.Plugin{Public: true}
	applyMetadata(p, map[string]string{
		"name":                  " Plugin ",
		"version":               "1.2",
		"qgisminimumversion":    "3.4",
		"experimental":          "True",
		"deprecated":            "no",
		"server":                "1",
		"hasprocessingprovider": "yes please",
		"public":                "False",
		"trusted":               "True",
		"plugin_dependencies":   "numpy",
	})

	assert.Equal(t, "Plugin", p.Name)
	assert.Equal(t, "1.2", p.Version)
	assert.Equal(t, "3.99", p.QGISMaximumVersion)
	assert.True(t, p.Experimental)
	assert.False(t, p.Deprecated)
	assert.True(t, p.Server)
	assert.False(t, p.HasProcessingProvider, "unrecognised boolean text is false")
	assert.True(t, p.Public, "visibility is not taken from metadata")
	assert.False(t, p.Trusted, "trust is not taken from metadata")
	assert.Equal(t, "numpy", p.PluginDependencies)
}

func TestApplyMetadata_KeepsDeclaredMaximum(t *testing.T) {
	p := &models.Plugin{}
	applyMetadata(p, map[string]string{"qgisminimumversion": "3.4", "qgismaximumversion": "3.28"})
	assert.Equal(t, "3.28", p.QGISMaximumVersion)
}
