// Package archive opens uploaded plugin archives and extracts the
// metadata.txt descriptor embedded in them.
package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"gopkg.in/ini.v1"
)

// MetadataFileName is the descriptor every plugin archive must carry.
const MetadataFileName = "metadata.txt"

const (
	// maxMetadataSize caps how much of metadata.txt is decompressed.
	maxMetadataSize = 1 << 20
	// maxAssetSize caps side artifacts such as icons.
	maxAssetSize = 5 << 20
)

var (
	// ErrCorruptArchive is returned when the upload is not a readable zip.
	ErrCorruptArchive = errors.New("broken zip file")
	// ErrMissingMetadata is returned when the archive holds no or several
	// metadata.txt candidates.
	ErrMissingMetadata = errors.New("missing metadata.txt")
	// ErrInvalidMetadata is returned when metadata.txt cannot be parsed or
	// lacks a mandatory key.
	ErrInvalidMetadata = errors.New("invalid metadata.txt file")
	// ErrEntryNotFound is returned by ReadFile for absent entries.
	ErrEntryNotFound = errors.New("archive entry not found")
	// ErrEntryTooLarge is returned when an entry exceeds its size cap.
	ErrEntryTooLarge = errors.New("archive entry too large")
)

// Metadata is the normalized content of a plugin's metadata.txt.
type Metadata struct {
	// Fields holds every key of the [general] section, keys lower-cased.
	Fields map[string]string
	// FileName is the canonical archive name, e.g. "my_plugin.zip".
	FileName string
	// Dir is the archive directory holding metadata.txt, "" for the root.
	Dir string

	entries map[string]*zip.File
}

// Name returns the declared plugin name.
func (m *Metadata) Name() string { return m.Fields["name"] }

// Version returns the declared plugin version.
func (m *Metadata) Version() string { return m.Fields["version"] }

// Stem returns the canonical file name without its .zip suffix.
func (m *Metadata) Stem() string {
	return strings.TrimSuffix(m.FileName, path.Ext(m.FileName))
}

// ReadFile returns the content of the entry rel, resolved relative to the
// directory holding metadata.txt.
func (m *Metadata) ReadFile(rel string) ([]byte, error) {
	name := path.Clean(path.Join(m.Dir, normalize(rel)))
	f, ok := m.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, name)
	}
	return readEntry(f, maxAssetSize)
}

// Extract opens data as a zip archive, locates its single metadata.txt and
// parses the [general] section.
func Extract(data []byte) (*Metadata, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptArchive, err)
	}

	entries := make(map[string]*zip.File, len(zr.File))
	var candidates []string
	for _, f := range zr.File {
		name := normalize(f.Name)
		if strings.HasSuffix(name, "/") {
			continue
		}
		entries[name] = f
		if isMetadataEntry(name) {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) != 1 {
		return nil, fmt.Errorf("%w: found %d candidates", ErrMissingMetadata, len(candidates))
	}
	entry := candidates[0]

	raw, err := readEntry(entries[entry], maxMetadataSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	fields, err := parseGeneral(raw)
	if err != nil {
		return nil, err
	}

	dir := path.Dir(entry)
	if dir == "." {
		dir = ""
	}
	fileName := canonicalName(dir, fields["name"])
	if err := checkFileName(fileName); err != nil {
		return nil, err
	}
	return &Metadata{
		Fields:   fields,
		FileName: fileName,
		Dir:      dir,
		entries:  entries,
	}, nil
}

// tempPrefix marks in-flight files in the archive directory.
const tempPrefix = ".tmp-"

// checkFileName rejects canonical names that cannot be stored as a single
// file in the archive directory.
func checkFileName(name string) error {
	switch {
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w: plugin name %q contains a path separator", ErrInvalidMetadata, name)
	case strings.Trim(strings.TrimSuffix(name, ".zip"), ".") == "":
		return fmt.Errorf("%w: plugin name %q is empty", ErrInvalidMetadata, name)
	case strings.HasPrefix(name, tempPrefix):
		return fmt.Errorf("%w: plugin name %q is reserved", ErrInvalidMetadata, name)
	}
	return nil
}

// isMetadataEntry matches metadata.txt at the root or one directory deep.
func isMetadataEntry(name string) bool {
	if path.Base(name) != MetadataFileName {
		return false
	}
	dir := path.Dir(name)
	return dir == "." || !strings.Contains(dir, "/")
}

func parseGeneral(raw []byte) (map[string]string, error) {
	cfg, err := ini.LoadSources(ini.LoadOptions{
		InsensitiveKeys:            true,
		IgnoreInlineComment:        true,
		AllowPythonMultilineValues: true,
	}, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	sec, err := cfg.GetSection("general")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}

	fields := make(map[string]string, len(sec.Keys()))
	for _, k := range sec.Keys() {
		fields[k.Name()] = k.Value()
	}
	for _, key := range []string{"name", "version"} {
		if strings.TrimSpace(fields[key]) == "" {
			return nil, fmt.Errorf("%w: missing %q", ErrInvalidMetadata, key)
		}
	}
	return fields, nil
}

// canonicalName derives the stable identity of a plugin. The directory
// wins over the declared name so renamed plugins keep their identity.
func canonicalName(dir, name string) string {
	if dir != "" {
		return dir + ".zip"
	}
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer(" ", "_", "-", "_").Replace(n)
	return n + ".zip"
}

func readEntry(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s", ErrEntryTooLarge, f.Name)
	}
	return data, nil
}

func normalize(name string) string {
	return strings.TrimPrefix(strings.ReplaceAll(name, "\\", "/"), "./")
}
