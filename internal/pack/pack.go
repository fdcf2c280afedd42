// Package pack loads methodology packs: bundles of prompt templates plus a
// manifest that seed a pipeline run. A pack lives in .auto/packs/<name>/ with
// a pack.yaml and a prompts/ directory of markdown templates. The bmad pack
// ships embedded in the binary and is used directly when no project copy
// exists, so a bare `auto run` works without any scaffolding.
package pack

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/auto/internal/conflict"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
)

//go:embed builtin
var builtinFS embed.FS

// ManifestFileName is the pack manifest file inside a pack directory.
const ManifestFileName = "pack.yaml"

// Manifest describes a pack's identity and project defaults.
type Manifest struct {
	Name          string          `yaml:"name"`
	Version       string          `yaml:"version,omitempty"`
	Description   string          `yaml:"description,omitempty"`
	ConflictRules []conflict.Rule `yaml:"conflict_rules,omitempty"`
}

// Pack is a loaded methodology pack with its prompt templates resolved.
type Pack struct {
	Manifest Manifest

	// templates maps template name to markdown body. Names are paths
	// relative to prompts/ with the .md extension stripped, so a flat
	// pack exposes "dev-story" and a nested variant "strict/code-review".
	templates map[string]string
}

// Load resolves a pack by name. A project copy under .auto/packs/<name>/
// (relative to projectDir) shadows the embedded builtin of the same name.
func Load(projectDir, name string) (*Pack, error) {
	dir := filepath.Join(projectDir, ".auto", "packs", name)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return LoadDir(dir)
	}

	sub, err := fs.Sub(builtinFS, "builtin/"+name)
	if err != nil {
		return nil, autoerrors.ErrPackNotFound(name)
	}
	p, err := loadFS(sub, name)
	if err != nil {
		if _, statErr := fs.Stat(sub, ManifestFileName); statErr != nil {
			return nil, autoerrors.ErrPackNotFound(name)
		}
		return nil, err
	}
	return p, nil
}

// LoadDir loads a pack from an explicit directory on disk.
func LoadDir(dir string) (*Pack, error) {
	return loadFS(os.DirFS(dir), filepath.Base(dir))
}

func loadFS(fsys fs.FS, name string) (*Pack, error) {
	raw, err := fs.ReadFile(fsys, ManifestFileName)
	if err != nil {
		return nil, autoerrors.ErrPackNotFound(name)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, autoerrors.ErrConfigInvalid(fmt.Sprintf("pack '%s'", name), fmt.Sprintf("invalid %s: %v", ManifestFileName, err)).WithCause(err)
	}
	if m.Name == "" {
		m.Name = name
	}

	matches, err := doublestar.Glob(fsys, "prompts/**/*.md")
	if err != nil {
		return nil, autoerrors.Wrap(err, fmt.Sprintf("scanning prompts for pack '%s'", name))
	}

	templates := make(map[string]string, len(matches))
	for _, match := range matches {
		body, err := fs.ReadFile(fsys, match)
		if err != nil {
			return nil, autoerrors.Wrap(err, fmt.Sprintf("reading template %s", match))
		}
		key := strings.TrimSuffix(strings.TrimPrefix(match, "prompts/"), ".md")
		templates[key] = string(body)
	}

	return &Pack{Manifest: m, templates: templates}, nil
}

// Template returns the markdown body of a prompt template by name.
func (p *Pack) Template(name string) (string, error) {
	body, ok := p.templates[name]
	if !ok {
		return "", autoerrors.ErrTemplateNotFound(p.Manifest.Name, name)
	}
	return body, nil
}

// HasTemplate reports whether the pack carries a template by that name.
func (p *Pack) HasTemplate(name string) bool {
	_, ok := p.templates[name]
	return ok
}

// Templates lists the pack's template names in sorted order.
func (p *Pack) Templates() []string {
	names := make([]string, 0, len(p.templates))
	for name := range p.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Builtin reports whether an embedded pack with the given name exists.
func Builtin(name string) bool {
	_, err := fs.Stat(builtinFS, "builtin/"+name+"/"+ManifestFileName)
	return err == nil
}

// Scaffold copies an embedded pack into destDir so a project can edit its
// templates. Existing files are left alone unless force is set.
func Scaffold(name, destDir string, force bool) error {
	root := "builtin/" + name
	if _, err := fs.Stat(builtinFS, root+"/"+ManifestFileName); err != nil {
		return autoerrors.ErrPackNotFound(name)
	}

	return fs.WalkDir(builtinFS, root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(path, root), "/")
		target := filepath.Join(destDir, filepath.FromSlash(rel))
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !force {
			if _, err := os.Stat(target); err == nil {
				return nil
			}
		}
		data, err := builtinFS.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}
