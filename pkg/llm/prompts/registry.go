// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package prompts keeps versioned prompt templates and their content hashes.
// The hash of the current version is stamped on llm.invoke events, so an
// edit to a prompt that skips a version bump shows up as a hash change
// across recorded events.
package prompts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	auditerrors "github.com/tombee/auditflow/pkg/errors"
)

// HashLength is the number of hex characters kept from the SHA-256 digest.
const HashLength = 16

// Version is one revision of a prompt.
type Version struct {
	Version   string `json:"version"`
	Content   string `json:"content"`
	Changelog string `json:"changelog,omitempty"`
	Hash      string `json:"hash"`
}

// Render substitutes {name} placeholders in the content.
func (v Version) Render(vars map[string]string) string {
	if len(vars) == 0 {
		return v.Content
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, val := range vars {
		pairs = append(pairs, "{"+k+"}", val)
	}
	return strings.NewReplacer(pairs...).Replace(v.Content)
}

// Summary describes a registered prompt.
type Summary struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	CurrentVersion string   `json:"current_version"`
	CurrentHash    string   `json:"current_hash"`
	Versions       []string `json:"versions"`
}

type entry struct {
	description string
	current     string
	versions    map[string]Version
}

// Registry is a concurrency-safe set of versioned prompts.
type Registry struct {
	mu      sync.RWMutex
	prompts map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{prompts: make(map[string]*entry)}
}

// Hash returns the content hash of a prompt body. Surrounding whitespace is
// ignored.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(content)))
	return hex.EncodeToString(sum[:])[:HashLength]
}

// Register adds a version of name and makes it current.
func (r *Registry) Register(name, version, content, changelog string) (Version, error) {
	if name == "" {
		return Version{}, &auditerrors.ValidationError{Field: "name", Message: "prompt name is required"}
	}
	if version == "" {
		return Version{}, &auditerrors.ValidationError{Field: "version", Message: fmt.Sprintf("prompt %s: version is required", name)}
	}
	v := newVersion(version, content, changelog)

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.prompts[name]
	if !ok {
		e = &entry{versions: make(map[string]Version)}
		r.prompts[name] = e
	}
	e.versions[version] = v
	e.current = version
	return v, nil
}

// fileEntry is the on-disk form of one prompt.
type fileEntry struct {
	Description    string `yaml:"description"`
	CurrentVersion string `yaml:"current_version"`
	Versions       map[string]struct {
		Content   string `yaml:"content"`
		Changelog string `yaml:"changelog"`
	} `yaml:"versions"`
}

// LoadFile merges a YAML registry file. Each top-level key is a prompt name
// with a current_version and a map of versions. A prompt in the file
// replaces any registered prompt with the same name.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return r.LoadYAML(data)
}

// LoadYAML is LoadFile for an in-memory document.
func (r *Registry) LoadYAML(data []byte) error {
	var doc map[string]fileEntry
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse prompt registry: %w", err)
	}
	if len(doc) == 0 {
		return fmt.Errorf("prompt registry is empty")
	}

	loaded := make(map[string]*entry, len(doc))
	for name, fe := range doc {
		if len(fe.Versions) == 0 {
			return fmt.Errorf("prompt %s: no versions", name)
		}
		e := &entry{
			description: fe.Description,
			current:     fe.CurrentVersion,
			versions:    make(map[string]Version, len(fe.Versions)),
		}
		for ver, body := range fe.Versions {
			e.versions[ver] = newVersion(ver, body.Content, body.Changelog)
		}
		if _, ok := e.versions[e.current]; !ok {
			return fmt.Errorf("prompt %s: current_version %q is not among versions %v", name, e.current, sortedKeys(e.versions))
		}
		loaded[name] = e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range loaded {
		r.prompts[name] = e
	}
	return nil
}

// Get returns the current version of name.
func (r *Registry) Get(name string) (Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.prompts[name]
	if !ok {
		return Version{}, &auditerrors.NotFoundError{Resource: "prompt", ID: name}
	}
	return e.versions[e.current], nil
}

// GetVersion returns a specific version of name, for replaying old traces.
func (r *Registry) GetVersion(name, version string) (Version, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.prompts[name]
	if !ok {
		return Version{}, &auditerrors.NotFoundError{Resource: "prompt", ID: name}
	}
	v, ok := e.versions[version]
	if !ok {
		return Version{}, &auditerrors.NotFoundError{Resource: "prompt version", ID: name + "@" + version}
	}
	return v, nil
}

// CurrentVersions maps every prompt name to its current version.
func (r *Registry) CurrentVersions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.prompts))
	for name, e := range r.prompts {
		out[name] = e.current
	}
	return out
}

// List returns every prompt sorted by name.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	out := make([]Summary, 0, len(r.prompts))
	for name, e := range r.prompts {
		out = append(out, Summary{
			Name:           name,
			Description:    e.description,
			CurrentVersion: e.current,
			CurrentHash:    e.versions[e.current].Hash,
			Versions:       sortedKeys(e.versions),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func newVersion(version, content, changelog string) Version {
	content = strings.TrimSpace(content)
	return Version{Version: version, Content: content, Changelog: changelog, Hash: Hash(content)}
}

func sortedKeys(m map[string]Version) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
