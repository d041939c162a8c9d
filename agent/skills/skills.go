// Package skills implements progressive-disclosure capability packs. A skill
// is a directory holding a SKILL.md with YAML front matter plus an optional
// resources/ tree. Discovery loads metadata only; activation loads the body
// and resource listing.
package skills

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"goa.design/agentcore/agent/events"
)

type (
	// Meta is the lightweight skill metadata parsed from SKILL.md front
	// matter during discovery.
	Meta struct {
		// Name is the skill identifier.
		Name string `yaml:"name"`
		// Description tells the model when to use the skill.
		Description string `yaml:"description"`
		// License is an optional license identifier.
		License string `yaml:"license,omitempty"`
		// Compatibility is an optional free-form compatibility note.
		Compatibility string `yaml:"compatibility,omitempty"`
		// AllowedTools restricts the tools available while the skill is
		// active. Empty means no restriction.
		AllowedTools []string `yaml:"allowedTools,omitempty"`
		// Trusted marks the skill as vetted; untrusted skills may be gated by
		// the embedding application.
		Trusted bool `yaml:"trusted,omitempty"`

		// Dir is the skill directory, set by discovery.
		Dir string `yaml:"-"`
	}

	// Skill is a fully activated skill: metadata plus the SKILL.md body and
	// the relative paths of bundled resources.
	Skill struct {
		Meta
		// Body is the SKILL.md content after the front matter.
		Body string
		// Resources lists files under resources/, relative to the skill dir.
		Resources []string
	}

	// Manager discovers and activates skills for one agent. Safe for
	// concurrent use.
	Manager struct {
		mu         sync.Mutex
		paths      []string
		discovered map[string]Meta
		activated  map[string]bool
		emit       func(context.Context, events.Event) events.Bookmark
	}
)

// Activation sources.
const (
	ActivatedByModel  = "model"
	ActivatedByConfig = "config"
	ActivatedByResume = "resume"
)

// NewManager constructs a manager scanning the given search paths. emit
// publishes skill_activated monitor events.
func NewManager(searchPaths []string, emit func(context.Context, events.Event) events.Bookmark) *Manager {
	return &Manager{
		paths:      append([]string(nil), searchPaths...),
		discovered: make(map[string]Meta),
		activated:  make(map[string]bool),
		emit:       emit,
	}
}

// Discover scans the search paths for skill packages and returns their
// metadata sorted by name. Directories without a parseable SKILL.md are
// skipped. Discovery never loads skill bodies.
func (m *Manager) Discover() ([]Meta, error) {
	found := make(map[string]Meta)
	for _, root := range m.paths {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("skills: scan %s: %w", root, err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(root, entry.Name())
			meta, err := readMeta(dir)
			if err != nil {
				continue
			}
			if _, dup := found[meta.Name]; dup {
				continue
			}
			found[meta.Name] = meta
		}
	}
	m.mu.Lock()
	m.discovered = found
	m.mu.Unlock()

	out := make([]Meta, 0, len(found))
	for _, meta := range found {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Discovered returns the metadata from the last Discover call, sorted.
func (m *Manager) Discovered() []Meta {
	m.mu.Lock()
	out := make([]Meta, 0, len(m.discovered))
	for _, meta := range m.discovered {
		out = append(out, meta)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Activate loads the full skill by name, marks it active, and emits
// skill_activated with the given source. Activating an already active skill
// reloads it without re-emitting.
func (m *Manager) Activate(ctx context.Context, name, source string) (*Skill, error) {
	m.mu.Lock()
	meta, ok := m.discovered[name]
	already := m.activated[name]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("skills: unknown skill %q", name)
	}
	skill, err := load(meta)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.activated[name] = true
	m.mu.Unlock()
	if !already && m.emit != nil {
		m.emit(ctx, events.NewSkillActivated(name, source))
	}
	return skill, nil
}

// Activated returns the names of active skills, sorted.
func (m *Manager) Activated() []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.activated))
	for name := range m.activated {
		out = append(out, name)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// RestoreActivated marks the given skills active without emitting events.
// Used on resume to rebuild the persisted activation set.
func (m *Manager) RestoreActivated(names []string) {
	m.mu.Lock()
	for _, name := range names {
		m.activated[name] = true
	}
	m.mu.Unlock()
}

// PromptBlock renders the discovered skills as an XML block for the system
// prompt. Skills in recommended get a recommended="true" attribute. Returns
// "" when nothing was discovered.
func (m *Manager) PromptBlock(recommended []string) string {
	metas := m.Discovered()
	if len(metas) == 0 {
		return ""
	}
	rec := make(map[string]bool, len(recommended))
	for _, name := range recommended {
		rec[name] = true
	}
	var b strings.Builder
	b.WriteString("<available_skills>\n")
	for _, meta := range metas {
		b.WriteString("  <skill name=\"")
		b.WriteString(escape(meta.Name))
		b.WriteString("\"")
		if rec[meta.Name] {
			b.WriteString(" recommended=\"true\"")
		}
		b.WriteString(">")
		b.WriteString(escape(meta.Description))
		b.WriteString("</skill>\n")
	}
	b.WriteString("</available_skills>")
	return b.String()
}

// ActivationBlock renders an activated skill as the XML reminder appended to
// the conversation.
func ActivationBlock(s *Skill) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<activated_skill name=%q>\n", s.Name)
	b.WriteString(s.Body)
	if len(s.Resources) > 0 {
		b.WriteString("\n<resources>\n")
		for _, r := range s.Resources {
			fmt.Fprintf(&b, "  %s\n", r)
		}
		b.WriteString("</resources>")
	}
	b.WriteString("\n</activated_skill>")
	return b.String()
}

func readMeta(dir string) (Meta, error) {
	front, _, err := splitFrontMatter(filepath.Join(dir, "SKILL.md"))
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := yaml.Unmarshal([]byte(front), &meta); err != nil {
		return Meta{}, fmt.Errorf("skills: parse front matter in %s: %w", dir, err)
	}
	if meta.Name == "" {
		return Meta{}, fmt.Errorf("skills: %s declares no name", dir)
	}
	meta.Dir = dir
	return meta, nil
}

func load(meta Meta) (*Skill, error) {
	_, body, err := splitFrontMatter(filepath.Join(meta.Dir, "SKILL.md"))
	if err != nil {
		return nil, err
	}
	skill := &Skill{Meta: meta, Body: strings.TrimSpace(body)}
	resDir := filepath.Join(meta.Dir, "resources")
	if _, err := os.Stat(resDir); err == nil {
		err := filepath.WalkDir(resDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			rel, err := filepath.Rel(meta.Dir, path)
			if err != nil {
				return err
			}
			skill.Resources = append(skill.Resources, filepath.ToSlash(rel))
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("skills: list resources for %q: %w", meta.Name, err)
		}
		sort.Strings(skill.Resources)
	}
	return skill, nil
}

// splitFrontMatter returns the YAML front matter and the body of a SKILL.md
// file. The file must start with a "---" line closed by another "---" line.
func splitFrontMatter(path string) (front, body string, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	content := strings.ReplaceAll(string(raw), "\r\n", "\n")
	if !strings.HasPrefix(content, "---\n") {
		return "", "", fmt.Errorf("skills: %s has no front matter", path)
	}
	rest := content[len("---\n"):]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", fmt.Errorf("skills: %s has unterminated front matter", path)
	}
	front = rest[:idx]
	body = rest[idx+len("\n---"):]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = ""
	}
	return front, body, nil
}

var escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func escape(s string) string { return escaper.Replace(s) }
