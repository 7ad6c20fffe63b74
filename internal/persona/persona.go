package persona

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/stellarlinkco/ragclaw/internal/config"
)

const (
	agentFileName    = "AGENT.md"
	layersFileName   = "layers.yaml"
	messagesFileName = "messages.yaml"
	rolesDirName     = "roles"
)

// Role names looked up under roles/<name>.md.
const (
	RoleTrivial     = "trivial"
	RoleConclusions = "conclusions"
	RoleKeywords    = "keywords"
	RoleClearing    = "clearing"
	RoleMemory      = "memory"
)

// Feature toggles accepted in AGENT.md frontmatter.
const (
	FeatureConclusions     = "conclusions"
	FeaturePermanentMemory = "permanent_memory"
)

var knownFeatures = map[string]bool{
	FeatureConclusions:     true,
	FeaturePermanentMemory: true,
}

type agentFrontmatter struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Features    []string `yaml:"features"`
}

// Messages are the fixed texts an agent sends outside the pipeline.
type Messages struct {
	Start          string `yaml:"start"`
	Manual         string `yaml:"manual"`
	WaitSecond     string `yaml:"wait_second"`
	EmptyMessage   string `yaml:"empty_message"`
	CantGetMessage string `yaml:"cant_get_message"`
}

// Agent is one persona: its layer document, role prompts and system
// messages. It is read-only after loading.
type Agent struct {
	Name        string
	Description string
	Dir         string
	Prompt      string
	Layers      *config.SearchLayerInfo
	Messages    Messages

	features map[string]bool
	roles    map[string]string
}

// NewAgent builds an agent in memory, without files.
func NewAgent(name string, layers *config.SearchLayerInfo, roles map[string]string, features ...string) *Agent {
	a := &Agent{
		Name:     name,
		Layers:   layers,
		features: make(map[string]bool),
		roles:    make(map[string]string),
	}
	for k, v := range roles {
		a.roles[k] = v
	}
	for _, f := range features {
		a.features[f] = true
	}
	return a
}

func (a *Agent) HasFeature(name string) bool {
	return a.features[name]
}

// Role returns the role text, or "" when the agent does not define it.
func (a *Agent) Role(name string) string {
	return a.roles[name]
}

func (a *Agent) Features() []string {
	out := make([]string, 0, len(a.features))
	for f := range a.features {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Registry holds every agent found under the agents directory.
type Registry struct {
	agents map[string]*Agent
	names  []string
}

func (r *Registry) Get(name string) (*Agent, bool) {
	a, ok := r.agents[name]
	return a, ok
}

func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Load reads every <dir>/<agent>/AGENT.md. Directories without AGENT.md are
// skipped; a missing agents directory yields an empty registry.
func Load(dir string) (*Registry, error) {
	reg := &Registry{agents: make(map[string]*Agent)}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return reg, nil
	}

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return reg, nil
		}
		return nil, fmt.Errorf("stat agents dir %q: %w: %w", dir, config.ErrConfigLoad, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("agents path is not a directory: %s: %w", dir, config.ErrConfigLoad)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agents dir %q: %w: %w", dir, config.ErrConfigLoad, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	seen := make(map[string]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		agentDir := filepath.Join(dir, entry.Name())
		if _, err := os.Stat(filepath.Join(agentDir, agentFileName)); errors.Is(err, fs.ErrNotExist) {
			continue
		}

		agent, err := LoadAgent(agentDir)
		if err != nil {
			return nil, err
		}
		if prev, exists := seen[agent.Name]; exists {
			return nil, fmt.Errorf("duplicate agent name %q in %s (already in %s): %w", agent.Name, agentDir, prev, config.ErrConfigLoad)
		}
		seen[agent.Name] = agentDir
		reg.agents[agent.Name] = agent
		reg.names = append(reg.names, agent.Name)
	}
	return reg, nil
}

// LoadAgent reads a single agent directory.
func LoadAgent(dir string) (*Agent, error) {
	agentPath := filepath.Join(dir, agentFileName)
	content, err := os.ReadFile(agentPath)
	if err != nil {
		return nil, fmt.Errorf("read agent %q: %w: %w", agentPath, config.ErrConfigLoad, err)
	}
	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, fmt.Errorf("parse agent %q: %w: %w", agentPath, config.ErrConfigLoad, err)
	}
	name := strings.TrimSpace(meta.Name)
	if name == "" {
		name = filepath.Base(dir)
	}

	layers, err := config.LoadLayers(filepath.Join(dir, layersFileName))
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", name, err)
	}

	agent := &Agent{
		Name:        name,
		Description: strings.TrimSpace(meta.Description),
		Dir:         dir,
		Prompt:      strings.TrimSpace(body),
		Layers:      layers,
		features:    make(map[string]bool),
		roles:       make(map[string]string),
	}
	for _, f := range meta.Features {
		f = strings.ToLower(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if !knownFeatures[f] {
			log.Warnf("[persona] agent %s: ignoring unknown feature %q", name, f)
			continue
		}
		agent.features[f] = true
	}

	if err := agent.loadRoles(filepath.Join(dir, rolesDirName)); err != nil {
		return nil, fmt.Errorf("agent %s: %w", name, err)
	}
	if err := agent.loadMessages(filepath.Join(dir, messagesFileName)); err != nil {
		return nil, fmt.Errorf("agent %s: %w", name, err)
	}
	if err := agent.validate(); err != nil {
		return nil, fmt.Errorf("agent %s: %w: %w", name, config.ErrConfigLoad, err)
	}
	return agent, nil
}

func (a *Agent) loadRoles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read roles dir: %w: %w", config.ErrConfigLoad, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read role %s: %w: %w", entry.Name(), config.ErrConfigLoad, err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		a.roles[strings.TrimSuffix(entry.Name(), ".md")] = text
	}
	return nil
}

func (a *Agent) loadMessages(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read messages: %w: %w", config.ErrConfigLoad, err)
	}
	if err := yaml.Unmarshal(data, &a.Messages); err != nil {
		return fmt.Errorf("parse messages: %w: %w", config.ErrConfigLoad, err)
	}
	return nil
}

func (a *Agent) validate() error {
	if a.Role(RoleTrivial) == "" {
		return fmt.Errorf("missing roles/%s.md", RoleTrivial)
	}
	if a.HasFeature(FeatureConclusions) && a.Role(RoleKeywords) == "" {
		return fmt.Errorf("feature %s requires roles/%s.md", FeatureConclusions, RoleKeywords)
	}
	if a.HasFeature(FeaturePermanentMemory) && a.Role(RoleConclusions) == "" {
		return fmt.Errorf("feature %s requires roles/%s.md", FeaturePermanentMemory, RoleConclusions)
	}
	return nil
}

func parseFrontmatter(content []byte) (agentFrontmatter, string, error) {
	text := strings.TrimPrefix(string(content), "\uFEFF")
	lines := strings.Split(text, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return agentFrontmatter{}, "", errors.New("missing YAML frontmatter")
	}

	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			end = i
			break
		}
	}
	if end == -1 {
		return agentFrontmatter{}, "", errors.New("missing closing frontmatter separator")
	}

	var meta agentFrontmatter
	if err := yaml.Unmarshal([]byte(strings.Join(lines[1:end], "\n")), &meta); err != nil {
		return agentFrontmatter{}, "", fmt.Errorf("invalid frontmatter: %w", err)
	}
	return meta, strings.Join(lines[end+1:], "\n"), nil
}
