package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultInfoCadence1 = 4
	DefaultInfoCadence2 = 6
	DefaultLayerTokens  = 512
)

// ParamKind selects which piece of turn state fills one slot of a layer's
// user message.
type ParamKind int

const (
	ParamHistory ParamKind = iota + 1
	ParamUserPrompt
	ParamRephrasedPrompt
	ParamDBSearch
)

var paramKindNames = map[ParamKind]string{
	ParamHistory:         "History",
	ParamUserPrompt:      "UserPrompt",
	ParamRephrasedPrompt: "RephrasedPrompt",
	ParamDBSearch:        "DbSearch",
}

// ParseParamKind accepts the canonical names case-insensitively, their
// snake_case forms and the legacy "Promt" spellings found in older layer files.
func ParseParamKind(s string) (ParamKind, error) {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	switch key {
	case "history":
		return ParamHistory, nil
	case "userprompt", "userpromt":
		return ParamUserPrompt, nil
	case "rephrasedprompt", "rephrasedpromt":
		return ParamRephrasedPrompt, nil
	case "dbsearch":
		return ParamDBSearch, nil
	}
	return 0, fmt.Errorf("unknown param_type %q", s)
}

func (k ParamKind) String() string {
	if name, ok := paramKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ParamKind(%d)", int(k))
}

func (k *ParamKind) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseParamKind(raw)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

func (k ParamKind) MarshalYAML() (any, error) {
	return k.String(), nil
}

type UserRoleParam struct {
	Kind  ParamKind `yaml:"param_type"`
	Label string    `yaml:"label"`
}

type CollectionParam struct {
	Name         string `yaml:"name"`
	VectorsLimit int    `yaml:"vectors_limit"`
	TokenLimit   int    `yaml:"token_limit"`
}

type Layer struct {
	Index            int               `yaml:"index"`
	SystemRoleText   string            `yaml:"system_role_text"`
	UserRoleParams   []UserRoleParam   `yaml:"user_role_params"`
	Temperature      float64           `yaml:"temperature"`
	MaxTokens        int               `yaml:"max_tokens"`
	TokenLimit       int               `yaml:"token_limit,omitempty"`
	CollectionParams []CollectionParam `yaml:"collection_params,omitempty"`
	IsSearchLayer    bool              `yaml:"is_search_layer"`
}

// SearchTokenLimit is the ceiling applied to a search layer's concatenated
// retrieval text: the layer-wide limit when set, else the sum of the
// per-collection limits.
func (l Layer) SearchTokenLimit() int {
	if l.TokenLimit > 0 {
		return l.TokenLimit
	}
	total := 0
	for _, c := range l.CollectionParams {
		total += c.TokenLimit
	}
	if total <= 0 {
		return DefaultLayerTokens
	}
	return total
}

// SearchLayerInfo is one agent's layer document. It is loaded once and never
// mutated afterwards.
type SearchLayerInfo struct {
	CrapDetectingLayer Layer   `yaml:"crap_detecting_layer"`
	Layers             []Layer `yaml:"layers"`
	InfoMessage1       string  `yaml:"info_message_1"`
	InfoMessage2       string  `yaml:"info_message_2"`
	InfoCadence1       int     `yaml:"info_cadence_1,omitempty"`
	InfoCadence2       int     `yaml:"info_cadence_2,omitempty"`
}

// ParseLayers decodes a layer document. YAML and JSON are both accepted.
func ParseLayers(data []byte) (*SearchLayerInfo, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var info SearchLayerInfo
	if err := dec.Decode(&info); err != nil {
		return nil, fmt.Errorf("decode layers: %w: %w", ErrConfigLoad, err)
	}
	if info.InfoCadence1 <= 0 {
		info.InfoCadence1 = DefaultInfoCadence1
	}
	if info.InfoCadence2 <= 0 {
		info.InfoCadence2 = DefaultInfoCadence2
	}
	if err := info.validate(); err != nil {
		return nil, fmt.Errorf("validate layers: %w: %w", ErrConfigLoad, err)
	}
	return &info, nil
}

func LoadLayers(path string) (*SearchLayerInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layers %s: %w: %w", path, ErrConfigLoad, err)
	}
	return ParseLayers(data)
}

func (info *SearchLayerInfo) validate() error {
	if strings.TrimSpace(info.CrapDetectingLayer.SystemRoleText) == "" {
		return fmt.Errorf("crap_detecting_layer: empty system_role_text")
	}
	if info.CrapDetectingLayer.IsSearchLayer {
		return fmt.Errorf("crap_detecting_layer: must not be a search layer")
	}
	if err := validateLayer(info.CrapDetectingLayer); err != nil {
		return fmt.Errorf("crap_detecting_layer: %w", err)
	}
	if len(info.Layers) == 0 {
		return fmt.Errorf("no layers configured")
	}
	for i, l := range info.Layers {
		if err := validateLayer(l); err != nil {
			return fmt.Errorf("layer %d (index %d): %w", i, l.Index, err)
		}
	}
	return nil
}

func validateLayer(l Layer) error {
	if l.Temperature < 0 || l.Temperature > 2 {
		return fmt.Errorf("temperature %.2f out of range [0,2]", l.Temperature)
	}
	if l.MaxTokens < 0 {
		return fmt.Errorf("negative max_tokens")
	}
	if len(l.UserRoleParams) == 0 {
		return fmt.Errorf("no user_role_params")
	}
	if l.IsSearchLayer && len(l.CollectionParams) == 0 {
		return fmt.Errorf("search layer without collection_params")
	}
	for _, c := range l.CollectionParams {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("collection with empty name")
		}
		if c.VectorsLimit <= 0 {
			return fmt.Errorf("collection %s: vectors_limit must be positive", c.Name)
		}
	}
	return nil
}
