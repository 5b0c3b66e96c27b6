package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config models ems.yml.
type Config struct {
	Hierarchy struct {
		LevelKinds    []LevelKind `yaml:"level_kinds" json:"level_kinds" validate:"required,min=1,dive"`
		LeafPatterns  []string    `yaml:"leaf_patterns" json:"leaf_patterns" validate:"dive,required"`
		NameHeuristic bool        `yaml:"name_heuristic" json:"name_heuristic"`
	} `yaml:"hierarchy" json:"hierarchy"`
	Workflow struct {
		AllowReforward   bool `yaml:"allow_reforward" json:"allow_reforward"`
		RejectIsTerminal bool `yaml:"reject_is_terminal" json:"reject_is_terminal"`
	} `yaml:"workflow" json:"workflow"`
	Reports struct {
		Types           []string `yaml:"types" json:"types" validate:"required,min=1,dive,required"`
		DefaultPageSize int      `yaml:"default_page_size" json:"default_page_size" validate:"gte=1"`
		MaxPageSize     int      `yaml:"max_page_size" json:"max_page_size" validate:"gtefield=DefaultPageSize"`
	} `yaml:"reports" json:"reports"`
	Lock struct {
		RedisAddr  string `yaml:"redis_addr" json:"redis_addr,omitempty"`
		TTLSeconds int    `yaml:"ttl_seconds" json:"ttl_seconds" validate:"gte=1"`
	} `yaml:"lock" json:"lock"`
	Log struct {
		Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
		File  string `yaml:"file" json:"file,omitempty"`
	} `yaml:"log" json:"log"`
}

type LevelKind struct {
	Name string `yaml:"name" json:"name" validate:"required"`
	Leaf bool   `yaml:"leaf" json:"leaf"`
}

var validate = validator.New()

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with ems config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := map[string]bool{}
	leaves := 0
	for _, k := range c.Hierarchy.LevelKinds {
		key := strings.ToLower(k.Name)
		if seen[key] {
			return fmt.Errorf("level kind %s defined twice", k.Name)
		}
		seen[key] = true
		if k.Leaf {
			leaves++
		}
	}
	if leaves == 0 && !c.Hierarchy.NameHeuristic {
		return fmt.Errorf("hierarchy needs at least one leaf level kind when name_heuristic is off")
	}
	return nil
}

// LevelRank returns the position of a level kind (0 = top) and whether it is
// configured at all.
func (c *Config) LevelRank(name string) (int, bool) {
	for i, k := range c.Hierarchy.LevelKinds {
		if strings.EqualFold(k.Name, name) {
			return i, true
		}
	}
	return 0, false
}

// IsLeafKind resolves the leaf flag of a level name once, at definition time.
func (c *Config) IsLeafKind(name string) bool {
	for _, k := range c.Hierarchy.LevelKinds {
		if strings.EqualFold(k.Name, name) {
			return k.Leaf
		}
	}
	if !c.Hierarchy.NameHeuristic {
		return false
	}
	lowered := strings.ToLower(name)
	for _, p := range c.Hierarchy.LeafPatterns {
		if p != "" && strings.Contains(lowered, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (c *Config) HasReportType(t string) bool {
	for _, rt := range c.Reports.Types {
		if strings.EqualFold(rt, t) {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ems.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep
// their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `hierarchy:
  level_kinds:
    - name: State
    - name: District
    - name: Assembly
    - name: Block
    - name: Mandal
    - name: Polling Center
      leaf: true
    - name: Booth
      leaf: true
  leaf_patterns: [booth, polling station, polling center]
  name_heuristic: true

workflow:
  # forwarding back to a level the report already passed through
  allow_reforward: true
  reject_is_terminal: true

reports:
  types:
    - Voter Intimidation
    - Booth Capturing
    - Violence
    - Bogus Voting
    - EVM Malfunction
    - Model Code Violation
    - Other
  default_page_size: 20
  max_page_size: 100

lock:
  redis_addr: ""
  ttl_seconds: 30

log:
  level: info
  file: ""
`
