package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

const FileName = "obras.yml"

// Config models obras.yml.
type Config struct {
	CaseFile struct {
		Prefix string `yaml:"prefix"`
	} `yaml:"case_file"`
	Catalog struct {
		Stages []string `yaml:"stages"`
	} `yaml:"catalog"`
	Indicators struct {
		Communes      []string `yaml:"communes"`
		MaxTermMonths int      `yaml:"max_term_months"`
	} `yaml:"indicators"`
	Ingest struct {
		Delimiter    string `yaml:"delimiter"`
		Encoding     string `yaml:"encoding"`
		DefaultLabel string `yaml:"default_label"`
	} `yaml:"ingest"`
	Server struct {
		Addr     string `yaml:"addr"`
		Issuer   string `yaml:"issuer"`
		Audience string `yaml:"audience"`
	} `yaml:"server"`
}

var prefixPattern = regexp.MustCompile(`^[A-Z0-9]{1,8}$`)

// Encodings accepted by ingest.encoding.
var Encodings = []string{"latin1", "utf-8"}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if !prefixPattern.MatchString(c.CaseFile.Prefix) {
		return fmt.Errorf("config.case_file.prefix must be 1-8 upper-case letters or digits, got %q", c.CaseFile.Prefix)
	}
	if len(c.Catalog.Stages) == 0 {
		return fmt.Errorf("config.catalog.stages is required")
	}
	seen := map[string]bool{}
	for _, s := range c.Catalog.Stages {
		key := strings.ToLower(strings.Join(strings.Fields(s), " "))
		if key == "" {
			return fmt.Errorf("config.catalog.stages contains an empty stage")
		}
		if seen[key] {
			return fmt.Errorf("config.catalog.stages lists %q twice", s)
		}
		seen[key] = true
	}
	if len(c.Indicators.Communes) == 0 {
		return fmt.Errorf("config.indicators.communes is required")
	}
	for _, cm := range c.Indicators.Communes {
		if strings.TrimSpace(cm) == "" {
			return fmt.Errorf("config.indicators.communes contains an empty commune")
		}
	}
	if c.Indicators.MaxTermMonths <= 0 {
		return fmt.Errorf("config.indicators.max_term_months must be positive")
	}
	if utf8.RuneCountInString(c.Ingest.Delimiter) != 1 {
		return fmt.Errorf("config.ingest.delimiter must be a single character")
	}
	validEncoding := false
	for _, e := range Encodings {
		if strings.EqualFold(c.Ingest.Encoding, e) {
			validEncoding = true
		}
	}
	if !validEncoding {
		return fmt.Errorf("config.ingest.encoding must be one of %s", strings.Join(Encodings, ", "))
	}
	if strings.TrimSpace(c.Ingest.DefaultLabel) == "" {
		return fmt.Errorf("config.ingest.default_label is required")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with obras init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
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

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted keys keep their defaults.
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

const defaultTemplate = `case_file:
  prefix: EX

catalog:
  stages:
    - Proyecto
    - En licitación
    - Adjudicada
    - En obra
    - Finalizada
    - Rescisión

indicators:
  communes: ["1", "2", "3"]
  max_term_months: 24

ingest:
  delimiter: ";"
  encoding: latin1
  default_label: Sin especificar

server:
  addr: 127.0.0.1:8080
  issuer: obras
  audience: obras-api
`
