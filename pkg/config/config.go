package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/goccy/go-yaml"
	"github.com/invopop/jsonschema"

	_ "embed"

	"github.com/plumbtool/plumb/pkg/schema"
)

//go:generate go run ../../internal/schemagen/main.go -o config.v1beta1.json

var (
	//go:embed config.yaml
	defaultConfigYAML []byte

	//go:embed default.rules
	defaultRules []byte

	//go:embed config.v1beta1.json
	schemaJSON []byte

	ValidAPIVersions = []string{
		"plumbtool.dev/v1beta1",
	}
	ValidKinds = []string{
		"Configuration",
	}

	// DefaultValidator validates configuration against the JSON schema.
	DefaultValidator = schema.MustNewValidator("/config.v1beta1.json", schemaJSON)
)

const (
	// DefaultMaxPlumbDepth bounds plumb re-injection chains.
	DefaultMaxPlumbDepth = 8

	// DefaultTimeout applies to HTTP requests made during matching.
	DefaultTimeout = "10s"
)

//nolint:recvcheck // Must satisfy the jsonschema interface.
type Config struct {
	// Notifications toggles desktop notifications for notify actions.
	Notifications *bool `json:"notifications,omitempty" jsonschema:"title=Notifications"`
	// APIVersion specifies the API version for this configuration.
	APIVersion string `json:"apiVersion" jsonschema:"title=API Version"`
	// Kind defines the type of configuration.
	Kind string `json:"kind" jsonschema:"title=Kind"`
	// RulesFile is the path of the plumb rules file.
	RulesFile string `json:"rulesFile,omitempty" jsonschema:"title=Rules File"`
	// DownloadDir is where download actions store files. Empty means the
	// system temp directory.
	DownloadDir string `json:"downloadDir,omitempty" jsonschema:"title=Download Directory"`
	// Timeout applies to HTTP requests (type detection and downloads).
	Timeout string `json:"timeout,omitempty" jsonschema:"title=HTTP Timeout,format=duration"`
	// MaxPlumbDepth bounds chains of plumb re-injections.
	MaxPlumbDepth int `json:"maxPlumbDepth,omitempty" jsonschema:"title=Max Plumb Depth,minimum=1"`
}

// NewConfig creates a new [Config] with default values.
func NewConfig() *Config {
	c := &Config{
		APIVersion: ValidAPIVersions[0],
		Kind:       "Configuration",
	}
	c.EnsureDefaults()

	return c
}

// EnsureDefaults initializes unset fields to their default values.
func (c *Config) EnsureDefaults() {
	if c.RulesFile == "" {
		c.RulesFile = DefaultRulesPath()
	}
	if c.MaxPlumbDepth == 0 {
		c.MaxPlumbDepth = DefaultMaxPlumbDepth
	}
	if c.Notifications == nil {
		enabled := true
		c.Notifications = &enabled
	}
	if c.Timeout == "" {
		c.Timeout = DefaultTimeout
	}
}

func (c Config) JSONSchemaExtend(jss *jsonschema.Schema) {
	apiVersion, ok := jss.Properties.Get("apiVersion")
	if !ok {
		panic("apiVersion property not found in schema")
	}

	for _, version := range ValidAPIVersions {
		apiVersion.OneOf = append(apiVersion.OneOf, &jsonschema.Schema{
			Type:  "string",
			Const: version,
			Title: "API Version",
		})
	}

	_, _ = jss.Properties.Set("apiVersion", apiVersion)

	kind, ok := jss.Properties.Get("kind")
	if !ok {
		panic("kind property not found in schema")
	}

	for _, kindValue := range ValidKinds {
		kind.OneOf = append(kind.OneOf, &jsonschema.Schema{
			Type:  "string",
			Const: kindValue,
			Title: "Kind",
		})
	}

	_, _ = jss.Properties.Set("kind", kind)
}

// Validate checks requirements that the schema cannot represent.
func (c *Config) Validate() error {
	_, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return fmt.Errorf("invalid timeout: %w", err)
	}

	if c.MaxPlumbDepth < 1 {
		return fmt.Errorf("invalid maxPlumbDepth %d: must be at least 1", c.MaxPlumbDepth)
	}

	return nil
}

// GetTimeout returns the parsed HTTP timeout. Call [Config.Validate] first.
func (c *Config) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		d, _ = time.ParseDuration(DefaultTimeout)
	}

	return d
}

// GetNotifications reports whether notify actions are enabled.
func (c *Config) GetNotifications() bool {
	return c.Notifications == nil || *c.Notifications
}

// MarshalYAML serializes the config to YAML.
func (c Config) MarshalYAML() ([]byte, error) {
	type alias Config

	b := &bytes.Buffer{}

	enc := yaml.NewEncoder(b, yaml.Indent(2), yaml.IndentSequence(true))
	defer enc.Close() //nolint:errcheck // Encode errors are returned below.

	err := enc.Encode(alias(c))
	if err != nil {
		return nil, fmt.Errorf("marshal yaml: %w", err)
	}

	return b.Bytes(), nil
}

type ConfigLoader struct {
	cv   *schema.Validator
	data []byte
}

func NewConfigLoaderFromBytes(data []byte) *ConfigLoader {
	return &ConfigLoader{
		cv:   DefaultValidator,
		data: data,
	}
}

func NewConfigLoaderFromFile(path string) (*ConfigLoader, error) {
	data, err := readConfig(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return NewConfigLoaderFromBytes(data), nil
}

// Validate validates configuration data against the JSON schema without
// loading it into a [Config] struct.
func (cl *ConfigLoader) Validate() error {
	var anyConfig any

	err := yaml.Unmarshal(cl.data, &anyConfig)
	if err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	err = cl.cv.Validate(anyConfig)
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	return nil
}

func (cl *ConfigLoader) Load() (*Config, error) {
	c := &Config{}

	err := yaml.Unmarshal(cl.data, c)
	if err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	c.EnsureDefaults()

	// Go validation, for requirements that can't be represented in the schema.
	err = c.Validate()
	if err != nil {
		return nil, err
	}

	return c, nil
}

// WriteDefaultConfig writes the embedded default config.yaml, the default
// rules file, and the JSON schema next to the specified config path.
func WriteDefaultConfig(path string, force bool) error {
	configExists := false
	pathInfo, err := os.Stat(path)
	if pathInfo != nil {
		switch {
		case err == nil && pathInfo.Mode().IsRegular():
			configExists = true
		case pathInfo.IsDir():
			return fmt.Errorf("%s: path is a directory", path)
		default:
			return fmt.Errorf("%s: unknown file state", path)
		}
	}

	err = os.MkdirAll(filepath.Dir(path), 0o700)
	if err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	if configExists && force {
		// Move the existing file to a backup.
		backupFile := fmt.Sprintf("%s.%d.old", filepath.Base(path), time.Now().UnixNano())
		backupPath := filepath.Join(filepath.Dir(path), backupFile)
		slog.Info("backing up existing config file",
			slog.String("path", backupPath),
		)

		err = os.Rename(path, backupPath)
		if err != nil {
			return fmt.Errorf("rename existing config file to backup: %w", err)
		}

		configExists = false
	}

	if !configExists {
		slog.Info("write default configuration",
			slog.String("path", path),
		)

		err = os.WriteFile(path, defaultConfigYAML, 0o600)
		if err != nil {
			return fmt.Errorf("write config file: %w", err)
		}
	} else {
		slog.Debug("configuration file already exists, skipping write",
			slog.String("path", path),
		)
	}

	// Write a starter rules file, unless one already exists.
	rulesPath := filepath.Join(filepath.Dir(path), "default.rules")
	if _, err := os.Stat(rulesPath); os.IsNotExist(err) {
		slog.Info("write default rules",
			slog.String("path", rulesPath),
		)

		err = os.WriteFile(rulesPath, defaultRules, 0o600)
		if err != nil {
			return fmt.Errorf("write rules file: %w", err)
		}
	}

	// Write the JSON schema file alongside the config file.
	schemaPath := filepath.Join(filepath.Dir(path), "config.v1beta1.json")
	slog.Debug("write JSON schema",
		slog.String("path", schemaPath),
	)

	err = os.WriteFile(schemaPath, schemaJSON, 0o600)
	if err != nil {
		return fmt.Errorf("write schema file: %w", err)
	}

	return nil
}

// GetPath returns the config file path under the XDG config home.
func GetPath() string {
	return filepath.Join(xdg.ConfigHome, "plumb", "config.yaml")
}

// DefaultRulesPath returns the rules file path under the XDG config home.
func DefaultRulesPath() string {
	return filepath.Join(xdg.ConfigHome, "plumb", "default.rules")
}

func readConfig(path string) ([]byte, error) {
	pathInfo, err := os.Stat(path)
	if pathInfo != nil {
		if err == nil && pathInfo.IsDir() {
			return nil, fmt.Errorf("%s: path is a directory", path)
		}
		if err == nil && !pathInfo.Mode().IsRegular() {
			return nil, fmt.Errorf("%s: unknown file state", path)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: Potential file inclusion via variable.
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	return data, nil
}
