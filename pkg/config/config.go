// Package config loads the hyperlocal manifest: emulator settings and the
// functions it serves.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/3s-rg-codes/hyperlocal/pkg/builder"
	"github.com/3s-rg-codes/hyperlocal/pkg/utils"
	"github.com/spf13/viper"
)

const (
	EnvPrefix         = "HYPERLOCAL"
	DefaultListen     = "127.0.0.1:12557"
	DefaultControl    = "127.0.0.1:12558"
	DefaultConfigName = "hyperlocal"
)

type Config struct {
	// Listen is the runtime API address workers connect to.
	Listen string `mapstructure:"listen"`
	// Control is the control API address.
	Control   string           `mapstructure:"control"`
	Region    string           `mapstructure:"region"`
	MaxQueued int              `mapstructure:"maxQueued"`
	KillGrace time.Duration    `mapstructure:"killGrace"`
	Watch     bool             `mapstructure:"watch"`
	Log       LogConfig        `mapstructure:"log"`
	Docker    DockerConfig     `mapstructure:"docker"`
	Functions []FunctionConfig `mapstructure:"functions"`
	// RootPath is the directory of the loaded file; source paths resolve against it.
	RootPath string `mapstructure:"-"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// DockerConfig applies to container-image functions.
type DockerConfig struct {
	AutoRemove bool `mapstructure:"autoRemove"`
}

type FunctionConfig struct {
	Name    string `mapstructure:"name"`
	ID      string `mapstructure:"id"`
	Runtime string `mapstructure:"runtime"`
	Handler string `mapstructure:"handler"`
	SrcPath string `mapstructure:"srcPath"`
	Image   string `mapstructure:"image"`
	// MemorySize is in MB.
	MemorySize   int           `mapstructure:"memorySize"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Build        []string      `mapstructure:"build"`
	Command      []string      `mapstructure:"command"`
	Environment  []string      `mapstructure:"environment"`
	MaxProcesses int           `mapstructure:"maxProcesses"`
	Watch        []string      `mapstructure:"watch"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", DefaultListen)
	v.SetDefault("control", DefaultControl)
	v.SetDefault("region", "us-east-1")
	v.SetDefault("maxQueued", 0)
	v.SetDefault("docker.autoRemove", true)
	v.SetDefault("killGrace", 2*time.Second)
	v.SetDefault("watch", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
}

// Load reads the manifest at path. An empty path looks for hyperlocal.yaml in
// the working directory and falls back to defaults when there is none.
// HYPERLOCAL_* environment variables override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	c.RootPath = "."
	if used := v.ConfigFileUsed(); used != "" {
		c.RootPath = filepath.Dir(used)
	}
	return &c, nil
}

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.Control == "" {
		return fmt.Errorf("control is required")
	}
	if c.MaxQueued < 0 {
		return fmt.Errorf("maxQueued must not be negative")
	}
	if c.KillGrace < 0 {
		return fmt.Errorf("killGrace must not be negative")
	}
	switch c.Log.Format {
	case "text", "json", "dev":
	default:
		return fmt.Errorf("log format must be text, json or dev, got %q", c.Log.Format)
	}

	names := make(map[string]bool, len(c.Functions))
	for i := range c.Functions {
		f := &c.Functions[i]
		if err := f.Validate(); err != nil {
			return err
		}
		if names[f.Name] {
			return fmt.Errorf("function '%s' is defined twice", f.Name)
		}
		names[f.Name] = true
	}
	return nil
}

func (f *FunctionConfig) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("name is required for every function")
	}
	if !namePattern.MatchString(f.Name) {
		return fmt.Errorf("function name '%s' is invalid. Only alphanumeric, underscores and hyphens allowed", f.Name)
	}

	runtime, err := builder.LookupRuntime(f.Runtime)
	switch {
	case err != nil && len(f.Command) == 0:
		return fmt.Errorf("function '%s': %w", f.Name, err)
	case err == nil && runtime.Container:
		if f.Image == "" {
			return fmt.Errorf("image is required for container function '%s'", f.Name)
		}
	case f.SrcPath == "":
		return fmt.Errorf("srcPath is required for function '%s'", f.Name)
	}

	if f.MemorySize != 0 && (f.MemorySize < 128 || f.MemorySize > 10240) {
		return fmt.Errorf("memorySize must be between 128 and 10240 for function '%s'", f.Name)
	}
	if f.Timeout < 0 || f.Timeout > 15*time.Minute {
		return fmt.Errorf("timeout must be between 0 and 15m for function '%s'", f.Name)
	}
	if f.MaxProcesses < 0 {
		return fmt.Errorf("maxProcesses must not be negative for function '%s'", f.Name)
	}
	if _, err := utils.ParseEnvList(f.Environment); err != nil {
		return fmt.Errorf("function '%s': %w", f.Name, err)
	}
	return nil
}

// Function converts the entry into the builder's function definition. Source
// paths resolve against root.
func (f *FunctionConfig) Function(root string) (*builder.Function, error) {
	env, err := utils.ParseEnvList(f.Environment)
	if err != nil {
		return nil, err
	}
	src := f.SrcPath
	if src != "" && !filepath.IsAbs(src) {
		src = filepath.Join(root, src)
	}
	if src != "" {
		if abs, err := filepath.Abs(src); err == nil {
			src = abs
		}
	}
	id := f.ID
	if id == "" && src == "" {
		// container functions have no source to derive the id from
		id = builder.FunctionID(f.Name)
	}
	return &builder.Function{
		ID:            id,
		Name:          f.Name,
		Runtime:       f.Runtime,
		Handler:       f.Handler,
		SrcPath:       src,
		MemoryMB:      f.MemorySize,
		Timeout:       f.Timeout,
		Image:         f.Image,
		Environment:   env,
		BuildCommand:  f.Build,
		Command:       f.Command,
		MaxProcesses:  f.MaxProcesses,
		WatchPatterns: f.Watch,
	}, nil
}

// Catalog builds the function catalog from a validated config.
func (c *Config) Catalog() (*Catalog, error) {
	fns := make([]*builder.Function, 0, len(c.Functions))
	for i := range c.Functions {
		fn, err := c.Functions[i].Function(c.RootPath)
		if err != nil {
			return nil, fmt.Errorf("function '%s': %w", c.Functions[i].Name, err)
		}
		fns = append(fns, fn)
	}
	return NewCatalog(fns), nil
}

// NeedsDocker reports whether any function runs from a container image.
func (c *Config) NeedsDocker() bool {
	for i := range c.Functions {
		if rt, err := builder.LookupRuntime(c.Functions[i].Runtime); err == nil && rt.Container {
			return true
		}
	}
	return false
}
