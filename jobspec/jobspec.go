// Package jobspec loads and validates the declarative job specification
// consumed by the harness.
//
// The test command configured in the spec must emit a test2json-compatible
// event stream on stdout (one JSON object per line, as produced by
// `go test -json` or an equivalent reporter); the runner parses that stream
// into per-test results.
package jobspec

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultReportPath is the relative path of the JUnit report when the spec
// does not override it.
const DefaultReportPath = "reports/junit.xml"

// Spec is the root of a job specification file.
type Spec struct {
	Name    string      `yaml:"name"`
	Runtime string      `yaml:"runtime"`
	Env     EnvSpec     `yaml:"env"`
	Install InstallSpec `yaml:"install"`
	Test    TestSpec    `yaml:"test"`
	Publish PublishSpec `yaml:"publish"`
}

// EnvSpec names the isolated environment and the optional bootstrap command
// run inside it after creation.
type EnvSpec struct {
	Name      string   `yaml:"name,omitempty"`
	Bootstrap []string `yaml:"bootstrap,omitempty"`
}

// InstallSpec describes the package under test and its extras set.
type InstallSpec struct {
	Package string   `yaml:"package"`
	Extras  []string `yaml:"extras,omitempty"`
	Command []string `yaml:"command"`
	Freeze  []string `yaml:"freeze,omitempty"`
}

// TestSpec describes test discovery and execution.
type TestSpec struct {
	Targets     []TargetConfig `yaml:"targets"`
	Command     []string       `yaml:"command"`
	Parallelism int            `yaml:"parallelism,omitempty"`
	FailFast    bool           `yaml:"fail_fast,omitempty"`
	Coverage    CoverageSpec   `yaml:"coverage,omitempty"`
	ReportPath  string         `yaml:"report,omitempty"`
}

// TargetConfig is one test target (a path, package or module identifier).
type TargetConfig struct {
	Path    string         `yaml:"path"`
	Timeout *time.Duration `yaml:"timeout,omitempty"`
}

// UnmarshalYAML accepts timeouts in time.ParseDuration notation ("2m",
// "90s").
func (t *TargetConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Path    string `yaml:"path"`
		Timeout string `yaml:"timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	t.Path = raw.Path
	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout for target %s: %w", raw.Path, err)
		}
		t.Timeout = &d
	}
	return nil
}

// CoverageSpec scopes line-coverage collection.
type CoverageSpec struct {
	Scope   string `yaml:"scope,omitempty"`
	Profile string `yaml:"profile,omitempty"`
}

// PublishSpec configures artifact publishing. All fields are optional; flags
// may override them.
type PublishSpec struct {
	CoverageEndpoint string `yaml:"coverage_endpoint,omitempty"`
	DatabaseURI      string `yaml:"database_uri,omitempty"`
}

// Registry holds a loaded, validated job specification.
type Registry struct {
	spec *Spec
}

// Config contains registry configuration.
type Config struct {
	Log            *zap.SugaredLogger
	SpecFile       string
	DefaultTimeout time.Duration
}

// NewRegistry loads the job spec file and validates it.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.SpecFile == "" {
		return nil, fmt.Errorf("job spec file is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}

	spec, err := loadSpec(cfg.SpecFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load job spec: %w", err)
	}
	if err := Validate(spec); err != nil {
		return nil, fmt.Errorf("invalid job spec %s: %w", cfg.SpecFile, err)
	}
	applyDefaults(spec, cfg.DefaultTimeout)

	cfg.Log.Debugw("Job spec loaded", "name", spec.Name, "targets", len(spec.Test.Targets))

	return &Registry{spec: spec}, nil
}

// Spec returns the loaded specification.
func (r *Registry) Spec() *Spec {
	return r.spec
}

// loadSpec reads and parses a job spec file.
func loadSpec(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spec file: %w", err)
	}

	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing spec file: %w", err)
	}
	return &spec, nil
}

var envNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Validate checks a spec for structural errors. An empty target list is
// valid: a job with zero discovered tests succeeds with an empty report.
func Validate(spec *Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if spec.Install.Package != "" && len(spec.Install.Command) == 0 {
		return fmt.Errorf("install command is required when a package is specified")
	}
	if len(spec.Test.Targets) > 0 && len(spec.Test.Command) == 0 {
		return fmt.Errorf("test command is required when targets are specified")
	}
	if spec.Test.Parallelism < 0 {
		return fmt.Errorf("parallelism cannot be negative")
	}
	if spec.Env.Name != "" && !envNamePattern.MatchString(spec.Env.Name) {
		return fmt.Errorf("invalid environment name %q", spec.Env.Name)
	}
	for i, target := range spec.Test.Targets {
		if target.Path == "" {
			return fmt.Errorf("test target %d has no path", i)
		}
		if target.Timeout != nil && *target.Timeout <= 0 {
			return fmt.Errorf("test target %s has a non-positive timeout", target.Path)
		}
	}
	if spec.Test.Coverage.Scope != "" && spec.Test.Coverage.Profile == "" {
		return fmt.Errorf("coverage profile path is required when a coverage scope is set")
	}
	return nil
}

// applyDefaults fills the optional fields the orchestrator relies on.
func applyDefaults(spec *Spec, defaultTimeout time.Duration) {
	if spec.Env.Name == "" {
		spec.Env.Name = sanitizeEnvName(spec.Name)
	}
	if spec.Test.ReportPath == "" {
		spec.Test.ReportPath = DefaultReportPath
	}
	for i := range spec.Test.Targets {
		if spec.Test.Targets[i].Timeout == nil && defaultTimeout > 0 {
			t := defaultTimeout
			spec.Test.Targets[i].Timeout = &t
		}
	}
}

var invalidEnvChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeEnvName derives a usable environment name from the job name.
func sanitizeEnvName(name string) string {
	s := invalidEnvChars.ReplaceAllString(name, "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		s = "job"
	}
	return s
}

// PackageArgument renders the package spec including its extras set, e.g.
// ".[develop,test]" for package "." with extras [develop, test].
func (s InstallSpec) PackageArgument() string {
	if len(s.Extras) == 0 {
		return s.Package
	}
	return fmt.Sprintf("%s[%s]", s.Package, strings.Join(s.Extras, ","))
}
