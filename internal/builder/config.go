package builder

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/pelletier/go-toml/v2"
)

// ConfigFilename is looked up in the source directory. It is optional.
const ConfigFilename = "mbuild.toml"

const (
	defaultGenerator     = "Unix Makefiles"
	defaultBuildDir      = "build"
	defaultExampleOption = "MALUNAL_TOOLING_BUILD_EXAMPLE"
	defaultThreads       = "1"
)

var defaultWatch = []string{"**/CMakeLists.txt", "**/*.cmake"}

type Config struct {
	Project ProjectSection `toml:"project"`
	CMake   CMakeSection   `toml:"cmake"`
}

// ProjectSection defines the [project] section
type ProjectSection struct {
	Name          string `toml:"name"`
	ExampleOption string `toml:"example-option"`
}

// CMakeSection defines the [cmake(.*)] section
type CMakeSection struct {
	Binary        string            `toml:"binary"`
	Generator     string            `toml:"generator"`
	BuildDir      string            `toml:"build-dir"`
	InstallPrefix string            `toml:"install-prefix"`
	Threads       any               `toml:"threads"` // integer or "auto"
	Watch         []string          `toml:"watch"`
	Defines       map[string]string `toml:"defines"`
}

// DefaultConfig is used when the source directory has no mbuild.toml.
func DefaultConfig() *Config {
	cfg := new(Config)
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Project.ExampleOption == "" {
		c.Project.ExampleOption = defaultExampleOption
	}
	if c.CMake.Generator == "" {
		c.CMake.Generator = defaultGenerator
	}
	if c.CMake.BuildDir == "" {
		c.CMake.BuildDir = defaultBuildDir
	}
	if c.CMake.Watch == nil {
		c.CMake.Watch = slices.Clone(defaultWatch)
	}
}

// ThreadCount returns the configured job count as it should appear after -j.
func (s CMakeSection) ThreadCount() (string, error) {
	switch v := s.Threads.(type) {
	case nil:
		return defaultThreads, nil
	case int64:
		return ParseThreads(strconv.FormatInt(v, 10))
	case string:
		return ParseThreads(v)
	default:
		return "", fmt.Errorf("unexpected type %T", v)
	}
}

// ParseThreads validates a job count. "auto" resolves to the number of CPUs;
// anything else must be a positive integer and is returned verbatim.
func ParseThreads(s string) (string, error) {
	if s == "auto" {
		return strconv.Itoa(runtime.NumCPU()), nil
	}
	// ParseUint rejects signs, which cmake would forward as -j+4
	n, err := strconv.ParseUint(s, 10, 0)
	if err != nil || n < 1 {
		return "", fmt.Errorf("invalid thread count %q: must be a positive integer or \"auto\"", s)
	}
	return s, nil
}

// SortedDefines returns the [cmake] defines as -DKEY=VALUE in key order.
func (s CMakeSection) SortedDefines() []string {
	keys := make([]string, 0, len(s.Defines))
	for k := range s.Defines {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, "-D"+k+"="+s.Defines[k])
	}
	return out
}

// mergeStructs merges the fields of the src struct into the dst struct
func mergeStructs(dst, src any) error {
	dstVal := reflect.ValueOf(dst)
	if dstVal.Kind() != reflect.Pointer || dstVal.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("dst must be a pointer to a struct")
	}

	dstElem := dstVal.Elem()
	srcVal := reflect.ValueOf(src)

	if srcVal.Kind() == reflect.Pointer {
		srcVal = srcVal.Elem()
	}

	if srcVal.Kind() != reflect.Struct {
		return fmt.Errorf("src must be a struct or a pointer to a struct")
	}

	if dstElem.Type() != srcVal.Type() {
		return fmt.Errorf("dst and src must be of the same struct type")
	}

	for i := range srcVal.NumField() {
		srcField := srcVal.Field(i)
		dstField := dstElem.Field(i)

		if !dstField.CanSet() {
			continue
		}

		switch dstField.Kind() {
		case reflect.Slice:
			if !srcField.IsNil() {
				dstField.Set(reflect.AppendSlice(dstField, srcField))
			}
		case reflect.Map:
			if !srcField.IsNil() {
				if dstField.IsNil() {
					dstField.Set(reflect.MakeMap(dstField.Type()))
				}
				for _, key := range srcField.MapKeys() {
					dstField.SetMapIndex(key, srcField.MapIndex(key))
				}
			}
		case reflect.Bool:
			dstField.SetBool(dstField.Bool() || srcField.Bool())
		default:
			if !srcField.IsZero() {
				dstField.Set(srcField)
			}
		}
	}

	return nil
}

// decodeStrict re-encodes a raw table and decodes it into dst, rejecting unknown keys
func decodeStrict(raw any, dst any) error {
	b, err := toml.Marshal(raw)
	if err != nil {
		return err
	}
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// unmarshalSection is a helper to parse sections without conditional logic
func unmarshalSection(rawCfg map[string]any, name string, dst any) error {
	if data, ok := rawCfg[name]; ok {
		if err := decodeStrict(data, dst); err != nil {
			return fmt.Errorf("failed to parse [%s] section: %w", name, err)
		}
	}
	return nil
}

// unmarshalConditionalSection parses a section, then evaluates every sub-table
// whose key compiles as an expression and merges the ones that are true
func unmarshalConditionalSection[T any](rawCfg map[string]any, name string, dst *T, env ConfigEnv) error {
	sectionData, ok := rawCfg[name]
	if !ok {
		return nil
	}

	sectionMap, ok := sectionData.(map[string]any)
	if !ok {
		return fmt.Errorf("invalid [%s] section format: expected a table", name)
	}

	baseFields := make(map[string]any)
	conditionalFields := make(map[string]map[string]any)

	for key, val := range sectionMap {
		if subMap, ok := val.(map[string]any); ok {
			if _, err := expr.Compile(key, expr.Env(env), expr.AsBool()); err == nil {
				conditionalFields[key] = subMap
				continue
			}
		}
		baseFields[key] = val
	}

	if len(baseFields) > 0 {
		if err := decodeStrict(baseFields, dst); err != nil {
			return fmt.Errorf("failed to parse base [%s] section: %w", name, err)
		}
	}

	// apply in key order so overlapping conditions resolve the same way every run
	expressions := make([]string, 0, len(conditionalFields))
	for expression := range conditionalFields {
		expressions = append(expressions, expression)
	}
	slices.Sort(expressions)

	for _, expression := range expressions {
		program, err := expr.Compile(expression, expr.Env(env), expr.AsBool())
		if err != nil {
			return fmt.Errorf("failed to compile expression for [%s.%q]: %w", name, expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return fmt.Errorf("failed to run expression for [%s.%q]: %w", name, expression, err)
		}

		if matched, ok := result.(bool); !ok || !matched {
			continue
		}

		var condSection T
		if err := decodeStrict(conditionalFields[expression], &condSection); err != nil {
			return fmt.Errorf("failed to parse conditional section [%s.%q]: %w", name, expression, err)
		}
		if err := mergeStructs(dst, condSection); err != nil {
			return fmt.Errorf("failed to merge conditional section [%s.%q]: %w", name, expression, err)
		}
	}

	return nil
}

var exprRegex = regexp.MustCompile(`\{\{(.+?)\}\}`)

// evaluateString finds and evaluates all {{...}} expressions in a string
func evaluateString(s string, env ConfigEnv) (string, error) {
	matches := exprRegex.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	var builder strings.Builder
	lastIndex := 0

	for _, matchIndexes := range matches {
		fullMatchStart := matchIndexes[0]
		fullMatchEnd := matchIndexes[1]
		expressionStart := matchIndexes[2]
		expressionEnd := matchIndexes[3]

		builder.WriteString(s[lastIndex:fullMatchStart])

		expression := strings.TrimSpace(s[expressionStart:expressionEnd])
		program, err := expr.Compile(expression, expr.Env(env))
		if err != nil {
			return "", fmt.Errorf("failed to compile expression %q: %w", expression, err)
		}

		result, err := expr.Run(program, env)
		if err != nil {
			return "", fmt.Errorf("failed to run expression %q: %w", expression, err)
		}

		fmt.Fprintf(&builder, "%v", result)
		lastIndex = fullMatchEnd
	}

	builder.WriteString(s[lastIndex:])

	return builder.String(), nil
}

// processExpressions recursively walks the parsed TOML data and evaluates expressions in strings
func processExpressions(data any, env ConfigEnv) (any, error) {
	switch v := data.(type) {
	case map[string]any:
		for key, val := range v {
			processedVal, err := processExpressions(val, env)
			if err != nil {
				return nil, err
			}
			v[key] = processedVal
		}
		return v, nil
	case []any:
		for i, item := range v {
			processedItem, err := processExpressions(item, env)
			if err != nil {
				return nil, err
			}
			v[i] = processedItem
		}
		return v, nil
	case string:
		return evaluateString(v, env)
	default:
		return data, nil
	}
}

func ParseConfig(rdr io.Reader, env ConfigEnv) (*Config, error) {
	var rawConfig map[string]any
	dec := toml.NewDecoder(rdr)
	if err := dec.Decode(&rawConfig); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			return nil, errors.New(derr.String())
		}
		return nil, err
	}

	for key := range rawConfig {
		if key != "project" && key != "cmake" {
			return nil, fmt.Errorf("unknown section [%s]", key)
		}
	}

	processedConfig, err := processExpressions(rawConfig, env)
	if err != nil {
		return nil, fmt.Errorf("error processing expressions in config: %w", err)
	}
	rawConfig = processedConfig.(map[string]any)

	cfg := new(Config)
	if err := unmarshalSection(rawConfig, "project", &cfg.Project); err != nil {
		return nil, err
	}
	if err := unmarshalConditionalSection(rawConfig, "cmake", &cfg.CMake, env); err != nil {
		return nil, err
	}
	if _, err := cfg.CMake.ThreadCount(); err != nil {
		return nil, fmt.Errorf("cmake.threads: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// ParseConfigFromFile parses a config file from a filepath
func ParseConfigFromFile(path string, env ConfigEnv) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return ParseConfig(bufio.NewReader(f), env)
}

// LoadConfig reads mbuild.toml from dir, falling back to DefaultConfig when
// the file does not exist.
func LoadConfig(dir string, env ConfigEnv) (*Config, error) {
	path := filepath.Join(dir, ConfigFilename)
	cfg, err := ParseConfigFromFile(path, env)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

//
// expr-lang environment
//

type ConfigEnv struct {
	TargetOS   string            `expr:"target_os"`
	TargetArch string            `expr:"target_arch"`
	Release    bool              `expr:"release"`
	Example    bool              `expr:"example"`
	Environ    map[string]string `expr:"environ"`
}

func NewConfigEnv(release, example bool) ConfigEnv {
	environ := make(map[string]string)
	for _, e := range os.Environ() {
		if i := strings.Index(e, "="); i >= 0 {
			environ[e[:i]] = e[i+1:]
		}
	}

	return ConfigEnv{
		TargetOS:   runtime.GOOS,
		TargetArch: runtime.GOARCH,
		Release:    release,
		Example:    example,
		Environ:    environ,
	}
}
