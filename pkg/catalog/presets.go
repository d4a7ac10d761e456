package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/deployer/pkg/engine"
)

const (
	// DefaultPresetTimeout bounds one preset evaluation.
	DefaultPresetTimeout = 5 * time.Second

	maxExecutionSteps = 1_000_000
)

// Preset is a Starlark script that builds the configuration of one resource.
//
// The script must set TYPE to a resource type and define build(params),
// returning a dict. PROVIDER holds the target provider while it runs.
type Preset struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Script      string `json:"-"`
	Source      string `json:"source,omitempty"`
}

// PresetBuilder evaluates presets in a sandboxed Starlark interpreter.
type PresetBuilder struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu      sync.RWMutex
	presets map[string]Preset
}

// NewPresetBuilder creates a builder with the built-in presets registered.
func NewPresetBuilder(timeout time.Duration, logger zerolog.Logger) *PresetBuilder {
	if timeout <= 0 {
		timeout = DefaultPresetTimeout
	}
	b := &PresetBuilder{
		timeout: timeout,
		logger:  logger.With().Str("component", "presets").Logger(),
		presets: make(map[string]Preset),
	}
	for _, p := range builtinPresets {
		b.presets[p.Name] = p
	}
	return b
}

// Register adds or replaces a preset.
func (b *PresetBuilder) Register(p Preset) error {
	if p.Name == "" {
		return fmt.Errorf("preset name is required")
	}
	if strings.TrimSpace(p.Script) == "" {
		return fmt.Errorf("preset %s has no script", p.Name)
	}

	b.mu.Lock()
	b.presets[p.Name] = p
	b.mu.Unlock()
	return nil
}

// LoadDir registers every *.star file in dir as a preset named after the file.
func (b *PresetBuilder) LoadDir(dir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.star"))
	if err != nil {
		return 0, fmt.Errorf("failed to list presets: %w", err)
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, fmt.Errorf("failed to read preset %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), ".star")
		preset := Preset{Name: name, Description: leadingComment(string(data)), Script: string(data), Source: path}
		if err := b.Register(preset); err != nil {
			return 0, err
		}
	}

	b.logger.Debug().Str("dir", dir).Int("count", len(matches)).Msg("Presets loaded")
	return len(matches), nil
}

// List returns the registered presets ordered by name.
func (b *PresetBuilder) List() []Preset {
	b.mu.RLock()
	defer b.mu.RUnlock()

	presets := make([]Preset, 0, len(b.presets))
	for _, p := range b.presets {
		presets = append(presets, p)
	}
	sort.Slice(presets, func(i, j int) bool { return presets[i].Name < presets[j].Name })
	return presets
}

// Build runs the named preset for provider with params and returns the
// resource type and configuration it produced.
func (b *PresetBuilder) Build(ctx context.Context, name string, provider engine.Provider, params map[string]interface{}) (engine.ResourceType, map[string]interface{}, error) {
	b.mu.RLock()
	preset, ok := b.presets[name]
	b.mu.RUnlock()
	if !ok {
		return "", nil, engine.NewNotFoundError(fmt.Sprintf("preset not found: %s", name), nil).
			WithCode(engine.ErrCodeNotFound)
	}

	evalCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "preset:" + name,
		Print: func(_ *starlark.Thread, msg string) {
			b.logger.Debug().Str("preset", name).Msg(msg)
		},
	}
	thread.SetMaxExecutionSteps(maxExecutionSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(evalCtx.Err().Error())
		case <-done:
		}
	}()

	predeclared := starlark.StringDict{
		"struct":   starlarkstruct.Default,
		"PROVIDER": starlark.String(provider),
	}

	globals, err := starlark.ExecFile(thread, name+".star", preset.Script, predeclared)
	if err != nil {
		return "", nil, presetError(name, err)
	}

	resourceType, err := presetType(globals)
	if err != nil {
		return "", nil, presetError(name, err)
	}

	build, ok := globals["build"].(starlark.Callable)
	if !ok {
		return "", nil, presetError(name, fmt.Errorf("build(params) is not defined"))
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	args, err := toStarlarkValue(params)
	if err != nil {
		return "", nil, presetError(name, fmt.Errorf("failed to convert params: %w", err))
	}

	out, err := starlark.Call(thread, build, starlark.Tuple{args}, nil)
	if err != nil {
		return "", nil, presetError(name, err)
	}

	value, err := fromStarlarkValue(out)
	if err != nil {
		return "", nil, presetError(name, err)
	}
	config, ok := value.(map[string]interface{})
	if !ok {
		return "", nil, presetError(name, fmt.Errorf("build returned %s, want dict", out.Type()))
	}

	b.logger.Debug().
		Str("preset", name).
		Str("type", string(resourceType)).
		Uint64("steps", thread.ExecutionSteps()).
		Msg("Preset built")

	return resourceType, config, nil
}

// leadingComment joins the comment lines at the top of a script.
func leadingComment(script string) string {
	var lines []string
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			break
		}
		if c := strings.TrimSpace(strings.TrimPrefix(trimmed, "#")); c != "" {
			lines = append(lines, c)
		}
	}
	return strings.Join(lines, " ")
}

func presetType(globals starlark.StringDict) (engine.ResourceType, error) {
	v, ok := globals["TYPE"].(starlark.String)
	if !ok {
		return "", fmt.Errorf("TYPE is not set to a string")
	}
	t := engine.ResourceType(v.GoString())
	if err := t.Validate(); err != nil {
		return "", err
	}
	return t, nil
}

func presetError(name string, err error) error {
	if evalErr, ok := err.(*starlark.EvalError); ok {
		err = fmt.Errorf("%s", evalErr.Backtrace())
	}
	return engine.NewPermanentError(fmt.Sprintf("preset %s failed", name), err).
		WithCode(engine.ErrCodeValidation)
}

// toStarlarkValue converts a Go value to a Starlark value.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		if val == float64(int64(val)) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			list[i] = starlark.String(item)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			starlarkItem, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = starlarkItem
		}
		return starlark.NewList(list), nil
	case map[string]string:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			if err := dict.SetKey(starlark.String(k), starlark.String(item)); err != nil {
				return nil, err
			}
		}
		return dict, nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			starlarkVal, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), starlarkVal); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// fromStarlarkValue converts a Starlark value to a Go value.
func fromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := fromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := fromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{})
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string")
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := fromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
