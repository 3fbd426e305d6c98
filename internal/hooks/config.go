package hooks

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kandev/execd/internal/common/logger"
	"github.com/kandev/execd/internal/estimator"
)

// FileConfig is the on-disk shape of the optional hook-pipeline definition:
// an ordered list of pre/post hook names and args, reloadable via the
// `hot_reload` JSON-RPC method without restarting the process.
type FileConfig struct {
	PrehookBudgetMS int               `yaml:"prehook_budget_ms"`
	Pre             []HookSpec        `yaml:"pre"`
	Post            []HookSpec        `yaml:"post"`
}

// HookSpec names a builtin hook and its constructor args.
type HookSpec struct {
	Name string            `yaml:"name"`
	Args map[string]string `yaml:"args"`
}

// LoadFileConfig reads and parses a hook-pipeline YAML file.
func LoadFileConfig(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("hooks: read config %s: %w", path, err)
	}
	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return FileConfig{}, fmt.Errorf("hooks: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// buildPreHook resolves a builtin pre-hook by name+args; extend by adding cases.
func buildPreHook(spec HookSpec) (PreHook, error) {
	switch spec.Name {
	case "env_export":
		return &EnvExportHook{ExtraEnv: spec.Args}, nil
	case "virtualenv_activate":
		return &VirtualenvActivateHook{VenvDir: spec.Args["venv_dir"]}, nil
	case "resource_limit":
		return &ResourceLimitHook{}, nil
	case "port_alloc":
		return &PortAllocationHook{}, nil
	case "denylist_veto":
		var list []string
		if v, ok := spec.Args["denylist"]; ok {
			list = append(list, v)
		}
		return &DenylistVetoHook{Denylist: list}, nil
	default:
		return nil, fmt.Errorf("hooks: unknown pre-hook %q", spec.Name)
	}
}

func buildPostHook(spec HookSpec, est *estimator.Estimator, log *logger.Logger) (PostHook, error) {
	switch spec.Name {
	case "verify_marker_echo":
		return NewVerifyMarkerEcho(log), nil
	case "record_timing":
		return NewRecordTimingHook(est), nil
	default:
		return nil, fmt.Errorf("hooks: unknown post-hook %q", spec.Name)
	}
}

// ReloadablePipeline wraps a Pipeline behind an atomic pointer so
// `hot_reload` can swap in a freshly parsed config without affecting
// Executions already in flight (spec.md §4.6: "Only affects new
// executions").
type ReloadablePipeline struct {
	path string
	est  *estimator.Estimator
	log  *logger.Logger

	mu      sync.Mutex
	current atomic.Pointer[Pipeline]
}

func NewReloadablePipeline(path string, est *estimator.Estimator, log *logger.Logger) (*ReloadablePipeline, error) {
	rp := &ReloadablePipeline{path: path, est: est, log: log}
	if err := rp.Reload(); err != nil {
		return nil, err
	}
	return rp, nil
}

// Reload re-reads the config file and atomically swaps the active Pipeline.
func (rp *ReloadablePipeline) Reload() error {
	cfg, err := LoadFileConfig(rp.path)
	if err != nil {
		return err
	}

	pre := make([]PreHook, 0, len(cfg.Pre))
	for _, spec := range cfg.Pre {
		h, err := buildPreHook(spec)
		if err != nil {
			return err
		}
		pre = append(pre, h)
	}

	post := make([]PostHook, 0, len(cfg.Post))
	for _, spec := range cfg.Post {
		h, err := buildPostHook(spec, rp.est, rp.log)
		if err != nil {
			return err
		}
		post = append(post, h)
	}

	budget := time.Duration(cfg.PrehookBudgetMS) * time.Millisecond
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.current.Store(NewPipeline(pre, post, budget, rp.log))
	return nil
}

// Pipeline returns the currently active Pipeline; callers should fetch this
// once per Execution so a concurrent Reload never changes hooks mid-flight.
func (rp *ReloadablePipeline) Pipeline() *Pipeline {
	return rp.current.Load()
}
