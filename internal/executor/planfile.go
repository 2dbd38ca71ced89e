package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ZanzyTHEbar/dragonscale-engine"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/scheduler"
	"github.com/ZanzyTHEbar/dragonscale-engine/internal/template"
)

// PlanFile is the on-disk form of a plan. Durations are strings such as "1.5s".
type PlanFile struct {
	ID                 string            `yaml:"plan_id" json:"plan_id"`
	Name               string            `yaml:"name" json:"name"`
	Description        string            `yaml:"description" json:"description"`
	ModuleRequirements map[string]string `yaml:"module_requirements" json:"module_requirements"`
	Actions            []ActionFile      `yaml:"actions" json:"actions"`
}

type ActionFile struct {
	ID               string          `yaml:"id" json:"id"`
	Description      string          `yaml:"description" json:"description"`
	Module           string          `yaml:"module" json:"module"`
	Action           string          `yaml:"action" json:"action"`
	Params           map[string]any  `yaml:"params" json:"params"`
	DependsOn        []string        `yaml:"depends_on" json:"depends_on"`
	OnError          string          `yaml:"on_error" json:"on_error"`
	Retry            *RetryFile      `yaml:"retry" json:"retry"`
	Timeout          string          `yaml:"timeout" json:"timeout"`
	RequiresApproval bool            `yaml:"requires_approval" json:"requires_approval"`
	Approval         *ApprovalFile   `yaml:"approval" json:"approval"`
	TargetNode       string          `yaml:"target_node" json:"target_node"`
	Memory           *MemoryFile     `yaml:"memory" json:"memory"`
	Perception       *PerceptionFile `yaml:"perception" json:"perception"`
	Rollback         *RollbackFile   `yaml:"rollback" json:"rollback"`
}

type RetryFile struct {
	MaxAttempts int     `yaml:"max_attempts" json:"max_attempts"`
	Delay       string  `yaml:"delay" json:"delay"`
	Multiplier  float64 `yaml:"multiplier" json:"multiplier"`
	MaxDelay    string  `yaml:"max_delay" json:"max_delay"`
}

type ApprovalFile struct {
	RiskLevel       string `yaml:"risk_level" json:"risk_level"`
	Message         string `yaml:"message" json:"message"`
	Timeout         string `yaml:"timeout" json:"timeout"`
	TimeoutBehavior string `yaml:"timeout_behavior" json:"timeout_behavior"`
}

type MemoryFile struct {
	ReadKeys []string `yaml:"read_keys" json:"read_keys"`
	WriteKey string   `yaml:"write_key" json:"write_key"`
}

type PerceptionFile struct {
	CaptureBefore bool           `yaml:"capture_before" json:"capture_before"`
	CaptureAfter  bool           `yaml:"capture_after" json:"capture_after"`
	Target        string         `yaml:"target" json:"target"`
	Options       map[string]any `yaml:"options" json:"options"`
}

type RollbackFile struct {
	Module     string         `yaml:"module" json:"module"`
	Action     string         `yaml:"action" json:"action"`
	Params     map[string]any `yaml:"params" json:"params"`
	TargetNode string         `yaml:"target_node" json:"target_node"`
	Timeout    string         `yaml:"timeout" json:"timeout"`
}

// PlanFileLoader decodes a PlanFile in one format.
type PlanFileLoader interface {
	Load(r io.Reader) (*PlanFile, error)
	Format() string // e.g., "yaml", "json"
}

var (
	loaderMu       sync.RWMutex
	loaderRegistry = make(map[string]PlanFileLoader)
)

// RegisterPlanFileLoader registers a loader for its format.
func RegisterPlanFileLoader(loader PlanFileLoader) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	loaderRegistry[loader.Format()] = loader
}

// GetPlanFileLoader retrieves a loader by format name (e.g., "yaml").
func GetPlanFileLoader(format string) (PlanFileLoader, bool) {
	loaderMu.RLock()
	defer loaderMu.RUnlock()
	loader, ok := loaderRegistry[format]
	return loader, ok
}

// YAMLLoader implements PlanFileLoader for YAML documents.
type YAMLLoader struct{}

func (YAMLLoader) Load(r io.Reader) (*PlanFile, error) {
	var pf PlanFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to parse plan YAML: %w", err)
	}
	return &pf, nil
}

func (YAMLLoader) Format() string { return "yaml" }

// JSONLoader implements PlanFileLoader for JSON documents.
type JSONLoader struct{}

func (JSONLoader) Load(r io.Reader) (*PlanFile, error) {
	var pf PlanFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("failed to parse plan JSON: %w", err)
	}
	return &pf, nil
}

func (JSONLoader) Format() string { return "json" }

func init() {
	RegisterPlanFileLoader(YAMLLoader{})
	RegisterPlanFileLoader(JSONLoader{})
}

// FormatForPath maps a file extension to a loader format.
func FormatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	default:
		return "yaml"
	}
}

// ParsePlan decodes data in the given format and converts it to a Plan.
func ParsePlan(data []byte, format string) (*dragonscale.Plan, error) {
	loader, ok := GetPlanFileLoader(format)
	if !ok {
		return nil, dragonscale.NewValidationError("planfile", fmt.Sprintf("no plan loader registered for format %q", format), nil)
	}
	pf, err := loader.Load(bytes.NewReader(data))
	if err != nil {
		return nil, dragonscale.NewValidationError("planfile", "invalid plan document", err)
	}
	return pf.ToPlan()
}

// LoadPlanFile reads and converts the plan at path.
func LoadPlanFile(path string) (*dragonscale.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan file: %w", err)
	}
	return ParsePlan(data, FormatForPath(path))
}

// LoadAndValidatePlan loads a plan, builds its schedule and checks every
// {{result.X}} reference points at a transitive dependency.
func LoadAndValidatePlan(path string) (*dragonscale.Plan, *scheduler.DAG, error) {
	plan, err := LoadPlanFile(path)
	if err != nil {
		return nil, nil, err
	}
	dag, err := ValidatePlan(plan)
	if err != nil {
		return nil, nil, err
	}
	return plan, dag, nil
}

// ValidatePlan checks the structure and template references of plan.
func ValidatePlan(plan *dragonscale.Plan) (*scheduler.DAG, error) {
	for _, a := range plan.Actions {
		if a.Module == "" || a.Action == "" {
			return nil, dragonscale.NewValidationError("planfile", fmt.Sprintf("action '%s' needs a module and an action", a.ID), nil)
		}
		if !a.OnError.Valid() {
			return nil, dragonscale.NewValidationError("planfile", fmt.Sprintf("action '%s' has unknown on_error %q", a.ID, a.OnError), nil)
		}
	}
	dag, err := scheduler.New(plan.Actions)
	if err != nil {
		return nil, err
	}
	for _, a := range plan.Actions {
		ancestors := ancestorsOf(dag, a.ID)
		for _, ref := range template.References(a.Params) {
			if _, ok := ancestors[ref]; !ok {
				return nil, dragonscale.NewValidationError("planfile",
					fmt.Sprintf("action '%s' references result of '%s', which is not one of its dependencies", a.ID, ref), nil)
			}
		}
	}
	return dag, nil
}

func ancestorsOf(dag *scheduler.DAG, id string) map[string]struct{} {
	seen := map[string]struct{}{}
	stack := append([]string(nil), dag.Dependencies(id)...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := seen[cur]; ok {
			continue
		}
		seen[cur] = struct{}{}
		stack = append(stack, dag.Dependencies(cur)...)
	}
	return seen
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, dragonscale.NewValidationError("planfile", fmt.Sprintf("invalid duration for %s: %q", field, s), err)
	}
	return d, nil
}

// ToPlan converts the file form into a Plan.
func (pf *PlanFile) ToPlan() (*dragonscale.Plan, error) {
	plan := &dragonscale.Plan{
		ID:                 pf.ID,
		Name:               pf.Name,
		Description:        pf.Description,
		ModuleRequirements: pf.ModuleRequirements,
		Actions:            make([]dragonscale.Action, 0, len(pf.Actions)),
	}
	for _, af := range pf.Actions {
		a, err := af.toAction()
		if err != nil {
			return nil, err
		}
		plan.Actions = append(plan.Actions, a)
	}
	return plan, nil
}

func (af ActionFile) toAction() (dragonscale.Action, error) {
	a := dragonscale.Action{
		ID:               af.ID,
		Description:      af.Description,
		Module:           af.Module,
		Action:           af.Action,
		Params:           af.Params,
		DependsOn:        af.DependsOn,
		OnError:          dragonscale.OnError(strings.ToLower(af.OnError)),
		RequiresApproval: af.RequiresApproval,
		TargetNode:       af.TargetNode,
	}
	var err error
	if a.Timeout, err = parseDuration(af.ID+".timeout", af.Timeout); err != nil {
		return a, err
	}
	if af.Retry != nil {
		rp := &dragonscale.RetryPolicy{MaxAttempts: af.Retry.MaxAttempts, Multiplier: af.Retry.Multiplier}
		if rp.Delay, err = parseDuration(af.ID+".retry.delay", af.Retry.Delay); err != nil {
			return a, err
		}
		if rp.MaxDelay, err = parseDuration(af.ID+".retry.max_delay", af.Retry.MaxDelay); err != nil {
			return a, err
		}
		a.Retry = rp
	}
	if af.Approval != nil {
		cfg := &dragonscale.ApprovalConfig{
			RiskLevel:       af.Approval.RiskLevel,
			Message:         af.Approval.Message,
			TimeoutBehavior: dragonscale.TimeoutBehavior(strings.ToLower(af.Approval.TimeoutBehavior)),
		}
		switch cfg.TimeoutBehavior {
		case "", dragonscale.TimeoutBehaviorReject, dragonscale.TimeoutBehaviorApprove, dragonscale.TimeoutBehaviorSkip:
		default:
			return a, dragonscale.NewValidationError("planfile", fmt.Sprintf("action '%s' has unknown timeout_behavior %q", af.ID, cfg.TimeoutBehavior), nil)
		}
		if cfg.Timeout, err = parseDuration(af.ID+".approval.timeout", af.Approval.Timeout); err != nil {
			return a, err
		}
		a.Approval = cfg
	}
	if af.Memory != nil {
		a.Memory = &dragonscale.MemoryConfig{ReadKeys: af.Memory.ReadKeys, WriteKey: af.Memory.WriteKey}
	}
	if af.Perception != nil {
		a.Perception = &dragonscale.PerceptionConfig{
			CaptureBefore: af.Perception.CaptureBefore,
			CaptureAfter:  af.Perception.CaptureAfter,
			Target:        af.Perception.Target,
			Options:       af.Perception.Options,
		}
	}
	if af.Rollback != nil {
		rb := &dragonscale.RollbackSpec{
			Module:     af.Rollback.Module,
			Action:     af.Rollback.Action,
			Params:     af.Rollback.Params,
			TargetNode: af.Rollback.TargetNode,
		}
		if rb.Timeout, err = parseDuration(af.ID+".rollback.timeout", af.Rollback.Timeout); err != nil {
			return a, err
		}
		a.Rollback = rb
	}
	return a, nil
}

// Formats lists the registered loader formats.
func Formats() []string {
	loaderMu.RLock()
	defer loaderMu.RUnlock()
	out := make([]string, 0, len(loaderRegistry))
	for f := range loaderRegistry {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
