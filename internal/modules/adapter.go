package modules

import (
	"context"
	"fmt"
	"sort"
)

// ActionFunc implements one named action of a FuncModule.
type ActionFunc func(ctx context.Context, params map[string]any) (any, error)

// FuncModule adapts plain Go functions to the dragonscale.Module interface.
type FuncModule struct {
	name        string
	version     string
	description string
	actions     map[string]ActionFunc
	validators  map[string]func(map[string]any) error
	docs        map[string]string
}

// ModuleOption configures a FuncModule.
type ModuleOption func(*FuncModule)

// WithVersion sets the module's semantic version. Defaults to 0.0.0.
func WithVersion(v string) ModuleOption {
	return func(m *FuncModule) {
		m.version = v
	}
}

// WithDescription sets a description for the module.
func WithDescription(description string) ModuleOption {
	return func(m *FuncModule) {
		m.description = description
	}
}

// WithAction registers a named action.
func WithAction(name string, fn ActionFunc) ModuleOption {
	return func(m *FuncModule) {
		m.actions[name] = fn
	}
}

// WithActionDoc documents a named action.
func WithActionDoc(name, doc string) ModuleOption {
	return func(m *FuncModule) {
		m.docs[name] = doc
	}
}

// WithValidator sets a parameter validator for one action, run before it executes.
func WithValidator(action string, validator func(map[string]any) error) ModuleOption {
	return func(m *FuncModule) {
		m.validators[action] = validator
	}
}

// NewFuncModule creates a module from functions.
func NewFuncModule(name string, options ...ModuleOption) *FuncModule {
	m := &FuncModule{
		name:       name,
		version:    "0.0.0",
		actions:    make(map[string]ActionFunc),
		validators: make(map[string]func(map[string]any) error),
		docs:       make(map[string]string),
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// Name implements dragonscale.Module.
func (m *FuncModule) Name() string { return m.name }

// Version implements dragonscale.Module.
func (m *FuncModule) Version() string { return m.version }

// Execute implements dragonscale.Module.
func (m *FuncModule) Execute(ctx context.Context, action string, params map[string]any) (any, error) {
	fn, ok := m.actions[action]
	if !ok {
		return nil, fmt.Errorf("module '%s' has no action '%s'", m.name, action)
	}
	if validate, ok := m.validators[action]; ok {
		if err := validate(params); err != nil {
			return nil, fmt.Errorf("input validation failed for %s.%s: %w", m.name, action, err)
		}
	}
	return fn(ctx, params)
}

// Schema describes the module and its actions.
func (m *FuncModule) Schema() map[string]any {
	actions := make([]string, 0, len(m.actions))
	for name := range m.actions {
		actions = append(actions, name)
	}
	sort.Strings(actions)
	docs := make(map[string]string, len(m.docs))
	for k, v := range m.docs {
		docs[k] = v
	}
	return map[string]any{
		"name":        m.name,
		"version":     m.version,
		"description": m.description,
		"actions":     actions,
		"docs":        docs,
	}
}
