package pbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents a complete pbac seed: policies, users, condition settings
// and engine tuning.
type Config struct {
	Version    uint16           `json:"version" yaml:"version"`
	Policies   []PolicySeed     `json:"policies" yaml:"policies"`
	Users      []UserSeed       `json:"users,omitempty" yaml:"users,omitempty"`
	Conditions ConditionsConfig `json:"conditions" yaml:"conditions"`
	Engine     EngineConfig     `json:"engine" yaml:"engine"`
}

// PolicySeed is the portable form of a policy. Seeds are matched to stored
// policies by name.
type PolicySeed struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Effect      Effect   `json:"effect" yaml:"effect"`
	Resources   []string `json:"resources" yaml:"resources"`
	Actions     []string `json:"actions" yaml:"actions"`
	Conditions  []string `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Roles       []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	Status      Status   `json:"status,omitempty" yaml:"status,omitempty"`
}

// Policy converts the seed into a draft policy.
func (s PolicySeed) Policy() *Policy {
	return &Policy{
		Name:        s.Name,
		Description: s.Description,
		Effect:      s.Effect,
		Resources:   cloneStrings(s.Resources),
		Actions:     cloneStrings(s.Actions),
		Conditions:  cloneStrings(s.Conditions),
		Roles:       cloneStrings(s.Roles),
		Status:      s.Status,
	}
}

// SeedFromPolicy strips store-assigned fields from p.
func SeedFromPolicy(p *Policy) PolicySeed {
	return PolicySeed{
		Name:        p.Name,
		Description: p.Description,
		Effect:      p.Effect,
		Resources:   cloneStrings(p.Resources),
		Actions:     cloneStrings(p.Actions),
		Conditions:  cloneStrings(p.Conditions),
		Roles:       cloneStrings(p.Roles),
		Status:      p.Status,
	}
}

// UserSeed is the portable form of a user.
type UserSeed struct {
	ID     string   `json:"id" yaml:"id"`
	Name   string   `json:"name,omitempty" yaml:"name,omitempty"`
	Email  string   `json:"email,omitempty" yaml:"email,omitempty"`
	Roles  []string `json:"roles,omitempty" yaml:"roles,omitempty"`
	Status Status   `json:"status,omitempty" yaml:"status,omitempty"`
}

func (s UserSeed) User() *User {
	return &User{ID: s.ID, Name: s.Name, Email: s.Email, Roles: cloneStrings(s.Roles), Status: s.Status}
}

// EngineConfig tunes the decision cache and batch evaluation.
type EngineConfig struct {
	CacheSize      int64 `json:"cache_size,omitempty" yaml:"cache_size,omitempty" mapstructure:"cache_size"`
	CacheTTLMillis int64 `json:"cache_ttl_ms,omitempty" yaml:"cache_ttl_ms,omitempty" mapstructure:"cache_ttl_ms"`
	BatchWorkers   int   `json:"batch_workers,omitempty" yaml:"batch_workers,omitempty" mapstructure:"batch_workers"`
}

// Validate checks every seed without touching a store.
func (c *Config) Validate() error {
	details := make(map[string]string)
	names := make(map[string]int, len(c.Policies))
	for i, s := range c.Policies {
		key := fmt.Sprintf("policies[%d]", i)
		p := s.Policy()
		NormalizePolicy(p)
		if p.Name == "" {
			details[key+".name"] = "is required"
		} else if prev, dup := names[p.Name]; dup {
			details[key+".name"] = fmt.Sprintf("duplicates policies[%d]", prev)
		} else {
			names[p.Name] = i
		}
		if err := ValidatePolicy(p); err != nil {
			var ve *ValidationError
			if errors.As(err, &ve) {
				for f, msg := range ve.Details {
					details[key+"."+f] = msg
				}
			}
		}
	}
	for i, s := range c.Users {
		u := s.User()
		NormalizeUser(u)
		if err := ValidateUser(u); err != nil {
			details[fmt.Sprintf("users[%d]", i)] = err.Error()
		}
	}
	if _, err := NewConditionRegistry(c.Conditions); err != nil {
		details["conditions"] = err.Error()
	}
	if c.Engine.CacheSize < 0 {
		details["engine.cache_size"] = "must not be negative"
	}
	if c.Engine.BatchWorkers < 0 {
		details["engine.batch_workers"] = "must not be negative"
	}
	if len(details) == 0 {
		return nil
	}
	return &ValidationError{Message: "invalid config", Details: details}
}

// ConfigLoader loads configuration from various formats
type ConfigLoader struct{}

func NewConfigLoader() *ConfigLoader {
	return &ConfigLoader{}
}

func (l *ConfigLoader) LoadYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return cfg, nil
}

func (l *ConfigLoader) LoadDSL(data []byte) (*Config, error) {
	return NewDSLParser().Parse(data)
}

// LoadFile picks the format from the file extension: .yaml/.yml, .json or .pbac/.dsl.
func (l *ConfigLoader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return l.LoadYAML(data)
	case ".json":
		return l.LoadJSON(data)
	case ".pbac", ".dsl":
		return l.LoadDSL(data)
	default:
		return nil, fmt.Errorf("unsupported config format: %s", path)
	}
}

// ToYAML exports config to YAML
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// ToJSON exports config to JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ToDSL exports config to the line DSL
func (c *Config) ToDSL() ([]byte, error) {
	return NewDSLEncoder().Encode(c)
}

// ApplyReport counts what ApplyConfig changed.
type ApplyReport struct {
	PoliciesCreated int `json:"policiesCreated"`
	PoliciesUpdated int `json:"policiesUpdated"`
	UsersCreated    int `json:"usersCreated"`
	UsersUpdated    int `json:"usersUpdated"`
}

// ApplyConfig seeds the engine's stores from cfg on behalf of actor. Policies
// are matched by name and users by id: existing entries are updated in place,
// missing ones are created. Condition settings, when present, replace the built-ins. Engine
// tuning is not applied here; pass it to NewEngine with WithEngineConfig.
func (e *Engine) ApplyConfig(ctx context.Context, actor string, cfg *Config) (ApplyReport, error) {
	var report ApplyReport
	if cfg == nil {
		return report, NewValidationError("config", "config is required")
	}
	if err := cfg.Validate(); err != nil {
		return report, err
	}
	if len(cfg.Users) > 0 && e.userStore == nil {
		return report, NewValidationError("users", "config has users but no user store is configured")
	}
	if !cfg.Conditions.IsZero() {
		if err := e.conditions.Configure(cfg.Conditions); err != nil {
			return report, err
		}
		e.conditionsCfg = cfg.Conditions
	}

	existing, err := e.store.List(ctx, ListOptions{})
	if err != nil {
		return report, Persistence("policy.list", err)
	}
	byName := make(map[string]*Policy, len(existing))
	for _, p := range existing {
		if _, seen := byName[p.Name]; !seen {
			byName[p.Name] = p
		}
	}
	for _, seed := range cfg.Policies {
		draft := seed.Policy()
		NormalizePolicy(draft)
		if cur, ok := byName[draft.Name]; ok {
			if _, err := e.UpdatePolicy(ctx, actor, cur.ID, patchFromPolicy(draft)); err != nil {
				return report, fmt.Errorf("update policy %q: %w", draft.Name, err)
			}
			report.PoliciesUpdated++
			continue
		}
		if _, err := e.CreatePolicy(ctx, actor, draft); err != nil {
			return report, fmt.Errorf("create policy %q: %w", draft.Name, err)
		}
		report.PoliciesCreated++
	}

	for _, seed := range cfg.Users {
		u := seed.User()
		if u.ID != "" {
			if _, err := e.userStore.Get(ctx, u.ID); err == nil {
				roles := cloneStrings(u.Roles)
				patch := UserPatch{Name: &u.Name, Email: &u.Email, Roles: &roles}
				if u.Status != "" {
					patch.Status = &u.Status
				}
				if _, err := e.UpdateUser(ctx, actor, u.ID, patch); err != nil {
					return report, fmt.Errorf("update user %s: %w", u.ID, err)
				}
				report.UsersUpdated++
				continue
			}
		}
		if _, err := e.CreateUser(ctx, actor, u); err != nil {
			return report, fmt.Errorf("create user %s: %w", u.ID, err)
		}
		report.UsersCreated++
	}
	e.InvalidateDecisionCache()
	e.logger.Info("config applied", "actor", actor,
		"policies_created", report.PoliciesCreated, "policies_updated", report.PoliciesUpdated,
		"users_created", report.UsersCreated, "users_updated", report.UsersUpdated)
	return report, nil
}

// ExportConfig snapshots the stored policies and users into a Config.
func (e *Engine) ExportConfig(ctx context.Context) (*Config, error) {
	policies, err := e.store.List(ctx, ListOptions{})
	if err != nil {
		return nil, Persistence("policy.list", err)
	}
	cfg := &Config{Version: 1, Conditions: e.conditionsCfg, Policies: make([]PolicySeed, 0, len(policies))}
	for _, p := range policies {
		cfg.Policies = append(cfg.Policies, SeedFromPolicy(p))
	}
	if e.userStore != nil {
		users, err := e.userStore.List(ctx)
		if err != nil {
			return nil, Persistence("user.list", err)
		}
		for _, u := range users {
			cfg.Users = append(cfg.Users, UserSeed{ID: u.ID, Name: u.Name, Email: u.Email, Roles: cloneStrings(u.Roles), Status: u.Status})
		}
	}
	return cfg, nil
}

func patchFromPolicy(p *Policy) PolicyPatch {
	resources := cloneStrings(p.Resources)
	actions := cloneStrings(p.Actions)
	conditions := cloneStrings(p.Conditions)
	if conditions == nil {
		conditions = []string{}
	}
	roles := cloneStrings(p.Roles)
	if roles == nil {
		roles = []string{}
	}
	return PolicyPatch{
		Description: &p.Description,
		Effect:      &p.Effect,
		Resources:   &resources,
		Actions:     &actions,
		Conditions:  &conditions,
		Roles:       &roles,
		Status:      &p.Status,
	}
}
