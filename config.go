package rebac

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oarkflow/date"
	"gopkg.in/yaml.v3"
)

// ===== CONFIGURATION =====

// Config is the bootstrap document: engine tuning plus seed data for
// the graph and the policy set.
type Config struct {
	Engine            EngineConfig             `json:"engine" yaml:"engine"`
	RelationshipTypes []RelationshipTypeConfig `json:"relationship_types" yaml:"relationship_types"`
	Classes           []ClassConfig            `json:"classes" yaml:"classes"`
	Entities          []EntityConfig           `json:"entities" yaml:"entities"`
	Grants            []GrantConfig            `json:"grants" yaml:"grants"`
	Assignments       []AssignmentConfig       `json:"assignments" yaml:"assignments"`
	Policies          []PolicyConfig           `json:"policies" yaml:"policies"`
}

type EngineConfig struct {
	DecisionCacheTTL    int64 `json:"decision_cache_ttl_ms" yaml:"decision_cache_ttl_ms"`
	SweepInterval       int64 `json:"sweep_interval_ms" yaml:"sweep_interval_ms"`
	RistrettoNumCounter int64 `json:"ristretto_num_counter" yaml:"ristretto_num_counter"`
	RistrettoMaxCost    int64 `json:"ristretto_max_cost" yaml:"ristretto_max_cost"`
	RistrettoBuffer     int64 `json:"ristretto_buffer" yaml:"ristretto_buffer"`
}

// Options translates config tuning into engine options.
func (c EngineConfig) Options() []Option {
	var opts []Option
	if c.DecisionCacheTTL > 0 {
		opts = append(opts, WithDecisionTTL(time.Duration(c.DecisionCacheTTL)*time.Millisecond))
	}
	if c.SweepInterval > 0 {
		opts = append(opts, WithSweepInterval(time.Duration(c.SweepInterval)*time.Millisecond))
	}
	if c.RistrettoNumCounter > 0 && c.RistrettoMaxCost > 0 {
		buffer := c.RistrettoBuffer
		if buffer <= 0 {
			buffer = 64
		}
		opts = append(opts, WithCacheConfig(CacheConfig{
			NumCounters: c.RistrettoNumCounter,
			MaxCost:     c.RistrettoMaxCost,
			BufferItems: buffer,
		}))
	}
	return opts
}

type RelationshipTypeConfig struct {
	Name                        string `json:"name" yaml:"name"`
	Description                 string `json:"description,omitempty" yaml:"description,omitempty"`
	GrantsPermissionInheritance bool   `json:"grants_permission_inheritance,omitempty" yaml:"grants_permission_inheritance,omitempty"`
}

type ClassConfig struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Parent      string           `json:"parent,omitempty" yaml:"parent,omitempty"`
	IsAbstract  bool             `json:"is_abstract,omitempty" yaml:"is_abstract,omitempty"`
	Properties  []PropertyConfig `json:"properties,omitempty" yaml:"properties,omitempty"`
}

type PropertyConfig struct {
	Name            string           `json:"name" yaml:"name"`
	DataType        string           `json:"data_type" yaml:"data_type"`
	IsRequired      bool             `json:"is_required,omitempty" yaml:"is_required,omitempty"`
	IsSensitive     bool             `json:"is_sensitive,omitempty" yaml:"is_sensitive,omitempty"`
	ValidationRules *ValidationRules `json:"validation_rules,omitempty" yaml:"validation_rules,omitempty"`
}

type EntityConfig struct {
	Class       string         `json:"class" yaml:"class"`
	DisplayName string         `json:"display_name" yaml:"display_name"`
	Parent      string         `json:"parent,omitempty" yaml:"parent,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// GrantConfig attaches a permission entity to a role entity, both
// referenced by display name.
type GrantConfig struct {
	Role       string `json:"role" yaml:"role"`
	Permission string `json:"permission" yaml:"permission"`
	Effect     string `json:"effect,omitempty" yaml:"effect,omitempty"`
	FieldName  string `json:"field_name,omitempty" yaml:"field_name,omitempty"`
}

// AssignmentConfig seeds a has_role edge; the system is the granter.
type AssignmentConfig struct {
	User         string `json:"user" yaml:"user"`
	Role         string `json:"role" yaml:"role"`
	Scope        string `json:"scope,omitempty" yaml:"scope,omitempty"`
	ValidFrom    string `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidUntil   string `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
	ScheduleCron string `json:"schedule_cron,omitempty" yaml:"schedule_cron,omitempty"`
	IsDeny       bool   `json:"is_deny,omitempty" yaml:"is_deny,omitempty"`
}

type PolicyConfig struct {
	Name              string          `json:"name" yaml:"name"`
	Description       string          `json:"description,omitempty" yaml:"description,omitempty"`
	Effect            string          `json:"effect" yaml:"effect"`
	Priority          int             `json:"priority,omitempty" yaml:"priority,omitempty"`
	TargetClass       string          `json:"target_class,omitempty" yaml:"target_class,omitempty"`
	TargetPermissions []string        `json:"target_permissions,omitempty" yaml:"target_permissions,omitempty"`
	Conditions        *ConditionGroup `json:"conditions,omitempty" yaml:"-"`
	ConditionsJSON    string          `json:"-" yaml:"conditions_json,omitempty"`
	Scope             string          `json:"scope,omitempty" yaml:"scope,omitempty"`
	ValidFrom         string          `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
	ValidUntil        string          `json:"valid_until,omitempty" yaml:"valid_until,omitempty"`
}

// LoadConfig parses YAML or JSON by extension. The extension is
// checked before touching the file so an unsupported format reports
// invalid input, not a read failure.
func LoadConfig(path string) (*Config, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, newError(KindInvalidInput, "unsupported config format %q", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapError(KindStorageFailure, err, "read config %s", path)
	}
	if ext == ".json" {
		return LoadConfigJSON(data)
	}
	return LoadConfigYAML(data)
}

func LoadConfigYAML(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, wrapError(KindInvalidInput, err, "parse yaml config")
	}
	return cfg, nil
}

func LoadConfigJSON(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, wrapError(KindInvalidInput, err, "parse json config")
	}
	return cfg, nil
}

func (c *Config) ToYAML() ([]byte, error) { return yaml.Marshal(c) }

func (c *Config) ToJSON() ([]byte, error) { return json.MarshalIndent(c, "", "  ") }

// Validate performs static checks without an engine: effects, cron
// expressions, condition operators and dangling seed references.
func (c *Config) Validate() error {
	classNames := make(map[string]bool)
	for _, cl := range c.Classes {
		if cl.Name == "" {
			return newError(KindInvalidInput, "class without a name")
		}
		classNames[cl.Name] = true
	}
	entityNames := make(map[string]bool)
	for _, en := range c.Entities {
		if en.Class == "" || en.DisplayName == "" {
			return newError(KindInvalidInput, "entity needs a class and a display name")
		}
		if !classNames[en.Class] {
			return newError(KindInvalidInput, "entity %q references unknown class %q", en.DisplayName, en.Class)
		}
		entityNames[en.DisplayName] = true
	}
	for _, a := range c.Assignments {
		if a.ScheduleCron != "" {
			if err := ValidateCron(a.ScheduleCron); err != nil {
				return err
			}
		}
	}
	for _, p := range c.Policies {
		eff := Effect(strings.ToUpper(p.Effect))
		if eff != EffectAllow && eff != EffectDeny {
			return newError(KindInvalidInput, "policy %q has invalid effect %q", p.Name, p.Effect)
		}
		conds, err := p.conditions()
		if err != nil {
			return err
		}
		if err := validateConditionGroup(conds); err != nil {
			return wrapError(KindInvalidInput, err, "policy %q", p.Name)
		}
	}
	return nil
}

func (p *PolicyConfig) conditions() (*ConditionGroup, error) {
	if p.Conditions != nil {
		return p.Conditions, nil
	}
	if p.ConditionsJSON == "" {
		return nil, nil
	}
	g := &ConditionGroup{}
	if err := json.Unmarshal([]byte(p.ConditionsJSON), g); err != nil {
		return nil, wrapError(KindInvalidInput, err, "policy %q conditions", p.Name)
	}
	return g, nil
}

// ApplyConfig seeds the graph and policy set from a config document.
// Re-applying is safe: classes and entities are matched by name,
// relationships upsert.
func (e *Engine) ApplyConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := e.EnsureAccessTypes(ctx); err != nil {
		return err
	}
	for _, tc := range cfg.RelationshipTypes {
		if _, err := e.CreateRelationshipType(ctx, CreateRelationshipTypeInput{
			Name:                        tc.Name,
			Description:                 tc.Description,
			GrantsPermissionInheritance: tc.GrantsPermissionInheritance,
		}, ""); err != nil {
			return err
		}
	}
	if _, err := e.CurrentVersion(ctx); IsNotFound(err) {
		if _, err := e.CreateVersion(ctx, "bootstrap", ""); err != nil {
			return err
		}
	}
	current, err := e.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	classIDs := make(map[string]string)
	for _, cc := range cfg.Classes {
		existing, err := e.store.Classes.GetClassByName(ctx, current.ID, cc.Name)
		if err == nil {
			classIDs[cc.Name] = existing.ID
			continue
		}
		parentID := ""
		if cc.Parent != "" {
			pid, ok := classIDs[cc.Parent]
			if !ok {
				return newError(KindInvalidInput, "class %q declared before its parent %q", cc.Name, cc.Parent)
			}
			parentID = pid
		}
		created, err := e.CreateClass(ctx, CreateClassInput{
			Name:          cc.Name,
			Description:   cc.Description,
			ParentClassID: parentID,
			IsAbstract:    cc.IsAbstract,
		}, "")
		if err != nil {
			return err
		}
		classIDs[cc.Name] = created.ID
		for _, pc := range cc.Properties {
			if _, err := e.CreateProperty(ctx, CreatePropertyInput{
				Name:            pc.Name,
				ClassID:         created.ID,
				DataType:        pc.DataType,
				IsRequired:      pc.IsRequired,
				IsSensitive:     pc.IsSensitive,
				ValidationRules: pc.ValidationRules,
			}, ""); err != nil {
				return err
			}
		}
	}

	entityIDs := make(map[string]string)
	for _, ec := range cfg.Entities {
		classID := classIDs[ec.Class]
		if classID == "" {
			cls, err := e.store.Classes.GetClassByName(ctx, current.ID, ec.Class)
			if err != nil {
				return err
			}
			classID = cls.ID
		}
		if existing, err := e.findEntityByClassName(ctx, ec.Class, ec.DisplayName); err == nil {
			entityIDs[ec.DisplayName] = existing.ID
			continue
		}
		parentID := ""
		if ec.Parent != "" {
			pid, ok := entityIDs[ec.Parent]
			if !ok {
				return newError(KindInvalidInput, "entity %q declared before its parent %q", ec.DisplayName, ec.Parent)
			}
			parentID = pid
		}
		created, err := e.CreateEntity(ctx, CreateEntityInput{
			ClassID:        classID,
			DisplayName:    ec.DisplayName,
			ParentEntityID: parentID,
			Attributes:     ec.Attributes,
		}, "")
		if err != nil {
			return err
		}
		entityIDs[ec.DisplayName] = created.ID
	}

	for _, gc := range cfg.Grants {
		role, err := e.RoleByName(ctx, gc.Role)
		if err != nil {
			return err
		}
		perm, err := e.PermissionByName(ctx, gc.Permission)
		if err != nil {
			return err
		}
		effect := Effect(strings.ToUpper(gc.Effect))
		if effect == "" {
			effect = EffectAllow
		}
		if _, err := e.GrantPermissionToRole(ctx, GrantPermissionInput{
			RoleEntityID:       role.ID,
			PermissionEntityID: perm.ID,
			Effect:             effect,
			FieldName:          gc.FieldName,
		}, ""); err != nil {
			return err
		}
	}

	for _, ac := range cfg.Assignments {
		user, ok := entityIDs[ac.User]
		if !ok {
			ent, err := e.findEntityByClassName(ctx, ClassUser, ac.User)
			if err != nil {
				return err
			}
			user = ent.ID
		}
		role, err := e.RoleByName(ctx, ac.Role)
		if err != nil {
			return err
		}
		scope := ""
		if ac.Scope != "" {
			scope, ok = entityIDs[ac.Scope]
			if !ok {
				return newError(KindInvalidInput, "assignment scope %q is not a seeded entity", ac.Scope)
			}
		}
		in := AssignRoleInput{
			UserID:        user,
			RoleEntityID:  role.ID,
			ScopeEntityID: scope,
			ScheduleCron:  ac.ScheduleCron,
			IsDeny:        ac.IsDeny,
		}
		if ac.ValidFrom != "" {
			t, err := date.Parse(ac.ValidFrom)
			if err != nil {
				return wrapError(KindInvalidInput, err, "assignment valid_from")
			}
			in.ValidFrom = &t
		}
		if ac.ValidUntil != "" {
			t, err := date.Parse(ac.ValidUntil)
			if err != nil {
				return wrapError(KindInvalidInput, err, "assignment valid_until")
			}
			in.ValidUntil = &t
		}
		if _, err := e.AssignScopedRole(ctx, in); err != nil {
			return err
		}
	}

	for _, pc := range cfg.Policies {
		conds, err := pc.conditions()
		if err != nil {
			return err
		}
		in := CreatePolicyInput{
			Name:              pc.Name,
			Description:       pc.Description,
			Effect:            Effect(strings.ToUpper(pc.Effect)),
			Priority:          pc.Priority,
			TargetPermissions: pc.TargetPermissions,
			Conditions:        conds,
		}
		if pc.TargetClass != "" {
			cls, err := e.store.Classes.GetClassByName(ctx, current.ID, pc.TargetClass)
			if err != nil {
				return err
			}
			in.TargetClassID = cls.ID
		}
		if pc.Scope != "" {
			sid, ok := entityIDs[pc.Scope]
			if !ok {
				return newError(KindInvalidInput, "policy scope %q is not a seeded entity", pc.Scope)
			}
			in.ScopeEntityID = sid
		}
		if pc.ValidFrom != "" {
			t, err := date.Parse(pc.ValidFrom)
			if err != nil {
				return wrapError(KindInvalidInput, err, "policy valid_from")
			}
			in.ValidFrom = &t
		}
		if pc.ValidUntil != "" {
			t, err := date.Parse(pc.ValidUntil)
			if err != nil {
				return wrapError(KindInvalidInput, err, "policy valid_until")
			}
			in.ValidUntil = &t
		}
		if _, err := e.CreatePolicy(ctx, in, ""); err != nil {
			return err
		}
	}
	return nil
}

// Stats summarises a config document for tooling output.
func (c *Config) Stats() string {
	return fmt.Sprintf("classes=%d entities=%d grants=%d assignments=%d policies=%d",
		len(c.Classes), len(c.Entities), len(c.Grants), len(c.Assignments), len(c.Policies))
}
