package rebac

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const seedYAML = `
engine:
  decision_cache_ttl_ms: 5000
classes:
  - name: User
  - name: Role
  - name: Permission
  - name: Department
  - name: Document
entities:
  - class: Department
    display_name: org
  - class: Department
    display_name: engineering
    parent: org
  - class: Document
    display_name: design-doc
    parent: engineering
    attributes:
      confidential: true
  - class: User
    display_name: alice
  - class: Role
    display_name: editor
  - class: Permission
    display_name: document.edit
grants:
  - role: editor
    permission: document.edit
assignments:
  - user: alice
    role: editor
    scope: org
policies:
  - name: no-confidential-edits
    effect: DENY
    priority: 100
    target_permissions: [document.edit]
    conditions_json: '{"all":[{"attribute":"entity.attributes.confidential","operator":"eq","value":true}]}'
`

func TestLoadConfigByExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if len(cfg.Classes) != 5 || len(cfg.Entities) != 6 || len(cfg.Policies) != 1 {
		t.Fatalf("parse lost sections: %s", cfg.Stats())
	}
	if cfg.Engine.DecisionCacheTTL != 5000 {
		t.Fatalf("engine tuning lost: %+v", cfg.Engine)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	jsonData, err := cfg.ToJSON()
	if err != nil {
		t.Fatalf("to json: %v", err)
	}
	jsonPath := filepath.Join(dir, "seed.json")
	if err := os.WriteFile(jsonPath, jsonData, 0o644); err != nil {
		t.Fatalf("write json: %v", err)
	}
	back, err := LoadConfig(jsonPath)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if back.Stats() != cfg.Stats() {
		t.Fatalf("round trip changed the document: %s vs %s", back.Stats(), cfg.Stats())
	}

	if _, err := LoadConfig(filepath.Join(dir, "seed.toml")); !IsInvalidInput(err) {
		t.Fatalf("expected unsupported format rejection, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"unknown class", Config{
			Entities: []EntityConfig{{Class: "Ghost", DisplayName: "x"}},
		}},
		{"invalid effect", Config{
			Policies: []PolicyConfig{{Name: "p", Effect: "SOMETIMES"}},
		}},
		{"bad cron", Config{
			Assignments: []AssignmentConfig{{User: "u", Role: "r", ScheduleCron: "bad"}},
		}},
		{"bad operator", Config{
			Policies: []PolicyConfig{{Name: "p", Effect: "DENY",
				ConditionsJSON: `{"all":[{"attribute":"x","operator":"resembles","value":1}]}`}},
		}},
		{"broken conditions json", Config{
			Policies: []PolicyConfig{{Name: "p", Effect: "DENY", ConditionsJSON: `{]`}},
		}},
	}
	for _, tc := range cases {
		if err := tc.cfg.Validate(); !IsInvalidInput(err) {
			t.Fatalf("%s: expected invalid input, got %v", tc.name, err)
		}
	}
}

func TestApplyConfigSeedsWorkingGraph(t *testing.T) {
	cfg, err := LoadConfigYAML([]byte(seedYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	ctx := context.Background()

	if err := eng.ApplyConfig(ctx, cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}

	alice, err := eng.findEntityByClassName(ctx, ClassUser, "alice")
	if err != nil {
		t.Fatalf("find alice: %v", err)
	}
	doc, err := eng.findEntityByClassName(ctx, "Document", "design-doc")
	if err != nil {
		t.Fatalf("find doc: %v", err)
	}

	// The editor grant is live, but the seeded deny policy wins on the
	// confidential document.
	if mustAuthorize(t, eng, AuthorizeRequest{UserID: alice.ID, EntityID: doc.ID, Permission: "document.edit"}) {
		t.Fatalf("expected seeded deny policy to win")
	}
	eng2 := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng2.Close()
	cfg2, _ := LoadConfigYAML([]byte(seedYAML))
	cfg2.Policies = nil
	if err := eng2.ApplyConfig(ctx, cfg2); err != nil {
		t.Fatalf("apply without policies: %v", err)
	}
	alice2, _ := eng2.findEntityByClassName(ctx, ClassUser, "alice")
	doc2, _ := eng2.findEntityByClassName(ctx, "Document", "design-doc")
	if !mustAuthorize(t, eng2, AuthorizeRequest{UserID: alice2.ID, EntityID: doc2.ID, Permission: "document.edit"}) {
		t.Fatalf("expected seeded grant to allow")
	}
}

func TestApplyConfigIsRepeatable(t *testing.T) {
	cfg, err := LoadConfigYAML([]byte(seedYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.Policies = nil

	eng := NewEngine(NewMemoryStores(), WithClock(newTestClock(baseTime)))
	defer eng.Close()
	ctx := context.Background()

	if err := eng.ApplyConfig(ctx, cfg); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := eng.ApplyConfig(ctx, cfg); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	entities, err := eng.ListEntities(ctx, EntityFilter{})
	if err != nil {
		t.Fatalf("list entities: %v", err)
	}
	if len(entities) != 6 {
		t.Fatalf("re-apply duplicated entities: %d", len(entities))
	}
	classes, err := eng.ListClasses(ctx, "")
	if err != nil {
		t.Fatalf("list classes: %v", err)
	}
	if len(classes) != 5 {
		t.Fatalf("re-apply duplicated classes: %d", len(classes))
	}

	alice, _ := eng.findEntityByClassName(ctx, ClassUser, "alice")
	roles, err := eng.ListUserScopedRoles(ctx, alice.ID)
	if err != nil {
		t.Fatalf("user roles: %v", err)
	}
	if len(roles) != 1 {
		t.Fatalf("re-apply stacked assignments: %d", len(roles))
	}
}
