package metadata

import "devops-backend/internal/rbac"

// Resource is one protected REST resource. Definitions come from the embedded
// resources.yaml and are immutable once loaded.
type Resource struct {
	Name          string       `yaml:"name"`
	Path          string       `yaml:"path"`  // URL segment under /api
	Table         string       `yaml:"table"` // backing table
	Label         string       `yaml:"label"`
	System        bool         `yaml:"system"` // table owned by the bootstrap DDL, not the migrator
	Tree          bool         `yaml:"tree"`   // self-referencing through parent_id
	AffectsGrants bool         `yaml:"affects_grants"`
	Search        []string     `yaml:"search"`
	Ordering      []string     `yaml:"ordering"` // default sort, "-field" for DESC
	NormalizeName bool         `yaml:"normalize_name"`
	Fields        []Field      `yaml:"fields"`
	Load          []Load       `yaml:"load"`
	Validate      []Validation `yaml:"validate"`
	Derive        []Derive     `yaml:"derive"`
	Actions       []Action     `yaml:"actions"`
	RawPerms      []PermEntry  `yaml:"perms"`

	// Perms is the rule table built from RawPerms. Nil when the resource
	// declares no perms at all.
	Perms *rbac.Table `yaml:"-"`
}

// PermEntry is one declared rule: {key: "get", code: "user_list", label: "..."}.
type PermEntry struct {
	Key   string `yaml:"key"`
	Code  string `yaml:"code"`
	Label string `yaml:"label"`
}

// Load fetches a related row into the rule environment under As. From is an
// expression evaluated against the environment built so far and must yield
// the related id (or nil to skip).
type Load struct {
	As       string `yaml:"as"`
	Resource string `yaml:"resource"`
	From     string `yaml:"from"`
}

// Validation rejects a write when Expression evaluates to true.
type Validation struct {
	Expression string `yaml:"expression"`
	Message    string `yaml:"message"`
}

// Derive computes Field from Expression. When is optional; the rule is skipped
// when it evaluates to false.
type Derive struct {
	Field      string `yaml:"field"`
	Expression string `yaml:"expression"`
	When       string `yaml:"when"`
}

// Action is a custom operation beyond plain CRUD, mounted at
// <method> /api/<resource path>/<action path>.
type Action struct {
	Name   string `yaml:"name"`
	Method string `yaml:"method"`
	Path   string `yaml:"path"`
}

// GetField returns a pointer to the field with the given name, or nil.
func (r *Resource) GetField(name string) *Field {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			return &r.Fields[i]
		}
	}
	return nil
}

// HasColumn reports whether name is a stored column of the resource table,
// including the implicit id and timestamps.
func (r *Resource) HasColumn(name string) bool {
	switch name {
	case "id", "created_at", "updated_at":
		return true
	}
	f := r.GetField(name)
	return f != nil && f.IsColumn()
}

// Columns returns the stored columns in select order.
func (r *Resource) Columns() []string {
	cols := []string{"id"}
	for _, f := range r.Fields {
		if f.IsColumn() {
			cols = append(cols, f.Name)
		}
	}
	return append(cols, "created_at", "updated_at")
}

// ManyToMany returns the m2m fields.
func (r *Resource) ManyToMany() []Field {
	var out []Field
	for _, f := range r.Fields {
		if f.IsM2M() {
			out = append(out, f)
		}
	}
	return out
}

// BoolColumns returns the names of bool columns, for dialects that store
// them as integers.
func (r *Resource) BoolColumns() []string {
	var out []string
	for _, f := range r.Fields {
		if f.Type == "bool" {
			out = append(out, f.Name)
		}
	}
	return out
}

// JSONColumns returns the names of json columns.
func (r *Resource) JSONColumns() []string {
	var out []string
	for _, f := range r.Fields {
		if f.Type == "json" {
			out = append(out, f.Name)
		}
	}
	return out
}

// GetAction returns the custom action with the given name, or nil.
func (r *Resource) GetAction(name string) *Action {
	for i := range r.Actions {
		if r.Actions[i].Name == name {
			return &r.Actions[i]
		}
	}
	return nil
}

// SearchFields returns the fields matched by ?search=, defaulting to name
// when the resource has one.
func (r *Resource) SearchFields() []string {
	if len(r.Search) > 0 {
		return r.Search
	}
	if r.HasColumn("name") {
		return []string{"name"}
	}
	return nil
}
