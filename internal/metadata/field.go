package metadata

// Field types understood by the engine and the migrator.
const (
	TypeString = "string"
	TypeText   = "text"
	TypeInt    = "int"
	TypeBool   = "bool"
	TypeJSON   = "json"
	TypeRef    = "ref" // foreign key to another resource's id
	TypeM2M    = "m2m" // rows in a join table, not a column
)

// Delete behaviours for ref fields.
const (
	OnDeleteProtect = "protect"
	OnDeleteSetNull = "set_null"
	OnDeleteCascade = "cascade"
)

type Field struct {
	Name     string   `yaml:"name"`
	Label    string   `yaml:"label"`
	Type     string   `yaml:"type"`
	Required bool     `yaml:"required"`
	Unique   bool     `yaml:"unique"`
	Default  any      `yaml:"default"`
	Enum     []string `yaml:"enum"`
	ReadOnly bool     `yaml:"read_only"` // only derive rules and the server write it
	Auto     string   `yaml:"auto"`      // "creator": set to the caller's id on create

	// ref
	Ref      string `yaml:"ref"`
	OnDelete string `yaml:"on_delete"`

	// m2m
	Through   string `yaml:"through"`
	SourceKey string `yaml:"source_key"`
	TargetKey string `yaml:"target_key"`
}

// IsColumn reports whether the field is stored in the resource table.
func (f Field) IsColumn() bool {
	return f.Type != TypeM2M
}

// IsRef reports whether the field is a foreign key.
func (f Field) IsRef() bool {
	return f.Type == TypeRef
}

// IsM2M reports whether the field lives in a join table.
func (f Field) IsM2M() bool {
	return f.Type == TypeM2M
}

// Writable reports whether clients may set the field.
func (f Field) Writable() bool {
	return !f.ReadOnly && f.Auto == ""
}

// DeleteRule returns the ref's ON DELETE behaviour, defaulting to protect.
func (f Field) DeleteRule() string {
	if f.OnDelete == "" {
		return OnDeleteProtect
	}
	return f.OnDelete
}
