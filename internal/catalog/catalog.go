// Package catalog describes the replicated tables: their known fields, which
// fields are sensitive, and the per-field conflict resolution rules.
//
// The built-in catalog is embedded from default.toml. A replacement can be
// loaded from disk with Load.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-json"

	"github.com/replicasync/replica/internal/model"
)

//go:embed default.toml
var defaultCatalog []byte

// FieldType is the storage type of a domain field.
type FieldType string

const (
	TypeText    FieldType = "text"
	TypeInteger FieldType = "integer"
	TypeReal    FieldType = "real"
	TypeBoolean FieldType = "boolean"
	TypeJSON    FieldType = "json"
)

// SQLType returns the SQLite column type for t.
func (t FieldType) SQLType() string {
	switch t {
	case TypeInteger, TypeBoolean:
		return "INTEGER"
	case TypeReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

// Field is one domain column.
type Field struct {
	Name string    `toml:"name"`
	Type FieldType `toml:"type"`
}

// Table describes one replicated table.
type Table struct {
	Name      string               `toml:"name"`
	Fields    []Field              `toml:"fields"`
	Sensitive []string             `toml:"sensitive"`
	Rules     []model.ConflictRule `toml:"rules"`

	known     map[string]FieldType
	sensitive map[string]bool
}

// Catalog is the ordered set of replicated tables.
type Catalog struct {
	Tables []*Table `toml:"tables"`

	byName map[string]*Table
}

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from a TOML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a TOML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if _, err := toml.Decode(string(data), &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	return &c, nil
}

// New builds a catalog from tables, validating each one.
func New(tables ...*Table) (*Catalog, error) {
	c := &Catalog{Tables: tables}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) init() error {
	if len(c.Tables) == 0 {
		return fmt.Errorf("catalog has no tables")
	}
	c.byName = make(map[string]*Table, len(c.Tables))
	for _, t := range c.Tables {
		if err := t.init(); err != nil {
			return err
		}
		if _, dup := c.byName[t.Name]; dup {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		c.byName[t.Name] = t
	}
	return nil
}

func (t *Table) init() error {
	if !identRe.MatchString(t.Name) {
		return fmt.Errorf("invalid table name %q", t.Name)
	}
	t.known = map[string]FieldType{
		model.FieldUUID:      TypeText,
		model.FieldVersion:   TypeInteger,
		model.FieldCreatedAt: TypeText,
		model.FieldUpdatedAt: TypeText,
	}
	for i := range t.Fields {
		f := &t.Fields[i]
		if !identRe.MatchString(f.Name) {
			return fmt.Errorf("table %s: invalid field name %q", t.Name, f.Name)
		}
		if _, dup := t.known[f.Name]; dup {
			return fmt.Errorf("table %s: duplicate or reserved field %q", t.Name, f.Name)
		}
		switch f.Type {
		case TypeText, TypeInteger, TypeReal, TypeBoolean, TypeJSON:
		case "":
			f.Type = TypeText
		default:
			return fmt.Errorf("table %s: field %s has unknown type %q", t.Name, f.Name, f.Type)
		}
		t.known[f.Name] = f.Type
	}
	t.sensitive = make(map[string]bool, len(t.Sensitive))
	for _, name := range t.Sensitive {
		if _, ok := t.known[name]; !ok {
			return fmt.Errorf("table %s: sensitive field %q is not declared", t.Name, name)
		}
		t.sensitive[name] = true
	}
	for _, r := range t.Rules {
		if !r.Strategy.IsValid() {
			return fmt.Errorf("table %s: rule for %s has unknown strategy %q", t.Name, r.Field, r.Strategy)
		}
		if _, ok := t.known[r.Field]; !ok {
			return fmt.Errorf("table %s: rule references unknown field %q", t.Name, r.Field)
		}
	}
	sort.SliceStable(t.Rules, func(i, j int) bool { return t.Rules[i].Priority < t.Rules[j].Priority })
	return nil
}

// Table returns the named table.
func (c *Catalog) Table(name string) (*Table, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// Names returns table names in declaration order.
func (c *Catalog) Names() []string {
	names := make([]string, len(c.Tables))
	for i, t := range c.Tables {
		names[i] = t.Name
	}
	return names
}

// Columns returns every column of the table, reserved columns first.
func (t *Table) Columns() []string {
	cols := []string{model.FieldUUID, model.FieldVersion, model.FieldCreatedAt, model.FieldUpdatedAt}
	for _, f := range t.Fields {
		cols = append(cols, f.Name)
	}
	return cols
}

// FieldType returns the type of a known field.
func (t *Table) FieldType(name string) (FieldType, bool) {
	ft, ok := t.known[name]
	return ft, ok
}

// IsKnown reports whether name is a column of the table.
func (t *Table) IsKnown(name string) bool {
	_, ok := t.known[name]
	return ok
}

// IsSensitive reports whether name must be sealed before upload.
func (t *Table) IsSensitive(name string) bool {
	return t.sensitive[name]
}

// Rule returns the rule for field, if any.
func (t *Table) Rule(field string) (model.ConflictRule, bool) {
	for _, r := range t.Rules {
		if r.Field == field {
			return r, true
		}
	}
	return model.ConflictRule{}, false
}

// Filter drops every field the table does not declare.
func (t *Table) Filter(rec model.Record) model.Record {
	out := make(model.Record, len(rec))
	for k, v := range rec {
		if t.IsKnown(k) {
			out[k] = v
		}
	}
	return out
}

// DomainFields returns the non-reserved field names.
func (t *Table) DomainFields() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// ToColumn converts a record value to its SQLite representation.
func (t *Table) ToColumn(name string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	ft, _ := t.FieldType(name)
	switch ft {
	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			if b {
				return int64(1), nil
			}
			return int64(0), nil
		default:
			return model.AsInt64(v), nil
		}
	case TypeInteger:
		return model.AsInt64(v), nil
	case TypeJSON:
		if s, ok := v.(string); ok {
			return s, nil
		}
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s.%s: %w", t.Name, name, err)
		}
		return string(data), nil
	}
	return v, nil
}

// FromColumn converts a scanned SQLite value back to its record representation.
func (t *Table) FromColumn(name string, v any) any {
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	if v == nil {
		return nil
	}
	ft, _ := t.FieldType(name)
	switch ft {
	case TypeBoolean:
		return model.AsInt64(v) != 0
	case TypeInteger:
		return model.AsInt64(v)
	case TypeJSON:
		s, ok := v.(string)
		if !ok {
			return v
		}
		var out any
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return s
		}
		return out
	}
	return v
}

// Normalize filters rec to known fields and converts every value to the
// representation FromColumn produces, so records from the server and from
// the local store compare equal when their stored values are equal.
func (t *Table) Normalize(rec model.Record) (model.Record, error) {
	out := make(model.Record, len(rec))
	for k, v := range rec {
		if !t.IsKnown(k) {
			continue
		}
		col, err := t.ToColumn(k, v)
		if err != nil {
			return nil, err
		}
		out[k] = t.FromColumn(k, col)
	}
	return out, nil
}
