// Package operation defines the mutations recorded against a tracked run.
//
// An Op is a closed set of concrete types, one per mutation kind. The disk
// queue stores operations as opaque payload bytes produced by Encode; the
// synchronizer decodes them back into Ops right before handing them to a
// backend.
package operation

import (
	"fmt"
	"strings"
	"time"
)

// Kind identifies the mutation an Op performs.
type Kind string

const (
	KindAssignFloat     Kind = "assign_float"
	KindAssignInt       Kind = "assign_int"
	KindAssignBool      Kind = "assign_bool"
	KindAssignString    Kind = "assign_string"
	KindAssignDatetime  Kind = "assign_datetime"
	KindLogFloats       Kind = "log_floats"
	KindLogStrings      Kind = "log_strings"
	KindAddStrings      Kind = "add_strings"
	KindRemoveStrings   Kind = "remove_strings"
	KindClearStringSet  Kind = "clear_string_set"
	KindDeleteAttribute Kind = "delete_attribute"
	KindUploadFile      Kind = "upload_file"
)

// Kinds lists every supported mutation kind.
var Kinds = []Kind{
	KindAssignFloat,
	KindAssignInt,
	KindAssignBool,
	KindAssignString,
	KindAssignDatetime,
	KindLogFloats,
	KindLogStrings,
	KindAddStrings,
	KindRemoveStrings,
	KindClearStringSet,
	KindDeleteAttribute,
	KindUploadFile,
}

// Op is a single mutation of a run's attribute tree.
//
// The set of implementations is closed: only types in this package satisfy
// the interface.
type Op interface {
	// Kind returns the mutation kind.
	Kind() Kind
	// Attribute returns the slash-separated attribute path the op targets.
	Attribute() string
	// Validate checks the op's fields.
	Validate() error

	isOp()
}

// AssignFloat sets a float attribute.
type AssignFloat struct {
	Path  string  `cbor:"path" json:"path" yaml:"path"`
	Value float64 `cbor:"value" json:"value" yaml:"value"`
}

// AssignInt sets an integer attribute.
type AssignInt struct {
	Path  string `cbor:"path" json:"path" yaml:"path"`
	Value int64  `cbor:"value" json:"value" yaml:"value"`
}

// AssignBool sets a boolean attribute.
type AssignBool struct {
	Path  string `cbor:"path" json:"path" yaml:"path"`
	Value bool   `cbor:"value" json:"value" yaml:"value"`
}

// AssignString sets a string attribute.
type AssignString struct {
	Path  string `cbor:"path" json:"path" yaml:"path"`
	Value string `cbor:"value" json:"value" yaml:"value"`
}

// AssignDatetime sets a datetime attribute.
type AssignDatetime struct {
	Path  string    `cbor:"path" json:"path" yaml:"path"`
	Value time.Time `cbor:"value" json:"value" yaml:"value"`
}

// FloatPoint is one value appended to a float series.
type FloatPoint struct {
	Value     float64   `cbor:"value" json:"value" yaml:"value"`
	Step      *float64  `cbor:"step,omitempty" json:"step,omitempty" yaml:"step,omitempty"`
	Timestamp time.Time `cbor:"ts" json:"timestamp" yaml:"timestamp"`
}

// StringPoint is one value appended to a string series.
type StringPoint struct {
	Value     string    `cbor:"value" json:"value" yaml:"value"`
	Step      *float64  `cbor:"step,omitempty" json:"step,omitempty" yaml:"step,omitempty"`
	Timestamp time.Time `cbor:"ts" json:"timestamp" yaml:"timestamp"`
}

// LogFloats appends values to a float series.
type LogFloats struct {
	Path   string       `cbor:"path" json:"path" yaml:"path"`
	Points []FloatPoint `cbor:"points" json:"points" yaml:"points"`
}

// LogStrings appends values to a string series.
type LogStrings struct {
	Path   string        `cbor:"path" json:"path" yaml:"path"`
	Points []StringPoint `cbor:"points" json:"points" yaml:"points"`
}

// AddStrings adds values to a string set, such as the run's tags.
type AddStrings struct {
	Path   string   `cbor:"path" json:"path" yaml:"path"`
	Values []string `cbor:"values" json:"values" yaml:"values"`
}

// RemoveStrings removes values from a string set.
type RemoveStrings struct {
	Path   string   `cbor:"path" json:"path" yaml:"path"`
	Values []string `cbor:"values" json:"values" yaml:"values"`
}

// ClearStringSet removes every value from a string set.
type ClearStringSet struct {
	Path string `cbor:"path" json:"path" yaml:"path"`
}

// DeleteAttribute removes an attribute entirely.
type DeleteAttribute struct {
	Path string `cbor:"path" json:"path" yaml:"path"`
}

// UploadFile uploads a local file as the attribute's content.
type UploadFile struct {
	Path     string `cbor:"path" json:"path" yaml:"path"`
	FilePath string `cbor:"file" json:"file_path" yaml:"file_path"`
	Ext      string `cbor:"ext,omitempty" json:"ext,omitempty" yaml:"ext,omitempty"`
}

func (AssignFloat) Kind() Kind     { return KindAssignFloat }
func (AssignInt) Kind() Kind       { return KindAssignInt }
func (AssignBool) Kind() Kind      { return KindAssignBool }
func (AssignString) Kind() Kind    { return KindAssignString }
func (AssignDatetime) Kind() Kind  { return KindAssignDatetime }
func (LogFloats) Kind() Kind       { return KindLogFloats }
func (LogStrings) Kind() Kind      { return KindLogStrings }
func (AddStrings) Kind() Kind      { return KindAddStrings }
func (RemoveStrings) Kind() Kind   { return KindRemoveStrings }
func (ClearStringSet) Kind() Kind  { return KindClearStringSet }
func (DeleteAttribute) Kind() Kind { return KindDeleteAttribute }
func (UploadFile) Kind() Kind      { return KindUploadFile }

func (o AssignFloat) Attribute() string     { return o.Path }
func (o AssignInt) Attribute() string       { return o.Path }
func (o AssignBool) Attribute() string      { return o.Path }
func (o AssignString) Attribute() string    { return o.Path }
func (o AssignDatetime) Attribute() string  { return o.Path }
func (o LogFloats) Attribute() string       { return o.Path }
func (o LogStrings) Attribute() string      { return o.Path }
func (o AddStrings) Attribute() string      { return o.Path }
func (o RemoveStrings) Attribute() string   { return o.Path }
func (o ClearStringSet) Attribute() string  { return o.Path }
func (o DeleteAttribute) Attribute() string { return o.Path }
func (o UploadFile) Attribute() string      { return o.Path }

func (AssignFloat) isOp()     {}
func (AssignInt) isOp()       {}
func (AssignBool) isOp()      {}
func (AssignString) isOp()    {}
func (AssignDatetime) isOp()  {}
func (LogFloats) isOp()       {}
func (LogStrings) isOp()      {}
func (AddStrings) isOp()      {}
func (RemoveStrings) isOp()   {}
func (ClearStringSet) isOp()  {}
func (DeleteAttribute) isOp() {}
func (UploadFile) isOp()      {}

func (o AssignFloat) Validate() error    { return validatePath(o.Path) }
func (o AssignInt) Validate() error      { return validatePath(o.Path) }
func (o AssignBool) Validate() error     { return validatePath(o.Path) }
func (o AssignString) Validate() error   { return validatePath(o.Path) }
func (o ClearStringSet) Validate() error { return validatePath(o.Path) }

func (o DeleteAttribute) Validate() error { return validatePath(o.Path) }

func (o AssignDatetime) Validate() error {
	if err := validatePath(o.Path); err != nil {
		return err
	}
	if o.Value.IsZero() {
		return fmt.Errorf("value is required")
	}
	return nil
}

func (o LogFloats) Validate() error {
	if err := validatePath(o.Path); err != nil {
		return err
	}
	if len(o.Points) == 0 {
		return fmt.Errorf("at least one point is required")
	}
	return nil
}

func (o LogStrings) Validate() error {
	if err := validatePath(o.Path); err != nil {
		return err
	}
	if len(o.Points) == 0 {
		return fmt.Errorf("at least one point is required")
	}
	return nil
}

func (o AddStrings) Validate() error {
	if err := validatePath(o.Path); err != nil {
		return err
	}
	if len(o.Values) == 0 {
		return fmt.Errorf("at least one value is required")
	}
	return nil
}

func (o RemoveStrings) Validate() error {
	if err := validatePath(o.Path); err != nil {
		return err
	}
	if len(o.Values) == 0 {
		return fmt.Errorf("at least one value is required")
	}
	return nil
}

func (o UploadFile) Validate() error {
	if err := validatePath(o.Path); err != nil {
		return err
	}
	if o.FilePath == "" {
		return fmt.Errorf("file path is required")
	}
	return nil
}

// validatePath checks that an attribute path is non-empty and has no empty
// segments ("a//b", "/a", "a/").
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path is required")
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "" {
			return fmt.Errorf("path %q has an empty segment", path)
		}
	}
	return nil
}

// Describe returns a short human-readable form of op, e.g.
// "assign_float metrics/acc".
func Describe(op Op) string {
	return fmt.Sprintf("%s %s", op.Kind(), op.Attribute())
}
