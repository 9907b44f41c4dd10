package entity

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Reference is the serialized form of an entity passed as a run input. It
// can be written either as a store key string or as an object.
type Reference struct {
	Key      string         `json:"key,omitempty" yaml:"key,omitempty"`
	Type     string         `json:"entity_type,omitempty" yaml:"entity_type,omitempty"`
	Kind     string         `json:"kind,omitempty" yaml:"kind,omitempty"`
	ID       string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Project  string         `json:"project,omitempty" yaml:"project,omitempty"`
	Path     string         `json:"path,omitempty" yaml:"path,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ParseKey splits a store key of the form
// store://<project>/<type>/<kind>/<name>:<id> into a reference.
func ParseKey(key string) (Reference, error) {
	rest, ok := strings.CutPrefix(key, "store://")
	if !ok {
		return Reference{}, fmt.Errorf("invalid entity key %q: missing store:// prefix", key)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 4 {
		return Reference{}, fmt.Errorf("invalid entity key %q: want store://project/type/kind/name:id", key)
	}
	name, id, _ := strings.Cut(parts[3], ":")
	if parts[0] == "" || parts[1] == "" || name == "" {
		return Reference{}, fmt.Errorf("invalid entity key %q: empty segment", key)
	}
	return Reference{
		Key:     key,
		Project: parts[0],
		Type:    parts[1],
		Kind:    parts[2],
		Name:    name,
		ID:      id,
	}, nil
}

// Resolve fills the fields encoded in Key that were not set explicitly.
func (r Reference) Resolve() (Reference, error) {
	if r.Key == "" {
		return r, nil
	}
	parsed, err := ParseKey(r.Key)
	if err != nil {
		return Reference{}, err
	}
	if r.Type == "" {
		r.Type = parsed.Type
	}
	if r.Kind == "" {
		r.Kind = parsed.Kind
	}
	if r.Name == "" {
		r.Name = parsed.Name
	}
	if r.Project == "" {
		r.Project = parsed.Project
	}
	if r.ID == "" {
		r.ID = parsed.ID
	}
	return r, nil
}

type referenceFields Reference

func (r *Reference) UnmarshalJSON(b []byte) error {
	var key string
	if err := json.Unmarshal(b, &key); err == nil {
		*r = Reference{Key: key}
		return nil
	}
	var f referenceFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*r = Reference(f)
	return nil
}

func (r *Reference) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*r = Reference{Key: value.Value}
		return nil
	}
	var f referenceFields
	if err := value.Decode(&f); err != nil {
		return err
	}
	*r = Reference(f)
	return nil
}
