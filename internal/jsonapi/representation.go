package jsonapi

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Relationship is the wire form of a named relationship.
type Relationship struct {
	Data *LinkageData `json:"data"`
}

// Representation is the wire shape of a resource.
//
// Decoding accepts both the nested form ({"type", "id", "attributes": {...}})
// and the flat form where attributes sit next to "type" and "id". Encoding
// always produces the nested form.
type Representation struct {
	Type          string
	ID            ID
	Attributes    map[string]any
	Links         Links
	Relationships map[string]Relationship
}

type wireRepresentation struct {
	Type          string                  `json:"type"`
	ID            ID                      `json:"id,omitzero"`
	Attributes    map[string]any          `json:"attributes,omitempty"`
	Links         Links                   `json:"links,omitzero"`
	Relationships map[string]Relationship `json:"relationships,omitempty"`
}

func (r Representation) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRepresentation(r))
}

func (r *Representation) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: decode resource: %v", ErrProtocol, err)
	}
	out := Representation{}
	for key, value := range raw {
		var err error
		switch key {
		case "type":
			err = json.Unmarshal(value, &out.Type)
		case "id":
			err = json.Unmarshal(value, &out.ID)
		case "links":
			err = json.Unmarshal(value, &out.Links)
		case "relationships":
			err = json.Unmarshal(value, &out.Relationships)
		case "attributes":
			var attrs map[string]any
			if err = json.Unmarshal(value, &attrs); err == nil {
				if out.Attributes == nil {
					out.Attributes = make(map[string]any, len(attrs))
				}
				for k, v := range attrs {
					out.Attributes[k] = v
				}
			}
		default:
			var v any
			if err = json.Unmarshal(value, &v); err == nil {
				if out.Attributes == nil {
					out.Attributes = make(map[string]any)
				}
				if _, nested := out.Attributes[key]; !nested {
					out.Attributes[key] = v
				}
			}
		}
		if err != nil {
			return fmt.Errorf("%w: decode resource field %q: %v", ErrProtocol, key, err)
		}
	}
	*r = out
	return nil
}

// Identifier returns the linkage of the represented resource.
func (r Representation) Identifier() Linkage {
	return Linkage{Type: r.Type, ID: r.ID}
}

// Document is the top-level envelope exchanged with the remote service.
// Data holds a single resource object, an array of them, or a linkage.
type Document struct {
	Data     json.RawMessage  `json:"data,omitempty"`
	Links    Links            `json:"links,omitzero"`
	Included []Representation `json:"included,omitempty"`
}

func NewDocument(rep Representation) (Document, error) {
	data, err := json.Marshal(rep)
	if err != nil {
		return Document{}, fmt.Errorf("encode resource: %w", err)
	}
	return Document{Data: data}, nil
}

func NewCollectionDocument(reps []Representation) (Document, error) {
	if reps == nil {
		reps = []Representation{}
	}
	data, err := json.Marshal(reps)
	if err != nil {
		return Document{}, fmt.Errorf("encode resources: %w", err)
	}
	return Document{Data: data}, nil
}

func NewLinkageDocument(d *LinkageData) (Document, error) {
	if d == nil {
		d = &LinkageData{}
	}
	data, err := json.Marshal(d)
	if err != nil {
		return Document{}, fmt.Errorf("encode linkage: %w", err)
	}
	return Document{Data: data}, nil
}

// HasData reports whether the document carries a non-null primary payload.
func (d Document) HasData() bool {
	data := bytes.TrimSpace(d.Data)
	return len(data) > 0 && !bytes.Equal(data, []byte("null"))
}

func (d Document) IsCollection() bool {
	data := bytes.TrimSpace(d.Data)
	return len(data) > 0 && data[0] == '['
}

// Resource decodes a single-resource payload.
func (d Document) Resource() (Representation, error) {
	if !d.HasData() {
		return Representation{}, fmt.Errorf("%w: document has no data", ErrProtocol)
	}
	if d.IsCollection() {
		return Representation{}, fmt.Errorf("%w: expected a single resource, got a collection", ErrProtocol)
	}
	var rep Representation
	if err := json.Unmarshal(d.Data, &rep); err != nil {
		return Representation{}, err
	}
	return rep, nil
}

// Resources decodes the payload as a list, wrapping a single resource.
func (d Document) Resources() ([]Representation, error) {
	if !d.HasData() {
		return nil, nil
	}
	if !d.IsCollection() {
		rep, err := d.Resource()
		if err != nil {
			return nil, err
		}
		return []Representation{rep}, nil
	}
	var reps []Representation
	if err := json.Unmarshal(d.Data, &reps); err != nil {
		return nil, fmt.Errorf("%w: decode resources: %v", ErrProtocol, err)
	}
	return reps, nil
}

// Linkage decodes the payload as linkage data.
func (d Document) Linkage() (*LinkageData, error) {
	var out LinkageData
	if !d.HasData() {
		return &out, nil
	}
	if err := json.Unmarshal(d.Data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
