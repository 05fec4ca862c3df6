package jsonapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Linkage points at a resource by type and id without embedding its data.
type Linkage struct {
	Type string `json:"type"`
	ID   ID     `json:"id,omitzero"`
}

// Key is the "type:id" form used to index resources by linkage.
func (l Linkage) Key() string {
	return l.Type + ":" + l.ID.String()
}

func (l Linkage) IsZero() bool {
	return l.Type == "" && l.ID.IsZero()
}

// LinkageData is either a single linkage (possibly empty) or a list.
type LinkageData struct {
	Many  bool
	Items []Linkage
}

func LinkOne(l Linkage) *LinkageData {
	return &LinkageData{Items: []Linkage{l}}
}

func LinkMany(ls ...Linkage) *LinkageData {
	items := make([]Linkage, len(ls))
	copy(items, ls)
	return &LinkageData{Many: true, Items: items}
}

// First returns the first linkage, which is the only one for to-one data.
func (d *LinkageData) First() (Linkage, bool) {
	if d == nil || len(d.Items) == 0 {
		return Linkage{}, false
	}
	return d.Items[0], true
}

func (d *LinkageData) Clone() *LinkageData {
	if d == nil {
		return nil
	}
	items := make([]Linkage, len(d.Items))
	copy(items, d.Items)
	return &LinkageData{Many: d.Many, Items: items}
}

func (d LinkageData) MarshalJSON() ([]byte, error) {
	if d.Many {
		if d.Items == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(d.Items)
	}
	if len(d.Items) == 0 {
		return []byte("null"), nil
	}
	return json.Marshal(d.Items[0])
}

func (d *LinkageData) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*d = LinkageData{}
		return nil
	case data[0] == '[':
		var items []Linkage
		if err := json.Unmarshal(data, &items); err != nil {
			return fmt.Errorf("%w: decode linkage: %v", ErrProtocol, err)
		}
		*d = LinkageData{Many: true, Items: items}
		return nil
	}
	var one Linkage
	if err := json.Unmarshal(data, &one); err != nil {
		return fmt.Errorf("%w: decode linkage: %v", ErrProtocol, err)
	}
	*d = LinkageData{Items: []Linkage{one}}
	return nil
}

// Link describes one relation of a resource.
type Link struct {
	Self    string       `json:"self,omitempty"`
	Related string       `json:"related,omitempty"`
	Linkage *LinkageData `json:"linkage,omitempty"`
}

func (l Link) clone() Link {
	l.Linkage = l.Linkage.Clone()
	return l
}

// Links is the links object of a resource: its own self URL plus one Link
// per relation name.
type Links struct {
	Self      string
	Relations map[string]Link
}

func (l Links) IsZero() bool {
	return l.Self == "" && len(l.Relations) == 0
}

// Get returns the relation link for name.
func (l Links) Get(name string) (Link, bool) {
	link, ok := l.Relations[name]
	return link, ok
}

// Names returns the relation names in sorted order.
func (l Links) Names() []string {
	names := make([]string, 0, len(l.Relations))
	for name := range l.Relations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (l Links) Clone() Links {
	out := Links{Self: l.Self}
	if l.Relations != nil {
		out.Relations = make(map[string]Link, len(l.Relations))
		for k, v := range l.Relations {
			out.Relations[k] = v.clone()
		}
	}
	return out
}

func (l Links) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(l.Relations)+1)
	for name, link := range l.Relations {
		m[name] = link
	}
	if l.Self != "" {
		m["self"] = l.Self
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts "self" either as a string or as {"href": ...}, and
// relation values either as link objects or as bare related URLs.
func (l *Links) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = Links{}
		return nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: decode links: %v", ErrProtocol, err)
	}
	out := Links{}
	for name, value := range raw {
		value = bytes.TrimSpace(value)
		if name == "self" {
			self, err := decodeHref(value)
			if err != nil {
				return err
			}
			out.Self = self
			continue
		}
		var link Link
		if len(value) > 0 && value[0] == '"' {
			if err := json.Unmarshal(value, &link.Related); err != nil {
				return fmt.Errorf("%w: decode link %q: %v", ErrProtocol, name, err)
			}
		} else if err := json.Unmarshal(value, &link); err != nil {
			return fmt.Errorf("%w: decode link %q: %v", ErrProtocol, name, err)
		}
		if out.Relations == nil {
			out.Relations = make(map[string]Link)
		}
		out.Relations[name] = link
	}
	*l = out
	return nil
}

func decodeHref(value json.RawMessage) (string, error) {
	if len(value) == 0 || bytes.Equal(value, []byte("null")) {
		return "", nil
	}
	if value[0] == '"' {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			return "", fmt.Errorf("%w: decode self link: %v", ErrProtocol, err)
		}
		return s, nil
	}
	var obj struct {
		Href string `json:"href"`
	}
	if err := json.Unmarshal(value, &obj); err != nil {
		return "", fmt.Errorf("%w: decode self link: %v", ErrProtocol, err)
	}
	return obj.Href, nil
}
