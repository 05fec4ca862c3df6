package jsonapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ID identifies a persisted resource within its type. Numeric identifiers
// keep their JSON number form on the wire.
type ID struct {
	value   string
	numeric bool
}

func StringID(s string) ID {
	return ID{value: s}
}

func IntID(n int64) ID {
	return ID{value: strconv.FormatInt(n, 10), numeric: true}
}

// ParseID interprets a path segment. Decimal integers become numeric ids.
func ParseID(s string) ID {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ID{value: s, numeric: true}
	}
	return ID{value: s}
}

func (id ID) String() string { return id.value }

func (id ID) IsZero() bool { return id.value == "" }

func (id ID) IsNumeric() bool { return id.numeric }

// Equal compares ids by their textual value, so IntID(1) equals StringID("1").
func (id ID) Equal(other ID) bool { return id.value == other.value }

func (id ID) Int64() (int64, error) {
	n, err := strconv.ParseInt(id.value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: id %q is not an integer", ErrValidation, id.value)
	}
	return n, nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	if id.numeric {
		return []byte(id.value), nil
	}
	return json.Marshal(id.value)
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*id = ID{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("%w: decode id: %v", ErrProtocol, err)
		}
		*id = ID{value: s}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("%w: decode id: %v", ErrProtocol, err)
	}
	*id = ID{value: n.String(), numeric: true}
	return nil
}
