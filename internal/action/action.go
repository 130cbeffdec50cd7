// Package action models the BigFix actions selected for archiving and the
// session relevance used to select them.
package action

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DeletedOperator is reported as the issuer when the issuing operator no
// longer exists on the server.
const DeletedOperator = "_DeletedOperator"

// Descriptor is one row of the closed-actions query. It is produced once per
// run and never mutated.
type Descriptor struct {
	ID     int64
	State  string
	Name   string
	Issued string
	Issuer string
	// MAG marks a multiple action group whose components are archived with it.
	MAG bool

	row []json.RawMessage
}

// Component is one member action of a multiple action group.
type Component struct {
	ID    int64
	State string
	Name  string
}

// ClosedActionsQuery selects top-level actions in state Expired or Stopped
// issued more than olderDays days ago and matching the extra whose clause.
func ClosedActionsQuery(whose string, olderDays int) string {
	whose = strings.TrimSpace(whose)
	if whose == "" {
		whose = "true"
	}
	return fmt.Sprintf(`(id of it, state of it, name of it, time issued of it, name of issuer of it | %q, multiple flag of it) `+
		`of bes actions `+
		`whose ((%s) and ((now - time issued of it) > %d*day) and top level flag of it and `+
		`(state of it = "Expired" or state of it = "Stopped"))`,
		DeletedOperator, whose, olderDays)
}

// MemberActionsQuery selects the components of the multiple action group id.
func MemberActionsQuery(id int64) string {
	return fmt.Sprintf("(id of it, state of it, name of it) of member actions of bes action whose (id of it = %d)", id)
}

// ParseDescriptors decodes closed-actions query rows, preserving their order.
func ParseDescriptors(rows []json.RawMessage) ([]Descriptor, error) {
	out := make([]Descriptor, 0, len(rows))
	for i, raw := range rows {
		var fields []json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("row %d: decode tuple: %w", i, err)
		}
		if len(fields) != 6 {
			return nil, fmt.Errorf("row %d: expected 6 fields, got %d", i, len(fields))
		}

		d := Descriptor{row: fields}
		var err error
		if d.ID, err = parseID(fields[0]); err != nil {
			return nil, fmt.Errorf("row %d: id: %w", i, err)
		}
		for j, dst := range []*string{&d.State, &d.Name, &d.Issued, &d.Issuer} {
			if err := json.Unmarshal(fields[j+1], dst); err != nil {
				return nil, fmt.Errorf("row %d: field %d: %w", i, j+1, err)
			}
		}
		if err := json.Unmarshal(fields[5], &d.MAG); err != nil {
			return nil, fmt.Errorf("row %d: multiple flag: %w", i, err)
		}
		if strings.TrimSpace(d.Issuer) == "" {
			d.Issuer = DeletedOperator
		}
		out = append(out, d)
	}
	return out, nil
}

// ParseComponents decodes member-actions query rows.
func ParseComponents(rows []json.RawMessage) ([]Component, error) {
	out := make([]Component, 0, len(rows))
	for i, raw := range rows {
		var fields []json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("component row %d: decode tuple: %w", i, err)
		}
		if len(fields) != 3 {
			return nil, fmt.Errorf("component row %d: expected 3 fields, got %d", i, len(fields))
		}

		var c Component
		var err error
		if c.ID, err = parseID(fields[0]); err != nil {
			return nil, fmt.Errorf("component row %d: id: %w", i, err)
		}
		if err := json.Unmarshal(fields[1], &c.State); err != nil {
			return nil, fmt.Errorf("component row %d: state: %w", i, err)
		}
		if err := json.Unmarshal(fields[2], &c.Name); err != nil {
			return nil, fmt.Errorf("component row %d: name: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// parseID accepts the id as a JSON number or a numeric string.
func parseID(raw json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return strconv.ParseInt(n.String(), 10, 64)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", string(raw))
	}
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

// MetaJSON renders the query row as a four-space-indented JSON array.
func (d Descriptor) MetaJSON() ([]byte, error) {
	row := d.row
	if row == nil {
		var err error
		if row, err = d.synthesizeRow(); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(row); err != nil {
		return nil, fmt.Errorf("marshal action %d meta: %w", d.ID, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (d Descriptor) synthesizeRow() ([]json.RawMessage, error) {
	values := []any{d.ID, d.State, d.Name, d.Issued, d.Issuer, d.MAG}
	row := make([]json.RawMessage, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		row[i] = b
	}
	return row, nil
}

// IssuerDir is the issuer name made safe to use as one path segment.
func (d Descriptor) IssuerDir() string {
	return SafeSegment(d.Issuer)
}

// SafeSegment replaces separators and reserved names so s is a single path
// segment on every platform.
func SafeSegment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.NewReplacer("/", "_", `\`, "_", "\x00", "_").Replace(s)
	switch s {
	case "":
		return DeletedOperator
	case ".", "..":
		return "_"
	}
	return s
}
