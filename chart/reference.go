// Package chart holds the value types shared by every component of the
// engine: chart references and their URI form, events, state snapshots,
// actions, activities, and the broadcast change record.
package chart

import (
	"fmt"
	"net/url"
	"strings"
)

// Scheme is the URI scheme under which chart references serialize.
const Scheme = "xjog+chart"

// Reference is the globally unique identity of one running chart.
// MachineID names the definition; ChartID names the running instance.
// It is a value type and is safe to use as a map key.
type Reference struct {
	MachineID string
	ChartID   string
}

// IsZero reports whether r is the zero reference.
func (r Reference) IsZero() bool {
	return r.MachineID == "" && r.ChartID == ""
}

// String returns the canonical URI form,
// xjog+chart:/<percent-encoded machineId>/<percent-encoded chartId>.
func (r Reference) String() string {
	return fmt.Sprintf("%s:/%s/%s",
		Scheme,
		url.PathEscape(r.MachineID),
		url.PathEscape(r.ChartID),
	)
}

// ParseReference parses the URI form produced by String. An optional
// //host authority component is accepted and ignored.
func ParseReference(s string) (Reference, error) {
	var u, err = url.Parse(s)
	if err != nil {
		return Reference{}, fmt.Errorf("parsing chart URI %q: %w", s, err)
	}
	if u.Scheme != Scheme {
		return Reference{}, fmt.Errorf("chart URI %q: unexpected scheme %q", s, u.Scheme)
	}

	var path = u.Path
	if path == "" {
		// url.Parse places a host-less opaque form in Opaque.
		path = u.Opaque
	}
	path = strings.TrimPrefix(path, "/")

	var parts = strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Reference{}, fmt.Errorf("chart URI %q: expected /<machineId>/<chartId>", s)
	}

	machineID, err := url.PathUnescape(parts[0])
	if err != nil {
		return Reference{}, fmt.Errorf("chart URI %q: machine id: %w", s, err)
	}
	chartID, err := url.PathUnescape(parts[1])
	if err != nil {
		return Reference{}, fmt.Errorf("chart URI %q: chart id: %w", s, err)
	}
	return Reference{MachineID: machineID, ChartID: chartID}, nil
}

// MarshalText implements encoding.TextMarshaler with the URI form.
func (r Reference) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Reference) UnmarshalText(b []byte) error {
	var parsed, err = ParseReference(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
