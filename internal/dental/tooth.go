package dental

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Tooth is an FDI tooth identifier (11-48 permanent, 51-85 primary).
type Tooth int

// Status is the clinical status of a single tooth.
type Status string

const (
	StatusNormal     Status = "N"
	StatusExtraction Status = "X"
	StatusDecayed    Status = "O"
	StatusMissing    Status = "M"
	StatusFilled     Status = "F"
)

// statusCycle is the order a chart button steps through.
var statusCycle = []Status{StatusNormal, StatusExtraction, StatusDecayed, StatusMissing, StatusFilled}

// Valid reports whether s is one of the five chart statuses.
func (s Status) Valid() bool {
	for _, v := range statusCycle {
		if s == v {
			return true
		}
	}
	return false
}

// Label is the long form used in exports.
func (s Status) Label() string {
	switch s {
	case StatusExtraction:
		return "extraction"
	case StatusDecayed:
		return "decayed"
	case StatusMissing:
		return "missing"
	case StatusFilled:
		return "filled"
	default:
		return "normal"
	}
}

// Next returns the status after s in the button cycle N, X, O, M, F.
// Unknown statuses restart the cycle at Normal.
func Next(s Status) Status {
	for i, v := range statusCycle {
		if v == s {
			return statusCycle[(i+1)%len(statusCycle)]
		}
	}
	return StatusNormal
}

// Teeth lists the 52 charted teeth in chart order: permanent quadrants 1-4,
// then primary quadrants 5-8.
var Teeth = []Tooth{
	18, 17, 16, 15, 14, 13, 12, 11, 21, 22, 23, 24, 25, 26, 27, 28,
	38, 37, 36, 35, 34, 33, 32, 31, 41, 42, 43, 44, 45, 46, 47, 48,
	55, 54, 53, 52, 51, 61, 62, 63, 64, 65,
	75, 74, 73, 72, 71, 81, 82, 83, 84, 85,
}

var validTeeth = func() map[Tooth]bool {
	m := make(map[Tooth]bool, len(Teeth))
	for _, t := range Teeth {
		m[t] = true
	}
	return m
}()

// Valid reports whether t is one of the charted teeth.
func (t Tooth) Valid() bool { return validTeeth[t] }

// Primary reports whether t belongs to the primary dentition.
func (t Tooth) Primary() bool { return t >= 51 }

// Chart maps every charted tooth to exactly one status. The zero value is a
// chart with every tooth Normal.
type Chart struct {
	status map[Tooth]Status
}

// NewChart returns an all-Normal chart.
func NewChart() Chart { return Chart{} }

// Get returns the status of t, Normal when unset.
func (c Chart) Get(t Tooth) Status {
	if s, ok := c.status[t]; ok {
		return s
	}
	return StatusNormal
}

// Set records status s for tooth t.
func (c *Chart) Set(t Tooth, s Status) error {
	if !t.Valid() {
		return fmt.Errorf("unknown tooth %d", t)
	}
	if !s.Valid() {
		return fmt.Errorf("unknown status %q for tooth %d", s, t)
	}
	if c.status == nil {
		c.status = make(map[Tooth]Status)
	}
	if s == StatusNormal {
		delete(c.status, t)
		return nil
	}
	c.status[t] = s
	return nil
}

// Cycle advances tooth t to its next status and returns it.
func (c *Chart) Cycle(t Tooth) (Status, error) {
	next := Next(c.Get(t))
	if err := c.Set(t, next); err != nil {
		return "", err
	}
	return next, nil
}

// Reset sets every tooth back to Normal.
func (c *Chart) Reset() { c.status = nil }

// Clone returns an independent copy.
func (c Chart) Clone() Chart {
	out := Chart{}
	if len(c.status) == 0 {
		return out
	}
	out.status = make(map[Tooth]Status, len(c.status))
	for t, s := range c.status {
		out.status[t] = s
	}
	return out
}

// Equal reports whether both charts assign the same status to every tooth.
func (c Chart) Equal(o Chart) bool {
	for _, t := range Teeth {
		if c.Get(t) != o.Get(t) {
			return false
		}
	}
	return true
}

// Projections are the derived tooth lists shown next to the chart.
type Projections struct {
	Extraction []Tooth
	Filling    []Tooth
	Decayed    []Tooth
	Missing    []Tooth
}

// Projections recomputes the derived lists in ascending tooth order.
// Filling covers teeth that are filled or decayed.
func (c Chart) Projections() Projections {
	var p Projections
	for _, t := range ascendingTeeth {
		switch c.Get(t) {
		case StatusExtraction:
			p.Extraction = append(p.Extraction, t)
		case StatusDecayed:
			p.Decayed = append(p.Decayed, t)
			p.Filling = append(p.Filling, t)
		case StatusMissing:
			p.Missing = append(p.Missing, t)
		case StatusFilled:
			p.Filling = append(p.Filling, t)
		}
	}
	return p
}

// ChartFromLists rebuilds a chart from comma-joined projection lists, used
// when a remote row carries the lists but no chart snapshot. Filling entries
// that are not also decayed are read as Filled.
func ChartFromLists(extraction, filling, decayed, missing string) Chart {
	var c Chart
	for _, t := range ParseTeeth(filling) {
		_ = c.Set(t, StatusFilled)
	}
	for _, t := range ParseTeeth(decayed) {
		_ = c.Set(t, StatusDecayed)
	}
	for _, t := range ParseTeeth(missing) {
		_ = c.Set(t, StatusMissing)
	}
	for _, t := range ParseTeeth(extraction) {
		_ = c.Set(t, StatusExtraction)
	}
	return c
}

// JoinTeeth renders a projection list the way the form fields show it.
func JoinTeeth(teeth []Tooth) string {
	parts := make([]string, len(teeth))
	for i, t := range teeth {
		parts[i] = strconv.Itoa(int(t))
	}
	return strings.Join(parts, ", ")
}

// ParseTeeth reads a comma-joined list, ignoring anything that is not a
// charted tooth.
func ParseTeeth(s string) []Tooth {
	var out []Tooth
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' || r == ' ' }) {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			continue
		}
		if t := Tooth(n); t.Valid() {
			out = append(out, t)
		}
	}
	return out
}

// MarshalJSON writes every charted tooth, keyed by its number.
func (c Chart) MarshalJSON() ([]byte, error) {
	m := make(map[string]Status, len(Teeth))
	for _, t := range Teeth {
		m[strconv.Itoa(int(t))] = c.Get(t)
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts {"18":"N",...}; unknown teeth and statuses are dropped.
func (c *Chart) UnmarshalJSON(b []byte) error {
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	c.Reset()
	for k, v := range m {
		n, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil {
			continue
		}
		_ = c.Set(Tooth(n), Status(strings.ToUpper(strings.TrimSpace(v))))
	}
	return nil
}

var ascendingTeeth = func() []Tooth {
	out := append([]Tooth(nil), Teeth...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}()
