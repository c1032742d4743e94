// Package filter implements the cascading conservation area / canton selection.
//
// Each selector's options are narrowed by the other selector: choosing an
// area leaves only the cantons that co-occur with it in the joined data, and
// vice versa. The filtered record set is the intersection of both selections.
package filter

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rewired-gh/firmscr/internal/models"
)

// All is the sentinel selection meaning "no restriction"
const All = "Todos"

// ErrUnknownSelection is returned when a selected value never occurs in the dataset
var ErrUnknownSelection = errors.New("unknown selection")

// State says which selectors are active
type State int

const (
	StateNone State = iota
	StateArea
	StateCanton
	StateBoth
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateArea:
		return "area"
	case StateCanton:
		return "canton"
	case StateBoth:
		return "both"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Selection is the current value of both selectors
type Selection struct {
	Area   string `json:"area"`
	Canton string `json:"canton"`
}

// NoSelection selects everything
var NoSelection = Selection{Area: All, Canton: All}

// State returns the state implied by the selection
func (s Selection) State() State {
	area := s.Area != All && s.Area != ""
	canton := s.Canton != All && s.Canton != ""
	switch {
	case area && canton:
		return StateBoth
	case area:
		return StateArea
	case canton:
		return StateCanton
	}
	return StateNone
}

// Options is what the selectors should offer for a selection
type Options struct {
	Areas     []string  `json:"areas"`
	Cantons   []string  `json:"cantons"`
	Selection Selection `json:"selection"`
	State     string    `json:"state"`
}

// Filter answers option and filtering queries over one immutable record set
type Filter struct {
	records []models.JoinedRecord
	areas   map[string]struct{}
	cantons map[string]struct{}
	pairs   map[[2]string]struct{}
}

// New indexes the records. The slice is not copied and must not be modified afterwards.
func New(records []models.JoinedRecord) *Filter {
	f := &Filter{
		records: records,
		areas:   make(map[string]struct{}),
		cantons: make(map[string]struct{}),
		pairs:   make(map[[2]string]struct{}),
	}
	for i := range records {
		r := &records[i]
		if r.Area != "" {
			f.areas[r.Area] = struct{}{}
		}
		if r.Canton != "" {
			f.cantons[r.Canton] = struct{}{}
		}
		if r.Area != "" && r.Canton != "" {
			f.pairs[[2]string{r.Area, r.Canton}] = struct{}{}
		}
	}
	return f
}

func normalize(v string) string {
	if v == "" {
		return All
	}
	return v
}

// SelectArea changes the area selector. A canton that does not co-occur with
// the new area is reset to All.
func (f *Filter) SelectArea(sel Selection, area string) (Selection, error) {
	area = normalize(area)
	sel.Canton = normalize(sel.Canton)
	if area != All {
		if _, ok := f.areas[area]; !ok {
			return sel, fmt.Errorf("%w: area %q", ErrUnknownSelection, area)
		}
	}
	sel.Area = area
	if !f.compatible(sel.Area, sel.Canton) {
		sel.Canton = All
	}
	return sel, nil
}

// SelectCanton changes the canton selector. An area that does not co-occur
// with the new canton is reset to All.
func (f *Filter) SelectCanton(sel Selection, canton string) (Selection, error) {
	canton = normalize(canton)
	sel.Area = normalize(sel.Area)
	if canton != All {
		if _, ok := f.cantons[canton]; !ok {
			return sel, fmt.Errorf("%w: canton %q", ErrUnknownSelection, canton)
		}
	}
	sel.Canton = canton
	if !f.compatible(sel.Area, sel.Canton) {
		sel.Area = All
	}
	return sel, nil
}

// Resolve builds a selection from both values at once, as a stateless request
// carries them. The area is applied first, so an incompatible canton is dropped.
func (f *Filter) Resolve(area, canton string) (Selection, error) {
	sel, err := f.SelectArea(NoSelection, area)
	if err != nil {
		return NoSelection, err
	}
	canton = normalize(canton)
	if canton != All {
		if _, ok := f.cantons[canton]; !ok {
			return NoSelection, fmt.Errorf("%w: canton %q", ErrUnknownSelection, canton)
		}
	}
	if f.compatible(sel.Area, canton) {
		sel.Canton = canton
	}
	return sel, nil
}

func (f *Filter) compatible(area, canton string) bool {
	if area == All || canton == All {
		return true
	}
	_, ok := f.pairs[[2]string{area, canton}]
	return ok
}

func matches(r *models.JoinedRecord, sel Selection) bool {
	if sel.Area != All && sel.Area != "" && r.Area != sel.Area {
		return false
	}
	if sel.Canton != All && sel.Canton != "" && r.Canton != sel.Canton {
		return false
	}
	return true
}

// Apply returns the records matching both selectors
func (f *Filter) Apply(sel Selection) []models.JoinedRecord {
	if sel.State() == StateNone {
		return f.records
	}
	out := make([]models.JoinedRecord, 0)
	for i := range f.records {
		if matches(&f.records[i], sel) {
			out = append(out, f.records[i])
		}
	}
	return out
}

// AreaOptions lists All followed by the sorted areas that occur under the
// current canton selection
func (f *Filter) AreaOptions(sel Selection) []string {
	return f.options(Selection{Area: All, Canton: sel.Canton}, func(r *models.JoinedRecord) string { return r.Area })
}

// CantonOptions lists All followed by the sorted cantons that occur under the
// current area selection
func (f *Filter) CantonOptions(sel Selection) []string {
	return f.options(Selection{Area: sel.Area, Canton: All}, func(r *models.JoinedRecord) string { return r.Canton })
}

func (f *Filter) options(scope Selection, value func(*models.JoinedRecord) string) []string {
	seen := make(map[string]struct{})
	for i := range f.records {
		r := &f.records[i]
		if !matches(r, scope) {
			continue
		}
		if v := value(r); v != "" {
			seen[v] = struct{}{}
		}
	}

	values := make([]string, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	sort.Strings(values)
	return append([]string{All}, values...)
}

// Options returns both option lists for a selection
func (f *Filter) Options(sel Selection) Options {
	sel.Area = normalize(sel.Area)
	sel.Canton = normalize(sel.Canton)
	return Options{
		Areas:     f.AreaOptions(sel),
		Cantons:   f.CantonOptions(sel),
		Selection: sel,
		State:     sel.State().String(),
	}
}
