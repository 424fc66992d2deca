package rules

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/brettboylen/reddit-modbot/models"
)

// Options controls how condition patterns are compiled
type Options struct {
	// CaseInsensitive prepends (?i) to every pattern. Matching is case-sensitive by default.
	CaseInsensitive bool
}

type node struct {
	cond     models.Condition
	pattern  *regexp.Regexp
	children []int // indexes into Forest.nodes, ascending condition id
	usable   bool
}

// Forest is an immutable snapshot of one subreddit's condition trees.
// It is safe to share between goroutines once built.
type Forest struct {
	subredditID int64
	nodes       []node
	roots       []int
	byID        map[int64]int
	needsAuthor bool
}

// LoadReport describes the rows that were excluded while building a Forest
type LoadReport struct {
	SubredditID int64
	Rows        int
	Loaded      int
	// Excluded holds one error per rejected row; descendants of a rejected row are
	// unreachable and are counted in Unreachable instead.
	Excluded    []error
	Unreachable int
}

// HasProblems reports whether any row was left out of evaluation
func (r *LoadReport) HasProblems() bool {
	return len(r.Excluded) > 0 || r.Unreachable > 0
}

// CompilePattern builds the anchored regular expression used for a condition's value.
// The value must match the whole attribute string; "." also matches newlines.
func CompilePattern(value string, opts Options) (*regexp.Regexp, error) {
	// compile bare first so a value like "a)|(b" cannot escape the anchoring group
	if _, err := regexp.Compile(value); err != nil {
		return nil, err
	}
	flags := "(?s"
	if opts.CaseInsensitive {
		flags += "i"
	}
	return regexp.Compile("^" + flags + ":" + value + ")$")
}

// Build groups the flat condition rows of one subreddit into a Forest.
//
// Rows may arrive in any order; siblings are always ordered by ascending id. A row
// whose pattern does not compile is excluded together with its subtree and reported
// in the LoadReport. Cycles, dangling parent ids and rows of another subreddit reject
// the whole forest.
func Build(subredditID int64, rows []models.Condition, opts Options) (*Forest, *LoadReport, error) {
	sorted := make([]models.Condition, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	f := &Forest{
		subredditID: subredditID,
		nodes:       make([]node, len(sorted)),
		byID:        make(map[int64]int, len(sorted)),
	}
	report := &LoadReport{SubredditID: subredditID, Rows: len(sorted)}

	for i, c := range sorted {
		if c.SubredditID != subredditID {
			return nil, nil, fmt.Errorf("condition %d (subreddit %d): %w", c.ID, c.SubredditID, ErrForeignCondition)
		}
		if _, dup := f.byID[c.ID]; dup {
			return nil, nil, fmt.Errorf("duplicate condition id %d", c.ID)
		}
		f.byID[c.ID] = i
		f.nodes[i].cond = c
	}

	for _, c := range sorted {
		if c.ParentID == nil {
			continue
		}
		if _, ok := f.byID[*c.ParentID]; !ok {
			return nil, nil, fmt.Errorf("condition %d references parent %d: %w", c.ID, *c.ParentID, ErrOrphanCondition)
		}
	}

	if err := checkCycles(f); err != nil {
		return nil, nil, err
	}

	for i := range f.nodes {
		n := &f.nodes[i]
		if !n.cond.Subject.Valid() || !n.cond.Attribute.Valid() {
			report.Excluded = append(report.Excluded, fmt.Errorf("condition %d: %w: subject %q attribute %q",
				n.cond.ID, ErrInvalidCondition, n.cond.Subject, n.cond.Attribute))
			continue
		}
		re, err := CompilePattern(n.cond.Value, opts)
		if err != nil {
			report.Excluded = append(report.Excluded, &PatternCompileError{
				ConditionID: n.cond.ID,
				Pattern:     n.cond.Value,
				Err:         err,
			})
			continue
		}
		n.pattern = re
		n.usable = true
	}

	for i := range f.nodes {
		n := &f.nodes[i]
		if !n.usable {
			continue
		}
		if n.cond.ParentID == nil {
			f.roots = append(f.roots, i)
			continue
		}
		p := f.byID[*n.cond.ParentID]
		f.nodes[p].children = append(f.nodes[p].children, i)
	}

	seen := make([]bool, len(f.nodes))
	var walk func(idx int)
	walk = func(idx int) {
		seen[idx] = true
		if f.nodes[idx].cond.HasAuthorGates() {
			f.needsAuthor = true
		}
		for _, c := range f.nodes[idx].children {
			walk(c)
		}
	}
	for _, r := range f.roots {
		walk(r)
	}

	// usable rows below an excluded ancestor never get linked to a root
	for i := range f.nodes {
		if f.nodes[i].usable && !seen[i] {
			f.nodes[i].usable = false
			f.nodes[i].children = nil
			report.Unreachable++
		}
	}

	report.Loaded = f.Len()
	return f, report, nil
}

// checkCycles walks every parent chain once, colouring visited rows
func checkCycles(f *Forest) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]uint8, len(f.nodes))

	for start := range f.nodes {
		var path []int
		idx := start
		for idx >= 0 && state[idx] != done {
			if state[idx] == visiting {
				ids := make([]int64, 0, len(path)+1)
				for _, p := range path {
					ids = append(ids, f.nodes[p].cond.ID)
				}
				ids = append(ids, f.nodes[idx].cond.ID)
				return fmt.Errorf("%w: %v", ErrConditionCycle, ids)
			}
			state[idx] = visiting
			path = append(path, idx)

			parent := f.nodes[idx].cond.ParentID
			if parent == nil {
				idx = -1
			} else {
				idx = f.byID[*parent]
			}
		}
		for _, p := range path {
			state[p] = done
		}
	}
	return nil
}

// SubredditID returns the subreddit the forest was built for
func (f *Forest) SubredditID() int64 {
	return f.subredditID
}

// Len returns the number of conditions that take part in evaluation
func (f *Forest) Len() int {
	n := 0
	for i := range f.nodes {
		if f.nodes[i].usable {
			n++
		}
	}
	return n
}

// NeedsAuthorStats reports whether any reachable condition gates on the author's reputation
func (f *Forest) NeedsAuthorStats() bool {
	return f.needsAuthor
}

// RootConditions returns the top-level conditions in evaluation order
func (f *Forest) RootConditions() []models.Condition {
	out := make([]models.Condition, 0, len(f.roots))
	for _, idx := range f.roots {
		out = append(out, f.nodes[idx].cond)
	}
	return out
}

// Children returns the sub-conditions of the given condition in evaluation order
func (f *Forest) Children(conditionID int64) []models.Condition {
	idx, ok := f.byID[conditionID]
	if !ok || !f.nodes[idx].usable {
		return nil
	}
	out := make([]models.Condition, 0, len(f.nodes[idx].children))
	for _, c := range f.nodes[idx].children {
		out = append(out, f.nodes[c].cond)
	}
	return out
}

// Rows flattens the evaluated conditions back into their persisted shape, ordered by id
func (f *Forest) Rows() []models.Condition {
	out := make([]models.Condition, 0, len(f.nodes))
	for i := range f.nodes {
		if f.nodes[i].usable {
			out = append(out, f.nodes[i].cond)
		}
	}
	return out
}
