package transform

import "sort"

// Requirements lists the predecessor content a set of values needs before it
// can be hydrated.
type Requirements struct {
	Ordinals []int
	Aliases  []string
	// Patterns are the distinct extraction patterns, sorted. They do not
	// count towards Empty.
	Patterns []string
}

// Empty reports whether no content is needed at all.
func (r Requirements) Empty() bool {
	return len(r.Ordinals) == 0 && len(r.Aliases) == 0
}

// FindRequiredReferences walks values, including array and object literals and
// nested expressions, and collects every distinct ordinal and alias reference.
// Both lists are sorted.
func FindRequiredReferences(values ...*Value) Requirements {
	ordinals := map[int]struct{}{}
	aliases := map[string]struct{}{}
	patterns := map[string]struct{}{}
	visited := map[*Value]struct{}{}

	var walk func(v *Value)
	walk = func(v *Value) {
		if v == nil {
			return
		}
		if _, ok := visited[v]; ok {
			return
		}
		visited[v] = struct{}{}

		if v.IsLazy() {
			for _, p := range v.Transform {
				switch p.Kind {
				case PartReference:
					if p.Ref == nil {
						continue
					}
					if p.Ref.Nth != nil {
						ordinals[*p.Ref.Nth] = struct{}{}
					} else {
						aliases[p.Ref.Alias] = struct{}{}
					}
					if p.Ref.Pattern != "" {
						patterns[p.Ref.Pattern] = struct{}{}
					}
				case PartValue:
					walk(p.Expr)
				}
			}
			return
		}

		for _, item := range v.Items {
			walk(item)
		}
		for _, e := range v.Entries {
			walk(e.Key)
			walk(e.Value)
		}
	}

	for _, v := range values {
		walk(v)
	}

	req := Requirements{
		Ordinals: make([]int, 0, len(ordinals)),
		Aliases:  make([]string, 0, len(aliases)),
	}
	for n := range ordinals {
		req.Ordinals = append(req.Ordinals, n)
	}
	for a := range aliases {
		req.Aliases = append(req.Aliases, a)
	}
	for p := range patterns {
		req.Patterns = append(req.Patterns, p)
	}
	sort.Ints(req.Ordinals)
	sort.Strings(req.Aliases)
	sort.Strings(req.Patterns)
	return req
}
