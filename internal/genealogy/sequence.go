package genealogy

// Branch is one entry of the ordered branch sequence of a project.
type Branch struct {
	Name   string
	Active bool
}

// Sequence is the ordered list of maintained branches, oldest first.
// The order defines the "next target" of every forward-port step. The
// sequence may only grow by insertion: reordering or removing branches after
// creation is a fatal configuration error, detected by the topology
// reconciler.
type Sequence []Branch

// Index returns the position of the named branch or -1.
func (s Sequence) Index(name string) int {
	for i, b := range s {
		if b.Name == name {
			return i
		}
	}

	return -1
}

// Names returns the branch names in sequence order.
func (s Sequence) Names() []string {
	result := make([]string, len(s))
	for i, b := range s {
		result[i] = b.Name
	}

	return result
}

// ActiveNames returns the names of the active branches in sequence order.
func (s Sequence) ActiveNames() []string {
	result := make([]string, 0, len(s))
	for _, b := range s {
		if b.Active {
			result = append(result, b.Name)
		}
	}

	return result
}

// NextActive returns the first active branch after the given one.
// When limit is non-empty the chain must not advance past it: if after is at
// or beyond the limit, no next target exists.
// The second return value is false when the end of the sequence is reached.
func (s Sequence) NextActive(after, limit string) (string, bool) {
	idx := s.Index(after)
	if idx < 0 {
		return "", false
	}

	if limit != "" {
		limitIdx := s.Index(limit)
		if limitIdx >= 0 && idx >= limitIdx {
			return "", false
		}
	}

	for _, b := range s[idx+1:] {
		if b.Active {
			return b.Name, true
		}
	}

	return "", false
}

// Precedes returns true when branch a strictly precedes branch b in the
// sequence.
func (s Sequence) Precedes(a, b string) bool {
	ia, ib := s.Index(a), s.Index(b)
	return ia >= 0 && ib >= 0 && ia < ib
}
