package state

// Replace moves a staged file onto its target. Both paths are relative to
// the game root.
type Replace struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Pending is the journal of deferred filesystem operations.
type Pending struct {
	Delete  []string  `json:"delete"`
	Replace []Replace `json:"replace"`
}

// Empty reports whether nothing is pending.
func (p Pending) Empty() bool {
	return len(p.Delete) == 0 && len(p.Replace) == 0
}

// Len returns the number of pending operations.
func (p Pending) Len() int {
	return len(p.Delete) + len(p.Replace)
}

func (p Pending) clone() Pending {
	out := Pending{
		Delete:  append([]string{}, p.Delete...),
		Replace: append([]Replace{}, p.Replace...),
	}
	return out
}

// ApplyResult counts the outcome of draining the journal.
type ApplyResult struct {
	Deleted   int
	Replaced  int
	Failed    int
	Dropped   int
	Remaining int
}
