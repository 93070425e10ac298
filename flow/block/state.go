package block

// State is the plain exported record of a block instance.
type State struct {
	Kind      Kind                   `json:"kind"`
	Name      string                 `json:"name"`
	ID        string                 `json:"id,omitempty"`
	Processor string                 `json:"processor,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
	State     map[string]interface{} `json:"state,omitempty"`
}

// Export returns the record of b.
func Export(b Block) State {
	c := b.Common()
	return State{
		Kind:      b.Kind(),
		Name:      c.Name,
		ID:        c.ID,
		Processor: c.Processor,
		Args:      deepCopyMap(c.Args),
		State:     deepCopyMap(c.State),
	}
}

// MergeState folds a previously exported record into b. Empty fields of s
// leave b untouched; args and state entries in s overwrite b's.
func MergeState(b Block, s State) {
	c := b.Common()
	if s.ID != "" {
		c.ID = s.ID
	}
	if s.Processor != "" {
		c.Processor = s.Processor
	}
	if len(s.Args) > 0 {
		if c.Args == nil {
			c.Args = map[string]interface{}{}
		}
		for k, v := range s.Args {
			c.Args[k] = deepCopy(v)
		}
	}
	if len(s.State) > 0 {
		if c.State == nil {
			c.State = map[string]interface{}{}
		}
		for k, v := range s.State {
			c.State[k] = deepCopy(v)
		}
	}
}

// Snapshot returns the entries of b's state in its definition's result
// visibility group.
func Snapshot(b Block) map[string]interface{} {
	c := b.Common()
	out := map[string]interface{}{}
	var outputs []string
	if c.Item != nil {
		outputs = c.Item.Outputs
	}
	if len(outputs) == 0 {
		outputs = DefaultOutputs(b.Kind())
	}
	for _, name := range outputs {
		if v, ok := c.State[name]; ok {
			out[name] = deepCopy(v)
		}
	}
	return out
}
