package fleet

// Selector names a set of target instances. The zero value means "use the
// operation's default subset" (e.g. all stopped instances for Start).
// Every variant is canonicalized into a set of ids by Registry.Lookup before
// use.
type Selector struct {
	all       bool
	ids       []string
	instances []*Instance
}

// SelectAll targets every instance known to the registry.
func SelectAll() Selector {
	return Selector{all: true}
}

// SelectIDs targets instances by id.
func SelectIDs(ids ...string) Selector {
	return Selector{ids: ids}
}

// SelectInstances targets already-resolved records.
func SelectInstances(instances ...*Instance) Selector {
	return Selector{instances: instances}
}

// Merge unions two selectors. Selecting all wins over any id list.
func (s Selector) Merge(o Selector) Selector {
	return Selector{
		all:       s.all || o.all,
		ids:       append(append([]string{}, s.ids...), o.ids...),
		instances: append(append([]*Instance{}, s.instances...), o.instances...),
	}
}

// isDefault reports whether the caller left the target choice to the
// operation.
func (s Selector) isDefault() bool {
	return !s.all && len(s.ids) == 0 && len(s.instances) == 0
}

// isAll reports whether the selector denotes "no id filter". Only such a
// refresh may absorb instances not yet tracked locally.
func (s Selector) isAll() bool {
	return s.all || s.isDefault()
}

// Selection is a read-only view over a subset of registry records. Views are
// computed fresh on every call and must not be held across a Refresh.
type Selection struct {
	instances []*Instance
}

func (s *Selection) Instances() []*Instance { return s.instances }

func (s *Selection) Len() int { return len(s.instances) }

func (s *Selection) IDs() []string {
	ids := make([]string, len(s.instances))
	for i, inst := range s.instances {
		ids[i] = inst.ID
	}
	return ids
}

// ByRegion partitions the selection into one sub-selection per region.
func (s *Selection) ByRegion() map[string]*Selection {
	out := map[string]*Selection{}
	for _, inst := range s.instances {
		group, ok := out[inst.Region]
		if !ok {
			group = &Selection{}
			out[inst.Region] = group
		}
		group.instances = append(group.instances, inst)
	}
	return out
}

// Filter returns the sub-selection matching pred, preserving order.
func (s *Selection) Filter(pred func(*Instance) bool) *Selection {
	out := &Selection{}
	for _, inst := range s.instances {
		if pred(inst) {
			out.instances = append(out.instances, inst)
		}
	}
	return out
}

// Every reports whether pred holds for every instance in the selection.
func (s *Selection) Every(pred func(*Instance) bool) bool {
	for _, inst := range s.instances {
		if !pred(inst) {
			return false
		}
	}
	return true
}
