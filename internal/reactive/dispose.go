package reactive

// disposerSet holds the cleanup callbacks registered during one run of a
// derivation or effect. Keyed registrations coalesce (last one wins) so a
// reloaded unit that re-registers under the same path replaces its previous
// callback instead of stacking a duplicate.
type disposerSet struct {
	order []string
	byKey map[string]func()
	anon  []func()
}

func (d *disposerSet) add(key string, fn func()) {
	if fn == nil {
		return
	}
	if key == "" {
		d.anon = append(d.anon, fn)
		return
	}
	if d.byKey == nil {
		d.byKey = make(map[string]func())
	}
	if _, exists := d.byKey[key]; !exists {
		d.order = append(d.order, key)
	}
	d.byKey[key] = fn
}

// runAll fires every disposer in registration order and clears the set.
func (d *disposerSet) runAll() {
	for _, key := range d.order {
		if fn := d.byKey[key]; fn != nil {
			fn()
		}
	}
	for _, fn := range d.anon {
		fn()
	}
	d.order = nil
	d.byKey = nil
	d.anon = nil
}

func (d *disposerSet) len() int {
	return len(d.order) + len(d.anon)
}
