// ABOUTME: Read-only layered view over two catalogs without copying entries.
// ABOUTME: Used to put request-scoped capabilities on top of the application registry.

package capability

type overlay struct {
	top  Catalog
	base Catalog
}

// Overlay returns a Catalog in which entries of top shadow same-named entries
// of base. Both catalogs are read live on every call.
func Overlay(top, base Catalog) Catalog {
	return &overlay{top: top, base: base}
}

func (o *overlay) Action(name string) (*Action, bool) {
	if a, ok := o.top.Action(name); ok {
		return a, true
	}
	return o.base.Action(name)
}

// Actions lists base actions in order, replacing shadowed ones in their slot,
// followed by actions only present in top.
func (o *overlay) Actions() []*Action {
	top := o.top.Actions()
	shadow := make(map[string]*Action, len(top))
	for _, a := range top {
		shadow[a.Name] = a
	}

	base := o.base.Actions()
	out := make([]*Action, 0, len(base)+len(top))
	used := make(map[string]struct{}, len(top))
	for _, a := range base {
		if t, ok := shadow[a.Name]; ok {
			out = append(out, t)
			used[a.Name] = struct{}{}
			continue
		}
		out = append(out, a)
	}
	for _, a := range top {
		if _, ok := used[a.Name]; !ok {
			out = append(out, a)
		}
	}
	return out
}

// Readables follows the same ordering rule as Actions.
func (o *overlay) Readables() []*Readable {
	top := o.top.Readables()
	shadow := make(map[string]*Readable, len(top))
	for _, r := range top {
		shadow[r.ID] = r
	}

	base := o.base.Readables()
	out := make([]*Readable, 0, len(base)+len(top))
	used := make(map[string]struct{}, len(top))
	for _, r := range base {
		if t, ok := shadow[r.ID]; ok {
			out = append(out, t)
			used[r.ID] = struct{}{}
			continue
		}
		out = append(out, r)
	}
	for _, r := range top {
		if _, ok := used[r.ID]; !ok {
			out = append(out, r)
		}
	}
	return out
}
