package aop

// RestrictedView is a proxy over a SharedContext that only allows reads of a
// declared allowlist of section keys (an advice's `use` list). Reading any
// other key raises ErrUndeclaredSection rather than silently returning zero
// values, so a misdeclared `use` list fails loudly instead of producing a
// nil-shaped bug three layers away.
type RestrictedView struct {
	ctx     SharedContext
	allowed map[string]struct{}
}

// NewRestrictedView constructs a view over ctx exposing exactly the sections
// named in use.
func NewRestrictedView(ctx SharedContext, use []string) *RestrictedView {
	allowed := make(map[string]struct{}, len(use))
	for _, key := range use {
		allowed[key] = struct{}{}
	}
	return &RestrictedView{ctx: ctx, allowed: allowed}
}

// Get returns the section value stored under key, or ErrUndeclaredSection if
// key was not part of the view's declared `use` list.
func (v *RestrictedView) Get(key string) (any, error) {
	if _, ok := v.allowed[key]; !ok {
		return nil, errUndeclaredSection(key)
	}
	return v.ctx[key], nil
}

// Declared reports whether key is part of this view's allowlist, without
// reading its value. Useful for advice bodies that treat an absent section as
// optional rather than an error.
func (v *RestrictedView) Declared(key string) bool {
	_, ok := v.allowed[key]
	return ok
}

// GetSection is a generic convenience over Get that type-asserts the result
// to T, returning ErrUndeclaredSection (or a type-assertion failure wrapped
// the same way) on a bad read.
func GetSection[T any](v *RestrictedView, key string) (T, error) {
	var zero T
	raw, err := v.Get(key)
	if err != nil {
		return zero, err
	}
	typed, ok := raw.(T)
	if !ok {
		return zero, errUndeclaredSection(key)
	}
	return typed, nil
}
