package chain

// Use links l, runs fn and removes l on every return path, including
// cancellation and panics in fn.
func Use[T Linked](r *Registry, l T, fn func(T) error) error {
	if err := r.Link(l); err != nil {
		return err
	}
	defer r.Remove(l)
	return fn(l)
}

// UseValue is Use for operations that return a value.
func UseValue[T Linked, V any](r *Registry, l T, fn func(T) (V, error)) (V, error) {
	var out V
	err := Use(r, l, func(t T) error {
		var err error
		out, err = fn(t)
		return err
	})
	return out, err
}
