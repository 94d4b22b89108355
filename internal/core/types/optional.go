package types

// Optional distinguishes an absent value from a present zero value.
type Optional[T any] struct {
	value T
	ok    bool
}

func Some[T any](v T) Optional[T] {
	return Optional[T]{value: v, ok: true}
}

func None[T any]() Optional[T] {
	return Optional[T]{}
}

// FromPtr converts a nullable pointer, as produced by JSON decoding.
func FromPtr[T any](p *T) Optional[T] {
	if p == nil {
		return None[T]()
	}
	return Some(*p)
}

func (o Optional[T]) Get() (T, bool) {
	return o.value, o.ok
}

func (o Optional[T]) Present() bool {
	return o.ok
}

func (o Optional[T]) OrElse(def T) T {
	if o.ok {
		return o.value
	}
	return def
}
