// Package set implements a generic unordered set.
package set

type Set[T comparable] map[T]struct{}

func From[T comparable](sl []T) Set[T] {
	result := make(Set[T], len(sl))

	for _, elem := range sl {
		result[elem] = struct{}{}
	}

	return result
}

func (s Set[T]) Contains(v T) bool {
	_, exist := s[v]
	return exist
}

func (s Set[T]) Add(v T) {
	s[v] = struct{}{}
}

func (s Set[T]) ToSlice() []T {
	result := make([]T, 0, len(s))

	for elem := range s {
		result = append(result, elem)
	}

	return result
}
