// Package linkedlist implements a doubly-linked list with a typed element
// value.
package linkedlist

// Element is an element of a List.
type Element[V any] struct {
	next, prev *Element[V]
	list       *List[V]

	Value V
}

// Next returns the next list element or nil.
func (e *Element[V]) Next() *Element[V] {
	if n := e.next; e.list != nil && n != &e.list.root {
		return n
	}

	return nil
}

// List is a doubly-linked list.
type List[V any] struct {
	root Element[V]
	len  int
}

func New[V any]() *List[V] {
	l := &List[V]{}
	l.root.next = &l.root
	l.root.prev = &l.root

	return l
}

// Len returns the number of elements in the list.
func (l *List[V]) Len() int {
	return l.len
}

// Front returns the first element of the list or nil if the list is empty.
func (l *List[V]) Front() *Element[V] {
	if l.len == 0 {
		return nil
	}

	return l.root.next
}

// PushBack appends a new element with value v at the back of the list and
// returns it.
func (l *List[V]) PushBack(v V) *Element[V] {
	e := &Element[V]{Value: v, list: l}

	at := l.root.prev
	e.prev = at
	e.next = &l.root
	at.next = e
	l.root.prev = e
	l.len++

	return e
}

// Remove removes e from the list and returns its value.
// The element must not be removed twice.
func (l *List[V]) Remove(e *Element[V]) V {
	e.prev.next = e.next
	e.next.prev = e.prev
	e.next = nil
	e.prev = nil
	e.list = nil
	l.len--

	return e.Value
}
