// Copyright (C) 2021 Toitware ApS.
//
// This library is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; version
// 2.1 only.
//
// This library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// The license can be found in the file `LICENSE` in the top level
// directory of this repository.

package set

import "sort"

// Set is an unordered collection of distinct values.
type Set[T comparable] map[T]struct{}

func Of[T comparable](values ...T) Set[T] {
	res := Set[T]{}
	for _, v := range values {
		res[v] = struct{}{}
	}
	return res
}

func (s *Set[T]) Add(values ...T) {
	if *s == nil {
		*s = Set[T]{}
	}
	for _, v := range values {
		(*s)[v] = struct{}{}
	}
}

func (s Set[T]) Remove(values ...T) {
	for _, v := range values {
		delete(s, v)
	}
}

func (s Set[T]) Contains(v T) bool {
	_, exists := s[v]
	return exists
}

// Values returns the members in no particular order.
func (s Set[T]) Values() []T {
	res := make([]T, 0, len(s))
	for v := range s {
		res = append(res, v)
	}
	return res
}

// Sorted returns the members of a string set in order.
func Sorted(s Set[string]) []string {
	res := s.Values()
	sort.Strings(res)
	return res
}
