// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package entity

import "slices"

// Lists held by a hook are never modified in place: snapshots handed to
// listeners share them. Every helper here returns a new slice.

// Sorted returns a sorted copy of items. It is the only sort used for
// fetched, pushed and mutated data.
func Sorted[T any](items []T, cmp func(a, b T) int) []T {
	out := slices.Clone(items)
	slices.SortStableFunc(out, cmp)
	return out
}

// MergeItem replaces the item with the same key or inserts it, then sorts.
// Merging the same item twice yields the same list.
func MergeItem[T any](items []T, item T, key func(T) string, cmp func(a, b T) int) []T {
	k := key(item)
	out := make([]T, 0, len(items)+1)
	replaced := false
	for _, it := range items {
		if key(it) == k {
			if !replaced {
				out = append(out, item)
				replaced = true
			}
			continue
		}
		out = append(out, it)
	}
	if !replaced {
		out = append(out, item)
	}
	slices.SortStableFunc(out, cmp)
	return out
}

// RemoveKey drops the item with key k. The bool reports whether it was present.
func RemoveKey[T any](items []T, k string, key func(T) string) ([]T, bool) {
	idx := slices.IndexFunc(items, func(it T) bool { return key(it) == k })
	if idx < 0 {
		return items, false
	}
	out := make([]T, 0, len(items)-1)
	for _, it := range items {
		if key(it) != k {
			out = append(out, it)
		}
	}
	return out, true
}
