package slice

// Map converts every element of list through f. A nil f yields an
// empty slice.
func Map[T, R any](list []T, f func(t T) R) []R {
	if f == nil {
		return make([]R, 0)
	}

	output := make([]R, 0, len(list))

	for idx := range list {
		output = append(output, f(list[idx]))
	}

	return output
}

// Filter keeps the elements fn accepts. A nil fn keeps everything.
func Filter[T any](list []T, fn func(v T) bool) []T {
	output := make([]T, 0, len(list))
	for _, v := range list {
		if fn == nil || fn(v) {
			output = append(output, v)
		}
	}

	return output
}

// Find returns the first element f accepts.
func Find[T any](list []T, f func(t T) bool) (T, bool) {
	var found T
	for idx := range list {
		if ok := f(list[idx]); ok {
			return list[idx], true
		}
	}

	return found, false
}

// GroupBy buckets the elements by the key f derives. Bucket order
// follows the input order of the first element of each bucket.
func GroupBy[T any, K comparable](list []T, f func(t T) K) ([]K, map[K][]T) {
	keys := make([]K, 0)
	groups := make(map[K][]T)

	for idx := range list {
		key := f(list[idx])
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], list[idx])
	}

	return keys, groups
}

// Uniq drops repeated elements, keeping the first occurrence order.
func Uniq[T comparable](list []T) []T {
	seen := make(map[T]struct{}, len(list))
	output := make([]T, 0, len(list))

	for _, v := range list {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		output = append(output, v)
	}

	return output
}
