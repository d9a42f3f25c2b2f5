package phase

// orderedMap keeps values in first-insertion order.
type orderedMap[V any] struct {
	keys []string
	vals map[string]V
}

func newOrderedMap[V any]() orderedMap[V] {
	return orderedMap[V]{vals: make(map[string]V)}
}

// put inserts or replaces the value for key. Replacing keeps the original
// position. It reports whether the key was new.
func (m *orderedMap[V]) put(key string, v V) bool {
	_, exists := m.vals[key]
	if !exists {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = v
	return !exists
}

func (m *orderedMap[V]) len() int {
	return len(m.keys)
}

func (m *orderedMap[V]) values() []V {
	out := make([]V, 0, len(m.keys))
	for _, k := range m.keys {
		out = append(out, m.vals[k])
	}
	return out
}
