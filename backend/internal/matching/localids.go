package matching

// LocalIDs is a bijection between global ids and small 1-based local indices, scoped to one
// model call. The model only ever sees local indices.
type LocalIDs struct {
	toGlobal []string
	toLocal  map[string]int
}

// NewLocalIDs numbers globals in order; repeated ids keep their first index
func NewLocalIDs(globals []string) *LocalIDs {
	m := &LocalIDs{toLocal: make(map[string]int, len(globals))}
	for _, g := range globals {
		m.Add(g)
	}
	return m
}

// Add assigns the next local index to global, or returns its existing one
func (m *LocalIDs) Add(global string) int {
	if local, ok := m.toLocal[global]; ok {
		return local
	}
	m.toGlobal = append(m.toGlobal, global)
	local := len(m.toGlobal)
	m.toLocal[global] = local
	return local
}

// Local returns the local index of a global id
func (m *LocalIDs) Local(global string) (int, bool) {
	local, ok := m.toLocal[global]
	return local, ok
}

// Global resolves a local index; 0 and out-of-range indices do not resolve
func (m *LocalIDs) Global(local int) (string, bool) {
	if local < 1 || local > len(m.toGlobal) {
		return "", false
	}
	return m.toGlobal[local-1], true
}
