package element

import (
	"go.uber.org/zap"
)

// Propagation is the outcome of landmark propagation over one claim batch
type Propagation struct {
	// Components lists claim indices per connected component, in batch order
	Components [][]int
	// Landmarks holds the effective landmark ids per claim index
	Landmarks [][]string
}

// Propagate links every claim to the union of the direct landmark sets of its connected component.
//
// The relation graph is undirected: two claims are adjacent when either declares the other as a
// neighbor. Neighbor ids absent from the batch and tag ids absent from tagMap are dropped with a
// warning. When ids repeat, neighbor references resolve to the first claim carrying the id.
func Propagate(claims []Claim, tagMap map[int]string, log *zap.Logger) *Propagation {
	if log == nil {
		log = zap.NewNop()
	}

	index := make(map[string]int, len(claims))
	for i, c := range claims {
		if _, dup := index[c.ID]; dup {
			log.Warn("Duplicate claim id in extraction batch", zap.String("claim_id", c.ID))
			continue
		}
		index[c.ID] = i
	}

	// Build adjacency list from declared neighbors
	adjacency := make([][]int, len(claims))
	for i, c := range claims {
		for _, n := range c.Neighbors {
			j, ok := index[n]
			if !ok {
				log.Warn("Dropping unknown neighbor claim",
					zap.String("claim_id", c.ID),
					zap.String("neighbor_id", n),
				)
				continue
			}
			if j == i {
				continue
			}
			adjacency[i] = append(adjacency[i], j)
			adjacency[j] = append(adjacency[j], i)
		}
	}

	// Direct landmark sets from tags
	direct := make([][]string, len(claims))
	for i, c := range claims {
		for _, tag := range c.Tags {
			landmarkID, ok := tagMap[tag]
			if !ok {
				log.Warn("Dropping unknown landmark tag",
					zap.String("claim_id", c.ID),
					zap.Int("tag", tag),
				)
				continue
			}
			direct[i] = append(direct[i], landmarkID)
		}
	}

	result := &Propagation{Landmarks: make([][]string, len(claims))}
	visited := make([]bool, len(claims))
	for start := range claims {
		if visited[start] {
			continue
		}

		// BFS over the component
		var component []int
		queue := []int{start}
		visited[start] = true
		for len(queue) > 0 {
			current := queue[0]
			queue = queue[1:]
			component = append(component, current)
			for _, next := range adjacency[current] {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
		sortInts(component)

		// Effective set is the union of every member's direct set
		var effective []string
		seen := make(map[string]bool)
		for _, member := range component {
			for _, id := range direct[member] {
				if !seen[id] {
					seen[id] = true
					effective = append(effective, id)
				}
			}
		}
		for _, member := range component {
			result.Landmarks[member] = append([]string(nil), effective...)
		}
		result.Components = append(result.Components, component)
	}
	return result
}

// insertion sort keeps components in batch order; they are small
func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
