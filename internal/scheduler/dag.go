// Package scheduler layers a plan's actions into dependency waves.
package scheduler

import (
	"sort"

	"github.com/ZanzyTHEbar/dragonscale-engine"
)

// DAG is the validated dependency graph of a plan.
type DAG struct {
	ids        []string            // declaration order
	dependsOn  map[string][]string // action -> its dependencies
	dependents map[string][]string // action -> actions depending on it
	waves      [][]string
	critical   map[string]int
}

// New builds the graph and rejects duplicate ids, dangling dependencies and cycles.
func New(actions []dragonscale.Action) (*DAG, error) {
	d := &DAG{
		ids:        make([]string, 0, len(actions)),
		dependsOn:  make(map[string][]string, len(actions)),
		dependents: make(map[string][]string, len(actions)),
	}

	for _, a := range actions {
		if a.ID == "" {
			return nil, dragonscale.NewValidationError("scheduling", "action with empty id", nil)
		}
		if _, exists := d.dependsOn[a.ID]; exists {
			return nil, dragonscale.NewDuplicateActionError(a.ID)
		}
		d.ids = append(d.ids, a.ID)
		d.dependsOn[a.ID] = nil
	}

	for _, a := range actions {
		seen := make(map[string]struct{}, len(a.DependsOn))
		for _, dep := range a.DependsOn {
			if _, ok := d.dependsOn[dep]; !ok {
				return nil, dragonscale.NewDanglingDependencyError(a.ID, dep)
			}
			if _, dup := seen[dep]; dup {
				continue
			}
			seen[dep] = struct{}{}
			d.dependsOn[a.ID] = append(d.dependsOn[a.ID], dep)
			d.dependents[dep] = append(d.dependents[dep], a.ID)
		}
	}

	if err := d.layer(); err != nil {
		return nil, err
	}
	d.computeCriticalPaths()
	for _, wave := range d.waves {
		d.sortWave(wave)
	}
	return d, nil
}

// layer runs Kahn's algorithm, one layer of zero in-degree nodes at a time.
func (d *DAG) layer() error {
	inDegree := make(map[string]int, len(d.ids))
	for _, id := range d.ids {
		inDegree[id] = len(d.dependsOn[id])
	}

	var current []string
	for _, id := range d.ids {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	placed := 0
	for len(current) > 0 {
		d.waves = append(d.waves, current)
		placed += len(current)
		var next []string
		for _, id := range current {
			for _, child := range d.dependents[id] {
				inDegree[child]--
				if inDegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		current = next
	}

	if placed != len(d.ids) {
		var stuck []string
		for _, id := range d.ids {
			if inDegree[id] > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		d.waves = nil
		return dragonscale.NewCycleError(stuck)
	}
	return nil
}

// computeCriticalPaths records, per action, the longest chain of dependents below it.
// Waves are processed bottom-up so every dependent is already known.
func (d *DAG) computeCriticalPaths() {
	d.critical = make(map[string]int, len(d.ids))
	for i := len(d.waves) - 1; i >= 0; i-- {
		for _, id := range d.waves[i] {
			longest := 0
			for _, child := range d.dependents[id] {
				if l := d.critical[child] + 1; l > longest {
					longest = l
				}
			}
			d.critical[id] = longest
		}
	}
}

func (d *DAG) sortWave(wave []string) {
	sort.SliceStable(wave, func(i, j int) bool {
		ci, cj := d.critical[wave[i]], d.critical[wave[j]]
		if ci != cj {
			return ci > cj
		}
		return wave[i] < wave[j]
	})
}

// Waves returns the topological layers. Wave k holds exactly the actions whose
// dependencies all lie in waves 0..k-1. Order inside a wave carries no meaning.
func (d *DAG) Waves() [][]string {
	out := make([][]string, len(d.waves))
	for i, w := range d.waves {
		out[i] = append([]string(nil), w...)
	}
	return out
}

// WaveIndex returns the wave an action belongs to.
func (d *DAG) WaveIndex(id string) (int, bool) {
	for i, w := range d.waves {
		for _, member := range w {
			if member == id {
				return i, true
			}
		}
	}
	return -1, false
}

// Descendants returns every action that transitively depends on id, sorted.
func (d *DAG) Descendants(id string) []string {
	visited := make(map[string]struct{})
	stack := append([]string(nil), d.dependents[id]...)
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[n]; ok {
			continue
		}
		visited[n] = struct{}{}
		stack = append(stack, d.dependents[n]...)
	}
	out := make([]string, 0, len(visited))
	for n := range visited {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Dependents returns the direct dependents of id.
func (d *DAG) Dependents(id string) []string {
	return append([]string(nil), d.dependents[id]...)
}

// Dependencies returns the de-duplicated direct dependencies of id.
func (d *DAG) Dependencies(id string) []string {
	return append([]string(nil), d.dependsOn[id]...)
}

// CriticalPath returns the length of the longest dependent chain starting at id.
func (d *DAG) CriticalPath(id string) int {
	return d.critical[id]
}

// Len returns the number of actions in the graph.
func (d *DAG) Len() int {
	return len(d.ids)
}
