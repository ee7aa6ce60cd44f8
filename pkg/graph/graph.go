// Package graph implements the transition graph data model: synapses and
// actions, plus the codecs used to correlate dispatched operations back to
// the graph and action that scheduled them (EncodeTransitionKey /
// EncodeOpKey and their inverses).
package graph

import (
	"fmt"

	"github.com/cuemby/warren/pkg/types"
)

// Validate checks the structural invariants the transition engine relies
// on: every synapse input references an action id present somewhere in the
// graph, and the input relation is acyclic at the synapse level.
func Validate(g *types.Graph) error {
	actionOwner := make(map[string]*types.Synapse, len(g.Synapses))
	for _, syn := range g.Synapses {
		for _, a := range syn.Actions {
			actionOwner[a.ID] = syn
		}
	}

	for _, syn := range g.Synapses {
		for _, in := range syn.Inputs {
			if _, ok := actionOwner[in]; !ok {
				return fmt.Errorf("graph: synapse %s input %q references no action in this graph", syn.ID, in)
			}
		}
	}

	if cycle := findCycle(g.Synapses, actionOwner); cycle != "" {
		return fmt.Errorf("graph: cycle detected at synapse %s", cycle)
	}
	return nil
}

func findCycle(synapses []*types.Synapse, actionOwner map[string]*types.Synapse) string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(synapses))

	var visit func(syn *types.Synapse) string
	visit = func(syn *types.Synapse) string {
		state[syn.ID] = visiting
		for _, in := range syn.Inputs {
			dep, ok := actionOwner[in]
			if !ok || dep.ID == syn.ID {
				continue
			}
			switch state[dep.ID] {
			case visiting:
				return dep.ID
			case unvisited:
				if cyc := visit(dep); cyc != "" {
					return cyc
				}
			}
		}
		state[syn.ID] = done
		return ""
	}

	for _, syn := range synapses {
		if state[syn.ID] == unvisited {
			if cyc := visit(syn); cyc != "" {
				return cyc
			}
		}
	}
	return ""
}

// Ready returns the synapses whose inputs are all confirmed (or have no
// inputs) and which are themselves still pending — the set the transition
// engine may dispatch on its next walk. A pending synapse with a failed,
// non-tolerated input is left untouched here; callers use Skipped to find
// and retire it instead of dispatching it.
func Ready(g *types.Graph) []*types.Synapse {
	confirmed := make(map[string]bool)
	failed := make(map[string]bool)
	for _, syn := range g.Synapses {
		for _, a := range syn.Actions {
			switch a.Status {
			case types.ActionConfirmed, types.ActionDropped:
				confirmed[a.ID] = true
			case types.ActionFailed:
				failed[a.ID] = true
			}
		}
	}

	var ready []*types.Synapse
	for _, syn := range g.Synapses {
		if syn.State != types.SynapsePending {
			continue
		}
		blocked := false
		allInputsMet := true
		for _, in := range syn.Inputs {
			if failed[in] && !syn.TolerateFailures {
				blocked = true
				break
			}
			if !confirmed[in] && !failed[in] {
				allInputsMet = false
			}
		}
		if !blocked && allInputsMet {
			ready = append(ready, syn)
		}
	}
	return ready
}

// Skipped returns pending synapses that can never become ready: at least
// one input failed and the synapse does not tolerate input failures.
func Skipped(g *types.Graph) []*types.Synapse {
	failed := make(map[string]bool)
	for _, syn := range g.Synapses {
		for _, a := range syn.Actions {
			if a.Status == types.ActionFailed {
				failed[a.ID] = true
			}
		}
	}

	var skipped []*types.Synapse
	for _, syn := range g.Synapses {
		if syn.State != types.SynapsePending || syn.TolerateFailures {
			continue
		}
		for _, in := range syn.Inputs {
			if failed[in] {
				skipped = append(skipped, syn)
				break
			}
		}
	}
	return skipped
}

// Done reports whether every synapse in the graph has reached a terminal
// (confirmed or skipped) state.
func Done(g *types.Graph) bool {
	for _, syn := range g.Synapses {
		if syn.State != types.SynapseConfirmed && syn.State != types.SynapseSkipped {
			return false
		}
	}
	return true
}
