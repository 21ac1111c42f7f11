package diagram

import (
	"fmt"
	"strings"

	"github.com/rendis/botflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Overlay maps step ids to runtime state.
type Overlay map[string]*StatusOverlay

// OverlayFromSummary takes step state from a live status summary.
func OverlayFromSummary(s *schema.StatusSummary) Overlay {
	if s == nil {
		return nil
	}
	o := make(Overlay, len(s.Steps))
	for _, st := range s.Steps {
		o[st.ID] = &StatusOverlay{Status: string(st.Status), RetryCount: st.RetryCount, Error: st.Error}
	}
	return o
}

// OverlayFromOutcomes takes step state from a recorded run.
func OverlayFromOutcomes(steps []schema.StepOutcome) Overlay {
	o := make(Overlay, len(steps))
	for _, st := range steps {
		retries := 0
		if st.Attempt > 1 {
			retries = st.Attempt - 1
		}
		o[st.StepID] = &StatusOverlay{Status: string(st.Status), RetryCount: retries, Error: st.Error}
	}
	return o
}

// Build lays out wf as a chain from a start node to an end node. A step with
// conditions gets a condition node in front of it whose "no" edge bypasses
// the step.
func Build(wf *schema.Workflow, overlay Overlay) (*DiagramModel, error) {
	if wf == nil {
		return nil, fmt.Errorf("diagram: nil workflow")
	}

	m := &DiagramModel{
		Title: wf.Name,
		Nodes: []*Node{{ID: startID, Label: "Start", Kind: NodeKindStart}},
	}
	if len(wf.Steps) == 0 {
		m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
		m.Edges = []Edge{{From: startID, To: endID}}
		return m, nil
	}

	// entry is the node each step is reached through: its gate if guarded.
	entry := func(s *schema.Step) string {
		if len(s.Conditions) > 0 {
			return gateID(s.ID)
		}
		return s.ID
	}

	m.Edges = append(m.Edges, Edge{From: startID, To: entry(wf.Steps[0])})
	for i, s := range wf.Steps {
		next := endID
		if i+1 < len(wf.Steps) {
			next = entry(wf.Steps[i+1])
		}

		if len(s.Conditions) > 0 {
			m.Nodes = append(m.Nodes, &Node{ID: gateID(s.ID), Label: conditionLabel(s.Conditions), Kind: NodeKindCondition})
			m.Edges = append(m.Edges,
				Edge{From: gateID(s.ID), To: s.ID, Label: "yes"},
				Edge{From: gateID(s.ID), To: next, Label: "no"},
			)
		}

		node := &Node{ID: s.ID, Label: stepLabel(s), Kind: NodeKindAction}
		if overlay != nil {
			node.Status = overlay[s.ID]
		}
		m.Nodes = append(m.Nodes, node)
		m.Edges = append(m.Edges, Edge{From: s.ID, To: next})
	}

	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	return m, nil
}

func gateID(stepID string) string { return stepID + "__if" }

func stepLabel(s *schema.Step) string {
	if s.Name == "" || s.Name == s.Action {
		return s.Action
	}
	return s.Name + "\n" + s.Action
}

// conditionLabel joins a step's conditions; all must hold.
func conditionLabel(conds []schema.Condition) string {
	parts := make([]string, 0, len(conds))
	for _, c := range conds {
		switch c.Operator {
		case schema.OpExists:
			parts = append(parts, c.Field+" exists")
		case schema.OpExpr, schema.OpCEL, schema.OpJQ:
			parts = append(parts, fmt.Sprintf("%s: %v", c.Operator, c.Value))
		default:
			parts = append(parts, fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value))
		}
	}
	return strings.Join(parts, " and ")
}

func firstLine(s string) string {
	if i := strings.Index(s, "\n"); i >= 0 {
		return s[:i]
	}
	return s
}
