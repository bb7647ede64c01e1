// Package runtime provides the stage graph - builder, compiled graph and
// checkpointed execution engine used by the orchestrator.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/logging"
	"github.com/Zeus-Eternal/AI-Karen-sub024/coreengine/state"
)

// End is the terminal node name and the stream end marker.
const End = "__end__"

// DefaultMaxNodeVisits bounds how often a single node may run in one pass.
const DefaultMaxNodeVisits = 25

// NodeFunc is a stage: it transforms the state and returns it. A non-nil
// error aborts the run and is surfaced to the caller as a graph-level failure.
type NodeFunc func(ctx context.Context, s *state.State) (*state.State, error)

// RouteFunc inspects the state and returns a route label. It must not
// mutate the state.
type RouteFunc func(s *state.State) string

// Target is the destination of a conditional route.
type Target struct {
	Node    string
	Suspend bool
}

// Goto routes to node.
func Goto(node string) Target {
	return Target{Node: node}
}

// Suspend checkpoints the run with node as the resume point and stops
// instead of executing node again.
func Suspend(node string) Target {
	return Target{Node: node, Suspend: true}
}

type conditionalEdge struct {
	route   RouteFunc
	targets map[string]Target
}

// GraphError describes an invalid graph definition.
type GraphError struct {
	Graph    string
	Problems []string
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("invalid graph %q: %s", e.Graph, strings.Join(e.Problems, "; "))
}

// Graph is a mutable graph definition. Build it, then Compile.
type Graph struct {
	name          string
	nodes         map[string]NodeFunc
	order         []string
	edges         map[string]string
	conditional   map[string]*conditionalEdge
	entry         string
	maxNodeVisits int
	problems      []string
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:          name,
		nodes:         make(map[string]NodeFunc),
		edges:         make(map[string]string),
		conditional:   make(map[string]*conditionalEdge),
		maxNodeVisits: DefaultMaxNodeVisits,
	}
}

// AddNode registers a node.
func (g *Graph) AddNode(name string, fn NodeFunc) *Graph {
	switch {
	case name == "" || name == End:
		g.problems = append(g.problems, fmt.Sprintf("invalid node name %q", name))
	case fn == nil:
		g.problems = append(g.problems, fmt.Sprintf("node %s has no function", name))
	default:
		if _, exists := g.nodes[name]; exists {
			g.problems = append(g.problems, fmt.Sprintf("duplicate node %s", name))
			return g
		}
		g.nodes[name] = fn
		g.order = append(g.order, name)
	}
	return g
}

// AddEdge adds an unconditional edge.
func (g *Graph) AddEdge(from, to string) *Graph {
	if g.hasOutgoing(from) {
		g.problems = append(g.problems, fmt.Sprintf("node %s already has an outgoing edge", from))
		return g
	}
	g.edges[from] = to
	return g
}

// AddConditionalEdges routes from a node by label.
func (g *Graph) AddConditionalEdges(from string, route RouteFunc, targets map[string]Target) *Graph {
	if g.hasOutgoing(from) {
		g.problems = append(g.problems, fmt.Sprintf("node %s already has an outgoing edge", from))
		return g
	}
	if route == nil || len(targets) == 0 {
		g.problems = append(g.problems, fmt.Sprintf("conditional edge from %s needs a route and targets", from))
		return g
	}
	copied := make(map[string]Target, len(targets))
	for label, target := range targets {
		copied[label] = target
	}
	g.conditional[from] = &conditionalEdge{route: route, targets: copied}
	return g
}

// SetEntry sets the first node.
func (g *Graph) SetEntry(name string) *Graph {
	g.entry = name
	return g
}

// SetMaxNodeVisits overrides DefaultMaxNodeVisits.
func (g *Graph) SetMaxNodeVisits(n int) *Graph {
	if n > 0 {
		g.maxNodeVisits = n
	}
	return g
}

func (g *Graph) hasOutgoing(from string) bool {
	_, plain := g.edges[from]
	_, cond := g.conditional[from]
	return plain || cond
}

func (g *Graph) isTarget(name string) bool {
	if name == End {
		return true
	}
	_, ok := g.nodes[name]
	return ok
}

func (g *Graph) validate() error {
	problems := append([]string{}, g.problems...)

	if g.entry == "" {
		problems = append(problems, "no entry node")
	} else if _, ok := g.nodes[g.entry]; !ok {
		problems = append(problems, fmt.Sprintf("entry node %s not found", g.entry))
	}

	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			problems = append(problems, fmt.Sprintf("edge from unknown node %s", from))
		}
		if !g.isTarget(to) {
			problems = append(problems, fmt.Sprintf("edge %s->%s targets unknown node", from, to))
		}
	}
	for from, edge := range g.conditional {
		if _, ok := g.nodes[from]; !ok {
			problems = append(problems, fmt.Sprintf("conditional edge from unknown node %s", from))
		}
		for label, target := range edge.targets {
			if !g.isTarget(target.Node) {
				problems = append(problems, fmt.Sprintf("route %s:%s targets unknown node %s", from, label, target.Node))
			}
			if target.Suspend && target.Node == End {
				problems = append(problems, fmt.Sprintf("route %s:%s cannot suspend at end", from, label))
			}
		}
	}

	// Nodes without an outgoing edge are reachable dead ends.
	for _, name := range g.order {
		if !g.hasOutgoing(name) {
			problems = append(problems, fmt.Sprintf("node %s has no outgoing edge", name))
		}
	}

	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return &GraphError{Graph: g.name, Problems: problems}
}

// CompileOption configures a compiled graph.
type CompileOption func(*CompiledGraph)

// WithLogger sets the logger used by the compiled graph.
func WithLogger(logger logging.Logger) CompileOption {
	return func(c *CompiledGraph) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Compile validates the graph and returns an executable graph. A nil
// checkpointer disables persistence and resume.
func (g *Graph) Compile(checkpointer Checkpointer, opts ...CompileOption) (*CompiledGraph, error) {
	if err := g.validate(); err != nil {
		return nil, err
	}

	c := &CompiledGraph{
		name:          g.name,
		nodes:         make(map[string]NodeFunc, len(g.nodes)),
		order:         append([]string{}, g.order...),
		edges:         make(map[string]string, len(g.edges)),
		conditional:   make(map[string]*conditionalEdge, len(g.conditional)),
		entry:         g.entry,
		maxNodeVisits: g.maxNodeVisits,
		checkpointer:  checkpointer,
		logger:        logging.Nop(),
	}
	for k, v := range g.nodes {
		c.nodes[k] = v
	}
	for k, v := range g.edges {
		c.edges[k] = v
	}
	for k, v := range g.conditional {
		c.conditional[k] = v
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Bind("graph", g.name)
	return c, nil
}

// ErrUnknownRoute is returned when a route function yields an unmapped label.
var ErrUnknownRoute = errors.New("route returned unknown label")

// ErrMaxNodeVisits is returned when a node exceeds its visit bound.
var ErrMaxNodeVisits = errors.New("node visit limit exceeded")
