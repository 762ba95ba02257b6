// Package dom defines the tree capability the filter works against and an
// HTML implementation of it.
package dom

import "sync"

// NodeID identifies a node for the lifetime of the node. IDs are unique
// across documents.
type NodeID string

// Kind classifies a node for extraction and rewriting
type Kind int

const (
	// Leaf is a text-bearing node without children
	Leaf Kind = iota
	// Container is an element that may hold text leaves and other containers
	Container
	// Editable is a user input surface; it is never read or rewritten
	Editable
)

func (k Kind) String() string {
	switch k {
	case Leaf:
		return "leaf"
	case Container:
		return "container"
	case Editable:
		return "editable"
	default:
		return "unknown"
	}
}

// Node is an opaque handle to a tree node
type Node interface {
	ID() NodeID
	Text() string
	SetText(text string)
	Children() []Node
	Kind() Kind
}

// Root is a tree that can be searched with CSS selectors
type Root interface {
	// Query returns the nodes matching selector in document order
	Query(selector string) ([]Node, error)
}

// Marker is implemented by nodes that can carry a visible processed marker
type Marker interface {
	MarkProcessed()
}

// ProcessedSet records the nodes that have been claimed for processing.
// Membership is permanent.
type ProcessedSet struct {
	mu  sync.Mutex
	ids map[NodeID]struct{}
}

// NewProcessedSet creates an empty set
func NewProcessedSet() *ProcessedSet {
	return &ProcessedSet{ids: make(map[NodeID]struct{})}
}

// Claim adds id to the set. It reports false if id was already present.
func (s *ProcessedSet) Claim(id NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Contains reports whether id has been claimed
func (s *ProcessedSet) Contains(id NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Len returns the number of claimed nodes
func (s *ProcessedSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
