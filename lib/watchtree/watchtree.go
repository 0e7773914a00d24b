// SPDX-License-Identifier: Apache-2.0
// SPDX-FileCopyrightText: Copyright © 2024 The syncdir Authors

// Package watchtree mirrors the directory hierarchy being monitored. A
// Node owns its children; renames are amortised O(1) by re-linking a
// subtree root under a new parent and lazily rederiving the relative
// paths of everything beneath it.
package watchtree

import (
	"fmt"
	"strings"
)

// Node is one directory in the watch tree. The root node has Parent == nil
// and Name == "".
type Node struct {
	Name     string
	Depth    int
	Parent   *Node
	Children []*Node

	// RegistryIndex is the index of this node's entry in the watch
	// registry (lib/watchregistry). Kept here rather than storing a
	// pointer so node and registry-entry lifetimes can be reasoned about
	// independently; the registry entry is the owner of the kernel watch.
	RegistryIndex int
}

// NewRoot creates the root node of a watch tree, representing the main
// directory itself.
func NewRoot() *Node {
	return &Node{Depth: 0}
}

// Attach creates a child of parent named name. It fails if a sibling with
// the same name already exists; the caller is expected to have evicted
// any stale node of that name first (see the aggregator's duplicate-name
// collision handling).
func Attach(parent *Node, name string) (*Node, error) {
	if FindChild(parent, name) != nil {
		return nil, fmt.Errorf("watchtree: child %q already exists under %q", name, parent.Name)
	}
	child := &Node{
		Name:   name,
		Depth:  parent.Depth + 1,
		Parent: parent,
	}
	parent.Children = append(parent.Children, child)
	return child, nil
}

// Detach removes node from its parent's child list. It does not release
// any kernel watch; that is the watch registry's responsibility.
func Detach(node *Node) {
	if node.Parent == nil {
		return
	}
	siblings := node.Parent.Children
	for i, c := range siblings {
		if c == node {
			node.Parent.Children = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	node.Parent = nil
}

// FindChild performs a linear scan over parent's children; directories
// have few enough siblings in practice that this beats the bookkeeping
// cost of a secondary index.
func FindChild(parent *Node, name string) *Node {
	for _, c := range parent.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Reparent unlinks node from its current parent, links it under newParent
// with the given newName, fixes up Depth, and rederives the relative
// paths of the whole subtree via pathFn.
func Reparent(node, newParent *Node, newName string, pathFn func(*Node, string)) {
	Detach(node)
	node.Name = newName
	node.Parent = newParent
	node.Depth = newParent.Depth + 1
	newParent.Children = append(newParent.Children, node)
	rederiveDepths(node)
	RederivePaths(node, pathFn)
}

func rederiveDepths(node *Node) {
	for _, c := range node.Children {
		c.Depth = node.Depth + 1
		rederiveDepths(c)
	}
}

// RederivePaths walks the subtree rooted at node breadth-first, calling
// pathFn(n, relPath) for every node including the root, where relPath is
// the "./"-prefixed path from the tree root. This is the one operation
// whose cost is proportional to subtree size; it only runs on rename,
// which is rare relative to content events.
func RederivePaths(node *Node, pathFn func(*Node, string)) {
	queue := []*Node{node}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		pathFn(n, RelPath(n))
		queue = append(queue, n.Children...)
	}
}

// RelPath reconstructs the "./"-anchored relative path of node by walking
// up to the root and joining short names. Used by RederivePaths and by
// callers that need an ad-hoc path (e.g. the aggregator).
func RelPath(node *Node) string {
	if node.Parent == nil {
		return "."
	}
	var parts []string
	for n := node; n.Parent != nil; n = n.Parent {
		parts = append(parts, n.Name)
	}
	// parts is leaf-to-root; reverse it.
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "./" + strings.Join(parts, "/")
}

// Subtree returns node and every descendant, in depth-first order. Used by
// the aggregator to release the watches of a removed or replaced
// directory subtree.
func Subtree(node *Node) []*Node {
	all := []*Node{node}
	for _, c := range node.Children {
		all = append(all, Subtree(c)...)
	}
	return all
}
