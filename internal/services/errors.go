// Package services holds the coordination logic of the code-search layer:
// node registration, namespace and index assignment, task dispatch,
// partition rotation and search target resolution.
//
// Errors defined here are returned for predictable cases so handlers can
// map them to HTTP statuses consistently.
package services

import "errors"

var (
	// ErrNamespaceNotFound indicates the namespace does not exist.
	ErrNamespaceNotFound = errors.New("namespace not found")

	// ErrNotRootNamespace is returned when a subgroup is enabled for search.
	ErrNotRootNamespace = errors.New("only root namespaces can be enabled for search")

	// ErrAlreadyEnabled is returned when enabling an enabled namespace.
	ErrAlreadyEnabled = errors.New("namespace already enabled for search")

	// ErrNotEnabled is returned for operations on a namespace that is not
	// enabled for search.
	ErrNotEnabled = errors.New("namespace not enabled for search")

	// ErrAlreadyAssigned is returned when the namespace already has an
	// index on the node.
	ErrAlreadyAssigned = errors.New("namespace already assigned to node")

	// ErrNoAvailableNode is returned when auto-assignment finds no online,
	// healthy node without an index for the namespace.
	ErrNoAvailableNode = errors.New("no available zoekt node")

	ErrIndexNotFound   = errors.New("index not found")
	ErrProjectNotFound = errors.New("project not found")
	ErrNodeNotFound    = errors.New("node not found")
)
