// Package models contains the data types shared by the tree, the API and the CLI.
package models

import "time"

// NodeType discriminates the two node variants.
type NodeType string

const (
	TypeFile   NodeType = "file"
	TypeFolder NodeType = "folder"
)

// RootID is the identifier of the snapshot root.
const RootID = "root"

// RootName is the display name of the snapshot root.
const RootName = "Root"

// Node is a file or folder entry of the in-memory tree.
// Path is relative to the public root, "/"-separated, and empty for the root.
// Children is only set on folders and keeps directory-listing order.
type Node struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Type     NodeType  `json:"type"`
	Path     string    `json:"path"`
	Size     int64     `json:"size,omitempty"`
	ModTime  time.Time `json:"modTime"`
	Children []*Node   `json:"children,omitempty"`
}

// IsFolder reports whether n is a folder node.
func (n *Node) IsFolder() bool {
	return n != nil && n.Type == TypeFolder
}

// IsFile reports whether n is a file node.
func (n *Node) IsFile() bool {
	return n != nil && n.Type == TypeFile
}

// IsRoot reports whether n is the snapshot root.
func (n *Node) IsRoot() bool {
	return n != nil && n.Type == TypeFolder && n.Path == ""
}

// Crumb is one step of a breadcrumb trail.
type Crumb struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
