// Package bundletree arranges the assets of a launched update as a directory tree.
package bundletree

import (
	"bytes"
	"os"
	"strings"

	"github.com/juju/errors"

	"github.com/tweag/update-launcher/integrity"
)

// ErrPathConflict is returned when a path is inserted below, or on top of, an existing leaf.
const ErrPathConflict = errors.ConstError("insertion path conflicts with existing leaf")

// Leaf is a regular file. It is either backed by a local file (Path)
// or by in-memory Content.
type Leaf struct {
	Key      string
	Path     string
	Content  []byte
	Checksum integrity.Checksum
	Size     int64
}

// LeafFromFile hashes a local file.
func LeafFromFile(key, path string, algorithm integrity.Algorithm) (Leaf, error) {
	f, err := os.Open(path)
	if err != nil {
		return Leaf{}, errors.Trace(err)
	}
	defer f.Close()
	digest, err := integrity.CalculateDigest(f, algorithm)
	if err != nil {
		return Leaf{}, errors.Annotatef(err, "hashing %s", path)
	}
	return Leaf{
		Key:      key,
		Path:     path,
		Checksum: integrity.ChecksumFromDigest(digest, algorithm),
		Size:     digest.SizeBytes,
	}, nil
}

// LeafFromContent builds an in-memory leaf.
func LeafFromContent(key string, content []byte, algorithm integrity.Algorithm) (Leaf, error) {
	digest, err := integrity.CalculateDigest(bytes.NewReader(content), algorithm)
	if err != nil {
		return Leaf{}, err
	}
	return Leaf{
		Key:      key,
		Content:  content,
		Checksum: integrity.ChecksumFromDigest(digest, algorithm),
		Size:     digest.SizeBytes,
	}, nil
}

type Directory struct {
	// Children maps a directory entry name (no "/" or "\0") to a *Directory or a *Leaf.
	Children map[string]any
}

type Tree struct {
	Root *Directory
}

func NewTree() Tree {
	return Tree{Root: &Directory{Children: map[string]any{}}}
}

// Insert adds a leaf at a slash separated path relative to the root.
func (t Tree) Insert(leafPath string, leaf Leaf) error {
	if leafPath == "" || leafPath[0] == '/' {
		return errors.NotValidf("path %q: must be non-empty and relative", leafPath)
	}
	segments := strings.Split(leafPath, "/")
	// segments need to be in canonical form
	for _, segment := range segments {
		if segment == "" {
			return errors.NotValidf("path %q: empty segment", leafPath)
		}
		if segment == "." || segment == ".." {
			return errors.NotValidf("path %q: '.' or '..' segment", leafPath)
		}
		if strings.ContainsRune(segment, 0) {
			return errors.NotValidf("path %q: NUL byte", leafPath)
		}
	}

	current := t.Root
	for _, segment := range segments[:len(segments)-1] {
		child, ok := current.Children[segment]
		if !ok {
			child = &Directory{Children: map[string]any{}}
			current.Children[segment] = child
		}
		dir, ok := child.(*Directory)
		if !ok {
			return errors.Annotate(ErrPathConflict, leafPath)
		}
		current = dir
	}

	leafName := segments[len(segments)-1]
	if _, ok := current.Children[leafName]; ok {
		return errors.Annotate(ErrPathConflict, leafPath)
	}
	current.Children[leafName] = &leaf
	return nil
}

// Lookup returns the node at a slash separated path.
func (t Tree) Lookup(p string) (any, bool) {
	var node any = t.Root
	for _, segment := range strings.Split(p, "/") {
		dir, ok := node.(*Directory)
		if !ok {
			return nil, false
		}
		node, ok = dir.Children[segment]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// Leaves returns every leaf of the tree.
func (t Tree) Leaves() []*Leaf {
	var out []*Leaf
	var walk func(*Directory)
	walk = func(dir *Directory) {
		for _, child := range dir.Children {
			switch child := child.(type) {
			case *Directory:
				walk(child)
			case *Leaf:
				out = append(out, child)
			}
		}
	}
	walk(t.Root)
	return out
}
