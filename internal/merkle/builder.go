package merkle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// Builder packs local files into chunk/bigfile/directory trees according to
// the configured fan-out and chunk-size bounds: a file is split into chunks
// of at most ChunkSize bytes; when more than one chunk results, chunks are
// grouped into bigfile layers so fan-out never exceeds MaxChildren and the
// tree has the minimum depth satisfying
// ceil(size/ChunkSize) <= MaxChildren^depth.
type Builder struct {
	ChunkSize   int
	MaxChildren int
}

// NewBuilder returns a Builder using the default chunk size (1024) and
// the given fan-out bound.
func NewBuilder(maxChildren int) *Builder {
	return &Builder{ChunkSize: MaxChunkSize, MaxChildren: maxChildren}
}

// NamedChild pairs a directory-entry name with an already-built node, used
// to assemble a directory node out of files and subdirectories.
type NamedChild struct {
	Name string
	Node *Node
}

// BuildFileNode splits data into chunks and layers them into bigfile nodes
// as needed, returning the root node together with every node created
// (including the root), in an order suitable for bulk insertion into a
// store (leaves first).
func (b *Builder) BuildFileNode(data []byte) (*Node, []*Node, error) {
	chunkSize := b.ChunkSize
	if chunkSize <= 0 {
		chunkSize = MaxChunkSize
	}
	if len(data) == 0 {
		n := &Node{Kind: KindChunk, Chunk: nil}
		if _, err := n.ComputeHash(); err != nil {
			return nil, nil, err
		}
		return n, []*Node{n}, nil
	}

	var leaves []*Node
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		n := &Node{Kind: KindChunk, Chunk: append([]byte(nil), data[off:end]...)}
		if _, err := n.ComputeHash(); err != nil {
			return nil, nil, err
		}
		leaves = append(leaves, n)
	}
	if len(leaves) == 1 {
		return leaves[0], leaves, nil
	}

	all := append([]*Node(nil), leaves...)
	layer := leaves
	maxChildren := b.MaxChildren
	if maxChildren <= 1 {
		maxChildren = 2
	}
	for len(layer) > 1 {
		var next []*Node
		for i := 0; i < len(layer); i += maxChildren {
			end := i + maxChildren
			if end > len(layer) {
				end = len(layer)
			}
			group := layer[i:end]
			children := make([]Hash, len(group))
			for j, c := range group {
				children[j] = c.Hash
			}
			parent := &Node{Kind: KindBigfile, Children: children}
			if _, err := parent.ComputeHash(); err != nil {
				return nil, nil, err
			}
			next = append(next, parent)
			all = append(all, parent)
		}
		layer = next
	}
	return layer[0], all, nil
}

// BuildDirectoryNode assembles a directory node from named children,
// hashing over its entries in directory-entry (here: name-sorted) order and
// rejecting duplicate sibling names.
func (b *Builder) BuildDirectoryNode(children []NamedChild) (*Node, []*Node, error) {
	sorted := append([]NamedChild(nil), children...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	seen := make(map[string]struct{}, len(sorted))
	entries := make([]DirEntry, 0, len(sorted))
	all := make([]*Node, 0, len(sorted)+1)
	for _, c := range sorted {
		if _, dup := seen[c.Name]; dup {
			return nil, nil, fmt.Errorf("%w: %q", ErrDuplicateName, c.Name)
		}
		seen[c.Name] = struct{}{}
		entries = append(entries, DirEntry{Name: c.Name, Hash: c.Node.Hash})
		all = append(all, c.Node)
	}
	dir := &Node{Kind: KindDirectory, Entries: entries}
	if _, err := dir.ComputeHash(); err != nil {
		return nil, nil, err
	}
	all = append(all, dir)
	return dir, all, nil
}

// BuildPath walks a local filesystem path and builds the corresponding
// Merkle tree: a directory becomes a KindDirectory node over its entries, a
// regular file becomes BuildFileNode's result. It returns the root node and
// every node created, for bulk insertion into a local store.
func (b *Builder) BuildPath(path string) (*Node, []*Node, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	if !info.IsDir() {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, err
		}
		return b.BuildFileNode(data)
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, nil, err
	}
	var named []NamedChild
	var all []*Node
	for _, e := range entries {
		childPath := filepath.Join(path, e.Name())
		childNode, childAll, err := b.BuildPath(childPath)
		if err != nil {
			return nil, nil, err
		}
		named = append(named, NamedChild{Name: e.Name(), Node: childNode})
		all = append(all, childAll...)
	}
	dir, dirAll, err := b.BuildDirectoryNode(named)
	if err != nil {
		return nil, nil, err
	}
	_ = dirAll // dir's immediate children already folded into `all`
	all = append(all, dir)
	return dir, all, nil
}
