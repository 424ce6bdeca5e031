// Package merkle implements the content-addressed tree format exchanged by
// GetDatum/Datum: chunk, bigfile, and directory nodes, their wire encoding,
// and the hash rule that addresses them.
package merkle

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Kind identifies the payload shape of a node.
type Kind byte

const (
	KindChunk     Kind = 0
	KindBigfile   Kind = 1
	KindDirectory Kind = 2
)

// HashSize is the size of a node hash and of a child-hash slot in a
// bigfile/directory payload.
const HashSize = 32

// NameSize is the size of a NUL-padded UTF-8 entry name in a directory node.
const NameSize = 32

// MaxChunkSize is the largest payload a chunk node may carry.
const MaxChunkSize = 1024

// Hash is a 32-byte node hash.
type Hash [HashSize]byte

func (h Hash) String() string { return fmt.Sprintf("%x", h[:]) }

// HashOfEmpty is the root hash advertised by a peer with no tree: the
// SHA-256 of the empty string.
var HashOfEmpty = Hash(sha256.Sum256(nil))

// ErrInvalidNode is returned when a Datum body fails to parse as a node.
var ErrInvalidNode = errors.New("merkle: invalid node")

// ErrDuplicateName is returned when a directory node's entries repeat a
// sibling name.
var ErrDuplicateName = errors.New("merkle: duplicate directory entry name")

// DirEntry is one (name, child hash) pair inside a directory node's payload,
// in directory-entry order.
type DirEntry struct {
	Name string
	Hash Hash
}

// Node is the decoded, in-memory representation of a Merkle node. Exactly
// one of Chunk, Children, or Entries is populated, selected by Kind.
type Node struct {
	Hash     Hash
	Kind     Kind
	Chunk    []byte
	Children []Hash     // KindBigfile
	Entries  []DirEntry // KindDirectory
}

// HashNode computes the content hash of a kind byte plus payload:
// SHA-256(kind || payload).
func HashNode(kind Kind, payload []byte) Hash {
	h := sha256.New()
	h.Write([]byte{byte(kind)})
	h.Write(payload)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// payload reconstructs the raw bytes that were hashed to produce n.Hash,
// without the hash rule's leading kind byte.
func (n *Node) payload() ([]byte, error) {
	switch n.Kind {
	case KindChunk:
		if len(n.Chunk) > MaxChunkSize {
			return nil, fmt.Errorf("merkle: chunk payload %d exceeds max %d", len(n.Chunk), MaxChunkSize)
		}
		return n.Chunk, nil
	case KindBigfile:
		buf := make([]byte, 0, len(n.Children)*HashSize)
		for _, c := range n.Children {
			buf = append(buf, c[:]...)
		}
		return buf, nil
	case KindDirectory:
		seen := make(map[string]struct{}, len(n.Entries))
		buf := make([]byte, 0, len(n.Entries)*(NameSize+HashSize))
		for _, e := range n.Entries {
			if _, dup := seen[e.Name]; dup {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateName, e.Name)
			}
			seen[e.Name] = struct{}{}
			if len(e.Name) > NameSize {
				return nil, fmt.Errorf("merkle: entry name %q exceeds %d bytes", e.Name, NameSize)
			}
			var nameBuf [NameSize]byte
			copy(nameBuf[:], e.Name)
			buf = append(buf, nameBuf[:]...)
			buf = append(buf, e.Hash[:]...)
		}
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrInvalidNode, n.Kind)
	}
}

// ComputeHash sets and returns n.Hash from n's kind and payload.
func (n *Node) ComputeHash() (Hash, error) {
	p, err := n.payload()
	if err != nil {
		return Hash{}, err
	}
	n.Hash = HashNode(n.Kind, p)
	return n.Hash, nil
}

// EncodeDatumBody renders n as a Datum reply body: 32-byte hash, 1-byte
// kind, payload.
func EncodeDatumBody(n *Node) ([]byte, error) {
	p, err := n.payload()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, HashSize+1+len(p))
	out = append(out, n.Hash[:]...)
	out = append(out, byte(n.Kind))
	out = append(out, p...)
	return out, nil
}

// DecodeDatumBody parses a Datum reply body into a Node, validating the hash
// rule (the declared hash must match SHA-256(kind||payload)) and the
// directory no-duplicate-name invariant.
func DecodeDatumBody(body []byte) (*Node, error) {
	if len(body) < HashSize+1 {
		return nil, fmt.Errorf("%w: body too short (%d bytes)", ErrInvalidNode, len(body))
	}
	var hash Hash
	copy(hash[:], body[:HashSize])
	kind := Kind(body[HashSize])
	payload := body[HashSize+1:]

	n := &Node{Hash: hash, Kind: kind}
	switch kind {
	case KindChunk:
		if len(payload) > MaxChunkSize {
			return nil, fmt.Errorf("%w: chunk payload %d exceeds max %d", ErrInvalidNode, len(payload), MaxChunkSize)
		}
		n.Chunk = append([]byte(nil), payload...)
	case KindBigfile:
		if len(payload)%HashSize != 0 {
			return nil, fmt.Errorf("%w: bigfile payload length %d not a multiple of %d", ErrInvalidNode, len(payload), HashSize)
		}
		for i := 0; i < len(payload); i += HashSize {
			var c Hash
			copy(c[:], payload[i:i+HashSize])
			n.Children = append(n.Children, c)
		}
	case KindDirectory:
		const entrySize = NameSize + HashSize
		if len(payload)%entrySize != 0 {
			return nil, fmt.Errorf("%w: directory payload length %d not a multiple of %d", ErrInvalidNode, len(payload), entrySize)
		}
		seen := make(map[string]struct{})
		for i := 0; i < len(payload); i += entrySize {
			nameRaw := payload[i : i+NameSize]
			name := string(bytes.TrimRight(nameRaw, "\x00"))
			if !utf8.ValidString(name) {
				return nil, fmt.Errorf("%w: entry name is not valid UTF-8", ErrInvalidNode)
			}
			if _, dup := seen[name]; dup {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
			}
			seen[name] = struct{}{}
			var c Hash
			copy(c[:], payload[i+NameSize:i+entrySize])
			n.Entries = append(n.Entries, DirEntry{Name: name, Hash: c})
		}
	default:
		return nil, fmt.Errorf("%w: unknown kind byte %d", ErrInvalidNode, kind)
	}

	wantHash, err := n.ComputeHash()
	if err != nil {
		return nil, err
	}
	if wantHash != hash {
		return nil, fmt.Errorf("%w: declared hash %s does not match computed hash %s", ErrInvalidNode, hash, wantHash)
	}
	return n, nil
}
