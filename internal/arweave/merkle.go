package arweave

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
)

const (
	// MaxChunkSize is the protocol chunk size for transaction data.
	MaxChunkSize = 256 * 1024
	// MinChunkSize is the smallest trailing chunk the chunker will emit;
	// a would-be-smaller tail causes the last two chunks to be balanced.
	MinChunkSize = 32 * 1024

	hashSize = 32
	noteSize = 32
)

// Chunk is one payload chunk's hash and byte range.
type Chunk struct {
	DataHash     [32]byte
	MinByteRange int64
	MaxByteRange int64
}

// Proof is a chunk's merkle inclusion proof.
type Proof struct {
	// Offset is the last byte offset covered by the chunk.
	Offset int64
	// Path is the concatenated branch and leaf records from root to leaf.
	Path []byte
}

// ChunkReader splits a payload stream into protocol chunks, hashing each.
// The chunk boundaries follow the reference rule: full 256 KiB chunks, with
// the final two chunks rebalanced when the tail would fall below 32 KiB.
func ChunkReader(r io.Reader) ([]Chunk, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return ChunkData(data), nil
}

// ChunkData splits a payload into protocol chunks, hashing each.
func ChunkData(data []byte) []Chunk {
	var chunks []Chunk
	var cursor int64

	rest := data
	for int64(len(rest)) >= MaxChunkSize {
		chunkSize := int64(MaxChunkSize)

		// Rebalance so the final chunk never falls below the minimum.
		tail := int64(len(rest)) - MaxChunkSize
		if tail > 0 && tail < MinChunkSize {
			chunkSize = int64(len(rest)+1) / 2
		}

		chunks = append(chunks, Chunk{
			DataHash:     sha256.Sum256(rest[:chunkSize]),
			MinByteRange: cursor,
			MaxByteRange: cursor + chunkSize,
		})
		cursor += chunkSize
		rest = rest[chunkSize:]
	}

	// A zero-length tail only appears when the payload is an exact
	// multiple of the chunk size; it carries no data.
	if len(rest) > 0 || len(chunks) == 0 {
		chunks = append(chunks, Chunk{
			DataHash:     sha256.Sum256(rest),
			MinByteRange: cursor,
			MaxByteRange: cursor + int64(len(rest)),
		})
	}
	return chunks
}

type merkleNode struct {
	id           [32]byte
	dataHash     [32]byte
	byteRange    int64 // branch split point
	minByteRange int64
	maxByteRange int64
	leaf         bool
	left, right  *merkleNode
}

// Tree is the merkle tree over a payload's chunks.
type Tree struct {
	root *merkleNode
}

// RootID returns the 32-byte merkle root (the transaction's data_root).
func (t *Tree) RootID() [32]byte {
	return t.root.id
}

// BuildTree constructs the merkle tree for the given chunks.
func BuildTree(chunks []Chunk) *Tree {
	nodes := make([]*merkleNode, 0, len(chunks))
	for _, c := range chunks {
		nodes = append(nodes, leafNode(c))
	}
	for len(nodes) > 1 {
		next := make([]*merkleNode, 0, (len(nodes)+1)/2)
		for i := 0; i < len(nodes); i += 2 {
			if i+1 == len(nodes) {
				next = append(next, nodes[i])
				continue
			}
			next = append(next, branchNode(nodes[i], nodes[i+1]))
		}
		nodes = next
	}
	return &Tree{root: nodes[0]}
}

// Proofs returns the inclusion proof for every chunk, leftmost first.
func (t *Tree) Proofs() []Proof {
	return collectProofs(t.root, nil)
}

func collectProofs(n *merkleNode, prefix []byte) []Proof {
	if n.leaf {
		path := make([]byte, 0, len(prefix)+hashSize+noteSize)
		path = append(path, prefix...)
		path = append(path, n.dataHash[:]...)
		path = append(path, intToNote(n.maxByteRange)...)
		return []Proof{{Offset: n.maxByteRange - 1, Path: path}}
	}

	partial := make([]byte, 0, len(prefix)+2*hashSize+noteSize)
	partial = append(partial, prefix...)
	partial = append(partial, n.left.id[:]...)
	partial = append(partial, n.right.id[:]...)
	partial = append(partial, intToNote(n.byteRange)...)

	proofs := collectProofs(n.left, partial)
	return append(proofs, collectProofs(n.right, partial)...)
}

// ValidatePath checks a chunk proof against a merkle root. It returns the
// validated chunk byte range, or an error when the path does not resolve.
func ValidatePath(rootID [32]byte, dest, leftBound, rightBound int64, path []byte) (minByte, maxByte int64, err error) {
	if rightBound <= 0 {
		return 0, 0, fmt.Errorf("empty byte range")
	}
	if dest >= rightBound {
		return ValidatePath(rootID, 0, rightBound-1, rightBound, path)
	}
	if dest < 0 {
		return ValidatePath(rootID, 0, 0, rightBound, path)
	}

	// Leaf record: dataHash || note.
	if len(path) == hashSize+noteSize {
		dataHash := path[:hashSize]
		note := path[hashSize:]
		id := hashID(hashSlice(dataHash), hashSlice(note))
		if !bytes.Equal(id[:], rootID[:]) {
			return 0, 0, fmt.Errorf("leaf hash mismatch")
		}
		endOffset := noteToInt(note)
		if endOffset > rightBound {
			endOffset = rightBound
		}
		return leftBound, endOffset, nil
	}

	// Branch record: left || right || note, then the rest of the path.
	if len(path) < 2*hashSize+noteSize {
		return 0, 0, fmt.Errorf("malformed proof path")
	}
	left := path[:hashSize]
	right := path[hashSize : 2*hashSize]
	note := path[2*hashSize : 2*hashSize+noteSize]
	rest := path[2*hashSize+noteSize:]

	id := hashID(hashSlice(left), hashSlice(right), hashSlice(note))
	if !bytes.Equal(id[:], rootID[:]) {
		return 0, 0, fmt.Errorf("branch hash mismatch")
	}

	offset := noteToInt(note)
	if dest < offset {
		var childID [32]byte
		copy(childID[:], left)
		return ValidatePath(childID, dest, leftBound, min64(offset, rightBound), rest)
	}
	var childID [32]byte
	copy(childID[:], right)
	return ValidatePath(childID, dest, max64(offset, leftBound), rightBound, rest)
}

func leafNode(c Chunk) *merkleNode {
	return &merkleNode{
		id:           hashID(hashSum(c.DataHash), hashSlice(intToNote(c.MaxByteRange))),
		dataHash:     c.DataHash,
		minByteRange: c.MinByteRange,
		maxByteRange: c.MaxByteRange,
		leaf:         true,
	}
}

func branchNode(left, right *merkleNode) *merkleNode {
	return &merkleNode{
		id: hashID(
			hashSum(left.id),
			hashSum(right.id),
			hashSlice(intToNote(left.maxByteRange)),
		),
		byteRange:    left.maxByteRange,
		minByteRange: left.minByteRange,
		maxByteRange: right.maxByteRange,
		left:         left,
		right:        right,
	}
}

func hashID(parts ...[32]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p[:])
	}
	var id [32]byte
	copy(id[:], h.Sum(nil))
	return id
}

func hashSum(b [32]byte) [32]byte {
	return sha256.Sum256(b[:])
}

func hashSlice(b []byte) [32]byte {
	return sha256.Sum256(b)
}

// intToNote encodes an offset as a 32-byte big-endian note.
func intToNote(v int64) []byte {
	note := make([]byte, noteSize)
	u := uint64(v)
	for i := noteSize - 1; i >= 0 && u > 0; i-- {
		note[i] = byte(u & 0xff)
		u >>= 8
	}
	return note
}

func noteToInt(note []byte) int64 {
	var v int64
	for _, b := range note {
		v = v<<8 | int64(b)
	}
	return v
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
