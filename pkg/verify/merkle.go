package verify

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/helm/integrity/pkg/ledger"
)

// Domain separation for leaves and interior nodes:
//
//	leaf = SHA256("helm:integrity:leaf:v1\0" || decimal(sequence) || "\0" || content_hash)
//	node = SHA256("helm:integrity:node:v1\0" || left || right)
const (
	leafDomain = "helm:integrity:leaf:v1"
	nodeDomain = "helm:integrity:node:v1"
)

var ErrNotInTree = errors.New("verify: sequence not in merkle tree")

// Tree is a Merkle tree over ledger content hashes, leaves ordered by
// sequence. Odd levels duplicate their last node.
type Tree struct {
	Root   string
	levels [][]string
	index  map[uint64]int
	leaves []Leaf
}

type Leaf struct {
	Sequence    uint64 `json:"sequence"`
	ContentHash string `json:"content_hash"`
	LeafHash    string `json:"leaf_hash"`
}

// InclusionProof proves one event's membership under MerkleRoot.
type InclusionProof struct {
	Sequence    uint64      `json:"sequence"`
	ContentHash string      `json:"content_hash"`
	LeafHash    string      `json:"leaf_hash"`
	MerkleRoot  string      `json:"merkle_root"`
	ProofPath   []ProofStep `json:"proof_path"`
}

type ProofStep struct {
	Side        string `json:"side"` // "L" or "R": where the sibling sits
	SiblingHash string `json:"sibling_hash"`
}

// LeafHash returns the domain-separated leaf hash for one event.
func LeafHash(seq uint64, contentHash string) (string, error) {
	raw, err := hex.DecodeString(contentHash)
	if err != nil || len(raw) != sha256.Size {
		return "", fmt.Errorf("verify: content hash of %d is not a sha256 hex digest", seq)
	}
	var buf bytes.Buffer
	buf.WriteString(leafDomain)
	buf.WriteByte(0)
	buf.WriteString(strconv.FormatUint(seq, 10))
	buf.WriteByte(0)
	buf.Write(raw)
	return sha256Hex(buf.Bytes()), nil
}

// BuildTree builds the tree over events. An empty input yields an empty root.
func BuildTree(events []ledger.Event) (*Tree, error) {
	sorted := window(events, 0, 0)
	t := &Tree{index: make(map[uint64]int, len(sorted))}
	if len(sorted) == 0 {
		return t, nil
	}

	level := make([]string, len(sorted))
	for i, ev := range sorted {
		if _, dup := t.index[ev.Sequence]; dup {
			return nil, fmt.Errorf("verify: duplicate sequence %d", ev.Sequence)
		}
		h, err := LeafHash(ev.Sequence, ev.ContentHash)
		if err != nil {
			return nil, err
		}
		level[i] = h
		t.index[ev.Sequence] = i
		t.leaves = append(t.leaves, Leaf{Sequence: ev.Sequence, ContentHash: ev.ContentHash, LeafHash: h})
	}

	t.levels = append(t.levels, level)
	for len(level) > 1 {
		level = nextLevel(level)
		t.levels = append(t.levels, level)
	}
	t.Root = level[0]
	return t, nil
}

func (t *Tree) Leaves() []Leaf {
	return append([]Leaf(nil), t.leaves...)
}

// Prove returns the inclusion proof for seq.
func (t *Tree) Prove(seq uint64) (*InclusionProof, error) {
	idx, ok := t.index[seq]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotInTree, seq)
	}
	leaf := t.leaves[idx]
	proof := &InclusionProof{
		Sequence:    seq,
		ContentHash: leaf.ContentHash,
		LeafHash:    leaf.LeafHash,
		MerkleRoot:  t.Root,
	}
	for _, level := range t.levels[:len(t.levels)-1] {
		if idx%2 == 0 {
			sib := idx + 1
			if sib >= len(level) {
				sib = idx
			}
			proof.ProofPath = append(proof.ProofPath, ProofStep{Side: "R", SiblingHash: level[sib]})
		} else {
			proof.ProofPath = append(proof.ProofPath, ProofStep{Side: "L", SiblingHash: level[idx-1]})
		}
		idx /= 2
	}
	return proof, nil
}

// VerifyInclusion recomputes the leaf from sequence and content hash, walks
// the path and compares against expectedRoot (or the proof's own root when
// expectedRoot is empty).
func VerifyInclusion(p InclusionProof, expectedRoot string) bool {
	if expectedRoot != "" && !strings.EqualFold(p.MerkleRoot, expectedRoot) {
		return false
	}
	leaf, err := LeafHash(p.Sequence, p.ContentHash)
	if err != nil || leaf != p.LeafHash {
		return false
	}
	current := leaf
	for _, step := range p.ProofPath {
		switch step.Side {
		case "L":
			current = nodeHash(step.SiblingHash, current)
		case "R":
			current = nodeHash(current, step.SiblingHash)
		default:
			return false
		}
	}
	return strings.EqualFold(current, p.MerkleRoot)
}

// CheckMerkle verifies seq's inclusion in events under expectedRoot.
func CheckMerkle(events []ledger.Event, seq uint64, expectedRoot string) Result {
	res := Result{Check: CheckMerkleName}
	tree, err := BuildTree(events)
	if err != nil {
		return res.fail(seq, "%v", err)
	}
	if expectedRoot != "" && tree.Root != expectedRoot {
		return res.fail(seq, "merkle root %s does not match expected %s", tree.Root, expectedRoot)
	}
	proof, err := tree.Prove(seq)
	if err != nil {
		return res.fail(seq, "%v", err)
	}
	if !VerifyInclusion(*proof, tree.Root) {
		return res.fail(seq, "inclusion proof does not verify")
	}
	res.Checked = len(proof.ProofPath)
	return res.pass()
}

func nextLevel(hashes []string) []string {
	next := make([]string, 0, (len(hashes)+1)/2)
	for i := 0; i < len(hashes); i += 2 {
		right := hashes[i]
		if i+1 < len(hashes) {
			right = hashes[i+1]
		}
		next = append(next, nodeHash(hashes[i], right))
	}
	return next
}

func nodeHash(left, right string) string {
	var buf bytes.Buffer
	buf.WriteString(nodeDomain)
	buf.WriteByte(0)
	buf.Write(hexToBytes(left))
	buf.Write(hexToBytes(right))
	return sha256Hex(buf.Bytes())
}

func sha256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func hexToBytes(s string) []byte {
	b, _ := hex.DecodeString(s)
	return b
}
