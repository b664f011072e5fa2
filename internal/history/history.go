// Package history maintains the DAG of accepted test cases, backed by a
// real git object store for its commit graph and three-way merge support.
//
// # Overview
//
// Every accepted TestCase becomes a single-parent commit: a reducer's
// output is committed on the node it was seeded from, and a merge result
// on the head it was merged onto. No commit has two parents; the merge's
// second side is not recorded in the graph. The head pointer names the
// current smallest accepted node. Git is used purely as a content-addressed commit graph
// with merge-base lookup and (via the sibling diff3 helper) three-way
// text merge — the repository is a private scratch directory, never a
// user-visible checkout.
//
// # Why a real VCS?
//
// Merge-base lookup and tolerance of reorderings across concurrently
// racing reducers are exactly what a version-control object model gives
// for free; reimplementing a DAG-with-merge-base from scratch would
// duplicate what git already does well.
package history

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// candidatePath is the single file name every commit's tree carries.
const candidatePath = "testcase"

// Node identifies one commit in the History DAG.
type Node struct {
	hash plumbing.Hash
}

// IsZero reports whether n is the zero Node (no node).
func (n Node) IsZero() bool { return n.hash.IsZero() }

// String returns the node's full hex commit id, for logging.
func (n Node) String() string { return n.hash.String() }

// ErrMergeConflict is returned by Merge when the two sides cannot be
// automatically combined. It is non-fatal: the caller drops the merge
// candidate and continues.
var ErrMergeConflict = ErrConflict

// meta tracks the bookkeeping the DAG invariants need beyond what git
// itself stores: byte size and acceptance time, for head tie-breaking.
type meta struct {
	size       int64
	acceptedAt time.Time
}

// History is a DAG of accepted TestCases with a single head pointer.
//
// The head pointer and generation-adjacent bookkeeping are written only
// by the scheduler's coordinator goroutine; concurrent readers take a
// consistent snapshot via Head/HeadSize.
type History struct {
	repo *git.Repository

	mu   sync.RWMutex
	root Node
	head Node
	meta map[plumbing.Hash]meta
}

// Open creates a fresh bare git repository at dir to back the History.
func Open(dir string) (*History, error) {
	repo, err := git.PlainInit(dir, true)
	if err != nil {
		return nil, fmt.Errorf("init history repo: %w", err)
	}
	return &History{repo: repo, meta: make(map[plumbing.Hash]meta)}, nil
}

// Init records the initial seed as the DAG's root and head.
func (h *History) Init(content []byte, acceptedAt time.Time) (Node, error) {
	node, err := h.commit(nil, content)
	if err != nil {
		return Node{}, err
	}

	h.mu.Lock()
	h.root = node
	h.head = node
	h.meta[node.hash] = meta{size: int64(len(content)), acceptedAt: acceptedAt}
	h.mu.Unlock()

	return node, nil
}

// Accept creates a new node with a single parent, recording the given
// content as the commit's tree. It does not change the head; call
// SetHead once the caller has decided the new node is strictly smaller.
func (h *History) Accept(parent Node, content []byte) (Node, error) {
	return h.commit([]plumbing.Hash{parent.hash}, content)
}

// SetHead atomically advances the head pointer. Callers (the scheduler)
// are responsible for the "strictly smaller, else earliest acceptance
// time" tie-break invariant before calling this.
func (h *History) SetHead(node Node, size int64, acceptedAt time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.head = node
	h.meta[node.hash] = meta{size: size, acceptedAt: acceptedAt}
}

// Head returns a consistent snapshot of the current head node.
func (h *History) Head() Node {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.head
}

// HeadSize returns the byte size recorded for the current head.
func (h *History) HeadSize() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.meta[h.head.hash].size
}

// Merge performs a three-way merge of a and b against their common
// ancestor. On success it returns the merged content, which the caller
// (the merge engine) interns as a synthetic candidate. On conflict it
// returns ErrMergeConflict.
func (h *History) Merge(a, b Node) ([]byte, error) {
	commitA, err := h.repo.CommitObject(a.hash)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", a, err)
	}
	commitB, err := h.repo.CommitObject(b.hash)
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", b, err)
	}

	bases, err := commitA.MergeBase(commitB)
	if err != nil {
		return nil, fmt.Errorf("merge-base %s %s: %w", a, b, err)
	}
	if len(bases) == 0 {
		return nil, errors.New("no common ancestor")
	}

	baseContent, err := fileContent(bases[0])
	if err != nil {
		return nil, err
	}
	aContent, err := fileContent(commitA)
	if err != nil {
		return nil, err
	}
	bContent, err := fileContent(commitB)
	if err != nil {
		return nil, err
	}

	merged, err := merge3(baseContent, aContent, bContent)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, ErrMergeConflict
		}
		return nil, err
	}
	return merged, nil
}

// commit writes a blob + tree + commit object for content with the given
// parents and returns its Node.
func (h *History) commit(parents []plumbing.Hash, content []byte) (Node, error) {
	blobHash, err := h.writeBlob(content)
	if err != nil {
		return Node{}, err
	}
	treeHash, err := h.writeTree(blobHash)
	if err != nil {
		return Node{}, err
	}

	now := time.Now()
	commit := &object.Commit{
		Author:       object.Signature{Name: "shrinkd", Email: "shrinkd@localhost", When: now},
		Committer:    object.Signature{Name: "shrinkd", Email: "shrinkd@localhost", When: now},
		Message:      "accept candidate",
		TreeHash:     treeHash,
		ParentHashes: parents,
	}
	obj := h.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return Node{}, fmt.Errorf("encode commit: %w", err)
	}
	hash, err := h.repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return Node{}, fmt.Errorf("store commit: %w", err)
	}
	return Node{hash: hash}, nil
}

func (h *History) writeBlob(content []byte) (plumbing.Hash, error) {
	obj := h.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return h.repo.Storer.SetEncodedObject(obj)
}

func (h *History) writeTree(blobHash plumbing.Hash) (plumbing.Hash, error) {
	tree := &object.Tree{
		Entries: []object.TreeEntry{
			{Name: candidatePath, Mode: filemode.Regular, Hash: blobHash},
		},
	}
	obj := h.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return h.repo.Storer.SetEncodedObject(obj)
}

// fileContent reads the candidate file's bytes out of a commit's tree.
func fileContent(commit *object.Commit) ([]byte, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("load tree for %s: %w", commit.Hash, err)
	}
	f, err := tree.File(candidatePath)
	if err != nil {
		return nil, fmt.Errorf("load file for %s: %w", commit.Hash, err)
	}
	r, err := f.Reader()
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()

	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
