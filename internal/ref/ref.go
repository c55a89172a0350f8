// Package ref implements spec §4.8's Reference Resolver: parsing
// stratum_ref surface syntax (spec §3) and resolving it to a concrete
// commit id or worktree handle.
package ref

import (
	"context"
	"strings"

	"github.com/stratumfs/stratum/internal/commitmgr"
	"github.com/stratumfs/stratum/internal/layout"
	"github.com/stratumfs/stratum/internal/stratumerr"
	"github.com/stratumfs/stratum/internal/worktree"
)

// Kind distinguishes the four tagged variants spec §9 names: "References
// are tagged variants of {Label, LabelTag, LabelWorktree, CommitHash}, not
// a class hierarchy."
type Kind int

const (
	// KindLabel is a bare LABEL, implying its default worktree (main).
	KindLabel Kind = iota
	// KindLabelValue is LABEL:VALUE, where VALUE may name a tag or a
	// commit hash prefix — which one is only known after resolution.
	KindLabelValue
	// KindLabelWorktree is LABEL+WORKTREE.
	KindLabelWorktree
	// KindBareHash is a hex string with no label: a full-length commit
	// id, or ":HASH" for a hash or hash prefix. It resolves to a commit
	// wherever a reference is resolved, and is what tag operations on a
	// bare commit id use.
	KindBareHash
)

// Ref is a parsed, unresolved stratum_ref.
type Ref struct {
	Kind     Kind
	Label    string
	Value    string // tag-or-hash text for KindLabelValue
	Worktree string // for KindLabelWorktree
	Hash     string // for KindBareHash
}

const hexDigits = "0123456789abcdef"

func isHex(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if strings.IndexRune(hexDigits, c) < 0 {
			return false
		}
	}
	return true
}

func validName(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, ":+/")
}

// fullHashLen is the length of a commit id in hex (a sha256 digest).
const fullHashLen = 64

// Parse parses raw per spec §3's grammar: LABEL, LABEL:TAG, LABEL:HASH,
// LABEL+WORKTREE, plus a bare commit id (a full-length hex string, or
// ":HASH"). ':' and '+' are mutually exclusive in one reference.
func Parse(raw string) (Ref, error) {
	hasColon := strings.Contains(raw, ":")
	hasPlus := strings.Contains(raw, "+")

	if hasColon && hasPlus {
		return Ref{}, stratumerr.New(stratumerr.InvalidRef, "ref.Parse", raw)
	}

	if hasPlus {
		parts := strings.SplitN(raw, "+", 2)
		if !validName(parts[0]) || !validName(parts[1]) {
			return Ref{}, stratumerr.New(stratumerr.InvalidRef, "ref.Parse", raw)
		}
		return Ref{Kind: KindLabelWorktree, Label: parts[0], Worktree: parts[1]}, nil
	}

	if hasColon {
		parts := strings.SplitN(raw, ":", 2)
		if !validName(parts[1]) {
			return Ref{}, stratumerr.New(stratumerr.InvalidRef, "ref.Parse", raw)
		}
		if parts[0] == "" {
			if !isHex(parts[1]) {
				return Ref{}, stratumerr.New(stratumerr.InvalidRef, "ref.Parse", raw)
			}
			return Ref{Kind: KindBareHash, Hash: parts[1]}, nil
		}
		if !validName(parts[0]) {
			return Ref{}, stratumerr.New(stratumerr.InvalidRef, "ref.Parse", raw)
		}
		return Ref{Kind: KindLabelValue, Label: parts[0], Value: parts[1]}, nil
	}

	if !validName(raw) {
		return Ref{}, stratumerr.New(stratumerr.InvalidRef, "ref.Parse", raw)
	}
	if len(raw) == fullHashLen && isHex(raw) {
		return Ref{Kind: KindBareHash, Hash: raw}, nil
	}
	return Ref{Kind: KindLabel, Label: raw}, nil
}

// ResolvedKind distinguishes what a Ref resolved to.
type ResolvedKind int

const (
	ResolvedWorktree ResolvedKind = iota
	ResolvedCommit
)

// Resolved is the outcome of resolving a Ref against the store.
type Resolved struct {
	Kind     ResolvedKind
	Label    string
	Worktree string // set when Kind == ResolvedWorktree
	CommitID string // the worktree's current base commit, or the resolved commit
}

// Resolver resolves parsed references against the store.
type Resolver struct {
	layout    *layout.Layout
	commits   *commitmgr.Manager
	worktrees *worktree.Manager
}

// New returns a Resolver.
func New(l *layout.Layout, commits *commitmgr.Manager, worktrees *worktree.Manager) *Resolver {
	return &Resolver{layout: l, commits: commits, worktrees: worktrees}
}

// Resolve parses and resolves raw to a concrete worktree or commit.
func (r *Resolver) Resolve(ctx context.Context, raw string) (Resolved, error) {
	parsed, err := Parse(raw)
	if err != nil {
		return Resolved{}, err
	}
	return r.resolveParsed(parsed)
}

func (r *Resolver) resolveParsed(parsed Ref) (Resolved, error) {
	switch parsed.Kind {
	case KindLabel:
		wt, err := r.worktrees.Get(parsed.Label, worktree.DefaultName)
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{Kind: ResolvedWorktree, Label: parsed.Label, Worktree: worktree.DefaultName, CommitID: wt.BaseCommit}, nil

	case KindLabelWorktree:
		wt, err := r.worktrees.Get(parsed.Label, parsed.Worktree)
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{Kind: ResolvedWorktree, Label: parsed.Label, Worktree: parsed.Worktree, CommitID: wt.BaseCommit}, nil

	case KindLabelValue:
		if hash, err := r.layout.ResolveTag(parsed.Label, parsed.Value); err == nil {
			return Resolved{Kind: ResolvedCommit, Label: parsed.Label, CommitID: hash}, nil
		}
		hashes, err := r.layout.EnumerateCommits()
		if err != nil {
			return Resolved{}, err
		}
		hash, err := resolvePrefix(hashes, parsed.Value)
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{Kind: ResolvedCommit, Label: parsed.Label, CommitID: hash}, nil

	case KindBareHash:
		hashes, err := r.layout.EnumerateCommits()
		if err != nil {
			return Resolved{}, err
		}
		hash, err := resolvePrefix(hashes, parsed.Hash)
		if err != nil {
			return Resolved{}, err
		}
		return Resolved{Kind: ResolvedCommit, CommitID: hash}, nil
	}
	return Resolved{}, stratumerr.New(stratumerr.InvalidRef, "ref.Resolve", "unknown kind")
}

// resolvePrefix finds the unique commit hash in hashes with value as an
// unambiguous prefix (spec §4.8). An exact match always wins even if it is
// also a prefix of other hashes.
func resolvePrefix(hashes []string, value string) (string, error) {
	for _, h := range hashes {
		if h == value {
			return h, nil
		}
	}
	var matches []string
	for _, h := range hashes {
		if strings.HasPrefix(h, value) {
			matches = append(matches, h)
		}
	}
	switch len(matches) {
	case 0:
		return "", stratumerr.New(stratumerr.NotFound, "ref.resolvePrefix", value)
	case 1:
		return matches[0], nil
	default:
		return "", stratumerr.New(stratumerr.AmbiguousRef, "ref.resolvePrefix", value)
	}
}
