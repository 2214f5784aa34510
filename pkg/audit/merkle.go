package audit

import (
	"fmt"
	"time"

	"github.com/fraware/accountabilitylayer/pkg/canonical"
)

// Window is one Merkle accumulation interval. Leaves are the content hashes
// of logs accepted during the interval, in worker acceptance order. The
// root is recomputed after every append; once finalized the window is
// immutable.
type Window struct {
	WindowStart int64    `json:"window_start"` // epoch millis, floor of event time to the window size
	WindowEnd   int64    `json:"window_end"`
	Hashes      []string `json:"hashes"`
	Root        string   `json:"merkle_root"`
	Finalized   bool     `json:"finalized"`
}

// WindowStartFor floors an event time to its window. A timestamp exactly on
// the boundary starts a new window, so boundary events land in the later one.
func WindowStartFor(ts time.Time, size time.Duration) int64 {
	return ts.UTC().Truncate(size).UnixMilli()
}

// Append folds a leaf into the window and recomputes the root.
func (w *Window) Append(hash string) {
	w.Hashes = append(w.Hashes, hash)
	w.Root = ComputeRoot(w.Hashes)
}

// ComputeRoot builds the binary Merkle root over the ordered leaves.
// An odd trailing node is paired with itself.
func ComputeRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := leaves
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, canonical.CombineHashes(left, right))
		}
		level = next
	}
	return level[0]
}

// Proof is an inclusion proof for one leaf: the sibling hashes along the
// path to the root, with a direction marker per level recording whether the
// target was the left ("L") or right ("R") child.
type Proof struct {
	LogHash     string   `json:"log_hash"`
	WindowStart int64    `json:"window_start"`
	Index       int      `json:"index"`
	Siblings    []string `json:"siblings"`
	Directions  []string `json:"directions"`
	Root        string   `json:"merkle_root"`
}

// GenerateProof builds the inclusion proof for the first occurrence of
// target among the leaves.
func GenerateProof(leaves []string, target string) (*Proof, error) {
	idx := -1
	for i, h := range leaves {
		if h == target {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("audit: hash not present in window")
	}

	p := &Proof{LogHash: target, Index: idx, Root: ComputeRoot(leaves)}
	level := leaves
	pos := idx
	for len(level) > 1 {
		if pos%2 == 0 {
			sibling := level[pos]
			if pos+1 < len(level) {
				sibling = level[pos+1]
			}
			p.Siblings = append(p.Siblings, sibling)
			p.Directions = append(p.Directions, "L")
		} else {
			p.Siblings = append(p.Siblings, level[pos-1])
			p.Directions = append(p.Directions, "R")
		}

		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, canonical.CombineHashes(left, right))
		}
		level = next
		pos /= 2
	}
	return p, nil
}

// VerifyProof recomputes the root from the leaf by successively combining
// with each sibling in the indicated direction. Pure function: it touches
// no service state.
func VerifyProof(p *Proof) bool {
	if p == nil || len(p.Siblings) != len(p.Directions) {
		return false
	}
	h := p.LogHash
	for i, sibling := range p.Siblings {
		switch p.Directions[i] {
		case "L":
			h = canonical.CombineHashes(h, sibling)
		case "R":
			h = canonical.CombineHashes(sibling, h)
		default:
			return false
		}
	}
	return h == p.Root
}
