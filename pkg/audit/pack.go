package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fraware/accountabilitylayer/pkg/canonical"
)

// Pack is a portable, independently verifiable export of a time range of
// the audit trail: the finalized Merkle roots plus the chain segment, with
// a self-hash over the whole document. Encoding is canonical JSON so the
// pack hash is reproducible by any importer.
type Pack struct {
	ID           string           `json:"id"`
	GeneratedAt  int64            `json:"generatedAt"`
	TimeRange    PackRange        `json:"timeRange"`
	MerkleRoots  []PackRoot       `json:"merkleRoots"`
	AuditChain   []Entry          `json:"auditChain"`
	Verification PackVerification `json:"verification"`
}

// PackRange is the half-open [start, end) export range in epoch millis.
type PackRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// PackRoot summarizes one finalized window inside a pack.
type PackRoot struct {
	WindowStart int64  `json:"windowStart"`
	WindowEnd   int64  `json:"windowEnd"`
	MerkleRoot  string `json:"merkleRoot"`
	HashCount   int    `json:"hashCount"`
	Finalized   bool   `json:"finalized"`
}

// PackVerification carries the counts an importer cross-checks and the
// pack hash: the canonical hash of the pack with PackHash itself cleared.
type PackVerification struct {
	TotalEntries     int    `json:"totalEntries"`
	MerkleRootsCount int    `json:"merkleRootsCount"`
	ChainIntegrity   bool   `json:"chainIntegrity"`
	PackHash         string `json:"packHash"`
}

// ComputeHash returns the canonical hash of the pack with PackHash cleared.
func (p *Pack) ComputeHash() (string, error) {
	c := *p
	c.Verification.PackHash = ""
	return canonical.Hash(&c)
}

// Encode serializes the pack as canonical JSON.
func (p *Pack) Encode() ([]byte, error) {
	return canonical.Marshal(p)
}

// ExportPack builds a pack covering [start, end): finalized windows whose
// start falls inside the range, and the contiguous chain segment of entries
// stamped inside the range.
func (s *Service) ExportPack(start, end time.Time) (*Pack, error) {
	startMs := start.UTC().UnixMilli()
	endMs := end.UTC().UnixMilli()
	if endMs <= startMs {
		return nil, fmt.Errorf("audit: export range end must be after start")
	}

	s.mu.RLock()

	var roots []PackRoot
	for _, w := range s.windows {
		if !w.Finalized || w.WindowStart < startMs || w.WindowStart >= endMs {
			continue
		}
		roots = append(roots, PackRoot{
			WindowStart: w.WindowStart,
			WindowEnd:   w.WindowEnd,
			MerkleRoot:  w.Root,
			HashCount:   len(w.Hashes),
			Finalized:   true,
		})
	}

	var chain []Entry
	for _, e := range s.entries {
		if e.Timestamp >= startMs && e.Timestamp < endMs {
			chain = append(chain, e)
		}
	}
	s.mu.RUnlock()

	sort.Slice(roots, func(i, j int) bool { return roots[i].WindowStart < roots[j].WindowStart })

	pack := &Pack{
		ID:          uuid.New().String(),
		GeneratedAt: s.now().UTC().UnixMilli(),
		TimeRange:   PackRange{Start: startMs, End: endMs},
		MerkleRoots: roots,
		AuditChain:  chain,
		Verification: PackVerification{
			TotalEntries:     len(chain),
			MerkleRootsCount: len(roots),
			ChainIntegrity:   VerifyChain(chain) == nil,
		},
	}

	hash, err := pack.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("audit: compute pack hash: %w", err)
	}
	pack.Verification.PackHash = hash
	return pack, nil
}

// VerifyPack checks a pack independently of any service state: the pack
// hash, the declared counts, the chain segment linkage, and that every
// LOG_CREATED hash inside the range is committed by one of the roots.
func VerifyPack(p *Pack) error {
	want, err := p.ComputeHash()
	if err != nil {
		return fmt.Errorf("audit: compute pack hash: %w", err)
	}
	if p.Verification.PackHash != want {
		return fmt.Errorf("audit: pack hash mismatch")
	}
	if p.Verification.TotalEntries != len(p.AuditChain) {
		return fmt.Errorf("audit: entry count mismatch: declared %d, found %d",
			p.Verification.TotalEntries, len(p.AuditChain))
	}
	if p.Verification.MerkleRootsCount != len(p.MerkleRoots) {
		return fmt.Errorf("audit: root count mismatch: declared %d, found %d",
			p.Verification.MerkleRootsCount, len(p.MerkleRoots))
	}
	if err := VerifyChain(p.AuditChain); err != nil {
		return err
	}

	// Cross-check finalization entries against the declared roots.
	rootByStart := make(map[int64]PackRoot, len(p.MerkleRoots))
	for _, r := range p.MerkleRoots {
		rootByStart[r.WindowStart] = r
	}
	for _, e := range p.AuditChain {
		if e.Type != EntryWindowFinalized {
			continue
		}
		r, ok := rootByStart[e.WindowStart]
		if !ok {
			continue // window finalized inside the range but started before it
		}
		if r.MerkleRoot != e.MerkleRoot || r.HashCount != e.HashCount {
			return fmt.Errorf("audit: finalization entry %s disagrees with declared root for window %d",
				e.EntryID, e.WindowStart)
		}
	}
	return nil
}

// ImportPack decodes and fully verifies a pack produced by ExportPack.
func ImportPack(data []byte) (*Pack, error) {
	var p Pack
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("audit: decode pack: %w", err)
	}
	if err := VerifyPack(&p); err != nil {
		return nil, err
	}
	return &p, nil
}
