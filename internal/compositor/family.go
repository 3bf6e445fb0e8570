package compositor

import (
	"time"

	"github.com/ecaradonna/stableyield/internal/config"
	"github.com/ecaradonna/stableyield/internal/domain"
)

// Family computes the full SYI index family in one cycle (SPEC_FULL.md's
// supplemented-features section, recovered from
// original_source/backend/models/index_family.py): SYI over every
// eligible constituent, SYCEFI/SYDEFI over the CeFi/DeFi subsets, SYC as
// an equal blend of the three, and SYRPI as SYI's risk premium over the
// latest T-Bill rate.
type Family struct {
	cfgs map[domain.IndexCode]config.IndexConfig
}

// NewFamily creates a Family compositor from the per-index-code
// configuration produced by config.Load.
func NewFamily(cfgs map[domain.IndexCode]config.IndexConfig) *Family {
	return &Family{cfgs: cfgs}
}

// Result bundles one cycle's output across the index family. A code is
// absent from Values when its compositor returned InsufficientConstituents;
// Errs records why.
type Result struct {
	Values map[domain.IndexCode]domain.IndexValue
	Errs   map[domain.IndexCode]error
}

// Compose runs every family member against the shared candidate pool,
// filtering by source kind for SYCEFI/SYDEFI, then derives SYC and SYRPI
// from the results already computed.
func (f *Family) Compose(candidates []Candidate, observedAt time.Time, tbill3m float64) Result {
	res := Result{
		Values: make(map[domain.IndexCode]domain.IndexValue),
		Errs:   make(map[domain.IndexCode]error),
	}

	compose := func(code domain.IndexCode, pool []Candidate) {
		cfg, ok := f.cfgs[code]
		if !ok {
			return
		}
		v, err := New(cfg).Compose(pool, observedAt)
		if err != nil {
			res.Errs[code] = err
			return
		}
		res.Values[code] = v
	}

	compose(domain.IndexSYI, candidates)
	compose(domain.IndexSYCEFI, filterByKind(candidates, domain.SourceCeFi))
	compose(domain.IndexSYDEFI, filterByKind(candidates, domain.SourceDeFi))

	if v, ok := composite(res.Values); ok {
		res.Values[domain.IndexSYC] = v
	} else {
		res.Errs[domain.IndexSYC] = errInsufficientBlend
	}

	if syi, ok := res.Values[domain.IndexSYI]; ok {
		rp := syi
		rp.IndexCode = domain.IndexSYRPI
		rp.Value = syi.Value - tbill3m
		res.Values[domain.IndexSYRPI] = rp
	}

	return res
}

var errInsufficientBlend = &blendError{}

type blendError struct{}

func (*blendError) Error() string {
	return "SYC: fewer than two of {SYI, SYCEFI, SYDEFI} available this cycle"
}

// composite builds SYC as an equal-weighted blend of whichever of
// {SYI, SYCEFI, SYDEFI} were successfully computed this cycle (§4.5's
// "configurable per index code" plus SPEC_FULL.md's EQUAL-scheme
// assignment for SYC). Requires at least two members to be meaningful.
func composite(values map[domain.IndexCode]domain.IndexValue) (domain.IndexValue, bool) {
	var members []domain.IndexValue
	for _, code := range []domain.IndexCode{domain.IndexSYI, domain.IndexSYCEFI, domain.IndexSYDEFI} {
		if v, ok := values[code]; ok {
			members = append(members, v)
		}
	}
	if len(members) < 2 {
		return domain.IndexValue{}, false
	}

	var sumValue, sumConfidence, sumHHI float64
	constituentCount := 0
	for _, m := range members {
		sumValue += m.Value
		sumConfidence += m.Confidence
		sumHHI += m.HHI
		constituentCount += m.ConstituentCount
	}
	n := float64(len(members))

	return domain.IndexValue{
		IndexCode:        domain.IndexSYC,
		ObservedAt:       members[0].ObservedAt,
		Value:            sumValue / n,
		Mode:             domain.ModeNormal,
		Confidence:       sumConfidence / n,
		ConstituentCount: constituentCount,
		HHI:              sumHHI / n,
	}, true
}

func filterByKind(candidates []Candidate, kind domain.SourceKind) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.SourceKind == kind {
			out = append(out, c)
		}
	}
	return out
}
