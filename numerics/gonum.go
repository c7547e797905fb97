// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

package numerics

import (
	"fmt"
	"math"

	"github.com/js-arias/epa/epaerr"
	"gonum.org/v1/gonum/mat"
)

// gonumPartition is the default Partition implementation. It builds a
// time-reversible continuous-time Markov chain from Frequencies and
// ExchangeRates, diagonalises it once via the standard
// similarity-to-symmetric trick (S = D^{1/2} Q D^{-1/2}, symmetric, real
// spectrum), and evaluates P(t) = V exp(Lambda t) V^-1 per branch
// length, exactly the decomposition a reversible substitution model
// admits.
type gonumPartition struct {
	cfg PartitionConfig

	states   int
	rateCats int
	sites    int
	tips     int

	eigenvectors    *mat.Dense // V, states x states
	inverseEigenvec *mat.Dense // V^-1, states x states
	eigenvalues     []float64

	pmatrices map[int][]float64 // matrix index -> flattened [cat][i][j]
	clvs      map[int][]float64 // clv index -> flattened [site][cat][state]
	tipChars  map[int][]byte    // clv index -> raw characters, tip-pattern nodes only
	scalers   map[int32][]uint32

	patternWeights []float64
}

func newGonumPartition(cfg PartitionConfig) (*gonumPartition, error) {
	if cfg.States < 2 {
		return nil, fmt.Errorf("%w: states=%d", ErrUnsupportedStates, cfg.States)
	}
	if len(cfg.Frequencies) != cfg.States {
		return nil, fmt.Errorf("numerics: expected %d frequencies, got %d", cfg.States, len(cfg.Frequencies))
	}
	wantEx := cfg.States * (cfg.States - 1) / 2
	if len(cfg.ExchangeRates) != wantEx {
		return nil, fmt.Errorf("numerics: expected %d exchange rates, got %d", wantEx, len(cfg.ExchangeRates))
	}
	rateCats := cfg.RateCats
	if rateCats < 1 {
		rateCats = 1
	}
	weights := cfg.PatternWeights
	if weights == nil {
		weights = make([]float64, cfg.Sites)
		for i := range weights {
			weights[i] = 1
		}
	}

	p := &gonumPartition{
		cfg:            cfg,
		states:         cfg.States,
		rateCats:       rateCats,
		sites:          cfg.Sites,
		tips:           cfg.Tips,
		pmatrices:      make(map[int][]float64),
		clvs:           make(map[int][]float64),
		tipChars:       make(map[int][]byte),
		scalers:        make(map[int32][]uint32),
		patternWeights: weights,
	}
	if err := p.diagonalize(); err != nil {
		return nil, err
	}
	return p, nil
}

// diagonalize builds Q from Frequencies/ExchangeRates and factors it as
// V diag(eigenvalues) V^-1.
func (p *gonumPartition) diagonalize() error {
	n := p.states
	q := mat.NewDense(n, n, nil)
	exch := func(i, j int) float64 {
		if i == j {
			return 0
		}
		if i > j {
			i, j = j, i
		}
		// upper-triangle row-major index for pair (i,j), i<j.
		idx := i*(2*n-i-1)/2 + (j - i - 1)
		return p.cfg.ExchangeRates[idx]
	}
	freq := p.cfg.Frequencies
	for i := 0; i < n; i++ {
		var rowSum float64
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			v := exch(i, j) * freq[j]
			q.Set(i, j, v)
			rowSum += v
		}
		q.Set(i, i, -rowSum)
	}

	// normalise so the expected substitution rate is 1.
	var meanRate float64
	for i := 0; i < n; i++ {
		meanRate += freq[i] * -q.At(i, i)
	}
	if meanRate > 0 {
		q.Scale(1/meanRate, q)
	}

	// symmetrize: S[i][j] = sqrt(freq[i]) * Q[i][j] / sqrt(freq[j]).
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := math.Sqrt(freq[i]) * q.At(i, j) / math.Sqrt(freq[j])
			sym.SetSym(i, j, v)
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(sym, true); !ok {
		return fmt.Errorf("numerics: eigen decomposition of rate matrix failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	v := mat.NewDense(n, n, nil)
	vinv := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for k := 0; k < n; k++ {
			v.Set(i, k, vecs.At(i, k)/math.Sqrt(freq[i]))
			vinv.Set(k, i, vecs.At(i, k)*math.Sqrt(freq[i]))
		}
	}

	p.eigenvectors = v
	p.inverseEigenvec = vinv
	p.eigenvalues = vals
	return nil
}

func (p *gonumPartition) Sites() int        { return p.sites }
func (p *gonumPartition) States() int       { return p.states }
func (p *gonumPartition) RateCats() int     { return p.rateCats }
func (p *gonumPartition) Tips() int         { return p.tips }
func (p *gonumPartition) Attrs() Attributes { return p.cfg.Attrs }

func (p *gonumPartition) isTip(clvIndex int) bool {
	return p.cfg.Attrs.PatternTip && clvIndex < p.tips
}

func (p *gonumPartition) SetTipStates(clvIndex int, seq string) error {
	if len(seq) != p.sites {
		return fmt.Errorf("%w: sequence length %d, expected %d", epaerr.ErrInputShape, len(seq), p.sites)
	}
	for i := 0; i < len(seq); i++ {
		if _, ok := p.cfg.Charmap[seq[i]]; !ok {
			return fmt.Errorf("%w: character %q at site %d", epaerr.ErrBadState, seq[i], i)
		}
	}
	if p.isTip(clvIndex) {
		p.tipChars[clvIndex] = []byte(seq)
		return nil
	}
	// non-tip-pattern node: expand immediately into a CLV of
	// state-membership indicators.
	clv := make([]float64, p.sites*p.rateCats*p.states)
	for site := 0; site < p.sites; site++ {
		mask := p.cfg.Charmap[seq[site]]
		for cat := 0; cat < p.rateCats; cat++ {
			base := (site*p.rateCats + cat) * p.states
			for s := 0; s < p.states; s++ {
				if mask&(1<<uint(s)) != 0 {
					clv[base+s] = 1
				}
			}
		}
	}
	p.clvs[clvIndex] = clv
	return nil
}

func (p *gonumPartition) UpdateProbMatrices(paramIndices []int, matrixIndices []int, branchLengths []float64) error {
	if len(matrixIndices) != len(branchLengths) {
		return fmt.Errorf("numerics: matrixIndices and branchLengths length mismatch")
	}
	n := p.states
	for mi, idx := range matrixIndices {
		t := branchLengths[mi]
		buf := make([]float64, p.rateCats*n*n)
		for cat := 0; cat < p.rateCats; cat++ {
			rate := 1.0
			if cat < len(p.cfg.RateCategories) {
				rate = p.cfg.RateCategories[cat]
			}
			eff := t * rate
			diag := make([]float64, n)
			for k := 0; k < n; k++ {
				diag[k] = math.Exp(p.eigenvalues[k] * eff)
			}
			base := cat * n * n
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					var sum float64
					for k := 0; k < n; k++ {
						sum += p.eigenvectors.At(i, k) * diag[k] * p.inverseEigenvec.At(k, j)
					}
					if sum < 0 {
						sum = 0
					}
					buf[base+i*n+j] = sum
				}
			}
		}
		p.pmatrices[idx] = buf
	}
	return nil
}

// siteVector returns the per-state vector (in CLV units) for a child
// node at site/cat, whether it is a tip-pattern node or a full CLV node.
func (p *gonumPartition) siteVector(clvIndex, site, cat int) []float64 {
	n := p.states
	if p.isTip(clvIndex) {
		chars := p.tipChars[clvIndex]
		mask := p.cfg.Charmap[chars[site]]
		v := make([]float64, n)
		for s := 0; s < n; s++ {
			if mask&(1<<uint(s)) != 0 {
				v[s] = 1
			}
		}
		return v
	}
	clv := p.clvs[clvIndex]
	base := (site*p.rateCats + cat) * n
	return clv[base : base+n]
}

func (p *gonumPartition) UpdatePartials(ops []Operation) error {
	n := p.states
	for _, op := range ops {
		m1, ok := p.pmatrices[op.Child1Matrix]
		if !ok {
			return fmt.Errorf("numerics: unknown pmatrix index %d", op.Child1Matrix)
		}
		m2, ok := p.pmatrices[op.Child2Matrix]
		if !ok {
			return fmt.Errorf("numerics: unknown pmatrix index %d", op.Child2Matrix)
		}
		parent := make([]float64, p.sites*p.rateCats*n)
		for site := 0; site < p.sites; site++ {
			for cat := 0; cat < p.rateCats; cat++ {
				c1 := p.siteVector(op.Child1CLV, site, cat)
				c2 := p.siteVector(op.Child2CLV, site, cat)
				base := cat * n * n
				out := parent[(site*p.rateCats+cat)*n : (site*p.rateCats+cat)*n+n]
				for i := 0; i < n; i++ {
					var t1, t2 float64
					for j := 0; j < n; j++ {
						t1 += m1[base+i*n+j] * c1[j]
						t2 += m2[base+i*n+j] * c2[j]
					}
					out[i] = t1 * t2
				}
			}
		}
		p.clvs[op.ParentCLV] = parent
	}
	return nil
}

func (p *gonumPartition) EdgeLogLikelihood(childCLV int, childScaler int32, parentCLV int, parentScaler int32, matrix int, paramIndices []int, perSiteOut []float64) (float64, error) {
	n := p.states
	pm, ok := p.pmatrices[matrix]
	if !ok {
		return 0, fmt.Errorf("numerics: unknown pmatrix index %d", matrix)
	}
	freq := p.cfg.Frequencies
	var total float64
	for site := 0; site < p.sites; site++ {
		var siteLike float64
		for cat := 0; cat < p.rateCats; cat++ {
			child := p.siteVector(childCLV, site, cat)
			parent := p.siteVector(parentCLV, site, cat)
			base := cat * n * n
			var catLike float64
			for i := 0; i < n; i++ {
				var childTerm float64
				for j := 0; j < n; j++ {
					childTerm += pm[base+i*n+j] * child[j]
				}
				catLike += freq[i] * parent[i] * childTerm
			}
			siteLike += catLike
		}
		siteLike /= float64(p.rateCats)
		logl := math.Log(siteLike) * p.patternWeights[site]
		if perSiteOut != nil {
			perSiteOut[site] = logl
		}
		total += logl
	}
	return total, nil
}

func (p *gonumPartition) PatternWeights() []float64      { return p.patternWeights }
func (p *gonumPartition) Charmap() map[byte]uint32        { return p.cfg.Charmap }
func (p *gonumPartition) Frequencies() []float64          { return p.cfg.Frequencies }
func (p *gonumPartition) ExchangeRates() []float64        { return p.cfg.ExchangeRates }
func (p *gonumPartition) RateCategories() []float64       { return p.cfg.RateCategories }
func (p *gonumPartition) PropInvar() float64              { return p.cfg.PropInvar }

func (p *gonumPartition) CLV(idx int) []float64 { return p.clvs[idx] }
func (p *gonumPartition) SetCLV(idx int, v []float64) {
	cp := make([]float64, len(v))
	copy(cp, v)
	p.clvs[idx] = cp
}

func (p *gonumPartition) TipChars(idx int) []byte { return p.tipChars[idx] }
func (p *gonumPartition) SetTipChars(idx int, v []byte) {
	cp := make([]byte, len(v))
	copy(cp, v)
	p.tipChars[idx] = cp
}

func (p *gonumPartition) Scaler(idx int32) []uint32 {
	if idx == ScaleBufferNone {
		return nil
	}
	return p.scalers[idx]
}

func (p *gonumPartition) SetScaler(idx int32, v []uint32) {
	if idx == ScaleBufferNone {
		return
	}
	cp := make([]uint32, len(v))
	copy(cp, v)
	p.scalers[idx] = cp
}

func (p *gonumPartition) Config() PartitionConfig { return p.cfg }
func (p *gonumPartition) CLVBuffers() int         { return p.cfg.CLVBuffers }
func (p *gonumPartition) ScaleBuffers() int       { return p.cfg.ScaleBuffers }
