// Copyright © 2023 J. Salvador Arias <jsalarias@gmail.com>
// All rights reserved.
// Distributed under BSD2 license that can be found in the LICENSE file.

package kernel

import (
	"math"

	"github.com/js-arias/epa/seqrange"
	"github.com/js-arias/epa/tinytree"
)

// branchMin and branchMax bound every branch length Brent ever tries,
// guarding against degenerate zero-length or numerically unstable huge
// branches.
const (
	branchMin = 1e-6
	branchMax = 10.0
)

// objective evaluates the Tiny-Tree's log-likelihood for a candidate
// (proximal, distal, inner) triplet, honouring premasking.
type objective struct {
	tt         *tinytree.TinyTree
	premasking bool
	rng        seqrange.Range
}

func newObjective(tt *tinytree.TinyTree, premasking bool, rng seqrange.Range) *objective {
	return &objective{tt: tt, premasking: premasking, rng: rng}
}

// eval installs triplet and returns its log-likelihood.
func (o *objective) eval(proximal, distal, inner float64) (float64, error) {
	if err := o.tt.SetTriplet(proximal, distal, inner); err != nil {
		return math.Inf(-1), err
	}
	return edgeLogLikelihood(o.tt.Partition(), o.premasking, o.rng)
}

// optimizeJoint runs the joint Brent sweep over (proximal, distal,
// inner), optimising one branch at a time while holding the other two
// fixed, until Δlogl falls under convergenceEps or opts.maxSweeps()
// sweeps have run. If opts.SlidingBLO is unset, every sweep starts
// fresh from the initial triplet's midpoint guess rather than the
// previous sweep's result.
func optimizeJoint(obj *objective, initial [3]float64, opts Options) (distal, proximal, inner float64, err error) {
	proximal, distal, inner = initial[0], initial[1], initial[2]

	prevLogl := math.Inf(-1)
	for sweep := 0; sweep < opts.maxSweeps(); sweep++ {
		if !opts.SlidingBLO {
			proximal, distal, inner = initial[0], initial[1], initial[2]
		}

		var curLogl float64
		proximal, curLogl, err = brentMaximize(func(x float64) (float64, error) {
			return obj.eval(x, distal, inner)
		}, branchMin, branchMax)
		if err != nil {
			return 0, 0, 0, err
		}

		distal, curLogl, err = brentMaximize(func(x float64) (float64, error) {
			return obj.eval(proximal, x, inner)
		}, branchMin, branchMax)
		if err != nil {
			return 0, 0, 0, err
		}

		inner, curLogl, err = brentMaximize(func(x float64) (float64, error) {
			return obj.eval(proximal, distal, x)
		}, branchMin, branchMax)
		if err != nil {
			return 0, 0, 0, err
		}

		if math.Abs(curLogl-prevLogl) < convergenceEps {
			prevLogl = curLogl
			break
		}
		prevLogl = curLogl
	}

	return distal, proximal, inner, nil
}

// invPhi and invPhi2 are the golden-ratio reduction constants used by
// the golden-section fallback below.
const (
	goldenRatio = 1.6180339887498949
	invPhi      = 1 / goldenRatio
	invPhi2     = invPhi * invPhi

	brentMaxIter = 60
	brentTol     = 1e-5
)

// brentMaximize finds the x in [lo, hi] maximising f, combining
// parabolic interpolation with a golden-section fallback, the
// classic Brent line-search shape.
func brentMaximize(f func(float64) (float64, error), lo, hi float64) (float64, float64, error) {
	// negate to turn this into the textbook minimisation problem
	neg := func(x float64) (float64, error) {
		v, err := f(x)
		return -v, err
	}

	a, b := lo, hi
	x := a + invPhi2*(b-a)
	w, v := x, x
	fx, err := neg(x)
	if err != nil {
		return 0, 0, err
	}
	fw, fv := fx, fx

	d, e := 0.0, 0.0

	for i := 0; i < brentMaxIter; i++ {
		mid := 0.5 * (a + b)
		tol1 := brentTol*math.Abs(x) + 1e-10
		tol2 := 2 * tol1
		if math.Abs(x-mid) <= tol2-0.5*(b-a) {
			break
		}

		useGolden := true
		if math.Abs(e) > tol1 {
			// parabolic interpolation through (v,fv), (w,fw), (x,fx)
			r := (x - w) * (fx - fv)
			q := (x - v) * (fx - fw)
			p := (x-v)*q - (x-w)*r
			q2 := 2 * (q - r)
			if q2 > 0 {
				p = -p
			}
			q2 = math.Abs(q2)
			etemp := e
			e = d
			if math.Abs(p) < math.Abs(0.5*q2*etemp) && p > q2*(a-x) && p < q2*(b-x) {
				d = p / q2
				u := x + d
				if u-a < tol2 || b-u < tol2 {
					d = sign(tol1, mid-x)
				}
				useGolden = false
			}
		}
		if useGolden {
			if x < mid {
				e = b - x
			} else {
				e = a - x
			}
			d = invPhi2 * e
		}

		var u float64
		if math.Abs(d) >= tol1 {
			u = x + d
		} else {
			u = x + sign(tol1, d)
		}
		fu, err := neg(u)
		if err != nil {
			return 0, 0, err
		}

		if fu <= fx {
			if u < x {
				b = x
			} else {
				a = x
			}
			v, fv = w, fw
			w, fw = x, fx
			x, fx = u, fu
		} else {
			if u < x {
				a = u
			} else {
				b = u
			}
			if fu <= fw || w == x {
				v, fv = w, fw
				w, fw = u, fu
			} else if fu <= fv || v == x || v == w {
				v, fv = u, fu
			}
		}
	}

	return x, -fx, nil
}

func sign(a, b float64) float64 {
	if b >= 0 {
		return math.Abs(a)
	}
	return -math.Abs(a)
}
