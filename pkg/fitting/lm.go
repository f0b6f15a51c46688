package fitting

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// problem is a least-squares fit of gaussianValue to samples at known coordinates.
type problem struct {
	coords  [][3]float64
	values  []float64
	free    []int
	lower   []float64
	upper   []float64
	maxIter int
	tol     float64
}

// lmResult is the outcome of one Levenberg-Marquardt run.
type lmResult struct {
	params     []float64
	cost       float64
	iterations int
	converged  bool
}

// gtol bounds the cosine between the residual and every Jacobian column at
// a minimum.
const gtol = 1e-6

// exactFit is the cost, relative to the squared samples, of a fit that is
// exact to rounding.
const exactFit = 1e-20

// levenbergMarquardt minimises the sum of squared residuals over the free
// parameters, starting from x0. Steps are clamped to [lower, upper]. The run
// converges when the gradient or the relative cost improvement drops below tol.
// When no damping makes further progress it converges only if it already sits
// at a minimum; a stall elsewhere, like running out of iterations, is a failure.
func levenbergMarquardt(prob *problem, x0 []float64) lmResult {
	n := len(prob.free)
	m := len(prob.values)

	x := make([]float64, len(x0))
	copy(x, x0)
	for j := range x {
		x[j] = clampLM(x[j], prob.lower[j], prob.upper[j])
	}

	fi := make([]float64, m)
	jac := mat.NewDense(m, n, nil)
	grad := make([]float64, NumParams)
	prob.residualsAndJacobian(x, fi, jac, grad)
	cost := sumOfSquares(fi)

	lambda := 1e-3
	nu := 2.0

	var jtj mat.SymDense
	var jtf, dx mat.VecDense
	damped := mat.NewSymDense(n, nil)
	rhs := mat.NewVecDense(n, nil)
	xNew := make([]float64, len(x))
	fiNew := make([]float64, m)

	for iter := 0; iter < prob.maxIter; iter++ {
		if cost == 0 {
			return lmResult{params: x, cost: cost, iterations: iter, converged: true}
		}

		jtj.SymOuterK(1, jac.T())
		jtf.MulVec(jac.T(), mat.NewVecDense(m, fi))
		if mat.Norm(&jtf, 2) < prob.tol*cost {
			return lmResult{params: x, cost: cost, iterations: iter, converged: true}
		}

		for tries := 0; tries < 20; tries++ {
			damped.CopySym(&jtj)
			for i := 0; i < n; i++ {
				damped.SetSym(i, i, jtj.At(i, i)+lambda*math.Max(jtj.At(i, i), 1e-12))
				rhs.SetVec(i, -jtf.AtVec(i))
			}
			if !solveNormal(&dx, damped, rhs) {
				lambda *= nu
				continue
			}

			copy(xNew, x)
			for k, j := range prob.free {
				xNew[j] = clampLM(x[j]+dx.AtVec(k), prob.lower[j], prob.upper[j])
			}
			for k, c := range prob.coords {
				fiNew[k] = gaussianValue(xNew, c[0], c[1], c[2]) - prob.values[k]
			}
			costNew := sumOfSquares(fiNew)

			if costNew < cost {
				improvement := (cost - costNew) / cost
				copy(x, xNew)
				cost = costNew
				lambda = math.Max(lambda/3.0, 1e-15)
				nu = 2.0

				prob.residualsAndJacobian(x, fi, jac, grad)

				if improvement < prob.tol {
					return lmResult{params: x, cost: cost, iterations: iter + 1, converged: true}
				}
				break
			}
			lambda *= nu
			nu *= 2.0
			if lambda > 1e16 {
				return lmResult{params: x, cost: cost, iterations: iter + 1, converged: prob.atMinimum(jac, &jtf, cost)}
			}
		}
	}
	return lmResult{params: x, cost: cost, iterations: prob.maxIter, converged: false}
}

// solveNormal solves the damped normal equations, by Cholesky when the matrix
// is positive definite and by LU otherwise.
func solveNormal(dst *mat.VecDense, a *mat.SymDense, b *mat.VecDense) bool {
	var chol mat.Cholesky
	if chol.Factorize(a) {
		if err := chol.SolveVecTo(dst, b); err == nil {
			return true
		}
	}
	if err := dst.SolveVec(a, b); err != nil {
		return false
	}
	for i := 0; i < dst.Len(); i++ {
		if v := dst.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// atMinimum reports whether x, with Jacobian jac and gradient jtf, is a
// stationary point: the residual is orthogonal to every Jacobian column, or
// the fit is exact to rounding.
func (prob *problem) atMinimum(jac *mat.Dense, jtf *mat.VecDense, cost float64) bool {
	if cost <= exactFit*sumOfSquares(prob.values) {
		return true
	}
	fnorm := math.Sqrt(cost)
	for k := 0; k < jtf.Len(); k++ {
		cnorm := mat.Norm(jac.ColView(k), 2)
		if cnorm == 0 {
			continue
		}
		if math.Abs(jtf.AtVec(k)) > gtol*cnorm*fnorm {
			return false
		}
	}
	return true
}

func (prob *problem) residualsAndJacobian(x, fi []float64, jac *mat.Dense, grad []float64) {
	for k, c := range prob.coords {
		fi[k] = gaussianValue(x, c[0], c[1], c[2]) - prob.values[k]
		gaussianGradient(x, c[0], c[1], c[2], grad)
		for col, j := range prob.free {
			jac.Set(k, col, grad[j])
		}
	}
}

func sumOfSquares(fi []float64) float64 {
	s := 0.0
	for _, v := range fi {
		s += v * v
	}
	return s
}

func clampLM(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
