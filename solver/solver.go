package solver

import (
	"fmt"

	"github.com/sw965/pareto"
	"github.com/sw965/pareto/blas32/vector"
	"github.com/sw965/pareto/mathx"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/gonum/mat"
)

// Operator は線形写像 v ↦ Av。
type Operator func(blas32.Vector) (blas32.Vector, error)

/*
	MinNorm はヤコビアン(タスク数×パラメーター数)から、重み付き勾配和の
	ノルムを最小にする単体上の凸結合係数αと、その最小ノルムを返す。
	一般のタスク数のQP解法は外部の実装を渡す。
*/
type MinNorm func(jacobian blas32.General) (blas32.Vector, float32, error)

/*
	Krylov は線形系 A x = rhs を初期値x0から高々maxIter回の反復で近似的に解く。
	Aは対称であれば不定値でも許容しなければならない。収束は保証されず、
	途中結果をそのまま受け入れる。反復上限に達した場合は、途中結果と共に
	pareto.ErrNonConvergenceを包んだエラーを返してよい。
*/
type Krylov func(op Operator, rhs, x0 blas32.Vector, maxIter int) (blas32.Vector, error)

// TwoTaskMinNorm は2タスク専用の閉形式のMinNorm。
// γ* = clip(((g2-g1)・g2) / |g1-g2|², 0, 1) として α = [γ*, 1-γ*]。
func TwoTaskMinNorm(jac blas32.General) (blas32.Vector, float32, error) {
	if jac.Rows != 2 {
		return blas32.Vector{}, 0, fmt.Errorf("タスク数(%d)が2ではない為、閉形式では解けません: %w", jac.Rows, pareto.ErrConfiguration)
	}

	g1 := blas32.Vector{N: jac.Cols, Inc: 1, Data: jac.Data[:jac.Cols]}
	g2 := blas32.Vector{N: jac.Cols, Inc: 1, Data: jac.Data[jac.Stride : jac.Stride+jac.Cols]}

	diff := vector.Clone(g1)
	blas32.Axpy(-1.0, g2, diff)
	denom := blas32.Dot(diff, diff)

	gamma := float32(0.5)
	if denom > 0 {
		gamma = mathx.Clamp(-blas32.Dot(diff, g2)/denom, 0.0, 1.0)
	}

	alpha := blas32.Vector{N: 2, Inc: 1, Data: []float32{gamma, 1.0 - gamma}}

	combined := vector.Clone(g2)
	blas32.Axpy(gamma, diff, combined) // γ*g1 + (1-γ)*g2
	return alpha, blas32.Nrm2(combined), nil
}

/*
	Dense はKrylov契約を満たす小規模問題向けの参照ソルバー。
	作用素を基底ベクトルに適用して密行列化し、gonum/matのLU分解で
	直接解く。特異な場合は初期値x0をそのまま返し、
	pareto.ErrNonConvergenceを包んだエラーを報告する。
	パラメーター数の二乗のメモリを使う為、テストや小さなモデル専用。
*/
func Dense(op Operator, rhs, x0 blas32.Vector, maxIter int) (blas32.Vector, error) {
	n := rhs.N
	a := mat.NewDense(n, n, nil)
	e := vector.NewZeros(n)
	for j := 0; j < n; j++ {
		e.Data[j] = 1.0
		col, err := op(e)
		if err != nil {
			return blas32.Vector{}, err
		}
		for i := 0; i < n; i++ {
			a.Set(i, j, float64(col.Data[i]))
		}
		e.Data[j] = 0.0
	}

	b := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		b.SetVec(i, float64(rhs.Data[i]))
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return vector.Clone(x0), fmt.Errorf("密行列の直接解法に失敗しました(%v): %w", err, pareto.ErrNonConvergence)
	}

	y := vector.NewZeros(n)
	for i := 0; i < n; i++ {
		y.Data[i] = float32(x.AtVec(i))
	}
	return y, nil
}
