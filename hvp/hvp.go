package hvp

import (
	"fmt"

	"github.com/sw965/pareto"
	"github.com/sw965/pareto/blas32/vector"
	"github.com/sw965/pareto/stream"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

const defaultEpsilon = 1e-2

/*
	Operator はα重み付き集約損失のヘッセ行列にダンピングを足した
	線形写像 v ↦ (H_α + Damping*I)v を、ヘッセ行列を作らずに表す。

	Bindで独立なStreamから新しいバッチを1つ引き、そのバッチ上の
	α重み付き勾配を束縛状態として持つ。Applyはその勾配を方向vに
	前進差分して方向微分を得る。差分幅はEpsilon/|v|とし、vの
	スケールに対して(近似的に)斉次になるようにする。

	二次の損失に対しては丸め誤差を除いて厳密。それ以外では
	有限差分による近似で、微分の連鎖を保持した二重逆伝播の
	代替になる。
*/
type Operator struct {
	Target  *pareto.Target
	Stream  *stream.Cyclic
	Damping float32
	Epsilon float32

	bound bool
	batch stream.Batch
	alpha blas32.Vector
	base  blas32.Vector
	grad  blas32.Vector
}

// Bind はαを束縛し、解除用のクロージャを返す。
// 解除はdeferで必ず呼び出す事。二重バインドはエラー。
func (op *Operator) Bind(alpha blas32.Vector) (func(), error) {
	if op.bound {
		return nil, fmt.Errorf("既にバインドされています: %w", pareto.ErrInvalidState)
	}
	if alpha.N != op.Target.TaskN {
		return nil, fmt.Errorf("αの長さ(%d)がタスク数(%d)と一致しません: %w", alpha.N, op.Target.TaskN, pareto.ErrConfiguration)
	}

	b := op.Stream.Next()
	jac, err := op.Target.TaskGrads(b)
	if err != nil {
		return nil, err
	}
	if jac.Rows != op.Target.TaskN || jac.Cols != op.Target.ParamN {
		return nil, fmt.Errorf("勾配行列の形(%d, %d)が(タスク数=%d, パラメーター数=%d)と一致しません: %w",
			jac.Rows, jac.Cols, op.Target.TaskN, op.Target.ParamN, pareto.ErrConfiguration)
	}

	op.batch = b
	op.alpha = vector.Clone(alpha)
	op.base = op.Target.Flatten()
	op.grad = weightedGrad(jac, alpha)
	op.bound = true

	release := func() {
		op.bound = false
		op.batch = stream.Batch{}
		op.alpha = blas32.Vector{}
		op.base = blas32.Vector{}
		op.grad = blas32.Vector{}
	}
	return release, nil
}

// Apply は(H_α + Damping*I)vを返す。Bindされていなければエラー。
func (op *Operator) Apply(v blas32.Vector) (y blas32.Vector, retErr error) {
	if !op.bound {
		return blas32.Vector{}, fmt.Errorf("バインドされていない状態でApplyが呼ばれました: %w", pareto.ErrInvalidState)
	}
	if v.N != op.Target.ParamN {
		return blas32.Vector{}, fmt.Errorf("ベクトルの長さ(%d)がパラメーター数(%d)と一致しません: %w", v.N, op.Target.ParamN, pareto.ErrConfiguration)
	}

	y = vector.Clone(v)
	blas32.Scal(op.Damping, y)

	nrm := blas32.Nrm2(v)
	if nrm == 0 {
		return y, nil
	}

	eps := op.Epsilon
	if eps <= 0 {
		eps = defaultEpsilon
	}
	h := eps / nrm

	shifted := vector.Clone(op.base)
	blas32.Axpy(h, v, shifted)
	if err := op.Target.Assign(shifted); err != nil {
		return blas32.Vector{}, err
	}

	// どの経路を通っても元のパラメーターに戻す
	defer func() {
		if err := op.Target.Assign(op.base); err != nil && retErr == nil {
			y = blas32.Vector{}
			retErr = err
		}
	}()

	jac, err := op.Target.TaskGrads(op.batch)
	if err != nil {
		return blas32.Vector{}, err
	}

	gp := weightedGrad(jac, op.alpha)
	blas32.Axpy(-1.0, op.grad, gp)
	blas32.Axpy(1.0/h, gp, y)
	return y, nil
}

// weightedGrad はJᵀαを計算する。α重み付き集約損失の勾配に一致する。
func weightedGrad(jac blas32.General, alpha blas32.Vector) blas32.Vector {
	g := vector.NewZeros(jac.Cols)
	blas32.Gemv(blas.Trans, 1.0, jac, alpha, 0.0, g)
	return g
}
