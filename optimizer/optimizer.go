package optimizer

import (
	"github.com/sw965/pareto/blas32/vector"
	"gonum.org/v1/gonum/blas/blas32"
)

/*
	Momentum は平坦なパラメーターベクトルに対するモメンタムSGD。
	Momentum = 0 なら単純な勾配降下の1ステップになる。
	Velocityが探索の途中経過として永続化される最適化器の状態。
*/
type Momentum struct {
	Momentum float32
	Velocity blas32.Vector
}

func NewMomentum(momentum float32, n int) *Momentum {
	return &Momentum{
		Momentum: momentum,
		Velocity: vector.NewZeros(n),
	}
}

func (opt *Momentum) Train(w, grad blas32.Vector, lr float32) {
	blas32.Scal(opt.Momentum, opt.Velocity)
	blas32.Axpy(-lr, grad, opt.Velocity)
	blas32.Axpy(1.0, opt.Velocity, w)
}
