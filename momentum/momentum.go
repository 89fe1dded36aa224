package momentum

import (
	"fmt"

	"github.com/sw965/pareto/blas32/tensor2d"
	"github.com/sw965/pareto/blas32/vector"
	"gonum.org/v1/gonum/blas/blas32"
)

/*
	Vector は指数移動平均のバッファ。
	buffer ← Momentum*buffer + (1-Momentum)*new の素朴な形で、
	バイアス補正は行わない。
	Updateは内部バッファのコピーを返す。呼び出し側がそのまま
	破壊的な計算に使っても内部状態は壊れない。
*/
type Vector struct {
	Momentum float32
	value    blas32.Vector
}

func (b *Vector) Reset(x blas32.Vector) {
	b.value = vector.Clone(x)
}

func (b *Vector) Update(x blas32.Vector) (blas32.Vector, error) {
	if b.value.N == 0 {
		return blas32.Vector{}, fmt.Errorf("Resetが呼ばれていない為、更新できません")
	}
	if x.N != b.value.N {
		return blas32.Vector{}, fmt.Errorf("ベクトルの長さ(%d)がバッファの長さ(%d)と一致しません", x.N, b.value.N)
	}
	blas32.Scal(b.Momentum, b.value)
	blas32.Axpy(1.0-b.Momentum, x, b.value)
	return vector.Clone(b.value), nil
}

func (b *Vector) Value() blas32.Vector {
	return vector.Clone(b.value)
}

// General は行列版。挙動はVectorと同じ。
type General struct {
	Momentum float32
	value    blas32.General
}

func (b *General) Reset(x blas32.General) {
	b.value = tensor2d.Clone(x)
}

func (b *General) Update(x blas32.General) (blas32.General, error) {
	if tensor2d.N(b.value) == 0 {
		return blas32.General{}, fmt.Errorf("Resetが呼ばれていない為、更新できません")
	}
	if x.Rows != b.value.Rows || x.Cols != b.value.Cols {
		return blas32.General{}, fmt.Errorf("行列の形(%d, %d)がバッファの形(%d, %d)と一致しません", x.Rows, x.Cols, b.value.Rows, b.value.Cols)
	}
	tensor2d.Scal(b.Momentum, b.value)
	tensor2d.Axpy(1.0-b.Momentum, x, b.value)
	return tensor2d.Clone(b.value), nil
}

func (b *General) Value() blas32.General {
	return tensor2d.Clone(b.value)
}
