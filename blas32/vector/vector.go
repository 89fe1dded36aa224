package vector

import (
	"slices"

	"github.com/chewxy/math32"
	"gonum.org/v1/gonum/blas/blas32"
)

func NewZeros(n int) blas32.Vector {
	return blas32.Vector{
		N:    n,
		Inc:  1,
		Data: make([]float32, n),
	}
}

func NewZerosLike(vec blas32.Vector) blas32.Vector {
	return NewZeros(vec.N)
}

func FromData(data []float32) blas32.Vector {
	return blas32.Vector{
		N:    len(data),
		Inc:  1,
		Data: data,
	}
}

func Clone(vec blas32.Vector) blas32.Vector {
	return blas32.Vector{
		N:    vec.N,
		Inc:  vec.Inc,
		Data: slices.Clone(vec.Data),
	}
}

// Normalize はベクトルをユークリッドノルム1に正規化し、元のノルムを返す。
// ゼロベクトルはそのままにして0を返す。
func Normalize(vec blas32.Vector) float32 {
	nrm := blas32.Nrm2(vec)
	if nrm == 0 {
		return 0
	}
	blas32.Scal(1.0/nrm, vec)
	return nrm
}

func HasNaNOrInf(vec blas32.Vector) bool {
	for _, e := range vec.Data {
		if math32.IsNaN(e) || math32.IsInf(e, 0) {
			return true
		}
	}
	return false
}

func MaxAbsDiff(a, b blas32.Vector) float32 {
	max := float32(0.0)
	for i, e := range a.Data {
		d := math32.Abs(e - b.Data[i])
		if d > max {
			max = d
		}
	}
	return max
}
