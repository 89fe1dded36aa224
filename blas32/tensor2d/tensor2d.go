package tensor2d

import (
	"math"
	"math/rand"
	"slices"

	"gonum.org/v1/gonum/blas/blas32"
)

func NewZeros(rows, cols int) blas32.General {
	return blas32.General{
		Rows:   rows,
		Cols:   cols,
		Stride: cols,
		Data:   make([]float32, rows*cols),
	}
}

func NewZerosLike(gen blas32.General) blas32.General {
	return NewZeros(gen.Rows, gen.Cols)
}

func NewHe(rows, cols int, rng *rand.Rand) blas32.General {
	gen := NewZeros(rows, cols)
	fanIn := float64(rows)
	std := math.Sqrt(2.0 / fanIn)
	for i := range gen.Data {
		gen.Data[i] = float32(rng.NormFloat64() * std)
	}
	return gen
}

func N(gen blas32.General) int {
	return gen.Rows * gen.Cols
}

func Clone(gen blas32.General) blas32.General {
	return blas32.General{
		Rows:   gen.Rows,
		Cols:   gen.Cols,
		Stride: gen.Stride,
		Data:   slices.Clone(gen.Data),
	}
}

func At(gen blas32.General, row, col int) int {
	return row*gen.Stride + col
}

func ToVector(gen blas32.General) blas32.Vector {
	return blas32.Vector{
		N:    N(gen),
		Inc:  1,
		Data: gen.Data,
	}
}

// RowAt はrow行目をビューとして返す。データは共有される。
func RowAt(gen blas32.General, row int) blas32.Vector {
	offset := row * gen.Stride
	return blas32.Vector{
		N:    gen.Cols,
		Inc:  1,
		Data: gen.Data[offset : offset+gen.Cols],
	}
}

func CloneRowAt(gen blas32.General, row int) blas32.Vector {
	row32 := RowAt(gen, row)
	return blas32.Vector{
		N:    row32.N,
		Inc:  1,
		Data: slices.Clone(row32.Data),
	}
}

// MeanRows は全行の平均ベクトルを新しく作って返す。
func MeanRows(gen blas32.General) blas32.Vector {
	mean := blas32.Vector{
		N:    gen.Cols,
		Inc:  1,
		Data: make([]float32, gen.Cols),
	}
	for r := 0; r < gen.Rows; r++ {
		blas32.Axpy(1.0, RowAt(gen, r), mean)
	}
	blas32.Scal(1.0/float32(gen.Rows), mean)
	return mean
}

func Scal(alpha float32, gen blas32.General) {
	vec := ToVector(gen)
	blas32.Scal(alpha, vec)
}

func Axpy(alpha float32, x, y blas32.General) {
	xv := ToVector(x)
	yv := ToVector(y)
	blas32.Axpy(alpha, xv, yv)
}
