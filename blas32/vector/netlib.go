//go:build netlib

package vector

import (
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

// -tags netlib でビルドすると、float32のBLAS実装をCBLASに差し替える。
func init() {
	blas32.Use(netlib.Implementation{})
}
