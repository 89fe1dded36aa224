package dataset

import (
	"fmt"
	"math/rand"

	oslices "github.com/sw965/omw/slices"
	"github.com/sw965/pareto/blas32/vector"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

/*
	NewSynthetic は多タスク分類の合成データを作る。
	入力は標準正規乱数、タスク毎にランダムな線形教師を1つ引き、
	その線形読み出しのargmaxをone-hotラベルにする。
	返り値のtsは[タスク][サンプル]の順。
*/
func NewSynthetic(n, xn int, classNs []int, rng *rand.Rand) ([]blas32.Vector, [][]blas32.Vector, error) {
	if n <= 0 || xn <= 0 {
		return nil, nil, fmt.Errorf("サンプル数と入力次元は1以上でなければなりません")
	}
	for _, cn := range classNs {
		if cn < 2 {
			return nil, nil, fmt.Errorf("クラス数(%d)は2以上でなければなりません", cn)
		}
	}

	xs := make([]blas32.Vector, n)
	for i := range xs {
		x := vector.NewZeros(xn)
		for j := range x.Data {
			x.Data[j] = float32(rng.NormFloat64())
		}
		xs[i] = x
	}

	ts := make([][]blas32.Vector, len(classNs))
	for task, cn := range classNs {
		// タスク毎のランダムな線形教師
		readout := blas32.General{
			Rows:   xn,
			Cols:   cn,
			Stride: cn,
			Data:   make([]float32, xn*cn),
		}
		for j := range readout.Data {
			readout.Data[j] = float32(rng.NormFloat64())
		}

		labels := make([]blas32.Vector, n)
		for i, x := range xs {
			u := vector.NewZeros(cn)
			blas32.Gemv(blas.Trans, 1.0, readout, x, 0.0, u)
			label := vector.NewZeros(cn)
			label.Data[oslices.MaxIndices(u.Data)[0]] = 1.0
			labels[i] = label
		}
		ts[task] = labels
	}
	return xs, ts, nil
}
