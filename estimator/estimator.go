package estimator

import (
	"fmt"

	"github.com/sw965/pareto"
	"github.com/sw965/pareto/blas32/tensor2d"
	"github.com/sw965/pareto/stream"
	"gonum.org/v1/gonum/blas/blas32"
)

/*
	Estimator はタスク毎の勾配行列(ヤコビアン)をオンラインで推定する。
	1回の呼び出しで1エポックのsampleRatio分のバッチを消費し、
	バッチ平均を返す。Streamのカーソルを進める副作用を持つ為、
	並行して呼び出してはならない。
*/
type Estimator struct {
	Target *pareto.Target
	Stream *stream.Cyclic
}

// Estimate はsampleRatio ∈ (0, 1]分のバッチを消費してヤコビアンを返す。
// 返す行列は呼び出し毎に新しく確保される。
func (e *Estimator) Estimate(sampleRatio float32) (blas32.General, error) {
	if sampleRatio <= 0.0 || sampleRatio > 1.0 {
		return blas32.General{}, fmt.Errorf("sampleRatio(%f)は(0, 1]の範囲でなければなりません: %w", sampleRatio, pareto.ErrConfiguration)
	}

	batchN := int(sampleRatio * float32(e.Stream.BatchN()))
	if batchN == 0 {
		return blas32.General{}, fmt.Errorf("sampleRatio(%f)が小さすぎて、消費するバッチ数が0になります: %w", sampleRatio, pareto.ErrConfiguration)
	}

	sum := tensor2d.NewZeros(e.Target.TaskN, e.Target.ParamN)
	for i := 0; i < batchN; i++ {
		b := e.Stream.Next()
		jac, err := e.Target.TaskGrads(b)
		if err != nil {
			return blas32.General{}, err
		}
		if jac.Rows != e.Target.TaskN || jac.Cols != e.Target.ParamN {
			return blas32.General{}, fmt.Errorf("勾配行列の形(%d, %d)が(タスク数=%d, パラメーター数=%d)と一致しません: %w",
				jac.Rows, jac.Cols, e.Target.TaskN, e.Target.ParamN, pareto.ErrConfiguration)
		}
		tensor2d.Axpy(1.0, jac, sum)
	}
	tensor2d.Scal(1.0/float32(batchN), sum)
	return sum, nil
}
