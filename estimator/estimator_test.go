package estimator_test

import (
	"errors"
	"testing"

	"github.com/chewxy/math32"
	"github.com/sw965/pareto"
	"github.com/sw965/pareto/blas32/tensor2d"
	"github.com/sw965/pareto/blas32/vector"
	"github.com/sw965/pareto/estimator"
	"github.com/sw965/pareto/stream"
	"gonum.org/v1/gonum/blas/blas32"
)

// マーカー値をそのまま勾配として返す対象を作る。
// バッチiの勾配行列は全要素がiになる。
func newMarkedEstimator(batchN int, t *testing.T) *estimator.Estimator {
	xs := make([]blas32.Vector, batchN)
	ts := make([]blas32.Vector, batchN)
	for i := range xs {
		x := vector.NewZeros(1)
		x.Data[0] = float32(i)
		xs[i] = x
		ts[i] = vector.NewZeros(1)
	}
	cyc, err := stream.NewCyclic(xs, [][]blas32.Vector{ts}, 1)
	if err != nil {
		panic(err)
	}

	target := &pareto.Target{
		TaskN:  2,
		ParamN: 3,
		TaskGrads: func(b stream.Batch) (blas32.General, error) {
			jac := tensor2d.NewZeros(2, 3)
			for i := range jac.Data {
				jac.Data[i] = b.Xs[0].Data[0]
			}
			return jac, nil
		},
		Flatten:  func() blas32.Vector { return vector.NewZeros(3) },
		Assign:   func(blas32.Vector) error { return nil },
		Evaluate: func() (pareto.Metrics, error) { return pareto.Metrics{}, nil },
	}
	return &estimator.Estimator{Target: target, Stream: cyc}
}

func TestEstimateAveragesOverConsumedBatches(t *testing.T) {
	e := newMarkedEstimator(4, t)

	// 1エポック全量: (0+1+2+3)/4 = 1.5
	jac, err := e.Estimate(1.0)
	if err != nil {
		panic(err)
	}
	if jac.Rows != 2 || jac.Cols != 3 {
		t.Fatalf("形 = (%d, %d), want (2, 3)", jac.Rows, jac.Cols)
	}
	for i, e := range jac.Data {
		if math32.Abs(e-1.5) > 1e-6 {
			t.Errorf("全量推定[%d] = %f, want 1.5", i, e)
		}
	}

	// カーソルは一周して先頭に戻っている。半エポック: (0+1)/2 = 0.5
	jac, err = e.Estimate(0.5)
	if err != nil {
		panic(err)
	}
	if got := jac.Data[0]; math32.Abs(got-0.5) > 1e-6 {
		t.Errorf("半エポック推定 = %f, want 0.5", got)
	}

	// 続きから半エポック: (2+3)/2 = 2.5。循環の途切れがない事の確認
	jac, err = e.Estimate(0.5)
	if err != nil {
		panic(err)
	}
	if got := jac.Data[0]; math32.Abs(got-2.5) > 1e-6 {
		t.Errorf("続きの半エポック推定 = %f, want 2.5", got)
	}
}

func TestEstimateSampleRatioValidation(t *testing.T) {
	e := newMarkedEstimator(4, t)

	for _, ratio := range []float32{0.0, -0.5, 1.5} {
		if _, err := e.Estimate(ratio); !errors.Is(err, pareto.ErrConfiguration) {
			t.Errorf("ratio=%fでErrConfigurationになりませんでした: %v", ratio, err)
		}
	}

	// 丸めてバッチ数0になる場合もエラー
	if _, err := e.Estimate(0.1); !errors.Is(err, pareto.ErrConfiguration) {
		t.Errorf("バッチ数0でErrConfigurationになりませんでした")
	}
}

func TestEstimateRejectsShapeMismatch(t *testing.T) {
	e := newMarkedEstimator(4, t)
	e.Target.TaskGrads = func(stream.Batch) (blas32.General, error) {
		return tensor2d.NewZeros(1, 3), nil
	}
	if _, err := e.Estimate(1.0); !errors.Is(err, pareto.ErrConfiguration) {
		t.Errorf("行数不一致でErrConfigurationになりませんでした")
	}
}
