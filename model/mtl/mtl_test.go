package mtl_test

import (
	"testing"

	"github.com/chewxy/math32"
	omath "github.com/sw965/omw/math"
	orand "github.com/sw965/omw/math/rand"
	"github.com/sw965/pareto/blas32/vector"
	"github.com/sw965/pareto/dataset"
	"github.com/sw965/pareto/mathx"
	"github.com/sw965/pareto/model/mtl"
	"github.com/sw965/pareto/stream"
)

func newTestModelAndBatch(t *testing.T) (*mtl.Model, stream.Batch) {
	rng := orand.NewMt19937()
	m := mtl.New(3, []int{4}, []int{2, 3}, 0.1, rng)

	xs, ts, err := dataset.NewSynthetic(6, 3, []int{2, 3}, rng)
	if err != nil {
		panic(err)
	}
	return m, stream.Batch{Xs: xs, Ts: ts}
}

// タスクtの損失のバッチ平均。数値微分用。
func taskMeanLoss(m *mtl.Model, b stream.Batch, task int) float32 {
	sum := float32(0.0)
	for i, x := range b.Xs {
		ys, err := m.Predict(x)
		if err != nil {
			panic(err)
		}
		loss, err := mtl.CrossEntropy(ys[task], b.Ts[task][i])
		if err != nil {
			panic(err)
		}
		sum += loss
	}
	return sum / float32(len(b.Xs))
}

func TestTaskGradsMatchesNumericalGradient(t *testing.T) {
	m, b := newTestModelAndBatch(t)

	jac, err := m.TaskGrads(b)
	if err != nil {
		panic(err)
	}

	h := float32(5e-3)
	base := m.Flatten()
	for task := 0; task < m.TaskN(); task++ {
		maxDiff := float32(0.0)
		for i := 0; i < m.ParamN(); i++ {
			shifted := vector.Clone(base)

			shifted.Data[i] = base.Data[i] + h
			if err := m.Assign(shifted); err != nil {
				panic(err)
			}
			plusLoss := taskMeanLoss(m, b, task)

			shifted.Data[i] = base.Data[i] - h
			if err := m.Assign(shifted); err != nil {
				panic(err)
			}
			minusLoss := taskMeanLoss(m, b, task)

			numGrad := mathx.CentralDifference(plusLoss, minusLoss, h)
			diff := math32.Abs(jac.Data[task*jac.Stride+i] - numGrad)
			maxDiff = omath.Max(maxDiff, diff)
		}
		if err := m.Assign(base); err != nil {
			panic(err)
		}
		if maxDiff > 1e-2 {
			t.Errorf("タスク%dの解析的勾配と数値微分の最大誤差 = %f", task, maxDiff)
		}
	}
}

func TestTaskGradsZeroFillsForeignHeads(t *testing.T) {
	m, b := newTestModelAndBatch(t)

	jac, err := m.TaskGrads(b)
	if err != nil {
		panic(err)
	}

	// タスク0の損失はタスク1のヘッドに依存しない。逆も同じ。
	for task := 0; task < m.TaskN(); task++ {
		for other := 0; other < m.TaskN(); other++ {
			if other == task {
				continue
			}
			lo, hi := m.HeadSpan(other)
			for i := lo; i < hi; i++ {
				if got := jac.Data[task*jac.Stride+i]; got != 0.0 {
					t.Errorf("タスク%dの行のヘッド%d区間[%d] = %f, want 0", task, other, i, got)
				}
			}
		}
	}

	// 自分のヘッド区間には非ゼロの勾配が入っている
	for task := 0; task < m.TaskN(); task++ {
		lo, hi := m.HeadSpan(task)
		nonZero := false
		for i := lo; i < hi; i++ {
			if jac.Data[task*jac.Stride+i] != 0.0 {
				nonZero = true
				break
			}
		}
		if !nonZero {
			t.Errorf("タスク%dの自分のヘッド区間が全てゼロです", task)
		}
	}
}

func TestFlattenAssignRoundTrip(t *testing.T) {
	m, _ := newTestModelAndBatch(t)

	flat := m.Flatten()
	for i := range flat.Data {
		flat.Data[i] = float32(i) * 0.01
	}
	if err := m.Assign(flat); err != nil {
		panic(err)
	}

	got := m.Flatten()
	for i := range flat.Data {
		if got.Data[i] != flat.Data[i] {
			t.Fatalf("往復後[%d] = %f, want %f", i, got.Data[i], flat.Data[i])
		}
	}

	if err := m.Assign(vector.NewZeros(m.ParamN() + 1)); err == nil {
		t.Errorf("長さ不一致のAssignがエラーになりませんでした")
	}
}

func TestEvaluateShapes(t *testing.T) {
	m, b := newTestModelAndBatch(t)
	m.TestXs = b.Xs
	m.TestTs = b.Ts

	metrics, err := m.Evaluate()
	if err != nil {
		panic(err)
	}
	if len(metrics.Losses) != m.TaskN() || len(metrics.Accuracies) != m.TaskN() {
		t.Fatalf("評価結果の長さ = (%d, %d), want (%d, %d)", len(metrics.Losses), len(metrics.Accuracies), m.TaskN(), m.TaskN())
	}
	for task, acc := range metrics.Accuracies {
		if acc < 0.0 || acc > 1.0 {
			t.Errorf("タスク%dの正解率 = %f が[0, 1]の外です", task, acc)
		}
		if metrics.Losses[task] < 0.0 {
			t.Errorf("タスク%dの損失 = %f が負です", task, metrics.Losses[task])
		}
	}
}

func TestTaskGradsParallelMatchesSerial(t *testing.T) {
	m, b := newTestModelAndBatch(t)

	serial, err := m.TaskGrads(b)
	if err != nil {
		panic(err)
	}

	m.Parallel = 3
	par, err := m.TaskGrads(b)
	if err != nil {
		panic(err)
	}

	for i := range serial.Data {
		if math32.Abs(serial.Data[i]-par.Data[i]) > 1e-5 {
			t.Fatalf("並列計算[%d] = %f, 直列 = %f", i, par.Data[i], serial.Data[i])
		}
	}
}
