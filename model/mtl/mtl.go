package mtl

import (
	"fmt"
	"math/rand"
	"slices"

	"github.com/chewxy/math32"
	omath "github.com/sw965/omw/math"
	"github.com/sw965/omw/parallel"
	oslices "github.com/sw965/omw/slices"
	"github.com/sw965/pareto"
	"github.com/sw965/pareto/blas32/tensor2d"
	"github.com/sw965/pareto/blas32/vector"
	"github.com/sw965/pareto/stream"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

type Parameter struct {
	Weight blas32.General
	Bias   blas32.Vector
}

func (p *Parameter) N() int {
	return tensor2d.N(p.Weight) + p.Bias.N
}

func (p *Parameter) Clone() Parameter {
	return Parameter{
		Weight: tensor2d.Clone(p.Weight),
		Bias:   vector.Clone(p.Bias),
	}
}

type Parameters []Parameter

type GradBuffer struct {
	Weight blas32.General
	Bias   blas32.Vector
}

type Forward func(blas32.Vector, *Parameter) (blas32.Vector, Backward, error)
type Forwards []Forward

func (fs Forwards) Propagate(x blas32.Vector, params Parameters) (blas32.Vector, Backwards, error) {
	var err error
	var backward Backward
	backwards := make(Backwards, len(fs))
	for i, f := range fs {
		x, backward, err = f(x, &params[i])
		if err != nil {
			return blas32.Vector{}, nil, err
		}
		backwards[i] = backward
	}
	y := x
	slices.Reverse(backwards)
	return y, backwards, nil
}

type Backward func(blas32.Vector) (blas32.Vector, GradBuffer, error)
type Backwards []Backward

func (bs Backwards) Propagate(chain blas32.Vector) (blas32.Vector, []GradBuffer, error) {
	grads := make([]GradBuffer, len(bs))
	var grad GradBuffer
	var err error
	for i, b := range bs {
		chain, grad, err = b(chain)
		if err != nil {
			return blas32.Vector{}, nil, err
		}
		grads[i] = grad
	}
	dx := chain
	slices.Reverse(grads)
	return dx, grads, nil
}

func AffineForward(x blas32.Vector, param *Parameter) (blas32.Vector, Backward, error) {
	yn := param.Weight.Cols
	y := vector.NewZeros(yn)
	blas32.Copy(param.Bias, y)
	blas32.Gemv(blas.Trans, 1.0, param.Weight, x, 1.0, y)

	var backward Backward
	backward = func(chain blas32.Vector) (blas32.Vector, GradBuffer, error) {
		wRows := param.Weight.Rows
		wCols := param.Weight.Cols

		dx := vector.NewZeros(wRows)
		blas32.Gemv(blas.NoTrans, 1.0, param.Weight, chain, 1.0, dx)

		dw := tensor2d.NewZeros(wRows, wCols)
		blas32.Ger(1.0, x, chain, dw)

		db := vector.Clone(chain)

		grad := GradBuffer{
			Weight: dw,
			Bias:   db,
		}
		return dx, grad, nil
	}
	return y, backward, nil
}

func NewLeakyReLUForward(alpha float32) Forward {
	return func(x blas32.Vector, _ *Parameter) (blas32.Vector, Backward, error) {
		xData := x.Data
		yData := make([]float32, x.N)
		for i := range yData {
			e := xData[i]
			if e > 0 {
				yData[i] = e
			} else {
				yData[i] = alpha * e
			}
		}
		y := blas32.Vector{N: x.N, Inc: x.Inc, Data: yData}

		var backward Backward
		backward = func(chain blas32.Vector) (blas32.Vector, GradBuffer, error) {
			chainData := chain.Data
			dxData := make([]float32, chain.N)
			for i, e := range xData {
				if e > 0 {
					dxData[i] = chainData[i]
				} else {
					dxData[i] = alpha * chainData[i]
				}
			}
			dx := blas32.Vector{N: chain.N, Inc: chain.Inc, Data: dxData}
			return dx, GradBuffer{}, nil
		}
		return y, backward, nil
	}
}

func Softmax(u blas32.Vector) blas32.Vector {
	maxU := omath.Max(u.Data...) // オーバーフロー対策
	expU := make([]float32, u.N)
	sumExpU := float32(0.0)
	for i, e := range u.Data {
		expU[i] = math32.Exp(e - maxU)
		sumExpU += expU[i]
	}

	yData := make([]float32, u.N)
	for i := range expU {
		yData[i] = expU[i] / sumExpU
	}
	return blas32.Vector{N: u.N, Inc: u.Inc, Data: yData}
}

func CrossEntropy(y, t blas32.Vector) (float32, error) {
	if y.N != t.N {
		return 0.0, fmt.Errorf("出力(%d)と教師信号(%d)の次元数が一致しません", y.N, t.N)
	}
	loss := float32(0.0)
	e := float32(0.0001)
	for i := range y.Data {
		ye := omath.Max(y.Data[i], e)
		te := t.Data[i]
		loss += -te * math32.Log(ye)
	}
	return loss, nil
}

/*
	Model は共有トランクとタスク毎のヘッドを持つ多タスクMLP。
	ヘッドはアフィン層+ソフトマックスで、損失はクロスエントロピー。

	あるタスクの損失は他タスクのヘッドに構造的に依存しない。
	その区間の勾配はゼロ埋めされたままヤコビアンの行に入る。
*/
type Model struct {
	TrunkParams   Parameters
	TrunkForwards Forwards
	HeadParams    Parameters

	Parallel int

	TestXs []blas32.Vector
	TestTs [][]blas32.Vector

	offsets []int
	paramN  int
}

// New は入力次元xn、隠れ層hiddenNs、タスク毎のクラス数classNsのモデルを作る。
func New(xn int, hiddenNs []int, classNs []int, leakyAlpha float32, rng *rand.Rand) *Model {
	m := &Model{Parallel: 1}
	in := xn
	for _, h := range hiddenNs {
		m.TrunkParams = append(m.TrunkParams, Parameter{
			Weight: tensor2d.NewHe(in, h, rng),
			Bias:   vector.NewZeros(h),
		})
		m.TrunkForwards = append(m.TrunkForwards, AffineForward)

		// 活性化層はパラメーターを持たない
		m.TrunkParams = append(m.TrunkParams, Parameter{})
		m.TrunkForwards = append(m.TrunkForwards, NewLeakyReLUForward(leakyAlpha))
		in = h
	}

	for _, cn := range classNs {
		m.HeadParams = append(m.HeadParams, Parameter{
			Weight: tensor2d.NewHe(in, cn, rng),
			Bias:   vector.NewZeros(cn),
		})
	}

	m.initOffsets()
	return m
}

func (m *Model) initOffsets() {
	blocks := m.blocks()
	m.offsets = make([]int, len(blocks))
	total := 0
	for i, b := range blocks {
		m.offsets[i] = total
		total += b.N()
	}
	m.paramN = total
}

// blocks は平坦化の順序を定める。トランクのパラメーター、次にヘッドをタスク順。
// 各ブロック内は重みの行優先、その後にバイアス。
func (m *Model) blocks() []*Parameter {
	bs := make([]*Parameter, 0, len(m.TrunkParams)+len(m.HeadParams))
	for i := range m.TrunkParams {
		bs = append(bs, &m.TrunkParams[i])
	}
	for i := range m.HeadParams {
		bs = append(bs, &m.HeadParams[i])
	}
	return bs
}

func (m *Model) TaskN() int {
	return len(m.HeadParams)
}

func (m *Model) ParamN() int {
	return m.paramN
}

// HeadSpan はtask番目のヘッドが平坦ベクトル内で占める区間[start, end)を返す。
func (m *Model) HeadSpan(task int) (int, int) {
	k := len(m.TrunkParams) + task
	return m.offsets[k], m.offsets[k] + m.HeadParams[task].N()
}

func (m *Model) Flatten() blas32.Vector {
	flat := vector.NewZeros(m.paramN)
	for k, b := range m.blocks() {
		off := m.offsets[k]
		wn := copy(flat.Data[off:], b.Weight.Data)
		copy(flat.Data[off+wn:], b.Bias.Data)
	}
	return flat
}

func (m *Model) Assign(flat blas32.Vector) error {
	if flat.N != m.paramN {
		return fmt.Errorf("ベクトルの長さ(%d)がパラメーター数(%d)と一致しません", flat.N, m.paramN)
	}
	for k, b := range m.blocks() {
		off := m.offsets[k]
		wn := copy(b.Weight.Data, flat.Data[off:off+tensor2d.N(b.Weight)])
		copy(b.Bias.Data, flat.Data[off+wn:off+b.N()])
	}
	return nil
}

// Predict はタスク毎のソフトマックス出力を返す。
func (m *Model) Predict(x blas32.Vector) ([]blas32.Vector, error) {
	h, _, err := m.TrunkForwards.Propagate(x, m.TrunkParams)
	if err != nil {
		return nil, err
	}
	ys := make([]blas32.Vector, m.TaskN())
	for t := range m.HeadParams {
		u, _, err := AffineForward(h, &m.HeadParams[t])
		if err != nil {
			return nil, err
		}
		ys[t] = Softmax(u)
	}
	return ys, nil
}

// TaskGrads は現在のパラメーターでの、バッチ平均のタスク毎勾配行列を返す。
// 行tはタスクtの損失の勾配を平坦化したもの。タスクtが依存しない
// ヘッドの区間はゼロのまま。
func (m *Model) TaskGrads(b stream.Batch) (blas32.General, error) {
	n := b.Size()
	if n == 0 {
		return blas32.General{}, fmt.Errorf("空のバッチでは勾配を計算できません")
	}
	if len(b.Ts) != m.TaskN() {
		return blas32.General{}, fmt.Errorf("教師信号のタスク数(%d)がヘッド数(%d)と一致しません", len(b.Ts), m.TaskN())
	}

	p := m.Parallel
	if p <= 0 {
		p = 1
	}

	jacs := make([]blas32.General, p)
	for i := range jacs {
		jacs[i] = tensor2d.NewZeros(m.TaskN(), m.paramN)
	}

	err := parallel.For(n, p, func(workerId, idx int) error {
		return m.accumSampleGrads(jacs[workerId], b.Xs[idx], b.Ts, idx)
	})
	if err != nil {
		return blas32.General{}, err
	}

	total := jacs[0]
	for _, jac := range jacs[1:] {
		tensor2d.Axpy(1.0, jac, total)
	}
	tensor2d.Scal(1.0/float32(n), total)
	return total, nil
}

// accumSampleGrads は1サンプル分のタスク毎勾配をjacの各行に加算する。
// トランクの順伝播は1回だけ行い、逆伝播をタスク毎にやり直す。
func (m *Model) accumSampleGrads(jac blas32.General, x blas32.Vector, ts [][]blas32.Vector, idx int) error {
	h, trunkBackwards, err := m.TrunkForwards.Propagate(x, m.TrunkParams)
	if err != nil {
		return err
	}

	trunkN := len(m.TrunkParams)
	for t := range m.HeadParams {
		u, headBackward, err := AffineForward(h, &m.HeadParams[t])
		if err != nil {
			return err
		}
		y := Softmax(u)

		// ソフトマックス+クロスエントロピーの連鎖は y - t
		chain := vector.Clone(y)
		blas32.Axpy(-1.0, ts[t][idx], chain)

		dh, headGrad, err := headBackward(chain)
		if err != nil {
			return err
		}
		_, trunkGrads, err := trunkBackwards.Propagate(dh)
		if err != nil {
			return err
		}

		row := tensor2d.RowAt(jac, t)
		for k, grad := range trunkGrads {
			m.accumGrad(row, m.offsets[k], &grad)
		}
		m.accumGrad(row, m.offsets[trunkN+t], &headGrad)
	}
	return nil
}

func (m *Model) accumGrad(row blas32.Vector, offset int, grad *GradBuffer) {
	for i, e := range grad.Weight.Data {
		row.Data[offset+i] += e
	}
	wn := len(grad.Weight.Data)
	for i, e := range grad.Bias.Data {
		row.Data[offset+wn+i] += e
	}
}

// Evaluate は評価用データに対するタスク毎の平均損失とtop-1正解率を返す。
func (m *Model) Evaluate() (pareto.Metrics, error) {
	n := len(m.TestXs)
	if n == 0 {
		return pareto.Metrics{}, fmt.Errorf("評価用データが設定されていません")
	}
	if len(m.TestTs) != m.TaskN() {
		return pareto.Metrics{}, fmt.Errorf("評価用教師信号のタスク数(%d)がヘッド数(%d)と一致しません", len(m.TestTs), m.TaskN())
	}

	losses := make([]float32, m.TaskN())
	corrects := make([]int, m.TaskN())
	for i, x := range m.TestXs {
		ys, err := m.Predict(x)
		if err != nil {
			return pareto.Metrics{}, err
		}
		for t, y := range ys {
			target := m.TestTs[t][i]
			loss, err := CrossEntropy(y, target)
			if err != nil {
				return pareto.Metrics{}, err
			}
			losses[t] += loss
			if oslices.MaxIndices(y.Data)[0] == oslices.MaxIndices(target.Data)[0] {
				corrects[t] += 1
			}
		}
	}

	accs := make([]float32, m.TaskN())
	for t := range losses {
		losses[t] /= float32(n)
		accs[t] = float32(corrects[t]) / float32(n)
	}
	return pareto.Metrics{Losses: losses, Accuracies: accs}, nil
}

// Target は探索エンジンに渡す境界を作る。
func (m *Model) Target() *pareto.Target {
	return &pareto.Target{
		TaskN:     m.TaskN(),
		ParamN:    m.ParamN(),
		Flatten:   m.Flatten,
		Assign:    m.Assign,
		TaskGrads: m.TaskGrads,
		Evaluate:  m.Evaluate,
	}
}
