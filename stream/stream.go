package stream

import (
	"fmt"

	"gonum.org/v1/gonum/blas/blas32"
)

// Batch は1ミニバッチ分の入力と、タスク毎の教師信号。
// Ts は [タスク][サンプル] の順で索引する。
type Batch struct {
	Xs []blas32.Vector
	Ts [][]blas32.Vector
}

func (b Batch) Size() int {
	return len(b.Xs)
}

/*
	Cyclic は循環するミニバッチの供給源。
	末尾に達したら先頭へ戻るだけで、終端をエラーとして報告しない。
	カーソルはインスタンス毎に独立して持つ。推定器とHVP作用素で
	同じインスタンスを共有してはならない。
*/
type Cyclic struct {
	batches []Batch
	cursor  int
}

// NewCyclic はデータ全体を先頭から順に切り出してバッチ列を作る。
// batchSizeで割り切れない末尾の端数は捨てる。
func NewCyclic(xs []blas32.Vector, ts [][]blas32.Vector, batchSize int) (*Cyclic, error) {
	n := len(xs)
	if batchSize <= 0 {
		return nil, fmt.Errorf("バッチサイズは1以上でなければなりません")
	}
	if n < batchSize {
		return nil, fmt.Errorf("データ数(%d) < バッチサイズ(%d)である為、バッチを作れません", n, batchSize)
	}
	for _, t := range ts {
		if len(t) != n {
			return nil, fmt.Errorf("入力数(%d)と教師信号数(%d)が一致しません", n, len(t))
		}
	}

	batchN := n / batchSize
	batches := make([]Batch, batchN)
	for i := 0; i < batchN; i++ {
		lo := i * batchSize
		hi := lo + batchSize
		taskTs := make([][]blas32.Vector, len(ts))
		for k, t := range ts {
			taskTs[k] = t[lo:hi]
		}
		batches[i] = Batch{Xs: xs[lo:hi], Ts: taskTs}
	}
	return &Cyclic{batches: batches}, nil
}

// BatchN は1エポックあたりのバッチ数。
func (c *Cyclic) BatchN() int {
	return len(c.batches)
}

// Next は次のバッチを返し、カーソルを進める。並行呼び出し不可。
func (c *Cyclic) Next() Batch {
	b := c.batches[c.cursor]
	c.cursor = (c.cursor + 1) % len(c.batches)
	return b
}
