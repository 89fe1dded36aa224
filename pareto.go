package pareto

import (
	"fmt"

	"github.com/sw965/pareto/stream"
	"gonum.org/v1/gonum/blas/blas32"
)

var (
	ErrConfiguration  = fmt.Errorf("設定が不正です")
	ErrInvalidState   = fmt.Errorf("不正な状態で操作されました")
	ErrNonConvergence = fmt.Errorf("反復上限までに収束しませんでした")
)

// Metrics は評価用データに対するタスク毎の損失とtop-1正解率。
type Metrics struct {
	Losses     []float32 `json:"losses"`
	Accuracies []float32 `json:"accuracies"`
}

/*
	Target は探索対象となるモデルの境界。
	ネットワークの構造や損失の中身はこのモジュールの関心外であり、
	関数フィールド経由でのみ触れる。

	Flattenは現在のパラメーターを平坦化した新しいコピーを返す。
	Assignは平坦なベクトルを各テンソルの形に戻して書き込む。
	TaskGradsは現在のパラメーターにおける、タスク毎の平坦化された勾配を
	行として持つ行列を返す。タスクが依存しないパラメーターの勾配は
	ゼロ埋めされていなければならない。
*/
type Target struct {
	TaskN  int
	ParamN int

	Flatten   func() blas32.Vector
	Assign    func(blas32.Vector) error
	TaskGrads func(stream.Batch) (blas32.General, error)
	Evaluate  func() (Metrics, error)
}

func (t *Target) Validate() error {
	if t.TaskN <= 0 || t.ParamN <= 0 {
		return fmt.Errorf("タスク数・パラメーター数は1以上でなければなりません: %w", ErrConfiguration)
	}
	if t.Flatten == nil || t.Assign == nil || t.TaskGrads == nil || t.Evaluate == nil {
		return fmt.Errorf("Targetの関数フィールドが設定されていません: %w", ErrConfiguration)
	}
	return nil
}
