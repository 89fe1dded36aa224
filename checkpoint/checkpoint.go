package checkpoint

import (
	"fmt"
	"path/filepath"

	"github.com/sw965/omw/encoding/jsonx"
	"github.com/sw965/pareto"
)

/*
	Checkpoint は1探索ステップ分の成果物。
	平坦化したパラメーター、最適化器の速度、評価結果を持つ。
	一度書いたら変更しない。
*/
type Checkpoint struct {
	Param    []float32      `json:"param"`
	Velocity []float32      `json:"velocity"`
	Metrics  pareto.Metrics `json:"metrics"`
}

func Load(path string) (Checkpoint, error) {
	return jsonx.Load[Checkpoint](path)
}

func (c Checkpoint) Save(path string) error {
	return jsonx.Save[Checkpoint](c, path)
}

// SeedPath は重み組み合わせ毎の出発点(SGD訓練済み)のパス。
func SeedPath(dir string, weight int) string {
	return filepath.Join(dir, fmt.Sprintf("w%d.json", weight))
}

// StepPath は(重み, タスク方向, ステップ)で識別される探索途中のパス。
func StepPath(dir string, weight, direction, step int) string {
	return filepath.Join(dir, fmt.Sprintf("w%d_d%d_s%03d.json", weight, direction, step))
}
