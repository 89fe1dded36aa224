package explore

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sw965/pareto"
	"github.com/sw965/pareto/blas32/tensor2d"
	"github.com/sw965/pareto/blas32/vector"
	"github.com/sw965/pareto/checkpoint"
	"github.com/sw965/pareto/estimator"
	"github.com/sw965/pareto/hvp"
	"github.com/sw965/pareto/momentum"
	"github.com/sw965/pareto/optimizer"
	"github.com/sw965/pareto/solver"
	"gonum.org/v1/gonum/blas/blas32"
)

type Config struct {
	StepN        int     // 1方向あたりの探索ステップ数
	SampleRatio  float32 // 各ステップのヤコビアン推定で消費するエポックの割合
	Momentum     float32 // ヤコビアンとαの指数移動平均係数
	LearningRate float32
	StepMomentum float32 // 最適化器のモメンタム係数。0なら単純な勾配降下
	MaxIter      int     // 線形ソルバーの反復上限
	Dir          string  // チェックポイントの置き場所
}

func (c *Config) Validate() error {
	if c.StepN <= 0 {
		return fmt.Errorf("ステップ数は1以上でなければなりません: %w", pareto.ErrConfiguration)
	}
	if c.SampleRatio <= 0.0 || c.SampleRatio > 1.0 {
		return fmt.Errorf("SampleRatio(%f)は(0, 1]の範囲でなければなりません: %w", c.SampleRatio, pareto.ErrConfiguration)
	}
	if c.Momentum < 0.0 || c.Momentum >= 1.0 {
		return fmt.Errorf("Momentum(%f)は[0, 1)の範囲でなければなりません: %w", c.Momentum, pareto.ErrConfiguration)
	}
	if c.LearningRate <= 0.0 {
		return fmt.Errorf("学習率は正でなければなりません: %w", pareto.ErrConfiguration)
	}
	if c.MaxIter <= 0 {
		return fmt.Errorf("反復上限は1以上でなければなりません: %w", pareto.ErrConfiguration)
	}
	if c.Dir == "" {
		return fmt.Errorf("チェックポイントのディレクトリが指定されていません: %w", pareto.ErrConfiguration)
	}
	return nil
}

/*
	Controller はパレート最適解の軌跡を連続的に辿る制御ループ。
	重み組み合わせ×タスク方向の各組について、出発点の読み込み、
	平滑化推定のウォームアップ、StepN回の探索ステップを実行する。

	単一ゴルーチンでの実行を前提とする。EstimatorとOperatorの
	Streamは互いに独立でなければならない。
*/
type Controller struct {
	Target    *pareto.Target
	Estimator *estimator.Estimator
	Operator  *hvp.Operator
	MinNorm   solver.MinNorm
	Krylov    solver.Krylov
	Config    Config
}

// Run はK個の重み組み合わせそれぞれについて、全タスク方向を探索する。
// 各方向は前の方向の漂流を引き継がず、必ず出発点から再出発する。
func (c *Controller) Run(weightN int) error {
	for w := 0; w < weightN; w++ {
		for dir := 0; dir < c.Target.TaskN; dir++ {
			if err := c.RunDirection(w, dir); err != nil {
				return err
			}
		}
	}
	return nil
}

// RunDirection は1つの(重み, タスク方向)について探索を実行する。
func (c *Controller) RunDirection(weight, direction int) error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if err := c.Target.Validate(); err != nil {
		return err
	}
	if direction < 0 || direction >= c.Target.TaskN {
		return fmt.Errorf("タスク方向(%d)がタスク数(%d)の範囲外です: %w", direction, c.Target.TaskN, pareto.ErrConfiguration)
	}

	opt, err := c.seed(weight)
	if err != nil {
		return err
	}

	// ウォームアップ。平滑化前の全量推定で両方のバッファを初期化する。
	jac0, err := c.Estimator.Estimate(1.0)
	if err != nil {
		return err
	}
	alpha0, _, err := c.MinNorm(jac0)
	if err != nil {
		return err
	}

	jacBuf := &momentum.General{Momentum: c.Config.Momentum}
	jacBuf.Reset(jac0)
	alphaBuf := &momentum.Vector{Momentum: c.Config.Momentum}
	alphaBuf.Reset(alpha0)

	for step := 0; step < c.Config.StepN; step++ {
		if err := c.runStep(opt, jacBuf, alphaBuf, weight, direction, step); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) runStep(opt *optimizer.Momentum, jacBuf *momentum.General, alphaBuf *momentum.Vector, weight, direction, step int) error {
	jac, err := c.Estimator.Estimate(c.Config.SampleRatio)
	if err != nil {
		return err
	}
	smoothedJac, err := jacBuf.Update(jac)
	if err != nil {
		return err
	}

	// αは平滑化前の部分推定から計算し、α側は独立に平滑化する
	alpha, _, err := c.MinNorm(jac)
	if err != nil {
		return err
	}
	smoothedAlpha, err := alphaBuf.Update(alpha)
	if err != nil {
		return err
	}

	rhs := tensor2d.CloneRowAt(smoothedJac, direction)
	x0 := tensor2d.MeanRows(smoothedJac)

	d, err := c.solve(smoothedAlpha, rhs, x0)
	if errors.Is(err, pareto.ErrNonConvergence) {
		fmt.Printf("警告: w=%d d=%d s=%d 線形ソルバーが収束しませんでした。途中結果を採用します: %v\n", weight, direction, step, err)
	} else if err != nil {
		return err
	}

	if vector.HasNaNOrInf(d) {
		fmt.Printf("警告: w=%d d=%d s=%d 探索方向に数値異常が含まれる為、このステップを破棄します\n", weight, direction, step)
		return nil
	}
	if nrm := vector.Normalize(d); nrm == 0 {
		fmt.Printf("警告: w=%d d=%d s=%d 探索方向がゼロベクトルの為、このステップを破棄します\n", weight, direction, step)
		return nil
	}

	// 正規化した方向を疑似勾配として、最適化器を1ステップだけ進める
	flat := c.Target.Flatten()
	opt.Train(flat, d, c.Config.LearningRate)
	if err := c.Target.Assign(flat); err != nil {
		return err
	}

	metrics, err := c.Target.Evaluate()
	if err != nil {
		return err
	}

	ckpt := checkpoint.Checkpoint{
		Param:    slices.Clone(flat.Data),
		Velocity: slices.Clone(opt.Velocity.Data),
		Metrics:  metrics,
	}
	return ckpt.Save(checkpoint.StepPath(c.Config.Dir, weight, direction, step))
}

// solve は作用素をαに束縛した区間だけで線形系を解く。
// 解除はdeferで保証する。
func (c *Controller) solve(alpha, rhs, x0 blas32.Vector) (blas32.Vector, error) {
	release, err := c.Operator.Bind(alpha)
	if err != nil {
		return blas32.Vector{}, err
	}
	defer release()
	return c.Krylov(c.Operator.Apply, rhs, x0, c.Config.MaxIter)
}

// seed は出発点のチェックポイントからパラメーターと最適化器の状態を復元する。
func (c *Controller) seed(weight int) (*optimizer.Momentum, error) {
	ckpt, err := checkpoint.Load(checkpoint.SeedPath(c.Config.Dir, weight))
	if err != nil {
		return nil, err
	}
	if len(ckpt.Param) != c.Target.ParamN {
		return nil, fmt.Errorf("チェックポイントのパラメーター数(%d)がモデル(%d)と一致しません: %w", len(ckpt.Param), c.Target.ParamN, pareto.ErrConfiguration)
	}
	if err := c.Target.Assign(vector.FromData(slices.Clone(ckpt.Param))); err != nil {
		return nil, err
	}

	opt := optimizer.NewMomentum(c.Config.StepMomentum, c.Target.ParamN)
	if len(ckpt.Velocity) != 0 {
		if len(ckpt.Velocity) != c.Target.ParamN {
			return nil, fmt.Errorf("チェックポイントの速度の長さ(%d)がパラメーター数(%d)と一致しません: %w", len(ckpt.Velocity), c.Target.ParamN, pareto.ErrConfiguration)
		}
		copy(opt.Velocity.Data, ckpt.Velocity)
	}
	return opt, nil
}
