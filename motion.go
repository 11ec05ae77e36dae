package lockercycletest

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"go.viam.com/rdk/components/arm"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/referenceframe"
	rdkutils "go.viam.com/rdk/utils"
)

// MotionResult reports one sequence step. Moved means the driver accepted
// and completed the move; Verified means joint feedback confirmed arrival.
// The two are kept separate so a commanded-vs-actual mismatch stays visible.
type MotionResult struct {
	Pose     string  `json:"pose_name"`
	Moved    bool    `json:"moved"`
	Verified bool    `json:"verified"`
	Elapsed  float64 `json:"elapsed_seconds"`
}

// sequencer drives the arm through a fixed ordered pose sequence, one
// blocking move at a time, verifying arrival per step against joint
// feedback. At most one sequence may be in flight per arm session.
type sequencer struct {
	arm      arm.Arm
	logger   logging.Logger
	sequence []string
	poses    map[string][]float64 // joint angles in degrees

	speedDegsPerSec  float64
	accelDegsPerSec2 float64
	toleranceDeg     float64

	inFlight atomic.Bool
}

func newSequencer(a arm.Arm, logger logging.Logger, sequence []string, poses map[string][]float64, speed, accel, tolerance float64) *sequencer {
	return &sequencer{
		arm:              a,
		logger:           logger,
		sequence:         sequence,
		poses:            poses,
		speedDegsPerSec:  speed,
		accelDegsPerSec2: accel,
		toleranceDeg:     tolerance,
	}
}

// run executes the full sequence, stopping at the first failed step with no
// in-sequence retry. It returns per-step results, the number of steps fully
// completed, and the first error encountered.
func (sq *sequencer) run(ctx context.Context) ([]MotionResult, int, error) {
	if !sq.inFlight.CompareAndSwap(false, true) {
		return nil, 0, fmt.Errorf("motion sequence already in flight")
	}
	defer sq.inFlight.Store(false)

	results := make([]MotionResult, 0, len(sq.sequence))
	for i, name := range sq.sequence {
		res, err := sq.step(ctx, name)
		results = append(results, res)
		if err != nil {
			return results, i, fmt.Errorf("step %d (%s): %w", i+1, name, err)
		}
	}
	return results, len(sq.sequence), nil
}

func (sq *sequencer) step(ctx context.Context, name string) (MotionResult, error) {
	res := MotionResult{Pose: name}
	target, ok := sq.poses[name]
	if !ok {
		return res, fmt.Errorf("pose %q not defined", name)
	}

	started := time.Now()
	if moving, err := sq.arm.IsMoving(ctx); err != nil {
		sq.logger.Warnf("is-moving check failed, proceeding: %v", err)
	} else if moving {
		return res, fmt.Errorf("arm already moving, refusing to issue a new move")
	}

	inputs := degreesToRadians(target)
	opts := &arm.MoveOptions{
		MaxVelRads: rdkutils.DegToRad(sq.speedDegsPerSec),
		MaxAccRads: rdkutils.DegToRad(sq.accelDegsPerSec2),
	}
	if err := sq.arm.MoveThroughJointPositions(ctx, [][]referenceframe.Input{inputs}, opts, nil); err != nil {
		res.Elapsed = time.Since(started).Seconds()
		return res, fmt.Errorf("move failed: %w", err)
	}
	res.Moved = true

	verified, err := sq.verifyPose(ctx, target)
	res.Verified = verified
	res.Elapsed = time.Since(started).Seconds()
	if err != nil {
		return res, err
	}
	if verified {
		sq.logger.Infof("reached %s in %.2fs (verified)", name, res.Elapsed)
	} else {
		sq.logger.Infof("reached %s in %.2fs (unverified)", name, res.Elapsed)
	}
	return res, nil
}

// verifyPose compares actual joint angles to the target within the per-joint
// tolerance. Unavailable feedback is a non-fatal skip; a reading outside
// tolerance is an error.
func (sq *sequencer) verifyPose(ctx context.Context, targetDegs []float64) (bool, error) {
	inputs, err := sq.arm.JointPositions(ctx, nil)
	if err != nil {
		sq.logger.Warnf("joint feedback unavailable, skipping pose verification: %v", err)
		return false, nil
	}
	actual := inputs
	if len(actual) != len(targetDegs) {
		return false, fmt.Errorf("joint feedback has %d joints, expected %d", len(actual), len(targetDegs))
	}
	for i, rad := range actual {
		if diff := math.Abs(rdkutils.RadToDeg(rad) - targetDegs[i]); diff > sq.toleranceDeg {
			return false, fmt.Errorf("joint %d off target by %.2f deg (limit %.2f)", i, diff, sq.toleranceDeg)
		}
	}
	return true, nil
}

func degreesToRadians(degs []float64) []float64 {
	rads := make([]float64, len(degs))
	for i, d := range degs {
		rads[i] = rdkutils.DegToRad(d)
	}
	return rads
}
