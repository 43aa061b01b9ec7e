// Package game holds the authoritative pong physics. A State is owned by exactly
// one match and is never locked here; callers serialize access.
package game

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// Court geometry in logical units.
const (
	CourtWidth  = 800.0
	CourtHeight = 600.0

	WallTop    = 10.0
	WallBottom = 590.0

	PaddleMin   = 50.0
	PaddleMax   = 550.0
	PaddleStart = 250.0
	PaddleReach = 50.0

	LeftPaddleFront  = 10.0
	LeftPaddleBack   = 20.0
	RightPaddleFront = 780.0
	RightPaddleBack  = 790.0

	BallStartX   = 400.0
	BallStartY   = 300.0
	BallSpeedX   = 5.0
	BallSpeedY   = 3.0
	DeflectSpeed = 5.0

	WinningScore = 11

	// velocities are expressed per 1/60 s
	baselineRate = 60.0
)

var ErrPaddleOutOfRange = eris.New("paddle position must be a finite number in [50,550]")

type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// Other returns the opposing side.
func (s Side) Other() Side {
	if s == Left {
		return Right
	}
	return Left
}

type Ball struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	VX float64 `json:"vx"`
	VY float64 `json:"vy"`
}

type Paddle struct {
	Y     float64 `json:"y"`
	Score int     `json:"score"`
}

type State struct {
	Ball       Ball
	Left       Paddle
	Right      Paddle
	LastUpdate time.Time
}

// Source supplies uniform values in [0,1). *rand.Rand from math/rand/v2 satisfies it.
type Source interface {
	Float64() float64
}

// Outcome reports what happened during a single Step.
type Outcome struct {
	Scored   bool
	Scorer   Side
	Finished bool
	Winner   Side
}

// NewState returns a centred ball with a randomly signed horizontal velocity,
// centred paddles and zero scores.
func NewState(src Source, now time.Time) *State {
	vx := BallSpeedX
	if src.Float64() < 0.5 {
		vx = -vx
	}
	return &State{
		Ball:       Ball{X: BallStartX, Y: BallStartY, VX: vx, VY: BallSpeedY},
		Left:       Paddle{Y: PaddleStart},
		Right:      Paddle{Y: PaddleStart},
		LastUpdate: now,
	}
}

func (s *State) Paddle(side Side) *Paddle {
	if side == Left {
		return &s.Left
	}
	return &s.Right
}

// Step advances the ball by elapsed seconds, resolves wall and paddle contacts,
// then scoring. A finished outcome is reported once a side reaches WinningScore.
func Step(s *State, elapsed float64, src Source, now time.Time) Outcome {
	var out Outcome
	s.LastUpdate = now
	if elapsed <= 0 || math.IsNaN(elapsed) || math.IsInf(elapsed, 0) {
		return out
	}

	scale := elapsed * baselineRate
	b := &s.Ball
	b.X += b.VX * scale
	b.Y += b.VY * scale

	// Forcing the sign inverts vy for any approaching ball and cannot trap
	// a ball that is already moving away from the wall.
	if b.Y <= WallTop {
		b.Y = WallTop
		b.VY = math.Abs(b.VY)
	} else if b.Y >= WallBottom {
		b.Y = WallBottom
		b.VY = -math.Abs(b.VY)
	}

	if b.X >= LeftPaddleFront && b.X <= LeftPaddleBack && math.Abs(b.Y-s.Left.Y) <= PaddleReach {
		b.VX = math.Abs(b.VX)
		b.VY = deflect(s.Left.Y, b.Y)
	} else if b.X >= RightPaddleFront && b.X <= RightPaddleBack && math.Abs(b.Y-s.Right.Y) <= PaddleReach {
		b.VX = -math.Abs(b.VX)
		b.VY = deflect(s.Right.Y, b.Y)
	}

	switch {
	case b.X <= 0:
		out.Scored, out.Scorer = true, Right
	case b.X >= CourtWidth:
		out.Scored, out.Scorer = true, Left
	}
	if !out.Scored {
		return out
	}

	p := s.Paddle(out.Scorer)
	p.Score++
	Serve(s, src)
	if p.Score >= WinningScore {
		out.Finished, out.Winner = true, out.Scorer
	}
	return out
}

// Serve recentres the ball after a point.
func Serve(s *State, src Source) {
	vx := BallSpeedX
	if src.Float64() < 0.5 {
		vx = -vx
	}
	s.Ball = Ball{
		X:  BallStartX,
		Y:  BallStartY,
		VX: vx,
		VY: src.Float64()*2*BallSpeedY - BallSpeedY,
	}
}

// ApplyPaddle sets a paddle directly from client input. Out of range or
// non-finite values leave the state untouched.
func ApplyPaddle(s *State, side Side, y float64) error {
	if math.IsNaN(y) || math.IsInf(y, 0) || y < PaddleMin || y > PaddleMax {
		return eris.Wrapf(ErrPaddleOutOfRange, "got %v", y)
	}
	s.Paddle(side).Y = clamp(y, PaddleMin, PaddleMax)
	return nil
}

func deflect(paddleY, ballY float64) float64 {
	return -((paddleY - ballY) / PaddleReach) * DeflectSpeed
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
