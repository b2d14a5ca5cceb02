// Package classify turns a measured key-down duration into a dot or dash,
// adapting its dot estimate to the operator's speed.
package classify

import (
	"errors"
	"math"
)

// Symbol is a classified element as it appears in a morse stream.
type Symbol byte

const (
	Dot  Symbol = '.'
	Dash Symbol = '-'
)

func (s Symbol) String() string { return string(s) }

const (
	minDotMS = 20.0
	maxDotMS = 2000.0
)

// ErrNotReady is returned when a classifier has not been initialized.
var ErrNotReady = errors.New("classify: classifier not initialized")

// Config holds the adaptation knobs.
type Config struct {
	InitialWPM     float64 `toml:"wpm" validate:"gt=0,lte=100"`
	LearningWindow int     `toml:"learning_window" validate:"gte=1,lte=10000"`
	// Sensitivity is how strongly the window mean pulls the estimate (0..1).
	Sensitivity float64 `toml:"sensitivity" validate:"gte=0,lte=1"`
	// DashRatio is the expected dash/dot length ratio.
	DashRatio float64 `toml:"dash_ratio" validate:"gte=2,lte=6"`
}

func DefaultConfig() Config {
	return Config{InitialWPM: 20, LearningWindow: 100, Sensitivity: 0.4, DashRatio: 3}
}

// Classifier is owned by a single transmit or receive context; it is not safe
// for concurrent use.
type Classifier struct {
	dotMS       float64
	ratio       float64
	sensitivity float64
	window      []float64 // ring of normalized samples, oldest first after wrap
	head        int
	size        int
}

// New seeds the dot estimate from words per minute (dot = 1200 / wpm).
func New(cfg Config) (*Classifier, error) {
	if cfg.InitialWPM <= 0 {
		return nil, errors.New("classify: wpm must be positive")
	}
	return newClassifier(1200/cfg.InitialWPM, cfg), nil
}

// NewFromHints seeds the estimate from a sender's dot and dash lengths.
func NewFromHints(dotMS, dashMS int64, cfg Config) *Classifier {
	c := newClassifier(float64(dotMS), cfg)
	c.Rebase(dotMS, dashMS)
	return c
}

func newClassifier(dot float64, cfg Config) *Classifier {
	def := DefaultConfig()
	if cfg.LearningWindow <= 0 {
		cfg.LearningWindow = def.LearningWindow
	}
	if cfg.DashRatio < 2 {
		cfg.DashRatio = def.DashRatio
	}
	if cfg.Sensitivity < 0 || cfg.Sensitivity > 1 {
		cfg.Sensitivity = def.Sensitivity
	}
	return &Classifier{
		dotMS:       clamp(dot, minDotMS, maxDotMS),
		ratio:       cfg.DashRatio,
		sensitivity: cfg.Sensitivity,
		window:      make([]float64, cfg.LearningWindow),
	}
}

// Rebase resets the estimate and ratio to new sender timing and forgets history.
func (c *Classifier) Rebase(dotMS, dashMS int64) {
	if dotMS <= 0 {
		return
	}
	c.dotMS = clamp(float64(dotMS), minDotMS, maxDotMS)
	if dashMS >= 2*dotMS {
		c.ratio = float64(dashMS) / float64(dotMS)
	}
	c.head, c.size = 0, 0
}

func (c *Classifier) ready() bool {
	return c != nil && c.dotMS > 0 && len(c.window) > 0
}

// DotMS is the current dot estimate.
func (c *Classifier) DotMS() float64 { return c.dotMS }

// Threshold is the dot/dash decision boundary: the midpoint of dot and dash.
func (c *Classifier) Threshold() float64 {
	return (c.dotMS + c.dotMS*c.ratio) / 2
}

// WPM is the speed implied by the current estimate.
func (c *Classifier) WPM() float64 { return 1200 / c.dotMS }

// Decide classifies without learning.
func (c *Classifier) Decide(durationMS float64) (Symbol, float64, error) {
	if !c.ready() {
		return 0, 0, ErrNotReady
	}
	sym := Dot
	if durationMS >= c.Threshold() {
		sym = Dash
	}
	return sym, c.confidence(durationMS, sym), nil
}

// Classify decides, then folds the sample into the estimate.
func (c *Classifier) Classify(durationMS float64) (Symbol, float64, error) {
	sym, conf, err := c.Decide(durationMS)
	if err != nil {
		return 0, 0, err
	}
	c.learn(durationMS, sym)
	return sym, conf, nil
}

// Clone returns an independent copy of the classifier state.
func (c *Classifier) Clone() *Classifier {
	if c == nil {
		return nil
	}
	cp := *c
	cp.window = append([]float64(nil), c.window...)
	return &cp
}

func (c *Classifier) learn(durationMS float64, sym Symbol) {
	if durationMS <= 0 {
		return
	}
	sample := durationMS
	if sym == Dash {
		sample /= c.ratio
	}
	sample = clamp(sample, c.dotMS/3, c.dotMS*3)

	c.window[c.head] = sample
	c.head = (c.head + 1) % len(c.window)
	if c.size < len(c.window) {
		c.size++
	}

	// linear recency weights: oldest 1, newest size
	var sum, weights float64
	start := (c.head - c.size + len(c.window)) % len(c.window)
	for i := 0; i < c.size; i++ {
		w := float64(i + 1)
		sum += w * c.window[(start+i)%len(c.window)]
		weights += w
	}
	mean := sum / weights
	c.dotMS = clamp((1-c.sensitivity)*c.dotMS+c.sensitivity*mean, minDotMS, maxDotMS)
}

// confidence is the posterior of the chosen symbol under two Gaussian models.
func (c *Classifier) confidence(d float64, sym Symbol) float64 {
	dot, dash := c.dotMS, c.dotMS*c.ratio
	ld := logNormPDF(d, dot, dot*0.3)
	lh := logNormPDF(d, dash, dash*0.2)
	chosen, other := ld, lh
	if sym == Dash {
		chosen, other = lh, ld
	}
	p := 1 / (1 + math.Exp(other-chosen))
	// the threshold can disagree with the likelihoods near the boundary
	return math.Max(p, 0.5)
}

func logNormPDF(x, mu, sigma float64) float64 {
	z := (x - mu) / sigma
	return -0.5*z*z - math.Log(sigma)
}

// Static is the fixed midpoint rule used when no classifier is available.
func Static(durationMS float64, dotMS, dashMS int64) Symbol {
	if durationMS < float64(dotMS+dashMS)/2 {
		return Dot
	}
	return Dash
}

// ClassifyOr classifies with c, falling back to Static. It never fails.
func ClassifyOr(c *Classifier, durationMS float64, dotMS, dashMS int64) Symbol {
	if sym, _, err := c.Classify(durationMS); err == nil {
		return sym
	}
	return Static(durationMS, dotMS, dashMS)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
