package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/theckman/yacspin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/time/rate"

	"github.com/beamlab/orbitcorr/generichttp"
	"github.com/beamlab/orbitcorr/lattice"
	"github.com/beamlab/orbitcorr/orbit"
	"github.com/beamlab/orbitcorr/solver"
	"github.com/beamlab/orbitcorr/util"
)

// LatticeSetup describes the mock lattice the server corrects
type LatticeSetup struct {
	// Cells is the number of FODO-like cells, each with one corrector per plane and two monitors
	Cells int `koanf:"Cells" yaml:"Cells"`

	// MaxOffset is the largest random quadrupole misalignment in meters
	MaxOffset float64 `koanf:"MaxOffset" yaml:"MaxOffset"`

	// Seed fixes the misalignments
	Seed int64 `koanf:"Seed" yaml:"Seed"`
}

// MeasureSetup holds the parameters of response matrix measurement
type MeasureSetup struct {
	// Rate is the number of perturbations per second, 0 for no pacing
	Rate float64 `koanf:"Rate" yaml:"Rate"`

	// Retries is the number of times a failed tracking call is retried
	Retries int `koanf:"Retries" yaml:"Retries"`

	// RetryInterval is the first wait between retries, growing exponentially
	RetryInterval time.Duration `koanf:"RetryInterval" yaml:"RetryInterval"`

	// Dispersion also measures the dispersion response, enabling Alpha > 0
	Dispersion bool `koanf:"Dispersion" yaml:"Dispersion"`
}

// Config is the configuration of orbitsrv, populated from orbitsrv.yml
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Endpoint is the path the routes are served under, e.g. /ring
	Endpoint string `koanf:"Endpoint" yaml:"Endpoint"`

	// Mode is the corrector unit, radian or ampere
	Mode string `koanf:"Mode" yaml:"Mode"`

	// Alpha and Beta are the default dispersion weight and kick penalty
	Alpha float64 `koanf:"Alpha" yaml:"Alpha"`
	Beta  float64 `koanf:"Beta" yaml:"Beta"`

	// Iterations is the number of corrections made by the correct command
	Iterations int `koanf:"Iterations" yaml:"Iterations"`

	// Plot, if not empty, is a PNG file the correct command draws the final orbit to
	Plot string `koanf:"Plot" yaml:"Plot"`

	Debug bool `koanf:"Debug" yaml:"Debug"`

	Solver solver.Options `koanf:"Solver" yaml:"Solver"`

	Lattice LatticeSetup `koanf:"Lattice" yaml:"Lattice"`

	Measure MeasureSetup `koanf:"Measure" yaml:"Measure"`

	// Monitors and Correctors restrict the correction to the listed IDs, all if empty
	Monitors   []string `koanf:"Monitors" yaml:"Monitors"`
	Correctors []string `koanf:"Correctors" yaml:"Correctors"`

	// Limits are software limits on corrector strengths, by corrector ID
	Limits map[string]util.Limiter `koanf:"Limits" yaml:"Limits"`
}

// DefaultConfig is the configuration used where orbitsrv.yml is silent
func DefaultConfig() Config {
	return Config{
		Addr:       ":8000",
		Endpoint:   "/ring",
		Mode:       string(orbit.ModeRadian),
		Iterations: 1,
		Solver:     solver.DefaultOptions(),
		Lattice: LatticeSetup{
			Cells:     8,
			MaxOffset: 1e-4,
			Seed:      1,
		},
		Measure: MeasureSetup{
			Retries:       3,
			RetryInterval: 50 * time.Millisecond,
		},
		Monitors:   []string{},
		Correctors: []string{},
		Limits:     map[string]util.Limiter{},
	}
}

// NewLogger returns a development logger, at debug level if c.Debug
func NewLogger(c Config) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !c.Debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return cfg.Build()
}

// NewSpinner returns a started spinner on stderr with the given message
func NewSpinner(msg string) (*yacspin.Spinner, error) {
	s, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		Writer:            os.Stderr,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		Message:           msg,
		StopCharacter:     "✓",
		StopFailCharacter: "✗",
	})
	if err != nil {
		return nil, err
	}
	return s, s.Start()
}

// BuildMeasurer returns a measurer paced and retried per c.Measure
func BuildMeasurer(c Config, log *zap.Logger) *orbit.Measurer {
	ms := &orbit.Measurer{Log: log}
	if c.Measure.Rate > 0 {
		ms.Limiter = rate.NewLimiter(rate.Limit(c.Measure.Rate), 1)
	}
	if c.Measure.Retries > 0 {
		eb := backoff.NewExponentialBackOff()
		if c.Measure.RetryInterval > 0 {
			eb.InitialInterval = c.Measure.RetryInterval
		}
		ms.Retry = backoff.WithMaxRetries(eb, uint64(c.Measure.Retries))
	}
	return ms
}

// BuildSession builds the mock lattice and a session over it, measuring the
// response matrices.  progress, if not nil, is told about every measured column
func BuildSession(ctx context.Context, c Config, ms *orbit.Measurer, log *zap.Logger, progress func(done, total int)) (*orbit.Session, error) {
	if c.Lattice.Cells < 1 {
		return nil, fmt.Errorf("%w: the lattice needs at least one cell, got %d", orbit.ErrConfiguration, c.Lattice.Cells)
	}
	lat := lattice.Demo(c.Lattice.Cells, c.Lattice.MaxOffset, c.Lattice.Seed)
	if err := lat.UpdateTransferMaps(); err != nil {
		return nil, err
	}
	mode, err := orbit.ParseMode(c.Mode)
	if err != nil {
		return nil, err
	}
	slv, err := solver.New(c.Solver, log)
	if err != nil {
		return nil, err
	}

	measuring := *ms
	measuring.Progress = progress
	opts := []orbit.Option{
		orbit.WithSolver(slv),
		orbit.WithMode(mode),
		orbit.WithLogger(log),
		orbit.WithProvider(orbit.MeasuredProvider{Measurer: measuring}),
		orbit.Empty(),
	}
	if c.Measure.Dispersion {
		opts = append(opts, orbit.WithDispersionProvider(orbit.MeasuredProvider{Measurer: measuring, Quantity: orbit.DispersionQuantity}))
	}
	sess, err := orbit.NewSession(ctx, lat, opts...)
	if err != nil {
		return nil, err
	}
	sess.DiscoverMonitors(util.UniqueString(c.Monitors)...)
	sess.DiscoverCorrectors(util.UniqueString(c.Correctors)...)
	for id, lim := range c.Limits {
		cor, ok := sess.Corrector(id)
		if !ok {
			log.Warn("limits given for an unknown corrector", zap.String("corrector", id))
			continue
		}
		cor.Limits = lim
	}
	if err := sess.SetupResponseMatrices(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// BuildMux mounts the HTTP wrapper at endpoint on a router that logs every request
func BuildMux(hw *orbit.HTTPWrapper, endpoint string) http.Handler {
	endpoint = "/" + strings.Trim(endpoint, "/")
	if endpoint == "/" {
		return hw.Handler(middleware.Logger)
	}
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Mount(endpoint, hw.Handler())
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		eps := hw.RT().Endpoints()
		for i, e := range eps {
			if j := strings.IndexByte(e, ' '); j >= 0 {
				eps[i] = e[:j+1] + endpoint + e[j+1:]
			}
		}
		generichttp.RespondJSON(w, eps)
	})
	return root
}

// applyReload swaps in the solver and correction defaults of a reloaded config
func applyReload(hw *orbit.HTTPWrapper, c Config, log *zap.Logger) error {
	slv, err := solver.New(c.Solver, log)
	if err != nil {
		return err
	}
	if !(c.Alpha >= 0 && c.Alpha <= 1) || !(c.Beta >= 0) {
		return fmt.Errorf("%w: alpha %g, beta %g", orbit.ErrConfiguration, c.Alpha, c.Beta)
	}
	hw.Lock()
	defer hw.Unlock()
	hw.Session.Solver = slv
	hw.SolverOptions = c.Solver
	hw.Alpha = c.Alpha
	hw.Beta = c.Beta
	return nil
}
