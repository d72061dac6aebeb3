package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot/vg"

	yml "gopkg.in/yaml.v2"

	"github.com/beamlab/orbitcorr/orbit"
	"github.com/beamlab/orbitcorr/util"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "orbitsrv.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k = koanf.New(".")
	k.Load(structs.Provider(DefaultConfig(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func loadconfig() Config {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		log.Fatal(err)
	}
	return c
}

func root() {
	str := `orbitsrv corrects the orbit of a beam in a lattice by steering correctors
against beam position monitor readings, and exposes the correction over HTTP.

Usage:
	orbitsrv <command>

Commands:
	run
	correct
	measure
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `orbitsrv is amenable to configuration via its .yaml file, orbitsrv.yml in the
working directory.  For a primer on YAML, see https://yaml.org/start.html

Without a configuration file the defaults printed by "orbitsrv conf" are used;
"orbitsrv mkconf" writes them to orbitsrv.yml as a starting point.

The lattice is a mock with Lattice.Cells cells, each holding a horizontal and a
vertical corrector and two monitors, with quadrupoles misaligned by up to
Lattice.MaxOffset meters.  The response matrix is measured at startup by
perturbing every corrector, paced by Measure.Rate (per second) and retrying
failed tracking Measure.Retries times.

Solver.Kind, case insensitive:
- "svd"    weighted truncated-SVD least squares, EpsilonX / EpsilonY cut small singular values
- "micado" greedy corrector selection, stopping when the residual improves by less than EpsilonKsi
           or MaxCorrectors are in use
- "linf"   minimax, minimizes the largest weighted monitor error

Alpha in [0, 1] trades orbit for dispersion correction and needs Measure.Dispersion.
Beta >= 0 penalizes large kicks.  Limits holds Min / Max strengths by corrector ID;
a correction that would violate them is refused and nothing is changed.

While "run" is serving, edits to Solver, Alpha and Beta in orbitsrv.yml take
effect without a restart.

Commands:
	run      serve the HTTP interface at Addr, routes under Endpoint
	correct  measure, make Iterations corrections, print the reports, draw Plot
	measure  measure and print the orbit response matrix as CSV`
	fmt.Println(str)
}

func mkconf() {
	c := loadconfig()
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := loadconfig()
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("orbitsrv version %v\n", Version)
}

// startup builds the logger, measurer and session, spinning while the response is measured
func startup(c Config) (*zap.Logger, *orbit.Measurer, *orbit.Session) {
	logger, err := NewLogger(c)
	if err != nil {
		log.Fatal(err)
	}
	ms := BuildMeasurer(c, logger)

	spin, err := NewSpinner("measuring response matrix")
	if err != nil {
		log.Fatal(err)
	}
	progress := func(done, total int) {
		spin.Message(fmt.Sprintf("measuring response matrix %d/%d", done, total))
	}
	sess, err := BuildSession(context.Background(), c, ms, logger, progress)
	if err != nil {
		spin.StopFail()
		logger.Fatal("building session", zap.Error(err))
	}
	spin.Stop()
	return logger, ms, sess
}

func run() {
	c := loadconfig()
	logger, ms, sess := startup(c)
	defer logger.Sync()

	hw := orbit.NewHTTPWrapper(sess, ms)
	hw.Alpha, hw.Beta = c.Alpha, c.Beta
	hw.SolverOptions = c.Solver

	f := file.Provider(ConfigFileName)
	err := f.Watch(func(event interface{}, err error) {
		if err != nil {
			logger.Warn("watching config", zap.Error(err))
			return
		}
		setupconfig()
		if err := applyReload(hw, loadconfig(), logger); err != nil {
			logger.Error("reloading config", zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("solver", hw.Session.Solver.String()))
	})
	if err != nil {
		logger.Info("not watching config", zap.String("file", ConfigFileName), zap.Error(err))
	}

	mux := BuildMux(hw, c.Endpoint)
	logger.Info("now listening for requests", zap.String("addr", c.Addr), zap.String("endpoint", c.Endpoint))
	logger.Fatal("server stopped", zap.Error(http.ListenAndServe(c.Addr, mux)))
}

func correct() {
	c := loadconfig()
	logger, _, sess := startup(c)
	defer logger.Sync()

	enc := yml.NewEncoder(os.Stdout)
	for i := 0; i < c.Iterations; i++ {
		rep, err := sess.Correction(context.Background(), orbit.CorrectionOptions{Alpha: c.Alpha, Beta: c.Beta, PrintLog: c.Debug})
		if err != nil {
			logger.Fatal("correction", zap.Int("iteration", i+1), zap.Error(err))
		}
		if err := enc.Encode(rep); err != nil {
			log.Fatal(err)
		}
	}
	sess.ReadMonitors()
	if c.Plot == "" {
		return
	}
	fid, err := os.Create(c.Plot)
	if err != nil {
		log.Fatal(err)
	}
	defer fid.Close()
	title := fmt.Sprintf("orbit after %d corrections", c.Iterations)
	if err := orbit.WriteOrbitPNG(fid, sess.Monitors, title, 10*vg.Inch, 4*vg.Inch); err != nil {
		log.Fatal(err)
	}
}

func measure() {
	c := loadconfig()
	logger, _, sess := startup(c)
	defer logger.Sync()

	rm := sess.Response
	fmt.Println("," + strings.Join(rm.Correctors, ","))
	n := len(rm.Monitors)
	for i := 0; i < 2*n; i++ {
		name := rm.Monitors[i%n] + ".x"
		if i >= n {
			name = rm.Monitors[i%n] + ".y"
		}
		fmt.Println(name + "," + util.FloatSliceToCSV(mat.Row(nil, i, rm.M)))
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "correct":
		correct()
		return
	case "measure":
		measure()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
