package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LoveWonYoung/obd2sim/driver"
	"github.com/LoveWonYoung/obd2sim/logrecorder"
	"github.com/LoveWonYoung/obd2sim/obdclient"
	"github.com/LoveWonYoung/obd2sim/profile"
	"github.com/LoveWonYoung/obd2sim/simulator"
)

type options struct {
	config      string
	profile     string
	bus         string
	iface       string
	redisURL    string
	level       int
	logDir      string
	extended    bool
	unsupported string
	selftest    bool
}

func parseFlags(args []string) (options, *flag.FlagSet, error) {
	var o options
	fs := flag.NewFlagSet("obd2sim", flag.ContinueOnError)
	fs.StringVar(&o.config, "config", "", "YAML config file")
	fs.StringVar(&o.profile, "profile", "", "vehicle profile (.yaml, .json or .cbor)")
	fs.StringVar(&o.bus, "bus", "", "bus type: virtual, socketcan or redis")
	fs.StringVar(&o.iface, "iface", "", "socketcan interface, e.g. vcan0")
	fs.StringVar(&o.redisURL, "redis", "", "redis url for the redis bus")
	fs.IntVar(&o.level, "log-level", 2, "log level 0..4 (debug..error)")
	fs.StringVar(&o.logDir, "log-dir", "", "write logs into a dated directory under this path")
	fs.BoolVar(&o.extended, "extended", false, "use 29-bit addressing")
	fs.StringVar(&o.unsupported, "unsupported", "", "unsupported PID policy: none, nrc12 or nrc11")
	fs.BoolVar(&o.selftest, "selftest", false, "query the simulator over a virtual bus and exit")
	err := fs.Parse(args)
	return o, fs, err
}

// buildConfig loads the config file and applies the flags that were set.
func buildConfig(o options, fs *flag.FlagSet) (simulator.Config, error) {
	cfg := simulator.DefaultConfig()
	if o.config != "" {
		var err error
		if cfg, err = simulator.LoadConfig(o.config); err != nil {
			return cfg, err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "profile":
			cfg.Profile = o.profile
		case "bus":
			cfg.Bus.Type = o.bus
		case "iface":
			cfg.Bus.Interface = o.iface
		case "redis":
			cfg.Bus.URL = o.redisURL
		case "log-level":
			cfg.Log.Level = o.level
		case "log-dir":
			cfg.Log.Dir = o.logDir
		case "extended":
			cfg.Extended = o.extended
		case "unsupported":
			cfg.UnsupportedPID = o.unsupported
		}
	})
	if o.selftest {
		cfg.Bus.Type = driver.TypeVirtual
	}
	if cfg.Profile == "" {
		return cfg, fmt.Errorf("%w: no profile given", simulator.ErrInvalidConfig)
	}
	return cfg, cfg.Validate()
}

func main() {
	o, fs, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	cfg, err := buildConfig(o, fs)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logrecorder.NewLogger(cfg.Log.Level, os.Stderr)
	if cfg.Log.Dir != "" {
		rec, err := logrecorder.Setup(cfg.Log.Dir, "obd2sim_")
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer rec.Close()
		logger = logrecorder.NewLogger(cfg.Log.Level, rec)
		rec.InitAndRotate(ctx, 10*time.Minute, logger)
	}
	slog.SetDefault(logger)

	if err := run(ctx, cfg, o.selftest, logger); err != nil {
		logger.Error("obd2sim failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg simulator.Config, selftest bool, logger *slog.Logger) error {
	p, err := profile.Load(cfg.Profile)
	if err != nil {
		return err
	}
	logger.Info("profile loaded", "path", cfg.Profile, "vehicle", p.Vehicle.String(), "ecus", len(p.ECUs()))

	if selftest {
		return runSelfTest(ctx, cfg, p, logger)
	}

	bus, err := driver.Open(ctx, cfg.Bus, logger)
	if err != nil {
		return err
	}
	sim, err := simulator.New(cfg, p, bus, simulator.WithLogger(logger))
	if err != nil {
		_ = bus.Shutdown()
		return err
	}
	err = sim.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runSelfTest answers a short OBD2 session from an in-process tester.
func runSelfTest(ctx context.Context, cfg simulator.Config, p *profile.Profile, logger *slog.Logger) error {
	simBus, testerBus := driver.NewVirtualPair(logger)
	defer testerBus.Shutdown()
	sim, err := simulator.New(cfg, p, simBus, simulator.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := sim.Start(ctx); err != nil {
		return err
	}
	defer sim.Stop()

	opts := obdclient.DefaultOptions()
	opts.Extended = cfg.Extended
	client := obdclient.New(testerBus, opts, logger)

	pid := byte(0x00)
	resps, err := client.Request(ctx, obdclient.Functional, 0x01, &pid)
	if err != nil {
		return fmt.Errorf("supported PIDs: %w", err)
	}
	for _, r := range resps {
		if r.Err != nil {
			fmt.Printf("0x%03X: %v\n", r.ECU, r.Err)
			continue
		}
		fmt.Printf("0x%03X: 01/00 % X\n", r.ECU, r.Payload)
	}
	for _, ecu := range p.ECUs() {
		vin, err := client.ReadVIN(ctx, ecu.Index)
		if err != nil {
			continue
		}
		fmt.Printf("%s VIN: %s\n", ecu.Name, vin)
	}
	return nil
}
