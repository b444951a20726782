package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-sam/internal/config"
	"github.com/23skdu/longbow-sam/internal/embedstore"
	"github.com/23skdu/longbow-sam/internal/logger"
)

const rootLong = `Segment images from point prompts.

The thresholds and epsilons only have long flags: -mt is --mask-threshold,
-it is --iou-threshold, -st is --score-threshold, -so is --score-offset,
-e is --epsilon and -ed is --epsilon-decoder-transformer.`

// NewCLI builds the root command. Running it without a subcommand segments
// one image.
func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sam",
		Short:         "Segment images from point prompts",
		Long:          rootLong,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Args:              cobra.NoArgs,
		PersistentPreRunE: setupLogging,
		RunE:              SegmentHandler,
	}
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		_ = cmd.Usage()
		return err
	})

	pf := rootCmd.PersistentFlags()
	pf.String("config", config.DefaultFilePath(), "settings file, created with defaults when missing")
	pf.String("log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	pf.String("log-format", "console", "log format (console or json)")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address")
	pf.String("embed-cache", "", "embedding cache: a directory, or flight://host:port")

	addRuntimeFlags(rootCmd)
	f := rootCmd.Flags()
	f.StringP("input", "i", "", "input image")
	f.StringP("output", "o", "", "output mask prefix, masks are written as <prefix><index>.png")
	f.StringArrayP("point", "p", nil, "point prompt x,y[,label], label 1 foreground (default) or 0 background; repeatable")

	rootCmd.AddCommand(newInspectCmd(), newServeCmd())
	return rootCmd
}

// renamedFlags maps the multi-letter short flags of the C tools to their long
// names. pflag would read -mt 0.5 as -m t followed by a stray argument.
var renamedFlags = map[string]string{
	"-mt": "--mask-threshold",
	"-it": "--iou-threshold",
	"-st": "--score-threshold",
	"-so": "--score-offset",
	"-e":  "--epsilon",
	"-ed": "--epsilon-decoder-transformer",
}

// execute runs cmd on args after rejecting renamed flags.
func execute(ctx context.Context, cmd *cobra.Command, args []string) error {
	for _, a := range args {
		if a == "--" {
			break
		}
		name, _, _ := strings.Cut(a, "=")
		if long, ok := renamedFlags[name]; ok {
			_ = cmd.Usage()
			return fmt.Errorf("flag %s is now %s", name, long)
		}
	}
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

// addRuntimeFlags registers the settings shared by every command that runs the model.
func addRuntimeFlags(cmd *cobra.Command) {
	d := config.DefaultParams()
	f := cmd.Flags()
	f.Int64P("seed", "s", d.Seed, "RNG seed, negative uses the current time")
	f.IntP("threads", "t", d.Threads, "number of threads")
	f.StringP("model", "m", d.Model, "model path")
	f.Float32("mask-threshold", d.Thresholds.Mask, "logit threshold for the binary mask")
	f.Float32("iou-threshold", d.Thresholds.IoU, "minimum predicted IoU, <= 0 disables the filter")
	f.Float32("score-threshold", d.Thresholds.Stability, "minimum stability score, <= 0 disables the filter")
	f.Float32("score-offset", d.Thresholds.StabilityOffset, "offset used to compute the stability score")
	f.Float32("epsilon", d.Eps, "layer norm epsilon of the image encoder")
	f.Float32("epsilon-decoder-transformer", d.EpsDecoderTransformer, "layer norm epsilon of the decoder transformer")
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	logger.Setup(level, format)

	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		startMetrics(cmd.Context(), addr)
	}
	return nil
}

func startMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Log.Info("metrics serving", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("metrics server", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
}

// loadParams reads the settings file and lets explicitly set flags win over it.
func loadParams(cmd *cobra.Command) (config.Params, error) {
	p := config.DefaultParams()
	f := cmd.Flags()

	path, _ := f.GetString("config")
	created, err := config.LoadFile(path, &p)
	if err != nil {
		return p, err
	}
	if created {
		logger.Log.Info("settings file created", "path", path)
	}

	var errs []error
	changed := func(name string) bool { return f.Changed(name) }
	if changed("seed") {
		p.Seed, err = f.GetInt64("seed")
		errs = append(errs, err)
	}
	if changed("threads") {
		p.Threads, err = f.GetInt("threads")
		errs = append(errs, err)
	}
	if changed("model") {
		p.Model, err = f.GetString("model")
		errs = append(errs, err)
	}
	for _, fl := range []struct {
		name string
		dst  *float32
	}{
		{"mask-threshold", &p.Thresholds.Mask},
		{"iou-threshold", &p.Thresholds.IoU},
		{"score-threshold", &p.Thresholds.Stability},
		{"score-offset", &p.Thresholds.StabilityOffset},
		{"epsilon", &p.Eps},
		{"epsilon-decoder-transformer", &p.EpsDecoderTransformer},
	} {
		if changed(fl.name) {
			*fl.dst, err = f.GetFloat32(fl.name)
			errs = append(errs, err)
		}
	}
	if f.Lookup("input") != nil {
		if changed("input") {
			p.Input, _ = f.GetString("input")
		}
		if changed("output") {
			p.Output, _ = f.GetString("output")
		}
		if changed("point") {
			raw, _ := f.GetStringArray("point")
			p.Points = p.Points[:0]
			for _, s := range raw {
				pt, err := parsePoint(s)
				if err != nil {
					return p, err
				}
				p.Points = append(p.Points, pt)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return p, err
	}

	if p.Seed < 0 {
		p.Seed = time.Now().Unix()
	}
	logger.Log.Info("seed", "value", p.Seed)
	return p, p.Validate()
}

// parsePoint reads "x,y" or "x,y,label".
func parsePoint(s string) (config.Point, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 && len(parts) != 3 {
		return config.Point{}, fmt.Errorf("invalid point %q: want x,y[,label]", s)
	}
	var xy [2]float32
	for i := range xy {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 32)
		if err != nil {
			return config.Point{}, fmt.Errorf("invalid point %q: %w", s, err)
		}
		xy[i] = float32(v)
	}
	label := 1
	if len(parts) == 3 {
		l, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return config.Point{}, fmt.Errorf("invalid point label %q: %w", parts[2], err)
		}
		label = l
	}
	return config.Point{X: xy[0], Y: xy[1], Label: label}, nil
}

// openCache opens the --embed-cache store, or returns nil when unset.
func openCache(cmd *cobra.Command) (embedstore.Store, error) {
	loc, _ := cmd.Flags().GetString("embed-cache")
	switch {
	case loc == "":
		return nil, nil
	case strings.HasPrefix(loc, "flight://"):
		return embedstore.DialFlight(strings.TrimPrefix(loc, "flight://"))
	default:
		return embedstore.NewFileStore(loc)
	}
}
