// stylectl renders neural style transfer for large images by tiling
// the work across a pool of worker processes.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/stylectl/internal/config"
	"github.com/danmuck/stylectl/internal/imageio"
	"github.com/danmuck/stylectl/internal/logging"
	"github.com/danmuck/stylectl/internal/network"
	"github.com/danmuck/stylectl/internal/observability"
	"github.com/danmuck/stylectl/internal/pool"
	"github.com/danmuck/stylectl/internal/preview"
	"github.com/danmuck/stylectl/internal/style"
	"github.com/danmuck/stylectl/internal/tensor"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "stylectl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opt, err := parseOptions(args)
	if err != nil {
		return err
	}
	if opt.writeConfig != "" {
		return config.WriteTemplate(opt.writeConfig, false)
	}
	cfg := opt.cfg

	log := logging.Init("stylectl", os.Stderr)
	observability.RegisterMetrics()

	inputs, err := loadInputs(opt)
	if err != nil {
		return err
	}

	meta, err := network.New(cfg.Network, -1)
	if err != nil {
		return err
	}

	log.Info().Int("workers", len(cfg.Devices)).Str("network", cfg.Network).Msg("starting worker pool")
	workers, err := pool.New(
		pool.Config{Devices: cfg.Devices, ThreadBudget: cfg.Threads},
		pool.Exec(cfg.WorkerBinary, "--network", cfg.Network),
		log,
	)
	if err != nil {
		return err
	}
	defer workers.Shutdown()

	var srv *preview.Server
	if !opt.noPreview {
		srv = preview.New(cfg.PreviewAddr, cfg.CorsOrigins, log)
		srv.Start()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	model := style.NewModel(meta, workers, rng, log)

	var latest *tensor.Tensor
	onImage := func(img *tensor.Tensor) {
		latest = img
		if srv != nil {
			srv.UpdateImage(img)
		}
	}
	onStats := func(s style.Stats) {
		if srv != nil {
			srv.UpdateStats(s)
		}
		if cfg.SaveEvery > 0 && s.Step%cfg.SaveEvery == 0 && latest != nil {
			path := fmt.Sprintf("out_%04d.png", s.Step)
			if err := imageio.Save(path, latest); err != nil {
				log.Warn().Err(err).Str("path", path).Msg("periodic save failed")
			}
		}
		log.Info().
			Int("scale", s.Scale).
			Int("step", s.Step).
			Int("total", s.TotalSteps).
			Float32("loss", s.Loss).
			Float32("update", s.UpdateSize).
			Msg("iteration")
	}

	transfer, err := style.NewTransfer(model, transferParams(cfg), rng, log, onStats, onImage)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, runErr := transfer.Run(ctx, inputs)
	interrupted := errors.Is(runErr, context.Canceled)
	if runErr != nil && !interrupted {
		return runErr
	}
	if out == nil {
		return fmt.Errorf("interrupted before the first iteration")
	}

	if err := imageio.Save(opt.outputImage, out); err != nil {
		return err
	}
	log.Info().Str("path", opt.outputImage).Msg("output written")

	if opt.saveState != "" {
		f, err := os.Create(opt.saveState)
		if err != nil {
			return err
		}
		if err := transfer.SaveState(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		log.Info().Str("path", opt.saveState).Msg("optimizer state written")
	}

	if interrupted {
		log.Warn().Msg("interrupted; saved the best iterate so far")
	}
	return nil
}

func transferParams(cfg config.Config) style.Params {
	return style.Params{
		Size:          cfg.Size,
		MinSize:       cfg.MinSize,
		TileSize:      cfg.TileSize,
		Iterations:    cfg.Iterations,
		StepSize:      cfg.StepSize,
		AvgWindow:     cfg.AvgWindow,
		ContentWeight: cfg.ContentWeight,
		DDWeight:      cfg.DDWeight,
		TVWeight:      cfg.TVWeight,
		TVPower:       cfg.TVPower,
		PWeight:       cfg.PWeight,
		PPower:        cfg.PPower,
		AuxWeight:     cfg.AuxWeight,
		StyleScale:    cfg.StyleScale,
		StyleScaleUp:  cfg.StyleScaleUp,
		FeaturePasses: cfg.FeaturePasses,
		Mean:          cfg.MeanBGR(),
		ContentLayers: cfg.ContentLayers,
		StyleLayers:   cfg.StyleLayers,
		DDLayers:      cfg.DDLayers,
		LayerWeights:  cfg.LayerWeights,
	}
}

func loadInputs(opt options) (style.Inputs, error) {
	var in style.Inputs
	for _, path := range opt.contentImages {
		img, err := imageio.Load(path)
		if err != nil {
			return in, err
		}
		in.Contents = append(in.Contents, img)
	}
	for _, path := range opt.styleImages {
		img, err := imageio.Load(path)
		if err != nil {
			return in, err
		}
		in.Styles = append(in.Styles, img)
	}
	for _, path := range opt.styleMasks {
		mask, err := imageio.Load(path)
		if err != nil {
			return in, err
		}
		// Use the first channel as a single-plane mask scaled to [0, 1].
		h, w := mask.HW()
		plane := tensor.FromData(mask.Plane(0), h, w)
		plane.Scale(1.0 / 255)
		in.StyleMasks = append(in.StyleMasks, plane)
	}
	if opt.initImage != "" {
		img, err := imageio.Load(opt.initImage)
		if err != nil {
			return in, err
		}
		in.Initial = img
	}
	if opt.auxImage != "" {
		img, err := imageio.Load(opt.auxImage)
		if err != nil {
			return in, err
		}
		in.Aux = img
	}
	if opt.statePath != "" {
		f, err := os.Open(opt.statePath)
		if err != nil {
			return in, err
		}
		defer f.Close()
		state, err := style.LoadAdamState(f)
		if err != nil {
			return in, err
		}
		in.State = state
	}
	return in, nil
}
