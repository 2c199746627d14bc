package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/danmuck/stylectl/internal/config"
)

type options struct {
	cfg config.Config

	contentImages []string
	styleImages   []string
	outputImage   string

	initImage  string
	auxImage   string
	styleMasks []string
	statePath  string
	saveState  string

	noPreview   bool
	writeConfig string
}

// parseOptions resolves defaults, config file, and flags, in that
// order. Only flags the user actually set override the config file.
func parseOptions(args []string) (options, error) {
	fs := flag.NewFlagSet("stylectl", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: stylectl [flags] content style[,style...] [output]\n\n")
		fs.PrintDefaults()
	}

	var opt options
	configPath := fs.String("config", "stylectl.toml", "TOML config file")
	fs.StringVar(&opt.initImage, "init-image", "", "initial image")
	fs.StringVar(&opt.auxImage, "aux-image", "", "auxiliary image the output is pulled toward")
	masks := fs.String("style-masks", "", "comma-separated masks, one per style image")
	fs.StringVar(&opt.statePath, "state", "", "optimizer state file to resume from")
	fs.StringVar(&opt.saveState, "save-state", "out.state", "where to write optimizer state on exit")
	fs.BoolVar(&opt.noPreview, "no-preview", false, "disable the preview HTTP server")
	fs.StringVar(&opt.writeConfig, "write-config", "", "write the default config to a file and exit")

	size := fs.Int("size", 0, "output long-edge size")
	minSize := fs.Int("min-size", 0, "smallest scale's size")
	tileSize := fs.Int("tile-size", 0, "maximum rendering tile size")
	iterations := fs.String("iterations", "", "comma-separated iterations per scale")
	devices := fs.String("devices", "", "comma-separated device numbers (-1 for CPU)")
	threads := fs.Int("threads", 0, "total CPU thread budget")
	networkName := fs.String("network", "", "network backend")
	workerBin := fs.String("worker-binary", "", "worker executable")
	stepSize := fs.Float64("step-size", 0, "Adam step size")
	avgWindow := fs.Float64("avg-window", 0, "iterate averaging window")
	contentWeight := fs.Float64("content-weight", 0, "content image factor")
	ddWeight := fs.Float64("dd-weight", 0, "Deep Dream factor")
	tvWeight := fs.Float64("tv-weight", 0, "smoothing factor")
	auxWeight := fs.Float64("aux-weight", 0, "auxiliary image factor")
	styleScale := fs.Float64("style-scale", 0, "style image scale factor")
	styleScaleUp := fs.Bool("style-scale-up", false, "allow scaling the style image up")
	contentLayers := fs.String("content-layers", "", "comma-separated content layers (name[:weight])")
	styleLayers := fs.String("style-layers", "", "comma-separated style layers (name[:weight])")
	ddLayers := fs.String("dd-layers", "", "comma-separated Deep Dream layers (name[:weight])")
	seed := fs.Int64("seed", 0, "random seed")
	saveEvery := fs.Int("save-every", 0, "save the image every n steps")
	previewAddr := fs.String("preview-addr", "", "preview server listen address")

	if err := fs.Parse(args); err != nil {
		return opt, err
	}

	opt.cfg = config.Default()
	if _, err := os.Stat(*configPath); err == nil {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return opt, err
		}
		opt.cfg = cfg
	} else if isFlagSet(fs, "config") {
		return opt, fmt.Errorf("config file %s: %w", *configPath, err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "size":
			opt.cfg.Size = *size
		case "min-size":
			opt.cfg.MinSize = *minSize
		case "tile-size":
			opt.cfg.TileSize = *tileSize
		case "threads":
			opt.cfg.Threads = *threads
		case "network":
			opt.cfg.Network = *networkName
		case "worker-binary":
			opt.cfg.WorkerBinary = *workerBin
		case "step-size":
			opt.cfg.StepSize = float32(*stepSize)
		case "avg-window":
			opt.cfg.AvgWindow = float32(*avgWindow)
		case "content-weight":
			opt.cfg.ContentWeight = float32(*contentWeight)
		case "dd-weight":
			opt.cfg.DDWeight = float32(*ddWeight)
		case "tv-weight":
			opt.cfg.TVWeight = float32(*tvWeight)
		case "aux-weight":
			opt.cfg.AuxWeight = float32(*auxWeight)
		case "style-scale":
			opt.cfg.StyleScale = *styleScale
		case "style-scale-up":
			opt.cfg.StyleScaleUp = *styleScaleUp
		case "seed":
			opt.cfg.Seed = *seed
		case "save-every":
			opt.cfg.SaveEvery = *saveEvery
		case "preview-addr":
			opt.cfg.PreviewAddr = *previewAddr
		case "content-layers":
			opt.cfg.ContentLayers = splitList(*contentLayers)
		case "style-layers":
			opt.cfg.StyleLayers = splitList(*styleLayers)
		case "dd-layers":
			opt.cfg.DDLayers = splitList(*ddLayers)
		}
	})
	if *iterations != "" {
		ints, err := splitInts(*iterations)
		if err != nil {
			return opt, fmt.Errorf("iterations: %w", err)
		}
		opt.cfg.Iterations = ints
	}
	if *devices != "" {
		ints, err := splitInts(*devices)
		if err != nil {
			return opt, fmt.Errorf("devices: %w", err)
		}
		opt.cfg.Devices = ints
	}
	opt.styleMasks = splitList(*masks)

	if opt.writeConfig != "" {
		return opt, nil
	}
	if err := config.Validate(opt.cfg); err != nil {
		return opt, err
	}

	rest := fs.Args()
	if len(rest) < 2 {
		fs.Usage()
		return opt, fmt.Errorf("content and style images are required")
	}
	opt.contentImages = splitList(rest[0])
	opt.styleImages = splitList(rest[1])
	opt.outputImage = "out.png"
	if len(rest) > 2 {
		opt.outputImage = rest[2]
	}
	if len(opt.styleMasks) > 0 && len(opt.styleMasks) != len(opt.styleImages) {
		return opt, fmt.Errorf("%d style masks for %d style images", len(opt.styleMasks), len(opt.styleImages))
	}
	return opt, nil
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitInts(s string) ([]int, error) {
	parts := splitList(s)
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
