package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"spots3d/internal/logger"
	"spots3d/pkg/config"
	"spots3d/pkg/convolve"
	"spots3d/pkg/optics"
	"spots3d/pkg/pipeline"
	"spots3d/pkg/server"
	"spots3d/pkg/spotio"
	"spots3d/pkg/store"
	"spots3d/pkg/tiffstack"
	"spots3d/pkg/visualization"
)

const usage = `Usage: spots3d <command> [flags]

Commands:
  detect   detect and fit spots in a 3D TIFF stack
  psf      synthesize the PSF of the given optics
  serve    serve stored runs over HTTP

Run "spots3d <command> -h" for the flags of a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "detect":
		err = runDetect(os.Args[2:])
	case "psf":
		err = runPSF(os.Args[2:])
	case "serve":
		err = runServe(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", os.Args[1], err)
	}
}

// opticsFlags registers the acquisition flags shared by detect and psf.
func opticsFlags(fs *flag.FlagSet) *optics.Parameters {
	p := &optics.Parameters{}
	fs.Float64Var(&p.NA, "na", 1.0, "Numerical aperture of the detection objective")
	fs.Float64Var(&p.RefractiveIndex, "ri", 1.33, "Refractive index of the immersion medium")
	fs.Float64Var(&p.Wavelength, "wvl", 0.532, "Emission wavelength in µm")
	fs.Float64Var(&p.PixelSize, "pixel", 0.115, "Lateral pixel size in µm")
	fs.Float64Var(&p.StageStep, "step", 0.4, "Stage step between planes in µm")
	fs.Float64Var(&p.SkewAngle, "theta", 0, "Oblique plane angle in degrees, 0 for conventional stacks")
	return p
}

// setup loads the configuration, applies environment overrides and opens the logger.
func setup(configPath, envFile string) (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ApplyEnv(envFile); err != nil {
		return nil, nil, err
	}
	if !cfg.Output.Verbose {
		return cfg, logger.Discard(), nil
	}
	l, err := logger.New(cfg.Output.LogDir)
	if err != nil {
		return nil, nil, err
	}
	return cfg, l, nil
}

func runDetect(args []string) error {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	configPath := fs.String("config", "spots3d.yaml", "YAML configuration file")
	envFile := fs.String("env", ".env", "Environment file with SPOTS3D_* overrides")
	input := fs.String("input", "", "3D TIFF stack to analyse")
	paramsFile := fs.String("params", "", "Detection parameters JSON (overrides the configuration)")
	outputDir := fs.String("output", "", "Output directory (overrides the configuration)")
	auto := fs.Bool("auto", false, "Derive the threshold and filter ranges from the data")
	source := fs.String("source", "", "DoG input: decon or raw (overrides the parameters)")
	fitSource := fs.String("fit-source", "", "Volume the Gaussians are fitted to: raw or decon (overrides the parameters)")
	sigmaXY := fs.Float64("sigma-xy", 0, "Expected lateral spot sigma in µm (overrides the parameters)")
	sigmaZ := fs.Float64("sigma-z", 0, "Expected axial spot sigma in µm (overrides the parameters)")
	serve := fs.Bool("serve", false, "Serve the layers after detection")
	p := opticsFlags(fs)
	fs.Parse(args)

	if *input == "" {
		fs.Usage()
		os.Exit(1)
	}

	cfg, l, err := setup(*configPath, *envFile)
	if err != nil {
		return err
	}
	defer l.Close()
	if *paramsFile != "" {
		cfg.Detection.ParamsFile = *paramsFile
	}
	if *outputDir != "" {
		cfg.Output.Dir = *outputDir
	}
	if *auto {
		cfg.Detection.AutoParams = true
	}

	fmt.Println("================================")
	fmt.Println("3D SPOT DETECTION AND LOCALIZATION")
	fmt.Println("================================")

	params := spotio.DefaultDetectionParams(*p)
	if cfg.Detection.ParamsFile != "" {
		if params, err = spotio.LoadParams(cfg.Detection.ParamsFile); err != nil {
			return err
		}
		l.Info("Loaded detection parameters from %s", cfg.Detection.ParamsFile)
	}
	if *source != "" {
		params.DoGSource = *source
	}
	if *fitSource != "" {
		params.Fit.Source = *fitSource
	}
	backend, err := convolve.NewBackend(cfg.Processing.Backend)
	if err != nil {
		return err
	}

	vol, err := tiffstack.Read(*input)
	if err != nil {
		return err
	}
	l.Info("Read %s: %d planes of %dx%d", *input, vol.Depth, vol.Width, vol.Height)

	mode := pipeline.ManualParams
	if cfg.Detection.AutoParams {
		mode = pipeline.AutoParams
	}
	layers := visualization.NewRegistry()
	start := time.Now()
	session, err := pipeline.Run(vol, params, pipeline.RunConfig{
		Options: pipeline.Options{
			Workers:        cfg.Processing.Workers,
			DeconChunkSize: cfg.Processing.DeconChunkSize,
			DoGChunkSize:   cfg.Processing.DoGChunkSize,
			MemoryLimit:    convolve.Ceiling(cfg.Processing.MaxChunkBytes, cfg.Processing.MemoryFraction),
			Backend:        backend,
			Deskew:         cfg.Output.SaveDeskewed || *serve,
			Logger:         l,
			Layers:         layers,
		},
		Mode:          mode,
		SigmaXY:       *sigmaXY,
		SigmaZ:        *sigmaZ,
		PercentileMin: cfg.Detection.PercentileMin,
		PercentileMax: cfg.Detection.PercentileMax,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	table, err := session.Table()
	if err != nil {
		return err
	}
	tablePath := filepath.Join(cfg.Output.Dir, "spots.csv")
	if err := spotio.SaveTable(tablePath, table); err != nil {
		return err
	}
	paramsPath := filepath.Join(cfg.Output.Dir, "detection_params.json")
	if err := spotio.SaveParams(paramsPath, session.Params()); err != nil {
		return err
	}

	if cfg.Output.SavePreviews {
		written, err := visualization.SavePreviews(layers, filepath.Join(cfg.Output.Dir, "previews"), 1)
		if err != nil {
			l.Warning("Failed to save previews: %v", err)
		}
		l.Info("Saved %d previews", len(written))
	}
	if cfg.Output.SaveDeskewed {
		if d, ok := layers.Get(visualization.LayerDeskewed); ok {
			if err := tiffstack.Write(filepath.Join(cfg.Output.Dir, "deskewed.tif"), d.Image); err != nil {
				l.Warning("Failed to save deskewed stack: %v", err)
			}
		}
	}

	var st *store.Store
	if cfg.Store.SQLitePath != "" {
		if st, err = store.Open(cfg.Store.SQLitePath); err != nil {
			return err
		}
		defer st.Close()
		cands, _ := session.Candidates()
		id, err := st.SaveRun(*input, session.Params(), len(cands), table)
		if err != nil {
			return err
		}
		l.Info("Stored run %d in %s", id, cfg.Store.SQLitePath)
	}

	fmt.Printf("\nDetection completed in %.2f seconds: %s\n", time.Since(start).Seconds(), session.Summary())
	fmt.Printf("Spot table saved to: %s\n", tablePath)
	fmt.Printf("Detection parameters saved to: %s\n", paramsPath)

	if *serve {
		srv := server.New(layers, st, server.Options{StaticDir: cfg.Server.StaticDir, AccessLog: true}, l)
		defer srv.Close()
		return srv.Run(cfg.Server.Addr)
	}
	return nil
}

func runPSF(args []string) error {
	fs := flag.NewFlagSet("psf", flag.ExitOnError)
	output := fs.String("output", "psf.tif", "Output TIFF stack")
	oversampling := fs.Int("oversampling", optics.DefaultOversampling, "Sub-voxel samples per axis")
	depth := fs.Int("depth", optics.DefaultPSFShape[0], "PSF planes")
	size := fs.Int("size", optics.DefaultPSFShape[1], "PSF lateral extent in pixels")
	p := opticsFlags(fs)
	fs.Parse(args)

	grid := [3]int{*depth, *size, *size}
	fmt.Printf("Synthesizing a %dx%dx%d PSF (NA %.2f, wavelength %.3f µm)...\n", grid[0], grid[1], grid[2], p.NA, p.Wavelength)
	psf, err := optics.SynthesizePSF(*p, *oversampling, grid)
	if err != nil {
		return err
	}
	if err := tiffstack.Write(*output, psf.Kernel); err != nil {
		return err
	}

	sigmaXY, sigmaZ, err := optics.SigmasFromPSF(psf, psf.Kernel.VoxelSize)
	if err != nil {
		return err
	}
	derivedXY, derivedZ, _ := optics.DeriveSigmas(*p)
	fmt.Printf("PSF saved to: %s\n", *output)
	fmt.Printf("Measured sigmas: xy %.4f µm, z %.4f µm (Gaussian approximation: xy %.4f µm, z %.4f µm)\n",
		sigmaXY, sigmaZ, derivedXY, derivedZ)
	return nil
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "spots3d.yaml", "YAML configuration file")
	envFile := fs.String("env", ".env", "Environment file with SPOTS3D_* overrides")
	addr := fs.String("addr", "", "Listen address (overrides the configuration)")
	fs.Parse(args)

	cfg, l, err := setup(*configPath, *envFile)
	if err != nil {
		return err
	}
	defer l.Close()
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	var st *store.Store
	if cfg.Store.SQLitePath != "" {
		if st, err = store.Open(cfg.Store.SQLitePath); err != nil {
			return err
		}
		defer st.Close()
	} else {
		l.Warning("No store.sqlitePath configured, serving an empty run list")
	}

	srv := server.New(visualization.NewRegistry(), st, server.Options{StaticDir: cfg.Server.StaticDir, AccessLog: true}, l)
	defer srv.Close()
	return srv.Run(cfg.Server.Addr)
}
