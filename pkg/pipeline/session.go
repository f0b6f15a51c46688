// Package pipeline runs spot detection as an explicit session of stages.
//
// Every stage takes the output of the previous one plus its own configuration
// and stores an immutable result. Running a stage again discards the results
// of every later stage, so a later stage can never see outputs computed from
// stale inputs.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"spots3d/internal/logger"
	"spots3d/internal/models"
	"spots3d/pkg/candidates"
	"spots3d/pkg/convolve"
	"spots3d/pkg/deconv"
	"spots3d/pkg/deskew"
	"spots3d/pkg/dog"
	"spots3d/pkg/filtering"
	"spots3d/pkg/fitting"
	"spots3d/pkg/optics"
	"spots3d/pkg/spotio"
	"spots3d/pkg/visualization"
)

// SourceData selects the volume a stage reads.
type SourceData int

const (
	Raw SourceData = iota
	Deconvolved
)

func (s SourceData) String() string {
	if s == Raw {
		return spotio.SourceRaw
	}
	return spotio.SourceDecon
}

// ParseSourceData reads the file form of a SourceData.
func ParseSourceData(s string) (SourceData, error) {
	return parseSource("dog_filter_source_data", s)
}

func parseSource(field, s string) (SourceData, error) {
	switch s {
	case spotio.SourceDecon:
		return Deconvolved, nil
	case spotio.SourceRaw:
		return Raw, nil
	}
	return Raw, &models.ConfigError{Field: field, Reason: fmt.Sprintf("unknown source %q", s)}
}

// ParamMode tells a stage whether to derive parameters from the data.
type ParamMode int

const (
	// ManualParams uses the given parameters as they are
	ManualParams ParamMode = iota

	// AutoParams lets the find stage derive its threshold and the fit
	// stage suggest filter ranges
	AutoParams
)

// Stage identifies a pipeline stage, in execution order.
type Stage int

const (
	StagePSF Stage = iota
	StageDeconv
	StageDoG
	StageFind
	StageMerge
	StageFit
	StageFilter
)

var stageNames = [...]string{"psf", "deconvolution", "DoG filter", "find candidates", "merge candidates", "fit", "filter"}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return "unknown"
}

// layersOf lists the layers each stage produces.
var layersOf = map[Stage][]string{
	StageDeconv: {visualization.LayerDeconv},
	StageDoG:    {visualization.LayerDoG},
	StageFind:   {visualization.LayerLocalMax, visualization.LayerDeskewed},
	StageMerge:  {visualization.LayerMerged},
	StageFit:    {visualization.LayerFitted},
	StageFilter: {visualization.LayerFiltered, visualization.LayerRejected},
}

// Options holds the execution settings shared by every stage.
type Options struct {
	// Workers is the number of concurrent ROI fits
	Workers int

	// DeconChunkSize and DoGChunkSize are the z planes processed per chunk
	DeconChunkSize int
	DoGChunkSize   int

	// MemoryLimit is the byte budget of one chunk, 0 for unlimited
	MemoryLimit uint64

	// Backend runs the DoG convolutions, the CPU backend when nil
	Backend convolve.Backend

	// Deskew adds a deskewed layer of skewed stacks after candidate detection
	Deskew bool

	// BackgroundSeed makes the automatic threshold reproducible, 0 draws a random sample
	BackgroundSeed uint32

	// Logger receives stage progress, discarded when nil
	Logger *logger.Logger

	// Layers receives the named artifacts of every stage when set
	Layers *visualization.Registry
}

// FindConfig configures candidate detection.
type FindConfig struct {
	// Threshold is the DoG level a candidate must exceed, ignored in AutoParams mode
	Threshold float64

	// ThresholdSigmas is k in mean + k*std of the DoG volume used in AutoParams mode
	ThresholdSigmas float64

	// MinSpotXYFactor and MinSpotZFactor set the minimum separation in expected sigmas
	MinSpotXYFactor float64
	MinSpotZFactor  float64
}

// DefaultThresholdSigmas is the automatic threshold in DoG standard deviations.
const DefaultThresholdSigmas = 3.0

// FitConfig configures the Gaussian fits.
type FitConfig struct {
	// MaxSpots fits only the brightest candidates, 0 for all
	MaxSpots int

	// ROIFactors sizes the (z, y, x) box in expected sigmas
	ROIFactors models.Vec3

	// Source selects the volume the Gaussians are fitted to
	Source SourceData

	MaxIterations int
	Fixed         [fitting.NumParams]bool

	// PercentileMin and PercentileMax bound the suggested filter ranges in AutoParams mode
	PercentileMin float64
	PercentileMax float64
}

// FitOutput is the result of the fit stage.
type FitOutput struct {
	*fitting.Result

	// Suggested holds percentile-derived filter criteria in AutoParams mode
	Suggested *filtering.Criteria
}

// Session threads the outputs of each stage into the next.
type Session struct {
	opts   Options
	log    *logger.Logger
	optics optics.Parameters

	raw     *models.Volume
	sigmaXY float64
	sigmaZ  float64

	psf         *models.PSF
	deconvolved *models.Volume
	filtered    *models.Volume
	minSep      models.Vec3
	candidates  []models.Candidate
	merged      []models.Candidate
	fit         *FitOutput
	outcomes    []models.FilterOutcome
	deskewed    *models.Volume

	// done marks the stages whose output is current
	done [StageFilter + 1]bool

	// params records the configuration each stage actually ran with
	params spotio.DetectionParams
}

// NewSession starts a session on vol acquired with the optics p. The volume
// is viewed with the voxel size implied by p; its samples are not copied.
func NewSession(vol *models.Volume, p optics.Parameters, opts Options) (*Session, error) {
	if err := vol.Validate(); err != nil {
		return nil, err
	}
	sigmaXY, sigmaZ, err := optics.DeriveSigmas(p)
	if err != nil {
		return nil, err
	}

	raw := *vol
	raw.VoxelSize = p.VoxelSize()
	raw.SkewAngle = p.SkewAngle

	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	s := &Session{
		opts:    opts,
		log:     log,
		optics:  p,
		raw:     &raw,
		sigmaXY: sigmaXY,
		sigmaZ:  sigmaZ,
		params:  spotio.DefaultDetectionParams(p),
	}
	log.Info("Volume %dx%dx%d, voxel %.4gx%.4gx%.4g µm, expected sigmas xy=%.4g z=%.4g µm",
		raw.Depth, raw.Height, raw.Width, raw.VoxelSize.Z, raw.VoxelSize.Y, raw.VoxelSize.X, sigmaXY, sigmaZ)
	return s, nil
}

// Volume returns the input volume.
func (s *Session) Volume() *models.Volume { return s.raw }

// Optics returns the acquisition parameters of the session.
func (s *Session) Optics() optics.Parameters { return s.optics }

// Sigmas returns the expected lateral and axial spot sigmas in µm.
func (s *Session) Sigmas() (sigmaXY, sigmaZ float64) { return s.sigmaXY, s.sigmaZ }

// Params returns the configuration the completed stages ran with.
func (s *Session) Params() spotio.DetectionParams { return s.params }

// Done reports whether the output of stage is current.
func (s *Session) Done(stage Stage) bool { return s.done[stage] }

// SetSigmas replaces the expected spot sigmas. Every stage from the DoG
// filter on depends on them and is reset.
func (s *Session) SetSigmas(sigmaXY, sigmaZ float64) error {
	if err := models.Positive("sigma_xy", sigmaXY); err != nil {
		return err
	}
	if err := models.Positive("sigma_z", sigmaZ); err != nil {
		return err
	}
	s.sigmaXY, s.sigmaZ = sigmaXY, sigmaZ
	s.params.Sigmas = spotio.SpotSigmas{SigmaXY: sigmaXY, SigmaZ: sigmaZ}
	s.reset(StageDoG, false)
	s.log.Info("Expected sigmas set to xy=%.4g z=%.4g µm", sigmaXY, sigmaZ)
	return nil
}

// SetSigmasFromSpotSize sets the expected sigmas from a measured spot FWHM in µm.
func (s *Session) SetSigmasFromSpotSize(fwhmXY, fwhmZ float64) error {
	sigmaXY, sigmaZ, err := optics.SigmasFromSpotSize(fwhmXY, fwhmZ)
	if err != nil {
		return err
	}
	return s.SetSigmas(sigmaXY, sigmaZ)
}

// SetSigmasFromPSF sets the expected sigmas from the second moments of the current PSF.
func (s *Session) SetSigmasFromPSF() error {
	if !s.done[StagePSF] {
		return s.notRun(StagePSF)
	}
	k := s.psf.Kernel.VoxelSize
	if k == (models.VoxelSize{}) {
		k = s.raw.VoxelSize
	}
	sigmaXY, sigmaZ, err := optics.SigmasFromPSF(s.psf, k)
	if err != nil {
		return err
	}
	return s.SetSigmas(sigmaXY, sigmaZ)
}

// GeneratePSF synthesises the PSF of the session optics on the default grid.
func (s *Session) GeneratePSF() (*models.PSF, error) {
	s.log.Info("Step 0: Generating PSF...")
	psf, err := optics.SynthesizePSF(s.optics, optics.DefaultOversampling, optics.DefaultPSFShape)
	if err != nil {
		return nil, fmt.Errorf("failed to generate psf: %w", err)
	}
	s.UsePSF(psf)
	return psf, nil
}

// LoadPSF reads the PSF from a TIFF stack.
func (s *Session) LoadPSF(path string) (*models.PSF, error) {
	s.log.Info("Step 0: Loading PSF from %s...", path)
	psf, err := optics.LoadPSF(path)
	if err != nil {
		return nil, err
	}
	s.UsePSF(psf)
	return psf, nil
}

// UsePSF installs psf and resets every later stage.
func (s *Session) UsePSF(psf *models.PSF) {
	s.reset(StagePSF, false)
	s.psf = psf
	s.done[StagePSF] = true
	s.params.PSFOrigin = psf.Origin
}

// PSF returns the current PSF.
func (s *Session) PSF() (*models.PSF, error) {
	if !s.done[StagePSF] {
		return nil, s.notRun(StagePSF)
	}
	return s.psf, nil
}

// Deconvolve restores the input volume with the current PSF.
func (s *Session) Deconvolve(p deconv.Params) (*models.Volume, error) {
	if !s.done[StagePSF] {
		return nil, s.notRun(StagePSF)
	}
	if p.ChunkSize == 0 {
		p.ChunkSize = s.opts.DeconChunkSize
	}
	if p.MemoryLimit == 0 {
		p.MemoryLimit = s.opts.MemoryLimit
	}
	s.reset(StageDeconv, true)

	s.log.Info("Step 1: Deconvolving with %d Richardson-Lucy iterations (tv_tau=%g)...", p.Iterations, p.TVTau)
	start := time.Now()
	out, err := deconv.Deconvolve(s.raw, s.psf, p)
	if err != nil {
		return nil, s.fail(StageDeconv, err)
	}
	s.deconvolved = out
	s.done[StageDeconv] = true
	s.params.Decon = spotio.DeconParams{Iterations: p.Iterations, TVTau: p.TVTau}
	s.publish(visualization.ImageLayer(visualization.LayerDeconv, out))
	s.log.Info("Deconvolution finished in %.2f seconds", time.Since(start).Seconds())
	return out, nil
}

// Deconvolved returns the deconvolved volume.
func (s *Session) Deconvolved() (*models.Volume, error) {
	if !s.done[StageDeconv] {
		return nil, s.notRun(StageDeconv)
	}
	return s.deconvolved, nil
}

// source returns the volume selected by src.
func (s *Session) source(src SourceData) (*models.Volume, error) {
	if src == Raw {
		return s.raw, nil
	}
	return s.Deconvolved()
}

// DoG band-pass filters the selected source with sigmas given as factors of
// the expected spot sigmas.
func (s *Session) DoG(src SourceData, f dog.Factors) (*models.Volume, error) {
	in, err := s.source(src)
	if err != nil {
		return nil, err
	}
	s.reset(StageDoG, true)

	small, large := f.Sigmas(s.sigmaXY, s.sigmaZ)
	s.log.Info("Step 2: DoG filtering the %s volume (small %.3g, large %.3g µm laterally)...", src, small[1], large[1])
	out, err := dog.Filter(in, dog.Params{
		SigmaSmall:  small,
		SigmaLarge:  large,
		Cutoff:      dog.DefaultCutoff,
		ChunkSize:   s.opts.DoGChunkSize,
		MemoryLimit: s.opts.MemoryLimit,
		Backend:     s.opts.Backend,
	})
	if err != nil {
		return nil, s.fail(StageDoG, err)
	}
	s.filtered = out
	s.done[StageDoG] = true
	s.params.DoGSource = src.String()
	s.params.SetFactors(f)
	s.publish(visualization.ImageLayer(visualization.LayerDoG, out))
	return out, nil
}

// Filtered returns the DoG volume.
func (s *Session) Filtered() (*models.Volume, error) {
	if !s.done[StageDoG] {
		return nil, s.notRun(StageDoG)
	}
	return s.filtered, nil
}

// FindCandidates detects local maxima of the DoG volume. In AutoParams mode
// the threshold is derived from the DoG intensity distribution and recorded,
// so a saved parameter file replays the same detection.
func (s *Session) FindCandidates(c FindConfig, mode ParamMode) ([]models.Candidate, error) {
	if !s.done[StageDoG] {
		return nil, s.notRun(StageDoG)
	}
	s.reset(StageFind, true)

	threshold := c.Threshold
	if mode == AutoParams {
		k := c.ThresholdSigmas
		if k == 0 {
			k = DefaultThresholdSigmas
		}
		bg, err := candidates.EstimateBackground(s.filtered, candidates.DefaultSamples, s.opts.BackgroundSeed)
		if err != nil {
			return nil, s.fail(StageFind, err)
		}
		threshold = bg.Threshold(k)
		s.log.Info("Automatic threshold %.4g (mean %.4g + %g x std %.4g)", threshold, bg.Mean, k, bg.StdDev)
	}

	voxel := s.raw.VoxelSize
	minSep := models.Vec3{
		c.MinSpotZFactor * s.sigmaZ / voxel.Z,
		c.MinSpotXYFactor * s.sigmaXY / voxel.Y,
		c.MinSpotXYFactor * s.sigmaXY / voxel.X,
	}
	s.log.Info("Step 3: Finding candidates above %.4g with separation %.3gx%.3gx%.3g voxels...", threshold, minSep[0], minSep[1], minSep[2])
	found, err := candidates.Find(s.filtered, threshold, minSep)
	if err != nil {
		return nil, s.fail(StageFind, err)
	}
	s.candidates = found
	s.minSep = minSep
	s.done[StageFind] = true
	s.params.Find = spotio.FindCandidatesParams{Threshold: threshold, MinSpotXYFactor: c.MinSpotXYFactor, MinSpotZFactor: c.MinSpotZFactor}
	s.log.Info("Found %d candidates", len(found))
	s.publish(visualization.CandidateLayer(visualization.LayerLocalMax, found, voxel))

	if s.opts.Deskew && s.optics.Skewed() {
		if err := s.addDeskewed(); err != nil {
			s.log.Warning("Failed to deskew the input volume: %v", err)
		}
	}
	return found, nil
}

// addDeskewed publishes the deskewed input volume once per session.
func (s *Session) addDeskewed() error {
	if s.deskewed == nil {
		out, err := deskew.Deskew(s.raw, s.optics)
		if err != nil {
			return err
		}
		s.deskewed = out
	}
	s.publish(visualization.ImageLayer(visualization.LayerDeskewed, s.deskewed))
	return nil
}

// Candidates returns the detected local maxima.
func (s *Session) Candidates() ([]models.Candidate, error) {
	if !s.done[StageFind] {
		return nil, s.notRun(StageFind)
	}
	return s.candidates, nil
}

// MergeCandidates coalesces candidates closer than the detection separation,
// keeping the brighter one.
func (s *Session) MergeCandidates() ([]models.Candidate, error) {
	if !s.done[StageFind] {
		return nil, s.notRun(StageFind)
	}
	s.reset(StageMerge, true)

	s.log.Info("Step 4: Merging %d candidates...", len(s.candidates))
	merged, err := candidates.Merge(s.candidates, s.minSep)
	if err != nil {
		return nil, s.fail(StageMerge, err)
	}
	s.merged = merged
	s.done[StageMerge] = true
	s.log.Info("%d candidates left after merging", len(merged))
	s.publish(visualization.CandidateLayer(visualization.LayerMerged, merged, s.raw.VoxelSize))
	return merged, nil
}

// fitInput returns the merged candidates, or the detected ones when merging has not run.
func (s *Session) fitInput() ([]models.Candidate, error) {
	if s.done[StageMerge] {
		return s.merged, nil
	}
	return s.Candidates()
}

// FitInput returns the candidates the fit stage works on.
func (s *Session) FitInput() ([]models.Candidate, error) {
	return s.fitInput()
}

// Fit fits a Gaussian to every candidate, on the merged list when merging
// has run. In AutoParams mode suggested filter criteria are derived from the
// percentiles of the fit results.
func (s *Session) Fit(c FitConfig, mode ParamMode) (*FitOutput, error) {
	cands, err := s.fitInput()
	if err != nil {
		return nil, err
	}
	vol, err := s.source(c.Source)
	if err != nil {
		return nil, err
	}
	s.reset(StageFit, true)

	s.log.Info("Step 5: Fitting %d candidates on the %s volume with %d workers...", len(cands), c.Source, max(s.opts.Workers, 1))
	start := time.Now()
	res, err := fitting.FitAll(vol, cands, fitting.Params{
		SigmaXY:       s.sigmaXY,
		SigmaZ:        s.sigmaZ,
		ROIFactors:    c.ROIFactors,
		MaxSpots:      c.MaxSpots,
		MaxIterations: c.MaxIterations,
		Fixed:         c.Fixed,
		Workers:       s.opts.Workers,
	})
	if err != nil {
		return nil, s.fail(StageFit, err)
	}
	out := &FitOutput{Result: res}
	if res.Dropped > 0 {
		s.log.Warning("%d candidates dropped (ROI clipped by the volume border or over n_spots_to_fit)", res.Dropped)
	}
	if res.Failed > 0 {
		s.log.Warning("%d of %d fits did not converge", res.Failed, res.Failed+len(res.Fits))
	}
	s.log.Info("Fitted %d spots in %.2f seconds", len(res.Fits), time.Since(start).Seconds())

	if mode == AutoParams {
		suggested, err := filtering.AutoRanges(s.params.Filter.Criteria(), res.Fits, cands, s.reference(), c.PercentileMin, c.PercentileMax)
		if err != nil {
			return nil, s.fail(StageFit, err)
		}
		out.Suggested = &suggested
	}

	s.fit = out
	s.done[StageFit] = true
	s.params.Fit = spotio.FitParams{
		NSpotsToFit: c.MaxSpots,
		ROIZFactor:  c.ROIFactors[0],
		ROIYFactor:  c.ROIFactors[1],
		ROIXFactor:  c.ROIFactors[2],

		Source:        c.Source.String(),
		MaxIterations: c.MaxIterations,
	}
	s.publish(visualization.FitLayer(visualization.LayerFitted, res.Fits, s.raw.VoxelSize))
	return out, nil
}

// FitResult returns the output of the fit stage.
func (s *Session) FitResult() (*FitOutput, error) {
	if !s.done[StageFit] {
		return nil, s.notRun(StageFit)
	}
	return s.fit, nil
}

func (s *Session) reference() filtering.Reference {
	return filtering.Reference{
		SigmaXY: s.sigmaXY,
		SigmaZ:  s.sigmaZ,
		Shape:   s.raw.Shape(),
		Voxel:   s.raw.VoxelSize,
	}
}

// FilterSpots applies the criteria to the fits and records the lifecycle
// state of every fitted candidate.
func (s *Session) FilterSpots(c filtering.Criteria) ([]models.FilterOutcome, error) {
	if !s.done[StageFit] {
		return nil, s.notRun(StageFit)
	}
	cands, err := s.fitInput()
	if err != nil {
		return nil, err
	}
	s.reset(StageFilter, true)

	s.log.Info("Step 6: Filtering %d spots...", len(s.fit.Fits))
	outcomes, err := filtering.Filter(s.fit.Fits, cands, c, s.reference())
	if err != nil {
		return nil, s.fail(StageFilter, err)
	}
	for _, o := range outcomes {
		state := models.StateRejected
		if o.Kept {
			state = models.StateKept
		}
		s.fit.States[s.fit.Fits[o.Fit].Candidate] = state
	}
	s.outcomes = outcomes
	s.done[StageFilter] = true
	s.params.Filter = spotio.FromCriteria(c)

	kept := filtering.Kept(s.fit.Fits, outcomes)
	s.log.Info("Selected %d spots out of %d fits", len(kept), len(outcomes))
	for name, n := range filtering.FailureCounts(outcomes) {
		s.log.Info("  %s rejected %d", name, n)
	}

	s.publish(visualization.FitLayer(visualization.LayerFiltered, kept, s.raw.VoxelSize))
	rejected := visualization.Layer{Name: visualization.LayerRejected, Kind: visualization.KindPoints, Scale: s.raw.VoxelSize}
	for _, r := range filtering.RejectionReasons(outcomes) {
		rejected.Points = append(rejected.Points, visualization.Point{Position: s.fit.Fits[r.Fit].Center, Label: r.Reasons})
	}
	s.publish(rejected)
	return outcomes, nil
}

// Outcomes returns the filter outcome of every fit.
func (s *Session) Outcomes() ([]models.FilterOutcome, error) {
	if !s.done[StageFilter] {
		return nil, s.notRun(StageFilter)
	}
	return s.outcomes, nil
}

// Table returns the spot table of the current fits, with the selection when
// filtering has run.
func (s *Session) Table() (spotio.Table, error) {
	if !s.done[StageFit] {
		return spotio.Table{}, s.notRun(StageFit)
	}
	var outcomes []models.FilterOutcome
	if s.done[StageFilter] {
		outcomes = s.outcomes
	}
	t := spotio.NewTable(s.fit.Fits, outcomes)
	t.Planar = s.raw.Depth == 1
	return t, nil
}

// reset discards the outputs of stage and every later stage. The layers of
// stage itself stay when keepLayers is set so that a re-run replaces them.
func (s *Session) reset(stage Stage, keepLayers bool) {
	for st := stage; st <= StageFilter; st++ {
		if !s.done[st] {
			continue
		}
		s.done[st] = false
		if st != stage || !keepLayers {
			s.dropLayers(st)
		}
	}
	if stage <= StagePSF {
		s.psf = nil
	}
	if stage <= StageDeconv {
		s.deconvolved = nil
	}
	if stage <= StageDoG {
		s.filtered = nil
	}
	if stage <= StageFind {
		s.candidates, s.minSep = nil, models.Vec3{}
	}
	if stage <= StageMerge {
		s.merged = nil
	}
	if stage <= StageFit {
		s.fit = nil
	}
	s.outcomes = nil
}

func (s *Session) dropLayers(stage Stage) {
	if s.opts.Layers == nil {
		return
	}
	for _, name := range layersOf[stage] {
		s.opts.Layers.Remove(name)
	}
}

func (s *Session) publish(l visualization.Layer) {
	if s.opts.Layers != nil {
		s.opts.Layers.Set(l)
	}
}

func (s *Session) notRun(stage Stage) error {
	return fmt.Errorf("%s: %w", stage, models.ErrStageNotRun)
}

func (s *Session) fail(stage Stage, err error) error {
	s.dropLayers(stage)
	if errors.Is(err, models.ErrResourceExhausted) {
		s.log.Warning("%s declined: %v (retry with a smaller chunk size)", stage, err)
	} else {
		s.log.Error("%s failed: %v", stage, err)
	}
	return fmt.Errorf("%s: %w", stage, err)
}
