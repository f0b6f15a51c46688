package pipeline

import (
	"fmt"
	"time"

	"spots3d/internal/models"
	"spots3d/pkg/deconv"
	"spots3d/pkg/spotio"
)

// RunConfig adds the settings of a batch run that are not stored in a
// parameter file.
type RunConfig struct {
	Options

	// Mode derives the threshold and suggests filter ranges from the data
	Mode ParamMode

	// SigmaXY and SigmaZ replace the spot sigmas of the parameters when both are set
	SigmaXY float64
	SigmaZ  float64

	// PercentileMin and PercentileMax bound the suggested filter ranges in AutoParams mode
	PercentileMin float64
	PercentileMax float64

	// SkipFilter stops after fitting
	SkipFilter bool
}

// Run executes every stage on vol with the configuration of a parameter file
// and returns the finished session. The recorded parameters of the session
// hold every setting that shaped the result, so feeding them back in
// ManualParams mode reproduces the run.
func Run(vol *models.Volume, params spotio.DetectionParams, cfg RunConfig) (*Session, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	src, err := ParseSourceData(params.DoGSource)
	if err != nil {
		return nil, err
	}
	fitSrc := Raw
	if params.Fit.Source != "" {
		if fitSrc, err = parseSource("fit_source_data", params.Fit.Source); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	s, err := NewSession(vol, params.Optics(), cfg.Options)
	if err != nil {
		return nil, err
	}

	sigmaXY, sigmaZ := params.Sigmas.SigmaXY, params.Sigmas.SigmaZ
	if cfg.SigmaXY > 0 && cfg.SigmaZ > 0 {
		sigmaXY, sigmaZ = cfg.SigmaXY, cfg.SigmaZ
	}
	if sigmaXY > 0 && sigmaZ > 0 {
		if err := s.SetSigmas(sigmaXY, sigmaZ); err != nil {
			return nil, err
		}
	}

	if src == Deconvolved {
		if params.PSFOrigin == "" || params.PSFOrigin == spotio.PSFGenerated {
			_, err = s.GeneratePSF()
		} else {
			_, err = s.LoadPSF(params.PSFOrigin)
		}
		if err != nil {
			return nil, err
		}
		if _, err := s.Deconvolve(deconv.Params{Iterations: params.Decon.Iterations, TVTau: params.Decon.TVTau}); err != nil {
			return nil, err
		}
	}

	if _, err := s.DoG(src, params.Factors()); err != nil {
		return nil, err
	}
	if _, err := s.FindCandidates(FindConfig{
		Threshold:       params.Find.Threshold,
		MinSpotXYFactor: params.Find.MinSpotXYFactor,
		MinSpotZFactor:  params.Find.MinSpotZFactor,
	}, cfg.Mode); err != nil {
		return nil, err
	}
	if _, err := s.MergeCandidates(); err != nil {
		return nil, err
	}
	fit, err := s.Fit(FitConfig{
		MaxSpots:      params.Fit.NSpotsToFit,
		ROIFactors:    params.ROIFactors(),
		Source:        fitSrc,
		MaxIterations: params.Fit.MaxIterations,
		PercentileMin: cfg.PercentileMin,
		PercentileMax: cfg.PercentileMax,
	}, cfg.Mode)
	if err != nil {
		return nil, err
	}

	if !cfg.SkipFilter {
		criteria := params.Filter.Criteria()
		if fit.Suggested != nil {
			criteria = *fit.Suggested
		}
		if _, err := s.FilterSpots(criteria); err != nil {
			return nil, err
		}
	}

	s.log.Info("Detection finished in %.2f seconds", time.Since(start).Seconds())
	return s, nil
}

// Summary describes the outcome of a session in one line.
func (s *Session) Summary() string {
	switch {
	case s.done[StageFilter]:
		kept := 0
		for _, o := range s.outcomes {
			if o.Kept {
				kept++
			}
		}
		return fmt.Sprintf("%d candidates, %d fits, %d kept", len(s.candidates), len(s.fit.Fits), kept)
	case s.done[StageFit]:
		return fmt.Sprintf("%d candidates, %d fits", len(s.candidates), len(s.fit.Fits))
	case s.done[StageFind]:
		return fmt.Sprintf("%d candidates", len(s.candidates))
	}
	return "no candidates"
}
