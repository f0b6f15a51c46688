package spotio

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"spots3d/internal/models"
)

// Spot table column names.
const (
	ColAmplitude  = "amplitude"
	ColZ          = "z"
	ColY          = "y"
	ColX          = "x"
	ColSigmaXY    = "sigmas_xy"
	ColSigmaZ     = "sigmas_z"
	ColOffset     = "offset"
	ColChiSquared = "chi_squared"
	ColDistXY     = "dist_fit_xy"
	ColDistZ      = "dist_fit_z"
	ColSelect     = "spot_select"
)

// Columns is the header of a volumetric spot table.
var Columns = []string{ColAmplitude, ColZ, ColY, ColX, ColSigmaXY, ColSigmaZ, ColOffset, ColChiSquared, ColDistXY, ColDistZ, ColSelect}

// aliases maps older plural headers to the current names.
var aliases = map[string]string{
	"amplitudes":   ColAmplitude,
	"offsets":      ColOffset,
	"chi_squareds": ColChiSquared,
}

// Table is a list of fitted spots and, when filtering has run, which were kept.
type Table struct {
	// Fits lists the spots. After decoding Candidate is -1 and the
	// displacement lives in DistXY and DistZ.
	Fits []models.FitResult

	// Select is parallel to Fits and only meaningful when Filtered is set
	Select   []bool
	Filtered bool

	// Planar tables have no z column and a zero z center
	Planar bool
}

// NewTable builds a table from fits and the filter outcomes, nil when filtering has not run.
func NewTable(fits []models.FitResult, outcomes []models.FilterOutcome) Table {
	t := Table{Fits: fits, Select: make([]bool, len(fits))}
	if outcomes != nil {
		t.Filtered = true
		for _, o := range outcomes {
			if o.Fit >= 0 && o.Fit < len(fits) {
				t.Select[o.Fit] = o.Kept
			}
		}
	}
	return t
}

// Selected returns the kept spots, or all of them when filtering has not run.
func (t Table) Selected() []models.FitResult {
	if !t.Filtered {
		return t.Fits
	}
	var out []models.FitResult
	for i, fit := range t.Fits {
		if t.Select[i] {
			out = append(out, fit)
		}
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// EncodeTable writes the table as CSV with a header row. spot_select is
// NaN for every row when filtering has not run.
func EncodeTable(w io.Writer, t Table) error {
	if len(t.Select) != len(t.Fits) {
		return fmt.Errorf("%d selections for %d fits: %w", len(t.Select), len(t.Fits), models.ErrShape)
	}
	header := Columns
	if t.Planar {
		header = make([]string, 0, len(Columns)-1)
		for _, c := range Columns {
			if c != ColZ {
				header = append(header, c)
			}
		}
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	for i, fit := range t.Fits {
		sel := "NaN"
		if t.Filtered {
			sel = "False"
			if t.Select[i] {
				sel = "True"
			}
		}
		values := map[string]string{
			ColAmplitude:  formatFloat(fit.Amplitude),
			ColZ:          formatFloat(fit.Center[0]),
			ColY:          formatFloat(fit.Center[1]),
			ColX:          formatFloat(fit.Center[2]),
			ColSigmaXY:    formatFloat(fit.SigmaXY),
			ColSigmaZ:     formatFloat(fit.SigmaZ),
			ColOffset:     formatFloat(fit.Offset),
			ColChiSquared: formatFloat(fit.ChiSquared),
			ColDistXY:     formatFloat(fit.DistXY),
			ColDistZ:      formatFloat(fit.DistZ),
			ColSelect:     sel,
		}
		record := make([]string, len(header))
		for k, c := range header {
			record[k] = values[c]
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// DecodeTable reads a CSV spot table. Columns are matched by name; a missing
// z column marks a planar table. spot_select is either NaN on every row or
// a boolean on every row.
func DecodeTable(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return Table{}, fmt.Errorf("header: %v: %w", err, models.ErrFormat)
	}
	col := make(map[string]int, len(header))
	for k, name := range header {
		name = strings.TrimSpace(name)
		if alias, ok := aliases[name]; ok {
			name = alias
		}
		col[name] = k
	}
	for _, c := range Columns {
		if _, ok := col[c]; !ok && c != ColZ {
			return Table{}, fmt.Errorf("missing column %q: %w", c, models.ErrFormat)
		}
	}
	_, hasZ := col[ColZ]
	t := Table{Planar: !hasZ}

	var selections, missing int
	for row := 1; ; row++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("row %d: %v: %w", row, err, models.ErrFormat)
		}
		num := func(c string) (float64, error) {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[col[c]]), 64)
			if err != nil {
				return 0, fmt.Errorf("row %d column %s: %v: %w", row, c, err, models.ErrFormat)
			}
			return v, nil
		}

		fit := models.FitResult{Candidate: -1}
		fields := []column{
			{ColAmplitude, &fit.Amplitude},
			{ColY, &fit.Center[1]},
			{ColX, &fit.Center[2]},
			{ColSigmaXY, &fit.SigmaXY},
			{ColSigmaZ, &fit.SigmaZ},
			{ColOffset, &fit.Offset},
			{ColChiSquared, &fit.ChiSquared},
			{ColDistXY, &fit.DistXY},
			{ColDistZ, &fit.DistZ},
		}
		if hasZ {
			fields = append(fields, column{ColZ, &fit.Center[0]})
		}
		for _, f := range fields {
			if *f.dst, err = num(f.name); err != nil {
				return Table{}, err
			}
		}

		sel, ok, err := parseSelect(record[col[ColSelect]])
		if err != nil {
			return Table{}, fmt.Errorf("row %d column %s: %v: %w", row, ColSelect, err, models.ErrFormat)
		}
		if ok {
			selections++
		} else {
			missing++
		}
		t.Fits = append(t.Fits, fit)
		t.Select = append(t.Select, sel)
	}
	if selections > 0 && missing > 0 {
		return Table{}, fmt.Errorf("%s mixes %d values with %d blanks: %w", ColSelect, selections, missing, models.ErrFormat)
	}
	t.Filtered = selections > 0
	return t, nil
}

type column struct {
	name string
	dst  *float64
}

// parseSelect reads a spot_select cell; ok is false for NaN or an empty cell.
func parseSelect(s string) (sel, ok bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "nan") {
		return false, false, nil
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b, true, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return false, false, err
	}
	if math.IsNaN(v) {
		return false, false, nil
	}
	return v != 0, true, nil
}

// SaveTable writes the table to path.
func SaveTable(path string, t Table) error {
	f, err := os.Create(path)
	if err != nil {
		return &models.FileError{Op: "create", Path: path, Err: err}
	}
	if err := EncodeTable(f, t); err != nil {
		f.Close()
		return &models.FileError{Op: "write", Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &models.FileError{Op: "close", Path: path, Err: err}
	}
	return nil
}

// LoadTable reads a spot table from path.
func LoadTable(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, &models.FileError{Op: "open", Path: path, Err: err}
	}
	defer f.Close()

	t, err := DecodeTable(f)
	if err != nil {
		return Table{}, &models.FileError{Op: "parse", Path: path, Err: err}
	}
	return t, nil
}
