package resultlog

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/oto-labs/eol-station/steps"
)

const artifactTime = "02-01-2006 15-04-05"

// Artifacts stores step raw data as {root}/Output/{folder}/{device}/{file}.csv
// with an optional PNG plot of the same name.
type Artifacts struct {
	root string
}

var _ steps.Artifacts = (*Artifacts)(nil)

// NewArtifacts returns an artifact store under root.
func NewArtifacts(root string) *Artifacts {
	return &Artifacts{root: root}
}

// Dir is where the artifacts of one step and device go.
func (s *Artifacts) Dir(folder, deviceID string) string {
	return filepath.Join(s.root, "Output", folder, deviceID)
}

// Save implements steps.Artifacts.
func (s *Artifacts) Save(ctx context.Context, deviceID string, at time.Time, a steps.Artifact) error {
	if deviceID == "" {
		return errors.New("artifact needs a device id")
	}
	dir := s.Dir(a.Folder, deviceID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return errors.Wrap(err, "creating artifact directory")
	}
	name := a.File
	if name == "" {
		name = at.Format(artifactTime) + ".csv"
	}
	path := filepath.Join(dir, name)
	if err := writeTable(path, a); err != nil {
		return err
	}
	if a.Plot == nil {
		return nil
	}
	return writePlot(strings.TrimSuffix(path, filepath.Ext(path))+".png", a.Plot)
}

// writeTable writes the rows with the info lines down an extra last column.
func writeTable(path string, a steps.Artifact) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %s", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()

	header := a.Columns
	withInfo := a.InfoColumn != "" || len(a.Info) > 0
	if withInfo {
		header = append(append([]string{}, a.Columns...), a.InfoColumn)
	}
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	n := len(a.Rows)
	if len(a.Info) > n {
		n = len(a.Info)
	}
	for i := 0; i < n; i++ {
		line := make([]string, len(a.Columns), len(header))
		if i < len(a.Rows) {
			copy(line, a.Rows[i])
		}
		if withInfo {
			info := ""
			if i < len(a.Info) {
				info = a.Info[i]
			}
			line = append(line, info)
		}
		if err := w.Write(line); err != nil {
			return err
		}
	}
	w.Flush()
	return errors.Wrapf(w.Error(), "writing %s", path)
}

func writePlot(path string, def *steps.Plot) error {
	p := plot.New()
	p.Title.Text = def.Title
	p.X.Label.Text = def.XLabel
	p.Y.Label.Text = def.YLabel
	p.Add(plotter.NewGrid())

	for i, series := range def.Series {
		xys := make(plotter.XYs, len(series.X))
		for j := range xys {
			xys[j].X = series.X[j]
			if j < len(series.Y) {
				xys[j].Y = series.Y[j]
			}
		}
		if series.Points {
			sc, err := plotter.NewScatter(xys)
			if err != nil {
				return errors.Wrapf(err, "plotting %s", series.Label)
			}
			sc.GlyphStyle.Radius = vg.Points(1)
			sc.GlyphStyle.Color = plotutil.Color(i)
			p.Add(sc)
			p.Legend.Add(series.Label, sc)
			continue
		}
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "plotting %s", series.Label)
		}
		line.LineStyle.Width = vg.Points(1.5)
		line.LineStyle.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(series.Label, line)
	}
	return errors.Wrapf(p.Save(10*vg.Inch, 6*vg.Inch, path), "saving plot %s", path)
}
