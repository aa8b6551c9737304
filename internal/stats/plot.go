package stats

import (
	"fmt"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"reservoir/internal/linalg"
)

// PlotActivations renders one line per output channel of example ex over
// time and saves it to path; the format follows the file extension.
func PlotActivations[T constraints.Float](path string, y *linalg.Tensor3[T], ex int, labels []string, threshold float64) error {
	if ex < 0 || ex >= y.Dim0 {
		return fmt.Errorf("example %d out of range [0,%d)", ex, y.Dim0)
	}
	if y.Dim1 == 0 || y.Dim2 == 0 {
		return fmt.Errorf("nothing to plot: %dx%d", y.Dim1, y.Dim2)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("readout activations, example %d", ex)
	p.X.Label.Text = "timestep"
	p.Y.Label.Text = "activation"

	for channel := 0; channel < y.Dim2; channel++ {
		points := make(plotter.XYs, y.Dim1)
		for step := 0; step < y.Dim1; step++ {
			points[step].X = float64(step)
			points[step].Y = float64(y.At(ex, step, channel))
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return fmt.Errorf("channel %d: %w", channel, err)
		}
		line.Color = plotutil.Color(channel)
		line.Dashes = plotutil.Dashes(channel / len(plotutil.DefaultColors))
		p.Add(line)

		label := fmt.Sprintf("ch%d", channel)
		if channel < len(labels) {
			label = labels[channel]
		}
		p.Legend.Add(label, line)
	}

	if threshold > 0 {
		cut, err := plotter.NewLine(plotter.XYs{{X: 0, Y: threshold}, {X: float64(y.Dim1 - 1), Y: threshold}})
		if err != nil {
			return err
		}
		cut.Dashes = []vg.Length{vg.Points(2), vg.Points(2)}
		p.Add(cut)
	}
	p.Legend.Top = true
	return p.Save(8*vg.Inch, 4*vg.Inch, path)
}
