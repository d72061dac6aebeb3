package orbit

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// PlotOrbit draws the x and y readings of the monitors, in mm, against s
func PlotOrbit(mons []*Monitor, title string) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "s [m]"
	p.Y.Label.Text = "offset [mm]"
	p.Add(plotter.NewGrid())

	xs := make(plotter.XYs, len(mons))
	ys := make(plotter.XYs, len(mons))
	for i, m := range mons {
		xs[i].X, xs[i].Y = m.S, m.X*1e3
		ys[i].X, ys[i].Y = m.S, m.Y*1e3
	}
	for _, series := range []struct {
		name string
		xy   plotter.XYs
		c    color.Color
	}{
		{"x", xs, color.RGBA{R: 200, A: 255}},
		{"y", ys, color.RGBA{B: 200, A: 255}},
	} {
		l, pts, err := plotter.NewLinePoints(series.xy)
		if err != nil {
			return nil, fmt.Errorf("plotting %s: %w", series.name, err)
		}
		l.Color = series.c
		pts.Color = series.c
		p.Add(l, pts)
		p.Legend.Add(series.name, l, pts)
	}
	return p, nil
}

// WriteOrbitPNG renders PlotOrbit as a PNG of the given size to w
func WriteOrbitPNG(w io.Writer, mons []*Monitor, title string, width, height vg.Length) error {
	p, err := PlotOrbit(mons, title)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}
