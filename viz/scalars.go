package viz

import (
	"encoding/csv"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/Noofbiz/stormseg/training"
)

// Point is one logged scalar value.
type Point struct {
	Step  int
	Value float64
}

// ScalarLog appends scalars to a CSV file (name,step,value) and keeps them in
// memory for plotting. It implements training.ScalarSink and is safe for
// concurrent use.
type ScalarLog struct {
	mu      sync.Mutex
	f       *os.File
	w       *csv.Writer
	history map[string][]Point
}

var _ training.ScalarSink = (*ScalarLog)(nil)

// NewScalarLog creates path and writes the header.
func NewScalarLog(path string) (*ScalarLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("mkdir for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create scalar log %s: %w", path, err)
	}
	s := &ScalarLog{f: f, w: csv.NewWriter(f), history: make(map[string][]Point)}
	if err := s.w.Write([]string{"name", "step", "value"}); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// Log records value under name at step.
func (s *ScalarLog) Log(name string, value float64, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[name] = append(s.history[name], Point{Step: step, Value: value})
	if s.w == nil {
		return nil
	}
	if err := s.w.Write([]string{name, strconv.Itoa(step), strconv.FormatFloat(value, 'g', -1, 64)}); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

// History returns a copy of the values logged under name.
func (s *ScalarLog) History(name string) []Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Point(nil), s.history[name]...)
}

// Names returns the logged scalar names, sorted.
func (s *ScalarLog) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.history))
	for n := range s.history {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close flushes and closes the file.
func (s *ScalarLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	s.w.Flush()
	err := s.w.Error()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	s.f, s.w = nil, nil
	return err
}

// ReadScalarLog loads a file written by ScalarLog.
func ReadScalarLog(path string) (map[string][]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	out := make(map[string][]Point)
	for i, rec := range records {
		if i == 0 || len(rec) != 3 {
			continue
		}
		step, err := strconv.Atoi(rec[1])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: bad step %q", path, i+1, rec[1])
		}
		v, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: bad value %q", path, i+1, rec[2])
		}
		out[rec[0]] = append(out[rec[0]], Point{Step: step, Value: v})
	}
	return out, nil
}

var curveColors = []color.RGBA{
	{R: 20, G: 80, B: 200, A: 255},
	{R: 200, G: 30, B: 30, A: 255},
	{R: 40, G: 140, B: 40, A: 255},
	{R: 150, G: 60, B: 170, A: 255},
	{R: 230, G: 140, B: 20, A: 255},
}

// PlotCurves draws one line per series whose name starts with prefix (for
// example "Loss/") and saves the plot to path. The file format follows the
// extension of path.
func PlotCurves(path, title, prefix string, series map[string][]Point) error {
	names := make([]string, 0, len(series))
	for n := range series {
		if strings.HasPrefix(n, prefix) && len(series[n]) > 0 {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		return fmt.Errorf("no series with prefix %q", prefix)
	}
	sort.Strings(names)

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "epoch"
	p.Y.Label.Text = strings.TrimSuffix(prefix, "/")
	p.Add(plotter.NewGrid())
	for i, n := range names {
		xys := make(plotter.XYs, len(series[n]))
		for j, pt := range series[n] {
			xys[j] = plotter.XY{X: float64(pt.Step), Y: pt.Value}
		}
		line, points, err := plotter.NewLinePoints(xys)
		if err != nil {
			return err
		}
		col := curveColors[i%len(curveColors)]
		line.Color = col
		line.Width = vg.Points(1.2)
		points.GlyphStyle.Color = col
		points.GlyphStyle.Radius = vg.Points(2)
		p.Add(line, points)
		p.Legend.Add(strings.TrimPrefix(n, prefix), line, points)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 5*vg.Inch, path)
}
