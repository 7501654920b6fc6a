package viz

import (
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Noofbiz/stormseg/tensor"
	"github.com/Noofbiz/stormseg/training"
)

func TestPaletteUsesConfiguredColours(t *testing.T) {
	pal := Palette(map[int]string{1: "#ff0000"}, 4)
	if pal[0] != (color.RGBA{A: 255}) {
		t.Fatalf("background should be black, got %v", pal[0])
	}
	if pal[1] != (color.RGBA{R: 255, A: 255}) {
		t.Fatalf("configured colour not used: %v", pal[1])
	}
	if pal[2] == pal[3] {
		t.Fatalf("generated colours should differ: %v %v", pal[2], pal[3])
	}
	bad := Palette(map[int]string{1: "not-a-colour"}, 2)
	if bad[1].A != 255 {
		t.Fatalf("invalid hex should fall back to a generated colour, got %v", bad[1])
	}
}

func TestTileImageReplicatesSingleBand(t *testing.T) {
	tile := tensor.New(1, 2, 2)
	copy(tile.Data, []float32{0, 100, 300, -5})
	img := TileImage(tile)
	if got := img.RGBAAt(1, 0); got != (color.RGBA{R: 100, G: 100, B: 100, A: 255}) {
		t.Fatalf("unexpected grey pixel %v", got)
	}
	if got := img.RGBAAt(0, 1); got.R != 255 {
		t.Fatalf("values above 255 should clamp, got %v", got)
	}
	if got := img.RGBAAt(1, 1); got.R != 0 {
		t.Fatalf("negative values should clamp, got %v", got)
	}
}

func TestRendererWritesPNG(t *testing.T) {
	dir := t.TempDir()
	img := tensor.New(3, 4, 5)
	for i := range img.Data {
		img.Data[i] = 128
	}
	mask := tensor.New(1, 4, 5)
	mask.Data[3] = 1
	panels := []training.Panel{
		{Title: "image", Tensor: img},
		{Title: "mask", Tensor: mask, Mask: true},
		{Title: "augmented_image", Tensor: img},
		{Title: "augmented_mask", Tensor: mask, Mask: true},
	}
	r := &Renderer{Scale: 20, NumClasses: 2}
	row := filepath.Join(dir, "epoch-1", "row.png")
	grid := filepath.Join(dir, "epoch-1", "grid.png")
	colors := map[int]string{1: "#00ff00"}
	names := map[int]string{1: "inlet"}
	if err := r.SaveImage(panels[:3], row, training.LayoutRow, colors, names, "x=[0, 5]"); err != nil {
		t.Fatalf("SaveImage row: %v", err)
	}
	if err := r.SaveImage(panels, grid, training.LayoutGrid, colors, names, "x=[0, 5]"); err != nil {
		t.Fatalf("SaveImage grid: %v", err)
	}

	decode := func(path string) (int, int) {
		f, err := os.Open(path)
		if err != nil {
			t.Fatalf("open %s: %v", path, err)
		}
		defer f.Close()
		im, err := png.Decode(f)
		if err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		return im.Bounds().Dx(), im.Bounds().Dy()
	}
	rw, rh := decode(row)
	gw, gh := decode(grid)
	if rw <= gw || gh <= rh {
		t.Fatalf("row layout should be wider and the grid taller: row %dx%d grid %dx%d", rw, rh, gw, gh)
	}

	if err := r.SaveImage(nil, row, training.LayoutRow, nil, nil, ""); err == nil {
		t.Fatalf("expected an error for no panels")
	}
}

func TestScalarLogRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scalars.csv")
	s, err := NewScalarLog(path)
	if err != nil {
		t.Fatalf("NewScalarLog: %v", err)
	}
	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func(step int) {
			defer wg.Done()
			if err := s.Log("Loss/train", 1/float64(step+1), step); err != nil {
				t.Errorf("Log: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if err := s.Log("Jaccard/test", 0.25, 1); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if got := len(s.History("Loss/train")); got != 4 {
		t.Fatalf("expected 4 points, got %d", got)
	}
	if names := s.Names(); len(names) != 2 || names[0] != "Jaccard/test" {
		t.Fatalf("unexpected names %v", names)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	back, err := ReadScalarLog(path)
	if err != nil {
		t.Fatalf("ReadScalarLog: %v", err)
	}
	if len(back["Loss/train"]) != 4 || back["Jaccard/test"][0].Value != 0.25 {
		t.Fatalf("unexpected scalars read back: %v", back)
	}
}

func TestPlotCurves(t *testing.T) {
	series := map[string][]Point{
		"Loss/train":   {{1, 0.9}, {2, 0.6}, {3, 0.5}},
		"Loss/test":    {{1, 0.95}, {2, 0.7}, {3, 0.66}},
		"Jaccard/test": {{1, 0.1}},
	}
	path := filepath.Join(t.TempDir(), "loss.png")
	if err := PlotCurves(path, "loss", "Loss/", series); err != nil {
		t.Fatalf("PlotCurves: %v", err)
	}
	if st, err := os.Stat(path); err != nil || st.Size() == 0 {
		t.Fatalf("expected a plot at %s: %v", path, err)
	}
	if err := PlotCurves(path, "x", "Missing/", series); err == nil {
		t.Fatalf("expected an error for an unknown prefix")
	}
}
