package colormap

import (
	"image/color"
	"testing"
)

func TestSeuratColormapEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Seurat.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{R: 211, G: 211, B: 211, A: 255}) {
		t.Fatalf("unexpected Seurat.At(0): %#v", c0)
	}

	c1, ok := Seurat.At(1).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=1")
	}
	if c1 != (color.RGBA{R: 255, G: 0, B: 0, A: 255}) {
		t.Fatalf("unexpected Seurat.At(1): %#v", c1)
	}
}

func TestLinearColormapClamps(t *testing.T) {
	t.Parallel()

	if Viridis.At(-3) != Viridis.At(0) {
		t.Fatalf("expected values below 0 to clamp")
	}
	if Viridis.At(7) != Viridis.At(1) {
		t.Fatalf("expected values above 1 to clamp")
	}
}

func TestByName(t *testing.T) {
	t.Parallel()

	for _, name := range Names() {
		if _, ok := ByName(name); !ok {
			t.Fatalf("registered colormap %q not found", name)
		}
	}
	if _, ok := ByName("jet"); ok {
		t.Fatalf("expected unknown colormap to be absent")
	}
}

func TestHex(t *testing.T) {
	t.Parallel()

	if got := Hex(color.RGBA{R: 31, G: 119, B: 180, A: 255}); got != "#1f77b4" {
		t.Fatalf("unexpected hex: %s", got)
	}
	if got := Hex(Categorical.AtIndex(21)); got != "#ff7f0e" {
		t.Fatalf("expected palette to wrap, got %s", got)
	}
}
