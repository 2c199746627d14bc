package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseOptionsDefaultsAndPositionals(t *testing.T) {
	opt, err := parseOptions([]string{"content.png", "style.png"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(opt.contentImages) != 1 || opt.contentImages[0] != "content.png" {
		t.Fatalf("content %v", opt.contentImages)
	}
	if opt.outputImage != "out.png" {
		t.Fatalf("output %q", opt.outputImage)
	}
	if opt.cfg.Size != 256 || opt.cfg.TileSize != 512 {
		t.Fatalf("defaults lost: size=%d tile=%d", opt.cfg.Size, opt.cfg.TileSize)
	}
}

func TestParseOptionsFlagOverrides(t *testing.T) {
	opt, err := parseOptions([]string{
		"-size", "512", "-iterations", "100,50", "-devices", "-1,-1",
		"-style-layers", "pool1:2,pool2",
		"a.png", "b.png,c.png", "result.png",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opt.cfg.Size != 512 {
		t.Fatalf("size %d", opt.cfg.Size)
	}
	if len(opt.cfg.Iterations) != 2 || opt.cfg.Iterations[1] != 50 {
		t.Fatalf("iterations %v", opt.cfg.Iterations)
	}
	if len(opt.cfg.Devices) != 2 {
		t.Fatalf("devices %v", opt.cfg.Devices)
	}
	if len(opt.styleImages) != 2 || opt.styleImages[1] != "c.png" {
		t.Fatalf("styles %v", opt.styleImages)
	}
	if opt.outputImage != "result.png" {
		t.Fatalf("output %q", opt.outputImage)
	}
	if opt.cfg.StyleLayers[0] != "pool1:2" {
		t.Fatalf("style layers %v", opt.cfg.StyleLayers)
	}
}

func TestParseOptionsRequiresImages(t *testing.T) {
	if _, err := parseOptions([]string{"only-content.png"}); err == nil {
		t.Fatal("expected an error without a style image")
	}
}

func TestParseOptionsMaskCountMismatch(t *testing.T) {
	_, err := parseOptions([]string{
		"-style-masks", "m1.png",
		"a.png", "b.png,c.png",
	})
	if err == nil {
		t.Fatal("expected a mask count error")
	}
}

func TestParseOptionsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stylectl.toml")
	if err := os.WriteFile(path, []byte("tile_size = 128\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	opt, err := parseOptions([]string{"-config", path, "-size", "300", "a.png", "b.png"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opt.cfg.TileSize != 128 {
		t.Fatalf("tile_size %d, want config value 128", opt.cfg.TileSize)
	}
	if opt.cfg.Size != 300 {
		t.Fatalf("size %d, flag must win", opt.cfg.Size)
	}
}

func TestParseOptionsMissingExplicitConfig(t *testing.T) {
	if _, err := parseOptions([]string{"-config", "/nonexistent/stylectl.toml", "a.png", "b.png"}); err == nil {
		t.Fatal("expected an error for a missing explicit config")
	}
}

func TestParseOptionsWriteConfigSkipsValidation(t *testing.T) {
	opt, err := parseOptions([]string{"-write-config", "stylectl.toml"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opt.writeConfig != "stylectl.toml" {
		t.Fatalf("writeConfig %q", opt.writeConfig)
	}
}
