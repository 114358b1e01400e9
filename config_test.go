package seqstore

import (
	"testing"

	"github.com/calvinalkan/seqstore/pkg/fs"
)

func Test_LoadConfig_Returns_Defaults_When_File_Absent(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	dir := t.TempDir()

	cfg, err := loadConfig(fsys, dir)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	want := defaultConfig()
	if cfg != want {
		t.Fatalf("loadConfig = %+v, want %+v", cfg, want)
	}
}

func Test_LoadConfig_Overlays_HuJSON_File(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	dir := t.TempDir()

	const conf = `{
		// override only block size, leave the rest at their defaults
		"block_size": 4096,
	}`

	if err := fsys.WriteFile(dir+"/"+ConfigFileName, []byte(conf), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := loadConfig(fsys, dir)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.BlockSize != 4096 {
		t.Fatalf("BlockSize = %d, want 4096", cfg.BlockSize)
	}

	if cfg.MaxModifications != defaultConfig().MaxModifications {
		t.Fatalf("MaxModifications = %d, want default %d", cfg.MaxModifications, defaultConfig().MaxModifications)
	}
}

func Test_LoadConfig_Rejects_Invalid_JSON(t *testing.T) {
	t.Parallel()

	fsys := fs.NewReal()
	dir := t.TempDir()

	if err := fsys.WriteFile(dir+"/"+ConfigFileName, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := loadConfig(fsys, dir); err == nil {
		t.Fatal("loadConfig: want error for invalid JSONC, got nil")
	}
}

func Test_MergeConfig_Overlay_Zero_Values_Keep_Base(t *testing.T) {
	t.Parallel()

	base := config{MaxModifications: 10000, BlockSize: 8192, CompressionLevel: 6}
	overlay := config{}

	got := mergeConfig(base, overlay)
	if got != base {
		t.Fatalf("mergeConfig = %+v, want unchanged base %+v", got, base)
	}
}

func Test_MergeConfig_Overlay_Wins_When_Set(t *testing.T) {
	t.Parallel()

	base := config{MaxModifications: 10000, BlockSize: 8192, CompressionLevel: 6}
	overlay := config{MaxModifications: 1, BlockSize: 1, CompressionLevel: 1}

	got := mergeConfig(base, overlay)
	if got != overlay {
		t.Fatalf("mergeConfig = %+v, want overlay %+v", got, overlay)
	}
}
