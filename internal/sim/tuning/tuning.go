package tuning

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"voxelstream.ai/internal/sim/world/feature/streaming"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	Streaming Streaming `yaml:"streaming"`
	Raycast   Raycast   `yaml:"raycast"`
	WorldGen  WorldGen  `yaml:"worldgen"`
}

type Streaming struct {
	LoadDistance   int `yaml:"load_distance"`
	DropDistance   int `yaml:"drop_distance"`
	LoadIntervalMs int `yaml:"load_interval_ms"`
	DropIntervalMs int `yaml:"drop_interval_ms"`
	ColumnHeight   int `yaml:"column_height"`
	// Outbound request queue per connection.
	MaxPendingRequests int `yaml:"max_pending_requests"`
}

type Raycast struct {
	MaxDistance float32 `yaml:"max_distance"`
	Epsilon     float32 `yaml:"epsilon"`
}

type WorldGen struct {
	Seed           int64   `yaml:"seed"`
	Mode           string  `yaml:"mode"`
	FlatHeight     int     `yaml:"flat_height"`
	BaseHeight     int     `yaml:"base_height"`
	NoiseAmplitude float64 `yaml:"noise_amplitude"`
	NoiseScale     float64 `yaml:"noise_scale"`
	OrePermille    int     `yaml:"ore_permille"`
}

func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1.0",
		Streaming: Streaming{
			LoadDistance:       4,
			DropDistance:       6,
			LoadIntervalMs:     250,
			DropIntervalMs:     2000,
			ColumnHeight:       5,
			MaxPendingRequests: 256,
		},
		Raycast: Raycast{
			MaxDistance: 8,
			Epsilon:     0.001,
		},
		WorldGen: WorldGen{
			Seed:           1337,
			Mode:           "flat",
			FlatHeight:     35,
			BaseHeight:     32,
			NoiseAmplitude: 12,
			NoiseScale:     1.0 / 64,
			OrePermille:    20,
		},
	}
}

// Normalize fills unset values and raises drop_distance to
// streaming.MinDropDistance so chunks at the load edge are not evicted on the
// next drop tick.
func (t *Tuning) Normalize() {
	d := Defaults()
	if t.ProtocolVersion == "" {
		t.ProtocolVersion = d.ProtocolVersion
	}
	if t.Streaming.LoadIntervalMs <= 0 {
		t.Streaming.LoadIntervalMs = d.Streaming.LoadIntervalMs
	}
	if t.Streaming.DropIntervalMs <= 0 {
		t.Streaming.DropIntervalMs = d.Streaming.DropIntervalMs
	}
	if t.Streaming.ColumnHeight <= 0 {
		t.Streaming.ColumnHeight = d.Streaming.ColumnHeight
	}
	if t.Streaming.MaxPendingRequests <= 0 {
		t.Streaming.MaxPendingRequests = d.Streaming.MaxPendingRequests
	}
	if lo := streaming.MinDropDistance(t.Streaming.LoadDistance); t.Streaming.DropDistance < lo {
		t.Streaming.DropDistance = lo
	}
	if t.Raycast.MaxDistance <= 0 {
		t.Raycast.MaxDistance = d.Raycast.MaxDistance
	}
	if t.Raycast.Epsilon <= 0 {
		t.Raycast.Epsilon = d.Raycast.Epsilon
	}
	t.WorldGen.Mode = strings.ToLower(strings.TrimSpace(t.WorldGen.Mode))
	if t.WorldGen.Mode == "" {
		t.WorldGen.Mode = d.WorldGen.Mode
	}
	if t.WorldGen.NoiseScale <= 0 {
		t.WorldGen.NoiseScale = d.WorldGen.NoiseScale
	}
}

func (t Tuning) Validate() error {
	switch t.WorldGen.Mode {
	case "flat", "noise":
	default:
		return fmt.Errorf("worldgen.mode: unknown mode %q", t.WorldGen.Mode)
	}
	if t.Streaming.LoadDistance < 0 {
		return fmt.Errorf("streaming.load_distance: must be >= 0, got %d", t.Streaming.LoadDistance)
	}
	return nil
}

func (s Streaming) LoadInterval() time.Duration {
	return time.Duration(s.LoadIntervalMs) * time.Millisecond
}

func (s Streaming) DropInterval() time.Duration {
	return time.Duration(s.DropIntervalMs) * time.Millisecond
}

// Load reads path over Defaults. A missing file is returned as an error that
// satisfies os.IsNotExist so callers can fall back to Defaults.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}
