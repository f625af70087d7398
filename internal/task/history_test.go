package task

import (
	"context"
	"testing"
	"time"
)

func catalogFixture() []PackageVersions {
	stable := Record{Package: "http", Version: "1.0.0", Updated: t0}
	prerelease := Record{Package: "http", Version: "2.0.0-beta", Updated: t0}
	old := Record{Package: "http", Version: "0.9.0", Updated: t0.Add(-time.Hour)}
	return []PackageVersions{
		{
			Package:          "http",
			LatestStable:     &stable,
			LatestPrerelease: &prerelease,
			Versions:         []Record{old, stable, prerelease},
		},
		{
			Package:  "yamlkit",
			Versions: []Record{{Package: "yamlkit", Version: "1.0.0", Updated: t0}},
		},
	}
}

func TestHistoryWaves(t *testing.T) {
	src := NewHistorySource(HistorySourceConfig{Name: "history"}, nil, nil)
	waves := src.buildWaves(catalogFixture())

	if len(waves[0]) != 1 || waves[0][0].Version != "1.0.0" {
		t.Errorf("stable wave = %v, want [http 1.0.0]", waves[0])
	}
	if len(waves[1]) != 1 || waves[1][0].Version != "2.0.0-beta" {
		t.Errorf("prerelease wave = %v, want [http 2.0.0-beta]", waves[1])
	}
	if len(waves[2]) != 0 {
		t.Errorf("preview wave = %v, want empty", waves[2])
	}

	// The catch-all wave carries only versions not already emitted, so the
	// stable and prerelease releases appear exactly once across all waves.
	rest := waves[3]
	if len(rest) != 2 {
		t.Fatalf("final wave = %v, want 2 entries", rest)
	}
	seen := map[string]bool{}
	for _, w := range waves {
		for _, task := range w {
			key := task.Package + "@" + task.Version
			if seen[key] {
				t.Errorf("version %s emitted twice", key)
			}
			seen[key] = true
		}
	}
}

func TestHistoryEmitsHighValueWavesFirst(t *testing.T) {
	src := NewHistorySource(HistorySourceConfig{Name: "history"}, nil, nil)

	ctx := context.Background()
	out := make(chan Task, 16)
	emitted := src.emitPass(ctx, out, catalogFixture())
	close(out)

	if emitted != 4 {
		t.Fatalf("emitted = %d, want 4", emitted)
	}
	var got []Task
	for task := range out {
		got = append(got, task)
	}
	if got[0].Package != "http" || got[0].Version != "1.0.0" {
		t.Errorf("first task = %+v, want the latest stable", got[0])
	}
	if got[1].Version != "2.0.0-beta" {
		t.Errorf("second task = %+v, want the latest prerelease", got[1])
	}
}

func TestHistoryConsultsUpdatePredicate(t *testing.T) {
	// Only the prerelease is due; everything else is filtered out before
	// emission.
	src := NewHistorySource(HistorySourceConfig{Name: "history"}, nil,
		func(ctx context.Context, pkg, version string, retryFailed bool) (bool, error) {
			return version == "2.0.0-beta", nil
		})

	out := make(chan Task, 16)
	emitted := src.emitPass(context.Background(), out, catalogFixture())
	close(out)

	if emitted != 1 {
		t.Fatalf("emitted = %d, want 1", emitted)
	}
	got := <-out
	if got.Version != "2.0.0-beta" {
		t.Errorf("emitted %s@%s, want the due prerelease", got.Package, got.Version)
	}
}

func TestChanSourcePassthrough(t *testing.T) {
	in := make(chan Task, 1)
	src := NewChanSource("manual", in)
	if src.Name() != "manual" {
		t.Errorf("name = %s", src.Name())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Task, 1)
	go src.Run(ctx, out)

	want := Task{Package: "http", Version: "1.0.0", Updated: t0}
	in <- want
	got := <-out
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}
