package windows

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var day = time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC) // Thursday

func TestBuildAppliesAsymmetricBuffers(t *testing.T) {
	table := Table{
		{Name: "fajr", PreMin: -5, PostMin: 20},
		{Name: "dhuhr", PreMin: -10, PostMin: 30},
	}
	got := Build(day, map[string]string{"dhuhr": "12:15", "fajr": "05:00"}, table)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Name != "fajr" || got[1].Name != "dhuhr" {
		t.Fatalf("windows not in table order: %s, %s", got[0].Name, got[1].Name)
	}
	dhuhr := got[1]
	if !dhuhr.Start.Equal(day.Add(12*time.Hour+5*time.Minute)) || !dhuhr.End.Equal(day.Add(12*time.Hour+45*time.Minute)) {
		t.Fatalf("dhuhr = [%v, %v], want [12:05, 12:45]", dhuhr.Start, dhuhr.End)
	}
	fajr := got[0]
	if fajr.End.Sub(fajr.Start) != 25*time.Minute {
		t.Fatalf("fajr span = %v, want 25m", fajr.End.Sub(fajr.Start))
	}
}

func TestBuildSkipsMissingAndMalformed(t *testing.T) {
	got := Build(day, map[string]string{"fajr": "nope", "ASR": "15:40", "isha": ""}, DefaultTable())
	if len(got) != 1 || got[0].Name != "asr" {
		t.Fatalf("got %+v, want only asr", got)
	}
}

func TestBuildHonoursRRule(t *testing.T) {
	table := Table{{Name: "jumuah", PreMin: -15, PostMin: 45, RRule: "FREQ=WEEKLY;BYDAY=FR"}}
	base := map[string]string{"jumuah": "13:00"}
	if got := Build(day, base, table); len(got) != 0 {
		t.Fatalf("thursday: got %d windows, want 0", len(got))
	}
	if got := Build(day.AddDate(0, 0, 1), base, table); len(got) != 1 {
		t.Fatalf("friday: got %d windows, want 1", len(got))
	}
}

func TestStaticProviderCopies(t *testing.T) {
	s := Static{"fajr": "05:00"}
	got, _ := s.BaseTimes(context.Background(), "u1", "2026-10-15")
	got["fajr"] = "changed"
	if s["fajr"] != "05:00" {
		t.Fatal("Static handed out its own map")
	}
}

func TestFileProviderDaysReplaceDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "times.yaml")
	writeFile(t, path, `
default:
  fajr: "05:10"
  dhuhr: "12:10"
days:
  "2026-10-15":
    dhuhr: "12:15"
`)
	p, err := NewFileProvider(path)
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	got, _ := p.BaseTimes(context.Background(), "u1", "2026-10-15")
	if _, ok := got["fajr"]; ok || got["dhuhr"] != "12:15" {
		t.Fatalf("day entry = %v", got)
	}
	got, _ = p.BaseTimes(context.Background(), "u1", "2026-10-16")
	if got["fajr"] != "05:10" {
		t.Fatalf("default entry = %v", got)
	}
}

func TestFileProviderWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "times.yaml")
	writeFile(t, path, "default:\n  fajr: \"05:10\"\n")
	p, err := NewFileProvider(path)
	if err != nil {
		t.Fatalf("NewFileProvider: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	writeFile(t, path, "default:\n  fajr: \"05:20\"\n")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := p.BaseTimes(ctx, "u1", "2026-10-15")
		if got["fajr"] == "05:20" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("timed out waiting for timetable reload")
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
