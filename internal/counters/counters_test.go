package counters

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/dshills/autoperf/internal/fault"
)

func ids(names ...string) []ID {
	out := make([]ID, len(names))
	for i, n := range names {
		out[i] = ID(n)
	}
	return out
}

func TestLoad_PacksInInputOrder(t *testing.T) {
	s, err := Load(ids("A", "B", "C", "D", "E"), 2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []Group{{"A", "B"}, {"C", "D"}, {"E"}}
	if got := s.Groups(); !reflect.DeepEqual(got, want) {
		t.Errorf("Groups = %v, want %v", got, want)
	}
}

func TestLoad_MinimumGroupCount(t *testing.T) {
	for n := 1; n <= 9; n++ {
		for budget := 1; budget <= 4; budget++ {
			names := make([]ID, n)
			for i := range names {
				names[i] = ID(rune('A' + i))
			}
			s, err := Load(names, budget)
			if err != nil {
				t.Fatalf("Load(n=%d, budget=%d): %v", n, budget, err)
			}
			want := (n + budget - 1) / budget
			if got := len(s.Groups()); got != want {
				t.Errorf("n=%d budget=%d: %d groups, want %d", n, budget, got, want)
			}
			var union []ID
			for _, g := range s.Groups() {
				if len(g) > budget {
					t.Errorf("group %v exceeds budget %d", g, budget)
				}
				union = append(union, g...)
			}
			if !reflect.DeepEqual(union, names) {
				t.Errorf("union %v != input %v", union, names)
			}
		}
	}
}

func TestLoad_SingleGroupWhenBudgetCoversAll(t *testing.T) {
	s, err := Load(ids("A", "B", "C"), 3)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(s.Groups()) != 1 {
		t.Errorf("expected one group, got %v", s.Groups())
	}
}

func TestLoad_InvalidConfig(t *testing.T) {
	cases := []struct {
		name   string
		ids    []ID
		budget int
	}{
		{"zero budget", ids("A"), 0},
		{"negative budget", ids("A"), -1},
		{"empty set", nil, 4},
		{"duplicate", ids("A", "A"), 4},
		{"blank id", ids("A", " "), 4},
		{"same file name", ids("cpu/cycles/", "cpu_cycles_"), 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(tc.ids, tc.budget)
			if !errors.Is(err, fault.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestSchedule_GroupsAreCopies(t *testing.T) {
	s, err := Load(ids("A", "B"), 2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	g := s.Groups()
	g[0][0] = "Z"
	if s.Groups()[0][0] != "A" {
		t.Error("mutating Groups() result changed the schedule")
	}
	c := s.Counters()
	c[1] = "Z"
	if s.Counters()[1] != "B" {
		t.Error("mutating Counters() result changed the schedule")
	}
}

func TestReadFile_SkipsBlankAndComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "COUNTERS")
	content := "# cache events\nPAPI_L1_DCM\n\n  PAPI_L2_DCM  \n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if want := ids("PAPI_L1_DCM", "PAPI_L2_DCM"); !reflect.DeepEqual(got, want) {
		t.Errorf("ReadFile = %v, want %v", got, want)
	}
}

func TestWriteFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "COUNTERS")
	want := ids("PAPI_BR_MSP", "PAPI_TOT_CYC")
	if err := WriteFile(path, want); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWriteFile_Replaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "COUNTERS")
	if err := WriteFile(path, ids("A", "B", "C")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(path, ids("D")); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, ids("D")) {
		t.Errorf("got %v, want [D]", got)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("leftover files next to COUNTERS: %v", entries)
	}
}

func TestID_Safe(t *testing.T) {
	if got := ID("cpu/event=0x3c/").Safe(); got != "cpu_event_0x3c_" {
		t.Errorf("Safe = %q", got)
	}
	if got := ID("PAPI_L1_DCM").Safe(); got != "PAPI_L1_DCM" {
		t.Errorf("Safe = %q", got)
	}
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "nope"))
	if !errors.Is(err, fault.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestPreset_AllNamed(t *testing.T) {
	for _, name := range PresetNames() {
		t.Run(name, func(t *testing.T) {
			got, err := Preset(name)
			if err != nil {
				t.Fatalf("Preset(%q): %v", name, err)
			}
			if _, err := Load(got, 4); err != nil {
				t.Errorf("preset %q does not schedule: %v", name, err)
			}
		})
	}
}

func TestPreset_EmptyNameIsGeneral(t *testing.T) {
	got, err := Preset("")
	if err != nil {
		t.Fatal(err)
	}
	want, _ := Preset("general")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("empty preset = %v, want general %v", got, want)
	}
}

func TestPreset_Unknown(t *testing.T) {
	if _, err := Preset("gpu"); err == nil {
		t.Error("expected error for unknown preset")
	}
}
