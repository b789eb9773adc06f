package vmdk_test

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"wlm-go/internal/model"
	"wlm-go/internal/vmdk"
)

func ext(pairs ...int64) []model.Extent {
	var out []model.Extent
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, model.Extent{Offset: pairs[i], Length: pairs[i+1]})
	}
	return out
}

func TestParseExtents(t *testing.T) {
	t.Run("reads start,length lines", func(t *testing.T) {
		got, err := vmdk.ParseExtents(strings.NewReader("0,512\n\n4096,1024\n"))
		if err != nil {
			t.Fatalf("ParseExtents() error = %v", err)
		}
		if want := ext(0, 512, 4096, 1024); !reflect.DeepEqual(got, want) {
			t.Errorf("ParseExtents() = %v, want %v", got, want)
		}
	})

	t.Run("rejects malformed line", func(t *testing.T) {
		if _, err := vmdk.ParseExtents(strings.NewReader("0 512\n")); err == nil {
			t.Error("ParseExtents() expected error")
		}
	})

	t.Run("rejects negative length", func(t *testing.T) {
		if _, err := vmdk.ParseExtents(strings.NewReader("0,-1\n")); err == nil {
			t.Error("ParseExtents() expected error")
		}
	})
}

func TestReadExtents_MissingFileIsEmpty(t *testing.T) {
	got, err := vmdk.ReadExtents(filepath.Join(t.TempDir(), "none-ctk"))
	if err != nil {
		t.Fatalf("ReadExtents() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ReadExtents() = %v, want empty", got)
	}
}

func TestWriteExtents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.vmdk-ctk")
	want := ext(0, 4096, 65536, 512)

	if err := vmdk.WriteExtents(path, want); err != nil {
		t.Fatalf("WriteExtents() error = %v", err)
	}
	got, err := vmdk.ReadExtents(path)
	if err != nil {
		t.Fatalf("ReadExtents() error = %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ReadExtents() = %v, want %v", got, want)
	}
}

func TestUnion(t *testing.T) {
	tests := []struct {
		name string
		a, b []model.Extent
		want []model.Extent
	}{
		{"disjoint", ext(0, 10), ext(20, 5), ext(0, 10, 20, 5)},
		{"overlapping", ext(0, 10), ext(5, 10), ext(0, 15)},
		{"adjacent", ext(0, 10), ext(10, 10), ext(0, 20)},
		{"contained", ext(0, 100), ext(10, 10), ext(0, 100)},
		{"unsorted input", ext(50, 5, 0, 5), ext(20, 5), ext(0, 5, 20, 5, 50, 5)},
		{"empty side", nil, ext(3, 4), ext(3, 4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := vmdk.Union(tt.a, tt.b); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Union() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSubtract(t *testing.T) {
	tests := []struct {
		name string
		a, b []model.Extent
		want []model.Extent
	}{
		{"no overlap", ext(0, 10), ext(20, 5), ext(0, 10)},
		{"holes punched", ext(0, 10), ext(2, 2, 6, 2), ext(0, 2, 4, 2, 8, 2)},
		{"fully covered", ext(5, 5), ext(0, 20), nil},
		{"covering spans two", ext(0, 10, 20, 10), ext(5, 20), ext(0, 5, 25, 5)},
		{"empty subtrahend", ext(1, 2), nil, ext(1, 2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := vmdk.Subtract(tt.a, tt.b); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Subtract() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTotalLength(t *testing.T) {
	if got := vmdk.TotalLength(ext(0, 10, 100, 5)); got != 15 {
		t.Errorf("TotalLength() = %d, want 15", got)
	}
}

func TestCheckAligned(t *testing.T) {
	tests := []struct {
		name    string
		extents []model.Extent
		wantErr bool
	}{
		{"empty", nil, false},
		{"whole sectors", ext(0, 512, 4096, 1024), false},
		{"offset mid-sector", ext(0, 512, 100, 512), true},
		{"length mid-sector", ext(65536, 100), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := vmdk.CheckAligned(tt.extents)
			if (err != nil) != tt.wantErr {
				t.Errorf("CheckAligned() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
