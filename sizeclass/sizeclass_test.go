package sizeclass

import "testing"

func TestInitBuildsTable(t *testing.T) {
	table := Init()
	if table.NumClasses() != len(scArray) {
		t.Fatalf("expected %v classes, got %v", len(scArray), table.NumClasses())
	}
	for i := 0; i < table.NumClasses(); i++ {
		d := table.Descr(i)
		if d.NumChunks <= 0 {
			t.Fatalf("class %v: expected positive NumChunks, got %v", i, d.NumChunks)
		}
		used := int64(d.NumChunks)*d.ChunkSize + sizeOfInlineMeta(int64(d.NumChunks), d.Range)
		if used > SuperPageSize {
			t.Fatalf("class %v: chunks+meta %v exceeds super-page size %v", i, used, SuperPageSize)
		}
	}
}

func TestSizeToClassSmall(t *testing.T) {
	table := Init()
	for _, size := range []int64{1, 15, 16, 17, 100, 256} {
		idx := table.SizeToClass(size)
		d := table.Descr(idx)
		if d.ChunkSize < size {
			t.Fatalf("size %v: class %v chunk size %v is too small", size, idx, d.ChunkSize)
		}
	}
}

func TestSizeToClassLarge(t *testing.T) {
	table := Init()
	idx := table.SizeToClass(200000)
	if idx < 0 {
		t.Fatalf("expected a valid class for 200000, got -1")
	}
	if table.Descr(idx).ChunkSize < 200000 {
		t.Fatalf("class too small for requested size")
	}
	if table.SizeToClass(table.MaxSize()+1) != -1 {
		t.Fatalf("expected -1 for a size beyond the table")
	}
}

func TestDivByMulMatchesDivision(t *testing.T) {
	table := Init()
	for i := 0; i < table.NumClasses(); i++ {
		d := table.Descr(i)
		for left := uint32(0); left < SuperPageSize; left += 997 {
			got := DivByMul(left, d.Recip)
			want := left / uint32(d.ChunkSize)
			if got != want {
				t.Fatalf("class %v left %v: DivByMul=%v want=%v", i, left, got, want)
			}
		}
	}
}
