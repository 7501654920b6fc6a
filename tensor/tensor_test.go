package tensor

import "testing"

func TestStackAndIndex(t *testing.T) {
	a, _ := FromData([]float32{1, 2, 3, 4}, 1, 2, 2)
	b, _ := FromData([]float32{5, 6, 7, 8}, 1, 2, 2)
	s, err := Stack([]*Tensor{a, b})
	if err != nil {
		t.Fatalf("Stack error: %v", err)
	}
	if len(s.Shape) != 4 || s.Shape[0] != 2 {
		t.Fatalf("unexpected stacked shape %v", s.Shape)
	}
	second := s.Index(1)
	if second.Data[0] != 5 || second.Data[3] != 8 {
		t.Fatalf("Index(1) returned %v", second.Data)
	}
	// Index is a view
	second.Data[0] = 42
	if s.Data[4] != 42 {
		t.Fatalf("expected Index to share storage")
	}
}

func TestStackShapeMismatch(t *testing.T) {
	a := New(1, 2, 2)
	b := New(1, 3, 2)
	if _, err := Stack([]*Tensor{a, b}); err == nil {
		t.Fatalf("expected shape mismatch error")
	}
}

func TestFromDataLengthMismatch(t *testing.T) {
	if _, err := FromData([]float32{1, 2, 3}, 2, 2); err == nil {
		t.Fatalf("expected length mismatch error")
	}
}

func TestLabelsRounds(t *testing.T) {
	m, _ := FromData([]float32{0.0001, 0.9999, 2.4, 3.6}, 1, 2, 2)
	got := m.Labels()
	want := []int32{0, 1, 2, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Labels()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}
