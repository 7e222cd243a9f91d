package grade

import "testing"

func TestHalfThresholds(t *testing.T) {
	g, err := New(SetHalf)
	if err != nil {
		t.Fatalf("new grader: %v", err)
	}
	cases := []struct {
		score float64
		want  int
	}{
		{-2.0, 1},
		{1.0, 1},
		{1.49, 1},
		{1.5, 2},
		{2.49, 2},
		{2.5, 3},
		{3.49, 3},
		{3.5, 4},
		{4.49, 4},
		{4.5, 5},
		{5.0, 5},
		{9.9, 5},
	}
	for _, tc := range cases {
		if got := g.Grade(tc.score); got != tc.want {
			t.Fatalf("Grade(%v) = %d, want %d", tc.score, got, tc.want)
		}
	}
}

func TestConservativeThresholds(t *testing.T) {
	g, err := New(SetConservative)
	if err != nil {
		t.Fatalf("new grader: %v", err)
	}
	cases := []struct {
		score float64
		want  int
	}{
		{1.5, 1},
		{1.75, 2},
		{2.5, 2},
		{2.75, 3},
		{4.74, 4},
		{4.75, 5},
	}
	for _, tc := range cases {
		if got := g.Grade(tc.score); got != tc.want {
			t.Fatalf("Grade(%v) = %d, want %d", tc.score, got, tc.want)
		}
	}
}

func TestPartitionIsTotal(t *testing.T) {
	g, _ := New(SetHalf)
	prev := g.Grade(-100)
	for s := -100.0; s <= 100; s += 0.01 {
		grade := g.Grade(s)
		if grade < 1 || grade > 5 {
			t.Fatalf("Grade(%v) = %d outside 1-5", s, grade)
		}
		if grade < prev {
			t.Fatalf("grades not monotone at %v", s)
		}
		prev = grade
	}
}

func TestUnknownSet(t *testing.T) {
	if _, err := New("strict"); err == nil {
		t.Fatal("expected error for unknown threshold set")
	}
}
