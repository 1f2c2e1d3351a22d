package list

import "testing"

func intCmp(a, b int) int { return CompareInt(a, b) }

func TestInsertHeadTailBasic(t *testing.T) {
	l := New(intCmp)
	if pos := l.InsertAt(Head, 1); pos != 0 {
		t.Fatalf("InsertAt(Head, 1) = %d, want 0", pos)
	}
	if pos := l.InsertAt(Tail, 2); pos != 1 {
		t.Fatalf("InsertAt(Tail, 2) = %d, want 1", pos)
	}
	if got, ok := l.GetAt(0); !ok || got != 1 {
		t.Fatalf("GetAt(0) = %v, %v, want 1, true", got, ok)
	}
	if got, ok := l.GetAt(1); !ok || got != 2 {
		t.Fatalf("GetAt(1) = %v, %v, want 2, true", got, ok)
	}
}

func TestEmptyListInsertSetsHeadTailMiddle(t *testing.T) {
	l := New(intCmp)
	l.InsertAt(Head, 42)
	if l.MiddlePosition() != 0 {
		t.Fatalf("middlePosition = %d, want 0", l.MiddlePosition())
	}
	if got, ok := l.GetAt(0); !ok || got != 42 {
		t.Fatalf("GetAt(0) = %v, %v, want 42, true", got, ok)
	}
}

func TestSortedInsertAndMiddleRebalance(t *testing.T) {
	l := New(intCmp)
	values := []int{5, 3, 7, 1, 9, 4, 6}
	for _, v := range values {
		l.InsertAt(Sorted, v)
		if b := l.Balance(); b < -1 || b > 1 {
			t.Fatalf("after inserting %d: balance = %d, want |balance| <= 1", v, b)
		}
	}

	want := []int{1, 3, 4, 5, 6, 7, 9}
	for i, w := range want {
		got, ok := l.GetAt(i)
		if !ok || got != w {
			t.Fatalf("GetAt(%d) = %v, %v, want %d, true", i, got, ok, w)
		}
	}

	got, ok := l.GetAt(3)
	if !ok || got != 5 {
		t.Fatalf("GetAt(3) = %v, %v, want 5, true", got, ok)
	}
}

func TestDeleteNotFoundReturnsSentinel(t *testing.T) {
	l := New(intCmp)
	l.InsertAt(Tail, 1)
	if l.Delete(99) {
		t.Fatalf("Delete(99) = true, want false (not found sentinel)")
	}
	if _, ok := l.DeleteAtPosition(5); ok {
		t.Fatalf("DeleteAtPosition(5) = true, want false (out of range sentinel)")
	}
}

func TestCursorRemove(t *testing.T) {
	l := New(intCmp)
	for _, v := range []int{1, 2, 3, 4} {
		l.InsertAt(Tail, v)
	}

	c := l.Iterator()
	for {
		v, ok := c.Next()
		if !ok {
			break
		}
		if v == 2 {
			if removed := c.Remove(); removed != 2 {
				t.Fatalf("Cursor.Remove() = %d, want 2", removed)
			}
		}
	}

	if l.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", l.Len())
	}
	if l.GetPosition(2) != -1 {
		t.Fatalf("GetPosition(2) = %d, want -1 after removal", l.GetPosition(2))
	}
}

func TestForEachHoldsLockForLifetime(t *testing.T) {
	l := New(intCmp)
	for i := 0; i < 5; i++ {
		l.InsertAt(Tail, i)
	}

	var seen []int
	l.ForEach(func(data int) bool {
		seen = append(seen, data)
		return data < 3
	})

	if len(seen) != 4 {
		t.Fatalf("ForEach visited %d elements, want 4 (stopped at 3)", len(seen))
	}
}

func TestBalanceInvariantUnderLongRun(t *testing.T) {
	l := New(intCmp)
	for i := 0; i < 200; i++ {
		l.InsertAt(Sorted, (i*37)%200)
		if b := l.Balance(); b < -1 || b > 1 {
			t.Fatalf("iteration %d: balance = %d, want |balance| <= 1", i, b)
		}
	}
	if l.Len() != 200 {
		t.Fatalf("Len() = %d, want 200", l.Len())
	}
}
