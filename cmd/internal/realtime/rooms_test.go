package realtime

import (
	"reflect"
	"testing"
)

func TestRooms_EnterLeave(t *testing.T) {
	t.Parallel()

	r := NewRooms()
	r.Enter("a_b", "a")
	r.Enter("a_b", "b")
	r.Enter("a_c", "a")

	if !r.IsMember("a_b", "a") || !r.IsMember("a_b", "b") {
		t.Fatalf("members=%v", r.Members("a_b"))
	}
	if got := r.RoomsOf("a"); !reflect.DeepEqual(got, []string{"a_b", "a_c"}) {
		t.Fatalf("RoomsOf(a)=%v", got)
	}

	r.Leave("a_b", "b")
	if r.IsMember("a_b", "b") {
		t.Fatalf("b still member after leave")
	}
	if got := r.Members("a_b"); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("Members(a_b)=%v want=[a]", got)
	}

	// Leaving twice and entering with empty ids are no-ops.
	r.Leave("a_b", "b")
	r.Enter("", "x")
	r.Enter("k", "")
	if len(r.Members("")) != 0 || len(r.Members("k")) != 0 {
		t.Fatalf("empty ids were recorded")
	}
}

func TestRooms_LeaveAllClearsEveryRoom(t *testing.T) {
	t.Parallel()

	r := NewRooms()
	r.Enter("a_b", "a")
	r.Enter("a_c", "a")
	r.Enter("a_c", "c")

	left := r.LeaveAll("a")
	if !reflect.DeepEqual(left, []string{"a_b", "a_c"}) {
		t.Fatalf("LeaveAll=%v", left)
	}
	for _, key := range []string{"a_b", "a_c"} {
		if r.IsMember(key, "a") {
			t.Fatalf("a still in %s", key)
		}
	}
	if !r.IsMember("a_c", "c") {
		t.Fatalf("c removed by a's LeaveAll")
	}
	if got := r.LeaveAll("a"); len(got) != 0 {
		t.Fatalf("second LeaveAll=%v want empty", got)
	}
}
