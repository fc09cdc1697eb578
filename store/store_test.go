package store

import "testing"

func openTestStore(t *testing.T) KVStore {
	t.Helper()
	cfg := &Config{InMemory: true}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetSetDelete(t *testing.T) {
	s := openTestStore(t)
	if err := s.Set("k1", []byte("v1")); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.Get("k1")
	if err != nil || string(got) != "v1" {
		t.Fatalf("get: %v %s", err, got)
	}
	if err := s.Delete("k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get("k1"); err == nil {
		t.Fatalf("expected not-found after delete")
	}
}

func TestSetAddContainsRemove(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.SetContains("myset", "a")
	if err != nil || ok {
		t.Fatalf("expected not contained initially")
	}
	if err := s.SetAdd("myset", "a"); err != nil {
		t.Fatalf("add: %v", err)
	}
	ok, err = s.SetContains("myset", "a")
	if err != nil || !ok {
		t.Fatalf("expected contained after add")
	}
	if err := s.SetRemove("myset", "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	ok, _ = s.SetContains("myset", "a")
	if ok {
		t.Fatalf("expected not contained after remove")
	}
}

func TestListPushPopFIFO(t *testing.T) {
	s := openTestStore(t)
	for _, v := range []string{"a", "b", "c"} {
		if err := s.ListPush("q1", []byte(v)); err != nil {
			t.Fatalf("push: %v", err)
		}
	}
	n, err := s.ListLen("q1")
	if err != nil || n != 3 {
		t.Fatalf("expected len 3, got %d (%v)", n, err)
	}
	for _, want := range []string{"a", "b", "c"} {
		got, ok, err := s.ListPop("q1")
		if err != nil || !ok {
			t.Fatalf("pop: %v %v", err, ok)
		}
		if string(got) != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
	_, ok, err := s.ListPop("q1")
	if err != nil || ok {
		t.Fatalf("expected empty pop after draining")
	}
}
