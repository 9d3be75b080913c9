package replay

import "testing"

func TestNMCDropsDuplicate(t *testing.T) {
	c := NewNMC(4)
	if !c.Check(0x1201, 6) {
		t.Fatal("first sighting must be accepted")
	}
	if c.Check(0x1201, 6) {
		t.Fatal("duplicate must be rejected")
	}
}

func TestNMCFIFOBound(t *testing.T) {
	c := NewNMC(2)
	c.Check(1, 1)
	c.Check(2, 1)
	if c.Len() != 2 {
		t.Fatalf("expected size 2, got %d", c.Len())
	}
	c.Check(3, 1) // evicts src=1
	if c.Len() != 2 {
		t.Fatalf("expected size to stay bounded at 2, got %d", c.Len())
	}
	if !c.Check(1, 1) {
		t.Fatal("src=1/seq=1 should have been evicted and accepted again")
	}
}

func TestRPLRejectsReplay(t *testing.T) {
	r := NewRPL(4)
	ok, err := r.CheckAndUpdate(0x1201, 10, 5)
	if err != nil || !ok {
		t.Fatalf("first sighting should be accepted: ok=%v err=%v", ok, err)
	}
	ok, err = r.CheckAndUpdate(0x1201, 10, 5)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("equal (iv,seq) must be rejected as a replay")
	}
	ok, err = r.CheckAndUpdate(0x1201, 9, 5)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("lower seq at same iv must be rejected")
	}
	ok, err = r.CheckAndUpdate(0x1201, 1, 6)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("higher iv with lower seq must be accepted (iv dominates)")
	}
}

func TestRPLOverflowFailsClosed(t *testing.T) {
	r := NewRPL(1)
	ok, err := r.CheckAndUpdate(1, 1, 1)
	if err != nil || !ok {
		t.Fatalf("first source should be accepted: ok=%v err=%v", ok, err)
	}
	ok, err = r.CheckAndUpdate(2, 1, 1)
	if err == nil || ok {
		t.Fatalf("second distinct source should fail closed: ok=%v err=%v", ok, err)
	}
}
