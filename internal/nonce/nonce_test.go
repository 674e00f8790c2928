package nonce

import "testing"

// fakeSource lets tests force the zero-nonce fallback path
// deterministically instead of searching for a murmur3 collision.
type fakeSource struct {
	calls  int
	values []uint64
}

func (f *fakeSource) Hash(data []byte) uint64 {
	v := f.values[f.calls]
	f.calls++
	return v
}

func TestPrimaryHashDelegatesToSource(t *testing.T) {
	src := &fakeSource{values: []uint64{42}}
	if got := PrimaryHash(src, []byte("seed")); got != 42 {
		t.Errorf("got %d, want 42", got)
	}
}

func TestMurmur3IsDeterministic(t *testing.T) {
	m := Murmur3{}
	a := m.Hash([]byte("hello world"))
	b := m.Hash([]byte("hello world"))
	if a != b {
		t.Errorf("hash not deterministic: %d != %d", a, b)
	}
	if a == m.Hash([]byte("hello worlD")) {
		t.Errorf("distinct inputs hashed to the same value")
	}
}

func TestSecondaryHashFallbackOnZero(t *testing.T) {
	src := &fakeSource{values: []uint64{0, 7}}
	got := SecondaryHashWithFallback(src, 100, []byte("payload"))
	if got != 7 {
		t.Errorf("got %d, want fallback value 7", got)
	}
	if src.calls != 2 {
		t.Errorf("expected fallback to re-hash, got %d calls", src.calls)
	}
}

func TestSecondaryHashNoFallbackWhenNonzero(t *testing.T) {
	src := &fakeSource{values: []uint64{9}}
	got := SecondaryHashWithFallback(src, 100, []byte("payload"))
	if got != 9 {
		t.Errorf("got %d, want 9", got)
	}
	if src.calls != 1 {
		t.Errorf("expected single hash call, got %d", src.calls)
	}
}
