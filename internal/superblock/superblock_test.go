package superblock

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dm-vdo/uds-layout/internal/layouterr"
	"github.com/dm-vdo/uds-layout/internal/nonce"
)

type fixedRand struct{ b byte }

func (f fixedRand) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = f.b
	}
	return len(p), nil
}

func TestGenerateEncodeDecodeRoundTrip(t *testing.T) {
	hasher := nonce.Murmur3{}
	sb, err := Generate(fixedRand{b: 0x42}, hasher, 4096, 2, 2, 1)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	buf := sb.Encode()
	if len(buf) != Size {
		t.Fatalf("encoded size %d, want %d", len(buf), Size)
	}

	got, err := Decode(buf, hasher)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != sb {
		t.Errorf("got %+v, want %+v", got, sb)
	}
}

func TestGenerateRejectsTooFewSaves(t *testing.T) {
	if _, err := Generate(fixedRand{b: 1}, nonce.Murmur3{}, 4096, 1, 0, 0); err == nil {
		t.Errorf("expected error for max_saves < 2")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	hasher := nonce.Murmur3{}
	sb, _ := Generate(fixedRand{b: 1}, hasher, 4096, 2, 0, 0)
	buf := sb.Encode()
	for i := 0; i < 8; i++ {
		buf[i] = 0
	}
	if _, err := Decode(buf, hasher); !errors.Is(err, layouterr.ErrCorruptComponent) {
		t.Errorf("got %v, want ErrCorruptComponent", err)
	}
}

func TestDecodeRejectsFutureVersion(t *testing.T) {
	hasher := nonce.Murmur3{}
	sb, _ := Generate(fixedRand{b: 1}, hasher, 4096, 2, 0, 0)
	sb.Version = CurrentVersion + 1
	buf := sb.Encode()
	if _, err := Decode(buf, hasher); !errors.Is(err, layouterr.ErrUnsupportedVersion) {
		t.Errorf("got %v, want ErrUnsupportedVersion", err)
	}
}

func TestDecodeRejectsTamperedNonce(t *testing.T) {
	hasher := nonce.Murmur3{}
	sb, _ := Generate(fixedRand{b: 1}, hasher, 4096, 2, 0, 0)
	buf := sb.Encode()
	// master_nonce starts right after magic_label(32) + nonce_seed(32).
	buf[32+32] ^= 0xFF
	if _, err := Decode(buf, hasher); !errors.Is(err, layouterr.ErrCorruptComponent) {
		t.Errorf("got %v, want ErrCorruptComponent", err)
	}
}

func TestVerifyBlockSize(t *testing.T) {
	sb := Data{BlockSize: 4096}
	if err := VerifyBlockSize(sb, 4096); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := VerifyBlockSize(sb, 512)
	if !errors.Is(err, layouterr.ErrWrongIndexConfig) {
		t.Errorf("got %v, want ErrWrongIndexConfig", err)
	}
}

func TestSubindexNonceIsDeterministic(t *testing.T) {
	hasher := nonce.Murmur3{}
	sb, _ := Generate(fixedRand{b: 9}, hasher, 4096, 2, 0, 0)
	a := SubindexNonce(hasher, sb, 2)
	b := SubindexNonce(hasher, sb, 2)
	if a != b {
		t.Errorf("subindex nonce not deterministic: %d != %d", a, b)
	}
	if a == SubindexNonce(hasher, sb, 3) {
		t.Errorf("distinct start blocks hashed to the same nonce")
	}
}

func TestMagicLabelBytes(t *testing.T) {
	hasher := nonce.Murmur3{}
	sb, _ := Generate(fixedRand{b: 1}, hasher, 4096, 2, 0, 0)
	buf := sb.Encode()
	if !bytes.Equal(buf[:32], []byte("*ALBIREO*SINGLE*FILE*LAYOUT*001*")) {
		t.Errorf("unexpected magic label bytes: %q", buf[:32])
	}
}
