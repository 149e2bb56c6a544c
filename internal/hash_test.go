package internal

import "testing"

func TestFastHash(t *testing.T) {
	if FastHash("abc") != FastHash("abc") {
		t.Error("hash is not stable")
	}

	if FastHash("abc") == FastHash("abd") {
		t.Error("different tokens hashed the same")
	}
}

func BenchmarkFastHash(b *testing.B) {
	token := "0.Ab3dEf-turnstile-token-of-realistic-length-" + string(make([]byte, 1024))

	for b.Loop() {
		_ = FastHash(token)
	}
}
