package sha256

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashMatchesSum(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte(`{"records":[1,2]}`))
	require.NoError(t, err)
	require.Equal(t, Sum([]byte(`{"records":[1,2]}`)), got)
	require.Len(t, got, DigestLen)
	require.True(t, ValidDigest(got))
}

func TestSumEmptyPayload(t *testing.T) {
	t.Parallel()

	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Sum(nil))
}

func TestValidDigest(t *testing.T) {
	t.Parallel()

	tests := map[string]bool{
		Sum([]byte("x")):                 true,
		strings.Repeat("a", DigestLen):   true,
		strings.Repeat("A", DigestLen):   false,
		strings.Repeat("g", DigestLen):   false,
		strings.Repeat("a", DigestLen-1): false,
		"../../etc/passwd":               false,
		"":                               false,
	}
	for in, want := range tests {
		require.Equal(t, want, ValidDigest(in), in)
	}
}

func TestFieldsPrefixesEveryField(t *testing.T) {
	t.Parallel()

	var want []byte
	for _, field := range []string{"prices", "2024-01-02"} {
		want = binary.BigEndian.AppendUint64(want, uint64(len(field)))
		want = append(want, field...)
	}
	want = binary.BigEndian.AppendUint64(want, 7)

	got := NewFields().AddString("prices").AddString("2024-01-02").Uint64(7).Hex()
	require.Equal(t, Sum(want), got)
	require.True(t, ValidDigest(got))
}

func TestFieldsBoundariesChangeDigest(t *testing.T) {
	t.Parallel()

	require.NotEqual(t,
		NewFields().AddString("ab").AddString("c").Hex(),
		NewFields().AddString("a").AddString("bc").Hex(),
	)
	require.NotEqual(t, NewFields().Hex(), NewFields().Add(nil).Hex())
}
