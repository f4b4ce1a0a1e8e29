package blob_test

import (
	"testing"

	"github.com/eteran/blobsilo/internal/blob"

	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    blob.ID
		wantErr bool
	}{
		{in: "blob://1733437200-a3f9d8c2b1e4f6a7.png", want: blob.ID{Epoch: 1733437200, DigestPrefix: "a3f9d8c2b1e4f6a7", Ext: "png"}},
		{in: "blob://0-0000000000000000.bin", want: blob.ID{Epoch: 0, DigestPrefix: "0000000000000000", Ext: "bin"}},
		{in: "blob://1733437200-a3f9d8c2b1e4f6a7.PNG", wantErr: true},
		{in: "blob://1733437200-A3F9D8C2B1E4F6A7.png", wantErr: true},
		{in: "blob://-1-a3f9d8c2b1e4f6a7.png", wantErr: true},
		{in: "blob://1733437200-a3f9d8c2b1e4f6a.png", wantErr: true},
		{in: "blob://1733437200-a3f9d8c2b1e4f6a7.", wantErr: true},
		{in: "blob://1733437200-a3f9d8c2b1e4f6a7.abcdefghijklmnopq", wantErr: true},
		{in: "blob://99999999999999999999-a3f9d8c2b1e4f6a7.png", wantErr: true},
		{in: "file:///etc/passwd", wantErr: true},
		{in: "blob://../../a3f9d8c2b1e4f6a7.png", wantErr: true},
	}

	for _, tc := range tests {
		got, err := blob.ParseID(tc.in)
		if tc.wantErr {
			require.ErrorIs(t, err, blob.ErrInvalidIdentifier, "expected error for %q", tc.in)
			continue
		}
		require.NoError(t, err, "parse %q", tc.in)
		require.Equal(t, tc.want, got)
		require.Equal(t, tc.in, got.String(), "identifier should round trip")
	}
}

func TestIDObjectName(t *testing.T) {
	t.Parallel()

	id := blob.ID{Epoch: 1733437200, DigestPrefix: "a3f9d8c2b1e4f6a7", Ext: "png"}
	require.Equal(t, "1733437200-a3f9d8c2b1e4f6a7.png", id.ObjectName())
}

func TestParseDedupPolicy(t *testing.T) {
	t.Parallel()

	p, err := blob.ParseDedupPolicy("")
	require.NoError(t, err)
	require.Equal(t, blob.RefreshTTL, p)

	p, err = blob.ParseDedupPolicy("Preserve")
	require.NoError(t, err)
	require.Equal(t, blob.PreserveTTL, p)
	require.Equal(t, "preserve", p.String())

	_, err = blob.ParseDedupPolicy("merge")
	require.Error(t, err)
}
