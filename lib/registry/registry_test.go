package registry

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *Record {
	return &Record{
		Filename:    "/usr/lib/plugins/libvideoconvert.so",
		Size:        123456,
		Mtime:       1700000000,
		Name:        "videoconvert",
		Description: "Colorspace conversion",
		Version:     "1.22.0",
		License:     "LGPL",
		Source:      "gst-plugins-base",
		Package:     "GStreamer Base Plug-ins",
		Origin:      "https://example.org",
		ReleaseDate: "2023-01-23",
		Features: []Feature{
			{Name: "videoconvert", Kind: "element", Rank: 0, Metadata: map[string]string{"klass": "Filter/Converter/Video"}},
			{Name: "videoconvertscale", Kind: "element", Rank: 256},
		},
	}
}

func TestChunkSerializer_RoundTrip(t *testing.T) {
	var s ChunkSerializer
	rec := sampleRecord()

	chunks, err := s.Serialize(rec)
	require.NoError(t, err)
	require.Len(t, chunks, 1+len(rec.Features))
	for i, c := range chunks {
		assert.Zero(t, len(c)%ChunkAlign, "chunk %d is not aligned", i)
	}

	got, err := s.Deserialize(Concat(chunks))
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestChunkSerializer_NoFeatures(t *testing.T) {
	var s ChunkSerializer
	rec := &Record{Filename: "/tmp/a.so", Size: 1, Mtime: 2, Name: "a"}

	chunks, err := s.Serialize(rec)
	require.NoError(t, err)

	got, err := s.Deserialize(Concat(chunks))
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestChunkSerializer_Malformed(t *testing.T) {
	var s ChunkSerializer
	chunks, err := s.Serialize(sampleRecord())
	require.NoError(t, err)
	payload := Concat(chunks)

	unknown := make([]byte, 8)
	binary.BigEndian.PutUint32(unknown[0:4], 99)

	featureFirst := append([]byte{}, chunks[1]...)
	featureFirst = append(featureFirst, chunks[0]...)

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "Empty", data: nil},
		{name: "Truncated header", data: payload[:4]},
		{name: "Truncated body", data: payload[:len(chunks[0])-ChunkAlign-1]},
		{name: "Missing padding", data: payload[:len(payload)-1]},
		{name: "Unknown kind", data: unknown},
		{name: "Feature before plugin", data: featureFirst},
		{name: "Duplicate plugin", data: append(append([]byte{}, chunks[0]...), chunks[0]...)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Deserialize(tc.data)
			assert.ErrorIs(t, err, ErrMalformedChunk)
		})
	}
}

func TestRecord_Fresh(t *testing.T) {
	rec := NewBlacklistRecord("/tmp/bad.so", 10, 20)
	assert.True(t, rec.Blacklisted)
	assert.True(t, rec.Fresh(10, 20))
	assert.False(t, rec.Fresh(10, 21))
	assert.False(t, rec.Fresh(11, 20))

	var missing *Record
	assert.False(t, missing.Fresh(10, 20))
}

func testRegistry(t *testing.T, r Registry) {
	t.Helper()

	_, ok, err := r.Lookup("/nope")
	require.NoError(t, err)
	assert.False(t, ok)

	require.Error(t, r.Merge(&Record{}))

	rec := sampleRecord()
	require.NoError(t, r.Merge(rec))
	require.NoError(t, r.Merge(NewBlacklistRecord("/tmp/bad.so", 1, 2)))

	got, ok, err := r.Lookup(rec.Filename)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec, got)

	// A later scan supersedes the earlier record.
	require.NoError(t, r.Merge(NewBlacklistRecord(rec.Filename, rec.Size, rec.Mtime)))
	got, _, err = r.Lookup(rec.Filename)
	require.NoError(t, err)
	assert.True(t, got.Blacklisted)

	all, err := r.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "/tmp/bad.so", all[0].Filename)
	assert.Equal(t, rec.Filename, all[1].Filename)
}

func TestMemoryStore(t *testing.T) {
	testRegistry(t, NewMemoryStore())
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache", "registry.db")

	store, err := OpenBoltStore(path)
	require.NoError(t, err)
	testRegistry(t, store)
	require.NoError(t, store.Close())

	t.Run("persists across reopen", func(t *testing.T) {
		store, err := OpenBoltStore(path)
		require.NoError(t, err)
		defer store.Close()

		all, err := store.List()
		require.NoError(t, err)
		assert.Len(t, all, 2)

		require.NoError(t, store.Remove("/tmp/bad.so"))
		assert.ErrorIs(t, store.Remove("/tmp/bad.so"), ErrNotFound)

		_, ok, err := store.Lookup("/tmp/bad.so")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}
