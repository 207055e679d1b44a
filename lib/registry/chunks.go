package registry

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ChunkKind tags a serialized chunk.
type ChunkKind uint32

const (
	ChunkPlugin  ChunkKind = 1
	ChunkFeature ChunkKind = 2
)

const (
	// ChunkAlign is the alignment every chunk is padded to.
	ChunkAlign = 8

	// 4 Bytes for the kind and 4 Bytes for the body length
	chunkHeaderSize = 8
)

// Serializer turns records into alignment-padded chunks and back.
type Serializer interface {
	Serialize(rec *Record) ([][]byte, error)
	Deserialize(data []byte) (*Record, error)
}

// ChunkSerializer encodes a record as one plugin chunk followed by one chunk per
// feature. A chunk is [u32 kind][u32 body length][body][zero padding], big
// endian, padded to ChunkAlign. Bodies are protobuf Struct messages.
type ChunkSerializer struct{}

// Serialize implements Serializer.
func (ChunkSerializer) Serialize(rec *Record) ([][]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("cannot serialize nil record")
	}

	plugin, err := structpb.NewStruct(map[string]interface{}{
		"filename":     rec.Filename,
		"size":         strconv.FormatInt(rec.Size, 10),
		"mtime":        strconv.FormatInt(rec.Mtime, 10),
		"name":         rec.Name,
		"description":  rec.Description,
		"version":      rec.Version,
		"license":      rec.License,
		"source":       rec.Source,
		"package":      rec.Package,
		"origin":       rec.Origin,
		"release_date": rec.ReleaseDate,
		"blacklisted":  rec.Blacklisted,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build plugin chunk: %w", err)
	}

	first, err := encodeChunk(ChunkPlugin, plugin)
	if err != nil {
		return nil, err
	}
	chunks := [][]byte{first}

	for _, f := range rec.Features {
		metadata := make(map[string]interface{}, len(f.Metadata))
		for k, v := range f.Metadata {
			metadata[k] = v
		}

		feature, err := structpb.NewStruct(map[string]interface{}{
			"name":     f.Name,
			"kind":     f.Kind,
			"rank":     float64(f.Rank),
			"metadata": metadata,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build feature chunk %s: %w", f.Name, err)
		}

		chunk, err := encodeChunk(ChunkFeature, feature)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}

	return chunks, nil
}

// Deserialize implements Serializer. data is the concatenation of the chunks.
func (ChunkSerializer) Deserialize(data []byte) (*Record, error) {
	var rec *Record

	for off := 0; off < len(data); {
		if len(data)-off < chunkHeaderSize {
			return nil, fmt.Errorf("%w: truncated chunk header at offset %d", ErrMalformedChunk, off)
		}

		kind := ChunkKind(binary.BigEndian.Uint32(data[off : off+4]))
		size := int(binary.BigEndian.Uint32(data[off+4 : off+8]))
		bodyStart := off + chunkHeaderSize
		if size > len(data)-bodyStart {
			return nil, fmt.Errorf("%w: chunk at offset %d declares %d bytes, %d left", ErrMalformedChunk, off, size, len(data)-bodyStart)
		}
		bodyEnd := bodyStart + size
		next := align(bodyEnd)
		if next > len(data) {
			return nil, fmt.Errorf("%w: chunk at offset %d is not padded to %d bytes", ErrMalformedChunk, off, ChunkAlign)
		}

		s := &structpb.Struct{}
		if err := proto.Unmarshal(data[bodyStart:bodyEnd], s); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedChunk, err)
		}

		switch kind {
		case ChunkPlugin:
			if rec != nil {
				return nil, fmt.Errorf("%w: duplicate plugin chunk at offset %d", ErrMalformedChunk, off)
			}
			r, err := pluginFromStruct(s)
			if err != nil {
				return nil, err
			}
			rec = r
		case ChunkFeature:
			if rec == nil {
				return nil, fmt.Errorf("%w: feature chunk before plugin chunk", ErrMalformedChunk)
			}
			rec.Features = append(rec.Features, featureFromStruct(s))
		default:
			return nil, fmt.Errorf("%w: unknown chunk kind %d", ErrMalformedChunk, kind)
		}

		off = next
	}

	if rec == nil {
		return nil, fmt.Errorf("%w: no plugin chunk", ErrMalformedChunk)
	}
	return rec, nil
}

// Concat joins serialized chunks into one payload.
func Concat(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}

func encodeChunk(kind ChunkKind, body proto.Message) ([]byte, error) {
	data, err := proto.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chunk body: %w", err)
	}

	buf := make([]byte, align(chunkHeaderSize+len(data)))
	binary.BigEndian.PutUint32(buf[0:4], uint32(kind))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(data)))
	copy(buf[chunkHeaderSize:], data)
	return buf, nil
}

func align(n int) int {
	return (n + ChunkAlign - 1) &^ (ChunkAlign - 1)
}

func pluginFromStruct(s *structpb.Struct) (*Record, error) {
	size, err := strconv.ParseInt(stringField(s, "size"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad size: %w", ErrMalformedChunk, err)
	}
	mtime, err := strconv.ParseInt(stringField(s, "mtime"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad mtime: %w", ErrMalformedChunk, err)
	}

	return &Record{
		Filename:    stringField(s, "filename"),
		Size:        size,
		Mtime:       mtime,
		Name:        stringField(s, "name"),
		Description: stringField(s, "description"),
		Version:     stringField(s, "version"),
		License:     stringField(s, "license"),
		Source:      stringField(s, "source"),
		Package:     stringField(s, "package"),
		Origin:      stringField(s, "origin"),
		ReleaseDate: stringField(s, "release_date"),
		Blacklisted: s.GetFields()["blacklisted"].GetBoolValue(),
	}, nil
}

func featureFromStruct(s *structpb.Struct) Feature {
	f := Feature{
		Name: stringField(s, "name"),
		Kind: stringField(s, "kind"),
		Rank: uint32(s.GetFields()["rank"].GetNumberValue()),
	}

	if md := s.GetFields()["metadata"].GetStructValue(); md != nil && len(md.GetFields()) > 0 {
		f.Metadata = make(map[string]string, len(md.GetFields()))
		for k, v := range md.GetFields() {
			f.Metadata[k] = v.GetStringValue()
		}
	}
	return f
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}
