package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
)

const (
	// ProtocolVersion is bumped whenever the packet exchange changes incompatibly.
	ProtocolVersion uint32 = 3

	// TagSize is the fixed width of the wire-format and architecture tags.
	TagSize = 24

	// VersionPayloadSize is the encoded size of a VersionInfo.
	VersionPayloadSize = 4 + 2*TagSize

	// WireFormat describes the byte order and chunk alignment used on the wire.
	WireFormat = "be32/align8"
)

var (
	// ErrBadVersionPayload is returned for a VERSION payload of the wrong size or with an oversized tag.
	ErrBadVersionPayload = errors.New("bad version payload")

	// ErrBadLoadPayload is returned for a LOAD payload that is not a NUL-terminated path.
	ErrBadLoadPayload = errors.New("bad load payload")
)

// VersionInfo is exchanged once per session before any LOAD or EXIT traffic.
// Both sides must agree on every field.
type VersionInfo struct {
	ProtocolVersion uint32
	WireFormat      string
	Arch            string
}

// LocalVersion returns the VersionInfo of the running binary.
func LocalVersion() VersionInfo {
	return VersionInfo{
		ProtocolVersion: ProtocolVersion,
		WireFormat:      WireFormat,
		Arch:            runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// Equal reports whether both sides can talk to each other.
func (v VersionInfo) Equal(o VersionInfo) bool {
	return v.ProtocolVersion == o.ProtocolVersion && v.WireFormat == o.WireFormat && v.Arch == o.Arch
}

// String returns a compact representation used in logs and errors.
func (v VersionInfo) String() string {
	return fmt.Sprintf("v%d %s %s", v.ProtocolVersion, v.WireFormat, v.Arch)
}

// MarshalBinary encodes the version as [u32 version][tag][tag], tags NUL padded.
func (v VersionInfo) MarshalBinary() ([]byte, error) {
	if len(v.WireFormat) > TagSize {
		return nil, fmt.Errorf("%w: wire format tag %q longer than %d bytes", ErrBadVersionPayload, v.WireFormat, TagSize)
	}
	if len(v.Arch) > TagSize {
		return nil, fmt.Errorf("%w: architecture tag %q longer than %d bytes", ErrBadVersionPayload, v.Arch, TagSize)
	}

	buf := make([]byte, VersionPayloadSize)
	binary.BigEndian.PutUint32(buf[0:4], v.ProtocolVersion)
	copy(buf[4:4+TagSize], v.WireFormat)
	copy(buf[4+TagSize:], v.Arch)
	return buf, nil
}

// UnmarshalBinary decodes a VERSION payload.
func (v *VersionInfo) UnmarshalBinary(data []byte) error {
	if len(data) != VersionPayloadSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrBadVersionPayload, len(data), VersionPayloadSize)
	}

	v.ProtocolVersion = binary.BigEndian.Uint32(data[0:4])
	v.WireFormat = trimTag(data[4 : 4+TagSize])
	v.Arch = trimTag(data[4+TagSize:])
	return nil
}

func trimTag(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// EncodeLoad builds a LOAD payload: the candidate path followed by a NUL.
func EncodeLoad(path string) []byte {
	buf := make([]byte, len(path)+1)
	copy(buf, path)
	return buf
}

// DecodeLoad extracts the candidate path from a LOAD payload.
func DecodeLoad(payload []byte) (string, error) {
	i := bytes.IndexByte(payload, 0)
	if i < 0 {
		return "", fmt.Errorf("%w: missing terminator", ErrBadLoadPayload)
	}
	if i == 0 {
		return "", fmt.Errorf("%w: empty path", ErrBadLoadPayload)
	}
	return string(payload[:i]), nil
}
