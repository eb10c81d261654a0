// Package identityfile stores identity files fetched from the weft network
// on disk until there is time to process them.
//
// Downloading is usually faster than processing, so files are spooled
// through a directory-backed queue (DiskQueue) and drained in coalesced
// batches by a Processor built on a delay-coalescing background job. The
// XML payload is deliberately not parsed at storage time: parsing happens
// during processing, where failures can be attributed and recorded.
package identityfile

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/weft-project/weft/errors"
)

const (
	// FileExtension is the extension of serialized identity files.
	FileExtension = ".weft-identity"

	// FileFormatVersion is the current on-disk format version.
	FileFormatVersion = 1

	// headerMarker is the first line of every identity file.
	headerMarker = "# WeftIdentityFile"

	// endMarker terminates the metadata header; the raw XML payload
	// follows immediately after its newline.
	endMarker = "XMLFollows"

	// MaxXMLSize bounds the payload size accepted when reading a file.
	MaxXMLSize = 1 << 20 // 1 MiB
)

// IdentityFile is a fetched identity document: the source URI it was
// downloaded from and the raw, unparsed XML payload.
//
// The on-disk format is a short human-readable metadata header followed by
// the XML bytes as an opaque attachment:
//
//	# WeftIdentityFile
//	FileFormatVersion=1
//	Checksum=841698827
//	SourceURI=weft://USK@.../identity/42
//	XMLFollows
//	<?xml version="1.0" ...
type IdentityFile struct {
	SourceURI string
	XML       []byte
}

// New creates an identity file from a source URI and raw XML payload.
func New(sourceURI string, xml []byte) *IdentityFile {
	return &IdentityFile{SourceURI: sourceURI, XML: xml}
}

// Checksum returns the CRC of the source URI and payload, used to detect
// torn or corrupted files on read.
func (f *IdentityFile) Checksum() uint32 {
	h := crc32.New(crc32.MakeTable(crc32.Castagnoli))
	io.WriteString(h, f.SourceURI)
	h.Write([]byte{0})
	h.Write(f.XML)
	return h.Sum32()
}

// WriteFile serializes the identity file to path. The write is not atomic;
// callers that need atomicity (the disk queue does) write to a temporary
// file and rename.
func (f *IdentityFile) WriteFile(path string) error {
	var buf bytes.Buffer
	fmt.Fprintln(&buf, headerMarker)
	fmt.Fprintf(&buf, "FileFormatVersion=%d\n", FileFormatVersion)
	fmt.Fprintf(&buf, "Checksum=%d\n", f.Checksum())
	fmt.Fprintf(&buf, "SourceURI=%s\n", f.SourceURI)
	fmt.Fprintln(&buf, endMarker)
	buf.Write(f.XML)

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrap(err, "write identity file")
	}
	return nil
}

// ReadFile parses an identity file from path, verifying format version and
// checksum. Corrupt files fail with errors.ErrChecksumMismatch.
func ReadFile(path string) (*IdentityFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read identity file")
	}
	return Parse(raw)
}

// Parse decodes the identity file format from raw bytes.
func Parse(raw []byte) (*IdentityFile, error) {
	r := bufio.NewReader(bytes.NewReader(raw))

	line, err := readLine(r)
	if err != nil || line != headerMarker {
		return nil, errors.Newf("not an identity file (missing %q header)", headerMarker)
	}

	var (
		f        IdentityFile
		version  = -1
		checksum uint64
		hasSum   bool
	)
	for {
		line, err = readLine(r)
		if err != nil {
			return nil, errors.New("truncated identity file header")
		}
		if line == endMarker {
			break
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, errors.Newf("malformed header line: %q", line)
		}
		switch key {
		case "FileFormatVersion":
			version, err = strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrap(err, "parse FileFormatVersion")
			}
		case "Checksum":
			checksum, err = strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, errors.Wrap(err, "parse Checksum")
			}
			hasSum = true
		case "SourceURI":
			f.SourceURI = value
		default:
			// Unknown keys are ignored for forward compatibility.
		}
	}

	if version != FileFormatVersion {
		return nil, errors.Newf("unsupported file format version %d (want %d)", version, FileFormatVersion)
	}
	if f.SourceURI == "" {
		return nil, errors.New("identity file missing SourceURI")
	}

	xml, err := io.ReadAll(io.LimitReader(r, MaxXMLSize+1))
	if err != nil {
		return nil, errors.Wrap(err, "read XML payload")
	}
	if len(xml) > MaxXMLSize {
		return nil, errors.Newf("XML payload exceeds %d bytes", MaxXMLSize)
	}
	f.XML = xml

	if !hasSum {
		return nil, errors.New("identity file missing Checksum")
	}
	if uint32(checksum) != f.Checksum() {
		return nil, errors.Wrapf(errors.ErrChecksumMismatch,
			"stored %d, computed %d", checksum, f.Checksum())
	}

	return &f, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}
