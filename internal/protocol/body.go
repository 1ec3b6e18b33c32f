package protocol

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// RawBody returns the body bytes before decompression, decoded according to
// the declared encoding.
func (m *DataMessage) RawBody() ([]byte, error) {
	switch m.Encoding {
	case "base64":
		b, err := base64.StdEncoding.DecodeString(m.Body)
		if err != nil {
			return nil, fmt.Errorf("decode base64 body: %w", err)
		}
		return b, nil
	case "", "utf-8":
		return []byte(m.Body), nil
	default:
		return nil, fmt.Errorf("unknown body encoding %q", m.Encoding)
	}
}

// BodyReader returns a reader over the decompressed telegram body. The caller
// must close it. Zip bodies are required to hold exactly one entry, which is
// how JMA packages single telegrams.
func (m *DataMessage) BodyReader() (io.ReadCloser, error) {
	raw, err := m.RawBody()
	if err != nil {
		return nil, err
	}
	switch m.Compression {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("open gzip body: %w", err)
		}
		return zr, nil
	case "zip":
		zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
		if err != nil {
			return nil, fmt.Errorf("open zip body: %w", err)
		}
		if len(zr.File) != 1 {
			return nil, fmt.Errorf("zip body holds %d files, want 1", len(zr.File))
		}
		return zr.File[0].Open()
	case "":
		return io.NopCloser(bytes.NewReader(raw)), nil
	default:
		return nil, fmt.Errorf("unknown body compression %q", m.Compression)
	}
}

// BodyString returns the decompressed body as a string.
func (m *DataMessage) BodyString() (string, error) {
	r, err := m.BodyReader()
	if err != nil {
		return "", err
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(b), nil
}

// Validate checks the body integrity by hashing the raw (still compressed)
// body bytes and comparing against the message id.
func (m *DataMessage) Validate() (bool, error) {
	raw, err := m.RawBody()
	if err != nil {
		return false, err
	}
	sum := sha512.Sum384(raw)
	return hex.EncodeToString(sum[:]) == strings.ToLower(m.ID), nil
}
