package transfer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

const maxRenames = 1000

// wireHeader opens every transfer connection as a single JSON line.
type wireHeader struct {
	ID          int    `json:"id"`
	Fingerprint string `json:"fingerprint"`
	FileName    string `json:"fileName"`
	FileSize    int64  `json:"fileSize"`
}

// readHeader decodes the header and returns a reader positioned at the first
// data byte, including whatever the decoder buffered past the header.
func readHeader(r io.Reader) (wireHeader, *bufio.Reader, error) {
	var h wireHeader
	dec := json.NewDecoder(r)
	if err := dec.Decode(&h); err != nil {
		return h, nil, fmt.Errorf("read header: %w", err)
	}
	br := bufio.NewReader(io.MultiReader(dec.Buffered(), r))
	b, err := br.ReadByte()
	if err == nil && b != '\n' {
		br.UnreadByte()
	}
	return h, br, nil
}

func (e *Engine) stream(t *Transfer, conn net.Conn) error {
	f, err := os.Open(t.source)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.source, err)
	}
	defer f.Close()

	conn.SetWriteDeadline(time.Now().Add(e.config.RequestTimeout))
	h := wireHeader{ID: t.id, Fingerprint: t.fingerprint, FileName: t.name, FileSize: t.size}
	if err := json.NewEncoder(conn).Encode(h); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	hash, _ := blake2b.New256(nil)
	buf := make([]byte, e.config.ChunkSize)
	src := io.LimitReader(f, t.size)
	var sent int64
	for {
		n, err := src.Read(buf)
		if n > 0 {
			conn.SetWriteDeadline(time.Now().Add(e.config.RequestTimeout))
			if _, wErr := conn.Write(buf[:n]); wErr != nil {
				return fmt.Errorf("write data: %w", wErr)
			}
			hash.Write(buf[:n])
			sent += int64(n)
			t.advance(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", t.source, err)
		}
	}
	if sent != t.size {
		return fmt.Errorf("%s shrank to %d bytes", t.source, sent)
	}

	if _, err := conn.Write(hash.Sum(nil)); err != nil {
		return fmt.Errorf("write digest: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(e.config.RequestTimeout))
	ack := make([]byte, 1)
	if _, err := io.ReadFull(conn, ack); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	if ack[0] != 1 {
		return ErrIntegrity
	}
	return nil
}

func (e *Engine) receive(t *Transfer, conn net.Conn, f *os.File) error {
	conn.SetReadDeadline(time.Now().Add(e.config.RequestTimeout))
	h, r, err := readHeader(conn)
	if err != nil {
		return err
	}
	if h.ID != t.id || h.Fingerprint != t.fingerprint || h.FileSize != t.size {
		return fmt.Errorf("%w: #%d %s", ErrHeader, h.ID, h.Fingerprint)
	}
	return e.copyData(t, conn, r, f)
}

// copyData reads exactly t.size bytes followed by their digest and answers
// with a one byte verdict.
func (e *Engine) copyData(t *Transfer, conn net.Conn, r io.Reader, w io.Writer) error {
	hash, _ := blake2b.New256(nil)
	buf := make([]byte, e.config.ChunkSize)
	remaining := t.size
	for remaining > 0 {
		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		if conn != nil {
			conn.SetReadDeadline(time.Now().Add(e.config.RequestTimeout))
		}
		n, err := io.ReadFull(r, chunk)
		if n > 0 {
			if _, wErr := w.Write(chunk[:n]); wErr != nil {
				return fmt.Errorf("write file: %w", wErr)
			}
			hash.Write(chunk[:n])
			remaining -= int64(n)
			t.advance(n)
		}
		if err != nil {
			return fmt.Errorf("read data: %w", err)
		}
	}

	sum := make([]byte, blake2b.Size256)
	if _, err := io.ReadFull(r, sum); err != nil {
		return fmt.Errorf("read digest: %w", err)
	}
	ok := bytes.Equal(sum, hash.Sum(nil))
	if conn != nil {
		verdict := []byte{0}
		if ok {
			verdict[0] = 1
		}
		if _, err := conn.Write(verdict); err != nil && ok {
			return fmt.Errorf("write ack: %w", err)
		}
	}
	if !ok {
		return ErrIntegrity
	}
	return nil
}

// reserveFile creates name in dir, or name_1, name_2 and so on when it is
// taken. It never overwrites.
func reserveFile(dir, name string) (*os.File, string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", err
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = name, ""
	}
	for i := 0; i < maxRenames; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		path := filepath.Join(dir, candidate)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			return f, path, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", err
		}
	}
	return nil, "", fmt.Errorf("no free name for %s in %s", name, dir)
}

// listenTCP binds the first free port from base on. Base 0 picks an
// ephemeral port.
func listenTCP(base, attempts int) (net.Listener, error) {
	if base == 0 {
		return net.Listen("tcp", ":0")
	}
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for port := base; port < base+attempts && port <= 65535; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			return ln, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no free file port in %d-%d: %w", base, base+attempts-1, lastErr)
}
