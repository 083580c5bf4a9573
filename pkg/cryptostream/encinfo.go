package cryptostream

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
)

// fileTypeCookie is the first line of every .encinfo file.
const fileTypeCookie = "FILETYPE:rsyslog-enrcyption-info"

// maxRecordType and maxRecordValue bound one .encinfo record per
// the documented sidecar limits: record type <= 31 bytes; value <= 1023 bytes.
const (
	maxRecordType  = 31
	maxRecordValue = 1023
)

// encinfoRecord is one "TYPE:VALUE\n" line.
type encinfoRecord struct {
	Type  string
	Value string
}

func encinfoPath(logFileName string) string {
	return logFileName + ".encinfo"
}

// writeRecord writes one validated record, enforcing the length limits.
func writeRecord(w io.Writer, rec encinfoRecord) error {
	if len(rec.Type) > maxRecordType {
		return fmt.Errorf("%w: record type %q exceeds %d bytes", ErrInvalidFile, rec.Type, maxRecordType)
	}
	if len(rec.Value) > maxRecordValue {
		return fmt.Errorf("%w: record value exceeds %d bytes", ErrInvalidFile, maxRecordValue)
	}
	if _, err := fmt.Fprintf(w, "%s:%s\n", rec.Type, rec.Value); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// parseRecordLine splits one "TYPE:VALUE" line (without the trailing
// newline, already stripped by the scanner).
func parseRecordLine(line string) (encinfoRecord, error) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return encinfoRecord{}, fmt.Errorf("%w: malformed record %q", ErrInvalidFile, line)
	}
	return encinfoRecord{Type: line[:idx], Value: line[idx+1:]}, nil
}

// sidecar wraps the .encinfo file: an append-only writer in write mode,
// or a buffered line reader in read mode, plus the advisory lock that
// keeps external rotation/queue tooling from torn-writing it
// concurrently (the same flock pattern pkg/backends/file.go uses for
// the primary log file).
type sidecar struct {
	path string
	lock *flock.Flock

	// write mode
	wf *os.File

	// read mode
	rf   *os.File
	scan *bufio.Scanner
}

func openSidecarForWrite(logFileName string) (*sidecar, error) {
	path := encinfoPath(logFileName)
	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("%w: lock %s: %v", ErrOpenFailed, path, err)
	}

	info, statErr := os.Stat(path)
	needsCookie := statErr != nil || info.Size() == 0

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("%w: open %s: %v", ErrOpenFailed, path, err)
	}

	s := &sidecar{path: path, lock: lock, wf: f}
	if needsCookie {
		if _, err := fmt.Fprintf(f, "%s\n", fileTypeCookie); err != nil {
			_ = f.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("%w: write cookie: %v", ErrWriteFailed, err)
		}
	}
	return s, nil
}

func openSidecarForRead(logFileName string) (*sidecar, []encinfoRecord, error) {
	path := encinfoPath(logFileName)
	lock := flock.New(path)
	if err := lock.Lock(); err != nil {
		return nil, nil, fmt.Errorf("%w: lock %s: %v", ErrOpenFailed, path, err)
	}

	f, err := os.Open(path)
	if err != nil {
		_ = lock.Unlock()
		return nil, nil, fmt.Errorf("%w: open %s: %v", ErrOpenFailed, path, err)
	}

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		_ = f.Close()
		_ = lock.Unlock()
		return nil, nil, fmt.Errorf("%w: empty .encinfo", ErrInvalidFile)
	}
	if scanner.Text() != fileTypeCookie {
		_ = f.Close()
		_ = lock.Unlock()
		return nil, nil, fmt.Errorf("%w: bad FILETYPE cookie", ErrInvalidFile)
	}

	var records []encinfoRecord
	for scanner.Scan() {
		rec, err := parseRecordLine(scanner.Text())
		if err != nil {
			_ = f.Close()
			_ = lock.Unlock()
			return nil, nil, err
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		_ = f.Close()
		_ = lock.Unlock()
		return nil, nil, fmt.Errorf("%w: scan: %v", ErrInvalidFile, err)
	}

	return &sidecar{path: path, lock: lock, rf: f, scan: scanner}, records, nil
}

func (s *sidecar) appendIV(ivHex string) error {
	return writeRecord(s.wf, encinfoRecord{Type: "IV", Value: ivHex})
}

func (s *sidecar) appendEnd(offset int64) error {
	return writeRecord(s.wf, encinfoRecord{Type: "END", Value: strconv.FormatInt(offset, 10)})
}

func (s *sidecar) close() error {
	var merr *multierror.Error
	if s.wf != nil {
		if err := s.wf.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if s.rf != nil {
		if err := s.rf.Close(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// deleteSidecar removes the .encinfo file for logFileName, used when
// the host rotates the associated queue file.
func deleteSidecar(logFileName string) error {
	err := os.Remove(encinfoPath(logFileName))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

// decodeIVHex decodes a hex-encoded IV value of the expected length.
func decodeIVHex(value string, blockLen int) ([]byte, error) {
	iv, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: bad IV hex: %v", ErrInvalidFile, err)
	}
	if len(iv) != blockLen {
		return nil, fmt.Errorf("%w: IV length %d != block length %d", ErrInvalidFile, len(iv), blockLen)
	}
	return iv, nil
}
