package cryptostream

import (
	"bytes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"
)

// OpenMode selects which direction a File operates in.
type OpenMode int

const (
	ModeWrite OpenMode = iota
	ModeRead
)

// File is bound to one log file name and its .encinfo sidecar. Per
// the concurrency model, the caller must serialize all access to
// one File from a single goroutine; File does no internal locking of
// its own cipher state (the sidecar's flock only protects the on-disk
// file against external tools).
type File struct {
	ctx         *Context
	logFileName string
	mode        OpenMode
	side        *sidecar
	blockLength int
	closed      bool
	deleteOnClose bool

	// write mode
	encryptor cipher.BlockMode

	// read mode
	decryptor       cipher.BlockMode
	records         []encinfoRecord
	recIdx          int
	priorEnd        int64
	bytesToBlockEnd int64 // -1 means open-ended (no paired END yet)
	atEOF           bool
}

// OpenForWrite opens <logFileName>.encinfo (appending, creating and
// writing the FILETYPE header if needed), seeds a fresh IV from a
// cryptographic random source, initializes the cipher, and writes the
// IV record — one File session corresponds to exactly one block.
func OpenForWrite(ctx *Context, logFileName string) (*File, error) {
	side, err := openSidecarForWrite(logFileName)
	if err != nil {
		return nil, err
	}

	blockLen := ctx.BlockLength()
	iv, err := seedIV(blockLen)
	if err != nil {
		_ = side.close()
		return nil, fmt.Errorf("%w: seed IV: %v", ErrOpenFailed, err)
	}

	block, err := ctx.newCipher()
	if err != nil {
		_ = side.close()
		return nil, err
	}

	if err := side.appendIV(hex.EncodeToString(iv)); err != nil {
		_ = side.close()
		return nil, err
	}

	return &File{
		ctx:         ctx,
		logFileName: logFileName,
		mode:        ModeWrite,
		side:        side,
		blockLength: blockLen,
		encryptor:   cipher.NewCBCEncrypter(block, iv),
	}, nil
}

// OpenForRead opens the .encinfo sidecar, verifies the FILETYPE cookie,
// and positions the File at the first block (reading its IV and, if
// present, its paired END).
func OpenForRead(ctx *Context, logFileName string) (*File, error) {
	side, records, err := openSidecarForRead(logFileName)
	if err != nil {
		return nil, err
	}

	f := &File{
		ctx:             ctx,
		logFileName:     logFileName,
		mode:            ModeRead,
		side:            side,
		blockLength:     ctx.BlockLength(),
		bytesToBlockEnd: -1,
	}
	f.records = records
	if err := f.rollToNextBlock(); err != nil {
		_ = side.close()
		return nil, err
	}
	return f, nil
}

// rollToNextBlock consumes the next IV (and its paired END, if any)
// from the sidecar record list, initializing a fresh decrypt cipher.
func (f *File) rollToNextBlock() error {
	if f.recIdx >= len(f.records) {
		f.atEOF = true
		return nil
	}
	rec := f.records[f.recIdx]
	f.recIdx++
	if rec.Type != "IV" {
		return fmt.Errorf("%w: expected IV record, got %q", ErrInvalidFile, rec.Type)
	}

	iv, err := decodeIVHex(rec.Value, f.blockLength)
	if err != nil {
		return err
	}
	block, err := f.ctx.newCipher()
	if err != nil {
		return err
	}
	f.decryptor = cipher.NewCBCDecrypter(block, iv)

	if f.recIdx < len(f.records) && f.records[f.recIdx].Type == "END" {
		endRec := f.records[f.recIdx]
		f.recIdx++
		end, err := strconv.ParseInt(endRec.Value, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: bad END value: %v", ErrInvalidFile, err)
		}
		f.bytesToBlockEnd = end - f.priorEnd
		f.priorEnd = end
	} else {
		// Block still open (no paired END): the contract requires
		// bytes_to_block_end = -1, not an error.
		f.bytesToBlockEnd = -1
	}
	return nil
}

// BytesLeftInBlock returns bytes_to_block_end. When it has reached
// zero, it automatically rolls to the next block before returning.
func (f *File) BytesLeftInBlock() (int64, error) {
	if f.mode != ModeRead {
		return 0, fmt.Errorf("cryptostream: BytesLeftInBlock is read-mode only")
	}
	if f.bytesToBlockEnd == 0 {
		if err := f.rollToNextBlock(); err != nil {
			return 0, err
		}
	}
	if f.atEOF {
		return 0, io.EOF
	}
	return f.bytesToBlockEnd, nil
}

// EncryptInplace zero-pads buf to the cipher's block boundary and
// encrypts it, returning the (possibly longer) ciphertext. An empty
// input is a no-op per the round-trip law (empty write, empty read back).
func (f *File) EncryptInplace(buf []byte) ([]byte, error) {
	if f.mode != ModeWrite {
		return nil, fmt.Errorf("cryptostream: EncryptInplace is write-mode only")
	}
	if len(buf) == 0 {
		return buf, nil
	}

	padLen := (f.blockLength - len(buf)%f.blockLength) % f.blockLength
	out := make([]byte, len(buf)+padLen)
	copy(out, buf)
	// The remaining padLen bytes are already zero-valued.

	f.encryptor.CryptBlocks(out, out)
	return out, nil
}

// DecryptInplace decrypts buf (which must be a whole number of cipher
// blocks) and strips trailing NUL padding. Per the documented
// limitation, the strip is a best-effort first-NUL compaction, not a
// length-prefixed or PKCS#7 scheme, so it can misfire on plaintext that
// legitimately ends in NUL bytes.
func (f *File) DecryptInplace(buf []byte) ([]byte, error) {
	if f.mode != ModeRead {
		return nil, fmt.Errorf("cryptostream: DecryptInplace is read-mode only")
	}
	if len(buf) == 0 {
		return buf, nil
	}
	if len(buf)%f.blockLength != 0 {
		return nil, fmt.Errorf("cryptostream: ciphertext length %d not a multiple of block length %d", len(buf), f.blockLength)
	}

	out := make([]byte, len(buf))
	copy(out, buf)
	f.decryptor.CryptBlocks(out, out)

	if f.bytesToBlockEnd != -1 {
		f.bytesToBlockEnd -= int64(len(buf))
		if f.bytesToBlockEnd < 0 {
			f.bytesToBlockEnd = 0
		}
	}

	return stripNulPadding(out), nil
}

// stripNulPadding implements the documented (lossy) padding
// removal: find the first NUL byte, then keep only the non-NUL bytes
// from that point on, compacted leftward.
func stripNulPadding(block []byte) []byte {
	i := bytes.IndexByte(block, 0)
	if i < 0 {
		return block
	}
	out := make([]byte, 0, len(block))
	out = append(out, block[:i]...)
	for _, b := range block[i+1:] {
		if b != 0 {
			out = append(out, b)
		}
	}
	return out
}

// Close finalizes the File. In write mode it writes the paired END
// record before closing the sidecar. Close is idempotent: a second
// call is a no-op, per the round-trip law.
func (f *File) Close(finalLogOffset int64) error {
	if f.closed {
		return nil
	}
	f.closed = true

	if f.mode == ModeWrite {
		if err := f.side.appendEnd(finalLogOffset); err != nil {
			_ = f.side.close()
			return err
		}
	}

	if err := f.side.close(); err != nil {
		return err
	}
	if f.deleteOnClose {
		return deleteSidecar(f.logFileName)
	}
	return nil
}

// SetDeleteOnClose marks the sidecar for removal once Close runs,
// mirroring the struct field CryptoFile carries for queue
// subsystems that want the metadata cleaned up alongside the log file.
func (f *File) SetDeleteOnClose(del bool) {
	f.deleteOnClose = del
}

// DeleteState removes the .encinfo sidecar for logFileName. Used when
// the host rotates the associated queue file out from under the
// cipher, independent of any open File.
func DeleteState(logFileName string) error {
	return deleteSidecar(logFileName)
}

var urandomMu sync.Mutex

// seedIV reads blockLen bytes from /dev/urandom. When unavailable, it
// falls back to a non-cryptographic PRNG seeded from the wall clock —
// an intentionally weak path, documented as a known limitation, kept
// only so the stream can still be exercised on hosts without
// /dev/urandom (e.g. some containers/sandboxes).
func seedIV(blockLen int) ([]byte, error) {
	urandomMu.Lock()
	defer urandomMu.Unlock()

	iv := make([]byte, blockLen)
	f, err := os.Open("/dev/urandom")
	if err == nil {
		defer f.Close()
		if _, err := io.ReadFull(f, iv); err == nil {
			return iv, nil
		}
	}

	// Weak fallback: documented limitation, not used when /dev/urandom
	// is available.
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	if _, err := r.Read(iv); err != nil {
		return nil, err
	}
	return iv, nil
}
