package offload

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/glycerine/greenpack/msgp"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// =========================
//
// packet structure on a peer stream
//
// 1. algo: a msgpack uint8. 0 means the payload is
//    uncompressed, 1 means s2, 2 means zstd, 3 means
//    lz4 (frame format, which carries its own sizes).
//
// 2. payload: a msgpack bin. Once decompressed, it is
//    a msgpack array of bin, one element per frame.
//
// The sender picks the algo per packet; the receiver
// handles any of them, so two ends need not agree on
// Config.CompressAlgo.
//
// =========================

const (
	algoNone uint8 = 0
	algoS2   uint8 = 1
	algoZstd uint8 = 2
	algoLZ4  uint8 = 3
)

var ErrTooLarge = fmt.Errorf("error: frame list is over the MaxMessage limit")

var ErrBadGreeting = fmt.Errorf("bad greeting from peer")

const greetingMagic = "OFFLOAD/1"

// greeting strings are short; anything longer is not one of ours.
const maxGreetingField = 64

func algoFromName(name string) uint8 {
	switch name {
	case "s2":
		return algoS2
	case "zstd":
		return algoZstd
	case "lz4":
		return algoLZ4
	}
	return algoNone
}

// a frameWriter lets us re-use memory without constantly
// allocating. Each peer's writer goroutine owns one.
type frameWriter struct {
	bw      *bufio.Writer
	w       *msgp.Writer
	algo    uint8
	maxSize int

	scratch []byte
	press   []byte
	zenc    *zstd.Encoder
	lzenc   *lz4.Writer
	lzbuf   bytes.Buffer
}

func newFrameWriter(w io.Writer, algo uint8, maxSize int) (fw *frameWriter, err error) {
	bw := bufio.NewWriter(w)
	fw = &frameWriter{
		bw:      bw,
		w:       msgp.NewWriter(bw),
		algo:    algo,
		maxSize: maxSize,
	}
	if algo == algoZstd {
		fw.zenc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, err
		}
	}
	if algo == algoLZ4 {
		fw.lzenc = lz4.NewWriter(nil)
		options := []lz4.Option{
			lz4.BlockChecksumOption(true),
			lz4.CompressionLevelOption(lz4.Fast),
		}
		if err = fw.lzenc.Apply(options...); err != nil {
			return nil, fmt.Errorf("could not apply lz4 options: '%v'", err)
		}
	}
	return
}

// writeFrames sends one frame list as a single packet.
func (fw *frameWriter) writeFrames(frames [][]byte) error {
	o := msgp.AppendArrayHeader(fw.scratch[:0], uint32(len(frames)))
	for _, f := range frames {
		o = msgp.AppendBytes(o, f)
	}
	fw.scratch = o
	if len(o) > fw.maxSize {
		return fmt.Errorf("%w: %v bytes > %v", ErrTooLarge, len(o), fw.maxSize)
	}

	algo := fw.algo
	payload := o
	switch algo {
	case algoS2:
		fw.press = s2.Encode(fw.press[:cap(fw.press)], o)
		payload = fw.press
	case algoZstd:
		fw.press = fw.zenc.EncodeAll(o, fw.press[:0])
		payload = fw.press
	case algoLZ4:
		fw.lzbuf.Reset()
		fw.lzenc.Reset(&fw.lzbuf)
		if _, err := fw.lzenc.Write(o); err != nil {
			return fmt.Errorf("lz4 encode: %w", err)
		}
		if err := fw.lzenc.Close(); err != nil {
			return fmt.Errorf("lz4 encode: %w", err)
		}
		payload = fw.lzbuf.Bytes()
	}
	if algo != algoNone && len(payload) >= len(o) {
		// incompressible; do not make it bigger.
		algo = algoNone
		payload = o
	}

	if err := fw.w.WriteUint8(algo); err != nil {
		return err
	}
	if err := fw.w.WriteBytes(payload); err != nil {
		return err
	}
	if err := fw.w.Flush(); err != nil {
		return err
	}
	return fw.bw.Flush()
}

func (fw *frameWriter) writeGreeting(typ SocketType) error {
	if err := fw.w.WriteString(greetingMagic); err != nil {
		return err
	}
	if err := fw.w.WriteString(typ.String()); err != nil {
		return err
	}
	if err := fw.w.Flush(); err != nil {
		return err
	}
	return fw.bw.Flush()
}

func (fw *frameWriter) close() {
	if fw.zenc != nil {
		fw.zenc.Close()
	}
}

type frameReader struct {
	r       *msgp.Reader
	maxSize int
	zdec    *zstd.Decoder
	lzdec   *lz4.Reader
	nbs     msgp.NilBitsStack
}

func newFrameReader(r io.Reader, maxSize int) *frameReader {
	return &frameReader{
		r:       msgp.NewReader(r),
		maxSize: maxSize,
	}
}

// readFrames reads one packet. The returned frames
// do not alias any buffer we reuse.
func (fr *frameReader) readFrames() (frames [][]byte, err error) {
	algo, err := fr.r.ReadUint8()
	if err != nil {
		return nil, err
	}
	// check the declared size before we allocate for it.
	n, err := fr.r.ReadBytesHeader()
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(fr.maxSize) {
		return nil, fmt.Errorf("%w: peer declared %v bytes > %v", ErrTooLarge, n, fr.maxSize)
	}
	payload := make([]byte, n)
	if _, err = fr.r.ReadFull(payload); err != nil {
		return nil, err
	}
	switch algo {
	case algoNone:
	case algoS2:
		n, err := s2.DecodedLen(payload)
		if err != nil {
			return nil, fmt.Errorf("s2 header: %w", err)
		}
		if n > fr.maxSize {
			return nil, fmt.Errorf("%w: s2 payload would decode to %v bytes > %v", ErrTooLarge, n, fr.maxSize)
		}
		payload, err = s2.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("s2 decode: %w", err)
		}
	case algoZstd:
		if fr.zdec == nil {
			fr.zdec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(uint64(fr.maxSize)))
			if err != nil {
				return nil, err
			}
		}
		payload, err = fr.zdec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decode: %w", err)
		}
	case algoLZ4:
		if fr.lzdec == nil {
			fr.lzdec = lz4.NewReader(nil)
		}
		fr.lzdec.Reset(bytes.NewReader(payload))
		payload, err = io.ReadAll(io.LimitReader(fr.lzdec, int64(fr.maxSize)+1))
		if err != nil {
			return nil, fmt.Errorf("lz4 decode: %w", err)
		}
		if len(payload) > fr.maxSize {
			return nil, fmt.Errorf("%w: lz4 payload decodes to more than %v bytes", ErrTooLarge, fr.maxSize)
		}
	default:
		return nil, fmt.Errorf("unknown compression algo %v on the wire", algo)
	}

	sz, o, err := fr.nbs.ReadArrayHeaderBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("frame list header: %w", err)
	}
	frames = make([][]byte, 0, sz)
	for i := uint32(0); i < sz; i++ {
		var f []byte
		// payload is freshly allocated for us, so keeping
		// sub-slices of it is fine.
		f, o, err = fr.nbs.ReadBytesZC(o)
		if err != nil {
			return nil, fmt.Errorf("frame %v of %v: %w", i, sz, err)
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// readGreeting returns the peer's socket type.
func (fr *frameReader) readGreeting() (typ SocketType, err error) {
	magic, err := fr.readShortString()
	if err != nil {
		return 0, err
	}
	if magic != greetingMagic {
		return 0, fmt.Errorf("%w: magic '%v', wanted '%v'", ErrBadGreeting, magic, greetingMagic)
	}
	name, err := fr.readShortString()
	if err != nil {
		return 0, err
	}
	typ = socketTypeFromString(name)
	if typ == 0 {
		return 0, fmt.Errorf("%w: unknown socket type '%v'", ErrBadGreeting, name)
	}
	return
}

func (fr *frameReader) readShortString() (string, error) {
	n, err := fr.r.ReadStringHeader()
	if err != nil {
		return "", err
	}
	if n > maxGreetingField {
		return "", fmt.Errorf("%w: %v byte field", ErrBadGreeting, n)
	}
	buf := make([]byte, n)
	if _, err = fr.r.ReadFull(buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func (fr *frameReader) close() {
	if fr.zdec != nil {
		fr.zdec.Close()
	}
}
