package yenc

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encode is a test-only reference encoder: +42 per byte, with NUL, LF, CR and
// the escape byte escaped as '=' + (b+64).
func encode(data []byte, name string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "=ybegin part=1 line=128 size=%d name=%s\r\n", len(data), name)

	col := 0
	for _, b := range data {
		e := byte((int(b) + 42) & 0xff)
		switch e {
		case 0x00, 0x0a, 0x0d, '=':
			buf.WriteByte('=')
			buf.WriteByte(byte((int(e) + 64) & 0xff))
			col += 2
		default:
			buf.WriteByte(e)
			col++
		}
		if col >= 128 {
			buf.WriteString("\r\n")
			col = 0
		}
	}

	fmt.Fprintf(&buf, "\r\n=yend size=%d crc32=ffffffff\r\n", len(data))
	return buf.Bytes()
}

func TestDecodeSimpleBody(t *testing.T) {
	body := []byte("=ybegin part=1 line=128 size=3 name=x\r\n\x90\x91\x92\r\n=yend size=3 crc32=aabbccdd\r\n")

	decoded, header := Decode(body)
	assert.Equal(t, []byte("fgh"), decoded)
	assert.Equal(t, "x", header.Name)
	assert.Equal(t, int64(3), header.Size)
	assert.Equal(t, 1, header.Part)
	assert.Equal(t, 128, header.Line)
	assert.Equal(t, "aabbccdd", header.CRC32)
}

func TestDecodeNameWithSpaces(t *testing.T) {
	body := []byte("=ybegin part=1 size=1 name=my file (1).mkv\r\n\x6a\r\n=yend size=1\r\n")

	decoded, header := Decode(body)
	assert.Equal(t, "my file (1).mkv", header.Name)
	assert.Equal(t, []byte{0x40}, decoded)
}

func TestDecodeWithPartLine(t *testing.T) {
	body := []byte("=ybegin part=2 total=3 line=128 size=9 name=a.bin\r\n" +
		"=ypart begin=4 end=6\r\n" +
		"\x90\x91\x92\r\n" +
		"=yend size=3 pcrc32=00112233\r\n")

	decoded, header := Decode(body)
	assert.Equal(t, []byte("fgh"), decoded)
	assert.Equal(t, 2, header.Part)
	assert.Equal(t, 3, header.Total)
	assert.Equal(t, int64(4), header.Begin)
	assert.Equal(t, int64(6), header.End)
	assert.Equal(t, "00112233", header.PCRC32)
}

func TestDecodeEscapedBytes(t *testing.T) {
	// 0xd4+42 = 0xfe stays literal; 0xe3+42 wraps to 0x0d and must be escaped.
	data := []byte{0x00, 0x0a, 0x0d, '=', 0xd4, 0xe3}
	decoded, _ := Decode(encode(data, "esc.bin"))
	assert.Equal(t, data, decoded)
}

func TestDecodeTrailerMarkerMidLineIsBody(t *testing.T) {
	// "=y" is a legal escape (decodes to 0x0f); followed by the literal
	// encoded bytes for "end " it produces "=yend " inside a body line.
	// Only a line-start =yend terminates the body.
	body := []byte("=ybegin part=1 line=128 size=7 name=tricky.bin\r\n" +
		"k=yend \x84\r\n" +
		"=yend size=7\r\n")

	decoded, header := Decode(body)
	assert.Equal(t, []byte{'A', 0x0f, ';', 'D', ':', 0xf6, 'Z'}, decoded)
	assert.Equal(t, int64(7), header.Size)
}

func TestDecodeMissingHeaderTranslatesRaw(t *testing.T) {
	decoded, header := Decode([]byte{0x90, 0x91, 0x92})
	assert.Equal(t, []byte("fgh"), decoded)
	assert.Equal(t, Header{}, header)
}

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("hello world"),
		bytes.Repeat([]byte{0x00, 0x0a, 0x0d, 0x3d, 0xff}, 100),
	}

	// Every possible byte value, several times over, to cross line breaks.
	all := make([]byte, 0, 256*5)
	for i := 0; i < 5; i++ {
		for b := 0; b < 256; b++ {
			all = append(all, byte(b))
		}
	}
	cases = append(cases, all)

	for i, data := range cases {
		decoded, header := Decode(encode(data, "round.bin"))
		require.Equal(t, data, decoded, "case %d", i)
		require.Equal(t, int64(len(data)), header.Size, "case %d", i)
	}
}
