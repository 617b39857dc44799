package frame_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/blukai/craftparty/internal/byteorder"
	"github.com/blukai/craftparty/internal/frame"
	"github.com/matryer/is"
)

// chunkedReader hands out at most n bytes per Read call to simulate a
// socket delivering frames in arbitrary pieces.
type chunkedReader struct {
	r io.Reader
	n int
}

func (cr *chunkedReader) Read(p []byte) (int, error) {
	if len(p) > cr.n {
		p = p[:cr.n]
	}
	return cr.r.Read(p)
}

func TestWriteReadRoundTrip(t *testing.T) {
	is := is.New(t)

	payloads := [][]byte{
		[]byte("first"),
		{},
		[]byte("third, after an empty one"),
	}

	buf := bytes.Buffer{}
	for _, payload := range payloads {
		is.NoErr(frame.Write(&buf, payload))
	}

	for _, want := range payloads {
		got, err := frame.Read(&buf)
		is.NoErr(err)
		is.Equal(len(got), len(want))
		is.True(bytes.Equal(got, want))
	}

	_, err := frame.Read(&buf)
	is.True(errors.Is(err, frame.ErrConnectionClosed))
}

func TestReadSurvivesArbitraryChunking(t *testing.T) {
	payloads := [][]byte{
		[]byte("alpha"),
		[]byte("b"),
		bytes.Repeat([]byte{0xab}, 1000),
	}

	whole := bytes.Buffer{}
	for _, payload := range payloads {
		if err := frame.Write(&whole, payload); err != nil {
			t.Fatal(err)
		}
	}
	stream := whole.Bytes()

	for _, chunkSize := range []int{1, 2, 3, 7, 1024} {
		is := is.New(t)

		reader := &chunkedReader{r: bytes.NewReader(stream), n: chunkSize}
		for _, want := range payloads {
			got, err := frame.Read(reader)
			is.NoErr(err)
			is.True(bytes.Equal(got, want))
		}
	}
}

func TestReadPromisedBytesNeverArrive(t *testing.T) {
	is := is.New(t)

	// prefix promises 100 bytes, only 3 follow
	buf := bytes.Buffer{}
	buf.Write(byteorder.Htonl(100))
	buf.Write([]byte{1, 2, 3})

	_, err := frame.Read(&buf)
	is.True(errors.Is(err, frame.ErrConnectionClosed))
}

func TestReadEofInsidePrefix(t *testing.T) {
	is := is.New(t)

	buf := bytes.NewBuffer([]byte{0x00, 0x00})
	_, err := frame.Read(buf)
	is.True(errors.Is(err, frame.ErrConnectionClosed))
}

func TestReadRejectsAbsurdPrefix(t *testing.T) {
	is := is.New(t)

	buf := bytes.Buffer{}
	buf.Write(byteorder.Htonl(frame.MaxPayloadSize + 1))

	_, err := frame.Read(&buf)
	is.True(err != nil)
	is.True(!errors.Is(err, frame.ErrConnectionClosed))
}

func TestWriteFailsWholeFrame(t *testing.T) {
	is := is.New(t)

	err := frame.Write(&failingWriter{}, []byte("payload"))
	is.True(err != nil)
}

type failingWriter struct{}

func (fw *failingWriter) Write(p []byte) (int, error) {
	return 0, io.ErrClosedPipe
}
