package buffer

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/pgforge/wire/pkg/types"
)

func TestReadTypedMsg(t *testing.T) {
	input := &bytes.Buffer{}

	writer := NewWriter(slogt.New(t), input)
	writer.Start(types.ServerMessage(types.ClientSimpleQuery))
	writer.AddString("SELECT 1")
	writer.AddNullTerminate()
	if err := writer.End(); err != nil {
		t.Fatal(err)
	}

	reader := NewReader(slogt.New(t), input, DefaultMaxMessageSize)
	typed, length, err := reader.ReadTypedMsg()
	if err != nil {
		t.Fatal(err)
	}

	if typed != types.ClientSimpleQuery {
		t.Fatalf("unexpected message type: %d", typed)
	}

	if length != len("SELECT 1")+1+4 {
		t.Fatalf("unexpected message length: %d", length)
	}

	query, err := reader.GetString()
	if err != nil {
		t.Fatal(err)
	}

	if query != "SELECT 1" {
		t.Fatalf("unexpected query: %s", query)
	}
}

// TestFragmentedStream asserts that the decoder produces the same message
// sequence regardless of how the incoming byte stream is fragmented.
func TestFragmentedStream(t *testing.T) {
	frame := &bytes.Buffer{}
	writer := NewWriter(slogt.New(t), frame)

	for i := 0; i < 3; i++ {
		writer.Start(types.ServerMessage(types.ClientSimpleQuery))
		writer.AddString("SELECT 1")
		writer.AddNullTerminate()
		if err := writer.End(); err != nil {
			t.Fatal(err)
		}
	}

	stream := frame.Bytes()
	for _, chunk := range []int{1, 2, 3, 5, 7, len(stream)} {
		reader := NewReader(slogt.New(t), iotest(stream, chunk), DefaultMaxMessageSize)

		for i := 0; i < 3; i++ {
			typed, _, err := reader.ReadTypedMsg()
			if err != nil {
				t.Fatal(err)
			}

			if typed != types.ClientSimpleQuery {
				t.Fatalf("unexpected message type: %d", typed)
			}

			query, err := reader.GetString()
			if err != nil {
				t.Fatal(err)
			}

			if query != "SELECT 1" {
				t.Fatalf("unexpected query: %s", query)
			}
		}

		_, _, err := reader.ReadTypedMsg()
		if err != io.EOF {
			t.Fatalf("expected the stream to be drained, got: %v", err)
		}
	}
}

// iotest returns a reader delivering the given stream in chunks of at most
// the given size.
func iotest(stream []byte, chunk int) io.Reader {
	return &chunkReader{stream: stream, chunk: chunk}
}

type chunkReader struct {
	stream []byte
	chunk  int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.stream) == 0 {
		return 0, io.EOF
	}

	size := r.chunk
	if size > len(r.stream) {
		size = len(r.stream)
	}
	if size > len(p) {
		size = len(p)
	}

	n := copy(p, r.stream[:size])
	r.stream = r.stream[n:]
	return n, nil
}

func TestMessageSizeExceeded(t *testing.T) {
	input := &bytes.Buffer{}
	writer := NewWriter(slogt.New(t), input)
	writer.Start(types.ServerMessage(types.ClientSimpleQuery))
	writer.AddString("SELECT * FROM exceeding")
	writer.AddNullTerminate()
	if err := writer.End(); err != nil {
		t.Fatal(err)
	}

	reader := NewReader(slogt.New(t), input, 8)
	_, _, err := reader.ReadTypedMsg()
	if !errors.Is(err, ErrMessageSizeExceeded) {
		t.Fatalf("expected a message size exceeded error, got: %v", err)
	}

	unwrapped, has := UnwrapMessageSizeExceeded(err)
	if !has {
		t.Fatal("expected to unwrap the message size exceeded error")
	}

	if unwrapped.Max != 8 {
		t.Fatalf("unexpected maximum: %d", unwrapped.Max)
	}

	// NOTE: the remaining bytes could be slurped in order to recover the
	// connection.
	err = reader.Slurp(unwrapped.Size)
	if err != nil {
		t.Fatal(err)
	}
}

func TestGetStringMissingNulTerminator(t *testing.T) {
	reader := NewReader(slogt.New(t), bytes.NewBuffer(nil), DefaultMaxMessageSize)
	reader.Msg = []byte("no terminator")

	_, err := reader.GetString()
	if !errors.Is(err, ErrMissingNulTerminator) {
		t.Fatalf("expected a missing nul terminator error, got: %v", err)
	}
}

func TestGetBytesInsufficientData(t *testing.T) {
	reader := NewReader(slogt.New(t), bytes.NewBuffer(nil), DefaultMaxMessageSize)
	reader.Msg = []byte{0x01}

	_, err := reader.GetBytes(4)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected an insufficient data error, got: %v", err)
	}
}

// TestDecoderNeverOverreads asserts that the reader does not consume bytes
// past the declared message length.
func TestDecoderNeverOverreads(t *testing.T) {
	input := &bytes.Buffer{}
	writer := NewWriter(slogt.New(t), input)

	writer.Start(types.ServerMessage(types.ClientSimpleQuery))
	writer.AddString("SELECT 1")
	writer.AddNullTerminate()
	if err := writer.End(); err != nil {
		t.Fatal(err)
	}

	trailing := []byte{'X', 0x00, 0x00, 0x00, 0x04}
	input.Write(trailing)

	reader := NewReader(slogt.New(t), input, DefaultMaxMessageSize)
	_, _, err := reader.ReadTypedMsg()
	if err != nil {
		t.Fatal(err)
	}

	typed, _, err := reader.ReadTypedMsg()
	if err != nil {
		t.Fatal(err)
	}

	if typed != types.ClientTerminate {
		t.Fatalf("unexpected message type: %d, the previous message has been overread", typed)
	}
}
