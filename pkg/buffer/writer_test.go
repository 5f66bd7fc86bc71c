package buffer

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/neilotoole/slogt"
	"github.com/pgforge/wire/pkg/types"
)

func TestWriterFrameLayout(t *testing.T) {
	output := &bytes.Buffer{}
	writer := NewWriter(slogt.New(t), output)

	writer.Start(types.ServerReady)
	writer.AddByte('I')
	if err := writer.End(); err != nil {
		t.Fatal(err)
	}

	frame := output.Bytes()
	if frame[0] != byte(types.ServerReady) {
		t.Fatalf("unexpected message type: %d", frame[0])
	}

	length := binary.BigEndian.Uint32(frame[1:5])
	if length != 5 {
		t.Fatalf("unexpected message length: %d", length)
	}

	if len(frame) != 6 {
		t.Fatalf("unexpected frame size: %d", len(frame))
	}
}

func TestWriterUntypedFrame(t *testing.T) {
	output := &bytes.Buffer{}
	writer := NewWriter(slogt.New(t), output)

	writer.StartUntyped()
	writer.AddInt32(int32(types.VersionSSLRequest))
	if err := writer.End(); err != nil {
		t.Fatal(err)
	}

	frame := output.Bytes()
	if len(frame) != 8 {
		t.Fatalf("unexpected frame size: %d", len(frame))
	}

	length := binary.BigEndian.Uint32(frame[0:4])
	if length != 8 {
		t.Fatalf("unexpected message length: %d", length)
	}

	code := binary.BigEndian.Uint32(frame[4:8])
	if types.Version(code) != types.VersionSSLRequest {
		t.Fatalf("unexpected request code: %d", code)
	}
}

// TestWriterAtomicFrames asserts that a message is not observable by the
// peer before it has been ended.
func TestWriterAtomicFrames(t *testing.T) {
	output := &bytes.Buffer{}
	writer := NewWriter(slogt.New(t), output)

	writer.Start(types.ServerCommandComplete)
	writer.AddString("SELECT 1")
	writer.AddNullTerminate()

	if output.Len() != 0 {
		t.Fatalf("message has been partially written: %d bytes", output.Len())
	}

	if err := writer.End(); err != nil {
		t.Fatal(err)
	}

	if output.Len() == 0 {
		t.Fatal("message has not been written")
	}
}

func TestWriterReset(t *testing.T) {
	output := &bytes.Buffer{}
	writer := NewWriter(slogt.New(t), output)

	writer.Start(types.ServerCommandComplete)
	writer.AddString("discarded")
	writer.Reset()

	writer.Start(types.ServerReady)
	writer.AddByte('I')
	if err := writer.End(); err != nil {
		t.Fatal(err)
	}

	frame := output.Bytes()
	if frame[0] != byte(types.ServerReady) {
		t.Fatalf("unexpected message type: %d", frame[0])
	}
}
