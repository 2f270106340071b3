package rawfile

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chain-walk/blockwalk/pkg/blockdecode"
)

func writeFrame(t *testing.T, f *os.File, payload []byte) {
	t.Helper()
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], blockdecode.MainnetMagic)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	if _, err := f.Write(header); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if _, err := f.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
}

func TestReaderWalksFilesInNumericOrder(t *testing.T) {
	dir := t.TempDir()

	f1, err := os.Create(filepath.Join(dir, "blk00001.dat"))
	if err != nil {
		t.Fatal(err)
	}
	writeFrame(t, f1, []byte("second-file-block"))
	f1.Close()

	f0, err := os.Create(filepath.Join(dir, "blk00000.dat"))
	if err != nil {
		t.Fatal(err)
	}
	writeFrame(t, f0, []byte("first-file-block"))
	f0.Close()

	r, err := New(Options{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := make(chan Span, 8)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := r.Run(ctx, out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	close(out)

	var spans []Span
	for s := range out {
		spans = append(spans, s)
	}
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if string(spans[0].Payload) != "first-file-block" {
		t.Errorf("first span = %q, want the blk00000.dat payload", spans[0].Payload)
	}
	if string(spans[1].Payload) != "second-file-block" {
		t.Errorf("second span = %q, want the blk00001.dat payload", spans[1].Payload)
	}
}

func TestReaderCorruptMagic(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "blk00000.dat"))
	if err != nil {
		t.Fatal(err)
	}
	f.Write([]byte{0x01, 0x02, 0x03, 0x04, 0, 0, 0, 0})
	f.Close()

	r, err := New(Options{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out := make(chan Span, 1)
	err = r.Run(context.Background(), out)
	if err == nil {
		t.Fatalf("expected a corrupt-magic error")
	}
}

func TestReaderCancellation(t *testing.T) {
	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "blk00000.dat"))
	if err != nil {
		t.Fatal(err)
	}
	writeFrame(t, f, make([]byte, 4))
	f.Close()

	r, err := New(Options{Dir: dir, Tail: true, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out := make(chan Span, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-out // let the one span through
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err = r.Run(ctx, out)
	if err != ErrCancelled {
		t.Errorf("Run after cancel = %v, want ErrCancelled", err)
	}
}
