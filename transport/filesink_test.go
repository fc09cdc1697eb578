package transport

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSinkDirectWriteAndTail(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")

	writer := NewFileSink("writer", FileSinkOptions{Path: path, Mode: WriteDirect})
	if err := writer.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer writer.Disconnect()

	tailer := NewFileSink("tailer", FileSinkOptions{Path: path, Mode: WriteDirect})
	if err := tailer.Connect(); err != nil {
		t.Fatalf("connect tailer: %v", err)
	}
	defer tailer.Disconnect()

	recv := &captureReceiver{}
	tailer.SetReceiver(recv)
	if err := tailer.Subscribe(""); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	time.Sleep(10 * time.Millisecond) // let the tail loop seek to EOF first

	if err := writer.Publish(sampleEnv()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(recv.envs) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(recv.envs) != 1 {
		t.Fatalf("expected tail to observe 1 envelope, got %d", len(recv.envs))
	}
}

func TestFileSinkGzipWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl.gz")
	sink := NewFileSink("gz", FileSinkOptions{Path: path, Mode: WriteDirect, Gzip: true})
	sink.Connect()
	if err := sink.Publish(sampleEnv()); err != nil {
		t.Fatalf("publish: %v", err)
	}
	sink.Disconnect()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatalf("expected non-empty gzip output")
	}
}

func TestStdoutPublishOnlyRefusesSubscribe(t *testing.T) {
	s := NewStdout("out")
	s.Connect()
	defer s.Disconnect()
	if err := s.Subscribe("Order"); err == nil {
		t.Fatalf("expected stdout subscribe to fail")
	}
	if err := s.Publish(sampleEnv()); err != nil {
		t.Fatalf("publish: %v", err)
	}
}
