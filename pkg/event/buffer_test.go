// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package event

import (
	"bytes"
	"testing"
)

func TestBufferPushShift(t *testing.T) {
	tests := []struct {
		name  string
		push  []string
		shift int
		want  string
		rest  string
	}{
		{"empty shift", nil, 4, "", ""},
		{"exact", []string{"hello"}, 5, "hello", ""},
		{"prefix", []string{"hello world"}, 5, "hello", " world"},
		{"across chunks", []string{"foo", "bar", "baz"}, 5, "fooba", "rbaz"},
		{"over-shift", []string{"ab"}, 10, "ab", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuffer()
			total := 0
			for _, p := range tt.push {
				b.PushString(p)
				total += len(p)
			}
			if b.Size() != total {
				t.Fatalf("Size() = %d, want %d", b.Size(), total)
			}
			got := b.Shift(tt.shift)
			if string(got.Bytes()) != tt.want {
				t.Errorf("Shift(%d) = %q, want %q", tt.shift, got.Bytes(), tt.want)
			}
			if string(b.Bytes()) != tt.rest {
				t.Errorf("rest = %q, want %q", b.Bytes(), tt.rest)
			}
			if got.Size()+b.Size() != total {
				t.Errorf("size conservation broken: %d + %d != %d", got.Size(), b.Size(), total)
			}
		})
	}
}

func TestBufferLargePush(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), ChunkSize*2+17)
	b := NewBuffer()
	b.Push(payload)
	if b.Size() != len(payload) {
		t.Fatalf("Size() = %d, want %d", b.Size(), len(payload))
	}
	if !bytes.Equal(b.Bytes(), payload) {
		t.Fatal("payload mismatch after chunked push")
	}
}

func TestBufferCloneShares(t *testing.T) {
	b := NewBuffer()
	b.PushString("shared storage")
	c := b.Clone()
	if string(c.Bytes()) != "shared storage" {
		t.Fatalf("clone = %q", c.Bytes())
	}
	// Consuming the original must not disturb the clone.
	b.Shift(7).Release()
	if string(c.Bytes()) != "shared storage" {
		t.Errorf("clone changed after original shift: %q", c.Bytes())
	}
	b.Release()
	if string(c.Bytes()) != "shared storage" {
		t.Errorf("clone changed after original release: %q", c.Bytes())
	}
}

func TestBufferPushBuffer(t *testing.T) {
	a := NewBuffer()
	a.PushString("left-")
	src := NewBuffer()
	src.PushString("right")
	a.PushBuffer(src)
	if string(a.Bytes()) != "left-right" {
		t.Fatalf("got %q", a.Bytes())
	}
	if string(src.Bytes()) != "right" {
		t.Errorf("source changed: %q", src.Bytes())
	}
}

func TestBufferChunksIteration(t *testing.T) {
	b := NewBuffer()
	b.PushString("abc")
	b.PushString("def")
	var got []byte
	b.Chunks(func(p []byte) bool {
		got = append(got, p...)
		return true
	})
	if string(got) != "abcdef" {
		t.Fatalf("got %q", got)
	}
}

func TestBufferByteAt(t *testing.T) {
	b := NewBuffer()
	b.PushString("0123")
	b.PushString("4567")
	for i := 0; i < 8; i++ {
		if b.ByteAt(i) != byte('0'+i) {
			t.Fatalf("ByteAt(%d) = %c", i, b.ByteAt(i))
		}
	}
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindOK, "ok"},
		{KindConnectionReset, "connection-reset"},
		{KindConnectionRefused, "connection-refused"},
		{KindConnectionTimeout, "connection-timeout"},
		{KindReadTimeout, "read-timeout"},
		{KindWriteTimeout, "write-timeout"},
		{KindBufferOverflow, "buffer-overflow"},
		{KindProtocolError, "protocol-error"},
		{KindReplay, "replay"},
		{KindUnknown, "unknown"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestCloneEventSharesData(t *testing.T) {
	d := NewData([]byte("payload"))
	c := CloneEvent(d).(*Data)
	if string(c.Bytes()) != "payload" {
		t.Fatalf("clone = %q", c.Bytes())
	}
	end := CloneEvent(&StreamEnd{Err: KindReplay}).(*StreamEnd)
	if end.Err != KindReplay {
		t.Errorf("clone lost error kind")
	}
}
