package provider

import (
	"math/rand/v2"
	"reflect"
	"testing"
)

const sampleStream = "event: status\ndata: {\"status\":\"thinking\",\"message\":\"working\"}\n\n" +
	"event: token\ndata: {\"text\":\"Hel\",\"accumulated\":\"Hel\"}\n\n" +
	": keep-alive comment\n\n" +
	"event: token\r\ndata: {\"text\":\"lo\",\"accumulated\":\"Hello\"}\r\n\r\n" +
	"data: {\"orphan\":true}\n\n" +
	"event: executions\ndata: {\"executions\":[{\"command\":\"ls\",\"output\":\"a b\"}]}\n\n" +
	"event: complete\ndata: {\"response\":\"Hello\",\"commandsExecuted\":1}\n\n"

func decodeAll(chunks [][]byte) []Frame {
	var d Decoder
	var out []Frame
	for _, c := range chunks {
		out = append(out, d.Feed(c)...)
	}
	d.Finish()
	return out
}

func TestDecoder_SingleChunk(t *testing.T) {
	frames := decodeAll([][]byte{[]byte(sampleStream)})
	want := []string{EventStatus, EventToken, EventToken, EventExecutions, EventComplete}
	if len(frames) != len(want) {
		t.Fatalf("expected %d frames, got %d: %+v", len(want), len(frames), frames)
	}
	for i, ev := range want {
		if frames[i].Event != ev {
			t.Errorf("frame %d: event %q, want %q", i, frames[i].Event, ev)
		}
	}
	if frames[2].Data != `{"text":"lo","accumulated":"Hello"}` {
		t.Errorf("CRLF record not normalized: %q", frames[2].Data)
	}
}

// Any split of the body must decode to the same frames as the whole body.
func TestDecoder_SplitInvariance(t *testing.T) {
	whole := decodeAll([][]byte{[]byte(sampleStream)})
	body := []byte(sampleStream)

	for i := 0; i <= len(body); i++ {
		got := decodeAll([][]byte{body[:i], body[i:]})
		if !reflect.DeepEqual(got, whole) {
			t.Fatalf("split at %d: got %+v", i, got)
		}
	}

	rng := rand.New(rand.NewPCG(1, 2))
	for trial := 0; trial < 200; trial++ {
		var chunks [][]byte
		rest := body
		for len(rest) > 0 {
			n := 1 + rng.IntN(17)
			if n > len(rest) {
				n = len(rest)
			}
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		if got := decodeAll(chunks); !reflect.DeepEqual(got, whole) {
			t.Fatalf("trial %d: got %+v", trial, got)
		}
	}
}

func TestDecoder_TrailingPartialDiscarded(t *testing.T) {
	var d Decoder
	frames := d.Feed([]byte("event: token\ndata: {\"text\":\"a\",\"accumulated\":\"a\"}\n\nevent: complete\ndata: {\"resp"))
	if len(frames) != 1 {
		t.Fatalf("expected 1 complete frame, got %d", len(frames))
	}
	if d.Buffered() == 0 {
		t.Fatal("expected partial bytes to be buffered")
	}
	if dropped := d.Finish(); dropped == 0 {
		t.Fatal("Finish should report dropped bytes")
	}
	if d.Buffered() != 0 {
		t.Fatal("buffer should be empty after Finish")
	}
}

func TestDecoder_MultiLineData(t *testing.T) {
	var d Decoder
	frames := d.Feed([]byte("event: status\ndata: {\"status\":\ndata: \"x\"}\n\n"))
	if len(frames) != 1 || frames[0].Data != "{\"status\":\n\"x\"}" {
		t.Fatalf("unexpected frames: %+v", frames)
	}
}

func TestDecoder_RecordWithoutEventIgnored(t *testing.T) {
	var d Decoder
	if frames := d.Feed([]byte("data: {}\n\nevent: status\n\n")); len(frames) != 0 {
		t.Fatalf("expected no frames, got %+v", frames)
	}
}
