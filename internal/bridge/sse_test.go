package bridge

import "testing"

func TestFrameDecoder_SingleFrameLF(t *testing.T) {
	var d FrameDecoder
	frames := d.Feed([]byte("event: response.output_text.delta\ndata: {\"a\":1}\n\n"))
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1", len(frames))
	}
	if frames[0].Event != "response.output_text.delta" {
		t.Fatalf("event = %q", frames[0].Event)
	}
	if frames[0].Data != `{"a":1}` {
		t.Fatalf("data = %q", frames[0].Data)
	}
}

func TestFrameDecoder_CRLFBoundary(t *testing.T) {
	var d FrameDecoder
	frames := d.Feed([]byte("data: hello\r\n\r\n"))
	if len(frames) != 1 || frames[0].Data != "hello" {
		t.Fatalf("frames = %#v", frames)
	}
}

func TestFrameDecoder_SplitAcrossFeeds(t *testing.T) {
	var d FrameDecoder
	frames := d.Feed([]byte("data: par"))
	if len(frames) != 0 {
		t.Fatalf("expected no frames from partial feed, got %#v", frames)
	}
	frames = d.Feed([]byte("tial\n\ndata: second\n\n"))
	if len(frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(frames))
	}
	if frames[0].Data != "partial" || frames[1].Data != "second" {
		t.Fatalf("frames = %#v", frames)
	}
}

func TestFrameDecoder_MultilineData(t *testing.T) {
	var d FrameDecoder
	frames := d.Feed([]byte("data: line1\ndata: line2\n\n"))
	if len(frames) != 1 {
		t.Fatalf("len(frames) = %d, want 1", len(frames))
	}
	if frames[0].Data != "line1\nline2" {
		t.Fatalf("data = %q", frames[0].Data)
	}
}

func TestFrameDecoder_FlushTrailingPartial(t *testing.T) {
	var d FrameDecoder
	d.Feed([]byte("data: unterminated"))
	frames := d.Flush()
	if len(frames) != 1 || frames[0].Data != "unterminated" {
		t.Fatalf("frames = %#v", frames)
	}
}

func TestFrameDecoder_CommentLinesIgnored(t *testing.T) {
	var d FrameDecoder
	frames := d.Feed([]byte(": keepalive\n\ndata: real\n\n"))
	if len(frames) != 1 || frames[0].Data != "real" {
		t.Fatalf("frames = %#v, comment-only frame should be skipped", frames)
	}
}
