package binance

import "testing"

func TestChunkStreams(t *testing.T) {
	streams := make([]string, 0, 205)
	for i := 0; i < 205; i++ {
		streams = append(streams, "s")
	}
	chunks := chunkStreams(streams, 100)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	if len(chunks[0]) != 100 || len(chunks[1]) != 100 || len(chunks[2]) != 5 {
		t.Fatalf("chunk sizes = %d/%d/%d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestChunkStreamsSmallInput(t *testing.T) {
	chunks := chunkStreams([]string{"a", "b"}, 100)
	if len(chunks) != 1 || len(chunks[0]) != 2 {
		t.Fatalf("chunks = %+v", chunks)
	}
	if chunkStreams(nil, 100) != nil {
		t.Fatal("expected nil for empty input")
	}
}
