package service

import (
	"bytes"
	"fmt"
	"testing"
)

func ndjson(size int) []byte {
	var buf bytes.Buffer
	for i := 0; buf.Len() < size; i++ {
		fmt.Fprintf(&buf, `{"id":%d,"name":"user-%d","state":"NY","score":%d}`+"\n", i, i, i%97)
	}
	return buf.Bytes()[:size]
}

func BenchmarkEncodeShard(b *testing.B) {
	testSizes := []struct {
		name string
		size int
	}{
		{"1KB", 1024},
		{"100KB", 100 * 1024},
		{"1MB", 1024 * 1024},
		{"10MB", 10 * 1024 * 1024},
	}

	for _, size := range testSizes {
		data := ndjson(size.size)
		for _, compress := range []bool{false, true} {
			b.Run(fmt.Sprintf("%s/compress=%t", size.name, compress), func(b *testing.B) {
				b.SetBytes(int64(len(data)))
				b.ResetTimer()
				b.ReportAllocs()

				for i := 0; i < b.N; i++ {
					if _, err := EncodeShard(data, 4, 2, compress); err != nil {
						b.Fatalf("EncodeShard failed: %v", err)
					}
				}
			})
		}
	}
}

func BenchmarkDecodeShardWithLostPieces(b *testing.B) {
	data := ndjson(1024 * 1024)
	enc, err := EncodeShard(data, 4, 2, true)
	if err != nil {
		b.Fatalf("EncodeShard failed: %v", err)
	}
	meta := shardMeta(enc)

	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		pieces := clonePieces(enc.Pieces)
		pieces[0], pieces[3] = nil, nil
		if _, err := DecodeShard(pieces, meta, 4, 2, true); err != nil {
			b.Fatalf("DecodeShard failed: %v", err)
		}
	}
}
