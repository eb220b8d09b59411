package service

import (
	"bytes"
	"fmt"
	"hash/crc64"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/reedsolomon"
	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/shardb/internal/domain"
	apperrors "github.com/zzenonn/shardb/internal/errors"
)

var crcTable = crc64.MakeTable(crc64.ISO)

// EncodedShard is a shard snapshot split into data and parity pieces.
type EncodedShard struct {
	OriginalSize int64
	EncodedSize  int64
	PieceSize    int64
	Pieces       [][]byte
	Hashes       []string
}

// PieceHash returns the hex CRC64 (ISO) of a piece.
func PieceHash(piece []byte) string {
	return fmt.Sprintf("%016x", crc64.Checksum(piece, crcTable))
}

// EncodeShard optionally compresses data and splits it into dataShards data
// pieces plus parityShards parity pieces.
func EncodeShard(data []byte, dataShards, parityShards int, compress bool) (EncodedShard, error) {
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return EncodedShard{}, err
	}

	payload := data
	if compress {
		payload, err = compressBytes(data)
		if err != nil {
			return EncodedShard{}, err
		}
	}

	// Split rejects empty input; an empty shard still gets a full set of pieces.
	split := payload
	if len(split) == 0 {
		split = []byte{0}
	}
	pieces, err := enc.Split(split)
	if err != nil {
		return EncodedShard{}, err
	}
	if err := enc.Encode(pieces); err != nil {
		return EncodedShard{}, err
	}

	hashes := make([]string, len(pieces))
	for i, p := range pieces {
		hashes[i] = PieceHash(p)
	}

	return EncodedShard{
		OriginalSize: int64(len(data)),
		EncodedSize:  int64(len(payload)),
		PieceSize:    int64(len(pieces[0])),
		Pieces:       pieces,
		Hashes:       hashes,
	}, nil
}

// DecodeShard rebuilds a shard from its pieces. A nil piece is missing; a
// piece whose hash does not match the manifest is treated the same way.
func DecodeShard(pieces [][]byte, meta domain.ShardBackup, dataShards, parityShards int, compressed bool) ([]byte, error) {
	total := dataShards + parityShards
	if len(meta.Pieces) != total {
		return nil, fmt.Errorf("shard %d lists %d pieces, expected %d", meta.Shard, len(meta.Pieces), total)
	}

	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}

	work := make([][]byte, total)
	copy(work, pieces)
	available := 0
	for _, p := range meta.Pieces {
		if p.Index < 0 || p.Index >= total {
			return nil, fmt.Errorf("shard %d: piece index %d out of range", meta.Shard, p.Index)
		}
		piece := work[p.Index]
		if piece == nil {
			continue
		}
		if PieceHash(piece) != p.Hash {
			log.WithFields(log.Fields{"shard": meta.Shard, "piece": p.Index}).Warn("piece hash mismatch, treating as missing")
			work[p.Index] = nil
			continue
		}
		available++
	}
	if available < dataShards {
		return nil, fmt.Errorf("shard %d: %d of %d pieces usable, need %d: %w",
			meta.Shard, available, total, dataShards, apperrors.ErrInsufficientShards)
	}

	if available < total {
		if err := enc.ReconstructData(work); err != nil {
			return nil, fmt.Errorf("shard %d: %w", meta.Shard, err)
		}
	}

	var buf bytes.Buffer
	if err := enc.Join(&buf, work, int(meta.EncodedSize)); err != nil {
		return nil, fmt.Errorf("shard %d: %w", meta.Shard, err)
	}

	data := buf.Bytes()
	if compressed {
		data, err = decompressBytes(data)
		if err != nil {
			return nil, fmt.Errorf("shard %d: %w", meta.Shard, err)
		}
	}
	if int64(len(data)) != meta.OriginalSize {
		return nil, fmt.Errorf("shard %d: restored %d bytes, expected %d", meta.Shard, len(data), meta.OriginalSize)
	}
	return data, nil
}

func compressBytes(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompressBytes(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress shard: %w", err)
	}
	return out, nil
}
