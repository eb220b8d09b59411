package service

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zzenonn/shardb/internal/domain"
	apperrors "github.com/zzenonn/shardb/internal/errors"
)

func shardMeta(encoded EncodedShard) domain.ShardBackup {
	sb := domain.ShardBackup{
		OriginalSize: encoded.OriginalSize,
		EncodedSize:  encoded.EncodedSize,
		PieceSize:    encoded.PieceSize,
	}
	for i, h := range encoded.Hashes {
		sb.Pieces = append(sb.Pieces, domain.Piece{Index: i, Hash: h})
	}
	return sb
}

func clonePieces(pieces [][]byte) [][]byte {
	out := make([][]byte, len(pieces))
	for i, p := range pieces {
		out[i] = append([]byte(nil), p...)
	}
	return out
}

func TestEncodeDecodeShard(t *testing.T) {
	inputs := map[string][]byte{
		"empty":  nil,
		"single": []byte("x"),
		"ndjson": []byte(strings.Repeat(`{"id":1,"name":"James"}`+"\n", 200)),
	}

	for name, data := range inputs {
		for _, compress := range []bool{false, true} {
			t.Run(name, func(t *testing.T) {
				encoded, err := EncodeShard(data, 4, 2, compress)
				require.NoError(t, err)
				require.Len(t, encoded.Pieces, 6)
				assert.Equal(t, int64(len(data)), encoded.OriginalSize)

				got, err := DecodeShard(clonePieces(encoded.Pieces), shardMeta(encoded), 4, 2, compress)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(data, got), "round trip changed the data")
			})
		}
	}
}

func TestDecodeShardReconstructsLostPieces(t *testing.T) {
	data := []byte(strings.Repeat(`{"state":"NY","value":10}`+"\n", 50))
	encoded, err := EncodeShard(data, 4, 2, true)
	require.NoError(t, err)
	meta := shardMeta(encoded)

	pieces := clonePieces(encoded.Pieces)
	pieces[0] = nil
	pieces[3][0] ^= 0xff // corrupt, caught by the hash

	got, err := DecodeShard(pieces, meta, 4, 2, true)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestDecodeShardNeedsEnoughPieces(t *testing.T) {
	encoded, err := EncodeShard([]byte("some shard content\n"), 4, 2, false)
	require.NoError(t, err)

	pieces := clonePieces(encoded.Pieces)
	pieces[0], pieces[1], pieces[5] = nil, nil, nil

	_, err = DecodeShard(pieces, shardMeta(encoded), 4, 2, false)
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientShards))
}

func TestDecodeShardRejectsWrongPieceCount(t *testing.T) {
	encoded, err := EncodeShard([]byte("abc"), 2, 1, false)
	require.NoError(t, err)
	_, err = DecodeShard(encoded.Pieces, shardMeta(encoded), 4, 2, false)
	assert.Error(t, err)
}
