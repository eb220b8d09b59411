package domain

import "time"

// Piece is one erasure coded piece of a shard snapshot.
type Piece struct {
	Index  int    `json:"index" dynamodbav:"index"`
	Bucket string `json:"bucket" dynamodbav:"bucket"`
	Key    string `json:"key" dynamodbav:"key"`
	Hash   string `json:"hash" dynamodbav:"hash"` // CRC64 (ISO) of the stored piece, hex
}

// ShardBackup describes how one shard file was encoded.
type ShardBackup struct {
	Shard        int     `json:"shard" dynamodbav:"shard"`
	OriginalSize int64   `json:"original_size" dynamodbav:"original_size"` // shard file size
	EncodedSize  int64   `json:"encoded_size" dynamodbav:"encoded_size"`   // size after compression
	PieceSize    int64   `json:"piece_size" dynamodbav:"piece_size"`
	Pieces       []Piece `json:"pieces" dynamodbav:"pieces"`
}

// BackupManifest - representation of an erasure coded backup of a dataset
type BackupManifest struct {
	Dataset      string        `json:"dataset" dynamodbav:"dataset"`     // Partition Key
	BackupID     string        `json:"backup_id" dynamodbav:"backup_id"` // Sort Key
	CreatedAt    time.Time     `json:"created_at" dynamodbav:"created_at"`
	ShardCount   int           `json:"shard_count" dynamodbav:"shard_count"`
	DataShards   int           `json:"data_shards" dynamodbav:"data_shards"`
	ParityShards int           `json:"parity_shards" dynamodbav:"parity_shards"`
	Compressed   bool          `json:"compressed" dynamodbav:"compressed"`
	Shards       []ShardBackup `json:"shards" dynamodbav:"shards"`
}

// Prefix is the object key prefix every piece of the backup is stored under.
func (m BackupManifest) Prefix() string {
	return m.Dataset + "/" + m.BackupID + "/"
}
