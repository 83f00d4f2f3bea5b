package arweave

import (
	"encoding/base64"
	"fmt"
	"strconv"
)

// Tag is a name/value pair on a transaction; both halves are stored as
// URL-safe unpadded base64.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewTag encodes a plain-text name/value pair.
func NewTag(name, value string) Tag {
	return Tag{
		Name:  base64.RawURLEncoding.EncodeToString([]byte(name)),
		Value: base64.RawURLEncoding.EncodeToString([]byte(value)),
	}
}

// Transaction is a format-2 transaction envelope. String fields holding
// binary values (id, last_tx, owner, data_root, signature) are URL-safe
// unpadded base64; quantity, reward and data_size are decimal strings.
type Transaction struct {
	Format    int    `json:"format"`
	ID        string `json:"id"`
	LastTx    string `json:"last_tx"`
	Owner     string `json:"owner"`
	Tags      []Tag  `json:"tags"`
	Target    string `json:"target"`
	Quantity  string `json:"quantity"`
	Data      string `json:"data"`
	DataSize  string `json:"data_size"`
	DataRoot  string `json:"data_root"`
	Reward    string `json:"reward"`
	Signature string `json:"signature"`
}

// NewDataTransaction builds an unsigned format-2 transaction carrying
// detached data described by its merkle root and size.
func NewDataTransaction(owner, lastTx string, dataSize int64, dataRoot [32]byte, reward string, tags []Tag) *Transaction {
	return &Transaction{
		Format:   2,
		LastTx:   lastTx,
		Owner:    owner,
		Tags:     tags,
		Quantity: "0",
		DataSize: strconv.FormatInt(dataSize, 10),
		DataRoot: base64.RawURLEncoding.EncodeToString(dataRoot[:]),
		Reward:   reward,
	}
}

// SignatureData computes the deep hash a format-2 transaction is signed
// over.
func (t *Transaction) SignatureData() ([48]byte, error) {
	var zero [48]byte

	owner, err := base64.RawURLEncoding.DecodeString(t.Owner)
	if err != nil {
		return zero, fmt.Errorf("decode owner: %w", err)
	}
	target, err := base64.RawURLEncoding.DecodeString(t.Target)
	if err != nil {
		return zero, fmt.Errorf("decode target: %w", err)
	}
	lastTx, err := base64.RawURLEncoding.DecodeString(t.LastTx)
	if err != nil {
		return zero, fmt.Errorf("decode last_tx: %w", err)
	}
	dataRoot, err := base64.RawURLEncoding.DecodeString(t.DataRoot)
	if err != nil {
		return zero, fmt.Errorf("decode data_root: %w", err)
	}

	tagList := make([]DeepHashItem, 0, len(t.Tags))
	for _, tag := range t.Tags {
		name, err := base64.RawURLEncoding.DecodeString(tag.Name)
		if err != nil {
			return zero, fmt.Errorf("decode tag name: %w", err)
		}
		value, err := base64.RawURLEncoding.DecodeString(tag.Value)
		if err != nil {
			return zero, fmt.Errorf("decode tag value: %w", err)
		}
		tagList = append(tagList, ListItem(BlobItem(name), BlobItem(value)))
	}

	return DeepHash(ListItem(
		BlobItem([]byte(strconv.Itoa(t.Format))),
		BlobItem(owner),
		BlobItem(target),
		BlobItem([]byte(t.Quantity)),
		BlobItem([]byte(t.Reward)),
		BlobItem(lastTx),
		DeepHashItem{List: tagList},
		BlobItem([]byte(t.DataSize)),
		BlobItem(dataRoot),
	)), nil
}

// ChunkUpload is the payload of a single chunk upload to the gateway.
type ChunkUpload struct {
	DataRoot string `json:"data_root"`
	DataSize string `json:"data_size"`
	DataPath string `json:"data_path"`
	Offset   string `json:"offset"`
	Chunk    string `json:"chunk"`
}

// NewChunkUpload assembles a chunk upload from the transaction, the proof,
// and the raw chunk bytes.
func NewChunkUpload(t *Transaction, proof Proof, chunk []byte) ChunkUpload {
	return ChunkUpload{
		DataRoot: t.DataRoot,
		DataSize: t.DataSize,
		DataPath: base64.RawURLEncoding.EncodeToString(proof.Path),
		Offset:   strconv.FormatInt(proof.Offset, 10),
		Chunk:    base64.RawURLEncoding.EncodeToString(chunk),
	}
}
