// Package gateway talks to the anchor-network gateway: posting bundle
// transactions, uploading payload chunks, and reading chain state.
package gateway

import (
	"context"
	"math/big"

	"github.com/permanode/fulfillment/internal/arweave"
)

// TxStatus is the gateway's view of a posted transaction.
type TxStatus struct {
	BlockHeight           int64  `json:"block_height"`
	BlockIndepHash        string `json:"block_indep_hash"`
	NumberOfConfirmations int    `json:"number_of_confirmations"`
}

// Gateway is the anchor-network client used by the post, seed, and verify
// jobs.
type Gateway interface {
	// PostTx submits a signed transaction envelope.
	PostTx(ctx context.Context, tx *arweave.Transaction) error
	// GetTxStatus returns the status of a transaction, or ErrNotFound if
	// the gateway does not know it yet.
	GetTxStatus(ctx context.Context, txID string) (*TxStatus, error)
	// GetTxAnchor returns a recent block hash usable as a transaction
	// anchor.
	GetTxAnchor(ctx context.Context) (string, error)
	// GetBlockHeight returns the current chain tip height.
	GetBlockHeight(ctx context.Context) (int64, error)
	// GetBlockHeightForTxAnchor resolves the height of the block an
	// anchor refers to.
	GetBlockHeightForTxAnchor(ctx context.Context, anchor string) (int64, error)
	// GetBalance returns the winston balance of a wallet address.
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	// UploadChunk uploads one payload chunk with its merkle proof.
	UploadChunk(ctx context.Context, chunk *arweave.ChunkUpload) error
}
