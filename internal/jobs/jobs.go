// Package jobs implements the pipeline stages: plan, prepare, post, seed,
// verify, and the new-data-item insert consumer.
package jobs

import (
	"github.com/permanode/fulfillment/internal/arweave"
)

// Transaction tags attached to every bundle envelope.
const (
	bundleFormatTag  = "binary"
	bundleVersionTag = "2.0.0"
	appName          = "permanode-fulfillment"
	appVersion       = "1.0.0"
)

// Signer signs bundle transactions. *arweave.Wallet satisfies it; tests
// provide fakes.
type Signer interface {
	Owner() string
	Address() string
	Sign(tx *arweave.Transaction) error
}

func bundleTags() []arweave.Tag {
	return []arweave.Tag{
		arweave.NewTag("Bundle-Format", bundleFormatTag),
		arweave.NewTag("Bundle-Version", bundleVersionTag),
		arweave.NewTag("App-Name", appName),
		arweave.NewTag("App-Version", appVersion),
	}
}
