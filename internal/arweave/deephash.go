// Package arweave implements the anchor-network protocol primitives the
// pipeline needs: the deep hash used for transaction signatures, the merkle
// data root over 256 KiB payload chunks, and RSA-PSS transaction signing.
package arweave

import (
	"crypto/sha512"
	"strconv"
)

// DeepHashItem is a node of the deep-hash input structure: either a byte
// blob or a list of items.
type DeepHashItem struct {
	Blob []byte
	List []DeepHashItem
}

// BlobItem wraps bytes as a deep-hash leaf.
func BlobItem(b []byte) DeepHashItem {
	return DeepHashItem{Blob: b}
}

// ListItem wraps items as a deep-hash list.
func ListItem(items ...DeepHashItem) DeepHashItem {
	return DeepHashItem{List: items}
}

// DeepHash computes the 48-byte SHA-384 deep hash of the item.
//
// Blobs hash as SHA-384(SHA-384("blob" + byteLength) || SHA-384(data)).
// Lists hash by folding SHA-384(acc || DeepHash(elem)) over the elements,
// starting from acc = SHA-384("list" + length).
func DeepHash(item DeepHashItem) [48]byte {
	if item.List == nil {
		tag := []byte("blob" + strconv.Itoa(len(item.Blob)))
		tagHash := sha512.Sum384(tag)
		blobHash := sha512.Sum384(item.Blob)
		return sha512.Sum384(append(tagHash[:], blobHash[:]...))
	}

	tag := []byte("list" + strconv.Itoa(len(item.List)))
	acc := sha512.Sum384(tag)
	for _, elem := range item.List {
		elemHash := DeepHash(elem)
		acc = sha512.Sum384(append(acc[:], elemHash[:]...))
	}
	return acc
}
