package db

import (
	"encoding/binary"
)

var (
	// Token versions and their lookup indexes.
	versionsBucket        = []byte("token-versions-bucket")
	tokenVersionsBucket   = []byte("token-versions-by-token-bucket")
	versionChildrenBucket = []byte("version-children-bucket")

	// Approval requests, 1:1 with a token version.
	requestsBucket         = []byte("approval-requests-bucket")
	requestByVersionBucket = []byte("approval-request-by-version-bucket")

	// Validator votes, unique per (request, validator), ordered by
	// acceptance within a request.
	votesBucket            = []byte("validator-votes-bucket")
	voteUniqueBucket       = []byte("validator-vote-unique-bucket")
	votesByValidatorBucket = []byte("validator-votes-by-validator-bucket")

	// Append-only execution audit trail.
	auditBucket = []byte("execution-audit-bucket")

	// Webhook subscriptions.
	webhooksBucket = []byte("webhook-subscriptions-bucket")
)

// sep separates the components of compound keys. Identifiers are UUIDs or
// caller-supplied ids without NUL bytes.
const sep = byte(0x00)

func encodeKey(parts ...string) []byte {
	size := 0
	for _, p := range parts {
		size += len(p) + 1
	}
	key := make([]byte, 0, size)
	for i, p := range parts {
		if i > 0 {
			key = append(key, sep)
		}
		key = append(key, p...)
	}
	return key
}

// encodeSeqKey appends a big-endian sequence number to an id prefix so that
// a cursor prefix scan yields entries in insertion order.
func encodeSeqKey(id string, seq uint64) []byte {
	key := make([]byte, 0, len(id)+9)
	key = append(key, id...)
	key = append(key, sep)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func prefixKey(id string) []byte {
	key := make([]byte, 0, len(id)+1)
	key = append(key, id...)
	return append(key, sep)
}

// encodeVersionNumberKey indexes a version under its parent token with the
// version number so per-token scans come back in version order.
func encodeVersionNumberKey(tokenID string, versionNumber uint64) []byte {
	return encodeSeqKey(tokenID, versionNumber)
}
