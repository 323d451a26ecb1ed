// Package cryptoutil verifies detached signatures over configuration
// documents with asymmetric KMS keys. The public key is fetched once and
// verification happens locally, so KMS Verify quotas are never consumed.
package cryptoutil
