package model

import (
	"time"

	"github.com/flowplane/flowplane/internal/flowerr"
)

// SecretKind is the variant of secret material a Secret entity holds.
type SecretKind string

const (
	SecretGeneric           SecretKind = "generic"
	SecretTLSCertificate    SecretKind = "tls_certificate"
	SecretValidationContext SecretKind = "validation_context"
	SecretSessionTicketKeys SecretKind = "session_ticket_keys"
)

// SecretSourceKind distinguishes where a secret's plaintext comes from.
// The builder never chooses between these — it only renders whichever the
// SDS delegate (internal/secrets) resolves at build time (spec.md §4.3).
type SecretSourceKind string

const (
	SourceEncrypted  SecretSourceKind = "encrypted" // database-encrypted ciphertext
	SourceExternalKV SecretSourceKind = "external_kv"
)

// SecretSource names where one piece of secret material lives.
type SecretSource struct {
	Kind       SecretSourceKind
	Ciphertext []byte // opaque to the core; only the SDS delegate decrypts it
	KVPath     string
}

// SessionTicketKey is one 80-byte session ticket key, per spec.md §4.3.
type SessionTicketKey [80]byte

// Secret is a uniquely-named, versioned, tenant-scoped secret. Exactly one
// of the kind-specific fields is populated, matching Kind.
type Secret struct {
	Team    string
	Name    string
	Version uint64
	Kind    SecretKind

	Generic *SecretSource // SecretGeneric

	CertChain  *SecretSource // SecretTLSCertificate
	PrivateKey *SecretSource // SecretTLSCertificate

	ValidationCA *SecretSource // SecretValidationContext

	SessionTicketKeys []SessionTicketKey // SecretSessionTicketKeys

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks that Secret carries the material its Kind requires.
func (s *Secret) Validate() error {
	const op = "model.Secret.Validate"
	if s.Name == "" {
		return flowerr.New(flowerr.Validation, op, "", "secret name must not be empty")
	}
	switch s.Kind {
	case SecretGeneric:
		if s.Generic == nil {
			return flowerr.New(flowerr.Validation, op, s.Name, "generic secret requires material")
		}
	case SecretTLSCertificate:
		if s.CertChain == nil || s.PrivateKey == nil {
			return flowerr.New(flowerr.Validation, op, s.Name, "tls certificate secret requires a cert chain and a private key")
		}
	case SecretValidationContext:
		if s.ValidationCA == nil {
			return flowerr.New(flowerr.Validation, op, s.Name, "validation context secret requires a CA")
		}
	case SecretSessionTicketKeys:
		if len(s.SessionTicketKeys) == 0 {
			return flowerr.New(flowerr.Validation, op, s.Name, "session ticket keys secret requires at least one key")
		}
	default:
		return flowerr.New(flowerr.Validation, op, s.Name, "unknown secret kind")
	}
	return nil
}
