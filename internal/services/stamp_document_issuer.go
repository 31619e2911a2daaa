package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	verificationHashLength    = 32
	defaultStampURLTTL        = 15 * time.Minute
	defaultStampValidity      = 180 * 24 * time.Hour
	stampDocumentContentType  = "application/pdf"
	stampDocumentKeyPrefix    = "stamps/"
	stampDocumentKeyExtension = ".pdf"
)

// StampDocumentRenderer renders the issued document.
type StampDocumentRenderer interface {
	Render(ctx context.Context, cert StampCertificate) ([]byte, error)
}

// StampDocumentStore persists rendered documents server-side encrypted and issues time-boxed
// retrieval URLs.
type StampDocumentStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Presign(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error)
}

// StampDocumentIssuerDeps configures the issuer.
type StampDocumentIssuerDeps struct {
	Renderer StampDocumentRenderer
	Store    StampDocumentStore
	// Secret keys the verification hash.
	Secret        SigningKey
	VerifyBaseURL string
	URLTTL        time.Duration
	Validity      time.Duration
}

// StampDocumentIssuer renders, stores and presigns stamp documents.
type StampDocumentIssuer struct {
	renderer      StampDocumentRenderer
	store         StampDocumentStore
	secret        SigningKey
	verifyBaseURL string
	urlTTL        time.Duration
	validity      time.Duration
}

// IssuedStampDocument is the outcome of a successful issuance.
type IssuedStampDocument struct {
	Document         StampDocument
	VerificationHash string
	IssuedAt         time.Time
	ExpiresAt        time.Time
}

// NewStampDocumentIssuer constructs an issuer.
func NewStampDocumentIssuer(deps StampDocumentIssuerDeps) (*StampDocumentIssuer, error) {
	if deps.Renderer == nil {
		return nil, errors.New("stamp document issuer: renderer is required")
	}
	if deps.Store == nil {
		return nil, errors.New("stamp document issuer: store is required")
	}
	if len(deps.Secret) == 0 {
		return nil, errors.New("stamp document issuer: verification secret is required")
	}
	ttl := deps.URLTTL
	if ttl <= 0 {
		ttl = defaultStampURLTTL
	}
	validity := deps.Validity
	if validity <= 0 {
		validity = defaultStampValidity
	}
	return &StampDocumentIssuer{
		renderer:      deps.Renderer,
		store:         deps.Store,
		secret:        append(SigningKey(nil), deps.Secret...),
		verifyBaseURL: strings.TrimRight(strings.TrimSpace(deps.VerifyBaseURL), "/"),
		urlTTL:        ttl,
		validity:      validity,
	}, nil
}

// Issue renders the document for order, stores it and presigns a retrieval URL. It never mutates
// the order; the caller persists the outcome.
func (i *StampDocumentIssuer) Issue(ctx context.Context, order StampOrder, issuedAt time.Time) (IssuedStampDocument, error) {
	issuedAt = issuedAt.UTC().Truncate(time.Millisecond)
	expiresAt := issuedAt.Add(i.validity)
	hash := VerificationHash(i.secret, order.ID, order.Amounts.StampAmount, issuedAt)

	pdf, err := i.renderer.Render(ctx, StampCertificate{
		Order:            order,
		VerificationHash: hash,
		VerificationURL:  i.VerificationURL(hash),
		IssuedAt:         issuedAt,
		ExpiresAt:        expiresAt,
	})
	if err != nil {
		return IssuedStampDocument{}, fmt.Errorf("render: %w", err)
	}
	if len(pdf) == 0 {
		return IssuedStampDocument{}, errors.New("render: empty document")
	}
	if err := ctx.Err(); err != nil {
		return IssuedStampDocument{}, fmt.Errorf("render: %w", err)
	}

	key := StampDocumentKey(order.ID, issuedAt)
	if err := i.store.Put(ctx, key, pdf, stampDocumentContentType); err != nil {
		return IssuedStampDocument{}, fmt.Errorf("store: %w", err)
	}

	doc, err := i.Refresh(ctx, StampDocument{ObjectKey: key})
	if err != nil {
		return IssuedStampDocument{}, err
	}

	return IssuedStampDocument{
		Document:         doc,
		VerificationHash: hash,
		IssuedAt:         issuedAt,
		ExpiresAt:        expiresAt,
	}, nil
}

// Refresh issues a new presigned URL for an already stored document.
func (i *StampDocumentIssuer) Refresh(ctx context.Context, doc StampDocument) (StampDocument, error) {
	if strings.TrimSpace(doc.ObjectKey) == "" {
		return StampDocument{}, errors.New("presign: object key is required")
	}
	url, expiresAt, err := i.store.Presign(ctx, doc.ObjectKey, i.urlTTL)
	if err != nil {
		return StampDocument{}, fmt.Errorf("presign: %w", err)
	}
	exp := expiresAt.UTC()
	return StampDocument{ObjectKey: doc.ObjectKey, URL: url, URLExpiresAt: &exp}, nil
}

// VerificationURL returns the public verification URL for hash.
func (i *StampDocumentIssuer) VerificationURL(hash string) string {
	if i.verifyBaseURL == "" {
		return hash
	}
	return i.verifyBaseURL + "/" + hash
}

// VerificationHash derives the public verification code for an issued order:
// HMAC-SHA256(secret, "orderId|stampAmount|issuedAtUnixMillis"), first 32 lowercase hex chars.
func VerificationHash(secret SigningKey, orderID string, stampAmount int64, issuedAt time.Time) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(orderID))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(stampAmount, 10)))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(issuedAt.UTC().UnixMilli(), 10)))
	return hex.EncodeToString(mac.Sum(nil))[:verificationHashLength]
}

// StampDocumentKey returns the object key "stamps/{orderId}/{unixMillis}.pdf".
func StampDocumentKey(orderID string, issuedAt time.Time) string {
	return stampDocumentKeyPrefix + orderID + "/" + strconv.FormatInt(issuedAt.UTC().UnixMilli(), 10) + stampDocumentKeyExtension
}
