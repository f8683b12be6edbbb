package settings

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// SchemaVersion identifies the package layout.
	SchemaVersion = 1
	Algorithm     = "hmac-sha256"
)

var (
	// ErrSignatureMismatch is returned when a package's hash does not match
	// its settings payload.
	ErrSignatureMismatch = errors.New("settings signature mismatch")
	// ErrNoSecret is returned when signing or verifying without a key.
	ErrNoSecret = errors.New("settings secret is not configured")
	// ErrMalformedPackage is returned for input that is not a settings package.
	ErrMalformedPackage = errors.New("malformed settings package")
)

type Signature struct {
	Hash      string `json:"hash"`
	Algorithm string `json:"algorithm"`
}

// Package is the portable, signed form of Settings.
type Package struct {
	Schema    int             `json:"schema"`
	Settings  json.RawMessage `json:"settings"`
	Signature Signature       `json:"signature"`
}

// BuildExportPackage signs st with secret.
func BuildExportPackage(st Settings, secret []byte) (Package, error) {
	if len(secret) == 0 {
		return Package{}, ErrNoSecret
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return Package{}, fmt.Errorf("encode settings: %w", err)
	}
	sum, err := sign(raw, secret)
	if err != nil {
		return Package{}, err
	}
	return Package{
		Schema:    SchemaVersion,
		Settings:  raw,
		Signature: Signature{Hash: sum, Algorithm: Algorithm},
	}, nil
}

// sign hashes the compacted payload so formatting does not affect the
// signature.
func sign(payload, secret []byte) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return "", fmt.Errorf("%w: settings payload: %v", ErrMalformedPackage, err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(buf.Bytes())
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Encode renders pkg as indented JSON.
func Encode(pkg Package) ([]byte, error) {
	return json.MarshalIndent(pkg, "", "  ")
}

// Decode parses a package without verifying it.
func Decode(data []byte) (Package, error) {
	var pkg Package
	if err := json.Unmarshal(data, &pkg); err != nil {
		return Package{}, fmt.Errorf("%w: %v", ErrMalformedPackage, err)
	}
	if pkg.Schema != SchemaVersion {
		return Package{}, fmt.Errorf("%w: unsupported schema %d", ErrMalformedPackage, pkg.Schema)
	}
	if len(pkg.Settings) == 0 {
		return Package{}, fmt.Errorf("%w: missing settings", ErrMalformedPackage)
	}
	return pkg, nil
}

// Verify reports whether pkg's signature matches its settings payload.
func Verify(pkg Package, secret []byte) bool {
	if len(secret) == 0 || pkg.Signature.Algorithm != Algorithm {
		return false
	}
	want, err := hex.DecodeString(pkg.Signature.Hash)
	if err != nil {
		return false
	}
	sum, err := sign(pkg.Settings, secret)
	if err != nil {
		return false
	}
	got, _ := hex.DecodeString(sum)
	return hmac.Equal(got, want)
}

// ImportResult is what an import surfaces to the caller.
type ImportResult struct {
	Settings Settings `json:"settings"`
	Valid    bool     `json:"valid"`
	Applied  bool     `json:"applied"`
	Warning  string   `json:"warning,omitempty"`
}

// Import decodes and verifies data. A signature mismatch returns the
// decoded snapshot with a warning and ErrSignatureMismatch.
func Import(data, secret []byte) (*ImportResult, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	pkg, err := Decode(data)
	if err != nil {
		return nil, err
	}
	st := Default()
	if err := json.Unmarshal(pkg.Settings, &st); err != nil {
		return nil, fmt.Errorf("%w: settings: %v", ErrMalformedPackage, err)
	}

	res := &ImportResult{Settings: st, Valid: Verify(pkg, secret)}
	if !res.Valid {
		res.Warning = "signature does not match the settings payload; settings were not applied"
		return res, ErrSignatureMismatch
	}
	return res, nil
}
