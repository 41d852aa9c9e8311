// SPDX-License-Identifier: MPL-2.0

// Package checksum derives content-based identifiers for artifacts.
//
// A Service pairs a digest algorithm with optional truncation and a
// path-keyed cache: hashing the same on-disk artifact twice within one
// run performs the read and the digest only once, and concurrent
// requests for the same path are collapsed into a single computation.
package checksum

import (
	"crypto/sha1" //nolint:gosec // sha1 is an explicit, documented algorithm choice
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

const (
	// AlgorithmSHA256 is the default digest algorithm.
	AlgorithmSHA256 Algorithm = "sha256"
	// AlgorithmSHA1 is provided for compatibility with toolchains that
	// expect shorter identifiers without configuring truncation.
	AlgorithmSHA1 Algorithm = "sha1"
	// AlgorithmXXH64 is a fast non-cryptographic digest. Suitable for
	// cache busting, where collision resistance is a convenience rather
	// than a security property.
	AlgorithmXXH64 Algorithm = "xxh64"
	// AlgorithmBLAKE3 is a fast cryptographic digest.
	AlgorithmBLAKE3 Algorithm = "blake3"
)

// ErrUnknownAlgorithm is returned when an Algorithm value is not recognized.
var ErrUnknownAlgorithm = errors.New("unknown checksum algorithm")

type (
	// Algorithm selects the digest primitive used to derive identifiers.
	Algorithm string

	// DigestFunc maps raw bytes to a deterministic identifier string.
	// Implementations must be pure: the same bytes always produce the
	// same identifier, within a run and across runs.
	DigestFunc func([]byte) string

	// Service computes identifiers and caches them by artifact path.
	Service struct {
		digest DigestFunc
		maxLen int

		group  singleflight.Group
		mu     sync.Mutex
		byPath map[string]string
	}
)

// Algorithms lists the supported algorithm names in display order.
func Algorithms() []Algorithm {
	return []Algorithm{AlgorithmSHA256, AlgorithmSHA1, AlgorithmXXH64, AlgorithmBLAKE3}
}

// Validate reports whether the algorithm is supported.
func (a Algorithm) Validate() error {
	_, err := a.digestFunc()
	return err
}

func (a Algorithm) digestFunc() (DigestFunc, error) {
	switch a {
	case AlgorithmSHA256, "":
		return func(b []byte) string {
			sum := sha256.Sum256(b)
			return hex.EncodeToString(sum[:])
		}, nil
	case AlgorithmSHA1:
		return func(b []byte) string {
			sum := sha1.Sum(b) //nolint:gosec // see package doc
			return hex.EncodeToString(sum[:])
		}, nil
	case AlgorithmXXH64:
		return func(b []byte) string {
			return strconv.FormatUint(xxhash.Sum64(b), 16)
		}, nil
	case AlgorithmBLAKE3:
		return func(b []byte) string {
			sum := blake3.Sum256(b)
			return hex.EncodeToString(sum[:])
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, a)
	}
}

// New creates a Service for the given algorithm. maxLen truncates every
// identifier to at most that many characters; truncation trades collision
// resistance for shorter output. A maxLen of zero disables truncation.
func New(algo Algorithm, maxLen int) (*Service, error) {
	digest, err := algo.digestFunc()
	if err != nil {
		return nil, err
	}
	return NewWithDigest(digest, maxLen), nil
}

// NewWithDigest creates a Service around a caller-supplied digest
// function. Used when the host build tool provides its own hasher.
func NewWithDigest(digest DigestFunc, maxLen int) *Service {
	return &Service{
		digest: digest,
		maxLen: maxLen,
		byPath: make(map[string]string),
	}
}

// Sum returns the (possibly truncated) identifier for raw bytes. It does
// not consult or populate the path cache.
func (s *Service) Sum(data []byte) string {
	id := s.digest(data)
	if s.maxLen > 0 && len(id) > s.maxLen {
		id = id[:s.maxLen]
	}
	return id
}

// ForPath returns the identifier for the artifact at path, loading its
// content through load on a cache miss. Concurrent calls for the same
// path share a single load-and-digest computation; distinct paths may
// compute concurrently.
func (s *Service) ForPath(path string, load func() ([]byte, error)) (string, error) {
	s.mu.Lock()
	if id, ok := s.byPath[path]; ok {
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(path, func() (any, error) {
		// Re-check under the group: another flight may have completed
		// and recorded the value between the miss above and now.
		s.mu.Lock()
		if id, ok := s.byPath[path]; ok {
			s.mu.Unlock()
			return id, nil
		}
		s.mu.Unlock()

		data, err := load()
		if err != nil {
			return "", err
		}
		id := s.Sum(data)
		s.Record(path, id)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Record stores an externally computed identifier for path, so later
// ForPath calls short-circuit without re-reading the artifact.
func (s *Service) Record(path, id string) {
	s.mu.Lock()
	s.byPath[path] = id
	s.mu.Unlock()
}

// Forget drops the cached identifier for path. Callers must invalidate
// a path before rewriting its content: an identifier cached from the
// pre-rewrite bytes would otherwise be served stale.
func (s *Service) Forget(path string) {
	s.mu.Lock()
	delete(s.byPath, path)
	s.mu.Unlock()
	s.group.Forget(path)
}
