// Copyright 2022-2026 CSC - IT Center for Science Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package checksum streams a file once through one or more hash functions.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strings"

	"github.com/dpres/pifs/pkg/errtypes"
	"github.com/pkg/errors"
)

// Algorithm names accepted on user declared checksums.
const (
	MD5    = "md5"
	SHA1   = "sha1"
	SHA256 = "sha256"
)

const bufSize = 1 << 20

func newHash(alg string) (hash.Hash, error) {
	switch alg {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	default:
		return nil, errtypes.BadRequest("unsupported checksum algorithm: " + alg)
	}
}

// Normalize maps algorithm aliases onto canonical names.
func Normalize(alg string) string {
	alg = strings.ToLower(alg)
	if alg == "sha2" {
		return SHA256
	}
	return alg
}

// Declared is a user supplied checksum in "<alg>:<hex>" syntax.
type Declared struct {
	Algorithm string
	Hex       string
}

// Parse validates a declared checksum. Unknown algorithms fail fast.
func Parse(s string) (Declared, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Declared{}, errtypes.BadRequest("invalid checksum format, expected <alg>:<hex>")
	}
	alg := Normalize(parts[0])
	if _, err := newHash(alg); err != nil {
		return Declared{}, err
	}
	return Declared{Algorithm: alg, Hex: strings.ToLower(parts[1])}, nil
}

// Compute reads the file at path once, computing every requested algorithm
// over 1 MiB chunks. It returns a map of algorithm to lowercase hex digest.
func Compute(path string, algs ...string) (map[string]string, error) {
	if len(algs) == 0 {
		algs = []string{MD5}
	}

	hashes := make(map[string]hash.Hash, len(algs))
	writers := make([]io.Writer, 0, len(algs))
	for _, alg := range algs {
		alg = Normalize(alg)
		if _, ok := hashes[alg]; ok {
			continue
		}
		h, err := newHash(alg)
		if err != nil {
			return nil, err
		}
		hashes[alg] = h
		writers = append(writers, h)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "checksum: error opening source")
	}
	defer f.Close()

	buf := make([]byte, bufSize)
	if _, err := io.CopyBuffer(io.MultiWriter(writers...), f, buf); err != nil {
		return nil, errors.Wrap(err, "checksum: error reading source")
	}

	out := make(map[string]string, len(hashes))
	for alg, h := range hashes {
		out[alg] = hex.EncodeToString(h.Sum(nil))
	}
	return out, nil
}
