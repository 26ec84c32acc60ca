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

// Package archive validates and extracts uploaded tar and zip archives.
//
// Format detection is content based, never by file extension. Archives are
// scanned in full before a single byte is extracted: member sizes are
// summed for the quota pre-check and every member path and type is
// validated. Extraction always targets a private staging tree, never the
// project directory.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/dpres/pifs/pkg/errtypes"
)

// Format is a detected archive container format.
type Format int

// Supported formats. Tar covers both plain and gzip compressed archives.
const (
	FormatUnknown Format = iota
	FormatZip
	FormatTar
	FormatTarGz
)

const (
	fileMode = os.FileMode(0o664)
	dirMode  = os.FileMode(0o775)
	bufSize  = 1 << 20
)

// Member is one validated archive entry.
type Member struct {
	// Path is the cleaned, slash separated path relative to the target.
	Path string
	Dir  bool
	Size int64
}

// Sniff detects the archive format from file content.
func Sniff(srcPath string) (Format, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return FormatUnknown, errors.Wrap(err, "archive: error opening source")
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return FormatUnknown, errtypes.BadRequest("upload is not a supported archive")
	}
	head = head[:n]

	switch {
	case len(head) >= 4 && string(head[:4]) == "PK\x03\x04":
		return FormatZip, nil
	case len(head) >= 2 && head[0] == 0x1f && head[1] == 0x8b:
		// gzip container; the tar reader validates the payload on scan
		return FormatTarGz, nil
	case len(head) >= 263 && string(head[257:262]) == "ustar":
		return FormatTar, nil
	}
	return FormatUnknown, errtypes.BadRequest("upload is not a supported archive")
}

// memberPath validates and normalises an archive member name. Absolute
// names and names escaping the target directory are rejected.
func memberPath(name string) (string, error) {
	cleaned := path.Clean(strings.TrimLeft(strings.ReplaceAll(name, "\\", "/"), "/"))
	if cleaned == "." {
		return "", nil
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errtypes.BadRequest("invalid member path '" + name + "'")
	}
	return cleaned, nil
}

// Scan enumerates the archive without extracting. It returns the validated
// members and the total extracted size, failing on any member that is not
// a regular file or directory or whose path escapes the target.
func Scan(srcPath string, format Format) ([]Member, int64, error) {
	switch format {
	case FormatZip:
		return scanZip(srcPath)
	case FormatTar, FormatTarGz:
		return scanTar(srcPath, format == FormatTarGz)
	default:
		return nil, 0, errtypes.BadRequest("upload is not a supported archive")
	}
}

func scanZip(srcPath string) ([]Member, int64, error) {
	r, err := zip.OpenReader(srcPath)
	if err != nil {
		return nil, 0, errtypes.BadRequest("upload is not a supported archive")
	}
	defer r.Close()

	var members []Member
	var total int64
	for _, f := range r.File {
		mode := f.Mode()
		isDir := f.FileInfo().IsDir()
		if !isDir && !mode.IsRegular() {
			return nil, 0, errtypes.BadRequest("File '" + f.Name + "' has unsupported type")
		}
		rel, err := memberPath(f.Name)
		if err != nil {
			return nil, 0, err
		}
		if rel == "" {
			continue
		}
		m := Member{Path: rel, Dir: isDir}
		if !isDir {
			m.Size = int64(f.UncompressedSize64)
			total += m.Size
		}
		members = append(members, m)
	}
	return members, total, nil
}

func scanTar(srcPath string, gzipped bool) ([]Member, int64, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return nil, 0, errors.Wrap(err, "archive: error opening source")
	}
	defer f.Close()

	var src io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, 0, errtypes.BadRequest("upload is not a supported archive")
		}
		defer gz.Close()
		src = gz
	}

	tr := tar.NewReader(src)
	var members []Member
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, errtypes.BadRequest("upload is not a supported archive")
		}

		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeDir:
		default:
			return nil, 0, errtypes.BadRequest("File '" + hdr.Name + "' has unsupported type")
		}

		rel, err := memberPath(hdr.Name)
		if err != nil {
			return nil, 0, err
		}
		if rel == "" {
			continue
		}
		m := Member{Path: rel, Dir: hdr.Typeflag == tar.TypeDir}
		if !m.Dir {
			m.Size = hdr.Size
			total += m.Size
		}
		members = append(members, m)
	}
	return members, total, nil
}

// Conflicts returns the member paths that collide with existing entries
// under targetDir: a file member whose target exists, or a directory
// member whose target is an existing file. All conflicts are collected so
// the caller can report them in one go.
func Conflicts(targetDir string, members []Member) []string {
	var conflicts []string
	for _, m := range members {
		target := filepath.Join(targetDir, filepath.FromSlash(m.Path))
		info, err := os.Lstat(target)
		if err != nil {
			continue
		}
		if m.Dir && info.IsDir() {
			continue
		}
		conflicts = append(conflicts, "/"+m.Path)
	}
	return conflicts
}

// Extract unpacks the archive into dest, which must be a private staging
// directory. Member validation mirrors Scan; anything unexpected aborts.
func Extract(srcPath string, format Format, dest string) error {
	switch format {
	case FormatZip:
		return extractZip(srcPath, dest)
	case FormatTar, FormatTarGz:
		return extractTar(srcPath, format == FormatTarGz, dest)
	default:
		return errtypes.BadRequest("upload is not a supported archive")
	}
}

func extractZip(srcPath, dest string) error {
	r, err := zip.OpenReader(srcPath)
	if err != nil {
		return errtypes.BadRequest("upload is not a supported archive")
	}
	defer r.Close()

	for _, f := range r.File {
		rel, err := memberPath(f.Name)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, dirMode); err != nil {
				return errors.Wrap(err, "archive: error creating directory")
			}
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return errors.Wrap(err, "archive: error opening member")
		}
		err = writeMember(target, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func extractTar(srcPath string, gzipped bool, dest string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrap(err, "archive: error opening source")
	}
	defer f.Close()

	var src io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return errtypes.BadRequest("upload is not a supported archive")
		}
		defer gz.Close()
		src = gz
	}

	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errtypes.BadRequest("upload is not a supported archive")
		}
		rel, err := memberPath(hdr.Name)
		if err != nil {
			return err
		}
		if rel == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode); err != nil {
				return errors.Wrap(err, "archive: error creating directory")
			}
		case tar.TypeReg:
			if err := writeMember(target, tr); err != nil {
				return err
			}
		default:
			return errtypes.BadRequest("File '" + hdr.Name + "' has unsupported type")
		}
	}
}

func writeMember(target string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), dirMode); err != nil {
		return errors.Wrap(err, "archive: error creating parent directory")
	}
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, fileMode)
	if err != nil {
		return errors.Wrap(err, "archive: error creating member file")
	}
	buf := make([]byte, bufSize)
	_, err = io.CopyBuffer(dst, src, buf)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	return errors.Wrap(err, "archive: error writing member")
}

// NormalizeTree removes any symlink that slipped through extraction and
// forces mode 0664 on every regular file.
func NormalizeTree(dest string) error {
	return filepath.Walk(dest, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			return os.Remove(p)
		case info.Mode().IsRegular():
			return os.Chmod(p, fileMode)
		}
		return nil
	})
}
