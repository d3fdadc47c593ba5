/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package misp

import (
	"context"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/gravwell/mispsync/log"
	"github.com/gravwell/mispsync/platform"
	"github.com/h2non/filetype"
	"github.com/yeka/zip"
)

// samplePassword is the convention password MISP uses to armor malware
// sample archives.
const samplePassword = `infected`

const sniffLen = 512

var filenameRe = regexp.MustCompile(`attachment; filename="(.*)"`)

// AttachmentHandler downloads attribute payloads into temporary files and
// unpacks malware sample archives.
type AttachmentHandler struct {
	temp *platform.TempStore
	lg   *log.Logger
}

func NewAttachmentHandler(temp *platform.TempStore, lg *log.Logger) *AttachmentHandler {
	return &AttachmentHandler{
		temp: temp,
		lg:   lg,
	}
}

// Download streams an attribute's binary payload to a temporary file and
// returns the populated attachment. The filename comes from the
// Content-Disposition header, the content type from the Content-Type
// header with a magic byte sniff as fallback.
func (h *AttachmentHandler) Download(ctx context.Context, c *Client, attributeID string) (att platform.Attachment, err error) {
	resp, err := c.DownloadAttribute(ctx, attributeID)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	name := `noname`
	if m := filenameRe.FindStringSubmatch(resp.Header.Get(`Content-Disposition`)); m != nil && m[1] != `` {
		name = m[1]
	}
	fout, err := h.temp.NewTemporaryFile(`dl`, name)
	if err != nil {
		return
	}
	sz, err := io.Copy(fout, resp.Body)
	if err != nil {
		fout.Close()
		return
	}
	if err = fout.Close(); err != nil {
		return
	}
	att = platform.Attachment{
		ID:          attributeID,
		Name:        name,
		Path:        fout.Name(),
		ContentType: h.contentType(resp.Header.Get(`Content-Type`), fout.Name()),
		Size:        sz,
	}
	return
}

// contentType prefers the server supplied type and falls back to a magic
// byte sniff of the downloaded file.
func (h *AttachmentHandler) contentType(hdr, path string) string {
	if hdr != `` {
		if i := strings.IndexByte(hdr, ';'); i >= 0 {
			hdr = hdr[:i]
		}
		return strings.TrimSpace(hdr)
	}
	if fin, err := os.Open(path); err == nil {
		buf := make([]byte, sniffLen)
		n, _ := io.ReadFull(fin, buf)
		fin.Close()
		if kind, err := filetype.Match(buf[:n]); err == nil && kind != filetype.Unknown {
			return kind.MIME.Value
		}
	}
	return `application/octet-stream`
}

// ExtractMalwareSample unpacks a downloaded malware sample archive. MISP
// ships samples as zip archives encrypted with the "infected" password,
// holding the payload plus a *.filename.txt metadata entry carrying the
// original filename. If extraction fails for any reason the original
// archive attachment is returned untouched so the sample is never lost.
func (h *AttachmentHandler) ExtractMalwareSample(att platform.Attachment) platform.Attachment {
	rdr, err := zip.OpenReader(att.Path)
	if err != nil {
		h.lg.Warn("failed to open malware sample archive, keeping raw archive",
			log.KV("attachment", att.Name), log.KVErr(err))
		return att
	}
	defer rdr.Close()

	var meta, content *zip.File
	for _, f := range rdr.File {
		if f.IsEncrypted() {
			f.SetPassword(samplePassword)
		}
		if strings.HasSuffix(f.Name, `.filename.txt`) {
			if meta == nil {
				meta = f
			}
		} else if content == nil {
			content = f
		}
	}
	if content == nil {
		h.lg.Warn("malware sample archive has no content entry, keeping raw archive",
			log.KV("attachment", att.Name))
		return att
	}

	name := att.Name
	if meta != nil {
		if n, err := readSampleName(meta); err == nil && n != `` {
			name = n
		}
	}
	fout, err := h.temp.NewTemporaryFile(`sample`, name)
	if err != nil {
		h.lg.Warn("failed to create sample file, keeping raw archive",
			log.KV("attachment", att.Name), log.KVErr(err))
		return att
	}
	fin, err := content.Open()
	if err != nil {
		fout.Close()
		h.lg.Warn("failed to decrypt malware sample, keeping raw archive",
			log.KV("attachment", att.Name), log.KVErr(err))
		return att
	}
	sz, err := io.Copy(fout, fin)
	fin.Close()
	if cerr := fout.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		h.lg.Warn("failed to extract malware sample, keeping raw archive",
			log.KV("attachment", att.Name), log.KVErr(err))
		return att
	}
	return platform.Attachment{
		ID:          att.ID,
		Name:        name,
		Path:        fout.Name(),
		ContentType: `application/octet-stream`,
		Size:        sz,
	}
}

// readSampleName reads the original filename out of a metadata entry. The
// name is the leading run of the entry, capped defensively.
func readSampleName(f *zip.File) (string, error) {
	fin, err := f.Open()
	if err != nil {
		return ``, err
	}
	defer fin.Close()
	buf := make([]byte, 128)
	n, err := io.ReadFull(fin, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return ``, err
	}
	return strings.TrimSpace(string(buf[:n])), nil
}
