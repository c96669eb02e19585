package httpapi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"newsdesk.org/internal/apperr"
	"newsdesk.org/internal/audit"
	"newsdesk.org/internal/auth"
	"newsdesk.org/internal/ids"
)

const sniffLen = 3072

// uploadPolicy bounds accepted files by size and sniffed content type.
type uploadPolicy struct {
	maxBytes int64
	allowed  map[string]bool
	dir      string
}

func newUploadPolicy(maxBytes int64, allowed []string, dir string) uploadPolicy {
	if maxBytes <= 0 {
		maxBytes = 5 << 20
	}
	if dir == "" {
		dir = "uploads"
	}
	p := uploadPolicy{maxBytes: maxBytes, allowed: make(map[string]bool), dir: dir}
	for _, t := range allowed {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			p.allowed[t] = true
		}
	}
	return p
}

// accepts reports whether the sniffed type or one of its parents is allowed.
func (p uploadPolicy) accepts(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		base, _, _ := strings.Cut(m.String(), ";")
		if p.allowed[strings.ToLower(base)] {
			return true
		}
	}
	return false
}

type uploadResponse struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	// multipart framing gets a little headroom over the file limit
	r.Body = http.MaxBytesReader(w, r.Body, a.uploads.maxBytes+64<<10)
	file, _, err := r.FormFile("file")
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			a.fail(w, r, apperr.New(apperr.UploadRejected, "File too large"))
			return
		}
		a.fail(w, r, apperr.Validation("file", "is required"))
		return
	}
	defer file.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(file, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		a.fail(w, r, apperr.Wrap(apperr.UploadRejected, "Unreadable upload", err))
		return
	}
	head = head[:n]
	if n == 0 {
		a.fail(w, r, apperr.New(apperr.UploadRejected, "Empty file"))
		return
	}
	mt := mimetype.Detect(head)
	if !a.uploads.accepts(mt) {
		a.fail(w, r, apperr.New(apperr.UploadRejected, fmt.Sprintf("File type %s is not allowed", mt.String())))
		return
	}

	name, size, err := a.uploads.save(head, file, mt.Extension())
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			a.fail(w, r, ae)
			return
		}
		a.fail(w, r, fmt.Errorf("save upload: %w", err))
		return
	}
	principal, _ := auth.PrincipalFromContext(r.Context())
	_ = audit.LogEvent(r.Context(), "upload.stored", map[string]any{
		"user_id": principal.UserID,
		"name":    name,
		"size":    size,
	})
	writeData(w, http.StatusCreated, "File uploaded", uploadResponse{Name: name, ContentType: mt.String(), Size: size})
}

// save writes head followed by the rest of src under a generated name. A
// partial file is removed when the size limit is crossed.
func (p uploadPolicy) save(head []byte, src io.Reader, ext string) (string, int64, error) {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return "", 0, err
	}
	name := ids.New() + ext
	path := filepath.Join(p.dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", 0, err
	}
	size, err := io.Copy(f, io.LimitReader(io.MultiReader(bytes.NewReader(head), src), p.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && size > p.maxBytes {
		err = apperr.New(apperr.UploadRejected, "File too large")
	}
	if err != nil {
		_ = os.Remove(path)
		return "", 0, err
	}
	return name, size, nil
}
