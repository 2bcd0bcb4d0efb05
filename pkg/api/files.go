package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"r3chat/pkg/logger"
	"r3chat/pkg/models"
	"r3chat/pkg/store"
	"r3chat/pkg/utils"

	"github.com/gorilla/mux"
)

const maxUploadBytes = 16 << 20

// RegisterFiles registers attachment upload and download.
func RegisterFiles(r *mux.Router) {
	r.HandleFunc("/files", uploadFile).Methods(http.MethodPost)
	r.HandleFunc("/files/{id}", downloadFile).Methods(http.MethodGet)
}

func blobDir() string {
	if cfg != nil && cfg.Storage.BlobDir != "" {
		return cfg.Storage.BlobDir
	}
	return "./data/blobs"
}

// uploadFile accepts a multipart upload and stores the blob on disk
// with a metadata record in the store.
func uploadFile(w http.ResponseWriter, r *http.Request) {
	id, ok := callerIdentity(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		utils.JSONError(w, http.StatusBadRequest, "invalid multipart payload")
		return
	}
	src, hdr, err := r.FormFile("file")
	if err != nil {
		utils.JSONError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer src.Close()

	dir := blobDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	fileID := utils.GenFileID()
	dst, err := os.Create(filepath.Join(dir, fileID))
	if err != nil {
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	n, err := io.Copy(dst, src)
	cerr := dst.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst.Name())
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	meta := models.FileMeta{
		ID:          fileID,
		Name:        hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
		Size:        n,
		Owner:       id.ID,
		TS:          time.Now().UTC().UnixNano(),
	}
	if err := store.SaveFileMeta(meta); err != nil {
		_ = os.Remove(dst.Name())
		utils.JSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	logger.Info("file_uploaded", "file_id", fileID, "user", id.ID, "bytes", n)
	_ = utils.JSONWrite(w, http.StatusCreated, meta)
}

func downloadFile(w http.ResponseWriter, r *http.Request) {
	if _, ok := callerIdentity(w, r); !ok {
		return
	}
	meta, err := store.GetFileMeta(mux.Vars(r)["id"])
	if err != nil {
		if err == store.ErrNotFound {
			utils.JSONError(w, http.StatusNotFound, "file not found")
		} else {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	f, err := os.Open(filepath.Join(blobDir(), meta.ID))
	if err != nil {
		utils.JSONError(w, http.StatusNotFound, "file blob missing")
		return
	}
	defer f.Close()
	if meta.ContentType != "" {
		w.Header().Set("Content-Type", meta.ContentType)
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+meta.Name+`"`)
	_, _ = io.Copy(w, f)
}
