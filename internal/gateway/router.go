package gateway

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"filegate/internal/storage"
	"filegate/internal/transfer"
)

// maxUploadMemory bounds how much of a multipart form is held in memory
// before spilling to disk.
const maxUploadMemory = 32 << 20

// orgHeader carries the organization resolved by the upstream
// authentication layer. Identity itself is out of scope here; the
// gateway only enforces that every operation stays inside this scope.
const orgHeader = "X-Organization-Code"

// Handler returns an http.Handler exposing the gateway API.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/files/credentials", s.handleUploadCredential)
	mux.HandleFunc("POST /api/files/sts", s.handleDownloadCredential)
	mux.HandleFunc("POST /api/files/upload", s.handleUpload)
	mux.HandleFunc("GET /api/files/link", s.handleLink)
	mux.HandleFunc("POST /api/files/links", s.handleLinks)
	mux.HandleFunc("POST /api/files/chunks", s.handleChunk)
	mux.HandleFunc("GET /api/files/icons", s.handleIcons)
	mux.HandleFunc("DELETE /api/files/object", s.handleDelete)

	// Public read path for the local backend; the organization comes
	// from the key itself and authorizes reads only.
	mux.HandleFunc("GET /files/{key...}", s.handleFileGet)

	return LogRequest(SlashFix(mux))
}

func orgFromRequest(r *http.Request) (string, error) {
	org := r.Header.Get(orgHeader)
	if org == "" {
		return "", fmt.Errorf("%w: missing organization scope", ErrAccessDenied)
	}
	return org, nil
}

func (s *Service) handleUploadCredential(w http.ResponseWriter, r *http.Request) {
	org, err := orgFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req uploadCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, codeBadRequest, err.Error(), http.StatusBadRequest)
		return
	}

	tmp, err := s.IssueUploadCredential(r.Context(), org, storage.Class(req.Storage), req.ContentType, req.STS)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tmp)
}

func (s *Service) handleDownloadCredential(w http.ResponseWriter, r *http.Request) {
	org, err := orgFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req downloadCredentialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, codeBadRequest, err.Error(), http.StatusBadRequest)
		return
	}

	cred, err := s.IssueDownloadCredential(r.Context(), org, storage.Class(req.Storage), req.Dir, req.Expires)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

func (s *Service) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeAPIError(w, codeBadRequest, "malformed upload form", http.StatusBadRequest)
		return
	}

	token := r.FormValue("credential")
	key := r.FormValue("key")

	file, header, err := r.FormFile("file")
	if err != nil {
		writeAPIError(w, codeBadRequest, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	storedKey, err := s.UploadViaCredential(r.Context(), token, key, file, header.Size,
		header.Header.Get("Content-Type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, uploadResponse{Key: storedKey})
}

func (s *Service) handleLink(w http.ResponseWriter, r *http.Request) {
	org, err := orgFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	query := r.URL.Query()
	key := query.Get("key")
	if key == "" {
		writeAPIError(w, codeBadRequest, "missing key", http.StatusBadRequest)
		return
	}

	link, err := s.GetLink(r.Context(), org, key, storage.Class(query.Get("storage")), query.Get("filename"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, linkResponse{Key: key, URL: nullableLink(link)})
}

func (s *Service) handleLinks(w http.ResponseWriter, r *http.Request) {
	var req linksRequest
	if err := decodeJSON(r, &req); err != nil {
		writeAPIError(w, codeBadRequest, err.Error(), http.StatusBadRequest)
		return
	}

	links, err := s.GetLinksBatch(r.Context(), req.Keys)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make(map[string]*string, len(links))
	for key, link := range links {
		out[key] = nullableLink(link)
	}
	writeJSON(w, http.StatusOK, linksResponse{Links: out})
}

func (s *Service) handleChunk(w http.ResponseWriter, r *http.Request) {
	org, err := orgFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeAPIError(w, codeBadRequest, "malformed upload form", http.StatusBadRequest)
		return
	}

	key := r.FormValue("key")
	uploadID := r.FormValue("upload_id")

	chunkIndex, err := strconv.Atoi(r.FormValue("chunk_index"))
	if err != nil {
		writeAPIError(w, codeBadRequest, "invalid chunk_index", http.StatusBadRequest)
		return
	}
	totalSize, err := strconv.ParseInt(r.FormValue("total_size"), 10, 64)
	if err != nil {
		writeAPIError(w, codeBadRequest, "invalid total_size", http.StatusBadRequest)
		return
	}
	chunkSize, err := strconv.ParseInt(r.FormValue("chunk_size"), 10, 64)
	if err != nil {
		writeAPIError(w, codeBadRequest, "invalid chunk_size", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("chunk")
	if err != nil {
		writeAPIError(w, codeBadRequest, "missing chunk field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		writeAPIError(w, codeBadRequest, "unreadable chunk payload", http.StatusBadRequest)
		return
	}

	receipt, err := s.ChunkUpload(r.Context(), org, storage.Class(r.FormValue("storage")), key, transfer.Chunk{
		UploadID:    uploadID,
		Index:       chunkIndex,
		TotalSize:   totalSize,
		ChunkSize:   chunkSize,
		Payload:     payload,
		ContentType: header.Header.Get("Content-Type"),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Service) handleIcons(w http.ResponseWriter, r *http.Request) {
	icons, err := s.DefaultIcons(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, iconsResponse{Icons: icons})
}

func (s *Service) handleDelete(w http.ResponseWriter, r *http.Request) {
	org, err := orgFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		writeAPIError(w, codeBadRequest, "missing key", http.StatusBadRequest)
		return
	}

	if err := s.Delete(r.Context(), org, key, storage.Class(r.URL.Query().Get("storage"))); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleFileGet(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if OrgFromKey(key) == "" {
		writeAPIError(w, codeBadRequest, "missing organization prefix", http.StatusBadRequest)
		return
	}

	info, data, err := s.ReadObject(r.Context(), key, storage.ClassPublic)
	if err != nil {
		writeError(w, err)
		return
	}
	if info == nil {
		writeAPIError(w, codeNotFound, "no such object", http.StatusNotFound)
		return
	}

	if filename := r.URL.Query().Get("filename"); filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}
