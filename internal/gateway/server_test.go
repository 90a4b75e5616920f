package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"filegate/internal/credential"
)

func newTestServer(t *testing.T) (*Service, *httptest.Server) {
	t.Helper()

	service := newTestService(t)
	server := httptest.NewServer(service.Handler())
	t.Cleanup(server.Close)
	return service, server
}

func doJSON(t *testing.T, method, url, org string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if org != "" {
		req.Header.Set(orgHeader, org)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()

	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAPIIssueCredentialAndUpload(t *testing.T) {
	_, server := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/files/credentials", "org1",
		uploadCredentialRequest{Storage: "private"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tmp := decodeBody[credential.Temporary](t, resp)
	require.Equal(t, "local", tmp.Platform)
	require.NotEmpty(t, tmp.Fields.Credential)

	// Upload through the issued credential.
	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	require.NoError(t, writer.WriteField("credential", tmp.Fields.Credential))
	require.NoError(t, writer.WriteField("key", "org1/u/report.txt"))
	part, err := writer.CreateFormFile("file", "report.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("quarterly numbers"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/files/upload", &form)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	uploadResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, uploadResp.StatusCode)
	uploaded := decodeBody[uploadResponse](t, uploadResp)
	require.Equal(t, "org1/u/report.txt", uploaded.Key)

	// The object resolves to a link now.
	linkResp := doJSON(t, http.MethodGet, server.URL+"/api/files/link?key=org1/u/report.txt", "org1", nil)
	require.Equal(t, http.StatusOK, linkResp.StatusCode)
	link := decodeBody[linkResponse](t, linkResp)
	require.NotNil(t, link.URL)
}

func TestAPIMissingOrganization(t *testing.T) {
	_, server := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/files/credentials", "",
		uploadCredentialRequest{Storage: "private"})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	apiErr := decodeBody[apiError](t, resp)
	require.Equal(t, codeAccessDenied, apiErr.Code)
}

func TestAPIInvalidCredentialEnvelope(t *testing.T) {
	_, server := newTestServer(t)

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	require.NoError(t, writer.WriteField("credential", "local_credential:00000000000000000000000000000000"))
	require.NoError(t, writer.WriteField("key", "org1/a.txt"))
	part, err := writer.CreateFormFile("file", "a.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req, err := http.NewRequest(http.MethodPost, server.URL+"/api/files/upload", &form)
	require.NoError(t, err)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	apiErr := decodeBody[apiError](t, resp)
	require.Equal(t, codeInvalidCredential, apiErr.Code)
	require.Equal(t, "invalid credential", apiErr.Message, "no detail may leak about token existence")
}

func TestAPIUnsupportedStorageClass(t *testing.T) {
	_, server := newTestServer(t)

	resp := doJSON(t, http.MethodPost, server.URL+"/api/files/credentials", "org1",
		uploadCredentialRequest{Storage: "glacier"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	apiErr := decodeBody[apiError](t, resp)
	require.Equal(t, codeUnsupportedClass, apiErr.Code)
}

func TestAPIBatchLinks(t *testing.T) {
	service, server := newTestServer(t)

	putObject(t, service, "org1/known.txt", []byte("data"))

	resp := doJSON(t, http.MethodPost, server.URL+"/api/files/links", "",
		linksRequest{Keys: []string{"org1/known.txt", "org1/unknown.txt"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	batch := decodeBody[linksResponse](t, resp)
	require.NotNil(t, batch.Links["org1/known.txt"])
	require.Nil(t, batch.Links["org1/unknown.txt"], "missing key maps to null, not an error")
}

func TestAPIPublicFileGet(t *testing.T) {
	service, server := newTestServer(t)

	putObject(t, service, "org1/pub/hello.txt", []byte("public bytes"))

	resp, err := http.Get(server.URL + "/files/org1/pub/hello.txt")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "public bytes", string(data))

	missing, err := http.Get(server.URL + "/files/org1/pub/missing.txt")
	require.NoError(t, err)
	defer missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestAPIChunkUpload(t *testing.T) {
	_, server := newTestServer(t)

	payload := bytes.Repeat([]byte("z"), 2048)
	chunkSize := 1024

	var receipt map[string]any
	for index := 0; index < 2; index++ {
		var form bytes.Buffer
		writer := multipart.NewWriter(&form)
		require.NoError(t, writer.WriteField("upload_id", "api-sess"))
		require.NoError(t, writer.WriteField("key", "org1/chunked.bin"))
		require.NoError(t, writer.WriteField("chunk_index", fmt.Sprint(index)))
		require.NoError(t, writer.WriteField("total_size", fmt.Sprint(len(payload))))
		require.NoError(t, writer.WriteField("chunk_size", fmt.Sprint(chunkSize)))
		part, err := writer.CreateFormFile("chunk", "chunk.bin")
		require.NoError(t, err)
		_, err = part.Write(payload[index*chunkSize : (index+1)*chunkSize])
		require.NoError(t, err)
		require.NoError(t, writer.Close())

		req, err := http.NewRequest(http.MethodPost, server.URL+"/api/files/chunks", &form)
		require.NoError(t, err)
		req.Header.Set(orgHeader, "org1")
		req.Header.Set("Content-Type", writer.FormDataContentType())

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		receipt = decodeBody[map[string]any](t, resp)
	}

	require.Equal(t, "chunk", receipt["upload_method"])
	require.Equal(t, float64(2), receipt["total_chunks"])
	require.Equal(t, float64(len(payload)), receipt["file_size"])
}
